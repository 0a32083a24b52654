package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/replaykit/internal/cachestore"
	"github.com/xkilldash9x/replaykit/internal/observability"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage recorded trajectories.",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all recorded trajectories.",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		files, err := store.List()
		if err != nil {
			return err
		}
		if len(files) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no cached trajectories")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "GOAL\tSTEPS\tATTEMPTS\tFAILURES\tVALID\tCREATED")
		for _, f := range files {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%t\t%s\n",
				f.Metadata.Goal,
				len(f.Trajectory),
				f.Metadata.Attempts,
				len(f.Metadata.Failures),
				f.Metadata.IsValid,
				f.Metadata.CreatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var cacheShowCmd = &cobra.Command{
	Use:   "show <goal>",
	Short: "Show the trajectory recorded for a goal.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		file, err := store.Load(args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "goal:      %s\n", file.Metadata.Goal)
		if file.Metadata.GoalPattern != "" {
			fmt.Fprintf(out, "pattern:   %s\n", file.Metadata.GoalPattern)
		}
		fmt.Fprintf(out, "created:   %s\n", file.Metadata.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(out, "attempts:  %d, failures: %d, token cost: %d\n",
			file.Metadata.Attempts, len(file.Metadata.Failures), file.Metadata.TokenCost)
		if !file.Metadata.IsValid && file.Metadata.InvalidReason != nil {
			fmt.Fprintf(out, "invalid:   %s\n", *file.Metadata.InvalidReason)
		}
		if len(file.Parameters) > 0 {
			fmt.Fprintln(out, "parameters:")
			for name, desc := range file.Parameters {
				fmt.Fprintf(out, "  {{%s}}: %s\n", name, desc)
			}
		}
		fmt.Fprintln(out, "trajectory:")
		for i, step := range file.Trajectory {
			marker := ""
			if !step.Cacheable {
				marker = " (pauses for live agent)"
			}
			fmt.Fprintf(out, "  %2d. %s%s\n", i, step.Tool, marker)
		}
		return nil
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <goal>",
	Short: "Mark a trajectory invalid so future runs go live.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		file, err := store.Load(args[0])
		if err != nil {
			return err
		}
		if err := store.Invalidate(file, "invalidated manually"); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "invalidated %q\n", file.Metadata.Goal)
		return nil
	},
}

var cacheRevalidateCmd = &cobra.Command{
	Use:   "revalidate <goal>",
	Short: "Clear the invalid mark on a trajectory.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		file, err := store.Load(args[0])
		if err != nil {
			return err
		}
		if err := store.MarkValid(file); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "revalidated %q\n", file.Metadata.Goal)
		return nil
	},
}

func openStore() (*cachestore.FileStore, error) {
	return cachestore.NewFileStore(appConfig.Cache.Dir, observability.GetLogger())
}

func init() {
	cacheCmd.AddCommand(cacheListCmd, cacheShowCmd, cacheInvalidateCmd, cacheRevalidateCmd)
	rootCmd.AddCommand(cacheCmd)
}
