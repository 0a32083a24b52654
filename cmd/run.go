package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/replaykit/internal/agent"
	"github.com/xkilldash9x/replaykit/internal/browser"
	"github.com/xkilldash9x/replaykit/internal/cachestore"
	"github.com/xkilldash9x/replaykit/internal/config"
	"github.com/xkilldash9x/replaykit/internal/llmclient"
	"github.com/xkilldash9x/replaykit/internal/observability"
	"github.com/xkilldash9x/replaykit/internal/orchestrator"
	"github.com/xkilldash9x/replaykit/internal/params"
	"github.com/xkilldash9x/replaykit/internal/player"
	"github.com/xkilldash9x/replaykit/internal/recorder"
	"github.com/xkilldash9x/replaykit/internal/validation"
)

var (
	runParams   []string
	runNoCache  bool
	runNoRecord bool
	runParallel int
)

var runCmd = &cobra.Command{
	Use:   "run <goal> [goal...]",
	Short: "Execute one or more goals, replaying cached trajectories where possible.",
	Long: `Executes each goal with the reasoning agent, recording the resulting
trajectory. When a valid cached trajectory exists for a goal it is replayed
step by step instead, falling back to the live agent on any divergence.

Parameter values for cached trajectories are supplied with --param:
  replaykit run "log in as {{user}}" --param user=alice`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGoals,
}

func init() {
	runCmd.Flags().StringArrayVar(&runParams, "param", nil, "parameter value as name=value, repeatable")
	runCmd.Flags().BoolVar(&runNoCache, "no-cache", false, "skip cache lookup, always run live")
	runCmd.Flags().BoolVar(&runNoRecord, "no-record", false, "do not record a trajectory")
	runCmd.Flags().IntVar(&runParallel, "parallel", 1, "number of goals to run concurrently")
	rootCmd.AddCommand(runCmd)
}

func runGoals(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := appConfig
	log := observability.GetLogger()

	values, err := parseParamFlags(runParams)
	if err != nil {
		return err
	}

	store, err := cachestore.NewFileStore(cfg.Cache.Dir, log)
	if err != nil {
		return fmt.Errorf("failed to open cache store: %w", err)
	}

	client, err := llmclient.NewGeminiClient(ctx, cfg.LLM, log)
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if runParallel < 1 {
		runParallel = 1
	}
	g.SetLimit(runParallel)

	for _, goal := range args {
		g.Go(func() error {
			return executeGoal(gctx, cfg, goal, values, store, client, log)
		})
	}
	return g.Wait()
}

// executeGoal wires one full engine stack and runs a single goal. Each goal
// owns its own browser and execution state; only the store is shared.
func executeGoal(
	ctx context.Context,
	cfg *config.Config,
	goal string,
	values map[string]string,
	store *cachestore.FileStore,
	client llmclient.Client,
	log *zap.Logger,
) error {
	b, err := browser.New(ctx, cfg.Browser, log)
	if err != nil {
		return fmt.Errorf("goal %q: %w", goal, err)
	}
	defer b.Close()

	catalog := browser.NewCatalog()
	detector, err := buildDetector(cfg, client, log)
	if err != nil {
		return err
	}

	rec := recorder.New(catalog, detector, store, cfg.Validation, cfg.Recorder, log)
	validator := buildValidator(cfg)
	pl := player.New(store, b, b, validator, cfg.Player, log)
	reasoner := agent.NewReasoner(client, llmclient.GenerationOptions{
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}, log)
	liveAgent := orchestrator.NewLiveAgent(reasoner, b, catalog, rec, log)

	orch := orchestrator.New(liveAgent, pl, rec, store, validator, orchestrator.Options{
		MaxTurns: cfg.LLM.MaxTurns,
		UseCache: cfg.Cache.Enabled && !runNoCache,
		Record:   !runNoRecord,
	}, log)

	res, err := orch.Run(ctx, goal, values)
	if err != nil {
		return fmt.Errorf("goal %q: %w", goal, err)
	}
	if !res.Success {
		return fmt.Errorf("goal %q failed after %d turns", goal, res.Turns)
	}
	log.Info("Goal completed",
		zap.String("goal", goal),
		zap.Int("turns", res.Turns),
		zap.Int("replayed_steps", res.ReplayedSteps),
		zap.Bool("recorded", res.Recorded != nil))
	return nil
}

func buildDetector(cfg *config.Config, client llmclient.Client, log *zap.Logger) (params.Detector, error) {
	switch cfg.Recorder.ParameterMode {
	case "manual":
		return params.ManualDetector{}, nil
	case "heuristic":
		return params.HeuristicDetector{}, nil
	case "llm":
		return params.NewLLMDetector(client, log), nil
	default:
		return nil, fmt.Errorf("unknown parameter mode %q", cfg.Recorder.ParameterMode)
	}
}

func buildValidator(cfg *config.Config) *validation.Composite {
	return validation.NewComposite(
		validation.Staleness{MaxAge: cfg.Cache.MaxAge},
		validation.StepFailures{Max: cfg.Cache.MaxStepFailures},
		validation.FailureRate{Max: cfg.Cache.MaxFailureRate},
	)
}

func parseParamFlags(flags []string) (map[string]string, error) {
	values := make(map[string]string, len(flags))
	for _, f := range flags {
		name, value, ok := strings.Cut(f, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --param %q, expected name=value", f)
		}
		values[name] = value
	}
	return values, nil
}
