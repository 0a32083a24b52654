package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/replaykit/internal/config"
	"github.com/xkilldash9x/replaykit/internal/observability"
)

var (
	cfgFile   string
	appConfig *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "replaykit",
	Short:   "Replaykit records AI-driven UI automation runs and replays them deterministically.",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := initializeConfig()
		if err != nil {
			// A fallback logger so the failure is still visible in the
			// configured format.
			observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "replaykit"})
			return err
		}
		appConfig = cfg
		observability.InitializeLogger(cfg.Logger)
		observability.GetLogger().Debug("Starting replaykit", zap.String("version", Version))
		return nil
	},
}

// Execute runs the root command under the given context.
func Execute(ctx context.Context) error {
	defer observability.Sync()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("Command execution failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./replaykit.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

// initializeConfig reads the config file and environment into a validated
// Config.
func initializeConfig() (*config.Config, error) {
	v := viper.New()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("replaykit")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("REPLAYKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Missing config file is fine, defaults and env vars apply.
	}
	return config.NewConfigFromViper(v)
}
