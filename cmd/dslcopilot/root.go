package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/dsl-copilot/internal/config"
	"github.com/ashureev/dsl-copilot/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "dslcopilot",
	Short: "Generate code that compiles, with validator feedback",
	Long: `dslcopilot asks a language model for code, checks it with a compiler
frontend and feeds the errors back until the code is accepted.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("settings", "", "YAML settings file (overrides DSLCOPILOT_SETTINGS)")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level for diagnostics on stderr")
}

// loadConfig reads .env, the settings file and the environment. Flags win.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	_ = godotenv.Load()

	if path, _ := cmd.Flags().GetString("settings"); path != "" {
		if err := os.Setenv("DSLCOPILOT_SETTINGS", path); err != nil {
			return nil, nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	level, _ := cmd.Flags().GetString("log-level")
	logger := logging.New(os.Stderr, level, "text")
	slog.SetDefault(logger)
	return cfg, logger, nil
}
