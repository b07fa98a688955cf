// Package cli is the quizroom command line.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/victornm/quizroom/internal/config"
	"github.com/victornm/quizroom/internal/server"
	"github.com/victornm/quizroom/internal/telemetry"
)

// Execute runs the CLI.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "quizroom",
		Short:         "Live classroom quiz rooms: scoring, rankings, XP and badges",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to YAML config (env overrides it)")

	cmd.AddCommand(
		newServeCmd(&configPath),
		newMigrateCmd(&configPath),
		newRepairLevelsCmd(&configPath),
		newSeedBadgesCmd(&configPath),
	)
	return cmd
}

// loadConfig reads the config and installs the configured default logger.
func loadConfig(path string) (server.Config, error) {
	c := server.DefaultConfig()
	if err := config.Load(path, &c); err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}

	l, err := telemetry.NewLogger(os.Stderr, c.Log)
	if err != nil {
		return c, err
	}
	slog.SetDefault(l)

	return c, nil
}
