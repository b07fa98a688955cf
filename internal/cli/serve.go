package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/victornm/quizroom/internal/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	var migrateFirst bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and the gRPC health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, os.Interrupt)
			defer stop()

			if migrateFirst {
				if err := migrateUp(ctx, c.Postgres.DSN()); err != nil {
					return err
				}
			}

			return serve(ctx, c)
		},
	}

	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func serve(ctx context.Context, c server.Config) error {
	s, err := server.Init(ctx, c)
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- s.Start(ctx) }()

	select {
	case <-ctx.Done():
		slog.InfoContext(ctx, "cli: shutting down")
		s.Shutdown()
		return <-errc
	case err := <-errc:
		s.Shutdown()
		return err
	}
}
