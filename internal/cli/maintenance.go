package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/victornm/quizroom/internal/badge"
	"github.com/victornm/quizroom/internal/store/postgres"
	"github.com/victornm/quizroom/internal/xp"
)

func newRepairLevelsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "repair-levels",
		Short: "Recompute every stored level from its XP total",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			return withStore(cmd.Context(), c.Postgres.DSN(), func(ctx context.Context, st *postgres.Store) error {
				repaired, err := xp.NewLedger(xp.Config{Store: st}).RecomputeAll(ctx)
				slog.InfoContext(ctx, "cli: level repair done", "repaired", repaired)
				return err
			})
		},
	}
}

func newSeedBadgesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "seed-badges <catalog.yaml>",
		Short: "Upsert a YAML badge catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			catalog, err := badge.LoadCatalog(args[0])
			if err != nil {
				return err
			}

			return withStore(cmd.Context(), c.Postgres.DSN(), func(ctx context.Context, st *postgres.Store) error {
				badges := badge.NewService(badge.Config{
					Store:  st,
					Ledger: xp.NewLedger(xp.Config{Store: st}),
				})
				if err := badges.Seed(ctx, catalog); err != nil {
					return err
				}
				slog.InfoContext(ctx, "cli: badge catalog seeded", "badges", len(catalog))
				return nil
			})
		},
	}
}

func withStore(ctx context.Context, dsn string, fn func(ctx context.Context, st *postgres.Store) error) error {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer db.Close()

	return fn(ctx, postgres.NewStore(postgres.Config{DB: db}))
}
