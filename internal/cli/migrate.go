package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"github.com/victornm/quizroom/internal/store/postgres/migrations"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if down {
				return migrateDown(cmd.Context(), c.Postgres.DSN())
			}
			return migrateUp(cmd.Context(), c.Postgres.DSN())
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "roll back the last migration group instead")
	return cmd
}

func newMigrator(dsn string) (*migrate.Migrator, *bun.DB) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	return migrate.NewMigrator(db, migrations.Migrations), db
}

func migrateUp(ctx context.Context, dsn string) error {
	m, db := newMigrator(dsn)
	defer db.Close()

	if err := m.Init(ctx); err != nil {
		return fmt.Errorf("migrate: init: %w", err)
	}

	group, err := m.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	if group.IsZero() {
		slog.InfoContext(ctx, "migrate: nothing to apply")
		return nil
	}
	slog.InfoContext(ctx, "migrate: applied", "group", group.String())
	return nil
}

func migrateDown(ctx context.Context, dsn string) error {
	m, db := newMigrator(dsn)
	defer db.Close()

	if err := m.Init(ctx); err != nil {
		return fmt.Errorf("migrate: init: %w", err)
	}

	group, err := m.Rollback(ctx)
	if err != nil {
		return fmt.Errorf("migrate: rollback: %w", err)
	}

	slog.InfoContext(ctx, "migrate: rolled back", "group", group.String())
	return nil
}
