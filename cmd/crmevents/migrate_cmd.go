package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/davicafu/crmevents/internal/config"
	"github.com/davicafu/crmevents/internal/infra/db/migrations"
)

var errMigrateMongo = errors.New("migrations apply to sql drivers only; mongodb indexes are created on startup")

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the outbox and ledger schema",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withMigrationDB(cmd.Context(), func(ctx context.Context, db *sql.DB, dialect string) error {
					n, err := migrations.Up(ctx, db, dialect)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "applied %d migrations\n", n)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withMigrationDB(cmd.Context(), func(ctx context.Context, db *sql.DB, dialect string) error {
					return migrations.Down(ctx, db, dialect)
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show applied and pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withMigrationDB(cmd.Context(), func(ctx context.Context, db *sql.DB, dialect string) error {
					rows, err := migrations.Status(ctx, db, dialect)
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "VERSION\tSTATE\tSOURCE")
					for _, r := range rows {
						state := "pending"
						if r.Applied {
							state = "applied"
						}
						fmt.Fprintf(tw, "%d\t%s\t%s\n", r.Version, state, r.Source)
					}
					return tw.Flush()
				})
			},
		},
	)
	return cmd
}

// withMigrationDB abre la base sin aplicar migraciones.
func (a *app) withMigrationDB(ctx context.Context, fn func(ctx context.Context, db *sql.DB, dialect string) error) error {
	var driverName, dsn, dialect string
	switch a.cfg.Store.Driver {
	case config.DriverSQLite:
		driverName, dsn, dialect = "sqlite", a.cfg.Store.SQLitePath, migrations.SQLite
	case config.DriverPostgres:
		driverName, dsn, dialect = "pgx", a.cfg.Store.PostgresDSN, migrations.Postgres
	default:
		return errMigrateMongo
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", dialect, err)
	}
	return fn(ctx, db, dialect)
}
