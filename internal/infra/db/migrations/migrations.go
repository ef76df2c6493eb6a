// Package migrations aplica el esquema del outbox y de los ledgers con goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// Dialectos soportados.
const (
	Postgres = "postgres"
	SQLite   = "sqlite"
)

// MigrationStatus es una fila de "migrate status".
type MigrationStatus struct {
	Version int64
	Source  string
	Applied bool
}

func newProvider(db *sql.DB, dialect string) (*goose.Provider, error) {
	var gooseDialect goose.Dialect
	switch dialect {
	case Postgres:
		gooseDialect = goose.DialectPostgres
	case SQLite:
		gooseDialect = goose.DialectSQLite3
	default:
		return nil, fmt.Errorf("unsupported migration dialect %q", dialect)
	}

	sub, err := fs.Sub(files, dialect)
	if err != nil {
		return nil, err
	}
	return goose.NewProvider(gooseDialect, db, sub)
}

// Up aplica todas las migraciones pendientes y devuelve cuántas se aplicaron.
func Up(ctx context.Context, db *sql.DB, dialect string) (int, error) {
	p, err := newProvider(db, dialect)
	if err != nil {
		return 0, err
	}
	results, err := p.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("migrate up: %w", err)
	}
	return len(results), nil
}

// Down revierte la última migración aplicada.
func Down(ctx context.Context, db *sql.DB, dialect string) error {
	p, err := newProvider(db, dialect)
	if err != nil {
		return err
	}
	if _, err := p.Down(ctx); err != nil {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

func Status(ctx context.Context, db *sql.DB, dialect string) ([]MigrationStatus, error) {
	p, err := newProvider(db, dialect)
	if err != nil {
		return nil, err
	}
	st, err := p.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrate status: %w", err)
	}

	out := make([]MigrationStatus, 0, len(st))
	for _, s := range st {
		out = append(out, MigrationStatus{
			Version: s.Source.Version,
			Source:  s.Source.Path,
			Applied: s.State == goose.StateApplied,
		})
	}
	return out, nil
}
