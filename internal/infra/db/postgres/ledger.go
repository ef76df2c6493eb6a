package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/davicafu/crmevents/internal/shared/domain"
)

// LedgerPostgres es el registro de idempotencia sobre una de las tablas de ledger.
type LedgerPostgres struct {
	db    *sql.DB
	table string
}

func NewLedgerPostgres(db *sql.DB, table string) (*LedgerPostgres, error) {
	if err := domain.ValidLedger(table); err != nil {
		return nil, fmt.Errorf("%w: %q", err, table)
	}
	return &LedgerPostgres{db: db, table: table}, nil
}

func (l *LedgerPostgres) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+l.table+` WHERE event_id = $1)`, eventID,
	).Scan(&exists)
	return exists, err
}

func (l *LedgerPostgres) Record(ctx context.Context, eventID, eventType string, at time.Time) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO `+l.table+` (event_id, event_type, processed_at) VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s in %s: %w", eventID, l.table, err)
	}
	return nil
}

var _ domain.Ledger = (*LedgerPostgres)(nil)
