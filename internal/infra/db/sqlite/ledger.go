package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/davicafu/crmevents/internal/shared/domain"
)

// LedgerSQLite es el registro de idempotencia sobre una de las tablas de ledger.
type LedgerSQLite struct {
	db    *sql.DB
	table string
}

func NewLedgerSQLite(db *sql.DB, table string) (*LedgerSQLite, error) {
	if err := domain.ValidLedger(table); err != nil {
		return nil, fmt.Errorf("%w: %q", err, table)
	}
	return &LedgerSQLite{db: db, table: table}, nil
}

func (l *LedgerSQLite) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx,
		`SELECT 1 FROM `+l.table+` WHERE event_id = ? LIMIT 1`, eventID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Record es un upsert atómico: un segundo registro del mismo evento no falla.
func (l *LedgerSQLite) Record(ctx context.Context, eventID, eventType string, at time.Time) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO `+l.table+` (event_id, event_type, processed_at) VALUES (?, ?, ?)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s in %s: %w", eventID, l.table, err)
	}
	return nil
}

var _ domain.Ledger = (*LedgerSQLite)(nil)
