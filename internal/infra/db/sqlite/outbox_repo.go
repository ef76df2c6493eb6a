package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// _ "github.com/mattn/go-sqlite3" // better performance but requires gcc
	_ "modernc.org/sqlite"

	"github.com/davicafu/crmevents/internal/shared/domain"
)

// SQLite no tiene tipo fecha: guardamos UTC con ancho fijo para que el orden
// lexicográfico coincida con el temporal.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// OutboxRepoSQLite implementa domain.OutboxRepository sobre SQLite.
type OutboxRepoSQLite struct {
	db *sql.DB
}

func NewOutboxRepoSQLite(db *sql.DB) *OutboxRepoSQLite {
	return &OutboxRepoSQLite{db: db}
}

// WriteToOutbox inserta el evento dentro de la transacción del llamante. Un
// error debe abortar esa transacción.
func (r *OutboxRepoSQLite) WriteToOutbox(ctx context.Context, tx *sql.Tx, evt *domain.OutboxEvent) error {
	if tx == nil {
		return domain.ErrTransactionRequired
	}
	if err := evt.Validate(); err != nil {
		return err
	}

	meta, err := json.Marshal(evt.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox metadata: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO outbox (event_id, event_type, aggregate_type, aggregate_id, customer_id,
		                     payload, metadata, status, retry_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		evt.EventID, evt.EventType, evt.AggregateType, evt.AggregateID, evt.CustomerID,
		string(evt.Payload), string(meta), string(domain.StatusPending), formatTime(evt.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		evt.SequenceID = id
	}
	return nil
}

func (r *OutboxRepoSQLite) FetchPending(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT sequence_id, event_id, event_type, aggregate_type, aggregate_id, customer_id,
		        payload, metadata, status, retry_count, error_message, created_at, processed_at, last_attempt_at
		 FROM outbox
		 WHERE status = ?
		 ORDER BY created_at, sequence_id
		 LIMIT ?`, string(domain.StatusPending), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OutboxEvent
	for rows.Next() {
		evt, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func scanOutbox(rows *sql.Rows) (domain.OutboxEvent, error) {
	var (
		evt                      domain.OutboxEvent
		payload                  string
		meta, errMsg             sql.NullString
		status, createdAt        string
		processedAt, lastAttempt sql.NullString
	)
	if err := rows.Scan(&evt.SequenceID, &evt.EventID, &evt.EventType, &evt.AggregateType, &evt.AggregateID,
		&evt.CustomerID, &payload, &meta, &status, &evt.RetryCount, &errMsg, &createdAt, &processedAt, &lastAttempt,
	); err != nil {
		return evt, err
	}

	evt.Payload = json.RawMessage(payload)
	evt.Status = domain.Status(status)
	evt.ErrorMessage = errMsg.String
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &evt.Metadata); err != nil {
			return evt, fmt.Errorf("invalid metadata in outbox row %s: %w", evt.EventID, err)
		}
	}

	var err error
	if evt.CreatedAt, err = parseTime(createdAt); err != nil {
		return evt, fmt.Errorf("invalid created_at in outbox row %s: %w", evt.EventID, err)
	}
	if evt.ProcessedAt, err = parseNullTime(processedAt); err != nil {
		return evt, err
	}
	if evt.LastAttemptAt, err = parseNullTime(lastAttempt); err != nil {
		return evt, err
	}
	return evt, nil
}

// MarkProcessed marca la fila y registra el ledger del publicador en la misma transacción.
func (r *OutboxRepoSQLite) MarkProcessed(ctx context.Context, evt domain.OutboxEvent, at time.Time) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	ts := formatTime(at)
	res, err := tx.ExecContext(ctx,
		`UPDATE outbox SET status = ?, processed_at = ?, error_message = NULL WHERE event_id = ?`,
		string(domain.StatusProcessed), ts, evt.EventID,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get RowsAffected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", domain.ErrEventNotFound, evt.EventID)
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO processed_events (event_id, event_type, processed_at) VALUES (?, ?, ?)
		 ON CONFLICT (event_id) DO NOTHING`,
		evt.EventID, evt.EventType, ts,
	); err != nil {
		return fmt.Errorf("failed to record processed event: %w", err)
	}

	return tx.Commit()
}

func (r *OutboxRepoSQLite) MarkFailed(ctx context.Context, eventID, reason string, at time.Time) (int, error) {
	var retries int
	err := r.db.QueryRowContext(ctx,
		`UPDATE outbox
		 SET status = ?, retry_count = retry_count + 1, error_message = ?, last_attempt_at = ?
		 WHERE event_id = ?
		 RETURNING retry_count`,
		string(domain.StatusFailed), reason, formatTime(at), eventID,
	).Scan(&retries)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", domain.ErrEventNotFound, eventID)
	}
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return retries, nil
}

func (r *OutboxRepoSQLite) ResetRetryable(ctx context.Context, maxRetries int, failedBefore time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, error_message = NULL
		 WHERE status = ? AND retry_count < ? AND last_attempt_at < ?`,
		string(domain.StatusPending), string(domain.StatusFailed), maxRetries, formatTime(failedBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.RowsAffected()
}

func (r *OutboxRepoSQLite) Stats(ctx context.Context, maxRetries int) (domain.OutboxStats, error) {
	var st domain.OutboxStats
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return st, err
		}
		switch domain.Status(status) {
		case domain.StatusPending:
			st.Pending = n
		case domain.StatusProcessed:
			st.Processed = n
		case domain.StatusFailed:
			st.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	rows.Close()

	err = r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE status = ? AND retry_count >= ?`,
		string(domain.StatusFailed), maxRetries,
	).Scan(&st.Exhausted)
	return st, err
}

// Verificación en tiempo de compilación.
var _ domain.OutboxRepository = (*OutboxRepoSQLite)(nil)
