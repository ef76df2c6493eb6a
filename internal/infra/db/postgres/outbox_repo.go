package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/davicafu/crmevents/internal/shared/domain"
)

// OutboxRepoPostgres implementa domain.OutboxRepository sobre Postgres.
type OutboxRepoPostgres struct {
	db *sql.DB
}

func NewOutboxRepoPostgres(db *sql.DB) *OutboxRepoPostgres {
	return &OutboxRepoPostgres{db: db}
}

// WriteToOutbox inserta el evento dentro de la transacción del llamante.
func (r *OutboxRepoPostgres) WriteToOutbox(ctx context.Context, tx *sql.Tx, evt *domain.OutboxEvent) error {
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

	err = tx.QueryRowContext(ctx,
		`INSERT INTO outbox (event_id, event_type, aggregate_type, aggregate_id, customer_id,
		                     payload, metadata, status, retry_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, 0, $9)
		 RETURNING sequence_id`,
		evt.EventID, evt.EventType, evt.AggregateType, evt.AggregateID, evt.CustomerID,
		string(evt.Payload), string(meta), string(domain.StatusPending), evt.CreatedAt.UTC(),
	).Scan(&evt.SequenceID)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

func (r *OutboxRepoPostgres) FetchPending(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT sequence_id, event_id, event_type, aggregate_type, aggregate_id, customer_id,
		        payload, metadata, status, retry_count, error_message, created_at, processed_at, last_attempt_at
		 FROM outbox
		 WHERE status = $1
		 ORDER BY created_at, sequence_id
		 LIMIT $2`, string(domain.StatusPending), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OutboxEvent
	for rows.Next() {
		var (
			evt         domain.OutboxEvent
			payload     []byte
			meta        []byte
			status      string
			errMsg      sql.NullString
			processedAt sql.NullTime
			lastAttempt sql.NullTime
		)
		if err := rows.Scan(&evt.SequenceID, &evt.EventID, &evt.EventType, &evt.AggregateType, &evt.AggregateID,
			&evt.CustomerID, &payload, &meta, &status, &evt.RetryCount, &errMsg, &evt.CreatedAt, &processedAt, &lastAttempt,
		); err != nil {
			return nil, err
		}

		evt.Payload = json.RawMessage(payload)
		evt.Status = domain.Status(status)
		evt.ErrorMessage = errMsg.String
		evt.CreatedAt = evt.CreatedAt.UTC()
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &evt.Metadata); err != nil {
				return nil, fmt.Errorf("invalid metadata in outbox row %s: %w", evt.EventID, err)
			}
		}
		if processedAt.Valid {
			t := processedAt.Time.UTC()
			evt.ProcessedAt = &t
		}
		if lastAttempt.Valid {
			t := lastAttempt.Time.UTC()
			evt.LastAttemptAt = &t
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// MarkProcessed actualiza la fila y registra el ledger del publicador en la misma transacción.
func (r *OutboxRepoPostgres) MarkProcessed(ctx context.Context, evt domain.OutboxEvent, at time.Time) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE outbox SET status = $1, processed_at = $2, error_message = NULL WHERE event_id = $3`,
		string(domain.StatusProcessed), at.UTC(), evt.EventID,
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
		`INSERT INTO processed_events (event_id, event_type, processed_at) VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO NOTHING`,
		evt.EventID, evt.EventType, at.UTC(),
	); err != nil {
		return fmt.Errorf("failed to record processed event: %w", err)
	}

	return tx.Commit()
}

func (r *OutboxRepoPostgres) MarkFailed(ctx context.Context, eventID, reason string, at time.Time) (int, error) {
	var retries int
	err := r.db.QueryRowContext(ctx,
		`UPDATE outbox
		 SET status = $1, retry_count = retry_count + 1, error_message = $2, last_attempt_at = $3
		 WHERE event_id = $4
		 RETURNING retry_count`,
		string(domain.StatusFailed), reason, at.UTC(), eventID,
	).Scan(&retries)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", domain.ErrEventNotFound, eventID)
	}
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return retries, nil
}

func (r *OutboxRepoPostgres) ResetRetryable(ctx context.Context, maxRetries int, failedBefore time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox SET status = $1, error_message = NULL
		 WHERE status = $2 AND retry_count < $3 AND last_attempt_at < $4`,
		string(domain.StatusPending), string(domain.StatusFailed), maxRetries, failedBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.RowsAffected()
}

func (r *OutboxRepoPostgres) Stats(ctx context.Context, maxRetries int) (domain.OutboxStats, error) {
	var st domain.OutboxStats
	err := r.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'failed' AND retry_count >= $1)
		 FROM outbox`, maxRetries,
	).Scan(&st.Pending, &st.Processed, &st.Failed, &st.Exhausted)
	return st, err
}

// Verificación en tiempo de compilación.
var _ domain.OutboxRepository = (*OutboxRepoPostgres)(nil)
