package activitylog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// ReplacingMergeTree colapsa las filas repetidas de una reentrega.
const schema = `
CREATE TABLE IF NOT EXISTS activity_log (
	event_id       String,
	event_type     LowCardinality(String),
	aggregate_type LowCardinality(String),
	aggregate_id   String,
	customer_id    String,
	user_id        String,
	payload        String,
	occurred_at    DateTime64(3, 'UTC'),
	received_at    DateTime64(3, 'UTC')
) ENGINE = ReplacingMergeTree(received_at)
ORDER BY (customer_id, event_id)`

// ClickHouseStore implementa Store sobre ClickHouse.
type ClickHouseStore struct {
	db *sql.DB
}

var _ Store = (*ClickHouseStore)(nil)

func NewClickHouseStore(ctx context.Context, addr, dbName string) (*ClickHouseStore, error) {
	conn := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: dbName,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	})

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("could not ping clickhouse: %w", err)
	}
	return &ClickHouseStore{db: conn}, nil
}

func (s *ClickHouseStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Append inserta las filas en un solo lote.
func (s *ClickHouseStore) Append(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO activity_log
		(event_id, event_type, aggregate_type, aggregate_id, customer_id, user_id, payload, occurred_at, received_at)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.EventID,
			e.EventType,
			e.AggregateType,
			e.AggregateID,
			e.CustomerID,
			e.UserID,
			e.Payload,
			e.OccurredAt,
			e.ReceivedAt,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("append %s: %w", e.EventID, err)
		}
	}
	return tx.Commit()
}

func (s *ClickHouseStore) DailyCounts(ctx context.Context, customerID string, start, end time.Time) ([]DailyCount, error) {
	query := `
		SELECT
			toStartOfDay(occurred_at) AS day,
			event_type,
			uniqExact(event_id) AS total
		FROM activity_log
		WHERE customer_id = ? AND occurred_at BETWEEN ? AND ?
		GROUP BY day, event_type
		ORDER BY day, event_type
	`
	rows, err := s.db.QueryContext(ctx, query, customerID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailyCount
	for rows.Next() {
		var c DailyCount
		if err := rows.Scan(&c.Day, &c.EventType, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *ClickHouseStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *ClickHouseStore) Close() error {
	return s.db.Close()
}
