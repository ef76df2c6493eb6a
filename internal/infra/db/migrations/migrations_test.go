package migrations

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestUp_CreatesTables(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()

	n, err := Up(ctx, db, SQLite)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, table := range []string{"outbox", "processed_events", "consumed_events"} {
		var name string
		err := db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}

	n, err = Up(ctx, db, SQLite)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStatusAndDown(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()

	_, err := Up(ctx, db, SQLite)
	require.NoError(t, err)

	st, err := Status(ctx, db, SQLite)
	require.NoError(t, err)
	require.Len(t, st, 2)
	assert.True(t, st[0].Applied)
	assert.True(t, st[1].Applied)

	require.NoError(t, Down(ctx, db, SQLite))

	st, err = Status(ctx, db, SQLite)
	require.NoError(t, err)
	assert.True(t, st[0].Applied)
	assert.False(t, st[1].Applied)
}

func TestUnsupportedDialect(t *testing.T) {
	_, err := Up(context.Background(), openSQLite(t), "oracle")
	assert.Error(t, err)
}
