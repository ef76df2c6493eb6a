package sqltx

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func setup(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(`CREATE TABLE contacts (id TEXT PRIMARY KEY)`)
	require.NoError(t, err)
	return db
}

func count(t *testing.T, db *sql.DB) int {
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM contacts`).Scan(&n))
	return n
}

func TestRun_Commits(t *testing.T) {
	db := setup(t)
	err := Run(context.Background(), db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO contacts (id) VALUES ('c1')`)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count(t, db))
}

func TestRun_RollsBackOnError(t *testing.T) {
	db := setup(t)
	err := Run(context.Background(), db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO contacts (id) VALUES ('c1')`); err != nil {
			return err
		}
		return errors.New("business rule violated")
	})
	assert.EqualError(t, err, "business rule violated")
	assert.Equal(t, 0, count(t, db))
}

func TestRun_RollsBackOnPanic(t *testing.T) {
	db := setup(t)
	assert.Panics(t, func() {
		_ = Run(context.Background(), db, func(tx *sql.Tx) error {
			_, _ = tx.Exec(`INSERT INTO contacts (id) VALUES ('c1')`)
			panic("boom")
		})
	})
	assert.Equal(t, 0, count(t, db))
}
