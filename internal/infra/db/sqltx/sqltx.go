// Package sqltx ejecuta funciones dentro de una transacción de database/sql.
package sqltx

import (
	"context"
	"database/sql"
	"fmt"
)

// Run abre una transacción, ejecuta fn y hace commit. Cualquier error o pánico
// de fn provoca rollback.
func Run(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
