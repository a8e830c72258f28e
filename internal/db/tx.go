package db

import (
	"context"

	"github.com/jackc/pgx/v5"

	"keygate/internal/store"
)

// pgTx implements store.Tx on top of a pgx transaction. Row locks taken with
// SELECT ... FOR UPDATE serialize concurrent redemptions of the same key.
type pgTx struct {
	tx pgx.Tx
}

// Update runs fn inside a read-committed transaction and commits if fn succeeds.
func (d *DB) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := d.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
