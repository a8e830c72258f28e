package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"keygate/internal/models"
	"keygate/internal/store"
)

const selectKeyColumns = `
	SELECT k.token, k.issued_at, k.expires_at, k.holder_id, (c.token IS NOT NULL) AS consumed
	FROM access_keys k
	LEFT JOIN consumed_keys c ON c.token = k.token
`

// InsertKeys inserts a batch of issued keys in one transaction.
func (d *DB) InsertKeys(ctx context.Context, keys []*models.Key) error {
	tx, err := d.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, k := range keys {
		batch.Queue(`
			INSERT INTO access_keys (token, issued_at, expires_at)
			VALUES ($1, $2, $3)
		`, k.Token, k.IssuedAt, k.ExpiresAt)
	}

	br := tx.SendBatch(ctx, batch)
	for range keys {
		if _, err := br.Exec(); err != nil {
			br.Close()
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return store.ErrDuplicateKey
			}
			return fmt.Errorf("insert key: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ListKeys returns every key ordered by issue time.
func (d *DB) ListKeys(ctx context.Context) ([]models.Key, error) {
	rows, err := d.Pool.Query(ctx, selectKeyColumns+` ORDER BY k.issued_at ASC, k.token ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []models.Key
	for rows.Next() {
		var k models.Key
		if err := rows.Scan(&k.Token, &k.IssuedAt, &k.ExpiresAt, &k.HolderID, &k.Consumed); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// GetKey loads a key outside any transaction.
func (d *DB) GetKey(ctx context.Context, token string) (*models.Key, error) {
	var k models.Key
	err := d.Pool.QueryRow(ctx, selectKeyColumns+` WHERE k.token = $1`, token).
		Scan(&k.Token, &k.IssuedAt, &k.ExpiresAt, &k.HolderID, &k.Consumed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// Key loads a key and locks its row until the transaction ends. The consumed
// marker is read with a second statement so it sees rows committed while this
// transaction waited on the lock.
func (t *pgTx) Key(ctx context.Context, token string) (*models.Key, error) {
	var k models.Key
	err := t.tx.QueryRow(ctx, `
		SELECT token, issued_at, expires_at, holder_id
		FROM access_keys
		WHERE token = $1
		FOR UPDATE
	`, token).Scan(&k.Token, &k.IssuedAt, &k.ExpiresAt, &k.HolderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}

	err = t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM consumed_keys WHERE token = $1)`, token).Scan(&k.Consumed)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// PutKey writes the key row and keeps consumed_keys in step with k.Consumed.
func (t *pgTx) PutKey(ctx context.Context, k *models.Key) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO access_keys (token, issued_at, expires_at, holder_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token) DO UPDATE SET
			expires_at = EXCLUDED.expires_at,
			holder_id = EXCLUDED.holder_id
	`, k.Token, k.IssuedAt, k.ExpiresAt, k.HolderID)
	if err != nil {
		return fmt.Errorf("put key: %w", err)
	}

	if k.Consumed {
		_, err = t.tx.Exec(ctx, `
			INSERT INTO consumed_keys (token) VALUES ($1)
			ON CONFLICT (token) DO NOTHING
		`, k.Token)
	} else {
		_, err = t.tx.Exec(ctx, `DELETE FROM consumed_keys WHERE token = $1`, k.Token)
	}
	if err != nil {
		return fmt.Errorf("put consumed marker: %w", err)
	}
	return nil
}

// DeleteKey removes the key; its consumed marker goes with it (ON DELETE CASCADE).
func (t *pgTx) DeleteKey(ctx context.Context, token string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM access_keys WHERE token = $1`, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrKeyNotFound
	}
	return nil
}
