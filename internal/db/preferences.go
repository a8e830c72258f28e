package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"keygate/internal/models"
	"keygate/internal/store"
)

const selectPreferences = `
	SELECT holder_id, notify, keywords, min_record_count, output_name,
	       webhook_target, message_template, updated_at
	FROM holder_preferences
	WHERE holder_id = $1
`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanPreferences(ctx context.Context, q querier, sql string, holderID uuid.UUID) (*models.Preferences, error) {
	var p models.Preferences
	err := q.QueryRow(ctx, sql, holderID).Scan(
		&p.HolderID, &p.Notify, &p.Keywords, &p.MinRecordCount, &p.OutputName,
		&p.WebhookTarget, &p.MessageTemplate, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrPreferencesNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPreferences retrieves a holder's preferences.
func (d *DB) GetPreferences(ctx context.Context, holderID uuid.UUID) (*models.Preferences, error) {
	return scanPreferences(ctx, d.Pool, selectPreferences, holderID)
}

// Preferences loads a holder's preferences and locks the row.
func (t *pgTx) Preferences(ctx context.Context, holderID uuid.UUID) (*models.Preferences, error) {
	return scanPreferences(ctx, t.tx, selectPreferences+` FOR UPDATE`, holderID)
}

// PutPreferences upserts a holder's preferences.
func (t *pgTx) PutPreferences(ctx context.Context, p *models.Preferences) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO holder_preferences
			(holder_id, notify, keywords, min_record_count, output_name, webhook_target, message_template, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (holder_id) DO UPDATE SET
			notify = EXCLUDED.notify,
			keywords = EXCLUDED.keywords,
			min_record_count = EXCLUDED.min_record_count,
			output_name = EXCLUDED.output_name,
			webhook_target = EXCLUDED.webhook_target,
			message_template = EXCLUDED.message_template,
			updated_at = NOW()
		RETURNING updated_at
	`, p.HolderID, p.Notify, p.Keywords, p.MinRecordCount, p.OutputName, p.WebhookTarget, p.MessageTemplate,
	).Scan(&p.UpdatedAt)
}

// DeletePreferences removes a holder's preferences.
func (t *pgTx) DeletePreferences(ctx context.Context, holderID uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM holder_preferences WHERE holder_id = $1`, holderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrPreferencesNotFound
	}
	return nil
}
