// Package store defines the persistence contract shared by the Postgres and
// JSON file backends. Every mutation runs inside Update so the load, mutate
// and persist steps are applied as one guarded unit.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"keygate/internal/models"
)

var (
	ErrKeyNotFound         = errors.New("key not found")
	ErrDuplicateKey        = errors.New("key already exists")
	ErrPreferencesNotFound = errors.New("preferences not found")
)

// Tx is the view of the store inside an Update call. Reads made through a Tx
// hold the row (or store) lock until the transaction ends.
type Tx interface {
	Key(ctx context.Context, token string) (*models.Key, error)
	PutKey(ctx context.Context, k *models.Key) error
	DeleteKey(ctx context.Context, token string) error

	Preferences(ctx context.Context, holderID uuid.UUID) (*models.Preferences, error)
	PutPreferences(ctx context.Context, p *models.Preferences) error
	DeletePreferences(ctx context.Context, holderID uuid.UUID) error
}

// Store is implemented by db.DB and jsonstore.Store.
type Store interface {
	// Update runs fn in a transaction. If fn returns an error nothing is persisted.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// InsertKeys adds freshly issued keys. Fails with ErrDuplicateKey on collision.
	InsertKeys(ctx context.Context, keys []*models.Key) error
	ListKeys(ctx context.Context) ([]models.Key, error)
	// GetKey reads one key without locking it. Fails with ErrKeyNotFound.
	GetKey(ctx context.Context, token string) (*models.Key, error)
	GetPreferences(ctx context.Context, holderID uuid.UUID) (*models.Preferences, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close()
}
