// Package keys implements the access key lifecycle: batch issuance,
// single-use redemption, revocation and listing.
package keys

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"

	"keygate/internal/models"
	"keygate/internal/preferences"
	"keygate/internal/store"
)

var (
	ErrNotFound    = errors.New("invalid key")
	ErrAlreadyUsed = errors.New("key already used")
	ErrExpired     = errors.New("key expired")
	ErrNotRedeemed = errors.New("key was never redeemed")

	ErrInvalidCount = errors.New("count must be at least 1")
	ErrInvalidTTL   = errors.New("expiry must be zero or at least one second")
)

// MaxBatch bounds a single Issue call.
const MaxBatch = 1000

// Manager owns every state transition of a key.
type Manager struct {
	store    store.Store
	defaults preferences.Defaults
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for issuance and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a key manager. defaults seed a holder's preferences
// on redemption.
func NewManager(s store.Store, defaults preferences.Defaults, opts ...Option) *Manager {
	m := &Manager{store: s, defaults: defaults, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue creates count unredeemed keys sharing one expiry. A zero ttl means
// the keys never expire.
func (m *Manager) Issue(ctx context.Context, count int, ttl time.Duration) ([]models.Key, error) {
	if count < 1 || count > MaxBatch {
		return nil, fmt.Errorf("%w (max %d)", ErrInvalidCount, MaxBatch)
	}
	if ttl < 0 || (ttl > 0 && ttl < time.Second) {
		return nil, ErrInvalidTTL
	}

	now := m.now().UTC().Truncate(time.Second)
	var expiresAt *time.Time
	if ttl > 0 {
		exp := now.Add(ttl)
		expiresAt = &exp
	}

	batch := make([]*models.Key, count)
	for i := range batch {
		batch[i] = &models.Key{
			Token:     uuid.NewString(),
			IssuedAt:  now,
			ExpiresAt: expiresAt,
		}
	}

	if err := m.store.InsertKeys(ctx, batch); err != nil {
		return nil, fmt.Errorf("issue keys: %w", err)
	}

	issued := make([]models.Key, count)
	for i, k := range batch {
		issued[i] = *k
	}
	return issued, nil
}

// Redeem consumes token and binds it to a new holder with default
// preferences. The key is locked for the whole check-and-set, so of two
// concurrent redemptions exactly one succeeds.
func (m *Manager) Redeem(ctx context.Context, token string) (uuid.UUID, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return uuid.Nil, ErrNotFound
	}

	var holderID uuid.UUID
	err := m.store.Update(ctx, func(tx store.Tx) error {
		k, err := tx.Key(ctx, token)
		if err != nil {
			return err
		}
		// Expiry wins over prior use.
		if k.IsExpired(m.now()) {
			return ErrExpired
		}
		if k.Consumed {
			return ErrAlreadyUsed
		}

		holderID = uuid.New()
		k.HolderID = &holderID
		k.Consumed = true
		if err := tx.PutKey(ctx, k); err != nil {
			return err
		}
		return tx.PutPreferences(ctx, m.defaults.For(holderID))
	})
	if err != nil {
		return uuid.Nil, mapErr("redeem key", err)
	}
	return holderID, nil
}

// Revoke deletes a redeemed key and its holder's preferences. The holder ID
// is returned so callers can end the holder's sessions. Unredeemed keys are
// left untouched and reported with ErrNotRedeemed.
func (m *Manager) Revoke(ctx context.Context, token string) (uuid.UUID, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return uuid.Nil, ErrNotFound
	}

	var holderID uuid.UUID
	err := m.store.Update(ctx, func(tx store.Tx) error {
		k, err := tx.Key(ctx, token)
		if err != nil {
			return err
		}
		if !k.IsRedeemed() {
			return ErrNotRedeemed
		}

		holderID = *k.HolderID
		if err := tx.DeleteKey(ctx, token); err != nil {
			return err
		}
		err = tx.DeletePreferences(ctx, holderID)
		if errors.Is(err, store.ErrPreferencesNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return uuid.Nil, mapErr("revoke key", err)
	}
	return holderID, nil
}

// List yields every key with its derived state. The store is read when the
// sequence is ranged over, once per range.
func (m *Manager) List(ctx context.Context) iter.Seq2[models.KeyListing, error] {
	return func(yield func(models.KeyListing, error) bool) {
		keys, err := m.store.ListKeys(ctx)
		if err != nil {
			yield(models.KeyListing{}, fmt.Errorf("list keys: %w", err))
			return
		}

		now := m.now()
		for _, k := range keys {
			listing := models.KeyListing{
				Token:     k.Token,
				HolderID:  k.HolderID,
				ExpiresAt: k.ExpiresAt,
				State:     k.State(now),
			}
			if !yield(listing, nil) {
				return
			}
		}
	}
}

// Status returns the derived state of a single key.
func (m *Manager) Status(ctx context.Context, token string) (string, error) {
	k, err := m.store.GetKey(ctx, strings.TrimSpace(token))
	if err != nil {
		return "", mapErr("key status", err)
	}
	return k.State(m.now()), nil
}

// Summary counts keys per derived state.
func (m *Manager) Summary(ctx context.Context) (models.KeySummary, error) {
	var s models.KeySummary
	for k, err := range m.List(ctx) {
		if err != nil {
			return models.KeySummary{}, err
		}
		s.Add(k.State)
	}
	return s, nil
}

func mapErr(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrKeyNotFound):
		return ErrNotFound
	case errors.Is(err, ErrExpired), errors.Is(err, ErrAlreadyUsed), errors.Is(err, ErrNotRedeemed):
		return err
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
