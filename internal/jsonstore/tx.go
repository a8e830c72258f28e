package jsonstore

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"keygate/internal/models"
	"keygate/internal/store"
)

// fileTx mutates a cloned state owned by a single Update call.
type fileTx struct {
	state      *state
	keysDirty  bool
	prefsDirty bool
}

func (t *fileTx) Key(ctx context.Context, token string) (*models.Key, error) {
	rec, ok := t.state.keys.Keys[token]
	if !ok {
		return nil, store.ErrKeyNotFound
	}
	k := toKey(token, rec, slices.Contains(t.state.keys.UsedKeys, token))
	return &k, nil
}

func (t *fileTx) PutKey(ctx context.Context, k *models.Key) error {
	rec := &keyRecord{IssuedAt: toUnix(k.IssuedAt)}
	if k.HolderID != nil {
		id := *k.HolderID
		rec.HolderID = &id
	}
	if k.ExpiresAt != nil {
		exp := toUnix(*k.ExpiresAt)
		rec.ExpiresAt = &exp
	}
	t.state.keys.Keys[k.Token] = rec

	idx := slices.Index(t.state.keys.UsedKeys, k.Token)
	switch {
	case k.Consumed && idx < 0:
		t.state.keys.UsedKeys = append(t.state.keys.UsedKeys, k.Token)
	case !k.Consumed && idx >= 0:
		t.state.keys.UsedKeys = slices.Delete(t.state.keys.UsedKeys, idx, idx+1)
	}
	t.keysDirty = true
	return nil
}

func (t *fileTx) DeleteKey(ctx context.Context, token string) error {
	if _, ok := t.state.keys.Keys[token]; !ok {
		return store.ErrKeyNotFound
	}
	delete(t.state.keys.Keys, token)
	t.state.keys.UsedKeys = slices.DeleteFunc(t.state.keys.UsedKeys, func(s string) bool { return s == token })
	t.keysDirty = true
	return nil
}

func (t *fileTx) Preferences(ctx context.Context, holderID uuid.UUID) (*models.Preferences, error) {
	p, ok := t.state.prefs[holderID]
	if !ok {
		return nil, store.ErrPreferencesNotFound
	}
	return p.Clone(), nil
}

func (t *fileTx) PutPreferences(ctx context.Context, p *models.Preferences) error {
	p.UpdatedAt = time.Now().UTC()
	t.state.prefs[p.HolderID] = p.Clone()
	t.prefsDirty = true
	return nil
}

func (t *fileTx) DeletePreferences(ctx context.Context, holderID uuid.UUID) error {
	if _, ok := t.state.prefs[holderID]; !ok {
		return store.ErrPreferencesNotFound
	}
	delete(t.state.prefs, holderID)
	t.prefsDirty = true
	return nil
}
