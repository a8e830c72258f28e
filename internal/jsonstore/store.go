// Package jsonstore is a file-backed store.Store keeping keys and preferences
// in two JSON documents. State is held in memory and every Update works on a
// copy that replaces the live state only after both files are written.
package jsonstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"keygate/internal/models"
	"keygate/internal/store"
)

const (
	KeysFile        = "keys.json"
	PreferencesFile = "user_prefs.json"
)

var _ store.Store = (*Store)(nil)

// keyRecord is the on-disk form of a key. Timestamps are unix seconds.
type keyRecord struct {
	HolderID  *uuid.UUID `json:"holder_id"`
	ExpiresAt *float64   `json:"expires_at"`
	IssuedAt  float64    `json:"issued_at,omitempty"`
}

type keysDocument struct {
	Keys     map[string]*keyRecord `json:"keys"`
	UsedKeys []string              `json:"used_keys"`
}

type state struct {
	keys  keysDocument
	prefs map[uuid.UUID]*models.Preferences
}

func (s *state) clone() *state {
	c := &state{
		keys: keysDocument{
			Keys:     make(map[string]*keyRecord, len(s.keys.Keys)),
			UsedKeys: slices.Clone(s.keys.UsedKeys),
		},
		prefs: make(map[uuid.UUID]*models.Preferences, len(s.prefs)),
	}
	for token, rec := range s.keys.Keys {
		r := *rec
		c.keys.Keys[token] = &r
	}
	for id, p := range s.prefs {
		c.prefs[id] = p.Clone()
	}
	return c
}

// Store guards all access with one store-wide mutex.
type Store struct {
	mu        sync.Mutex
	keysPath  string
	prefsPath string
	state     *state
}

// Open loads (or initializes) the store files under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Store{
		keysPath:  filepath.Join(dir, KeysFile),
		prefsPath: filepath.Join(dir, PreferencesFile),
		state: &state{
			keys:  keysDocument{Keys: map[string]*keyRecord{}, UsedKeys: []string{}},
			prefs: map[uuid.UUID]*models.Preferences{},
		},
	}

	if err := readJSON(s.keysPath, &s.state.keys); err != nil {
		return nil, fmt.Errorf("load %s: %w", KeysFile, err)
	}
	if s.state.keys.Keys == nil {
		s.state.keys.Keys = map[string]*keyRecord{}
	}
	if s.state.keys.UsedKeys == nil {
		s.state.keys.UsedKeys = []string{}
	}

	if err := readJSON(s.prefsPath, &s.state.prefs); err != nil {
		return nil, fmt.Errorf("load %s: %w", PreferencesFile, err)
	}
	if s.state.prefs == nil {
		s.state.prefs = map[uuid.UUID]*models.Preferences{}
	}

	return s, nil
}

// Update runs fn against a private copy of the state and persists it on success.
func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &fileTx{state: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}

	if err := s.persist(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// InsertKeys adds issued keys, rejecting the whole batch on any collision.
func (s *Store) InsertKeys(ctx context.Context, keys []*models.Key) error {
	return s.Update(ctx, func(t store.Tx) error {
		tx := t.(*fileTx)
		for _, k := range keys {
			if _, ok := tx.state.keys.Keys[k.Token]; ok {
				return store.ErrDuplicateKey
			}
			if err := tx.PutKey(ctx, k); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListKeys returns a snapshot of all keys ordered by issue time.
func (s *Store) ListKeys(ctx context.Context) ([]models.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	used := make(map[string]bool, len(s.state.keys.UsedKeys))
	for _, token := range s.state.keys.UsedKeys {
		used[token] = true
	}

	keys := make([]models.Key, 0, len(s.state.keys.Keys))
	for token, rec := range s.state.keys.Keys {
		keys = append(keys, toKey(token, rec, used[token]))
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].IssuedAt.Equal(keys[j].IssuedAt) {
			return keys[i].IssuedAt.Before(keys[j].IssuedAt)
		}
		return keys[i].Token < keys[j].Token
	})
	return keys, nil
}

// GetKey returns a snapshot of one key without taking part in a transaction.
func (s *Store) GetKey(ctx context.Context, token string) (*models.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.state.keys.Keys[token]
	if !ok {
		return nil, store.ErrKeyNotFound
	}
	k := toKey(token, rec, slices.Contains(s.state.keys.UsedKeys, token))
	return &k, nil
}

// GetPreferences returns a copy of a holder's preferences.
func (s *Store) GetPreferences(ctx context.Context, holderID uuid.UUID) (*models.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.state.prefs[holderID]
	if !ok {
		return nil, store.ErrPreferencesNotFound
	}
	return p.Clone(), nil
}

// Ping checks that the data directory is still present.
func (s *Store) Ping(ctx context.Context) error {
	_, err := os.Stat(filepath.Dir(s.keysPath))
	return err
}

// Close is a no-op; every Update is flushed before it returns.
func (s *Store) Close() {}

// persist writes the dirty documents. When the preferences write fails after
// keys.json was replaced, keys.json is rewritten from the live state so the
// two files never disagree.
func (s *Store) persist(tx *fileTx) error {
	if tx.keysDirty {
		if err := writeJSON(s.keysPath, tx.state.keys); err != nil {
			return fmt.Errorf("write %s: %w", KeysFile, err)
		}
	}
	if tx.prefsDirty {
		if err := writeJSON(s.prefsPath, tx.state.prefs); err != nil {
			err = fmt.Errorf("write %s: %w", PreferencesFile, err)
			if tx.keysDirty {
				if rerr := writeJSON(s.keysPath, s.state.keys); rerr != nil {
					return errors.Join(err, fmt.Errorf("restore %s: %w", KeysFile, rerr))
				}
			}
			return err
		}
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// writeJSON replaces path atomically via a temp file in the same directory.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func toKey(token string, rec *keyRecord, consumed bool) models.Key {
	k := models.Key{
		Token:    token,
		IssuedAt: fromUnix(rec.IssuedAt),
		Consumed: consumed,
	}
	if rec.HolderID != nil {
		id := *rec.HolderID
		k.HolderID = &id
	}
	if rec.ExpiresAt != nil {
		t := fromUnix(*rec.ExpiresAt)
		k.ExpiresAt = &t
	}
	return k
}

func fromUnix(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
