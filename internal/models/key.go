package models

import (
	"time"

	"github.com/google/uuid"
)

// Derived key states. Expiry is evaluated against the clock and never stored.
const (
	KeyIssued   = "issued"
	KeyRedeemed = "redeemed"
	KeyExpired  = "expired"
)

// Key is a single-use access token.
type Key struct {
	Token     string     `json:"token"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt *time.Time `json:"expires_at"` // nil = never expires
	HolderID  *uuid.UUID `json:"holder_id"`  // set once on redemption
	Consumed  bool       `json:"consumed"`
}

// IsExpired reports whether the key is past its expiry at now.
func (k *Key) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// IsRedeemed returns true if a holder has been bound to the key.
func (k *Key) IsRedeemed() bool {
	return k.Consumed && k.HolderID != nil
}

// State returns the derived lifecycle state at now.
// A redeemed key stays redeemed after its expiry passes.
func (k *Key) State(now time.Time) string {
	switch {
	case k.IsRedeemed():
		return KeyRedeemed
	case k.IsExpired(now):
		return KeyExpired
	default:
		return KeyIssued
	}
}

// KeyListing is a read-only row for the admin key listing.
type KeyListing struct {
	Token     string
	HolderID  *uuid.UUID
	ExpiresAt *time.Time
	State     string
}

// KeySummary counts keys per derived state.
type KeySummary struct {
	Issued   int `json:"issued"`
	Redeemed int `json:"redeemed"`
	Expired  int `json:"expired"`
}

// Add counts one key in state.
func (s *KeySummary) Add(state string) {
	switch state {
	case KeyRedeemed:
		s.Redeemed++
	case KeyExpired:
		s.Expired++
	default:
		s.Issued++
	}
}

// Total returns the number of keys in the store.
func (s KeySummary) Total() int {
	return s.Issued + s.Redeemed + s.Expired
}
