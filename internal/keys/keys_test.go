package keys

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/jsonstore"
	"keygate/internal/models"
	"keygate/internal/preferences"
	"keygate/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newManager(t *testing.T) (*Manager, *jsonstore.Store, *fakeClock, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := jsonstore.Open(dir)
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewManager(s, preferences.DefaultSettings(), WithClock(clock.Now)), s, clock, dir
}

func collect(t *testing.T, m *Manager) []models.KeyListing {
	t.Helper()
	var out []models.KeyListing
	for k, err := range m.List(context.Background()) {
		require.NoError(t, err)
		out = append(out, k)
	}
	return out
}

func TestIssue(t *testing.T) {
	m, _, clock, _ := newManager(t)

	issued, err := m.Issue(context.Background(), 3, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, issued, 3)

	seen := map[string]bool{}
	for _, k := range issued {
		_, err := uuid.Parse(k.Token)
		assert.NoError(t, err, "token %q", k.Token)
		assert.False(t, seen[k.Token], "duplicate token")
		seen[k.Token] = true

		require.NotNil(t, k.ExpiresAt)
		assert.Equal(t, clock.Now().Add(24*time.Hour), *k.ExpiresAt)
		assert.Nil(t, k.HolderID)
		assert.False(t, k.Consumed)
	}

	listed := collect(t, m)
	require.Len(t, listed, 3)
	for _, k := range listed {
		assert.Equal(t, models.KeyIssued, k.State)
	}
}

func TestIssueNoExpiry(t *testing.T) {
	m, _, clock, _ := newManager(t)

	issued, err := m.Issue(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Nil(t, issued[0].ExpiresAt)

	clock.Advance(10 * 365 * 24 * time.Hour)
	_, err = m.Redeem(context.Background(), issued[0].Token)
	assert.NoError(t, err)
}

func TestIssueInvalid(t *testing.T) {
	m, _, _, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Issue(ctx, 0, time.Hour)
	assert.ErrorIs(t, err, ErrInvalidCount)
	_, err = m.Issue(ctx, MaxBatch+1, time.Hour)
	assert.ErrorIs(t, err, ErrInvalidCount)
	_, err = m.Issue(ctx, 1, -time.Hour)
	assert.ErrorIs(t, err, ErrInvalidTTL)
	_, err = m.Issue(ctx, 1, time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidTTL)

	assert.Empty(t, collect(t, m))
}

func TestRedeemCreatesDefaultPreferences(t *testing.T) {
	m, s, _, _ := newManager(t)
	ctx := context.Background()
	issued, err := m.Issue(ctx, 1, time.Hour)
	require.NoError(t, err)

	holder, err := m.Redeem(ctx, issued[0].Token)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, holder)

	prefs, err := s.GetPreferences(ctx, holder)
	require.NoError(t, err)
	assert.Equal(t, 200, prefs.MinRecordCount)
	assert.True(t, prefs.Notify)

	listed := collect(t, m)
	require.Len(t, listed, 1)
	assert.Equal(t, models.KeyRedeemed, listed[0].State)
	require.NotNil(t, listed[0].HolderID)
	assert.Equal(t, holder, *listed[0].HolderID)
}

func TestRedeemTwice(t *testing.T) {
	m, _, _, _ := newManager(t)
	ctx := context.Background()
	issued, err := m.Issue(ctx, 1, time.Hour)
	require.NoError(t, err)

	_, err = m.Redeem(ctx, issued[0].Token)
	require.NoError(t, err)
	_, err = m.Redeem(ctx, issued[0].Token)
	assert.ErrorIs(t, err, ErrAlreadyUsed)
}

func TestRedeemUnknown(t *testing.T) {
	m, _, _, _ := newManager(t)

	_, err := m.Redeem(context.Background(), "not-a-key")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Redeem(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedeemExpired(t *testing.T) {
	m, _, clock, _ := newManager(t)
	ctx := context.Background()
	issued, err := m.Issue(ctx, 2, time.Hour)
	require.NoError(t, err)

	_, err = m.Redeem(ctx, issued[1].Token)
	require.NoError(t, err)

	clock.Advance(time.Hour)

	_, err = m.Redeem(ctx, issued[0].Token)
	assert.ErrorIs(t, err, ErrExpired)

	// Expired takes precedence over already used.
	_, err = m.Redeem(ctx, issued[1].Token)
	assert.ErrorIs(t, err, ErrExpired)

	states := map[string]string{}
	for _, k := range collect(t, m) {
		states[k.Token] = k.State
	}
	assert.Equal(t, models.KeyExpired, states[issued[0].Token])
	assert.Equal(t, models.KeyRedeemed, states[issued[1].Token])
}

func TestRedeemConcurrent(t *testing.T) {
	m, _, _, _ := newManager(t)
	ctx := context.Background()
	issued, err := m.Issue(ctx, 1, 0)
	require.NoError(t, err)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		used      int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Redeem(ctx, issued[0].Token)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadyUsed):
				used++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, used)
}

func TestRevoke(t *testing.T) {
	m, s, _, _ := newManager(t)
	ctx := context.Background()
	issued, err := m.Issue(ctx, 1, time.Hour)
	require.NoError(t, err)
	holder, err := m.Redeem(ctx, issued[0].Token)
	require.NoError(t, err)

	revoked, err := m.Revoke(ctx, issued[0].Token)
	require.NoError(t, err)
	assert.Equal(t, holder, revoked)

	_, err = s.GetPreferences(ctx, holder)
	assert.ErrorIs(t, err, store.ErrPreferencesNotFound)
	assert.Empty(t, collect(t, m))

	// Revoked keys can never be redeemed again.
	_, err = m.Redeem(ctx, issued[0].Token)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Revoke(ctx, issued[0].Token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevokeNotRedeemedLeavesStoreUnchanged(t *testing.T) {
	m, _, _, dir := newManager(t)
	ctx := context.Background()
	issued, err := m.Issue(ctx, 1, time.Hour)
	require.NoError(t, err)

	before, err := os.ReadFile(filepath.Join(dir, jsonstore.KeysFile))
	require.NoError(t, err)

	_, err = m.Revoke(ctx, issued[0].Token)
	assert.ErrorIs(t, err, ErrNotRedeemed)

	after, err := os.ReadFile(filepath.Join(dir, jsonstore.KeysFile))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, collect(t, m), 1)
}

func TestListIsLazyAndRestartable(t *testing.T) {
	m, _, _, _ := newManager(t)
	ctx := context.Background()

	seq := m.List(ctx)
	_, err := m.Issue(ctx, 2, 0)
	require.NoError(t, err)

	count := func() int {
		n := 0
		for _, err := range seq {
			require.NoError(t, err)
			n++
		}
		return n
	}
	assert.Equal(t, 2, count(), "keys issued after List was called are visible")

	_, err = m.Issue(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, count())

	for range seq {
		break
	}
}

func TestStatusAndSummary(t *testing.T) {
	m, _, clock, _ := newManager(t)
	ctx := context.Background()

	short, err := m.Issue(ctx, 2, time.Minute)
	require.NoError(t, err)
	long, err := m.Issue(ctx, 3, 0)
	require.NoError(t, err)
	_, err = m.Redeem(ctx, long[0].Token)
	require.NoError(t, err)

	clock.Advance(time.Minute)

	state, err := m.Status(ctx, short[0].Token)
	require.NoError(t, err)
	assert.Equal(t, models.KeyExpired, state)

	state, err = m.Status(ctx, long[0].Token)
	require.NoError(t, err)
	assert.Equal(t, models.KeyRedeemed, state)

	_, err = m.Status(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	sum, err := m.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.KeySummary{Issued: 2, Redeemed: 1, Expired: 2}, sum)
	assert.Equal(t, 5, sum.Total())
}

func TestRedeemFailedPersistLeavesKeyRedeemable(t *testing.T) {
	m, _, _, dir := newManager(t)
	ctx := context.Background()

	issued, err := m.Issue(ctx, 1, time.Hour)
	require.NoError(t, err)

	prefsPath := filepath.Join(dir, jsonstore.PreferencesFile)
	require.NoError(t, os.MkdirAll(filepath.Join(prefsPath, "blocker"), 0o700))

	_, err = m.Redeem(ctx, issued[0].Token)
	require.Error(t, err)

	state, err := m.Status(ctx, issued[0].Token)
	require.NoError(t, err)
	assert.Equal(t, models.KeyIssued, state)

	reopened, err := jsonstore.Open(dir)
	require.NoError(t, err)
	k, err := reopened.GetKey(ctx, issued[0].Token)
	require.NoError(t, err)
	assert.False(t, k.IsRedeemed())

	require.NoError(t, os.RemoveAll(prefsPath))
	holder, err := m.Redeem(ctx, issued[0].Token)
	require.NoError(t, err)

	reopened, err = jsonstore.Open(dir)
	require.NoError(t, err)
	_, err = reopened.GetPreferences(ctx, holder)
	assert.NoError(t, err)
}

// writeRefusingStore fails every transaction.
type writeRefusingStore struct {
	store.Store
}

func (writeRefusingStore) Update(context.Context, func(store.Tx) error) error {
	return errors.New("writes disabled")
}

func TestStatusDoesNotOpenTransaction(t *testing.T) {
	m, s, clock, _ := newManager(t)
	ctx := context.Background()

	issued, err := m.Issue(ctx, 1, time.Hour)
	require.NoError(t, err)

	ro := NewManager(writeRefusingStore{Store: s}, preferences.DefaultSettings(), WithClock(clock.Now))
	state, err := ro.Status(ctx, issued[0].Token)
	require.NoError(t, err)
	assert.Equal(t, models.KeyIssued, state)

	_, err = ro.Status(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
