package keys

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/preferences"
	"keygate/internal/testutil"
)

func TestPostgresRedeemConcurrent(t *testing.T) {
	database, cleanup := testutil.TestDB(t)
	defer cleanup()

	ctx := context.Background()
	m := NewManager(database, preferences.DefaultSettings())
	testutil.CreateTestKey(t, database, "shared-key", nil)

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
			_, err := m.Redeem(ctx, "shared-key")
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

func TestPostgresLifecycle(t *testing.T) {
	database, cleanup := testutil.TestDB(t)
	defer cleanup()

	ctx := context.Background()
	m := NewManager(database, preferences.DefaultSettings())

	past := time.Now().Add(-time.Hour)
	testutil.CreateTestKey(t, database, "old-key", &past)
	_, err := m.Redeem(ctx, "old-key")
	assert.ErrorIs(t, err, ErrExpired)

	issued, err := m.Issue(ctx, 1, time.Hour)
	require.NoError(t, err)
	holderID, err := m.Redeem(ctx, issued[0].Token)
	require.NoError(t, err)

	prefs, err := database.GetPreferences(ctx, holderID)
	require.NoError(t, err)
	assert.Equal(t, preferences.DefaultSettings().Keywords, prefs.Keywords)

	revoked, err := m.Revoke(ctx, issued[0].Token)
	require.NoError(t, err)
	assert.Equal(t, holderID, revoked)

	s, err := m.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Expired)
	assert.Equal(t, 1, s.Total())
}
