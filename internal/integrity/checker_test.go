package integrity

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posguard/internal/shared/clock"
	"posguard/internal/store"
)

func newTestChecker(t *testing.T) (*Checker, *store.SecureStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.New(store.NewMemoryBackend(), logger)
	clk := clock.NewFake(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	return New(st, clk, logger), st
}

func seedCriticalKeys(t *testing.T, st *store.SecureStore) {
	t.Helper()
	for _, key := range criticalKeys {
		require.NoError(t, st.Set(key, []byte(`{}`)))
	}
}

func TestCheckHealthyRuntime(t *testing.T) {
	c, _ := newTestChecker(t)

	result := c.Check(context.Background())

	assert.True(t, result.Valid)
	assert.Equal(t, 100, result.Score)
}

func TestPersistenceProbeWarnsOnFreshInstall(t *testing.T) {
	c, _ := newTestChecker(t)

	result := c.PersistenceProbe(context.Background())

	// All three critical keys absent: degraded but not invalid, a fresh
	// install has not written them yet.
	assert.True(t, result.Valid)
	assert.Equal(t, 70, result.Score)
	assert.Len(t, result.Warnings, 3)
}

func TestPersistenceProbeCleanWhenKeysPresent(t *testing.T) {
	c, st := newTestChecker(t)
	seedCriticalKeys(t, st)

	result := c.PersistenceProbe(context.Background())

	assert.True(t, result.Valid)
	assert.Equal(t, 100, result.Score)
}

func TestPersistenceProbeFailsOnTamperedKey(t *testing.T) {
	c, st := newTestChecker(t)
	seedCriticalKeys(t, st)
	require.NoError(t, st.SetRaw(store.KeyFingerprint, []byte("tampered")))

	result := c.PersistenceProbe(context.Background())

	assert.False(t, result.Valid)
	assert.Equal(t, 0, result.Score)
}

func TestPersistenceProbeToleratesShadowedKeys(t *testing.T) {
	c, st := newTestChecker(t)
	seedCriticalKeys(t, st)

	// A key moved to its lockdown shadow is accounted for, not flagged.
	require.NoError(t, st.SetRaw(store.KeyTimeAnchor+store.LockedSuffix, []byte("shadow")))
	require.NoError(t, st.Remove(store.KeyTimeAnchor))

	result := c.PersistenceProbe(context.Background())

	assert.True(t, result.Valid)
	assert.Equal(t, 100, result.Score)
}

func TestAppStateProbeFlagsNilComponents(t *testing.T) {
	c, _ := newTestChecker(t)

	result := c.AppStateProbe(context.Background(), map[string]any{
		"tracker": struct{}{},
		"anchor":  nil,
	})

	assert.False(t, result.Valid)
	require.NotEmpty(t, result.Issues)
	assert.Contains(t, result.Issues[0], "anchor")
}

func TestAppStateProbeHealthy(t *testing.T) {
	c, _ := newTestChecker(t)

	result := c.AppStateProbe(context.Background(), map[string]any{
		"tracker": struct{}{},
	})

	assert.True(t, result.Valid)
	assert.Equal(t, 100, result.Score)
	assert.Equal(t, 1, result.Details["components"])
}
