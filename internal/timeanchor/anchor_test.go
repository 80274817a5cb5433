package timeanchor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posguard/internal/config"
	"posguard/internal/shared/clock"
	"posguard/internal/store"
)

type stubTrigger struct {
	reasons []string
}

func (s *stubTrigger) Trigger(ctx context.Context, reason, severity string) error {
	s.reasons = append(s.reasons, reason)
	return nil
}

func newTestAnchor(t *testing.T, st *store.SecureStore, clk clock.Clock, cfg config.TimeConfig) *Anchor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := New(st, clk, cfg, logger)
	require.NoError(t, a.Initialize(context.Background()))
	return a
}

func testStore(t *testing.T) *store.SecureStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return store.New(store.NewMemoryBackend(), logger)
}

func TestInitializeCreatesAnchorAndCountsBoots(t *testing.T) {
	st := testStore(t)
	clk := clock.NewFake(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC))
	cfg := config.Default().Time

	newTestAnchor(t, st, clk, cfg)

	// A second initialization over the same store simulates a restart.
	second := newTestAnchor(t, st, clk, cfg)
	result := second.Validate(context.Background())

	require.True(t, result.Valid)
	assert.Equal(t, 2, result.Details["boot_count"])
}

func TestValidateHealthyClock(t *testing.T) {
	st := testStore(t)
	clk := clock.NewFake(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC))
	a := newTestAnchor(t, st, clk, config.Default().Time)

	clk.Advance(2 * time.Second)
	first := a.Validate(context.Background())
	require.True(t, first.Valid)
	assert.Equal(t, 100, first.Score)

	clk.Advance(time.Minute)
	second := a.Validate(context.Background())
	require.True(t, second.Valid)
	assert.Equal(t, 2, second.Details["validation_count"])
}

func TestValidateDetectsBackwardClock(t *testing.T) {
	st := testStore(t)
	clk := clock.NewFake(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC))
	a := newTestAnchor(t, st, clk, config.Default().Time)

	clk.Advance(2 * time.Second)
	require.True(t, a.Validate(context.Background()).Valid)

	clk.StepWall(-time.Hour)
	result := a.Validate(context.Background())

	assert.False(t, result.Valid)
	assert.Equal(t, 0, result.Score)
	require.NotEmpty(t, a.ManipulationLog())

	kinds := make([]string, 0, len(a.ManipulationLog()))
	for _, ev := range a.ManipulationLog() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, KindBackwardTime)
	// Stepping the wall clock while monotonic time stands still is also a
	// wall/monotonic divergence.
	assert.Contains(t, kinds, KindClockStep)
}

func TestValidateRejectsImplausibleCadence(t *testing.T) {
	st := testStore(t)
	clk := clock.NewFake(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC))
	a := newTestAnchor(t, st, clk, config.Default().Time)

	clk.Advance(2 * time.Second)
	require.True(t, a.Validate(context.Background()).Valid)

	clk.Advance(100 * time.Millisecond)
	result := a.Validate(context.Background())

	assert.False(t, result.Valid)
	assert.Empty(t, a.ManipulationLog(), "cadence violations are not clock manipulation")
}

func TestValidateWarnsOnLargeAnchorDrift(t *testing.T) {
	st := testStore(t)
	clk := clock.NewFake(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC))
	a := newTestAnchor(t, st, clk, config.Default().Time)

	clk.Advance(25 * time.Hour)
	result := a.Validate(context.Background())

	// Drift beyond the window degrades the score but is not a hard fail:
	// a terminal can legitimately sit powered off for days.
	assert.True(t, result.Valid)
	assert.Equal(t, 70, result.Score)
	assert.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Details, "anchor_drift")
}

func TestExcessiveManipulationTriggersLockdown(t *testing.T) {
	st := testStore(t)
	clk := clock.NewFake(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC))
	cfg := config.Default().Time
	cfg.ManipulationLimit = 2

	a := newTestAnchor(t, st, clk, cfg)
	trigger := &stubTrigger{}
	a.SetTrigger(trigger)

	clk.Advance(2 * time.Second)
	require.True(t, a.Validate(context.Background()).Valid)

	// One backward step yields two manipulation events (backward time plus
	// wall/monotonic divergence), crossing the limit of two.
	clk.StepWall(-time.Hour)
	a.Validate(context.Background())

	assert.Contains(t, trigger.reasons, ReasonExcessiveManipulation)
}

func TestManipulationLogIsBounded(t *testing.T) {
	st := testStore(t)
	clk := clock.NewFake(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC))
	a := newTestAnchor(t, st, clk, config.Default().Time)

	clk.Advance(2 * time.Second)
	a.Validate(context.Background())

	for i := 0; i < 8; i++ {
		clk.StepWall(-time.Hour)
		a.Validate(context.Background())
		clk.Advance(2 * time.Hour)
		a.Validate(context.Background())
	}

	assert.LessOrEqual(t, a.ManipulationCount(), 10)
}

func TestForegroundDetectsBackgroundSkew(t *testing.T) {
	st := testStore(t)
	clk := clock.NewFake(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC))
	a := newTestAnchor(t, st, clk, config.Default().Time)

	a.OnBackground(context.Background())
	clk.StepWall(-10 * time.Minute)
	a.OnForeground(context.Background())

	require.NotEmpty(t, a.ManipulationLog())
	assert.Equal(t, KindBackgroundSkew, a.ManipulationLog()[0].Kind)
}

func TestInitializeMigratesLegacyPlaintextAnchor(t *testing.T) {
	st := testStore(t)
	clk := clock.NewFake(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC))

	legacy := `{"anchor_time":"2025-12-01T08:00:00Z","boot_count":4,"schema_version":1}`
	require.NoError(t, st.SetRaw(store.KeyTimeAnchor, []byte(legacy)))

	a := newTestAnchor(t, st, clk, config.Default().Time)

	clk.Advance(2 * time.Second)
	result := a.Validate(context.Background())
	assert.Equal(t, 5, result.Details["boot_count"])
}
