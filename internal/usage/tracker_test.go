package usage

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
	"posguard/pkg/contracts/domain"
)

type stubEscalator struct {
	reasons []string
}

func (s *stubEscalator) Trigger(ctx context.Context, reason, severity string) error {
	s.reasons = append(s.reasons, reason)
	return nil
}

func newTestTracker(t *testing.T, cfg config.UsageConfig) (*Tracker, *store.SecureStore, *clock.Fake) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.New(store.NewMemoryBackend(), logger)
	clk := clock.NewFake(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC))
	tr := New(st, clk, cfg, logger)
	require.NoError(t, tr.Load(context.Background()))
	return tr, st, clk
}

func TestLoadFreshPersistsEmptySnapshot(t *testing.T) {
	_, st, _ := newTestTracker(t, config.Default().Usage)

	// The snapshot key must exist right after load so the persistence
	// probe does not flag a fresh install.
	_, err := st.Get(store.KeyUsagePatterns)
	assert.NoError(t, err)
}

func TestTrackNormalUsageIsClean(t *testing.T) {
	tr, _, clk := newTestTracker(t, config.Default().Usage)

	var result *domain.LayerResult
	for i := 0; i < 20; i++ {
		result = tr.Track(context.Background(), "sale", nil)
		clk.Advance(45 * time.Second)
	}

	require.True(t, result.Valid)
	assert.Equal(t, 100, result.Score)
	assert.Equal(t, string(domain.RiskLow), result.Details["risk"])
}

func TestTrackDetectsRapidFireAutomation(t *testing.T) {
	tr, _, clk := newTestTracker(t, config.Default().Usage)

	var result *domain.LayerResult
	for i := 0; i < 25; i++ {
		result = tr.Track(context.Background(), "sale", nil)
		clk.Advance(50 * time.Millisecond)
	}

	assert.False(t, result.Valid)
	require.NotEmpty(t, result.Issues)
	assert.Contains(t, result.Issues[0], "rapid-fire")
	assert.Equal(t, string(domain.RiskHigh), result.Details["risk"])
}

func TestTrackToleratesFastButHumanPace(t *testing.T) {
	tr, _, clk := newTestTracker(t, config.Default().Usage)

	var result *domain.LayerResult
	for i := 0; i < 25; i++ {
		result = tr.Track(context.Background(), "sale", nil)
		clk.Advance(200 * time.Millisecond)
	}

	assert.True(t, result.Valid)
}

func TestTrackFlagsExcessiveDailyVolume(t *testing.T) {
	cfg := config.Default().Usage
	cfg.DailyVolumeHard = 10
	cfg.DailyVolumeWarn = 8
	tr, _, clk := newTestTracker(t, cfg)

	var result *domain.LayerResult
	for i := 0; i < 11; i++ {
		result = tr.Track(context.Background(), "refund", nil)
		clk.Advance(time.Second)
	}

	assert.False(t, result.Valid)
	assert.Contains(t, result.Issues[0], "daily action volume")
}

func TestRepeatedHighRiskEscalatesToLockdown(t *testing.T) {
	cfg := config.Default().Usage
	cfg.DailyVolumeHard = 10
	cfg.DailyVolumeWarn = 8
	tr, _, clk := newTestTracker(t, cfg)
	escalator := &stubEscalator{}
	tr.SetTrigger(escalator)

	for i := 0; i < 12; i++ {
		tr.Track(context.Background(), "refund", nil)
		clk.Advance(time.Second)
	}

	assert.Contains(t, escalator.reasons, ReasonExcessiveViolations)
}

func TestTrackFlagsExcessiveSessions(t *testing.T) {
	cfg := config.Default().Usage
	cfg.MaxSessionsPerDay = 3
	tr, _, clk := newTestTracker(t, cfg)

	var result *domain.LayerResult
	for i := 0; i < 5; i++ {
		result = tr.Track(context.Background(), "sale", nil)
		clk.Advance(35 * time.Minute) // beyond the idle gap, forces a new session
	}

	assert.False(t, result.Valid)
	require.NotEmpty(t, result.Issues)
	assert.Contains(t, result.Issues[0], "sessions in one day")
}

func TestEvaluateDoesNotRecordEvents(t *testing.T) {
	tr, _, clk := newTestTracker(t, config.Default().Usage)

	tr.Track(context.Background(), "sale", nil)
	clk.Advance(time.Second)

	before := len(tr.snap.Events)
	result := tr.Evaluate(context.Background())

	assert.True(t, result.Valid)
	assert.Equal(t, before, len(tr.snap.Events))
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	cfg := config.Default().Usage
	tr, st, clk := newTestTracker(t, cfg)

	for i := 0; i < 5; i++ {
		tr.Track(context.Background(), "sale", nil)
		clk.Advance(time.Minute)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	restarted := New(st, clk, cfg, logger)
	require.NoError(t, restarted.Load(context.Background()))

	assert.Len(t, restarted.snap.Events, 5)
	assert.Equal(t, tr.snap.Seq, restarted.snap.Seq)
}

func TestLoadDiscardsUnreadableSnapshot(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.New(store.NewMemoryBackend(), logger)
	require.NoError(t, st.SetRaw(store.KeyUsagePatterns, []byte("tampered")))

	clk := clock.NewFake(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC))
	tr := New(st, clk, config.Default().Usage, logger)
	require.NoError(t, tr.Load(context.Background()))

	result := tr.Track(context.Background(), "sale", nil)
	assert.True(t, result.Valid)
}

func TestPurgeDropsEventsPastRetention(t *testing.T) {
	cfg := config.Default().Usage
	tr, _, clk := newTestTracker(t, cfg)

	tr.Track(context.Background(), "sale", nil)
	clk.Advance(time.Duration(cfg.RetentionDays+1) * 24 * time.Hour)
	tr.Track(context.Background(), "sale", nil)

	assert.Len(t, tr.snap.Events, 1)
}
