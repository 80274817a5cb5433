// Package usage records action events and runs anomaly heuristics over
// the event stream: rate, session, frequency-regularity and
// validation-chain checks that flag automation or abuse.
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"posguard/internal/config"
	"posguard/internal/shared/clock"
	"posguard/internal/store"
	"posguard/pkg/contracts/domain"
)

const schemaVersion = 2

const dayKeyFormat = "2006-01-02"

// ReasonExcessiveViolations is the lockdown reason used when HIGH-risk
// anomalies repeat within the escalation window.
const ReasonExcessiveViolations = "excessive_security_violations"

// Event is one tracked action. Events are append-only and retained for a
// rolling window; older entries are purged on each tracking call.
type Event struct {
	Action    string            `json:"action"`
	Timestamp time.Time         `json:"timestamp"`
	DayKey    string            `json:"day_key"`
	HourKey   int               `json:"hour_key"`
	SessionID string            `json:"session_id"`
	Seq       int64             `json:"seq"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ActionStats is the per-action interval aggregate, maintained
// incrementally as events arrive.
type ActionStats struct {
	Count             int       `json:"count"`
	LastSeen          time.Time `json:"last_seen"`
	RecentIntervalsMs []float64 `json:"recent_intervals_ms"`
	MeanIntervalMs    float64   `json:"mean_interval_ms"`
}

// SessionInfo tracks one usage session's bounds.
type SessionInfo struct {
	ID    string    `json:"id"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// PatternIndex is the derived aggregate over the event stream. It is
// persisted as a snapshot rather than recomputed from full history.
type PatternIndex struct {
	DailyCounts map[string]int           `json:"daily_counts"`
	HourlyHist  map[string]*[24]int      `json:"hourly_hist"`
	Actions     map[string]*ActionStats  `json:"actions"`
	Sessions    map[string][]SessionInfo `json:"sessions"`
}

type snapshot struct {
	Events        []Event      `json:"events"`
	Index         PatternIndex `json:"index"`
	Seq           int64        `json:"seq"`
	HighRiskAt    []time.Time  `json:"high_risk_at"`
	SchemaVersion int          `json:"schema_version"`
}

// Escalator is the lockdown hook fired when HIGH-risk anomalies repeat.
type Escalator interface {
	Trigger(ctx context.Context, reason, severity string) error
}

// Tracker owns the usage event stream and pattern index.
type Tracker struct {
	store   *store.SecureStore
	clk     clock.Clock
	cfg     config.UsageConfig
	logger  *slog.Logger
	trigger Escalator

	snap           *snapshot
	currentSession string
	lastEventAt    time.Time
}

// New returns an unloaded tracker. Load must be called before Track.
func New(st *store.SecureStore, clk clock.Clock, cfg config.UsageConfig, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: st, clk: clk, cfg: cfg, logger: logger}
}

// SetTrigger wires the lockdown escalation hook.
func (t *Tracker) SetTrigger(e Escalator) { t.trigger = e }

// Load restores the persisted pattern snapshot, starting fresh when none
// exists or the stored copy is unreadable.
func (t *Tracker) Load(ctx context.Context) error {
	data, err := t.store.Get(store.KeyUsagePatterns)
	switch {
	case errors.Is(err, store.ErrKeyNotFound):
		t.snap = newSnapshot()
		return t.persist()
	case errors.Is(err, store.ErrDecryptFailure):
		// Untrusted snapshot: discard rather than crash. The integrity
		// layer surfaces the unreadable key separately.
		t.logger.WarnContext(ctx, "usage snapshot unreadable, starting fresh")
		t.snap = newSnapshot()
	case err != nil:
		return err
	default:
		var snap snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			t.logger.WarnContext(ctx, "usage snapshot corrupt, starting fresh",
				slog.String("error", err.Error()))
			t.snap = newSnapshot()
		} else {
			t.snap = &snap
			if len(snap.Events) > 0 {
				last := snap.Events[len(snap.Events)-1]
				t.lastEventAt = last.Timestamp
				t.currentSession = last.SessionID
			}
		}
	}
	return nil
}

// Track appends a usage event, maintains the pattern index and runs the
// anomaly checks, returning the usage-layer result.
func (t *Tracker) Track(ctx context.Context, action string, metadata map[string]string) *domain.LayerResult {
	result := domain.NewLayerResult(domain.LayerUsage)
	if t.snap == nil {
		result.Fail("usage tracker not loaded")
		return result
	}

	now := t.clk.Now()
	t.rotateSession(now)
	t.purge(now)

	t.snap.Seq++
	event := Event{
		Action:    action,
		Timestamp: now,
		DayKey:    now.Format(dayKeyFormat),
		HourKey:   now.Hour(),
		SessionID: t.currentSession,
		Seq:       t.snap.Seq,
		Metadata:  metadata,
	}
	t.snap.Events = append(t.snap.Events, event)
	t.index(event)
	t.lastEventAt = now

	t.analyze(result, now)
	result.Detail("session_id", t.currentSession)

	if high := t.riskOf(result); high == domain.RiskHigh {
		t.escalate(ctx, now)
	}
	result.Detail("risk", string(t.riskOf(result)))

	if err := t.persist(); err != nil {
		result.Warn(fmt.Sprintf("usage persistence failed: %v", err), 10)
	}
	return result
}

// Evaluate runs the anomaly checks over the current index without
// recording a new event. Used by the validation orchestrator.
func (t *Tracker) Evaluate(ctx context.Context) *domain.LayerResult {
	result := domain.NewLayerResult(domain.LayerUsage)
	if t.snap == nil {
		result.Fail("usage tracker not loaded")
		return result
	}
	t.analyze(result, t.clk.Now())
	result.Detail("risk", string(t.riskOf(result)))
	return result
}

// rotateSession starts a new session when the idle gap is exceeded.
func (t *Tracker) rotateSession(now time.Time) {
	if t.currentSession != "" && now.Sub(t.lastEventAt) <= t.cfg.SessionIdleGap && now.After(t.lastEventAt.Add(-time.Second)) {
		t.touchSession(now)
		return
	}
	t.currentSession = uuid.NewString()
	day := now.Format(dayKeyFormat)
	t.snap.Index.Sessions[day] = append(t.snap.Index.Sessions[day], SessionInfo{
		ID:    t.currentSession,
		Start: now,
		End:   now,
	})
}

func (t *Tracker) touchSession(now time.Time) {
	day := now.Format(dayKeyFormat)
	sessions := t.snap.Index.Sessions[day]
	for i := range sessions {
		if sessions[i].ID == t.currentSession {
			sessions[i].End = now
			return
		}
	}
	// Session crossed midnight; carry it into the new day bucket.
	t.snap.Index.Sessions[day] = append(sessions, SessionInfo{
		ID:    t.currentSession,
		Start: now,
		End:   now,
	})
}

// purge drops events and index buckets older than the retention window.
func (t *Tracker) purge(now time.Time) {
	cutoff := now.AddDate(0, 0, -t.cfg.RetentionDays)

	kept := t.snap.Events[:0]
	for _, ev := range t.snap.Events {
		if ev.Timestamp.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	t.snap.Events = kept

	cutoffKey := cutoff.Format(dayKeyFormat)
	for day := range t.snap.Index.DailyCounts {
		if day < cutoffKey {
			delete(t.snap.Index.DailyCounts, day)
		}
	}
	for day := range t.snap.Index.HourlyHist {
		if day < cutoffKey {
			delete(t.snap.Index.HourlyHist, day)
		}
	}
	for day := range t.snap.Index.Sessions {
		if day < cutoffKey {
			delete(t.snap.Index.Sessions, day)
		}
	}
}

// index updates the pattern aggregates for one new event.
func (t *Tracker) index(ev Event) {
	idx := &t.snap.Index
	idx.DailyCounts[ev.DayKey]++

	hist, ok := idx.HourlyHist[ev.DayKey]
	if !ok {
		hist = &[24]int{}
		idx.HourlyHist[ev.DayKey] = hist
	}
	hist[ev.HourKey]++

	stats, ok := idx.Actions[ev.Action]
	if !ok {
		stats = &ActionStats{}
		idx.Actions[ev.Action] = stats
	}
	if stats.Count > 0 {
		interval := float64(ev.Timestamp.Sub(stats.LastSeen).Milliseconds())
		stats.RecentIntervalsMs = append(stats.RecentIntervalsMs, interval)
		if len(stats.RecentIntervalsMs) > t.cfg.RecentWindow {
			stats.RecentIntervalsMs = stats.RecentIntervalsMs[1:]
		}
		stats.MeanIntervalMs = mean(stats.RecentIntervalsMs)
	}
	stats.Count++
	stats.LastSeen = ev.Timestamp
}

// analyze runs the six anomaly checks against the current index.
func (t *Tracker) analyze(result *domain.LayerResult, now time.Time) {
	day := now.Format(dayKeyFormat)
	idx := &t.snap.Index

	// Volume anomaly.
	count := idx.DailyCounts[day]
	switch {
	case count > t.cfg.DailyVolumeHard:
		result.Fail(fmt.Sprintf("daily action volume %d exceeds limit %d", count, t.cfg.DailyVolumeHard))
	case count > t.cfg.DailyVolumeWarn:
		result.Warn(fmt.Sprintf("daily action volume %d is unusually high", count), 15)
	}

	// Unusual-hour anomaly.
	if hist, ok := idx.HourlyHist[day]; ok {
		for _, hour := range t.cfg.UnusualHours {
			if hist[hour] > t.cfg.UnusualHourVolume {
				result.Warn(fmt.Sprintf("high volume (%d actions) at unusual hour %02d:00", hist[hour], hour), 15)
				break
			}
		}
	}

	// Rapid-fire anomaly over the most recent events.
	if runs, longest := t.rapidFireRuns(); longest >= t.cfg.RapidFireRunLength || runs >= t.cfg.RapidFireMaxRuns {
		result.Fail(fmt.Sprintf("rapid-fire automation pattern: %d burst(s), longest run %d events", runs, longest))
		result.Detail("rapid_fire_runs", runs)
		result.Detail("rapid_fire_longest", longest)
	}

	// Frequency-consistency anomaly: bot-like regularity per action.
	for action, stats := range idx.Actions {
		if stats.Count < t.cfg.FrequencyMinCount || len(stats.RecentIntervalsMs) < t.cfg.FrequencyMinGaps {
			continue
		}
		m := stats.MeanIntervalMs
		if m <= 0 {
			continue
		}
		cv := stddev(stats.RecentIntervalsMs, m) / m
		if cv < t.cfg.FrequencyMaxCV && m < float64(t.cfg.FrequencyMeanFloor.Milliseconds()) {
			result.Warn(fmt.Sprintf("action %q shows bot-like regularity (cv=%.3f, mean=%.0fms)", action, cv, m), 20)
		}
	}

	// Session anomaly.
	sessions := idx.Sessions[day]
	if len(sessions) > t.cfg.MaxSessionsPerDay {
		result.Fail(fmt.Sprintf("%d sessions in one day exceeds limit %d", len(sessions), t.cfg.MaxSessionsPerDay))
	}
	short := 0
	for _, s := range sessions {
		if s.ID == t.currentSession {
			continue // still open, duration not final
		}
		if s.End.Sub(s.Start) < t.cfg.ShortSession {
			short++
		}
	}
	if short > t.cfg.MaxShortSessions {
		result.Fail(fmt.Sprintf("%d sessions shorter than %s", short, t.cfg.ShortSession))
	}

	// Validation-chain anomaly: the sequence counter must be gap-free and
	// must agree with the newest event.
	if n := len(t.snap.Events); n > 0 {
		if t.snap.Events[n-1].Seq != t.snap.Seq {
			result.Fail("validation chain head does not match sequence counter")
		}
		recent := t.recentEvents()
		for i := 1; i < len(recent); i++ {
			if recent[i].Seq != recent[i-1].Seq+1 {
				result.Fail("validation chain has missing entries")
				break
			}
		}
	}
}

// rapidFireRuns scans the recent window for bursts of events with
// inter-arrival below the configured gap. It returns the number of bursts
// of at least three events and the longest burst length.
func (t *Tracker) rapidFireRuns() (runs, longest int) {
	recent := t.recentEvents()
	run := 1
	for i := 1; i < len(recent); i++ {
		gap := recent[i].Timestamp.Sub(recent[i-1].Timestamp)
		if gap < t.cfg.RapidFireGap {
			run++
			continue
		}
		if run >= 3 {
			runs++
		}
		if run > longest {
			longest = run
		}
		run = 1
	}
	if run >= 3 {
		runs++
	}
	if run > longest {
		longest = run
	}
	return runs, longest
}

func (t *Tracker) recentEvents() []Event {
	n := len(t.snap.Events)
	if n > t.cfg.RecentWindow {
		return t.snap.Events[n-t.cfg.RecentWindow:]
	}
	return t.snap.Events
}

// escalate records a HIGH-risk detection and fires the lockdown trigger
// once two or more occur within the escalation window.
func (t *Tracker) escalate(ctx context.Context, now time.Time) {
	cutoff := now.Add(-t.cfg.EscalationWindow)
	kept := t.snap.HighRiskAt[:0]
	for _, at := range t.snap.HighRiskAt {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	t.snap.HighRiskAt = append(kept, now)

	if len(t.snap.HighRiskAt) >= 2 && t.trigger != nil {
		t.logger.WarnContext(ctx, "repeated high-risk usage anomalies, escalating",
			slog.Int("detections", len(t.snap.HighRiskAt)))
		if err := t.trigger.Trigger(ctx, ReasonExcessiveViolations, "high"); err != nil {
			t.logger.ErrorContext(ctx, "lockdown trigger failed",
				slog.String("error", err.Error()))
		}
	}
}

func (t *Tracker) riskOf(result *domain.LayerResult) domain.RiskLevel {
	switch {
	case len(result.Issues) > 0:
		return domain.RiskHigh
	case len(result.Warnings) > 0:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

func (t *Tracker) persist() error {
	data, err := json.Marshal(t.snap)
	if err != nil {
		return err
	}
	return t.store.Set(store.KeyUsagePatterns, data)
}

func newSnapshot() *snapshot {
	return &snapshot{
		Index: PatternIndex{
			DailyCounts: make(map[string]int),
			HourlyHist:  make(map[string]*[24]int),
			Actions:     make(map[string]*ActionStats),
			Sessions:    make(map[string][]SessionInfo),
		},
		SchemaVersion: schemaVersion,
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddev(values []float64, m float64) float64 {
	if len(values) < 2 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}
