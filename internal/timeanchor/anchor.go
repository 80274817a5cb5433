// Package timeanchor maintains a persisted reference time plus boot and
// validation counters, and detects wall-clock manipulation by correlating
// the wall clock against a monotonic counter between validation cycles.
package timeanchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"posguard/internal/config"
	"posguard/internal/shared/clock"
	"posguard/internal/shared/ring"
	"posguard/internal/store"
	"posguard/pkg/contracts/domain"
)

const (
	schemaVersion = 2

	// manipulationLogCap bounds the persisted manipulation ring buffer.
	manipulationLogCap = 10
)

// Manipulation kinds recorded in the ring buffer.
const (
	KindBackwardTime   = "backward_time"
	KindClockStep      = "clock_step"
	KindBackgroundSkew = "background_skew"
)

// ReasonExcessiveManipulation is the lockdown reason used when the
// manipulation log crosses the configured limit.
const ReasonExcessiveManipulation = "excessive_manipulation_attempts"

// ManipulationEvent is an append-only record of a detected clock
// manipulation. Immutable once created.
type ManipulationEvent struct {
	Kind       string    `json:"kind"`
	DetectedAt time.Time `json:"detected_at"`
}

// Record is the persisted time anchor state. It is mutated on every
// validation cycle and on foreground/background transitions.
type Record struct {
	AnchorTime              time.Time           `json:"anchor_time"`
	AnchorTimestamp         int64               `json:"anchor_timestamp"`
	Timezone                string              `json:"timezone"`
	BootCount               int                 `json:"boot_count"`
	ValidationCount         int                 `json:"validation_count"`
	LastValidatedAt         time.Time           `json:"last_validated_at"`
	ManipulationAttempts    []ManipulationEvent `json:"manipulation_attempts"`
	EstimatedBootTime       time.Time           `json:"estimated_boot_time"`
	LastBackgroundTimestamp time.Time           `json:"last_background_timestamp"`
	SchemaVersion           int                 `json:"schema_version"`
}

// LockdownTrigger is the escalation hook the anchor fires when the
// manipulation log crosses its limit. Wired by the engine to the
// lockdown controller.
type LockdownTrigger interface {
	Trigger(ctx context.Context, reason, severity string) error
}

// Anchor owns the persisted time anchor and runs the time-layer checks.
type Anchor struct {
	store   *store.SecureStore
	clk     clock.Clock
	cfg     config.TimeConfig
	logger  *slog.Logger
	trigger LockdownTrigger

	record *Record
	events *ring.Buffer[ManipulationEvent]

	// lastOffset tracks wall-minus-monotonic between calls; a large swing
	// means the wall clock was stepped while the process kept running.
	lastOffset  time.Duration
	offsetKnown bool
}

// New returns an uninitialized anchor. Initialize must be called before
// Validate.
func New(st *store.SecureStore, clk clock.Clock, cfg config.TimeConfig, logger *slog.Logger) *Anchor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Anchor{store: st, clk: clk, cfg: cfg, logger: logger}
}

// SetTrigger wires the lockdown escalation hook.
func (a *Anchor) SetTrigger(t LockdownTrigger) { a.trigger = t }

// Initialize loads or creates the anchor record, tolerating the legacy
// unencrypted format, then bumps the boot counter and persists.
func (a *Anchor) Initialize(ctx context.Context) error {
	record, err := a.load()
	switch {
	case err == nil:
		record.BootCount++
		// The boot estimate is only comparable within one process run;
		// re-baseline it so a restart is not mistaken for a clock step.
		record.EstimatedBootTime = a.estimatedBootTime()

	case errors.Is(err, store.ErrKeyNotFound):
		now := a.clk.Now()
		record = &Record{
			AnchorTime:        now,
			AnchorTimestamp:   now.UnixMilli(),
			Timezone:          currentTimezone(now),
			BootCount:         1,
			EstimatedBootTime: a.estimatedBootTime(),
			SchemaVersion:     schemaVersion,
		}
		a.logger.InfoContext(ctx, "time anchor created",
			slog.Time("anchor_time", now),
			slog.String("timezone", record.Timezone),
		)

	default:
		return err
	}

	a.record = record
	a.events = ring.FromSlice(manipulationLogCap, record.ManipulationAttempts)
	return a.persist()
}

// Validate runs the six time checks and returns the time-layer result.
func (a *Anchor) Validate(ctx context.Context) *domain.LayerResult {
	result := domain.NewLayerResult(domain.LayerTime)
	if a.record == nil {
		result.Fail("time anchor not initialized")
		return result
	}

	now := a.clk.Now()

	// 1. Anchor drift. Exceeding the window also happens after long
	// legitimate idle periods, so it degrades the score rather than
	// zeroing it; the issue is still surfaced for the audit trail.
	drift := now.Sub(a.record.AnchorTime)
	if drift < 0 {
		drift = -drift
	}
	if drift > a.cfg.MaxAnchorDrift {
		result.Warn(fmt.Sprintf("anchor drift %s exceeds %s", drift, a.cfg.MaxAnchorDrift), 30)
		result.Detail("anchor_drift", drift.String())
	}

	// 2. Monotonic progression. A wall clock behind the last recorded
	// validation is unambiguous backward manipulation.
	if !a.record.LastValidatedAt.IsZero() && now.Before(a.record.LastValidatedAt) {
		result.Fail("wall clock moved backward since last validation")
		a.recordManipulation(ctx, KindBackwardTime)
	}

	// 3. Validation cadence.
	if !a.record.LastValidatedAt.IsZero() {
		gap := now.Sub(a.record.LastValidatedAt)
		if gap >= 0 && gap < a.cfg.MinValidationInterval {
			result.Fail(fmt.Sprintf("validations %s apart are implausible for organic use", gap))
		}
	}

	// 4. Boot-time consistency. The estimate must be stable while the
	// process keeps running; large drift means the OS clock was stepped.
	estimated := a.estimatedBootTime()
	if a.record.EstimatedBootTime.IsZero() {
		a.record.EstimatedBootTime = estimated
	} else {
		bootDrift := estimated.Sub(a.record.EstimatedBootTime)
		if bootDrift < 0 {
			bootDrift = -bootDrift
		}
		if bootDrift > a.cfg.BootDriftTolerance {
			result.Fail(fmt.Sprintf("estimated boot time drifted %s", bootDrift))
		}
	}

	// 5. Timezone continuity. Legitimate when traveling, so warn only.
	if tz := currentTimezone(now); tz != a.record.Timezone {
		result.Warn(fmt.Sprintf("timezone changed from %s to %s", a.record.Timezone, tz), 10)
	}

	// 6. Wall/monotonic correlation.
	offset := time.Duration(now.UnixNano()) - a.clk.Monotonic()
	if a.offsetKnown {
		swing := offset - a.lastOffset
		if swing < 0 {
			swing = -swing
		}
		if swing > a.cfg.MaxOffsetSwing {
			result.Fail(fmt.Sprintf("wall clock stepped %s against monotonic clock", swing))
			a.recordManipulation(ctx, KindClockStep)
		}
	}
	a.lastOffset = offset
	a.offsetKnown = true

	a.record.ValidationCount++
	a.record.LastValidatedAt = now
	result.Detail("validation_count", a.record.ValidationCount)
	result.Detail("boot_count", a.record.BootCount)

	if err := a.persist(); err != nil {
		result.Warn(fmt.Sprintf("anchor persistence failed: %v", err), 10)
	}
	return result
}

// OnBackground records the transition timestamp.
func (a *Anchor) OnBackground(ctx context.Context) {
	if a.record == nil {
		return
	}
	a.record.LastBackgroundTimestamp = a.clk.Now()
	if err := a.persist(); err != nil {
		a.logger.WarnContext(ctx, "anchor persistence failed on background",
			slog.String("error", err.Error()))
	}
}

// OnForeground checks that time did not run backward across the
// background period.
func (a *Anchor) OnForeground(ctx context.Context) {
	if a.record == nil {
		return
	}
	if !a.record.LastBackgroundTimestamp.IsZero() && a.clk.Now().Before(a.record.LastBackgroundTimestamp) {
		a.recordManipulation(ctx, KindBackgroundSkew)
	}
}

// ManipulationCount returns the number of logged manipulation events.
func (a *Anchor) ManipulationCount() int {
	if a.events == nil {
		return 0
	}
	return a.events.Len()
}

// ManipulationLog returns a copy of the logged events, oldest first.
func (a *Anchor) ManipulationLog() []ManipulationEvent {
	if a.events == nil {
		return nil
	}
	return a.events.Items()
}

// recordManipulation appends to the bounded ring buffer and escalates to
// lockdown once the configured limit is reached.
func (a *Anchor) recordManipulation(ctx context.Context, kind string) {
	event := ManipulationEvent{Kind: kind, DetectedAt: a.clk.Now()}
	a.events.Push(event)
	a.record.ManipulationAttempts = a.events.Items()

	a.logger.WarnContext(ctx, "clock manipulation recorded",
		slog.String("kind", kind),
		slog.Int("total_attempts", a.events.Len()),
	)

	if err := a.persist(); err != nil {
		a.logger.ErrorContext(ctx, "failed to persist manipulation event",
			slog.String("error", err.Error()))
	}

	if a.events.Len() >= a.cfg.ManipulationLimit && a.trigger != nil {
		if err := a.trigger.Trigger(ctx, ReasonExcessiveManipulation, "high"); err != nil {
			a.logger.ErrorContext(ctx, "lockdown trigger failed",
				slog.String("error", err.Error()))
		}
	}
}

// load reads the anchor record, falling back to the legacy unencrypted
// format when the encrypted read fails.
func (a *Anchor) load() (*Record, error) {
	data, err := a.store.Get(store.KeyTimeAnchor)
	if errors.Is(err, store.ErrDecryptFailure) {
		raw, rawErr := a.store.GetRaw(store.KeyTimeAnchor)
		if rawErr != nil {
			return nil, err
		}
		var legacy Record
		if json.Unmarshal(raw, &legacy) == nil && !legacy.AnchorTime.IsZero() {
			a.logger.Info("migrating legacy unencrypted time anchor")
			return &legacy, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: anchor record: %v", store.ErrDecryptFailure, err)
	}
	return &record, nil
}

func (a *Anchor) persist() error {
	a.record.ManipulationAttempts = a.events.Items()
	data, err := json.Marshal(a.record)
	if err != nil {
		return err
	}
	return a.store.Set(store.KeyTimeAnchor, data)
}

func (a *Anchor) estimatedBootTime() time.Time {
	return a.clk.Now().Add(-a.clk.Monotonic())
}

func currentTimezone(now time.Time) string {
	zone, _ := now.Zone()
	return zone
}
