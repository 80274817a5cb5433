// Package engine wires the validation layers into a single trust engine:
// it runs every layer, combines the scores through the weight table into
// a risk verdict, and drives the lockdown controller when trust collapses.
// The engine is the single mutex-guarded entry point; validate calls never
// interleave writes to shared persisted state.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"posguard/internal/config"
	"posguard/internal/fingerprint"
	"posguard/internal/integrity"
	"posguard/internal/license"
	"posguard/internal/lockdown"
	"posguard/internal/nettime"
	"posguard/internal/shared/clock"
	"posguard/internal/store"
	"posguard/internal/timeanchor"
	"posguard/internal/usage"
	"posguard/pkg/contracts/domain"
)

// recommendations are generated deterministically from failing layers.
var recommendations = map[domain.Layer]string{
	domain.LayerHardware:    "Device fingerprint mismatch: re-activate the license on this terminal",
	domain.LayerTime:        "Clock inconsistency detected: verify the device time settings",
	domain.LayerLicense:     "License record is invalid or expired: contact support to renew",
	domain.LayerUsage:       "Unusual usage pattern detected: review recent terminal activity",
	domain.LayerSystem:      "Runtime integrity degraded: restart the application",
	domain.LayerNetwork:     "Network time cross-check failed: verify connectivity and local clock",
	domain.LayerPersistence: "Secure storage is unhealthy: check device storage integrity",
	domain.LayerAppState:    "Application state is inconsistent: restart the application",
}

const recommendationNormal = "License system operating normally"

// consecutiveHighLimit is the number of back-to-back HIGH-risk reports
// tolerated before the engine itself triggers lockdown.
const consecutiveHighLimit = 3

// Option customizes engine construction.
type Option func(*options)

type options struct {
	clk        clock.Clock
	env        fingerprint.Environment
	policy     lockdown.ChallengePolicy
	httpClient *http.Client
	logger     *slog.Logger
}

// WithClock substitutes the system clock, typically with a fake in tests.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clk = c } }

// WithEnvironment substitutes the fingerprint attribute source.
func WithEnvironment(env fingerprint.Environment) Option { return func(o *options) { o.env = env } }

// WithChallengePolicy substitutes the recovery question bank.
func WithChallengePolicy(p lockdown.ChallengePolicy) Option { return func(o *options) { o.policy = p } }

// WithHTTPClient substitutes the network-time HTTP client.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithLogger substitutes the engine logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// Engine is the on-device license trust engine facade.
type Engine struct {
	mu sync.Mutex

	cfg      *config.Config
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *Metrics
	clk      clock.Clock
	store    *store.SecureStore
	fp       *fingerprint.Engine
	anchor   *timeanchor.Anchor
	tracker  *usage.Tracker
	checker  *integrity.Checker
	licenses *license.Validator
	network  *nettime.Client
	guard    *lockdown.Controller

	initialized     bool
	consecutiveHigh int
}

// New assembles the engine over the given storage backend.
func New(cfg *config.Config, backend store.Backend, opts ...Option) *Engine {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.clk == nil {
		o.clk = clock.System()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	st := store.New(backend, o.logger)
	fp := fingerprint.New(st, o.clk, o.env, o.logger)
	guard := lockdown.New(st, fp, o.clk, cfg.Lockdown, o.policy, o.logger)
	anchor := timeanchor.New(st, o.clk, cfg.Time, o.logger)
	anchor.SetTrigger(guard)
	tracker := usage.New(st, o.clk, cfg.Usage, o.logger)
	tracker.SetTrigger(guard)

	return &Engine{
		cfg:      cfg,
		logger:   o.logger,
		tracer:   otel.Tracer("posguard/engine"),
		metrics:  newMetrics(),
		clk:      o.clk,
		store:    st,
		fp:       fp,
		anchor:   anchor,
		tracker:  tracker,
		checker:  integrity.New(st, o.clk, o.logger),
		licenses: license.New(fp, o.clk, cfg.License, o.logger),
		network:  nettime.New(o.httpClient, o.clk, cfg.Network, o.logger),
		guard:    guard,
	}
}

// Metrics exposes the engine's Prometheus collectors.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Initialize sets up the time anchor, loads the usage patterns, persists
// the fingerprint baseline and runs a first integrity pass. Call once at
// startup before any other operation.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "engine.initialize")
	defer span.End()

	if err := e.anchor.Initialize(ctx); err != nil {
		return fmt.Errorf("time anchor initialization: %w", err)
	}
	if err := e.tracker.Load(ctx); err != nil {
		return fmt.Errorf("usage pattern load: %w", err)
	}

	if hw := e.fp.Validate(ctx); !hw.Valid {
		e.logger.WarnContext(ctx, "fingerprint baseline check failed at startup",
			slog.Any("issues", hw.Issues))
	}
	if sys := e.checker.Check(ctx); !sys.Valid {
		e.logger.WarnContext(ctx, "integrity pass failed at startup",
			slog.Any("issues", sys.Issues))
	}

	if e.guard.IsLocked(ctx) {
		e.logger.WarnContext(ctx, "engine started in lockdown")
	}

	e.initialized = true
	e.logger.InfoContext(ctx, "trust engine initialized")
	return nil
}

// Validate runs every validation layer against the given license record
// and aggregates the weighted verdict. One failing layer never aborts the
// report.
func (e *Engine) Validate(ctx context.Context, record *domain.LicenseRecord) (*domain.ValidationReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "engine.validate")
	defer span.End()

	if !e.initialized {
		return nil, fmt.Errorf("engine not initialized")
	}

	if e.guard.IsLocked(ctx) {
		report := &domain.ValidationReport{
			Layers:          map[domain.Layer]*domain.LayerResult{},
			OverallScore:    0,
			RiskLevel:       domain.RiskHigh,
			Recommendations: []string{"Device is in lockdown: complete the recovery challenge to continue"},
			Valid:           false,
			GeneratedAt:     e.clk.Now(),
		}
		e.metrics.validationsTotal.WithLabelValues(string(domain.RiskHigh)).Inc()
		return report, nil
	}

	layers := map[domain.Layer]*domain.LayerResult{
		domain.LayerHardware: e.runLayer(ctx, domain.LayerHardware, func(ctx context.Context) *domain.LayerResult {
			return e.fp.Validate(ctx)
		}),
		domain.LayerTime: e.runLayer(ctx, domain.LayerTime, func(ctx context.Context) *domain.LayerResult {
			return e.anchor.Validate(ctx)
		}),
		domain.LayerLicense: e.runLayer(ctx, domain.LayerLicense, func(ctx context.Context) *domain.LayerResult {
			return e.licenses.Validate(ctx, record)
		}),
		domain.LayerUsage: e.runLayer(ctx, domain.LayerUsage, func(ctx context.Context) *domain.LayerResult {
			return e.tracker.Evaluate(ctx)
		}),
		domain.LayerSystem: e.runLayer(ctx, domain.LayerSystem, func(ctx context.Context) *domain.LayerResult {
			return e.checker.Check(ctx)
		}),
		domain.LayerNetwork: e.runLayer(ctx, domain.LayerNetwork, func(ctx context.Context) *domain.LayerResult {
			return e.network.Check(ctx)
		}),
		domain.LayerPersistence: e.runLayer(ctx, domain.LayerPersistence, func(ctx context.Context) *domain.LayerResult {
			return e.checker.PersistenceProbe(ctx)
		}),
		domain.LayerAppState: e.runLayer(ctx, domain.LayerAppState, func(ctx context.Context) *domain.LayerResult {
			return e.checker.AppStateProbe(ctx, map[string]any{
				"fingerprint": e.fp,
				"time_anchor": e.anchor,
				"usage":       e.tracker,
				"lockdown":    e.guard,
			})
		}),
	}

	report := e.buildReport(layers)
	e.observe(ctx, span, report)

	if report.RiskLevel == domain.RiskHigh {
		e.consecutiveHigh++
		if e.consecutiveHigh >= consecutiveHighLimit {
			e.metrics.lockdownsTotal.WithLabelValues("repeated_high_risk_validations").Inc()
			if err := e.guard.Trigger(ctx, "repeated_high_risk_validations", "high"); err != nil {
				e.logger.ErrorContext(ctx, "lockdown trigger failed",
					slog.String("error", err.Error()))
			}
			e.consecutiveHigh = 0
		}
	} else {
		e.consecutiveHigh = 0
	}

	e.persistSummary(ctx, report)
	return report, nil
}

// TrackUsage records a host action event and returns the usage-layer
// verdict for it.
func (e *Engine) TrackUsage(ctx context.Context, action string, metadata map[string]string) (*domain.LayerResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return nil, fmt.Errorf("engine not initialized")
	}
	result := e.tracker.Track(ctx, action, metadata)
	if !result.Valid {
		e.metrics.anomaliesTotal.Inc()
	}
	return result, nil
}

// IsLocked reports whether the engine is in lockdown, failing closed on
// unreadable state.
func (e *Engine) IsLocked(ctx context.Context) bool {
	return e.guard.IsLocked(ctx)
}

// RecoveryChallenge returns the active recovery challenge, if any.
func (e *Engine) RecoveryChallenge(ctx context.Context) (*lockdown.RecoveryChallenge, error) {
	return e.guard.Challenge(ctx)
}

// AttemptRecovery tries to exit lockdown with a challenge answer.
func (e *Engine) AttemptRecovery(ctx context.Context, challengeID, answer string) (*domain.RecoveryResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result, err := e.guard.AttemptRecovery(ctx, challengeID, answer)
	if err != nil {
		return nil, err
	}
	outcome := "failure"
	if result.Success {
		outcome = "success"
	}
	e.metrics.recoveriesTotal.WithLabelValues(outcome).Inc()
	return result, nil
}

// SecurityEvents returns the bounded audit log, oldest first.
func (e *Engine) SecurityEvents(ctx context.Context) []lockdown.SecurityEvent {
	return e.guard.SecurityEvents(ctx)
}

// ResetSecurityState clears every persisted key and reinitializes the
// engine. Test/support escape hatch.
func (e *Engine) ResetSecurityState(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.Reset(); err != nil {
		return err
	}
	e.fp.ClearCache()
	e.guard.Reset()
	e.consecutiveHigh = 0
	e.initialized = false

	if err := e.anchor.Initialize(ctx); err != nil {
		return err
	}
	if err := e.tracker.Load(ctx); err != nil {
		return err
	}
	e.initialized = true
	e.logger.InfoContext(ctx, "security state reset")
	return nil
}

// OnForeground is the host lifecycle hook for application foregrounding.
func (e *Engine) OnForeground(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.anchor.OnForeground(ctx)
}

// OnBackground is the host lifecycle hook for application backgrounding.
func (e *Engine) OnBackground(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.anchor.OnBackground(ctx)
}

// runLayer isolates one validation layer: a panic or unexpected failure
// inside a layer becomes that layer's invalid result instead of aborting
// the whole report.
func (e *Engine) runLayer(ctx context.Context, layer domain.Layer, fn func(context.Context) *domain.LayerResult) (result *domain.LayerResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "validation layer panicked",
				slog.String("layer", string(layer)),
				slog.Any("panic", r),
			)
			result = domain.NewLayerResult(layer)
			result.Fail(fmt.Sprintf("internal validation error: %v", r))
		}
	}()

	result = fn(ctx)
	if result == nil {
		result = domain.NewLayerResult(layer)
		result.Fail("layer returned no result")
	}
	return result
}

// buildReport combines the per-layer results through the weight table.
func (e *Engine) buildReport(layers map[domain.Layer]*domain.LayerResult) *domain.ValidationReport {
	weights := map[domain.Layer]float64{
		domain.LayerHardware:    float64(e.cfg.Weights.Hardware),
		domain.LayerTime:        float64(e.cfg.Weights.Time),
		domain.LayerLicense:     float64(e.cfg.Weights.License),
		domain.LayerUsage:       float64(e.cfg.Weights.Usage),
		domain.LayerSystem:      float64(e.cfg.Weights.System),
		domain.LayerNetwork:     float64(e.cfg.Weights.Network),
		domain.LayerPersistence: float64(e.cfg.Weights.Persistence),
		domain.LayerAppState:    float64(e.cfg.Weights.AppState),
	}

	// When no network time source is reachable the layer's weight is
	// reduced, not eliminated: an offline device may be offline by
	// attacker design rather than circumstance.
	if network, ok := layers[domain.LayerNetwork]; ok {
		if reachable, ok := network.Details["reachable"].(bool); ok && !reachable {
			weights[domain.LayerNetwork] /= 2
		}
	}

	var weightedSum, totalWeight float64
	for layer, result := range layers {
		weightedSum += float64(result.Score) * weights[layer]
		totalWeight += weights[layer]
	}
	overall := 0
	if totalWeight > 0 {
		overall = int(math.Round(weightedSum / totalWeight))
	}

	risk := e.riskLevel(overall, layers)
	report := &domain.ValidationReport{
		Layers:          layers,
		OverallScore:    overall,
		RiskLevel:       risk,
		Recommendations: e.recommend(layers),
		Valid:           overall >= e.cfg.Scoring.ValidScore && risk != domain.RiskHigh,
		GeneratedAt:     e.clk.Now(),
	}
	return report
}

func (e *Engine) riskLevel(overall int, layers map[domain.Layer]*domain.LayerResult) domain.RiskLevel {
	invalid := func(layer domain.Layer) bool {
		r, ok := layers[layer]
		return ok && !r.Valid
	}

	if overall < e.cfg.Scoring.HighRiskBelow ||
		invalid(domain.LayerHardware) || invalid(domain.LayerTime) || invalid(domain.LayerLicense) {
		return domain.RiskHigh
	}

	usageHigh := false
	if u, ok := layers[domain.LayerUsage]; ok {
		if risk, ok := u.Details["risk"].(string); ok && risk == string(domain.RiskHigh) {
			usageHigh = true
		}
	}
	if overall < e.cfg.Scoring.MediumRiskBelow ||
		invalid(domain.LayerSystem) || invalid(domain.LayerPersistence) || usageHigh {
		return domain.RiskMedium
	}
	return domain.RiskLow
}

func (e *Engine) recommend(layers map[domain.Layer]*domain.LayerResult) []string {
	// Deterministic order: iterate the weight-table layer order rather
	// than the map.
	order := []domain.Layer{
		domain.LayerHardware, domain.LayerTime, domain.LayerLicense, domain.LayerUsage,
		domain.LayerSystem, domain.LayerNetwork, domain.LayerPersistence, domain.LayerAppState,
	}
	var out []string
	for _, layer := range order {
		if result, ok := layers[layer]; ok && !result.Valid {
			out = append(out, recommendations[layer])
		}
	}
	if len(out) == 0 {
		out = []string{recommendationNormal}
	}
	return out
}

func (e *Engine) observe(ctx context.Context, span trace.Span, report *domain.ValidationReport) {
	span.SetAttributes(
		attribute.Int("posguard.overall_score", report.OverallScore),
		attribute.String("posguard.risk_level", string(report.RiskLevel)),
		attribute.Bool("posguard.valid", report.Valid),
	)
	e.metrics.validationsTotal.WithLabelValues(string(report.RiskLevel)).Inc()
	e.metrics.overallScore.Set(float64(report.OverallScore))
	for layer, result := range report.Layers {
		e.metrics.layerScore.WithLabelValues(string(layer)).Set(float64(result.Score))
	}

	e.logger.InfoContext(ctx, "validation cycle complete",
		slog.Int("overall_score", report.OverallScore),
		slog.String("risk_level", string(report.RiskLevel)),
		slog.Bool("valid", report.Valid),
	)
}

// persistSummary stores the latest verdict so the next run can see the
// last known system state even before its first validation.
func (e *Engine) persistSummary(ctx context.Context, report *domain.ValidationReport) {
	summary := struct {
		OverallScore int              `json:"overall_score"`
		RiskLevel    domain.RiskLevel `json:"risk_level"`
		Valid        bool             `json:"valid"`
		GeneratedAt  string           `json:"generated_at"`
	}{report.OverallScore, report.RiskLevel, report.Valid, report.GeneratedAt.UTC().Format("2006-01-02T15:04:05Z07:00")}

	data, err := json.Marshal(summary)
	if err == nil {
		err = e.store.Set(store.KeySystemIntegrity, data)
	}
	if err != nil {
		e.logger.WarnContext(ctx, "failed to persist validation summary",
			slog.String("error", err.Error()))
	}
}
