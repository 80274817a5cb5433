// Package domain defines the shared contract types exchanged between the
// trust engine and the hosting application: the license record schema the
// host supplies, and the validation report the engine produces.
package domain

import "time"

// LicenseType classifies the commercial class of a license record.
type LicenseType string

const (
	LicenseTypeTrial     LicenseType = "TRIAL"
	LicenseTypeActive    LicenseType = "ACTIVE"
	LicenseTypeSuspended LicenseType = "SUSPENDED"
	LicenseTypeUnlimited LicenseType = "UNLIMITED"
)

// LicenseRecord is the license document consumed (never produced) by the
// trust engine. Field names follow the wire format of the license server.
type LicenseRecord struct {
	ID                    string      `json:"id"`
	Type                  LicenseType `json:"type"`
	Status                string      `json:"status"`
	ExpiryDate            *time.Time  `json:"expiry_date,omitempty"`
	ActivationDate        *time.Time  `json:"activation_date,omitempty"`
	LicenseKey            string      `json:"license_key,omitempty"`
	ActivationFingerprint string      `json:"activation_fingerprint,omitempty"`
	IsFounderTrial        bool        `json:"is_founder_trial,omitempty"`
	TrialDaysUsed         int         `json:"trial_days_used,omitempty"`
	MaxTrialDays          int         `json:"max_trial_days,omitempty"`
}

// Layer identifies one validation dimension combined into the overall score.
type Layer string

const (
	LayerHardware    Layer = "hardware"
	LayerTime        Layer = "time"
	LayerLicense     Layer = "license"
	LayerUsage       Layer = "usage"
	LayerSystem      Layer = "system"
	LayerNetwork     Layer = "network"
	LayerPersistence Layer = "persistence"
	LayerAppState    Layer = "app_state"
)

// RiskLevel is the aggregated risk classification of a validation cycle.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// LayerResult carries the outcome of one validation layer. Issues mark the
// layer invalid; warnings only degrade the score. Details holds
// layer-specific diagnostics for the audit trail.
type LayerResult struct {
	Layer    Layer          `json:"layer"`
	Valid    bool           `json:"valid"`
	Score    int            `json:"score"`
	Issues   []string       `json:"issues,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// NewLayerResult returns a passing result for the given layer.
func NewLayerResult(layer Layer) *LayerResult {
	return &LayerResult{Layer: layer, Valid: true, Score: 100}
}

// Fail records a hard failure: the issue is appended, the layer is marked
// invalid and the score drops to zero.
func (r *LayerResult) Fail(issue string) {
	r.Issues = append(r.Issues, issue)
	r.Valid = false
	r.Score = 0
}

// Warn appends a warning and deducts the given penalty, floored at zero.
func (r *LayerResult) Warn(warning string, penalty int) {
	r.Warnings = append(r.Warnings, warning)
	r.Score -= penalty
	if r.Score < 0 {
		r.Score = 0
	}
}

// Detail attaches a named diagnostic value to the result.
func (r *LayerResult) Detail(key string, value any) {
	if r.Details == nil {
		r.Details = make(map[string]any)
	}
	r.Details[key] = value
}

// ValidationReport is the aggregate verdict of one validation cycle. It is
// constructed fresh on every call and never mutated after return.
type ValidationReport struct {
	Layers          map[Layer]*LayerResult `json:"layers"`
	OverallScore    int                    `json:"overall_score"`
	RiskLevel       RiskLevel              `json:"risk_level"`
	Recommendations []string               `json:"recommendations"`
	Valid           bool                   `json:"valid"`
	GeneratedAt     time.Time              `json:"generated_at"`
}

// RecoveryResult is the outcome of a lockdown recovery attempt.
type RecoveryResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}
