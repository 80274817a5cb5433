// Package license validates a license record's internal consistency and
// its binding to the device fingerprint. Expected negative outcomes
// (expired license, mismatch) are ordinary results, never errors.
package license

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"posguard/internal/config"
	"posguard/internal/fingerprint"
	"posguard/internal/shared/clock"
	"posguard/pkg/contracts/domain"
)

// knownStatuses is the closed status enum. Unknown values are a warning,
// not a failure, so a server-side addition does not brick devices.
var knownStatuses = map[string]bool{
	"active":    true,
	"trial":     true,
	"suspended": true,
	"expired":   true,
	"pending":   true,
}

// Validator checks license records against the device and the clock.
type Validator struct {
	fp     *fingerprint.Engine
	clk    clock.Clock
	cfg    config.LicenseConfig
	logger *slog.Logger

	keyPattern *regexp.Regexp
}

// New returns a license validator bound to the given fingerprint engine.
func New(fp *fingerprint.Engine, clk clock.Clock, cfg config.LicenseConfig, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		fp:         fp,
		clk:        clk,
		cfg:        cfg,
		logger:     logger,
		keyPattern: regexp.MustCompile(fmt.Sprintf(`^[A-Z0-9]{%d}$`, cfg.KeyLength)),
	}
}

// Validate returns the license-layer result for the given record. The
// score starts at 100 and is deducted per warning; any issue forces the
// layer invalid with score zero.
func (v *Validator) Validate(ctx context.Context, record *domain.LicenseRecord) *domain.LayerResult {
	result := domain.NewLayerResult(domain.LayerLicense)
	if record == nil {
		result.Fail("no license record supplied")
		return result
	}
	result.Detail("license_type", string(record.Type))

	// Unlimited licenses skip the expiry and trial machinery: only the
	// identity and status fields are required.
	if record.Type == domain.LicenseTypeUnlimited {
		if record.ID == "" || record.Status == "" {
			result.Fail("unlimited license missing identity or status")
		}
		return result
	}

	v.checkRequiredFields(record, result)
	v.checkDates(record, result)
	v.checkStatus(record, result)
	v.checkTrial(record, result)
	v.checkKeyFormat(record, result)
	v.checkFingerprintBinding(ctx, record, result)

	if !result.Valid {
		result.Score = 0
	}
	return result
}

func (v *Validator) checkRequiredFields(record *domain.LicenseRecord, result *domain.LayerResult) {
	if record.ID == "" {
		result.Fail("license identifier missing")
	}
	if record.Type == "" {
		result.Fail("license type missing")
	}
	if record.Status == "" {
		result.Fail("license status missing")
	}
	if record.ExpiryDate == nil {
		result.Fail("expiry date missing")
	}
	if record.ActivationDate == nil {
		result.Fail("activation timestamp missing")
	}
}

func (v *Validator) checkDates(record *domain.LicenseRecord, result *domain.LayerResult) {
	now := v.clk.Now()

	if record.ActivationDate != nil && record.ActivationDate.After(now) {
		result.Fail("activation timestamp is in the future")
	}
	if record.ExpiryDate != nil && !record.ExpiryDate.After(now) {
		result.Fail("license expired")
		result.Detail("expired_at", *record.ExpiryDate)
	}
	if record.ActivationDate != nil && record.ExpiryDate != nil &&
		!record.ExpiryDate.After(*record.ActivationDate) {
		result.Fail("expiry date precedes activation")
	}
}

func (v *Validator) checkStatus(record *domain.LicenseRecord, result *domain.LayerResult) {
	if record.Status == "" {
		return
	}
	if !knownStatuses[strings.ToLower(record.Status)] {
		result.Warn(fmt.Sprintf("unknown license status %q", record.Status), 10)
	}
}

func (v *Validator) checkTrial(record *domain.LicenseRecord, result *domain.LayerResult) {
	if record.Type != domain.LicenseTypeTrial {
		return
	}
	if record.MaxTrialDays > 0 && record.TrialDaysUsed > record.MaxTrialDays {
		result.Fail(fmt.Sprintf("trial days used (%d) exceed maximum (%d)",
			record.TrialDaysUsed, record.MaxTrialDays))
	}
	result.Detail("founder_trial", record.IsFounderTrial)
}

func (v *Validator) checkKeyFormat(record *domain.LicenseRecord, result *domain.LayerResult) {
	if record.LicenseKey == "" {
		return
	}
	if !v.keyPattern.MatchString(strings.ToUpper(record.LicenseKey)) {
		result.Warn(fmt.Sprintf("license key does not match the %d-character alphanumeric format",
			v.cfg.KeyLength), 10)
	}
}

// checkFingerprintBinding compares the record's activation-time
// fingerprint against the current device. A mismatch is only a warning
// with a partial deduction: legitimate hardware upgrades occur.
func (v *Validator) checkFingerprintBinding(ctx context.Context, record *domain.LicenseRecord, result *domain.LayerResult) {
	if record.ActivationFingerprint == "" {
		return
	}
	current, err := v.fp.CombinedHash(ctx)
	if err != nil {
		result.Warn(fmt.Sprintf("fingerprint unavailable for binding check: %v", err), 10)
		return
	}
	if current != record.ActivationFingerprint {
		result.Warn("activation fingerprint does not match this device", 25)
		v.logger.WarnContext(ctx, "license fingerprint binding mismatch",
			slog.String("license_id", record.ID))
	}
}
