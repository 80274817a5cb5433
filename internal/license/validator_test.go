package license

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posguard/internal/config"
	"posguard/internal/fingerprint"
	"posguard/internal/shared/clock"
	"posguard/internal/store"
	"posguard/pkg/contracts/domain"
)

type fakeEnv struct{}

func (fakeEnv) DeviceIdentity() map[string]string {
	return map[string]string{"hostname": "register-1", "os": "linux"}
}
func (fakeEnv) AppIdentity() map[string]string {
	return map[string]string{"name": "posguard", "version": "1.0.0"}
}
func (fakeEnv) Locale() map[string]string  { return map[string]string{"timezone": "UTC"} }
func (fakeEnv) Display() map[string]string { return map[string]string{"display": "1024x768"} }
func (fakeEnv) BootTime() string           { return "1767350000" }

var testNow = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func newTestValidator(t *testing.T) (*Validator, *fingerprint.Engine) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.New(store.NewMemoryBackend(), logger)
	clk := clock.NewFake(testNow)
	fp := fingerprint.New(st, clk, fakeEnv{}, logger)
	return New(fp, clk, config.Default().License, logger), fp
}

func ptr(t time.Time) *time.Time { return &t }

func validRecord() *domain.LicenseRecord {
	return &domain.LicenseRecord{
		ID:             "lic-001",
		Type:           domain.LicenseTypeActive,
		Status:         "active",
		ActivationDate: ptr(testNow.AddDate(0, -1, 0)),
		ExpiryDate:     ptr(testNow.AddDate(0, 1, 0)),
	}
}

func TestValidateRecords(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*domain.LicenseRecord)
		wantValid bool
		wantScore int
		wantIssue string
	}{
		{
			name:      "healthy active license",
			mutate:    func(r *domain.LicenseRecord) {},
			wantValid: true,
			wantScore: 100,
		},
		{
			name: "expired license",
			mutate: func(r *domain.LicenseRecord) {
				r.ExpiryDate = ptr(testNow.Add(-time.Second))
			},
			wantValid: false,
			wantScore: 0,
			wantIssue: "license expired",
		},
		{
			name: "expiry exactly now counts as expired",
			mutate: func(r *domain.LicenseRecord) {
				r.ExpiryDate = ptr(testNow)
			},
			wantValid: false,
			wantScore: 0,
			wantIssue: "license expired",
		},
		{
			name: "expiry one second in the future is valid",
			mutate: func(r *domain.LicenseRecord) {
				r.ExpiryDate = ptr(testNow.Add(time.Second))
			},
			wantValid: true,
			wantScore: 100,
		},
		{
			name: "activation in the future",
			mutate: func(r *domain.LicenseRecord) {
				r.ActivationDate = ptr(testNow.Add(time.Hour))
			},
			wantValid: false,
			wantScore: 0,
			wantIssue: "activation timestamp is in the future",
		},
		{
			name: "expiry precedes activation",
			mutate: func(r *domain.LicenseRecord) {
				r.ActivationDate = ptr(testNow.AddDate(0, 2, 0))
				r.ExpiryDate = ptr(testNow.AddDate(0, 1, 0))
			},
			wantValid: false,
			wantScore: 0,
			wantIssue: "expiry date precedes activation",
		},
		{
			name: "missing identifier",
			mutate: func(r *domain.LicenseRecord) {
				r.ID = ""
			},
			wantValid: false,
			wantScore: 0,
			wantIssue: "license identifier missing",
		},
		{
			name: "missing expiry date",
			mutate: func(r *domain.LicenseRecord) {
				r.ExpiryDate = nil
			},
			wantValid: false,
			wantScore: 0,
			wantIssue: "expiry date missing",
		},
		{
			name: "trial over budget",
			mutate: func(r *domain.LicenseRecord) {
				r.Type = domain.LicenseTypeTrial
				r.Status = "trial"
				r.TrialDaysUsed = 31
				r.MaxTrialDays = 30
			},
			wantValid: false,
			wantScore: 0,
			wantIssue: "trial days used",
		},
		{
			name: "trial within budget",
			mutate: func(r *domain.LicenseRecord) {
				r.Type = domain.LicenseTypeTrial
				r.Status = "trial"
				r.TrialDaysUsed = 12
				r.MaxTrialDays = 30
			},
			wantValid: true,
			wantScore: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := newTestValidator(t)
			record := validRecord()
			tt.mutate(record)

			result := v.Validate(context.Background(), record)

			assert.Equal(t, tt.wantValid, result.Valid)
			assert.Equal(t, tt.wantScore, result.Score)
			if tt.wantIssue != "" {
				require.NotEmpty(t, result.Issues)
				found := false
				for _, issue := range result.Issues {
					if strings.Contains(issue, tt.wantIssue) {
						found = true
					}
				}
				assert.True(t, found, "expected issue containing %q, got %v", tt.wantIssue, result.Issues)
			}
		})
	}
}

func TestNilRecordIsInvalid(t *testing.T) {
	v, _ := newTestValidator(t)
	result := v.Validate(context.Background(), nil)

	assert.False(t, result.Valid)
	assert.Equal(t, 0, result.Score)
}

func TestUnlimitedLicenseSkipsExpiryChecks(t *testing.T) {
	v, _ := newTestValidator(t)

	record := &domain.LicenseRecord{
		ID:     "lic-unlimited",
		Type:   domain.LicenseTypeUnlimited,
		Status: "active",
		// No dates at all: unlimited licenses carry none.
	}

	result := v.Validate(context.Background(), record)
	assert.True(t, result.Valid)
	assert.Equal(t, 100, result.Score)
}

func TestUnlimitedLicenseStillNeedsIdentity(t *testing.T) {
	v, _ := newTestValidator(t)

	record := &domain.LicenseRecord{Type: domain.LicenseTypeUnlimited, Status: "active"}

	result := v.Validate(context.Background(), record)
	assert.False(t, result.Valid)
}

func TestUnknownStatusOnlyWarns(t *testing.T) {
	v, _ := newTestValidator(t)
	record := validRecord()
	record.Status = "grace_period"

	result := v.Validate(context.Background(), record)

	assert.True(t, result.Valid)
	assert.Equal(t, 90, result.Score)
	assert.NotEmpty(t, result.Warnings)
}

func TestMalformedKeyOnlyWarns(t *testing.T) {
	v, _ := newTestValidator(t)
	record := validRecord()
	record.LicenseKey = "short-key"

	result := v.Validate(context.Background(), record)

	assert.True(t, result.Valid)
	assert.Equal(t, 90, result.Score)
}

func TestWellFormedKeyPasses(t *testing.T) {
	v, _ := newTestValidator(t)
	record := validRecord()
	record.LicenseKey = "ABCDE12345FGHIJ67890"

	result := v.Validate(context.Background(), record)

	assert.True(t, result.Valid)
	assert.Equal(t, 100, result.Score)
}

func TestFingerprintBindingMismatchWarns(t *testing.T) {
	v, _ := newTestValidator(t)
	record := validRecord()
	record.ActivationFingerprint = "not-this-device"

	result := v.Validate(context.Background(), record)

	assert.True(t, result.Valid)
	assert.Equal(t, 75, result.Score)
}

func TestFingerprintBindingMatchIsClean(t *testing.T) {
	v, fp := newTestValidator(t)
	current, err := fp.CombinedHash(context.Background())
	require.NoError(t, err)

	record := validRecord()
	record.ActivationFingerprint = current

	result := v.Validate(context.Background(), record)

	assert.True(t, result.Valid)
	assert.Equal(t, 100, result.Score)
}
