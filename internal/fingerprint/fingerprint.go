// Package fingerprint derives a layered device fingerprint from
// environment attributes and binds license trust to it. Each attribute
// group is hashed independently before the layer hashes are combined, so a
// single spoofed attribute cannot silently reproduce the final hash — an
// attacker must reproduce every layer consistently.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"posguard/internal/shared/clock"
	"posguard/internal/store"
	"posguard/pkg/contracts/domain"
)

const schemaVersion = 2

// DeviceFingerprint is the persisted fingerprint record. It is immutable
// once stored; a regenerated fingerprint is compared by equality, never
// mutated in place.
type DeviceFingerprint struct {
	PrimaryHash    string    `json:"primary_hash"`
	ValidationHash string    `json:"validation_hash"`
	CombinedHash   string    `json:"combined_hash"`
	CreatedAt      time.Time `json:"created_at"`
	SchemaVersion  int       `json:"schema_version"`
}

// Environment supplies the raw device attributes. Tests substitute a fake
// to simulate attribute changes.
type Environment interface {
	// DeviceIdentity returns stable host attributes (hostname, platform).
	DeviceIdentity() map[string]string
	// AppIdentity returns the application name/version attributes.
	AppIdentity() map[string]string
	// Locale returns timezone and locale attributes.
	Locale() map[string]string
	// Display returns display characteristics.
	Display() map[string]string
	// BootTime returns the approximate OS boot time, or a stable
	// placeholder when the host cannot report one.
	BootTime() string
}

// Engine generates, caches and validates the device fingerprint.
type Engine struct {
	store  *store.SecureStore
	clk    clock.Clock
	env    Environment
	logger *slog.Logger

	mu    sync.RWMutex
	cache *DeviceFingerprint
	group singleflight.Group
}

// New returns a fingerprint engine over the given store and environment.
func New(st *store.SecureStore, clk clock.Clock, env Environment, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if env == nil {
		env = HostEnvironment()
	}
	return &Engine{store: st, clk: clk, env: env, logger: logger}
}

// Generate returns the device fingerprint, computing it at most once per
// process. Concurrent callers collapse onto a single computation.
func (e *Engine) Generate(ctx context.Context) (*DeviceFingerprint, error) {
	e.mu.RLock()
	if e.cache != nil {
		cached := *e.cache
		e.mu.RUnlock()
		return &cached, nil
	}
	e.mu.RUnlock()

	v, err, _ := e.group.Do("generate", func() (any, error) {
		return e.generate(ctx)
	})
	if err != nil {
		return nil, err
	}

	fp := v.(*DeviceFingerprint)
	out := *fp
	return &out, nil
}

func (e *Engine) generate(ctx context.Context) (*DeviceFingerprint, error) {
	start := e.clk.Now()

	deviceID, err := e.deviceID()
	if err != nil {
		return nil, err
	}

	// Independent attribute layers. Order is part of the scheme: the
	// combined hash covers the concatenation of the layer hashes.
	layers := []string{
		hashAttributes("device", e.env.DeviceIdentity()),
		hashAttributes("app", e.env.AppIdentity()),
		hashString("device_id", deviceID),
		hashAttributes("locale", e.env.Locale()),
		hashAttributes("display", e.env.Display()),
		hashString("boot", e.env.BootTime()),
		e.storageLayer(),
		e.behaviorLayer(deviceID),
	}

	primary := hashString("layers", strings.Join(layers, "|"))

	// The validation hash covers only the timing/behavior/storage layers,
	// giving a second independent binding over the volatile attributes.
	validation := hashString("validation", strings.Join([]string{
		layers[5], layers[6], layers[7],
	}, "|"))

	combined := hashString("combined", primary+validation)

	fp := &DeviceFingerprint{
		PrimaryHash:    primary,
		ValidationHash: validation,
		CombinedHash:   combined,
		CreatedAt:      e.clk.Now(),
		SchemaVersion:  schemaVersion,
	}

	e.mu.Lock()
	e.cache = fp
	e.mu.Unlock()

	e.logger.DebugContext(ctx, "device fingerprint generated",
		slog.String("combined_hash", combined),
		slog.Duration("generation_time", e.clk.Now().Sub(start)),
	)

	return fp, nil
}

// Validate compares a freshly generated fingerprint against the persisted
// one. Binding is boolean: any mismatch is a hard fail, a match scores
// 100. On first run the current fingerprint is persisted as the baseline.
func (e *Engine) Validate(ctx context.Context) *domain.LayerResult {
	result := domain.NewLayerResult(domain.LayerHardware)

	current, err := e.Generate(ctx)
	if err != nil {
		result.Fail(fmt.Sprintf("fingerprint generation failed: %v", err))
		return result
	}

	stored, err := e.loadStored()
	switch {
	case errors.Is(err, store.ErrKeyNotFound):
		if err := e.persist(current); err != nil {
			result.Fail(fmt.Sprintf("fingerprint persistence failed: %v", err))
			return result
		}
		result.Detail("first_run", true)
		return result

	case err != nil:
		// Undecryptable baseline is indistinguishable from a storage edit.
		result.Fail(fmt.Sprintf("stored fingerprint unreadable: %v", err))
		return result
	}

	if stored.CombinedHash != current.CombinedHash {
		result.Fail("device fingerprint mismatch")
		result.Detail("stored_at", stored.CreatedAt)
		e.logger.WarnContext(ctx, "device fingerprint mismatch",
			slog.String("stored", stored.CombinedHash),
			slog.String("current", current.CombinedHash),
		)
	}
	result.Detail("schema_version", stored.SchemaVersion)
	return result
}

// CombinedHash returns the current combined fingerprint hash, generating
// the fingerprint if necessary.
func (e *Engine) CombinedHash(ctx context.Context) (string, error) {
	fp, err := e.Generate(ctx)
	if err != nil {
		return "", err
	}
	return fp.CombinedHash, nil
}

// ClearCache drops the process-lifetime cache. Used after a reset.
func (e *Engine) ClearCache() {
	e.mu.Lock()
	e.cache = nil
	e.mu.Unlock()
}

func (e *Engine) loadStored() (*DeviceFingerprint, error) {
	data, err := e.store.Get(store.KeyFingerprint)
	if err != nil {
		return nil, err
	}
	var fp DeviceFingerprint
	if err := json.Unmarshal(data, &fp); err != nil {
		return nil, fmt.Errorf("%w: fingerprint record: %v", store.ErrDecryptFailure, err)
	}
	return &fp, nil
}

func (e *Engine) persist(fp *DeviceFingerprint) error {
	data, err := json.Marshal(fp)
	if err != nil {
		return err
	}
	return e.store.Set(store.KeyFingerprint, data)
}

// deviceID returns the persisted random device id, minting one on first use.
func (e *Engine) deviceID() (string, error) {
	data, err := e.store.Get(store.KeyDeviceID)
	if err == nil {
		return string(data), nil
	}
	if !errors.Is(err, store.ErrKeyNotFound) {
		return "", err
	}

	id := uuid.NewString()
	if err := e.store.Set(store.KeyDeviceID, []byte(id)); err != nil {
		return "", err
	}
	e.logger.Info("device id minted", slog.String("device_id", id))
	return id, nil
}

// storageLayer probes the persistence facility and hashes the outcome, so
// a swapped storage backend perturbs the fingerprint.
func (e *Engine) storageLayer() string {
	probeKey := "fp_probe"
	status := "ok"
	if err := e.store.Set(probeKey, []byte("probe")); err != nil {
		status = "write_failed"
	} else if _, err := e.store.Get(probeKey); err != nil {
		status = "read_failed"
	}
	_ = e.store.Remove(probeKey)
	return hashString("storage", status)
}

// behaviorLayer derives a synthetic behavior nonce from the device id, so
// it is stable per device but not guessable without the stored id.
func (e *Engine) behaviorLayer(deviceID string) string {
	return hashString("behavior", deviceID+":synthetic-nonce")
}

func hashAttributes(label string, attrs map[string]string) string {
	// Deterministic ordering: sort-free by rebuilding from known keys is
	// fragile, so serialize through JSON which sorts map keys.
	data, _ := json.Marshal(attrs)
	return hashString(label, string(data))
}

func hashString(label, value string) string {
	sum := sha256.Sum256([]byte(label + "|" + value))
	return hex.EncodeToString(sum[:])
}
