// Package integrity probes the health of the storage, runtime and process
// facilities the trust engine depends on. Critical probe failures mark the
// system layer invalid; best-effort probes degrade to warnings.
package integrity

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"posguard/internal/shared/clock"
	"posguard/internal/store"
	"posguard/pkg/contracts/domain"
)

// Probe error taxonomy.
var (
	// ErrCryptoUnavailable reports a hash/encrypt primitive producing
	// wrong-sized or missing output.
	ErrCryptoUnavailable = errors.New("integrity: crypto unavailable")
	// ErrScheduleTimeout reports a deferred callback that never fired.
	ErrScheduleTimeout = errors.New("integrity: schedule timeout")
)

// criticalKeys are the persisted records whose absence or unreadability is
// itself a trust signal. A missing expected key during lockdown is the
// soft tripwire described in the lockdown design.
var criticalKeys = []string{
	store.KeyTimeAnchor,
	store.KeyUsagePatterns,
	store.KeyFingerprint,
}

const (
	probeKey        = "integrity_probe"
	livenessTimeout = 250 * time.Millisecond
	allocProbeSize  = 1 << 20
)

// Checker runs the integrity probes.
type Checker struct {
	store  *store.SecureStore
	clk    clock.Clock
	logger *slog.Logger
}

// New returns an integrity checker over the given store and clock.
func New(st *store.SecureStore, clk clock.Clock, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{store: st, clk: clk, logger: logger}
}

// Check runs the runtime and process probes and returns the system-layer
// result. Storage probes live in PersistenceProbe.
func (c *Checker) Check(ctx context.Context) *domain.LayerResult {
	result := domain.NewLayerResult(domain.LayerSystem)

	// Critical: runtime capability probe.
	if err := c.runtimeProbe(); err != nil {
		result.Fail(fmt.Sprintf("runtime capability probe failed: %v", err))
	}

	// Critical: bounded-allocation sanity check.
	if !c.allocationProbe() {
		result.Fail("allocation probe returned wrong-sized buffer")
	}

	// Best-effort: storage-backend enumeration.
	if _, err := c.store.Keys(); err != nil {
		result.Warn(fmt.Sprintf("storage enumeration failed: %v", err), 10)
	}

	// Best-effort: scheduler liveness.
	if err := c.livenessProbe(ctx); err != nil {
		result.Warn(fmt.Sprintf("scheduler liveness probe: %v", err), 10)
	}

	return result
}

// PersistenceProbe verifies a storage round-trip plus the readability of
// every critical persisted key, and returns the persistence-layer result.
func (c *Checker) PersistenceProbe(ctx context.Context) *domain.LayerResult {
	result := domain.NewLayerResult(domain.LayerPersistence)

	payload := []byte(fmt.Sprintf("probe-%d", c.clk.Now().UnixNano()))
	if err := c.store.Set(probeKey, payload); err != nil {
		result.Fail(fmt.Sprintf("storage write failed: %v", err))
		return result
	}
	read, err := c.store.Get(probeKey)
	if err != nil {
		result.Fail(fmt.Sprintf("storage read failed: %v", err))
	} else if string(read) != string(payload) {
		result.Fail("storage round-trip returned different data")
	}
	if err := c.store.Remove(probeKey); err != nil {
		result.Warn(fmt.Sprintf("storage delete failed: %v", err), 10)
	}

	for _, key := range criticalKeys {
		_, err := c.store.Get(key)
		switch {
		case err == nil:
			// readable
		case errors.Is(err, store.ErrKeyNotFound):
			// Absent keys are legitimate before first initialization,
			// unless a lockdown shadow copy says the original was moved.
			if shadow, shadowErr := c.store.GetRaw(key + store.LockedSuffix); shadowErr == nil && len(shadow) > 0 {
				continue
			}
			result.Warn(fmt.Sprintf("critical key %s absent", key), 10)
		case errors.Is(err, store.ErrDecryptFailure):
			result.Fail(fmt.Sprintf("critical key %s unreadable: possible tampering", key))
		default:
			result.Fail(fmt.Sprintf("critical key %s: %v", key, err))
		}
	}

	result.Detail("critical_keys", len(criticalKeys))
	return result
}

// AppStateProbe verifies critical in-memory structures and returns the
// app-state layer result. The engine passes its own component references.
func (c *Checker) AppStateProbe(ctx context.Context, components map[string]any) *domain.LayerResult {
	result := domain.NewLayerResult(domain.LayerAppState)

	if c.store == nil || c.clk == nil {
		result.Fail("integrity checker wired without store or clock")
	}
	for name, component := range components {
		if component == nil {
			result.Fail(fmt.Sprintf("component %s is nil", name))
		}
	}
	result.Detail("components", len(components))
	return result
}

// runtimeProbe checks that the monotonic clock advances, the hash
// primitive produces a correctly-sized digest and the persistence API is
// reachable.
func (c *Checker) runtimeProbe() error {
	before := c.clk.Monotonic()
	if sum := sha256.Sum256([]byte("posguard-probe")); len(sum) != sha256.Size {
		return fmt.Errorf("%w: sha256 digest size %d", ErrCryptoUnavailable, len(sum))
	}
	if c.clk.Monotonic() < before {
		return errors.New("monotonic clock moved backward")
	}
	if _, err := c.store.Keys(); err != nil {
		return fmt.Errorf("persistence API unreachable: %w", err)
	}
	return nil
}

// allocationProbe allocates a bounded buffer and verifies its shape.
func (c *Checker) allocationProbe() bool {
	buf := make([]byte, allocProbeSize)
	buf[0], buf[len(buf)-1] = 0xA5, 0x5A
	return len(buf) == allocProbeSize && buf[0] == 0xA5 && buf[len(buf)-1] == 0x5A
}

// livenessProbe schedules a deferred callback and confirms it fires.
func (c *Checker) livenessProbe(ctx context.Context) error {
	fired := make(chan struct{})
	timer := time.AfterFunc(time.Millisecond, func() { close(fired) })
	defer timer.Stop()

	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(livenessTimeout):
		return ErrScheduleTimeout
	}
}
