// Package lockdown implements the defensive state machine entered when
// trust collapses: critical records are re-encrypted under a freshly
// derived lockdown key and moved to shadow keys, and normal operation
// resumes only through an explicit recovery challenge. Lockdown is a
// speed-bump against casual tampering, not a root-of-trust.
package lockdown

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"posguard/internal/config"
	"posguard/internal/fingerprint"
	"posguard/internal/shared/clock"
	"posguard/internal/shared/ring"
	"posguard/internal/store"
	"posguard/pkg/contracts/domain"
)

// Lockdown phases. RECOVERING is a transient sub-step of the recovery
// operation, never persisted.
const (
	PhaseNormal = "NORMAL"
	PhaseLocked = "LOCKED"
)

// lockdownSalt seasons the lockdown key derivation.
var lockdownSalt = []byte("posguard-lockdown-salt-v1")

// criticalKeys are re-encrypted under the lockdown key on trigger and
// restored on successful recovery. The device id stays in place: the
// lockdown key is bound to the fingerprint, so the fingerprint's inputs
// must remain derivable while locked.
var criticalKeys = []string{
	store.KeyTimeAnchor,
	store.KeyUsagePatterns,
	store.KeyFingerprint,
	store.KeySystemIntegrity,
}

// State is the persisted lockdown singleton. Transitions are the only
// mutation path.
type State struct {
	Phase                      string             `json:"phase"`
	Reason                     string             `json:"reason"`
	Severity                   string             `json:"severity"`
	TriggeredAt                time.Time          `json:"triggered_at"`
	Challenge                  *RecoveryChallenge `json:"recovery_challenge"`
	RequiresManualIntervention bool               `json:"requires_manual_intervention"`

	// Key-derivation material needed to re-derive the lockdown key at
	// recovery time. The key itself is never persisted; its hash lives
	// under lockdown_key_hash for verification.
	KeyNonce     []byte `json:"key_nonce"`
	AnchorDigest []byte `json:"anchor_digest"`
}

// SecurityEvent is one append-only audit log entry. The log is bounded to
// the newest entries via the shared ring buffer.
type SecurityEvent struct {
	Type      string         `json:"type"`
	Reason    string         `json:"reason"`
	Severity  string         `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Controller drives the lockdown state machine.
type Controller struct {
	store  *store.SecureStore
	fp     *fingerprint.Engine
	clk    clock.Clock
	cfg    config.LockdownConfig
	logger *slog.Logger
	policy ChallengePolicy

	mu             sync.Mutex
	locked         bool
	failedAttempts []time.Time
	limiter        *rate.Limiter
}

// New returns a lockdown controller. A nil policy falls back to the
// built-in support-code bank.
func New(st *store.SecureStore, fp *fingerprint.Engine, clk clock.Clock, cfg config.LockdownConfig, policy ChallengePolicy, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Controller{
		store:   st,
		fp:      fp,
		clk:     clk,
		cfg:     cfg,
		policy:  policy,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(10*time.Second), 3),
	}
}

// Trigger transitions NORMAL → LOCKED: logs a security event, re-encrypts
// the critical records under a freshly derived lockdown key, issues a
// recovery challenge and persists the lockdown state. Triggering while
// already locked only records the event.
func (c *Controller) Trigger(ctx context.Context, reason, severity string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lockedLocked(ctx) {
		c.logEvent(ctx, "lockdown_retrigger", reason, severity, nil)
		return nil
	}

	now := c.clk.Now()
	c.logEvent(ctx, "lockdown_triggered", reason, severity, nil)
	c.logger.WarnContext(ctx, "entering lockdown",
		slog.String("reason", reason),
		slog.String("severity", severity),
	)

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("lockdown nonce generation: %w", err)
	}
	anchorDigest := c.anchorDigest()

	key, err := c.deriveKey(ctx, nonce, anchorDigest)
	if err != nil {
		return err
	}

	// Shadow each critical record: write the re-encrypted copy first,
	// delete the original second, so a crash between the two leaves a
	// recoverable copy either way.
	for _, name := range criticalKeys {
		plaintext, err := c.store.Get(name)
		if errors.Is(err, store.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			// Unreadable record: leave it in place rather than destroy
			// the only copy.
			c.logger.WarnContext(ctx, "skipping unreadable record during lockdown",
				slog.String("key", name), slog.String("error", err.Error()))
			continue
		}
		blob, err := store.EncryptWithKey(key, plaintext)
		if err != nil {
			return err
		}
		if err := c.store.SetRaw(name+store.LockedSuffix, blob); err != nil {
			return err
		}
		if err := c.store.Remove(name); err != nil {
			return err
		}
	}

	keyHash := sha256.Sum256(key)
	if err := c.store.Set(store.KeyLockdownKeyHash, []byte(hex.EncodeToString(keyHash[:]))); err != nil {
		return err
	}

	question, answerHash := c.policy.Issue()
	state := State{
		Phase:       PhaseLocked,
		Reason:      reason,
		Severity:    severity,
		TriggeredAt: now,
		Challenge: &RecoveryChallenge{
			ID:                 uuid.NewString(),
			Question:           question,
			ExpectedAnswerHash: answerHash,
			CreatedAt:          now,
			ExpiresAt:          now.Add(c.cfg.ChallengeTTL),
		},
		RequiresManualIntervention: true,
		KeyNonce:                   nonce,
		AnchorDigest:               anchorDigest,
	}
	if err := c.persistState(&state); err != nil {
		return err
	}

	c.locked = true
	return nil
}

// IsLocked reports whether the engine is in lockdown. A persisted state
// that fails to decrypt counts as locked: fail closed, never open.
func (c *Controller) IsLocked(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lockedLocked(ctx)
}

func (c *Controller) lockedLocked(ctx context.Context) bool {
	if c.locked {
		return true
	}

	state, err := c.loadState()
	switch {
	case errors.Is(err, store.ErrKeyNotFound):
		return false
	case err != nil:
		c.logger.WarnContext(ctx, "lockdown state unreadable, failing closed",
			slog.String("error", err.Error()))
		c.locked = true
		return true
	}

	if state.Phase == PhaseLocked {
		c.locked = true
		return true
	}
	return false
}

// Challenge returns the active recovery challenge, if any.
func (c *Controller) Challenge(ctx context.Context) (*RecoveryChallenge, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.loadState()
	if err != nil {
		return nil, err
	}
	if state.Challenge == nil {
		return nil, errors.New("lockdown: no active challenge")
	}
	challenge := *state.Challenge
	return &challenge, nil
}

// AttemptRecovery verifies a challenge answer. On success the shadow
// records are restored and the lockdown state cleared; repeated failure
// hardens the lockdown instead of clearing it.
func (c *Controller) AttemptRecovery(ctx context.Context, challengeID, answer string) (*domain.RecoveryResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.limiter.Allow() {
		return &domain.RecoveryResult{Success: false, Reason: "too many recovery attempts"}, nil
	}

	state, err := c.loadState()
	switch {
	case errors.Is(err, store.ErrKeyNotFound):
		return &domain.RecoveryResult{Success: false, Reason: "no active lockdown"}, nil
	case err != nil:
		return nil, err
	}

	if state.Challenge == nil || state.Challenge.ID != challengeID {
		c.recordFailure(ctx, state, "unknown_challenge")
		return &domain.RecoveryResult{Success: false, Reason: "unknown recovery challenge"}, nil
	}
	if c.clk.Now().After(state.Challenge.ExpiresAt) {
		return &domain.RecoveryResult{Success: false, Reason: "recovery challenge expired"}, nil
	}

	if !store.SecureCompare([]byte(HashAnswer(answer)), []byte(state.Challenge.ExpectedAnswerHash)) {
		c.recordFailure(ctx, state, "wrong_answer")
		return &domain.RecoveryResult{Success: false, Reason: "incorrect answer"}, nil
	}

	key, err := c.deriveKey(ctx, state.KeyNonce, state.AnchorDigest)
	if err != nil {
		return nil, err
	}
	if !c.verifyKeyHash(key) {
		// The fingerprint feeding the derivation changed: this is not the
		// device that entered lockdown.
		c.logEvent(ctx, "recovery_rejected", "lockdown_key_mismatch", "critical", nil)
		return &domain.RecoveryResult{Success: false, Reason: "lockdown key verification failed"}, nil
	}

	for _, name := range criticalKeys {
		if err := c.restoreKey(ctx, key, name); err != nil {
			return nil, err
		}
	}

	if err := c.store.Remove(store.KeyLockdownKeyHash); err != nil {
		return nil, err
	}
	if err := c.store.Remove(store.KeyLockdownState); err != nil {
		return nil, err
	}

	c.locked = false
	c.failedAttempts = nil
	c.logEvent(ctx, "lockdown_recovered", state.Reason, state.Severity, map[string]any{
		"challenge_id": challengeID,
	})
	c.logger.InfoContext(ctx, "lockdown recovered",
		slog.String("challenge_id", challengeID))

	return &domain.RecoveryResult{Success: true}, nil
}

// Reset clears the in-memory lockdown flags. Used by the engine's
// security-state reset after the store itself has been wiped.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked = false
	c.failedAttempts = nil
}

// SecurityEvents returns a copy of the persisted audit log, oldest first.
func (c *Controller) SecurityEvents(ctx context.Context) []SecurityEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadEvents().Items()
}

// restoreKey moves one shadow record back to its original key. It
// tolerates finding both, one or neither copy and reconciles in favor of
// the shadow copy, which is the authoritative one while locked.
func (c *Controller) restoreKey(ctx context.Context, key []byte, name string) error {
	shadow, err := c.store.GetRaw(name + store.LockedSuffix)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	plaintext, err := store.DecryptWithKey(key, shadow)
	if err != nil {
		// Undecryptable shadow: keep it for forensics rather than drop
		// the only remaining copy.
		c.logger.ErrorContext(ctx, "shadow record undecryptable during recovery",
			slog.String("key", name), slog.String("error", err.Error()))
		return nil
	}

	if err := c.store.Set(name, plaintext); err != nil {
		return err
	}
	return c.store.Remove(name + store.LockedSuffix)
}

// recordFailure logs a failed attempt and hardens the lockdown when the
// failure budget inside the window is exhausted.
func (c *Controller) recordFailure(ctx context.Context, state *State, kind string) {
	now := c.clk.Now()
	cutoff := now.Add(-c.cfg.FailureWindow)
	kept := c.failedAttempts[:0]
	for _, at := range c.failedAttempts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	c.failedAttempts = append(kept, now)

	c.logEvent(ctx, "recovery_failed", kind, "medium", map[string]any{
		"failures_in_window": len(c.failedAttempts),
	})

	if len(c.failedAttempts) < c.cfg.MaxRecoveryFailures {
		return
	}

	// Repeated failure never clears a lockdown; it hardens it with an
	// elevated severity and a fresh challenge window.
	question, answerHash := c.policy.Issue()
	state.Severity = "critical"
	state.Challenge = &RecoveryChallenge{
		ID:                 uuid.NewString(),
		Question:           question,
		ExpectedAnswerHash: answerHash,
		CreatedAt:          now,
		ExpiresAt:          now.Add(c.cfg.ChallengeTTL),
	}
	if err := c.persistState(state); err != nil {
		c.logger.ErrorContext(ctx, "failed to persist hardened lockdown",
			slog.String("error", err.Error()))
	}
	c.logEvent(ctx, "lockdown_hardened", "repeated_recovery_failures", "critical", nil)
	c.failedAttempts = nil
}

func (c *Controller) deriveKey(ctx context.Context, nonce, anchorDigest []byte) ([]byte, error) {
	fpHash, err := c.fp.CombinedHash(ctx)
	if err != nil {
		return nil, fmt.Errorf("lockdown key derivation: %w", err)
	}
	material := append([]byte(fpHash), anchorDigest...)
	material = append(material, nonce...)
	return store.DeriveKey(material, lockdownSalt)
}

func (c *Controller) verifyKeyHash(key []byte) bool {
	stored, err := c.store.Get(store.KeyLockdownKeyHash)
	if err != nil {
		return false
	}
	keyHash := sha256.Sum256(key)
	return store.SecureCompare(stored, []byte(hex.EncodeToString(keyHash[:])))
}

// anchorDigest hashes the raw persisted time anchor so the lockdown key
// is bound to the anchor that existed at trigger time.
func (c *Controller) anchorDigest() []byte {
	raw, err := c.store.GetRaw(store.KeyTimeAnchor)
	if err != nil {
		raw = []byte(c.clk.Now().UTC().Format(time.RFC3339Nano))
	}
	sum := sha256.Sum256(raw)
	return sum[:]
}

func (c *Controller) loadState() (*State, error) {
	data, err := c.store.Get(store.KeyLockdownState)
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: lockdown state: %v", store.ErrDecryptFailure, err)
	}
	return &state, nil
}

func (c *Controller) persistState(state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return c.store.Set(store.KeyLockdownState, data)
}

// logEvent appends to the bounded security-event audit log.
func (c *Controller) logEvent(ctx context.Context, eventType, reason, severity string, payload map[string]any) {
	events := c.loadEvents()
	events.Push(SecurityEvent{
		Type:      eventType,
		Reason:    reason,
		Severity:  severity,
		Timestamp: c.clk.Now(),
		Payload:   payload,
	})

	data, err := json.Marshal(events.Items())
	if err == nil {
		err = c.store.Set(store.KeySecurityEvents, data)
	}
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to persist security event",
			slog.String("type", eventType), slog.String("error", err.Error()))
	}
}

func (c *Controller) loadEvents() *ring.Buffer[SecurityEvent] {
	data, err := c.store.Get(store.KeySecurityEvents)
	if err != nil {
		return ring.New[SecurityEvent](c.cfg.EventLogSize)
	}
	var events []SecurityEvent
	if json.Unmarshal(data, &events) != nil {
		return ring.New[SecurityEvent](c.cfg.EventLogSize)
	}
	return ring.FromSlice(c.cfg.EventLogSize, events)
}
