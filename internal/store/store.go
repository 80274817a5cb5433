// Package store implements the SecureStore: an encrypted key/value layer
// over durable storage. Every value is AES-256-GCM encrypted with a data
// key that is lazily generated on first use and persisted, scrypt-wrapped,
// under a reserved key. Decrypt failures surface as ErrDecryptFailure and
// callers must treat them as "absent/untrusted", never as a crash.
package store

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Reserved persistence keys. All values are opaque encrypted blobs.
const (
	KeyEncryptionKey   = "encryption_key"
	KeyDeviceID        = "device_id"
	KeyTimeAnchor      = "time_anchor"
	KeyUsagePatterns   = "usage_patterns"
	KeyFingerprint     = "enhanced_fingerprint"
	KeySystemIntegrity = "system_integrity"
	KeySecurityEvents  = "security_events"
	KeyLockdownState   = "lockdown_state"
	KeyLockdownKeyHash = "lockdown_key_hash"

	// LockedSuffix marks the shadow copy of a critical key during lockdown.
	LockedSuffix = "_locked"
)

// Error taxonomy for the persistence layer.
var (
	// ErrStorageFailure reports a failed read/write/delete on the backend.
	ErrStorageFailure = errors.New("store: storage failure")
	// ErrDecryptFailure reports ciphertext that is present but cannot be
	// authenticated. Fail-closed consumers treat it as tampering.
	ErrDecryptFailure = errors.New("store: decrypt failure")
	// ErrCryptoUnavailable reports a missing or broken crypto primitive.
	ErrCryptoUnavailable = errors.New("store: crypto unavailable")
)

// SecureStore transparently encrypts values before they reach the backend.
type SecureStore struct {
	backend Backend
	logger  *slog.Logger

	mu      sync.Mutex
	dataKey []byte
}

// New returns a SecureStore over the given backend. The data key is not
// touched until the first operation that needs it.
func New(backend Backend, logger *slog.Logger) *SecureStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SecureStore{backend: backend, logger: logger}
}

// Get decrypts and returns the value stored under key. Absent keys return
// ErrKeyNotFound; undecryptable values return ErrDecryptFailure.
func (s *SecureStore) Get(key string) ([]byte, error) {
	data, err := s.backend.Read(key)
	if err != nil {
		return nil, err
	}

	dataKey, err := s.loadDataKey()
	if err != nil {
		return nil, err
	}

	plaintext, err := DecryptWithKey(dataKey, data)
	if err != nil {
		s.logger.Warn("secure store decrypt failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return plaintext, nil
}

// Set encrypts value and writes it under key.
func (s *SecureStore) Set(key string, value []byte) error {
	dataKey, err := s.loadDataKey()
	if err != nil {
		return err
	}

	blob, err := EncryptWithKey(dataKey, value)
	if err != nil {
		return err
	}
	return s.backend.Write(key, blob)
}

// Remove deletes the value stored under key. Removing an absent key is
// not an error.
func (s *SecureStore) Remove(key string) error {
	return s.backend.Delete(key)
}

// GetRaw reads the backend value without decryption. Lockdown shadow
// copies are stored raw because they are encrypted under the lockdown key,
// not the store data key.
func (s *SecureStore) GetRaw(key string) ([]byte, error) {
	return s.backend.Read(key)
}

// SetRaw writes a backend value without store encryption.
func (s *SecureStore) SetRaw(key string, value []byte) error {
	return s.backend.Write(key, value)
}

// Keys enumerates the backend keys.
func (s *SecureStore) Keys() ([]string, error) {
	return s.backend.List()
}

// Reset deletes every persisted key, including the data key, and forgets
// the in-memory key so the next operation starts from scratch.
func (s *SecureStore) Reset() error {
	keys, err := s.backend.List()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.backend.Delete(key); err != nil {
			return err
		}
	}

	s.mu.Lock()
	wipe(s.dataKey)
	s.dataKey = nil
	s.mu.Unlock()

	s.logger.Info("secure store reset", slog.Int("keys_removed", len(keys)))
	return nil
}

// loadDataKey returns the data key, unwrapping the persisted copy or
// generating a fresh one on first use.
func (s *SecureStore) loadDataKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dataKey != nil {
		return s.dataKey, nil
	}

	stored, err := s.backend.Read(KeyEncryptionKey)
	switch {
	case err == nil:
		dataKey, err := unwrapDataKey(stored)
		if err != nil {
			return nil, err
		}
		s.dataKey = dataKey
		return s.dataKey, nil

	case errors.Is(err, ErrKeyNotFound):
		dataKey := make([]byte, scryptKeyLen)
		if _, err := rand.Read(dataKey); err != nil {
			return nil, fmt.Errorf("%w: data key generation: %v", ErrCryptoUnavailable, err)
		}
		wrapped, err := wrapDataKey(dataKey)
		if err != nil {
			return nil, err
		}
		// Persist before first use so a crash here cannot strand data
		// encrypted under a key that was never written.
		if err := s.backend.Write(KeyEncryptionKey, wrapped); err != nil {
			return nil, err
		}
		s.dataKey = dataKey
		s.logger.Info("secure store data key generated")
		return s.dataKey, nil

	default:
		return nil, err
	}
}
