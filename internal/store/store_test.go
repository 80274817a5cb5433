package store

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SecureStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(NewMemoryBackend(), logger)
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Set("license_state", []byte(`{"status":"active"}`)))

	got, err := s.Get("license_state")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"status":"active"}`), got)
}

func TestGetAbsentKeyReturnsNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestValuesAreEncryptedAtRest(t *testing.T) {
	backend := NewMemoryBackend()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(backend, logger)

	require.NoError(t, s.Set("secret", []byte("plaintext-value")))

	raw, err := backend.Read("secret")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "plaintext-value")
}

func TestTamperedValueFailsClosed(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("anchor", []byte("data")))

	// Simulate a direct storage edit.
	require.NoError(t, s.SetRaw("anchor", []byte("not an envelope")))

	_, err := s.Get("anchor")
	assert.ErrorIs(t, err, ErrDecryptFailure)
}

func TestRemoveAbsentKeyIsNoError(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Remove("never-written"))
}

func TestResetWipesEverythingIncludingDataKey(t *testing.T) {
	backend := NewMemoryBackend()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(backend, logger)
	require.NoError(t, s.Set("a", []byte("1")))
	require.NoError(t, s.Set("b", []byte("2")))

	require.NoError(t, s.Reset())

	keys, err := backend.List()
	require.NoError(t, err)
	assert.Empty(t, keys)

	// The store must come back up with a fresh data key.
	require.NoError(t, s.Set("c", []byte("3")))
	got, err := s.Get("c")
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), got)
}

func TestDataKeySurvivesStoreRestart(t *testing.T) {
	backend := NewMemoryBackend()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	first := New(backend, logger)
	require.NoError(t, first.Set("device_state", []byte("bound")))

	// A second store over the same backend must unwrap the same key.
	second := New(backend, logger)
	got, err := second.Get("device_state")
	require.NoError(t, err)
	assert.Equal(t, []byte("bound"), got)
}

func TestEncryptDecryptWithKey(t *testing.T) {
	key, err := DeriveKey([]byte("material"), []byte("salt"))
	require.NoError(t, err)

	blob, err := EncryptWithKey(key, []byte("shadow record"))
	require.NoError(t, err)

	plain, err := DecryptWithKey(key, blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("shadow record"), plain)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	key, err := DeriveKey([]byte("material"), []byte("salt"))
	require.NoError(t, err)
	other, err := DeriveKey([]byte("different"), []byte("salt"))
	require.NoError(t, err)

	blob, err := EncryptWithKey(key, []byte("shadow record"))
	require.NoError(t, err)

	_, err = DecryptWithKey(other, blob)
	assert.ErrorIs(t, err, ErrDecryptFailure)
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	key, err := DeriveKey([]byte("material"), []byte("salt"))
	require.NoError(t, err)

	blob, err := EncryptWithKey(key, []byte("shadow record"))
	require.NoError(t, err)
	blob[len(blob)/2] ^= 0xFF

	_, err = DecryptWithKey(key, blob)
	assert.ErrorIs(t, err, ErrDecryptFailure)
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, SecureCompare([]byte("abc"), []byte("abc")))
	assert.False(t, SecureCompare([]byte("abc"), []byte("abd")))
	assert.False(t, SecureCompare([]byte("abc"), []byte("abcd")))
}

func TestFileBackendRoundTrip(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, backend.Write("time_anchor", []byte("blob")))

	got, err := backend.Read("time_anchor")
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), got)

	keys, err := backend.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"time_anchor"}, keys)

	require.NoError(t, backend.Delete("time_anchor"))
	_, err = backend.Read("time_anchor")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestFileBackendSanitizesHostileKeys(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir)
	require.NoError(t, err)

	require.NoError(t, backend.Write("../escape", []byte("x")))

	keys, err := backend.List()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotContains(t, keys[0], "/")
}
