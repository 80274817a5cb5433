package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/scrypt"
)

// KDF parameters for wrapping the data key (OWASP recommended minimums).
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32

	gcmNonceSize = 12
)

// appSecret seasons the scrypt derivation of the key-wrapping key. It is
// compiled into the binary; this is a speed-bump against casual storage
// edits, not a root-of-trust.
var appSecret = []byte("posguard-store-wrap-v1")

// encryptedPayload is the on-disk envelope for every encrypted value.
type encryptedPayload struct {
	Version    uint8  `json:"version"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Integrity  []byte `json:"integrity"`
	Timestamp  int64  `json:"timestamp"`
}

// wrappedKey is the envelope for the persisted data key, which is wrapped
// with a scrypt-derived key rather than stored raw.
type wrappedKey struct {
	Version uint8  `json:"version"`
	Salt    []byte `json:"salt"`
	Nonce   []byte `json:"nonce"`
	Wrapped []byte `json:"wrapped"`
}

// DeriveKey runs the store's scrypt KDF over the given material and salt.
// The lockdown controller reuses it for lockdown-key derivation so both
// paths share the same (deliberately slow) parameters.
func DeriveKey(material, salt []byte) ([]byte, error) {
	key, err := scrypt.Key(material, salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("%w: key derivation: %v", ErrCryptoUnavailable, err)
	}
	return key, nil
}

// EncryptWithKey seals plaintext under the given 32-byte key using
// AES-256-GCM and returns a self-contained JSON envelope.
func EncryptWithKey(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce generation: %v", ErrCryptoUnavailable, err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	payload := encryptedPayload{
		Version:    1,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		Integrity:  integrityHash(ciphertext, nonce),
		Timestamp:  time.Now().Unix(),
	}
	return json.Marshal(payload)
}

// DecryptWithKey opens an envelope produced by EncryptWithKey. Any
// malformed envelope, integrity mismatch or authentication failure is
// reported as ErrDecryptFailure.
func DecryptWithKey(key, data []byte) ([]byte, error) {
	var payload encryptedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrDecryptFailure, err)
	}
	if payload.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", ErrDecryptFailure, payload.Version)
	}

	expected := integrityHash(payload.Ciphertext, payload.Nonce)
	if subtle.ConstantTimeCompare(payload.Integrity, expected) != 1 {
		return nil, fmt.Errorf("%w: integrity mismatch", ErrDecryptFailure)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, payload.Nonce, payload.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailure, err)
	}
	return plaintext, nil
}

// SecureCompare performs constant-time comparison to prevent timing attacks.
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	return gcm, nil
}

func integrityHash(ciphertext, nonce []byte) []byte {
	h := sha256.New()
	h.Write([]byte("POSGUARD-INTEGRITY-V1"))
	h.Write(ciphertext)
	h.Write(nonce)
	return h.Sum(nil)
}

func wrapDataKey(dataKey []byte) ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: salt generation: %v", ErrCryptoUnavailable, err)
	}

	kek, err := DeriveKey(appSecret, salt)
	if err != nil {
		return nil, err
	}
	defer wipe(kek)

	gcm, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce generation: %v", ErrCryptoUnavailable, err)
	}

	wrapped := wrappedKey{
		Version: 1,
		Salt:    salt,
		Nonce:   nonce,
		Wrapped: gcm.Seal(nil, nonce, dataKey, nil),
	}
	return json.Marshal(wrapped)
}

func unwrapDataKey(data []byte) ([]byte, error) {
	var wrapped wrappedKey
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: malformed key envelope: %v", ErrDecryptFailure, err)
	}
	if wrapped.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported key envelope version %d", ErrDecryptFailure, wrapped.Version)
	}

	kek, err := DeriveKey(appSecret, wrapped.Salt)
	if err != nil {
		return nil, err
	}
	defer wipe(kek)

	gcm, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	dataKey, err := gcm.Open(nil, wrapped.Nonce, wrapped.Wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: key unwrap: %v", ErrDecryptFailure, err)
	}
	return dataKey, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
