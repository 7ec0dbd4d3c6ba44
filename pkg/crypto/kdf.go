// Package crypto implements the key derivation and framing primitives for
// the pairing protocol: HKDF-SHA256 purpose-label derivation, HMAC-SHA256,
// AES-256-GCM framing and constant-time comparison.
package crypto

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key material sizes.
const (
	// MasterSecretSize is the length of the root secret carried in the QR
	// payload (CRYPTO_MASTER_SECRET_LENGTH_BYTES).
	MasterSecretSize = 32

	// DerivedKeySize is the length of every purpose-derived key.
	DerivedKeySize = 32

	// SHA256Size is the output length of SHA-256 and HMAC-SHA256.
	SHA256Size = 32
)

// Purpose labels for key derivation. Labels are disjoint so keys derived
// from the same master secret are cryptographically independent.
const (
	PurposeAuth    = "auth"
	PurposeEncrypt = "encrypt"
	PurposeNtfy    = "ntfy"
	PurposeSession = "session"
)

// ErrInvalidSecretSize is returned when the input secret is not 32 bytes.
var ErrInvalidSecretSize = errors.New("crypto: master secret must be 32 bytes")

// hkdfSalt is the fixed extract salt: 32 zero bytes. Both peers must use
// the same salt so derivation stays deterministic across reconnections.
var hkdfSalt = make([]byte, SHA256Size)

// DeriveKey derives a 32-byte purpose-specific key from the master secret
// using HKDF-SHA256 (RFC 5869) with the purpose label as info.
//
// Derivation is deterministic: the same secret and purpose always yield
// the same key, which is what allows reconnection without re-pairing.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	if len(secret) != MasterSecretSize {
		return nil, ErrInvalidSecretSize
	}

	reader := hkdf.New(sha256.New, secret, hkdfSalt, []byte(purpose))
	key := make([]byte, DerivedKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
