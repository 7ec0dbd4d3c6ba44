package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

// AEAD framing constants. The wire format is nonce || ciphertext || tag,
// produced by AES-256-GCM.
const (
	// AEADNonceSize is the GCM nonce length.
	AEADNonceSize = 12

	// AEADTagSize is the GCM authentication tag length.
	AEADTagSize = 16

	// AEADOverhead is the minimum valid blob length (empty plaintext).
	AEADOverhead = AEADNonceSize + AEADTagSize
)

// AEAD errors.
var (
	// ErrAuthenticationFailed is returned when a blob is too short or its
	// tag does not verify. Decryption never reports which.
	ErrAuthenticationFailed = errors.New("crypto: aead authentication failed")

	// ErrInvalidKeySize is returned when the AEAD key is not 32 bytes.
	ErrInvalidKeySize = errors.New("crypto: aead key must be 32 bytes")
)

// AEADEncode encrypts plaintext with AES-256-GCM under key and returns
// nonce || ciphertext || tag.
//
// A fresh random 12-byte nonce is generated per call from the given
// source (nil means the system source). Nonce reuse under the same key
// breaks GCM completely, so callers must never cache or replay blobs as
// templates for new messages.
func AEADEncode(key, plaintext []byte, random RandomSource) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if random == nil {
		random = SystemRandom
	}
	nonce, err := random.Bytes(AEADNonceSize)
	if err != nil {
		return nil, err
	}

	// Seal appends ciphertext||tag after the nonce prefix.
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// AEADDecode authenticates and decrypts a nonce || ciphertext || tag blob
// produced by AEADEncode. It returns ErrAuthenticationFailed for anything
// malformed or tampered with, without leaking partial plaintext.
func AEADDecode(key, blob []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(blob) < AEADOverhead {
		return nil, ErrAuthenticationFailed
	}

	nonce := blob[:AEADNonceSize]
	plaintext, err := aead.Open(nil, nonce, blob[AEADNonceSize:], nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != DerivedKeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
