package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
)

// HMACSHA256 computes the HMAC-SHA256 of a message using the given key.
//
// Returns a 32-byte (256-bit) MAC.
func HMACSHA256(key, message []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(message)
	return h.Sum(nil)
}

// ConstantTimeEqual compares two byte slices in constant time.
// It must be used for every comparison of secret-derived material
// (handshake proofs, MACs) to avoid timing side channels.
//
// Slices of different lengths compare unequal, but the comparison still
// runs over the full shorter length so the mismatch position is not
// observable.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		// Burn through a full comparison anyway so a length probe costs
		// the same as a content probe.
		subtle.ConstantTimeCompare(a, a)
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
