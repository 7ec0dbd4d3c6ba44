// Package session holds the per-pairing key schedule, the persisted
// device records and the connection-ownership token.
package session

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/hostbridge/ras/pkg/crypto"
)

// SessionIDSize is the number of key bytes used for the session
// identifier (hex-encoded to twice as many characters).
const SessionIDSize = 12

// NtfyTopicPrefix prefixes the notification topic name. The topic is
// public; secrecy comes from payload encryption, not topic obscurity.
const NtfyTopicPrefix = "ras-"

// Keys is the full derived key schedule for one pairing. All four keys
// come from the same master secret under disjoint purpose labels, so
// they are mutually independent.
type Keys struct {
	// Auth keys the pairing handshake proofs and signaling signatures.
	Auth []byte

	// Encrypt keys application-level payloads on the control channel.
	Encrypt []byte

	// Ntfy keys the out-of-band IP-change notifications.
	Ntfy []byte

	// Session seeds the shared session identifier. Never sent on the wire.
	Session []byte

	sessionID string
}

// DeriveKeys derives the key schedule from a 32-byte master secret.
// Derivation is deterministic, so both peers and every reconnection
// arrive at the same schedule without negotiation.
func DeriveKeys(secret []byte) (*Keys, error) {
	k := &Keys{}
	for _, d := range []struct {
		purpose string
		dst     *[]byte
	}{
		{crypto.PurposeAuth, &k.Auth},
		{crypto.PurposeEncrypt, &k.Encrypt},
		{crypto.PurposeNtfy, &k.Ntfy},
		{crypto.PurposeSession, &k.Session},
	} {
		key, err := crypto.DeriveKey(secret, d.purpose)
		if err != nil {
			return nil, err
		}
		*d.dst = key
	}
	k.sessionID = hex.EncodeToString(k.Session[:SessionIDSize])
	return k, nil
}

// SessionID returns the stable per-pairing identifier shared by both
// peers: the first 12 bytes of the session key, hex-encoded.
func (k *Keys) SessionID() string {
	return k.sessionID
}

// NtfyTopic returns the notification topic for a master secret:
// "ras-" plus the first 6 hex characters of SHA-256(secret).
func NtfyTopic(secret []byte) string {
	sum := sha256.Sum256(secret)
	return NtfyTopicPrefix + hex.EncodeToString(sum[:])[:6]
}
