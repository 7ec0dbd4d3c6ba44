package payload

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/hostbridge/ras/pkg/crypto"
)

// Version is the payload format version this codec produces. Parsing
// rejects any other major version; there is no cross-version
// compatibility for the trust anchor.
const Version = 1

// Parse error taxonomy. Parsing is pure and total: any input maps to a
// payload or to exactly one of these sentinels (possibly wrapped with
// positional detail).
var (
	// ErrInvalidEncoding covers a missing prefix or undecodable Base38 body.
	ErrInvalidEncoding = errors.New("payload: invalid encoding")

	// ErrMalformedStructure covers a truncated header or TLV tail.
	ErrMalformedStructure = errors.New("payload: malformed structure")

	// ErrUnsupportedVersion is returned for any version other than 1.
	ErrUnsupportedVersion = errors.New("payload: unsupported version")

	// ErrMissingField is returned when the secret is absent or a hint
	// pair (host/port) is incomplete.
	ErrMissingField = errors.New("payload: missing required field")

	// ErrInvalidSecretLength is returned when the secret element is not
	// exactly 32 bytes.
	ErrInvalidSecretLength = errors.New("payload: master secret must be 32 bytes")

	// ErrInvalidPort is returned for a port element that is not a 16-bit
	// non-zero value.
	ErrInvalidPort = errors.New("payload: invalid port")
)

// ConnectionHints are the optional addressing hints a host embeds in its
// QR payload so the client can skip discovery.
type ConnectionHints struct {
	// Host is the host's reachable address on the local network.
	Host string

	// Port is the signaling port on Host. Non-zero iff Host is set.
	Port uint16

	// VPNHost is the host's address on a VPN/overlay network, if any.
	VPNHost string

	// VPNPort is the signaling port on VPNHost. Zero means "same as Port".
	VPNPort uint16

	// HostName is a display name for the host. Informational only.
	HostName string
}

// IsZero reports whether no hint fields are set.
func (h ConnectionHints) IsZero() bool {
	return h == ConnectionHints{}
}

// Payload is the decoded QR trust-bootstrap payload. It is consumed
// exactly once: after pairing only derived artifacts are persisted,
// never the payload itself.
type Payload struct {
	// Version is the payload format version.
	Version uint8

	// MasterSecret is the 32-byte root of trust for this pairing.
	MasterSecret []byte

	// Hints carries optional connection hints.
	Hints ConnectionHints
}

// Equal reports structural equality. Used by round-trip tests; the
// secret comparison is not authentication-relevant here, but uses
// constant time anyway since the material is secret.
func (p *Payload) Equal(o *Payload) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.Version == o.Version &&
		crypto.ConstantTimeEqual(p.MasterSecret, o.MasterSecret) &&
		p.Hints == o.Hints
}

// Validate checks the payload for encoding.
func (p *Payload) Validate() error {
	if p.Version != Version {
		return ErrUnsupportedVersion
	}
	if len(p.MasterSecret) == 0 {
		return ErrMissingField
	}
	if len(p.MasterSecret) != crypto.MasterSecretSize {
		return ErrInvalidSecretLength
	}
	if bytes.Equal(p.MasterSecret, make([]byte, crypto.MasterSecretSize)) {
		return fmt.Errorf("%w: all-zero master secret", ErrMissingField)
	}
	if (p.Hints.Host == "") != (p.Hints.Port == 0) {
		return fmt.Errorf("%w: host and port hints must be set together", ErrMissingField)
	}
	if p.Hints.VPNHost == "" && p.Hints.VPNPort != 0 {
		return fmt.Errorf("%w: vpn port hint without vpn host", ErrMissingField)
	}
	for _, s := range []string{p.Hints.Host, p.Hints.VPNHost, p.Hints.HostName} {
		if len(s) > 255 {
			return fmt.Errorf("%w: hint exceeds element size", ErrMalformedStructure)
		}
	}
	return nil
}
