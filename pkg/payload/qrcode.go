package payload

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/hostbridge/ras/pkg/crypto"
)

// Prefix marks a RAS trust-bootstrap QR code.
const Prefix = "RAS:"

// TLV tags for the payload body. One-byte tag, one-byte length, value.
// Unknown tags are skipped on parse for forward compatibility.
const (
	tagHost     uint8 = 0x00 // UTF-8 address
	tagPort     uint8 = 0x01 // uint16 big-endian
	tagVPNHost  uint8 = 0x02 // UTF-8 address
	tagVPNPort  uint8 = 0x03 // uint16 big-endian
	tagHostName uint8 = 0x04 // UTF-8 display name
	tagSecret   uint8 = 0x10 // 32-byte master secret, required
)

// headerSize is the fixed part preceding the TLV elements: version and
// flags. All flag bits are reserved and must be zero when producing;
// they are ignored when consuming.
const headerSize = 2

// Parse decodes a scanned QR string into a Payload.
//
// Parse is pure and total: it never panics for arbitrary input and
// reports failures through the package's error taxonomy.
func Parse(raw string) (*Payload, error) {
	body, ok := strings.CutPrefix(strings.TrimSpace(raw), Prefix)
	if !ok || body == "" {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidEncoding, Prefix)
	}

	data, err := base38Decode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: truncated header", ErrMalformedStructure)
	}

	p := &Payload{Version: data[0]}
	if p.Version != Version {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, p.Version)
	}

	if err := parseElements(p, data[headerSize:]); err != nil {
		return nil, err
	}
	if p.MasterSecret == nil {
		return nil, fmt.Errorf("%w: no master secret element", ErrMissingField)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func parseElements(p *Payload, data []byte) error {
	for len(data) > 0 {
		if len(data) < 2 {
			return fmt.Errorf("%w: truncated element header", ErrMalformedStructure)
		}
		tag, length := data[0], int(data[1])
		if len(data) < 2+length {
			return fmt.Errorf("%w: element 0x%02x truncated", ErrMalformedStructure, tag)
		}
		value := data[2 : 2+length]
		data = data[2+length:]

		switch tag {
		case tagSecret:
			if length != crypto.MasterSecretSize {
				return fmt.Errorf("%w: got %d bytes", ErrInvalidSecretLength, length)
			}
			p.MasterSecret = append([]byte(nil), value...)
		case tagHost:
			p.Hints.Host = string(value)
		case tagPort:
			port, err := parsePort(value)
			if err != nil {
				return err
			}
			p.Hints.Port = port
		case tagVPNHost:
			p.Hints.VPNHost = string(value)
		case tagVPNPort:
			port, err := parsePort(value)
			if err != nil {
				return err
			}
			p.Hints.VPNPort = port
		case tagHostName:
			p.Hints.HostName = string(value)
		default:
			// Unknown tag: skip for forward compatibility.
		}
	}
	return nil
}

func parsePort(value []byte) (uint16, error) {
	if len(value) != 2 {
		return 0, fmt.Errorf("%w: %d-byte element", ErrInvalidPort, len(value))
	}
	port := binary.BigEndian.Uint16(value)
	if port == 0 {
		return 0, fmt.Errorf("%w: zero", ErrInvalidPort)
	}
	return port, nil
}

// Encode serializes a Payload to its QR string form. It is the
// structural inverse of Parse: Parse(Encode(p)) equals p for every valid
// payload. The host side is the usual producer; the client uses Encode
// in tests and diagnostics.
func Encode(p *Payload) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}

	data := make([]byte, headerSize, headerSize+2+crypto.MasterSecretSize)
	data[0] = p.Version
	data[1] = 0 // reserved flags

	data = appendElement(data, tagSecret, p.MasterSecret)
	if p.Hints.Host != "" {
		data = appendElement(data, tagHost, []byte(p.Hints.Host))
		data = appendPort(data, tagPort, p.Hints.Port)
	}
	if p.Hints.VPNHost != "" {
		data = appendElement(data, tagVPNHost, []byte(p.Hints.VPNHost))
		if p.Hints.VPNPort != 0 {
			data = appendPort(data, tagVPNPort, p.Hints.VPNPort)
		}
	}
	if p.Hints.HostName != "" {
		data = appendElement(data, tagHostName, []byte(p.Hints.HostName))
	}

	return Prefix + base38Encode(data), nil
}

func appendElement(data []byte, tag uint8, value []byte) []byte {
	data = append(data, tag, uint8(len(value)))
	return append(data, value...)
}

func appendPort(data []byte, tag uint8, port uint16) []byte {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], port)
	return appendElement(data, tag, buf[:])
}
