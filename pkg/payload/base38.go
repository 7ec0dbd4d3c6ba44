// Package payload implements the QR trust-bootstrap payload: a Base38
// string carrying the protocol version, the 32-byte master secret and
// optional connection hints.
package payload

import (
	"errors"
	"strings"
)

// Base38 encoding constants. The alphabet avoids characters that are
// ambiguous in QR alphanumeric mode; the index of a character is its
// numeric value.
const (
	base38Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ-."
	base38Radix    = 38
)

// base38CharsPerChunk maps a chunk size in bytes (1..3) to the number of
// Base38 characters that hold it: 255 < 38^2, 65535 < 38^4, 16777215 < 38^5.
var base38CharsPerChunk = [4]int{0, 2, 4, 5}

// Base38 codec errors.
var (
	ErrBase38InvalidChar   = errors.New("payload: invalid base38 character")
	ErrBase38InvalidLength = errors.New("payload: invalid base38 string length")
	ErrBase38Overflow      = errors.New("payload: base38 chunk value out of range")
)

func base38Value(c byte) (uint32, error) {
	switch {
	case c >= '0' && c <= '9':
		return uint32(c - '0'), nil
	case c >= 'A' && c <= 'Z':
		return uint32(c-'A') + 10, nil
	case c == '-':
		return 36, nil
	case c == '.':
		return 37, nil
	default:
		return 0, ErrBase38InvalidChar
	}
}

// base38Decode decodes a Base38 string to bytes. Input is processed in
// chunks of 5/4/2 characters yielding 3/2/1 bytes; within a chunk the
// least significant character comes first.
func base38Decode(s string) ([]byte, error) {
	if len(s) == 0 {
		return []byte{}, nil
	}
	s = strings.ToUpper(s)

	out := make([]byte, 0, len(s)/5*3+2)
	for pos := 0; pos < len(s); {
		remaining := len(s) - pos

		var chars, bytes int
		switch {
		case remaining >= 5:
			chars, bytes = 5, 3
		case remaining == 4:
			chars, bytes = 4, 2
		case remaining == 2:
			chars, bytes = 2, 1
		default:
			return nil, ErrBase38InvalidLength
		}

		var value uint32
		for i := chars - 1; i >= 0; i-- {
			v, err := base38Value(s[pos+i])
			if err != nil {
				return nil, err
			}
			value = value*base38Radix + v
		}
		pos += chars

		for i := 0; i < bytes; i++ {
			out = append(out, byte(value))
			value >>= 8
		}
		if value != 0 {
			return nil, ErrBase38Overflow
		}
	}
	return out, nil
}

// base38Encode encodes bytes to a Base38 string, the structural inverse
// of base38Decode.
func base38Encode(data []byte) string {
	var sb strings.Builder
	for pos := 0; pos < len(data); {
		bytes := len(data) - pos
		if bytes > 3 {
			bytes = 3
		}

		var value uint32
		for i := bytes - 1; i >= 0; i-- {
			value = value<<8 | uint32(data[pos+i])
		}
		pos += bytes

		for i := 0; i < base38CharsPerChunk[bytes]; i++ {
			sb.WriteByte(base38Alphabet[value%base38Radix])
			value /= base38Radix
		}
	}
	return sb.String()
}
