// Package transport defines the session handle produced by connection
// strategies and a framed stream implementation used by the direct
// (TCP) strategies and by tests.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize caps a single control-channel frame. The channel carries
// interactive command/response and streaming text, not bulk data.
const MaxFrameSize = 64 * 1024

// Framing errors.
var (
	// ErrFrameTooLarge is returned for frames above MaxFrameSize in
	// either direction.
	ErrFrameTooLarge = errors.New("transport: frame exceeds maximum size")
)

// WriteFrame writes one length-prefixed frame: a 4-byte big-endian
// length followed by the payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("transport: writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("transport: writing frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. io.EOF is returned
// unwrapped when the stream ends cleanly between frames.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("transport: reading frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("transport: reading frame payload: %w", err)
	}
	return payload, nil
}
