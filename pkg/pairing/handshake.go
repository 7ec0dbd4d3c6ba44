package pairing

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/hostbridge/ras/pkg/crypto"
	"github.com/hostbridge/ras/pkg/transport"
)

// Handshake proof labels. Disjoint labels keep the two proofs from ever
// being confused for one another.
const (
	labelPairRequest  = "pair-request"
	labelPairResponse = "pair-response"
)

// HandshakeNonceSize is the length of the client's challenge nonce.
const HandshakeNonceSize = 32

// ErrProofMismatch is returned when the host's proof does not verify.
// It means the peer does not hold the master secret or the channel was
// tampered with; the attempt is fatal and never retried silently.
var ErrProofMismatch = errors.New("pairing: peer proof did not verify")

// pairRequest is the client's opening handshake message.
type pairRequest struct {
	SessionID string `cbor:"1,keyasint"`
	DeviceID  string `cbor:"2,keyasint"`
	Nonce     []byte `cbor:"3,keyasint"`
	Proof     []byte `cbor:"4,keyasint"`
}

// pairResponse is the host's reply.
type pairResponse struct {
	Proof []byte `cbor:"1,keyasint"`
}

// requestProof computes
// HMAC(authKey, "pair-request" ‖ sessionId ‖ deviceId ‖ nonce).
func requestProof(authKey []byte, sessionID, deviceID string, nonce []byte) []byte {
	msg := make([]byte, 0, len(labelPairRequest)+len(sessionID)+len(deviceID)+len(nonce))
	msg = append(msg, labelPairRequest...)
	msg = append(msg, sessionID...)
	msg = append(msg, deviceID...)
	msg = append(msg, nonce...)
	return crypto.HMACSHA256(authKey, msg)
}

// responseProof computes HMAC(authKey, "pair-response" ‖ nonce).
func responseProof(authKey []byte, nonce []byte) []byte {
	msg := make([]byte, 0, len(labelPairResponse)+len(nonce))
	msg = append(msg, labelPairResponse...)
	msg = append(msg, nonce...)
	return crypto.HMACSHA256(authKey, msg)
}

// Authenticate runs the mutual challenge over the control stream: send
// a proof bound to a fresh nonce, then verify the host's counter-proof
// over that nonce. The channel is not trusted until the peer has proven
// it also holds the master secret. Used by both pairing and
// reconnection.
func Authenticate(ctx context.Context, stream transport.Stream, authKey []byte, sessionID, deviceID string, random crypto.RandomSource) error {
	nonce, err := random.Bytes(HandshakeNonceSize)
	if err != nil {
		return fmt.Errorf("pairing: generating challenge nonce: %w", err)
	}

	request := pairRequest{
		SessionID: sessionID,
		DeviceID:  deviceID,
		Nonce:     nonce,
		Proof:     requestProof(authKey, sessionID, deviceID, nonce),
	}
	payload, err := cbor.Marshal(request)
	if err != nil {
		return fmt.Errorf("pairing: encoding pair-request: %w", err)
	}
	if err := stream.Send(payload); err != nil {
		return fmt.Errorf("pairing: sending pair-request: %w", err)
	}

	reply, err := receive(ctx, stream)
	if err != nil {
		return fmt.Errorf("pairing: waiting for pair-response: %w", err)
	}
	var response pairResponse
	if err := cbor.Unmarshal(reply, &response); err != nil {
		return fmt.Errorf("pairing: decoding pair-response: %w", err)
	}

	if !crypto.ConstantTimeEqual(response.Proof, responseProof(authKey, nonce)) {
		return ErrProofMismatch
	}
	return nil
}

// receive waits for one control frame, honoring ctx. The stream has no
// deadline of its own, so the read runs in a goroutine; an abandoned
// read drains into the buffered channel when the stream later closes.
func receive(ctx context.Context, stream transport.Stream) ([]byte, error) {
	type result struct {
		payload []byte
		err     error
	}
	resultCh := make(chan result, 1)
	go func() {
		payload, err := stream.Receive()
		resultCh <- result{payload: payload, err: err}
	}()

	select {
	case r := <-resultCh:
		return r.payload, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
