package connect

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"

	"github.com/hostbridge/ras/pkg/crypto"
	"github.com/hostbridge/ras/pkg/ntfy"
)

// Signaling request headers. The signature covers
// sessionId ‖ BigEndian64(timestampSeconds) ‖ body with the auth key;
// the host rejects timestamps outside its ±30 second window.
const (
	HeaderSession   = "X-RAS-Session"
	HeaderTimestamp = "X-RAS-Timestamp"
	HeaderSignature = "X-RAS-Signature"
)

// Signaler exchanges a session offer for the host's answer.
type Signaler interface {
	Exchange(ctx context.Context, offer []byte) (answer []byte, err error)
}

// HTTPSignalerConfig configures an HTTPSignaler.
type HTTPSignalerConfig struct {
	// Endpoint is the host's signaling URL. Required.
	Endpoint string

	// SessionID authenticates the request. Required.
	SessionID string

	// AuthKey signs the request. Required.
	AuthKey []byte

	// Client overrides the HTTP client. Nil uses http.DefaultClient.
	Client *http.Client

	// Clock overrides the time source. Nil uses the wall clock.
	Clock clock.Clock
}

// HTTPSignaler posts the offer directly to the host's signaling
// endpoint, authenticated with an HMAC over the session, timestamp and
// body. Used on the direct paths where the host is reachable.
type HTTPSignaler struct {
	endpoint  string
	sessionID string
	authKey   []byte
	client    *http.Client
	clk       clock.Clock
}

// NewHTTPSignaler creates an HTTPSignaler.
func NewHTTPSignaler(config HTTPSignalerConfig) (*HTTPSignaler, error) {
	if config.Endpoint == "" {
		return nil, errors.New("connect: signaling endpoint is required")
	}
	if config.SessionID == "" {
		return nil, ErrNoSession
	}
	if len(config.AuthKey) != crypto.DerivedKeySize {
		return nil, errors.New("connect: auth key is required")
	}

	s := &HTTPSignaler{
		endpoint:  config.Endpoint,
		sessionID: config.SessionID,
		authKey:   config.AuthKey,
		client:    config.Client,
		clk:       config.Clock,
	}
	if s.client == nil {
		s.client = http.DefaultClient
	}
	if s.clk == nil {
		s.clk = clock.New()
	}
	return s, nil
}

// Exchange posts the offer and returns the host's answer.
func (s *HTTPSignaler) Exchange(ctx context.Context, offer []byte) ([]byte, error) {
	timestamp := s.clk.Now().Unix()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(offer))
	if err != nil {
		return nil, fmt.Errorf("connect: building signaling request: %w", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set(HeaderSession, s.sessionID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(timestamp, 10))
	req.Header.Set(HeaderSignature, hex.EncodeToString(SignRequest(s.authKey, s.sessionID, timestamp, offer)))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect: signaling request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrSignalingRejected, resp.StatusCode)
	}
	answer, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("connect: reading signaling answer: %w", err)
	}
	return answer, nil
}

// SignRequest computes the signaling request signature:
// HMAC(authKey, sessionId ‖ BigEndian64(timestampSeconds) ‖ body).
func SignRequest(authKey []byte, sessionID string, timestamp int64, body []byte) []byte {
	msg := make([]byte, 0, len(sessionID)+8+len(body))
	msg = append(msg, sessionID...)
	msg = binary.BigEndian.AppendUint64(msg, uint64(timestamp))
	msg = append(msg, body...)
	return crypto.HMACSHA256(authKey, msg)
}

// signalEnvelope is the encrypted payload relayed over the ntfy topic.
type signalEnvelope struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// NtfySignalerConfig configures an NtfySignaler.
type NtfySignalerConfig struct {
	// Topic is the host's ntfy topic. Required.
	Topic string

	// Key is the encrypt-purpose derived key sealing the exchange.
	// Required.
	Key []byte

	// ServerURL overrides the ntfy server. Empty means
	// ntfy.DefaultServerURL.
	ServerURL string

	// Client overrides the HTTP client used to publish. Nil uses
	// http.DefaultClient.
	Client *http.Client

	// Dial overrides the websocket dialer used to wait for the answer.
	Dial ntfy.DialFunc

	// Random overrides the nonce source. Nil uses the system source.
	Random crypto.RandomSource

	// LoggerFactory creates the signaler's logger. Nil disables logging.
	LoggerFactory logging.LoggerFactory
}

// NtfySignaler relays the offer through the host's public ntfy topic
// when no direct path exists. The envelope is AEAD-sealed with the
// encrypt key; the topic name carries no secret.
type NtfySignaler struct {
	topic  string
	key    []byte
	server string
	client *http.Client
	dial   ntfy.DialFunc
	random crypto.RandomSource
	log    logging.LeveledLogger
}

// NewNtfySignaler creates an NtfySignaler.
func NewNtfySignaler(config NtfySignalerConfig) (*NtfySignaler, error) {
	if config.Topic == "" {
		return nil, errors.New("connect: ntfy topic is required")
	}
	if len(config.Key) != crypto.DerivedKeySize {
		return nil, errors.New("connect: encrypt key is required")
	}

	s := &NtfySignaler{
		topic:  config.Topic,
		key:    config.Key,
		server: config.ServerURL,
		client: config.Client,
		dial:   config.Dial,
		random: config.Random,
	}
	if s.server == "" {
		s.server = ntfy.DefaultServerURL
	}
	if s.client == nil {
		s.client = http.DefaultClient
	}
	if s.dial == nil {
		s.dial = ntfy.WebsocketDial
	}
	if s.random == nil {
		s.random = crypto.SystemRandom
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("ntfy-signal")
	}
	return s, nil
}

// Exchange publishes the sealed offer to the topic and waits for the
// host's sealed answer. The subscription is opened before publishing so
// the answer cannot be missed; the signaler's own offer echoing back on
// the topic is skipped.
func (s *NtfySignaler) Exchange(ctx context.Context, offer []byte) ([]byte, error) {
	subscribeURL, err := s.topicURL("wss", "/ws")
	if err != nil {
		return nil, err
	}
	conn, err := s.dial(ctx, subscribeURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRelaySubscribe, err)
	}
	defer conn.Close()

	// ReadMessage does not take a context; closing the socket unblocks
	// it when the deadline passes.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	if err := s.publish(ctx, signalEnvelope{Type: "offer", SDP: string(offer)}); err != nil {
		return nil, err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("connect: relay subscription lost: %w", err)
		}
		answer, ok := s.decodeAnswer(data)
		if ok {
			return answer, nil
		}
	}
}

func (s *NtfySignaler) publish(ctx context.Context, envelope signalEnvelope) error {
	plaintext, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("connect: encoding envelope: %w", err)
	}
	blob, err := crypto.AEADEncode(s.key, plaintext, s.random)
	if err != nil {
		return fmt.Errorf("connect: sealing envelope: %w", err)
	}

	publishURL, err := s.topicURL("https", "")
	if err != nil {
		return err
	}
	body := strings.NewReader(base64.StdEncoding.EncodeToString(blob))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, publishURL, body)
	if err != nil {
		return fmt.Errorf("connect: building publish request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect: publishing offer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("connect: relay rejected offer with status %d", resp.StatusCode)
	}
	return nil
}

// decodeAnswer extracts the answer from one raw websocket frame. The
// topic is public, so anything that does not decode to a sealed answer
// envelope is skipped.
func (s *NtfySignaler) decodeAnswer(data []byte) ([]byte, bool) {
	var frame struct {
		Event   string `json:"event"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &frame); err != nil || frame.Event != "message" {
		return nil, false
	}
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(frame.Message))
	if err != nil {
		return nil, false
	}
	plaintext, err := crypto.AEADDecode(s.key, blob)
	if err != nil {
		if s.log != nil {
			s.log.Debugf("skipping unauthenticated relay frame")
		}
		return nil, false
	}
	var envelope signalEnvelope
	if err := json.Unmarshal(plaintext, &envelope); err != nil || envelope.Type != "answer" {
		return nil, false
	}
	return []byte(envelope.SDP), true
}

func (s *NtfySignaler) topicURL(secureScheme, suffix string) (string, error) {
	u, err := url.Parse(s.server)
	if err != nil {
		return "", fmt.Errorf("connect: invalid relay server url: %w", err)
	}
	if secureScheme == "wss" {
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		case "http":
			u.Scheme = "ws"
		}
	}
	u.Path = "/" + s.topic + suffix
	return u.String(), nil
}
