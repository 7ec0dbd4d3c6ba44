// Package ntfy subscribes to the host's IP-change notification topic.
// The topic name is public; every message is AEAD-encrypted with the
// ntfy-purpose key and replay-protected by a bounded nonce cache.
package ntfy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"github.com/hostbridge/ras/pkg/crypto"
)

// Channel parameters.
const (
	// DefaultServerURL is the public ntfy server.
	DefaultServerURL = "https://ntfy.sh"

	// MaxMessageAge is the accepted clock skew for notifications. The
	// signaling path uses a 30-second window; this channel deliberately
	// keeps the wider 300-second window of the notification protocol.
	MaxMessageAge = 300 * time.Second

	// NonceSize is the length of the replay nonce inside a notification.
	NonceSize = 16
)

// reconnectDelays is the bounded backoff schedule for socket failures.
// After the last delay fails the channel goes dormant until
// ResetReconnectCounter.
var reconnectDelays = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// Channel errors.
var (
	ErrNoTopic = errors.New("ntfy: topic is required")
	ErrNoKey   = errors.New("ntfy: decryption key is required")
	ErrClosed  = errors.New("ntfy: channel closed")
)

// Event is a validated IP-change notification.
type Event struct {
	// IP is the host's new address.
	IP string

	// Port is the host's new signaling port.
	Port uint16

	// Timestamp is when the host sent the notification.
	Timestamp time.Time
}

// notification is the decrypted wire payload.
type notification struct {
	IP               string `json:"ip"`
	Port             uint16 `json:"port"`
	TimestampSeconds int64  `json:"timestampSeconds"`
	Nonce            []byte `json:"nonce"`
}

// wsFrame is the ntfy server's JSON frame on the websocket feed.
type wsFrame struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// FrameConn is the websocket surface the channel needs; injectable for
// tests.
type FrameConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// DialFunc opens a websocket connection to a subscription URL.
type DialFunc func(ctx context.Context, url string) (FrameConn, error)

// WebsocketDial is the default DialFunc, backed by gorilla/websocket.
func WebsocketDial(ctx context.Context, url string) (FrameConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config configures a Channel.
type Config struct {
	// Topic is the subscription topic (session.NtfyTopic). Required.
	Topic string

	// Key is the ntfy-purpose derived key. Required.
	Key []byte

	// ServerURL overrides the ntfy server. Empty means DefaultServerURL.
	ServerURL string

	// Dial overrides the websocket dialer. Nil uses gorilla/websocket.
	Dial DialFunc

	// Clock overrides the time source. Nil uses the wall clock.
	Clock clock.Clock

	// LoggerFactory creates the channel's logger. Nil disables logging.
	LoggerFactory logging.LoggerFactory
}

// Channel is a persistent subscription to the IP-change topic.
//
// Lifecycle: Start launches the receive loop; Stop tears it down. On
// socket failure the channel reconnects on the bounded backoff
// schedule, then goes dormant until ResetReconnectCounter (called by
// whoever re-established connectivity by other means).
type Channel struct {
	topic  string
	key    []byte
	server string
	dial   DialFunc
	clk    clock.Clock
	log    logging.LeveledLogger

	events  chan Event
	nonces  *nonceCache
	closeCh chan struct{}
	resetCh chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
	conn    FrameConn
}

// NewChannel creates a Channel.
func NewChannel(config Config) (*Channel, error) {
	if config.Topic == "" {
		return nil, ErrNoTopic
	}
	if len(config.Key) != crypto.DerivedKeySize {
		return nil, ErrNoKey
	}

	c := &Channel{
		topic:   config.Topic,
		key:     config.Key,
		server:  config.ServerURL,
		dial:    config.Dial,
		clk:     config.Clock,
		events:  make(chan Event, 8),
		nonces:  newNonceCache(),
		closeCh: make(chan struct{}),
		resetCh: make(chan struct{}, 1),
	}
	if c.server == "" {
		c.server = DefaultServerURL
	}
	if c.dial == nil {
		c.dial = WebsocketDial
	}
	if c.clk == nil {
		c.clk = clock.New()
	}
	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("ntfy")
	}
	return c, nil
}

// Events returns the stream of validated IP-change events.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// SubscribeURL returns the websocket URL for the topic.
func (c *Channel) SubscribeURL() (string, error) {
	u, err := url.Parse(c.server)
	if err != nil {
		return "", fmt.Errorf("ntfy: invalid server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/" + c.topic + "/ws"
	return u.String(), nil
}

// Start launches the subscription loop.
func (c *Channel) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	c.wg.Add(1)
	go c.run()
	return nil
}

// Stop tears the subscription down. Idempotent.
func (c *Channel) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.closeCh)
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
}

// ResetReconnectCounter wakes a dormant channel and restarts the
// backoff schedule. Called after connectivity was re-established by
// other means (a successful reconnection).
func (c *Channel) ResetReconnectCounter() {
	select {
	case c.resetCh <- struct{}{}:
	default:
	}
}

// run is the subscription loop: connect, read until failure, back off,
// repeat; dormant after the schedule is exhausted.
func (c *Channel) run() {
	defer c.wg.Done()

	attempt := 0
	for {
		select {
		case <-c.closeCh:
			return
		default:
		}

		if err := c.subscribeOnce(); err != nil {
			select {
			case <-c.closeCh:
				return
			default:
			}
			if c.log != nil {
				c.log.Warnf("subscription lost: %v", err)
			}
		}

		if attempt >= len(reconnectDelays) {
			if c.log != nil {
				c.log.Errorf("reconnect schedule exhausted, going dormant")
			}
			select {
			case <-c.resetCh:
				attempt = 0
				continue
			case <-c.closeCh:
				return
			}
		}

		delay := reconnectDelays[attempt]
		attempt++
		select {
		case <-c.clk.After(delay):
		case <-c.resetCh:
			attempt = 0
		case <-c.closeCh:
			return
		}
	}
}

// subscribeOnce opens the websocket and pumps frames until it fails.
func (c *Channel) subscribeOnce() error {
	u, err := c.SubscribeURL()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	conn, err := c.dial(ctx, u)
	cancel()
	if err != nil {
		return fmt.Errorf("ntfy: dialing %s: %w", u, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	if c.log != nil {
		c.log.Infof("subscribed to %s", c.topic)
	}

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleFrame(data)
	}
}

// handleFrame validates one raw websocket frame and emits an event when
// every check passes. Invalid frames are dropped (and logged), never
// surfaced as errors: the topic is public, so garbage is expected.
func (c *Channel) handleFrame(data []byte) {
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.drop("undecodable frame: %v", err)
		return
	}
	if frame.Event != "message" {
		return // keepalive/open frames
	}

	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(frame.Message))
	if err != nil {
		c.drop("message is not base64: %v", err)
		return
	}

	plaintext, err := crypto.AEADDecode(c.key, blob)
	if err != nil {
		c.drop("message failed authentication")
		return
	}

	var note notification
	if err := json.Unmarshal(plaintext, &note); err != nil {
		c.drop("undecodable notification: %v", err)
		return
	}

	// Validation order matters: structure, nonce shape, replay,
	// staleness; the nonce is recorded only after every check passes.
	if len(note.Nonce) != NonceSize {
		c.drop("bad nonce length %d", len(note.Nonce))
		return
	}
	if c.nonces.Seen(note.Nonce) {
		c.drop("replayed nonce")
		return
	}
	ts := time.Unix(note.TimestampSeconds, 0)
	if age := c.clk.Now().Sub(ts); age > MaxMessageAge || age < -MaxMessageAge {
		c.drop("stale notification (age %s)", c.clk.Now().Sub(ts))
		return
	}
	// Record only after every check passed; a concurrent duplicate
	// delivery loses the atomic check-and-record and is dropped here.
	if !c.nonces.CheckAndRecord(note.Nonce) {
		c.drop("replayed nonce")
		return
	}

	event := Event{IP: note.IP, Port: note.Port, Timestamp: ts}
	select {
	case c.events <- event:
	default:
		c.drop("event buffer full")
	}
}

func (c *Channel) drop(format string, args ...any) {
	if c.log != nil {
		c.log.Debugf("dropping notification: "+format, args...)
	}
}
