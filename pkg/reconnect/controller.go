// Package reconnect restores the connection to the selected paired
// device after connectivity loss. Reconnection reuses the stored secret
// so there is no QR re-scan, only the connect-and-authenticate half of
// the pairing flow.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"

	"github.com/hostbridge/ras/pkg/connect"
	"github.com/hostbridge/ras/pkg/crypto"
	"github.com/hostbridge/ras/pkg/ntfy"
	"github.com/hostbridge/ras/pkg/pairing"
	"github.com/hostbridge/ras/pkg/payload"
	"github.com/hostbridge/ras/pkg/session"
	"github.com/hostbridge/ras/pkg/transport"
)

// DefaultAttemptTimeout bounds one reconnection attempt end to end.
const DefaultAttemptTimeout = 30 * time.Second

// Controller errors.
var (
	ErrNoStore     = errors.New("reconnect: credential store is required")
	ErrNoConnector = errors.New("reconnect: a connector is required")
	ErrSuppressed  = errors.New("reconnect: user disconnected, automatic trigger suppressed")
	ErrInFlight    = errors.New("reconnect: an attempt is already in flight")
	ErrNoDevice    = errors.New("reconnect: no selected device")
)

// Trigger says what started a reconnection attempt.
type Trigger int

const (
	// TriggerForeground: the app returned to the foreground.
	TriggerForeground Trigger = iota

	// TriggerIPChange: a validated IP-change notification arrived.
	TriggerIPChange

	// TriggerConnectionLost: the live session degraded past recovery.
	TriggerConnectionLost

	// TriggerRetry: the user explicitly asked to reconnect.
	TriggerRetry
)

func (t Trigger) String() string {
	switch t {
	case TriggerForeground:
		return "foreground"
	case TriggerIPChange:
		return "ip-change"
	case TriggerConnectionLost:
		return "connection-lost"
	case TriggerRetry:
		return "retry"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// explicit reports whether the trigger overrides the sticky
// user-disconnected flag.
func (t Trigger) explicit() bool { return t == TriggerRetry }

// Connector establishes a transport session from credentials.
// *connect.Orchestrator implements it.
type Connector interface {
	Connect(ctx context.Context, creds *connect.Credentials) (transport.Session, error)
}

// Notifier is the IP-change channel surface the controller consumes.
// *ntfy.Channel implements it.
type Notifier interface {
	Events() <-chan ntfy.Event
	ResetReconnectCounter()
}

// Config configures a Controller.
type Config struct {
	// Store holds the paired device records. Required.
	Store session.CredentialStore

	// Connector re-establishes the transport. Required.
	Connector Connector

	// Notifier feeds IP-change events and has its backoff reset after a
	// successful reconnection. Optional.
	Notifier Notifier

	// AttemptTimeout bounds one attempt. Zero means
	// DefaultAttemptTimeout.
	AttemptTimeout time.Duration

	// OnConnected receives each re-established session. The session has
	// already been handed to the steady-state owner. Optional.
	OnConnected func(*pairing.Result)

	// OnFailure receives attempt failures. Optional.
	OnFailure func(error)

	// Random overrides the nonce source. Nil uses the system source.
	Random crypto.RandomSource

	// Clock overrides the time source. Nil uses the wall clock.
	Clock clock.Clock

	// LoggerFactory creates the controller's logger. Nil disables
	// logging.
	LoggerFactory logging.LoggerFactory
}

// Controller reacts to connectivity triggers by reconnecting to the
// selected device. At most one attempt runs at a time; triggers that
// arrive while one is in flight are dropped, not queued. A sticky
// user-disconnect suppresses the automatic triggers until the user
// explicitly retries.
type Controller struct {
	store       session.CredentialStore
	connector   Connector
	notifier    Notifier
	timeout     time.Duration
	onConnected func(*pairing.Result)
	onFailure   func(error)
	random      crypto.RandomSource
	clk         clock.Clock
	log         logging.LeveledLogger

	closeCh chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	started  bool
	closed   bool
	inFlight bool
	current  *pairing.Result
}

// NewController creates a Controller.
func NewController(config Config) (*Controller, error) {
	if config.Store == nil {
		return nil, ErrNoStore
	}
	if config.Connector == nil {
		return nil, ErrNoConnector
	}

	c := &Controller{
		store:       config.Store,
		connector:   config.Connector,
		notifier:    config.Notifier,
		timeout:     config.AttemptTimeout,
		onConnected: config.OnConnected,
		onFailure:   config.OnFailure,
		random:      config.Random,
		clk:         config.Clock,
		closeCh:     make(chan struct{}),
	}
	if c.timeout == 0 {
		c.timeout = DefaultAttemptTimeout
	}
	if c.random == nil {
		c.random = crypto.SystemRandom
	}
	if c.clk == nil {
		c.clk = clock.New()
	}
	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("reconnect")
	}
	return c, nil
}

// Start begins consuming IP-change events. Without a notifier it only
// marks the controller running.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("reconnect: controller closed")
	}
	if c.started {
		return nil
	}
	c.started = true

	if c.notifier != nil {
		c.wg.Add(1)
		go c.watchEvents()
	}
	return nil
}

// Stop ends the event loop. It does not close the current session; the
// steady-state owner decides that.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.closeCh)
	c.wg.Wait()
}

func (c *Controller) watchEvents() {
	defer c.wg.Done()
	for {
		select {
		case event, ok := <-c.notifier.Events():
			if !ok {
				return
			}
			c.handleIPChange(event)
		case <-c.closeCh:
			return
		}
	}
}

// handleIPChange records the host's new address as the preferred hint,
// then reconnects.
func (c *Controller) handleIPChange(event ntfy.Event) {
	device, err := c.store.Selected()
	if err != nil {
		return
	}
	device.Host = event.IP
	device.Port = event.Port
	if err := c.store.Put(device); err != nil && c.log != nil {
		c.log.Warnf("storing new address hint: %v", err)
	}
	if c.log != nil {
		c.log.Infof("host moved to %s:%d", event.IP, event.Port)
	}
	c.trigger(TriggerIPChange)
}

// OnForeground is the app-foreground trigger.
func (c *Controller) OnForeground() {
	c.trigger(TriggerForeground)
}

// OnConnectionLost is the trigger for a session that degraded past the
// recovery window.
func (c *Controller) OnConnectionLost() {
	c.trigger(TriggerConnectionLost)
}

// Retry is the explicit user trigger. It clears the sticky
// user-disconnected flag before attempting.
func (c *Controller) Retry() {
	c.trigger(TriggerRetry)
}

// Disconnect records that the user explicitly disconnected and closes
// the current session. Automatic reconnection stays suppressed until
// Retry.
func (c *Controller) Disconnect() error {
	device, err := c.store.Selected()
	if err != nil {
		return err
	}
	device.UserDisconnected = true
	if err := c.store.Put(device); err != nil {
		return fmt.Errorf("reconnect: recording disconnect: %w", err)
	}

	c.mu.Lock()
	current := c.current
	c.current = nil
	c.mu.Unlock()

	if current != nil && current.Ownership.MayClose(session.HolderSteadyState) {
		_ = current.Ownership.Dispose(session.HolderSteadyState)
		current.Session.Close()
	}
	return nil
}

// Adopt tracks a session established elsewhere (the initial pairing) so
// a later reconnection can retire it.
func (c *Controller) Adopt(result *pairing.Result) {
	c.mu.Lock()
	c.current = result
	c.mu.Unlock()
}

// trigger starts one attempt in the background. Attempts already in
// flight and suppressed triggers are dropped.
func (c *Controller) trigger(t Trigger) {
	c.mu.Lock()
	if c.closed || c.inFlight {
		c.mu.Unlock()
		return
	}
	c.inFlight = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			c.inFlight = false
			c.mu.Unlock()
		}()

		if err := c.attempt(t); err != nil {
			if c.log != nil {
				c.log.Warnf("reconnection (%s) failed: %v", t, err)
			}
			if c.onFailure != nil && !errors.Is(err, ErrSuppressed) {
				c.onFailure(err)
			}
		}
	}()
}

// attempt is one full reconnection: load the device, connect, run the
// authentication handshake, hand off, persist.
func (c *Controller) attempt(t Trigger) error {
	device, err := c.store.Selected()
	if err != nil {
		if errors.Is(err, session.ErrNoSelectedDevice) {
			return ErrNoDevice
		}
		return err
	}
	if device.Status != session.StatusPaired {
		return fmt.Errorf("reconnect: selected device is %s", device.Status)
	}
	if device.UserDisconnected {
		if !t.explicit() {
			return ErrSuppressed
		}
		device.UserDisconnected = false
		if err := c.store.Put(device); err != nil {
			return fmt.Errorf("reconnect: clearing disconnect flag: %w", err)
		}
	}

	keys, err := session.DeriveKeys(device.MasterSecret)
	if err != nil {
		return fmt.Errorf("reconnect: deriving keys: %w", err)
	}
	creds := &connect.Credentials{
		Keys:      keys,
		DeviceID:  device.DeviceID,
		NtfyTopic: session.NtfyTopic(device.MasterSecret),
		Hints: payload.ConnectionHints{
			Host:     device.Host,
			Port:     device.Port,
			VPNHost:  device.VPNHost,
			VPNPort:  device.VPNPort,
			HostName: device.HostName,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	sess, err := c.connector.Connect(ctx, creds)
	if err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}

	ownership := session.NewOwnership(session.HolderReconnectionManager)
	if err := pairing.Authenticate(ctx, sess.Control(), keys.Auth, keys.SessionID(), device.DeviceID, c.random); err != nil {
		_ = ownership.Dispose(session.HolderReconnectionManager)
		sess.Close()
		return err
	}

	device.LastSeenAt = c.clk.Now()
	if err := c.store.Put(device); err != nil && c.log != nil {
		c.log.Warnf("updating device record: %v", err)
	}

	_ = ownership.Transfer(session.HolderReconnectionManager, session.HolderSteadyState)
	result := &pairing.Result{DeviceID: device.DeviceID, Session: sess, Ownership: ownership}
	c.retire(result)

	if c.notifier != nil {
		c.notifier.ResetReconnectCounter()
	}
	if c.log != nil {
		c.log.Infof("reconnected to %s via %s", device.DeviceID, sess.RemoteDescription())
	}
	if c.onConnected != nil {
		c.onConnected(result)
	}
	return nil
}

// retire replaces the tracked session, closing the superseded one on
// behalf of the steady-state owner.
func (c *Controller) retire(next *pairing.Result) {
	c.mu.Lock()
	previous := c.current
	c.current = next
	c.mu.Unlock()

	if previous == nil {
		return
	}
	if previous.Ownership.MayClose(session.HolderSteadyState) {
		_ = previous.Ownership.Dispose(session.HolderSteadyState)
		previous.Session.Close()
	}
}

// Current returns the tracked session, if any.
func (c *Controller) Current() (*pairing.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.current != nil
}
