package ras

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"

	"github.com/pion/logging"

	"github.com/hostbridge/ras/pkg/connect"
	"github.com/hostbridge/ras/pkg/discover"
	"github.com/hostbridge/ras/pkg/ice"
	"github.com/hostbridge/ras/pkg/ntfy"
	"github.com/hostbridge/ras/pkg/pairing"
	"github.com/hostbridge/ras/pkg/reconnect"
	"github.com/hostbridge/ras/pkg/session"
	"github.com/hostbridge/ras/pkg/transport"
)

// ErrNotPaired is returned by operations that need a selected device
// when none exists.
var ErrNotPaired = errors.New("ras: no paired device")

// Client is the assembled mobile-side endpoint: it pairs with a host
// from a scanned QR payload and keeps the connection alive across
// network changes.
type Client struct {
	config   Config
	store    session.CredentialStore
	recovery *ice.RecoveryHandler
	pairing  *pairing.Manager
	full     *connect.Orchestrator
	relay    *connect.Orchestrator
	log      logging.LeveledLogger

	mu         sync.Mutex
	channel    *ntfy.Channel
	controller *reconnect.Controller
	closed     bool
}

// NewClient builds a Client from the configuration. Construction wires
// the fixed, priority-sorted strategy list; nothing connects until Pair
// or Start.
func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	c := &Client{config: config}
	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("ras")
	}

	var err error
	c.store = config.Store
	if c.store == nil {
		if config.StorePath != "" {
			c.store, err = session.NewFileStore(config.StorePath)
			if err != nil {
				return nil, err
			}
		} else {
			c.store = session.NewMemoryStore()
		}
	}

	c.recovery, err = ice.NewRecoveryHandler(ice.RecoveryConfig{
		Timeout:       config.RecoveryTimeout,
		OnFailure:     c.onLinkLost,
		Clock:         config.Clock,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	if err := c.buildOrchestrators(); err != nil {
		return nil, err
	}

	c.pairing, err = pairing.NewManager(pairing.Config{
		Store:         c.store,
		Direct:        c.full,
		Relay:         c.relay,
		DirectTimeout: config.DirectTimeout,
		Random:        config.Random,
		Clock:         config.Clock,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// buildOrchestrators assembles the strategy lists. The full set carries
// all three built-ins; the relay set is the peer-to-peer fallback used
// after a direct pairing probe times out.
func (c *Client) buildOrchestrators() error {
	resolver, err := discover.NewResolver(discover.Config{
		LoggerFactory: c.config.LoggerFactory,
	})
	if err != nil {
		return err
	}

	p2pFull, err := connect.NewP2PStrategy(connect.P2PConfig{
		NewSignaler:   c.newSignaler(false),
		ICEServers:    c.config.ICEServers,
		VPNPort:       c.config.VPNCandidatePort,
		Recovery:      c.recovery,
		LoggerFactory: c.config.LoggerFactory,
	})
	if err != nil {
		return err
	}
	p2pRelay, err := connect.NewP2PStrategy(connect.P2PConfig{
		NewSignaler:   c.newSignaler(true),
		ICEServers:    c.config.ICEServers,
		VPNPort:       c.config.VPNCandidatePort,
		Recovery:      c.recovery,
		LoggerFactory: c.config.LoggerFactory,
	})
	if err != nil {
		return err
	}

	c.full, err = connect.NewOrchestrator(connect.OrchestratorConfig{
		Strategies: []connect.Strategy{
			connect.NewLocalDirectStrategy(connect.LocalDirectConfig{
				Lookup:        resolver,
				LoggerFactory: c.config.LoggerFactory,
			}),
			connect.NewVPNDirectStrategy(connect.VPNDirectConfig{
				LoggerFactory: c.config.LoggerFactory,
			}),
			p2pFull,
		},
		AttemptTimeout: c.config.AttemptTimeout,
		LoggerFactory:  c.config.LoggerFactory,
	})
	if err != nil {
		return err
	}

	c.relay, err = connect.NewOrchestrator(connect.OrchestratorConfig{
		Strategies:     []connect.Strategy{p2pRelay},
		AttemptTimeout: c.config.AttemptTimeout,
		LoggerFactory:  c.config.LoggerFactory,
	})
	return err
}

// newSignaler picks the signaling path per attempt: the host's HTTP
// endpoint when an address hint exists, the sealed ntfy relay
// otherwise. relayOnly forces the relay.
func (c *Client) newSignaler(relayOnly bool) connect.SignalerFunc {
	return func(creds *connect.Credentials) (connect.Signaler, error) {
		if !relayOnly && creds.Hints.Host != "" {
			endpoint := url.URL{
				Scheme: "http",
				Host:   net.JoinHostPort(creds.Hints.Host, strconv.Itoa(int(creds.Hints.Port))),
				Path:   c.config.SignalPath,
			}
			return connect.NewHTTPSignaler(connect.HTTPSignalerConfig{
				Endpoint:  endpoint.String(),
				SessionID: creds.Keys.SessionID(),
				AuthKey:   creds.Keys.Auth,
				Clock:     c.config.Clock,
			})
		}
		return connect.NewNtfySignaler(connect.NtfySignalerConfig{
			Topic:         creds.NtfyTopic,
			Key:           creds.Keys.Encrypt,
			ServerURL:     c.config.NtfyServerURL,
			Random:        c.config.Random,
			LoggerFactory: c.config.LoggerFactory,
		})
	}
}

// Pair runs one pairing attempt from a scanned QR payload. On success
// the device record is stored and selected, the IP-change channel and
// reconnection controller are running, and the returned session belongs
// to the steady-state owner.
func (c *Client) Pair(ctx context.Context, qr string) (*pairing.Result, error) {
	result, err := c.pairing.HandleScan(ctx, qr)
	if err != nil {
		return nil, err
	}
	if err := c.startRuntime(); err != nil {
		// The session is live; a broken notification channel degrades
		// reconnection but does not invalidate the pairing.
		if c.log != nil {
			c.log.Warnf("starting notification runtime: %v", err)
		}
	}
	c.mu.Lock()
	controller := c.controller
	c.mu.Unlock()
	if controller != nil {
		controller.Adopt(result)
	}
	return result, nil
}

// PairingState exposes the pairing state machine for progress UIs.
func (c *Client) PairingState() (pairing.State, pairing.FailureReason) {
	return c.pairing.State()
}

// ResetPairing aborts an in-flight pairing attempt.
func (c *Client) ResetPairing() {
	c.pairing.Reset()
}

// Start resumes operation for an already-paired client after a fresh
// launch: it spins up the notification channel and controller for the
// selected device and reconnects in the background. A fresh launch
// clears the sticky user-disconnect flag.
func (c *Client) Start() error {
	device, err := c.store.Selected()
	if err != nil {
		if errors.Is(err, session.ErrNoSelectedDevice) {
			return ErrNotPaired
		}
		return err
	}
	if device.UserDisconnected {
		device.UserDisconnected = false
		if err := c.store.Put(device); err != nil {
			return err
		}
	}
	if err := c.startRuntime(); err != nil {
		return err
	}

	c.mu.Lock()
	controller := c.controller
	c.mu.Unlock()
	controller.OnForeground()
	return nil
}

// startRuntime builds and starts the ntfy channel and reconnection
// controller for the selected device. Idempotent while the selected
// device is unchanged.
func (c *Client) startRuntime() error {
	device, err := c.store.Selected()
	if err != nil {
		return err
	}
	keys, err := session.DeriveKeys(device.MasterSecret)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("ras: client closed")
	}
	if c.controller != nil {
		return nil
	}

	channel, err := ntfy.NewChannel(ntfy.Config{
		Topic:         session.NtfyTopic(device.MasterSecret),
		Key:           keys.Ntfy,
		ServerURL:     c.config.NtfyServerURL,
		Clock:         c.config.Clock,
		LoggerFactory: c.config.LoggerFactory,
	})
	if err != nil {
		return err
	}
	controller, err := reconnect.NewController(reconnect.Config{
		Store:         c.store,
		Connector:     c.full,
		Notifier:      channel,
		Random:        c.config.Random,
		Clock:         c.config.Clock,
		LoggerFactory: c.config.LoggerFactory,
	})
	if err != nil {
		return err
	}

	if err := channel.Start(); err != nil {
		return err
	}
	if err := controller.Start(); err != nil {
		channel.Stop()
		return err
	}
	c.channel = channel
	c.controller = controller
	return nil
}

// onLinkLost feeds terminal ICE failures into the reconnection
// controller.
func (c *Client) onLinkLost() {
	c.mu.Lock()
	controller := c.controller
	c.mu.Unlock()
	if controller != nil {
		controller.OnConnectionLost()
	}
}

// OnForeground should be called when the app returns to the
// foreground.
func (c *Client) OnForeground() {
	c.mu.Lock()
	controller := c.controller
	c.mu.Unlock()
	if controller != nil {
		controller.OnForeground()
	}
}

// Retry is the explicit user reconnect action.
func (c *Client) Retry() {
	c.mu.Lock()
	controller := c.controller
	c.mu.Unlock()
	if controller != nil {
		controller.Retry()
	}
}

// Disconnect records a user-initiated disconnect and closes the live
// session. Automatic reconnection stays off until Retry.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	controller := c.controller
	c.mu.Unlock()
	if controller == nil {
		return ErrNotPaired
	}
	return controller.Disconnect()
}

// Session returns the live steady-state session, if any.
func (c *Client) Session() (transport.Session, bool) {
	c.mu.Lock()
	controller := c.controller
	c.mu.Unlock()
	if controller == nil {
		return nil, false
	}
	result, ok := controller.Current()
	if !ok {
		return nil, false
	}
	return result.Session, true
}

// Unpair marks the selected device unpaired by the user and tears the
// runtime down.
func (c *Client) Unpair() error {
	device, err := c.store.Selected()
	if err != nil {
		if errors.Is(err, session.ErrNoSelectedDevice) {
			return ErrNotPaired
		}
		return err
	}

	c.mu.Lock()
	controller := c.controller
	c.mu.Unlock()
	if controller != nil {
		_ = controller.Disconnect()
	}

	device.Status = session.StatusUnpairedByUser
	device.Selected = false
	if err := c.store.Put(device); err != nil {
		return fmt.Errorf("ras: recording unpair: %w", err)
	}
	c.stopRuntime()
	return nil
}

func (c *Client) stopRuntime() {
	c.mu.Lock()
	channel := c.channel
	controller := c.controller
	c.channel = nil
	c.controller = nil
	c.mu.Unlock()

	if controller != nil {
		controller.Stop()
	}
	if channel != nil {
		channel.Stop()
	}
}

// Close releases everything. The live session, if handed off to the
// caller, stays open.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.pairing.Reset()
	c.stopRuntime()
	c.recovery.Close()
	return nil
}
