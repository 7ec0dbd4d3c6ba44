package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/logging"

	"github.com/hostbridge/ras/pkg/connect"
	"github.com/hostbridge/ras/pkg/crypto"
	"github.com/hostbridge/ras/pkg/payload"
	"github.com/hostbridge/ras/pkg/session"
	"github.com/hostbridge/ras/pkg/transport"
)

// DefaultDirectTimeout bounds the direct-path probe before the attempt
// falls back to the relay.
const DefaultDirectTimeout = 5 * time.Second

// Manager errors.
var (
	ErrNoStore     = errors.New("pairing: credential store is required")
	ErrNoConnector = errors.New("pairing: a connector is required")
	ErrBusy        = errors.New("pairing: an attempt is already in flight")
)

// Connector establishes a transport session from credentials.
// *connect.Orchestrator implements it.
type Connector interface {
	Connect(ctx context.Context, creds *connect.Credentials) (transport.Session, error)
}

// Error is a failed pairing attempt: the reason plus the underlying
// cause.
type Error struct {
	Reason FailureReason
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pairing: %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Result is a successful pairing.
type Result struct {
	// DeviceID identifies the new device record.
	DeviceID string

	// Session is the authenticated transport.
	Session transport.Session

	// Ownership arbitrates who may close Session. It is held by the
	// steady-state owner when HandleScan returns.
	Ownership *session.Ownership
}

// Config configures a Manager.
type Config struct {
	// Store persists the device record on success. Required.
	Store session.CredentialStore

	// Direct connects over the local network and VPN overlay. Required.
	Direct Connector

	// Relay connects through the ntfy-assisted peer-to-peer path after
	// the direct probe times out. Nil disables the fallback.
	Relay Connector

	// DirectTimeout bounds the direct probe. Zero means
	// DefaultDirectTimeout.
	DirectTimeout time.Duration

	// Random overrides the nonce source. Nil uses the system source.
	Random crypto.RandomSource

	// Clock overrides the time source. Nil uses the wall clock.
	Clock clock.Clock

	// OnStateChange observes phase transitions. Called synchronously;
	// must not call back into the Manager. Optional.
	OnStateChange func(State)

	// LoggerFactory creates the manager's logger. Nil disables logging.
	LoggerFactory logging.LoggerFactory
}

// Manager drives one pairing attempt at a time through the pairing
// state machine. Phase transitions are strictly sequential; a later
// phase never acts before the earlier transition is observed.
type Manager struct {
	store         session.CredentialStore
	direct        Connector
	relay         Connector
	directTimeout time.Duration
	random        crypto.RandomSource
	clk           clock.Clock
	onState       func(State)
	log           logging.LeveledLogger

	mu        sync.Mutex
	state     State
	reason    FailureReason
	phase     OwnershipPhase
	ownership *session.Ownership
	sess      transport.Session
	cancel    context.CancelFunc
}

// NewManager creates a Manager in StateIdle.
func NewManager(config Config) (*Manager, error) {
	if config.Store == nil {
		return nil, ErrNoStore
	}
	if config.Direct == nil {
		return nil, ErrNoConnector
	}

	m := &Manager{
		store:         config.Store,
		direct:        config.Direct,
		relay:         config.Relay,
		directTimeout: config.DirectTimeout,
		random:        config.Random,
		clk:           config.Clock,
		onState:       config.OnStateChange,
		state:         StateIdle,
		phase:         PhaseCreating,
	}
	if m.directTimeout == 0 {
		m.directTimeout = DefaultDirectTimeout
	}
	if m.random == nil {
		m.random = crypto.SystemRandom
	}
	if m.clk == nil {
		m.clk = clock.New()
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("pairing")
	}
	return m, nil
}

// State returns the current pairing state and, when failed, the reason.
func (m *Manager) State() (State, FailureReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.reason
}

// OwnershipPhase returns the transport sub-state.
func (m *Manager) OwnershipPhase() OwnershipPhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// HandleScan runs one full pairing attempt from a scanned QR string.
// On success the returned session has already been handed off to the
// steady-state owner; the manager will never close it.
func (m *Manager) HandleScan(ctx context.Context, raw string) (*Result, error) {
	ctx, err := m.begin(ctx)
	if err != nil {
		return nil, err
	}

	result, err := m.run(ctx, raw)
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) {
			m.fail(perr.Reason)
		} else {
			m.fail(ReasonTimeout)
		}
		return nil, err
	}
	return result, nil
}

// begin claims the single in-flight slot.
func (m *Manager) begin(ctx context.Context) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle && !m.state.Terminal() {
		return nil, ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.reason = ReasonNone
	m.phase = PhaseCreating
	m.ownership = session.NewOwnership(session.HolderPairingManager)
	m.sess = nil
	m.setStateLocked(StateScanning)
	return ctx, nil
}

func (m *Manager) run(ctx context.Context, raw string) (*Result, error) {
	parsed, err := payload.Parse(raw)
	if err != nil {
		return nil, &Error{Reason: ReasonQrParseError, Err: err}
	}
	m.setState(StateQrParsed)

	keys, err := session.DeriveKeys(parsed.MasterSecret)
	if err != nil {
		return nil, &Error{Reason: ReasonQrParseError, Err: err}
	}
	creds := &connect.Credentials{
		Keys:      keys,
		DeviceID:  uuid.NewString(),
		NtfyTopic: session.NtfyTopic(parsed.MasterSecret),
		Hints:     parsed.Hints,
	}

	sess, err := m.establish(ctx, creds)
	if err != nil {
		return nil, err
	}
	m.adopt(sess)
	m.setState(StateConnecting)

	m.setPhase(PhaseAuthenticating)
	m.setState(StateAuthenticating)
	if err := Authenticate(ctx, sess.Control(), keys.Auth, keys.SessionID(), creds.DeviceID, m.random); err != nil {
		m.teardown()
		if errors.Is(err, ErrProofMismatch) {
			return nil, &Error{Reason: ReasonAuthFailed, Err: err}
		}
		if ctx.Err() != nil {
			return nil, &Error{Reason: ReasonTimeout, Err: err}
		}
		return nil, &Error{Reason: ReasonConnectionFailed, Err: err}
	}

	device := &session.PairedDevice{
		DeviceID:     creds.DeviceID,
		MasterSecret: parsed.MasterSecret,
		Status:       session.StatusPaired,
		Selected:     true,
		Host:         parsed.Hints.Host,
		Port:         parsed.Hints.Port,
		VPNHost:      parsed.Hints.VPNHost,
		VPNPort:      parsed.Hints.VPNPort,
		HostName:     parsed.Hints.HostName,
		PairedAt:     m.clk.Now(),
		LastSeenAt:   m.clk.Now(),
	}
	if err := m.store.Put(device); err != nil {
		m.teardown()
		return nil, &Error{Reason: ReasonConnectionFailed, Err: fmt.Errorf("pairing: persisting device: %w", err)}
	}

	ownership := m.handoff()
	m.setState(StateAuthenticated)
	if m.log != nil {
		m.log.Infof("paired device %s via %s", device.DeviceID, sess.RemoteDescription())
	}
	return &Result{DeviceID: device.DeviceID, Session: sess, Ownership: ownership}, nil
}

// establish tries the direct path under its own timeout, then falls
// back to the relay. The two paths are tried sequentially, never
// concurrently, so the host only ever sees one handshake.
func (m *Manager) establish(ctx context.Context, creds *connect.Credentials) (transport.Session, error) {
	m.setState(StateTryingDirect)
	m.setPhase(PhaseSignaling)

	directCtx, cancel := context.WithTimeout(ctx, m.directTimeout)
	sess, directErr := m.direct.Connect(directCtx, creds)
	cancel()
	if directErr == nil {
		m.setState(StateDirectSignaling)
		m.setPhase(PhaseConnecting)
		return sess, nil
	}
	if ctx.Err() != nil {
		return nil, &Error{Reason: ReasonTimeout, Err: ctx.Err()}
	}
	if m.relay == nil {
		if errors.Is(directErr, context.DeadlineExceeded) {
			return nil, &Error{Reason: ReasonDirectTimeout, Err: directErr}
		}
		return nil, &Error{Reason: ReasonConnectionFailed, Err: directErr}
	}
	if m.log != nil {
		m.log.Debugf("direct path failed (%v), falling back to relay", directErr)
	}

	m.setState(StateNtfySubscribing)
	sess, relayErr := m.relay.Connect(ctx, creds)
	if relayErr == nil {
		m.setState(StateNtfyWaitingForAnswer)
		m.setPhase(PhaseConnecting)
		return sess, nil
	}
	return nil, &Error{Reason: classifyRelayFailure(ctx, relayErr), Err: relayErr}
}

func classifyRelayFailure(ctx context.Context, err error) FailureReason {
	switch {
	case errors.Is(err, connect.ErrRelaySubscribe):
		return ReasonNtfySubscribeFailed
	case errors.Is(err, connect.ErrSignalingRejected):
		return ReasonSignalingFailed
	case ctx.Err() != nil:
		return ReasonTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonNtfyTimeout
	default:
		return ReasonConnectionFailed
	}
}

// Reset cancels any in-flight attempt, tears down an owned session and
// returns to StateIdle. Idempotent; valid from any state.
func (m *Manager) Reset() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	m.teardown()

	m.mu.Lock()
	m.reason = ReasonNone
	m.phase = PhaseCreating
	m.ownership = nil
	m.setStateLocked(StateIdle)
	m.mu.Unlock()
}

// adopt records the established session under the manager's ownership.
func (m *Manager) adopt(sess transport.Session) {
	m.mu.Lock()
	m.sess = sess
	m.mu.Unlock()
}

// teardown closes the session if the manager still owns it. After a
// handoff the phase is terminal and the session is left alone.
func (m *Manager) teardown() {
	m.mu.Lock()
	sess := m.sess
	ownership := m.ownership
	terminal := m.phase.Terminal()
	if !terminal {
		m.phase = PhaseClosed
	}
	m.sess = nil
	m.mu.Unlock()

	if terminal || sess == nil {
		return
	}
	if ownership == nil || ownership.MayClose(session.HolderPairingManager) {
		sess.Close()
	}
	if ownership != nil {
		// A disposed token stays disposed; ignore double-dispose on
		// repeated resets.
		_ = ownership.Dispose(session.HolderPairingManager)
	}
}

// handoff transfers ownership to the steady-state owner exactly once.
func (m *Manager) handoff() *session.Ownership {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Transfer from a non-terminal phase is a state machine invariant;
	// an error here would be a programming bug, not a runtime
	// condition.
	_ = m.ownership.Transfer(session.HolderPairingManager, session.HolderSteadyState)
	m.phase = PhaseHandedOff
	return m.ownership
}

func (m *Manager) fail(reason FailureReason) {
	m.teardown()
	m.mu.Lock()
	// A Reset that cancelled this attempt already returned the machine
	// to Idle; the late failure must not overwrite that.
	if m.state != StateIdle {
		m.reason = reason
		m.setStateLocked(StateFailed)
	}
	m.mu.Unlock()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.setStateLocked(s)
	m.mu.Unlock()
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.log != nil {
		m.log.Debugf("state -> %s", s)
	}
	if m.onState != nil {
		m.onState(s)
	}
}

func (m *Manager) setPhase(p OwnershipPhase) {
	m.mu.Lock()
	if !m.phase.Terminal() {
		m.phase = p
	}
	m.mu.Unlock()
}
