// Package ice handles peer-to-peer session connectivity: transient
// disconnect recovery and VPN candidate injection into session
// descriptions.
package ice

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
)

// DefaultRecoveryTimeout is how long a transient disconnect may last
// before the session is declared failed.
const DefaultRecoveryTimeout = 15 * time.Second

// RecoveryState is the connectivity state of one monitored session.
type RecoveryState int

const (
	// StateStable means connectivity is fine.
	StateStable RecoveryState = iota

	// StateRecoveryPending means a transient disconnect was observed and
	// the recovery timer is armed.
	StateRecoveryPending

	// StateTerminal means the session failed; the handler is inert.
	StateTerminal
)

// String returns a human-readable name for the state.
func (s RecoveryState) String() string {
	switch s {
	case StateStable:
		return "Stable"
	case StateRecoveryPending:
		return "RecoveryPending"
	case StateTerminal:
		return "Terminal"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// RecoveryConfig configures a RecoveryHandler.
type RecoveryConfig struct {
	// Timeout is the recovery window. Zero means DefaultRecoveryTimeout.
	Timeout time.Duration

	// OnFailure is invoked exactly once when recovery fails: either the
	// window elapses or a terminal failure is reported. Required.
	OnFailure func()

	// Clock overrides the time source. Nil uses the wall clock.
	Clock clock.Clock

	// LoggerFactory creates the handler's logger. Nil disables logging.
	LoggerFactory logging.LoggerFactory
}

// RecoveryHandler watches one peer-to-peer session's connectivity
// signal. A transient disconnect arms a single-shot timer; recovery
// within the window cancels it; otherwise the failure callback fires.
// At most one timer is outstanding at any time.
type RecoveryHandler struct {
	timeout   time.Duration
	onFailure func()
	clk       clock.Clock
	log       logging.LeveledLogger

	mu       sync.Mutex
	state    RecoveryState
	deadline time.Time
	timer    *clock.Timer
	gen      uint64 // invalidates timers from superseded arms
}

// NewRecoveryHandler creates a handler in the Stable state.
func NewRecoveryHandler(config RecoveryConfig) (*RecoveryHandler, error) {
	if config.OnFailure == nil {
		return nil, fmt.Errorf("ice: OnFailure callback is required")
	}

	h := &RecoveryHandler{
		timeout:   config.Timeout,
		onFailure: config.OnFailure,
		clk:       config.Clock,
		state:     StateStable,
	}
	if h.timeout <= 0 {
		h.timeout = DefaultRecoveryTimeout
	}
	if h.clk == nil {
		h.clk = clock.New()
	}
	if config.LoggerFactory != nil {
		h.log = config.LoggerFactory.NewLogger("ice-recovery")
	}
	return h, nil
}

// State returns the current state. When RecoveryPending, the second
// return carries the failure deadline.
func (h *RecoveryHandler) State() (RecoveryState, time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, h.deadline
}

// OnTransientDisconnect reports a connectivity drop that may heal on
// its own. It arms the recovery timer; re-arming always cancels the
// previous timer first, so the window restarts from now.
func (h *RecoveryHandler) OnTransientDisconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateTerminal {
		return
	}

	h.stopTimerLocked()
	h.gen++
	gen := h.gen
	h.state = StateRecoveryPending
	h.deadline = h.clk.Now().Add(h.timeout)
	h.timer = h.clk.AfterFunc(h.timeout, func() { h.expire(gen) })

	if h.log != nil {
		h.log.Warnf("transient disconnect, recovery deadline in %s", h.timeout)
	}
}

// OnRecovered reports that connectivity came back. It cancels any
// pending timer and returns to Stable. A no-op when Terminal.
func (h *RecoveryHandler) OnRecovered() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateRecoveryPending {
		return
	}
	h.stopTimerLocked()
	h.state = StateStable
	h.deadline = time.Time{}

	if h.log != nil {
		h.log.Info("connectivity recovered")
	}
}

// OnTerminalFailure reports an unrecoverable failure. The pending timer
// (if any) is cancelled and the failure callback fires immediately.
func (h *RecoveryHandler) OnTerminalFailure() {
	h.mu.Lock()
	if h.state == StateTerminal {
		h.mu.Unlock()
		return
	}
	h.stopTimerLocked()
	h.state = StateTerminal
	h.mu.Unlock()

	if h.log != nil {
		h.log.Error("terminal connectivity failure")
	}
	h.onFailure()
}

// Close cancels any pending timer without firing the callback. Used on
// clean teardown. Idempotent.
func (h *RecoveryHandler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopTimerLocked()
	h.state = StateTerminal
}

// expire runs when the recovery window elapses unresolved.
func (h *RecoveryHandler) expire(gen uint64) {
	h.mu.Lock()
	if h.gen != gen || h.state != StateRecoveryPending {
		h.mu.Unlock()
		return
	}
	h.state = StateTerminal
	h.timer = nil
	h.mu.Unlock()

	if h.log != nil {
		h.log.Errorf("recovery window elapsed after %s", h.timeout)
	}
	h.onFailure()
}

func (h *RecoveryHandler) stopTimerLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}
