package connect

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoStrategies  = errors.New("connect: at least one strategy is required")
	ErrNoCredentials = errors.New("connect: credentials are required")
	ErrNoAddress     = errors.New("connect: no candidate address")
	ErrNoVPNRoute    = errors.New("connect: no vpn route to host")
	ErrNoSession     = errors.New("connect: session id is required")

	// ErrRelaySubscribe marks a failure to open the relay topic
	// subscription, as opposed to a timeout waiting on it.
	ErrRelaySubscribe = errors.New("connect: relay subscription failed")

	// ErrSignalingRejected marks a host that answered but refused the
	// signaling request.
	ErrSignalingRejected = errors.New("connect: signaling rejected")
)

// AttemptError records why one strategy failed.
type AttemptError struct {
	Strategy string
	Priority int
	Err      error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s (priority %d): %v", e.Strategy, e.Priority, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// ConnectError is returned when every strategy failed. It carries the
// per-strategy reasons for diagnostics; callers retry by policy, not by
// inspecting individual reasons.
type ConnectError struct {
	Attempts []*AttemptError
}

func (e *ConnectError) Error() string {
	if len(e.Attempts) == 0 {
		return "connect: no strategy attempted"
	}
	reasons := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		reasons[i] = a.Error()
	}
	return "connect: all strategies failed: " + strings.Join(reasons, "; ")
}
