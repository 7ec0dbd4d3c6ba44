// Package pairing bootstraps trust with a host from a scanned QR
// payload: parse, connect, mutually authenticate, persist the device
// record and hand the live session off to its steady-state owner.
package pairing

import "fmt"

// State is the pairing phase. Transitions are linear; the only way back
// is Reset.
type State int

const (
	// StateIdle means no pairing attempt is in flight.
	StateIdle State = iota

	// StateScanning means a QR payload is being acquired.
	StateScanning

	// StateQrParsed means the payload decoded and keys are derived.
	StateQrParsed

	// StateTryingDirect means the direct connection path is being
	// probed.
	StateTryingDirect

	// StateDirectSignaling means the host answered on the direct path
	// and the session is being negotiated.
	StateDirectSignaling

	// StateNtfySubscribing means the relay topic subscription is being
	// opened after the direct path timed out.
	StateNtfySubscribing

	// StateNtfyWaitingForAnswer means the sealed offer is published and
	// the host's answer is awaited.
	StateNtfyWaitingForAnswer

	// StateConnecting means a transport session exists and its control
	// stream is being opened.
	StateConnecting

	// StateAuthenticating means the mutual HMAC handshake is running.
	StateAuthenticating

	// StateAuthenticated is terminal: the host proved knowledge of the
	// secret and the session was handed off.
	StateAuthenticated

	// StateFailed is terminal until Reset.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateScanning:
		return "Scanning"
	case StateQrParsed:
		return "QrParsed"
	case StateTryingDirect:
		return "TryingDirect"
	case StateDirectSignaling:
		return "DirectSignaling"
	case StateNtfySubscribing:
		return "NtfySubscribing"
	case StateNtfyWaitingForAnswer:
		return "NtfyWaitingForAnswer"
	case StateConnecting:
		return "Connecting"
	case StateAuthenticating:
		return "Authenticating"
	case StateAuthenticated:
		return "Authenticated"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Terminal reports whether the state ends the attempt.
func (s State) Terminal() bool {
	return s == StateAuthenticated || s == StateFailed
}

// FailureReason says why a pairing attempt failed.
type FailureReason int

const (
	// ReasonNone means the attempt did not fail.
	ReasonNone FailureReason = iota

	// ReasonQrParseError: the scanned payload did not decode.
	ReasonQrParseError

	// ReasonSignalingFailed: the host refused or broke the signaling
	// exchange.
	ReasonSignalingFailed

	// ReasonDirectTimeout: the direct path produced nothing in time.
	ReasonDirectTimeout

	// ReasonNtfySubscribeFailed: the relay topic could not be opened.
	ReasonNtfySubscribeFailed

	// ReasonNtfyTimeout: the host never answered on the relay.
	ReasonNtfyTimeout

	// ReasonConnectionFailed: every strategy exhausted.
	ReasonConnectionFailed

	// ReasonAuthFailed: the host's proof did not verify. Never retried
	// automatically with the same secret.
	ReasonAuthFailed

	// ReasonTimeout: the overall attempt deadline passed.
	ReasonTimeout
)

func (r FailureReason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonQrParseError:
		return "QrParseError"
	case ReasonSignalingFailed:
		return "SignalingFailed"
	case ReasonDirectTimeout:
		return "DirectTimeout"
	case ReasonNtfySubscribeFailed:
		return "NtfySubscribeFailed"
	case ReasonNtfyTimeout:
		return "NtfyTimeout"
	case ReasonConnectionFailed:
		return "ConnectionFailed"
	case ReasonAuthFailed:
		return "AuthFailed"
	case ReasonTimeout:
		return "Timeout"
	default:
		return fmt.Sprintf("Unknown(%d)", int(r))
	}
}

// OwnershipPhase tracks the transport session independently of the
// pairing phase. HandedOff and Closed are terminal; only from a
// non-terminal phase may the session be closed on cleanup.
type OwnershipPhase int

const (
	// PhaseCreating: no session exists yet.
	PhaseCreating OwnershipPhase = iota

	// PhaseSignaling: an offer/answer exchange is in flight.
	PhaseSignaling

	// PhaseConnecting: a session exists, control stream pending.
	PhaseConnecting

	// PhaseAuthenticating: the handshake runs over the session.
	PhaseAuthenticating

	// PhaseHandedOff: ownership was transferred; the manager must never
	// close the session again.
	PhaseHandedOff

	// PhaseClosed: the session was torn down by the manager.
	PhaseClosed
)

func (p OwnershipPhase) String() string {
	switch p {
	case PhaseCreating:
		return "Creating"
	case PhaseSignaling:
		return "Signaling"
	case PhaseConnecting:
		return "Connecting"
	case PhaseAuthenticating:
		return "Authenticating"
	case PhaseHandedOff:
		return "HandedOff"
	case PhaseClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(p))
	}
}

// Terminal reports whether the phase permits no further transitions.
func (p OwnershipPhase) Terminal() bool {
	return p == PhaseHandedOff || p == PhaseClosed
}
