package session

import (
	"errors"
	"fmt"
	"sync"
)

// Holder identifies which component currently owns a live transport
// session. Exactly one holder exists per session; only the holder may
// close the session or hand it to another holder.
type Holder int

const (
	// HolderPairingManager owns the session during bootstrap.
	HolderPairingManager Holder = iota

	// HolderReconnectionManager owns the session during a reconnection
	// attempt.
	HolderReconnectionManager

	// HolderSteadyState owns the session after a successful handshake.
	HolderSteadyState
)

// String returns a human-readable name for the holder.
func (h Holder) String() string {
	switch h {
	case HolderPairingManager:
		return "PairingManager"
	case HolderReconnectionManager:
		return "ReconnectionManager"
	case HolderSteadyState:
		return "SteadyStateManager"
	default:
		return fmt.Sprintf("Unknown(%d)", int(h))
	}
}

// Ownership errors.
var (
	// ErrNotOwner is returned when a component that is not the current
	// holder tries to transfer or dispose.
	ErrNotOwner = errors.New("session: caller does not hold ownership")

	// ErrDisposed is returned for any operation on a disposed token.
	ErrDisposed = errors.New("session: ownership already disposed")
)

// Ownership is the single arbiter of who may close one transport
// session. It prevents two components from both believing they control
// the same socket: transfers require the current holder to relinquish
// explicitly, and once disposed the token can never be reassigned.
type Ownership struct {
	mu       sync.Mutex
	holder   Holder
	disposed bool
}

// NewOwnership creates a token held by the given component.
func NewOwnership(initial Holder) *Ownership {
	return &Ownership{holder: initial}
}

// Holder returns the current holder. After Dispose the second return is
// false and the holder value is meaningless.
func (o *Ownership) Holder() (Holder, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.holder, !o.disposed
}

// Transfer moves ownership from the current holder to another. The
// caller must name itself as `from`; anything else is a programming
// error surfaced as ErrNotOwner.
func (o *Ownership) Transfer(from, to Holder) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.disposed {
		return ErrDisposed
	}
	if o.holder != from {
		return fmt.Errorf("%w: held by %s, transfer requested by %s", ErrNotOwner, o.holder, from)
	}
	o.holder = to
	return nil
}

// Dispose terminally releases the token. Only the current holder may
// dispose; a disposed token can never be reassigned. Disposing twice
// returns ErrDisposed.
func (o *Ownership) Dispose(from Holder) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.disposed {
		return ErrDisposed
	}
	if o.holder != from {
		return fmt.Errorf("%w: held by %s, dispose requested by %s", ErrNotOwner, o.holder, from)
	}
	o.disposed = true
	return nil
}

// MayClose reports whether the given component currently holds the
// session and may therefore close it.
func (o *Ownership) MayClose(h Holder) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.disposed && o.holder == h
}
