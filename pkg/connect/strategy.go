// Package connect establishes a transport session to a paired host. A
// fixed set of strategies is tried in ascending priority order; the
// first one that produces a usable session wins.
package connect

import (
	"context"

	"github.com/hostbridge/ras/pkg/payload"
	"github.com/hostbridge/ras/pkg/session"
	"github.com/hostbridge/ras/pkg/transport"
)

// Built-in strategy priorities. Lower tries first.
const (
	PriorityLocalDirect = 5
	PriorityVPNDirect   = 10
	PriorityP2P         = 20
)

// Credentials is everything a strategy needs to reach one host.
type Credentials struct {
	// Keys are the derived session keys.
	Keys *session.Keys

	// DeviceID identifies this client to the host.
	DeviceID string

	// NtfyTopic is the host's public relay topic.
	NtfyTopic string

	// Hints are the last known connection hints, from the QR payload or
	// the stored device record.
	Hints payload.ConnectionHints
}

// Strategy is one way of reaching the host. Attempt must honor ctx:
// when ctx is cancelled the attempt releases its resources and returns
// promptly. A session returned after cancellation is closed by the
// caller.
type Strategy interface {
	// Name identifies the strategy in logs and failure reports.
	Name() string

	// Priority orders strategies; lower tries first.
	Priority() int

	// Attempt tries to establish a session.
	Attempt(ctx context.Context, creds *Credentials) (transport.Session, error)
}
