// Package ras assembles the client: credential store, connection
// strategies, pairing manager, IP-change channel and reconnection
// controller, wired together with explicit construction.
package ras

import (
	"errors"
	"net/url"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/hostbridge/ras/pkg/crypto"
	"github.com/hostbridge/ras/pkg/ntfy"
	"github.com/hostbridge/ras/pkg/session"
)

// Defaults.
const (
	// DefaultSignalPath is the host's HTTP signaling endpoint path.
	DefaultSignalPath = "/signal"

	// DefaultDirectTimeout bounds the direct probe before the relay
	// fallback.
	DefaultDirectTimeout = 5 * time.Second

	// DefaultAttemptTimeout bounds each connection strategy attempt.
	DefaultAttemptTimeout = 10 * time.Second
)

// Config configures a Client. The zero value is usable: in-memory
// credentials, the public ntfy server, no STUN servers, no logging.
type Config struct {
	// StorePath persists credentials to a file. Empty keeps them in
	// memory only.
	StorePath string

	// Store overrides the credential store entirely. Takes precedence
	// over StorePath.
	Store session.CredentialStore

	// NtfyServerURL overrides the relay server. Empty means
	// ntfy.DefaultServerURL.
	NtfyServerURL string

	// SignalPath overrides the host's HTTP signaling path.
	SignalPath string

	// ICEServers are STUN/TURN servers for the peer-to-peer strategy.
	ICEServers []webrtc.ICEServer

	// VPNCandidatePort is the port advertised in injected VPN
	// candidates. Zero disables injection.
	VPNCandidatePort int

	// DirectTimeout bounds the direct probe during pairing.
	DirectTimeout time.Duration

	// AttemptTimeout bounds each strategy attempt.
	AttemptTimeout time.Duration

	// RecoveryTimeout bounds transient ICE loss before the session is
	// declared dead. Zero means ice.DefaultRecoveryTimeout.
	RecoveryTimeout time.Duration

	// Random overrides the nonce source. Nil uses the system source.
	Random crypto.RandomSource

	// Clock overrides the time source. Nil uses the wall clock.
	Clock clock.Clock

	// LoggerFactory creates every component's loggers. Nil disables
	// logging.
	LoggerFactory logging.LoggerFactory
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.NtfyServerURL != "" {
		u, err := url.Parse(c.NtfyServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return errors.New("ras: ntfy server url must be http or https")
		}
	}
	if c.DirectTimeout < 0 || c.AttemptTimeout < 0 || c.RecoveryTimeout < 0 {
		return errors.New("ras: timeouts must not be negative")
	}
	if c.VPNCandidatePort < 0 || c.VPNCandidatePort > 65535 {
		return errors.New("ras: vpn candidate port out of range")
	}
	return nil
}

// withDefaults returns a copy with every unset field filled in.
func (c Config) withDefaults() Config {
	if c.NtfyServerURL == "" {
		c.NtfyServerURL = ntfy.DefaultServerURL
	}
	if c.SignalPath == "" {
		c.SignalPath = DefaultSignalPath
	}
	if c.DirectTimeout == 0 {
		c.DirectTimeout = DefaultDirectTimeout
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.Random == nil {
		c.Random = crypto.SystemRandom
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}
