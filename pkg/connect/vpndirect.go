package connect

import (
	"context"
	"net"
	"strconv"

	"github.com/pion/logging"

	"github.com/hostbridge/ras/pkg/transport"
)

// VPNDirectConfig configures a VPNDirectStrategy.
type VPNDirectConfig struct {
	// LoggerFactory creates the strategy's logger. Nil disables logging.
	LoggerFactory logging.LoggerFactory
}

// VPNDirectStrategy dials the host's address on a VPN overlay network
// (Tailscale, WireGuard and the like). It only applies when the
// credentials carry a VPN hint; the overlay reaches the host across
// networks without NAT traversal.
type VPNDirectStrategy struct {
	loggerFactory logging.LoggerFactory
}

// NewVPNDirectStrategy creates a VPNDirectStrategy.
func NewVPNDirectStrategy(config VPNDirectConfig) *VPNDirectStrategy {
	return &VPNDirectStrategy{loggerFactory: config.LoggerFactory}
}

func (s *VPNDirectStrategy) Name() string  { return "vpn-direct" }
func (s *VPNDirectStrategy) Priority() int { return PriorityVPNDirect }

func (s *VPNDirectStrategy) Attempt(ctx context.Context, creds *Credentials) (transport.Session, error) {
	if creds.Hints.VPNHost == "" {
		return nil, ErrNoVPNRoute
	}
	addr := net.JoinHostPort(creds.Hints.VPNHost, strconv.Itoa(int(creds.Hints.VPNPort)))
	return transport.DialTCP(ctx, addr, s.loggerFactory)
}
