package connect

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/pion/logging"

	"github.com/hostbridge/ras/pkg/transport"
)

// AddressLookup finds candidate host addresses for a session on the
// local network. *discover.Resolver implements it.
type AddressLookup interface {
	Lookup(ctx context.Context, sessionID string) ([]string, error)
}

// LocalDirectConfig configures a LocalDirectStrategy.
type LocalDirectConfig struct {
	// Lookup discovers the host when the credentials carry no address
	// hint. Nil disables discovery; the strategy then fails without a
	// hint.
	Lookup AddressLookup

	// LoggerFactory creates the strategy's logger. Nil disables logging.
	LoggerFactory logging.LoggerFactory
}

// LocalDirectStrategy dials the host's signaling address over the local
// network. Candidates come from the connection hints, falling back to
// LAN discovery keyed by the session ID.
type LocalDirectStrategy struct {
	lookup        AddressLookup
	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger
}

// NewLocalDirectStrategy creates a LocalDirectStrategy.
func NewLocalDirectStrategy(config LocalDirectConfig) *LocalDirectStrategy {
	s := &LocalDirectStrategy{
		lookup:        config.Lookup,
		loggerFactory: config.LoggerFactory,
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("local-direct")
	}
	return s
}

func (s *LocalDirectStrategy) Name() string  { return "local-direct" }
func (s *LocalDirectStrategy) Priority() int { return PriorityLocalDirect }

// Attempt dials each candidate address in turn and returns the first
// session established.
func (s *LocalDirectStrategy) Attempt(ctx context.Context, creds *Credentials) (transport.Session, error) {
	addrs, err := s.candidates(ctx, creds)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, addr := range addrs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sess, err := transport.DialTCP(ctx, addr, s.loggerFactory)
		if err == nil {
			return sess, nil
		}
		if s.log != nil {
			s.log.Debugf("dialing %s failed: %v", addr, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("connect: no candidate reachable: %w", lastErr)
}

func (s *LocalDirectStrategy) candidates(ctx context.Context, creds *Credentials) ([]string, error) {
	if creds.Hints.Host != "" {
		addr := net.JoinHostPort(creds.Hints.Host, strconv.Itoa(int(creds.Hints.Port)))
		return []string{addr}, nil
	}
	if s.lookup == nil {
		return nil, ErrNoAddress
	}

	addrs, err := s.lookup.Lookup(ctx, creds.Keys.SessionID())
	if err != nil {
		return nil, fmt.Errorf("connect: discovery: %w", err)
	}
	if len(addrs) == 0 {
		return nil, ErrNoAddress
	}
	return addrs, nil
}
