// Package discover finds pairing hosts on the local network via DNS-SD
// when the QR payload carries no address hint.
package discover

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// DNS-SD service parameters for pairing hosts.
const (
	// Service is the DNS-SD service type a pairing host advertises.
	Service = "_ras-host._tcp"

	// Domain is the mDNS domain.
	Domain = "local."

	// TXTSessionKey is the TXT record key carrying the host's session ID.
	// A scan must never connect to a foreign host, so entries whose
	// session ID does not match are dropped.
	TXTSessionKey = "sid"

	// DefaultBrowseTimeout bounds a browse when the caller's context has
	// no earlier deadline.
	DefaultBrowseTimeout = 5 * time.Second
)

// MDNSResolver is the mDNS browse surface, injectable for tests.
type MDNSResolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

type zeroconfResolver struct {
	resolver *zeroconf.Resolver
}

func (z *zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Browse(ctx, service, domain, entries)
}

// Resolver browses for pairing hosts.
type Resolver struct {
	mdns MDNSResolver
	log  logging.LeveledLogger
}

// Config configures a Resolver.
type Config struct {
	// MDNS overrides the mDNS implementation. Nil uses zeroconf.
	MDNS MDNSResolver

	// LoggerFactory creates the resolver's logger. Nil disables logging.
	LoggerFactory logging.LoggerFactory
}

// NewResolver creates a Resolver.
func NewResolver(config Config) (*Resolver, error) {
	r := &Resolver{mdns: config.MDNS}
	if config.LoggerFactory != nil {
		r.log = config.LoggerFactory.NewLogger("discover")
	}
	if r.mdns == nil {
		zc, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("discover: creating mdns resolver: %w", err)
		}
		r.mdns = &zeroconfResolver{resolver: zc}
	}
	return r, nil
}

// Lookup browses for hosts advertising the given session ID and returns
// candidate "ip:port" addresses, IPv4 only, deduplicated, in discovery
// order. It returns when the context ends; finding nothing is not an
// error.
func (r *Resolver) Lookup(ctx context.Context, sessionID string) ([]string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultBrowseTimeout)
		defer cancel()
	}

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := r.mdns.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("discover: browse: %w", err)
	}

	var addrs []string
	seen := make(map[string]bool)
	for entry := range entries {
		if entry == nil {
			continue
		}
		if sid := txtValue(entry.Text, TXTSessionKey); sid != sessionID {
			if r.log != nil {
				r.log.Debugf("ignoring host %s with session %q", entry.Instance, sid)
			}
			continue
		}
		for _, ip := range entry.AddrIPv4 {
			if ip == nil || ip.IsLoopback() {
				continue
			}
			addr := net.JoinHostPort(ip.String(), fmt.Sprintf("%d", entry.Port))
			if !seen[addr] {
				seen[addr] = true
				addrs = append(addrs, addr)
			}
		}
	}

	if r.log != nil {
		r.log.Infof("discovered %d candidate address(es)", len(addrs))
	}
	return addrs, nil
}

func txtValue(txt []string, key string) string {
	for _, kv := range txt {
		if v, ok := strings.CutPrefix(kv, key+"="); ok {
			return v
		}
	}
	return ""
}
