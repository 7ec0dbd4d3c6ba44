package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/logging"
)

// DefaultDialTimeout bounds a TCP dial when the caller's context has no
// earlier deadline.
const DefaultDialTimeout = 5 * time.Second

// DialTCP connects to a host's framed-stream endpoint and returns the
// session. The context cancels or times out the dial; an established
// session is not bound to it.
func DialTCP(ctx context.Context, addr string, loggerFactory logging.LoggerFactory) (Session, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultDialTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", addr, err)
	}

	if loggerFactory != nil {
		loggerFactory.NewLogger("transport-tcp").Debugf("connected to %s", addr)
	}

	// Keepalives so half-dead NAT mappings surface as read errors
	// instead of silent stalls.
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(30 * time.Second)
	}

	return NewConnSession(conn, addr), nil
}
