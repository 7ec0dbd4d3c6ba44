package transport

import (
	"errors"
	"net"
	"sync"
)

// ErrClosed is returned for operations on a closed session.
var ErrClosed = errors.New("transport: session closed")

// Stream is a bidirectional, message-oriented pipe. Send and Receive
// are safe for one concurrent sender and one concurrent receiver;
// Receive blocks until a message arrives or the stream closes.
type Stream interface {
	Send(payload []byte) error
	Receive() ([]byte, error)
}

// Session is a usable bidirectional channel produced by a connection
// strategy. Closing a session is guarded by the ownership token one
// layer up; the session itself only knows how to close.
type Session interface {
	// Control returns the control stream. It is available as soon as
	// the session exists.
	Control() Stream

	// RemoteDescription describes the peer endpoint for logs.
	RemoteDescription() string

	// Done is closed when the session ends, locally or remotely.
	Done() <-chan struct{}

	// Close tears the session down. Idempotent.
	Close() error
}

// connSession adapts a net.Conn (or anything conn-shaped) into a
// Session with a framed control stream.
type connSession struct {
	conn   net.Conn
	remote string

	writeMu sync.Mutex
	readMu  sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// NewConnSession wraps a connected net.Conn as a Session. The caller
// gives up direct use of the conn.
func NewConnSession(conn net.Conn, remote string) Session {
	if remote == "" && conn.RemoteAddr() != nil {
		remote = conn.RemoteAddr().String()
	}
	return &connSession{
		conn:   conn,
		remote: remote,
		done:   make(chan struct{}),
	}
}

func (s *connSession) Control() Stream            { return s }
func (s *connSession) RemoteDescription() string  { return s.remote }
func (s *connSession) Done() <-chan struct{}      { return s.done }

func (s *connSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *connSession) Send(payload []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return WriteFrame(s.conn, payload)
}

func (s *connSession) Receive() ([]byte, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	payload, err := ReadFrame(s.conn)
	if err != nil {
		select {
		case <-s.done:
			return nil, ErrClosed
		default:
		}
		// Remote teardown surfaces here first; mark the session done so
		// Done() observers wake up.
		s.Close()
		return nil, err
	}
	return payload, nil
}

// Pipe returns two sessions connected back to back over an in-memory
// pipe. Test helper, mirroring net.Pipe.
func Pipe() (Session, Session) {
	a, b := net.Pipe()
	return NewConnSession(a, "pipe-a"), NewConnSession(b, "pipe-b")
}
