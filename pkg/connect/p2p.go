package connect

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/hostbridge/ras/pkg/ice"
	"github.com/hostbridge/ras/pkg/transport"
)

// controlChannelLabel is the data channel carrying the control stream.
const controlChannelLabel = "control"

// SignalerFunc builds the signaler for one attempt. The signaler
// depends on the derived keys, so it cannot be fixed at construction.
type SignalerFunc func(creds *Credentials) (Signaler, error)

// P2PConfig configures a P2PStrategy.
type P2PConfig struct {
	// NewSignaler builds the offer/answer exchange for each attempt.
	// Required.
	NewSignaler SignalerFunc

	// ICEServers are the STUN/TURN servers for candidate gathering.
	ICEServers []webrtc.ICEServer

	// VPNInterfaces enumerates interfaces for candidate injection. Nil
	// uses the system interface list.
	VPNInterfaces ice.InterfaceLister

	// VPNPort is the port advertised in injected VPN candidates. Zero
	// disables injection.
	VPNPort int

	// Recovery observes the connection state for transient-loss
	// handling. Optional.
	Recovery *ice.RecoveryHandler

	// LoggerFactory creates the strategy's logger. Nil disables logging.
	LoggerFactory logging.LoggerFactory
}

// P2PStrategy establishes a NAT-traversing peer-to-peer session over a
// WebRTC data channel. It is the always-available fallback: it needs no
// address hint, only a working signaling path.
type P2PStrategy struct {
	newSignaler SignalerFunc
	iceServers  []webrtc.ICEServer
	interfaces  ice.InterfaceLister
	vpnPort     int
	recovery    *ice.RecoveryHandler
	log         logging.LeveledLogger
}

// NewP2PStrategy creates a P2PStrategy.
func NewP2PStrategy(config P2PConfig) (*P2PStrategy, error) {
	if config.NewSignaler == nil {
		return nil, errors.New("connect: signaler is required")
	}

	s := &P2PStrategy{
		newSignaler: config.NewSignaler,
		iceServers: config.ICEServers,
		interfaces: config.VPNInterfaces,
		vpnPort:    config.VPNPort,
		recovery:   config.Recovery,
	}
	if s.interfaces == nil {
		s.interfaces = ice.SystemInterfaces
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("p2p")
	}
	return s, nil
}

func (s *P2PStrategy) Name() string  { return "p2p" }
func (s *P2PStrategy) Priority() int { return PriorityP2P }

// Attempt negotiates a peer connection: create the control data
// channel, gather candidates, inject VPN overlay candidates into the
// local offer, exchange it through the signaler and wait for the
// channel to open.
func (s *P2PStrategy) Attempt(ctx context.Context, creds *Credentials) (transport.Session, error) {
	signaler, err := s.newSignaler(creds)
	if err != nil {
		return nil, fmt.Errorf("connect: building signaler: %w", err)
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: s.iceServers})
	if err != nil {
		return nil, fmt.Errorf("connect: creating peer connection: %w", err)
	}

	sess, err := s.negotiate(ctx, pc, signaler)
	if err != nil {
		pc.Close()
		return nil, err
	}
	return sess, nil
}

func (s *P2PStrategy) negotiate(ctx context.Context, pc *webrtc.PeerConnection, signaler Signaler) (transport.Session, error) {
	dc, err := pc.CreateDataChannel(controlChannelLabel, nil)
	if err != nil {
		return nil, fmt.Errorf("connect: creating control channel: %w", err)
	}

	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	sess := newChannelSession(pc, dc)

	// The peer connection holds a single state handler, so recovery
	// tracking and session teardown share it.
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if s.recovery != nil {
			switch state {
			case webrtc.PeerConnectionStateConnected:
				s.recovery.OnRecovered()
			case webrtc.PeerConnectionStateDisconnected:
				s.recovery.OnTransientDisconnect()
			case webrtc.PeerConnectionStateFailed:
				s.recovery.OnTerminalFailure()
			}
		}
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			sess.markDone()
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("connect: creating offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("connect: setting local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	local := pc.LocalDescription()
	sdp := local.SDP
	if s.vpnPort > 0 {
		addrs, err := ice.ListVPNAddresses(s.interfaces)
		if err != nil {
			if s.log != nil {
				s.log.Warnf("listing vpn interfaces failed: %v", err)
			}
		} else if len(addrs) > 0 {
			sdp = ice.InjectCandidates(sdp, addrs, s.vpnPort)
			if s.log != nil {
				s.log.Debugf("injected %d vpn candidates", len(addrs))
			}
		}
	}

	answerSDP, err := signaler.Exchange(ctx, []byte(sdp))
	if err != nil {
		return nil, fmt.Errorf("connect: signaling: %w", err)
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(answerSDP)}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return nil, fmt.Errorf("connect: setting remote description: %w", err)
	}

	select {
	case <-opened:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return sess, nil
}

// channelSession adapts a WebRTC data channel to transport.Session.
// The channel is message-oriented, so frames map one-to-one onto data
// channel messages.
type channelSession struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	recvCh chan []byte
	done   chan struct{}
	once   sync.Once
}

func newChannelSession(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *channelSession {
	s := &channelSession{
		pc:     pc,
		dc:     dc,
		recvCh: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case s.recvCh <- msg.Data:
		case <-s.done:
		}
	})
	dc.OnClose(func() { s.markDone() })
	return s
}

func (s *channelSession) markDone() {
	s.once.Do(func() { close(s.done) })
}

func (s *channelSession) Control() transport.Stream { return s }

func (s *channelSession) RemoteDescription() string {
	return "webrtc:" + s.dc.Label()
}

func (s *channelSession) Done() <-chan struct{} { return s.done }

func (s *channelSession) Close() error {
	s.markDone()
	return s.pc.Close()
}

func (s *channelSession) Send(payload []byte) error {
	select {
	case <-s.done:
		return transport.ErrClosed
	default:
	}
	if len(payload) > transport.MaxFrameSize {
		return transport.ErrFrameTooLarge
	}
	return s.dc.Send(payload)
}

func (s *channelSession) Receive() ([]byte, error) {
	select {
	case payload := <-s.recvCh:
		return payload, nil
	case <-s.done:
		// Drain messages that arrived before the channel closed.
		select {
		case payload := <-s.recvCh:
			return payload, nil
		default:
		}
		return nil, transport.ErrClosed
	}
}
