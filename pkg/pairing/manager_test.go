package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/hostbridge/ras/pkg/connect"
	"github.com/hostbridge/ras/pkg/crypto"
	"github.com/hostbridge/ras/pkg/payload"
	"github.com/hostbridge/ras/pkg/session"
	"github.com/hostbridge/ras/pkg/transport"
)

func testSecret() []byte {
	secret := make([]byte, crypto.MasterSecretSize)
	for i := range secret {
		secret[i] = byte(i + 1)
	}
	return secret
}

func testQR(t *testing.T, secret []byte) string {
	t.Helper()
	raw, err := payload.Encode(&payload.Payload{Version: payload.Version, MasterSecret: secret})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return raw
}

// hostSim answers the handshake on the far end of a piped session the
// way a real host would.
func hostSim(t *testing.T, sess transport.Session, secret []byte, tamperProof bool) {
	t.Helper()
	keys, err := session.DeriveKeys(secret)
	if err != nil {
		t.Fatalf("DeriveKeys() error = %v", err)
	}
	go func() {
		raw, err := sess.Control().Receive()
		if err != nil {
			return
		}
		var request pairRequest
		if err := cbor.Unmarshal(raw, &request); err != nil {
			return
		}
		if !crypto.ConstantTimeEqual(request.Proof, requestProof(keys.Auth, request.SessionID, request.DeviceID, request.Nonce)) {
			return
		}
		proof := responseProof(keys.Auth, request.Nonce)
		if tamperProof {
			proof[0] ^= 0xff
		}
		reply, _ := cbor.Marshal(pairResponse{Proof: proof})
		sess.Control().Send(reply)
	}()
}

// fakeConnector is a scriptable Connector.
type fakeConnector struct {
	err  error
	wait bool // block until ctx expires, then return its error

	mu      sync.Mutex
	calls   int
	creds   *connect.Credentials
	dialled transport.Session // far end of the produced session
}

func (f *fakeConnector) Connect(ctx context.Context, creds *connect.Credentials) (transport.Session, error) {
	f.mu.Lock()
	f.calls++
	f.creds = creds
	f.mu.Unlock()

	if f.wait {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	local, remote := transport.Pipe()
	f.mu.Lock()
	f.dialled = remote
	f.mu.Unlock()
	return local, nil
}

func (f *fakeConnector) remote() transport.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dialled
}

func (f *fakeConnector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestHandleScanDirectTimesOutRelaySucceeds(t *testing.T) {
	secret := testSecret()
	store := session.NewMemoryStore()
	direct := &fakeConnector{wait: true}
	relay := &fakeConnector{}

	var states []State
	m, err := NewManager(Config{
		Store:         store,
		Direct:        direct,
		Relay:         relay,
		DirectTimeout: 20 * time.Millisecond,
		OnStateChange: func(s State) { states = append(states, s) },
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	// The relay connector produces a piped session; answer the
	// handshake on its far end as soon as it exists.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for relay.remote() == nil {
			time.Sleep(time.Millisecond)
		}
		hostSim(t, relay.remote(), secret, false)
	}()

	result, err := m.HandleScan(context.Background(), testQR(t, secret))
	<-done
	if err != nil {
		t.Fatalf("HandleScan() error = %v", err)
	}

	if state, _ := m.State(); state != StateAuthenticated {
		t.Errorf("state = %s, want Authenticated", state)
	}
	if direct.callCount() != 1 || relay.callCount() != 1 {
		t.Errorf("connector calls = %d/%d, want 1/1", direct.callCount(), relay.callCount())
	}

	// Ownership was transferred exactly once; the manager may no
	// longer close the session.
	if m.OwnershipPhase() != PhaseHandedOff {
		t.Errorf("ownership phase = %s, want HandedOff", m.OwnershipPhase())
	}
	holder, live := result.Ownership.Holder()
	if !live || holder != session.HolderSteadyState {
		t.Errorf("ownership holder = %s (live=%v), want SteadyStateManager", holder, live)
	}
	if result.Ownership.MayClose(session.HolderPairingManager) {
		t.Error("pairing manager may still close a handed-off session")
	}

	// The device record was persisted and selected.
	device, err := store.Get(result.DeviceID)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", result.DeviceID, err)
	}
	if !device.Selected || device.Status != session.StatusPaired {
		t.Errorf("device = %+v, want selected and paired", device)
	}
	if !crypto.ConstantTimeEqual(device.MasterSecret, secret) {
		t.Error("persisted secret differs from the scanned one")
	}

	// State machine walked the relay path in order.
	want := []State{
		StateScanning, StateQrParsed, StateTryingDirect,
		StateNtfySubscribing, StateNtfyWaitingForAnswer,
		StateConnecting, StateAuthenticating, StateAuthenticated,
	}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Errorf("state sequence = %v, want %v", states, want)
	}

	// After a reset the session must survive: it is no longer ours.
	m.Reset()
	select {
	case <-result.Session.Done():
		t.Error("Reset() closed a handed-off session")
	default:
	}
	result.Session.Close()
}

func TestHandleScanProofMismatch(t *testing.T) {
	secret := testSecret()
	direct := &fakeConnector{}

	m, err := NewManager(Config{
		Store:  session.NewMemoryStore(),
		Direct: direct,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	go func() {
		for direct.remote() == nil {
			time.Sleep(time.Millisecond)
		}
		hostSim(t, direct.remote(), secret, true)
	}()

	_, err = m.HandleScan(context.Background(), testQR(t, secret))
	if !errors.Is(err, ErrProofMismatch) {
		t.Fatalf("HandleScan() error = %v, want %v", err, ErrProofMismatch)
	}

	state, reason := m.State()
	if state != StateFailed || reason != ReasonAuthFailed {
		t.Errorf("state = %s(%s), want Failed(AuthFailed)", state, reason)
	}
	// The transport was torn down, never handed off.
	if m.OwnershipPhase() != PhaseClosed {
		t.Errorf("ownership phase = %s, want Closed", m.OwnershipPhase())
	}
	if _, err := direct.remote().Control().Receive(); err == nil {
		t.Error("session still delivers after an authentication failure")
	}
}

func TestHandleScanBadQR(t *testing.T) {
	m, err := NewManager(Config{
		Store:  session.NewMemoryStore(),
		Direct: &fakeConnector{},
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	_, err = m.HandleScan(context.Background(), "not a payload")
	var perr *Error
	if !errors.As(err, &perr) || perr.Reason != ReasonQrParseError {
		t.Fatalf("HandleScan() error = %v, want reason QrParseError", err)
	}
	if state, reason := m.State(); state != StateFailed || reason != ReasonQrParseError {
		t.Errorf("state = %s(%s), want Failed(QrParseError)", state, reason)
	}
}

func TestHandleScanRelayClassification(t *testing.T) {
	tests := []struct {
		name     string
		relayErr error
		want     FailureReason
	}{
		{"subscribe failed", fmt.Errorf("%w: dns", connect.ErrRelaySubscribe), ReasonNtfySubscribeFailed},
		{"signaling rejected", fmt.Errorf("%w: status 403", connect.ErrSignalingRejected), ReasonSignalingFailed},
		{"relay timeout", context.DeadlineExceeded, ReasonNtfyTimeout},
		{"other", errors.New("ice failed"), ReasonConnectionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManager(Config{
				Store:         session.NewMemoryStore(),
				Direct:        &fakeConnector{wait: true},
				Relay:         &fakeConnector{err: tt.relayErr},
				DirectTimeout: 10 * time.Millisecond,
			})
			if err != nil {
				t.Fatalf("NewManager() error = %v", err)
			}

			_, err = m.HandleScan(context.Background(), testQR(t, testSecret()))
			var perr *Error
			if !errors.As(err, &perr) || perr.Reason != tt.want {
				t.Errorf("HandleScan() error = %v, want reason %s", err, tt.want)
			}
		})
	}
}

func TestHandleScanNoRelayDirectTimeout(t *testing.T) {
	m, err := NewManager(Config{
		Store:         session.NewMemoryStore(),
		Direct:        &fakeConnector{wait: true},
		DirectTimeout: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	_, err = m.HandleScan(context.Background(), testQR(t, testSecret()))
	var perr *Error
	if !errors.As(err, &perr) || perr.Reason != ReasonDirectTimeout {
		t.Fatalf("HandleScan() error = %v, want reason DirectTimeout", err)
	}
}

func TestHandleScanBusy(t *testing.T) {
	direct := &fakeConnector{wait: true}
	m, err := NewManager(Config{
		Store:         session.NewMemoryStore(),
		Direct:        direct,
		DirectTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := m.HandleScan(context.Background(), testQR(t, testSecret()))
		firstDone <- err
	}()

	for direct.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	if _, err := m.HandleScan(context.Background(), testQR(t, testSecret())); !errors.Is(err, ErrBusy) {
		t.Errorf("second HandleScan() error = %v, want %v", err, ErrBusy)
	}

	m.Reset()
	if err := <-firstDone; err == nil {
		t.Error("cancelled attempt reported success")
	}
	// The reset wins over the late failure of the cancelled attempt.
	m.Reset()
	if state, _ := m.State(); state != StateIdle {
		t.Errorf("state after Reset() = %s, want Idle", state)
	}
}

func TestResetIdempotent(t *testing.T) {
	m, err := NewManager(Config{
		Store:  session.NewMemoryStore(),
		Direct: &fakeConnector{},
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	m.Reset()
	m.Reset()
	if state, _ := m.State(); state != StateIdle {
		t.Errorf("state = %s, want Idle", state)
	}
}
