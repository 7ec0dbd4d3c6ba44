package connect

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/hostbridge/ras/pkg/crypto"
	"github.com/hostbridge/ras/pkg/ntfy"
)

func testAuthKey(t *testing.T) []byte {
	t.Helper()
	secret := make([]byte, crypto.MasterSecretSize)
	secret[0] = 7
	key, err := crypto.DeriveKey(secret, crypto.PurposeAuth)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	return key
}

func TestHTTPSignalerExchange(t *testing.T) {
	authKey := testAuthKey(t)
	clk := clock.NewMock()
	clk.Set(time.Unix(1700000000, 0))

	var gotReq *http.Request
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte("v=0 answer"))
	}))
	defer server.Close()

	s, err := NewHTTPSignaler(HTTPSignalerConfig{
		Endpoint:  server.URL,
		SessionID: "0123456789abcdef01234567",
		AuthKey:   authKey,
		Clock:     clk,
	})
	if err != nil {
		t.Fatalf("NewHTTPSignaler() error = %v", err)
	}

	offer := []byte("v=0 offer")
	answer, err := s.Exchange(context.Background(), offer)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if string(answer) != "v=0 answer" {
		t.Errorf("answer = %q, want %q", answer, "v=0 answer")
	}
	if string(gotBody) != string(offer) {
		t.Errorf("posted body = %q, want %q", gotBody, offer)
	}

	if got := gotReq.Header.Get(HeaderSession); got != "0123456789abcdef01234567" {
		t.Errorf("%s = %q", HeaderSession, got)
	}
	ts, err := strconv.ParseInt(gotReq.Header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		t.Fatalf("parsing %s: %v", HeaderTimestamp, err)
	}
	if ts != clk.Now().Unix() {
		t.Errorf("%s = %d, want %d", HeaderTimestamp, ts, clk.Now().Unix())
	}

	// The host recomputes the signature from the headers and body.
	want := hex.EncodeToString(SignRequest(authKey, "0123456789abcdef01234567", ts, offer))
	if got := gotReq.Header.Get(HeaderSignature); got != want {
		t.Errorf("%s = %q, want %q", HeaderSignature, got, want)
	}
}

func TestHTTPSignalerRejectsMissingSession(t *testing.T) {
	_, err := NewHTTPSignaler(HTTPSignalerConfig{
		Endpoint: "http://localhost:1",
		AuthKey:  testAuthKey(t),
	})
	if err != ErrNoSession {
		t.Errorf("NewHTTPSignaler(no session) error = %v, want %v", err, ErrNoSession)
	}
}

func TestHTTPSignalerRejectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	s, err := NewHTTPSignaler(HTTPSignalerConfig{
		Endpoint:  server.URL,
		SessionID: "0123456789abcdef01234567",
		AuthKey:   testAuthKey(t),
	})
	if err != nil {
		t.Fatalf("NewHTTPSignaler() error = %v", err)
	}
	if _, err := s.Exchange(context.Background(), []byte("offer")); err == nil {
		t.Fatal("Exchange() succeeded on a rejected request")
	}
}

// replayConn feeds scripted websocket frames to the ntfy signaler.
type replayConn struct {
	frames chan []byte
	done   chan struct{}
}

func (c *replayConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-c.frames:
		return 1, frame, nil
	case <-c.done:
		return 0, nil, io.EOF
	}
}

func (c *replayConn) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return nil
}

func sealedFrame(t *testing.T, key []byte, envelope signalEnvelope) []byte {
	t.Helper()
	plaintext, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	blob, err := crypto.AEADEncode(key, plaintext, crypto.SystemRandom)
	if err != nil {
		t.Fatalf("AEADEncode() error = %v", err)
	}
	frame, _ := json.Marshal(map[string]string{
		"event":   "message",
		"message": base64.StdEncoding.EncodeToString(blob),
	})
	return frame
}

func TestNtfySignalerExchange(t *testing.T) {
	secret := make([]byte, crypto.MasterSecretSize)
	secret[0] = 9
	key, err := crypto.DeriveKey(secret, crypto.PurposeEncrypt)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}

	published := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		published <- body
	}))
	defer server.Close()

	conn := &replayConn{frames: make(chan []byte, 4), done: make(chan struct{})}
	// The topic echoes our own offer back, plus unrelated garbage,
	// before the host's answer arrives.
	conn.frames <- sealedFrame(t, key, signalEnvelope{Type: "offer", SDP: "v=0 offer"})
	conn.frames <- []byte(`{"event":"keepalive"}`)
	conn.frames <- []byte(`{"event":"message","message":"bm90IHNlYWxlZA=="}`)
	conn.frames <- sealedFrame(t, key, signalEnvelope{Type: "answer", SDP: "v=0 answer"})

	s, err := NewNtfySignaler(NtfySignalerConfig{
		Topic:     "ras-abc123",
		Key:       key,
		ServerURL: server.URL,
		Dial: func(ctx context.Context, url string) (ntfy.FrameConn, error) {
			return conn, nil
		},
	})
	if err != nil {
		t.Fatalf("NewNtfySignaler() error = %v", err)
	}

	answer, err := s.Exchange(context.Background(), []byte("v=0 offer"))
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if string(answer) != "v=0 answer" {
		t.Errorf("answer = %q, want %q", answer, "v=0 answer")
	}

	// The published offer is sealed; the relay never sees plaintext.
	select {
	case body := <-published:
		blob, err := base64.StdEncoding.DecodeString(string(body))
		if err != nil {
			t.Fatalf("published body is not base64: %v", err)
		}
		plaintext, err := crypto.AEADDecode(key, blob)
		if err != nil {
			t.Fatalf("published body does not decode: %v", err)
		}
		var envelope signalEnvelope
		if err := json.Unmarshal(plaintext, &envelope); err != nil {
			t.Fatalf("published envelope: %v", err)
		}
		if envelope.Type != "offer" || envelope.SDP != "v=0 offer" {
			t.Errorf("published envelope = %+v", envelope)
		}
	default:
		t.Fatal("offer was never published")
	}
}

func TestNtfySignalerExchangeTimeout(t *testing.T) {
	secret := make([]byte, crypto.MasterSecretSize)
	key, err := crypto.DeriveKey(secret, crypto.PurposeEncrypt)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	conn := &replayConn{frames: make(chan []byte), done: make(chan struct{})}
	s, err := NewNtfySignaler(NtfySignalerConfig{
		Topic:     "ras-abc123",
		Key:       key,
		ServerURL: server.URL,
		Dial: func(ctx context.Context, url string) (ntfy.FrameConn, error) {
			return conn, nil
		},
	})
	if err != nil {
		t.Fatalf("NewNtfySignaler() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Exchange(ctx, []byte("offer")); err != context.DeadlineExceeded {
		t.Errorf("Exchange() error = %v, want %v", err, context.DeadlineExceeded)
	}
}
