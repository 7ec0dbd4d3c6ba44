package session

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"
)

func testSecret(t *testing.T) []byte {
	t.Helper()
	s := make([]byte, 32)
	if _, err := rand.Read(s); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestDeriveKeys(t *testing.T) {
	secret := testSecret(t)

	k1, err := DeriveKeys(secret)
	if err != nil {
		t.Fatalf("DeriveKeys() error = %v", err)
	}
	k2, err := DeriveKeys(secret)
	if err != nil {
		t.Fatalf("DeriveKeys() error = %v", err)
	}

	if !bytes.Equal(k1.Auth, k2.Auth) || k1.SessionID() != k2.SessionID() {
		t.Error("derivation must be deterministic")
	}

	keys := [][]byte{k1.Auth, k1.Encrypt, k1.Ntfy, k1.Session}
	for i := range keys {
		if len(keys[i]) != 32 {
			t.Errorf("key %d: len = %d, want 32", i, len(keys[i]))
		}
		for j := i + 1; j < len(keys); j++ {
			if bytes.Equal(keys[i], keys[j]) {
				t.Errorf("keys %d and %d are equal", i, j)
			}
		}
	}

	if len(k1.SessionID()) != 24 {
		t.Errorf("SessionID() length = %d, want 24", len(k1.SessionID()))
	}

	if _, err := DeriveKeys(secret[:16]); err == nil {
		t.Error("DeriveKeys(short secret) should fail")
	}
}

func TestNtfyTopic(t *testing.T) {
	secret := testSecret(t)

	topic := NtfyTopic(secret)
	if !strings.HasPrefix(topic, "ras-") {
		t.Errorf("topic %q missing prefix", topic)
	}
	if len(topic) != len("ras-")+6 {
		t.Errorf("topic %q length = %d, want %d", topic, len(topic), len("ras-")+6)
	}
	if topic != NtfyTopic(secret) {
		t.Error("topic must be deterministic")
	}
	if topic == NtfyTopic(testSecret(t)) {
		t.Error("distinct secrets should not share a topic")
	}
}

func TestOwnership(t *testing.T) {
	t.Run("transfer then dispose", func(t *testing.T) {
		o := NewOwnership(HolderPairingManager)

		if !o.MayClose(HolderPairingManager) {
			t.Error("initial holder should be allowed to close")
		}
		if o.MayClose(HolderSteadyState) {
			t.Error("non-holder must not close")
		}

		if err := o.Transfer(HolderPairingManager, HolderSteadyState); err != nil {
			t.Fatalf("Transfer() error = %v", err)
		}
		if o.MayClose(HolderPairingManager) {
			t.Error("previous holder must lose close rights")
		}

		if err := o.Dispose(HolderSteadyState); err != nil {
			t.Fatalf("Dispose() error = %v", err)
		}
		if _, live := o.Holder(); live {
			t.Error("token should be disposed")
		}
	})

	t.Run("only holder may transfer", func(t *testing.T) {
		o := NewOwnership(HolderPairingManager)
		if err := o.Transfer(HolderReconnectionManager, HolderSteadyState); err == nil {
			t.Error("transfer by non-holder should fail")
		}
	})

	t.Run("disposed is terminal", func(t *testing.T) {
		o := NewOwnership(HolderPairingManager)
		if err := o.Dispose(HolderPairingManager); err != nil {
			t.Fatal(err)
		}
		if err := o.Transfer(HolderPairingManager, HolderSteadyState); err != ErrDisposed {
			t.Errorf("Transfer() after dispose = %v, want ErrDisposed", err)
		}
		if err := o.Dispose(HolderPairingManager); err != ErrDisposed {
			t.Errorf("second Dispose() = %v, want ErrDisposed", err)
		}
		if o.MayClose(HolderPairingManager) {
			t.Error("disposed token must not allow close")
		}
	})
}
