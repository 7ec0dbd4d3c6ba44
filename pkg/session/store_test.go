package session

import (
	"path/filepath"
	"testing"
	"time"
)

func testDevice(id string, selected bool) *PairedDevice {
	return &PairedDevice{
		DeviceID:     id,
		MasterSecret: []byte("0123456789abcdef0123456789abcdef"),
		Status:       StatusPaired,
		Selected:     selected,
		Host:         "192.168.1.10",
		Port:         8765,
		PairedAt:     time.Unix(1700000000, 0).UTC(),
	}
}

func runStoreTests(t *testing.T, store CredentialStore) {
	t.Run("get missing", func(t *testing.T) {
		if _, err := store.Get("nope"); err != ErrDeviceNotFound {
			t.Errorf("Get() error = %v, want ErrDeviceNotFound", err)
		}
	})

	t.Run("put and get", func(t *testing.T) {
		want := testDevice("dev-a", true)
		if err := store.Put(want); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		got, err := store.Get("dev-a")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.DeviceID != "dev-a" || !got.Selected || got.Port != 8765 {
			t.Errorf("Get() = %+v", got)
		}

		// Mutating the returned record must not alter the stored one.
		got.Host = "changed"
		again, _ := store.Get("dev-a")
		if again.Host != "192.168.1.10" {
			t.Error("store returned a shared reference")
		}
	})

	t.Run("single selection", func(t *testing.T) {
		if err := store.Put(testDevice("dev-b", true)); err != nil {
			t.Fatal(err)
		}
		a, _ := store.Get("dev-a")
		if a.Selected {
			t.Error("selecting dev-b must deselect dev-a")
		}
		sel, err := store.Selected()
		if err != nil {
			t.Fatalf("Selected() error = %v", err)
		}
		if sel.DeviceID != "dev-b" {
			t.Errorf("Selected() = %s, want dev-b", sel.DeviceID)
		}
	})

	t.Run("status change is not deletion", func(t *testing.T) {
		d, _ := store.Get("dev-a")
		d.Status = StatusUnpairedByUser
		if err := store.Put(d); err != nil {
			t.Fatal(err)
		}
		got, err := store.Get("dev-a")
		if err != nil {
			t.Fatalf("record should survive unpairing: %v", err)
		}
		if got.Status != StatusUnpairedByUser {
			t.Errorf("Status = %v", got.Status)
		}
	})

	t.Run("clear", func(t *testing.T) {
		if err := store.Clear("dev-a"); err != nil {
			t.Fatalf("Clear() error = %v", err)
		}
		if _, err := store.Get("dev-a"); err != ErrDeviceNotFound {
			t.Errorf("Get() after Clear = %v, want ErrDeviceNotFound", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, NewMemoryStore())

	t.Run("no selected device", func(t *testing.T) {
		if _, err := NewMemoryStore().Selected(); err != ErrNoSelectedDevice {
			t.Errorf("Selected() error = %v, want ErrNoSelectedDevice", err)
		}
	})
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store", "devices.cbor")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	runStoreTests(t, store)

	t.Run("persists across instances", func(t *testing.T) {
		if err := store.Put(testDevice("dev-persist", true)); err != nil {
			t.Fatal(err)
		}
		reopened, err := NewFileStore(path)
		if err != nil {
			t.Fatal(err)
		}
		got, err := reopened.Get("dev-persist")
		if err != nil {
			t.Fatalf("Get() after reopen error = %v", err)
		}
		if string(got.MasterSecret) != "0123456789abcdef0123456789abcdef" {
			t.Error("secret did not survive a round trip")
		}
		if !got.PairedAt.Equal(time.Unix(1700000000, 0)) {
			t.Errorf("PairedAt = %v", got.PairedAt)
		}
	})
}
