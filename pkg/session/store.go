package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Store errors.
var (
	// ErrDeviceNotFound is returned when no record exists for an ID.
	ErrDeviceNotFound = errors.New("session: device not found")

	// ErrNoSelectedDevice is returned when no record is selected.
	ErrNoSelectedDevice = errors.New("session: no selected device")
)

// CredentialStore persists paired-device records. Implementations must
// keep the single-selection invariant: putting a selected record clears
// the flag on every other record.
type CredentialStore interface {
	// Get returns the record for a device ID.
	Get(deviceID string) (*PairedDevice, error)

	// Put stores or replaces a record.
	Put(device *PairedDevice) error

	// Clear removes a record entirely. Normal unpairing is a status
	// change via Put; Clear is explicit cleanup.
	Clear(deviceID string) error

	// Selected returns the currently selected record.
	Selected() (*PairedDevice, error)
}

// MemoryStore is an in-memory CredentialStore. Useful for tests and
// development; records are lost when the process exits.
//
// All methods are safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]*PairedDevice
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]*PairedDevice)}
}

// Get returns the record for a device ID.
func (s *MemoryStore) Get(deviceID string) (*PairedDevice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return d.Clone(), nil
}

// Put stores or replaces a record, enforcing single selection.
func (s *MemoryStore) Put(device *PairedDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if device.Selected {
		for _, d := range s.devices {
			d.Selected = false
		}
	}
	s.devices[device.DeviceID] = device.Clone()
	return nil
}

// Clear removes a record.
func (s *MemoryStore) Clear(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.devices, deviceID)
	return nil
}

// Selected returns the selected record.
func (s *MemoryStore) Selected() (*PairedDevice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.devices {
		if d.Selected {
			return d.Clone(), nil
		}
	}
	return nil, ErrNoSelectedDevice
}

// FileStore is a CredentialStore backed by a single CBOR file. Writes
// are atomic (temp file + rename) and the file is created 0600.
//
// The file sits under whatever at-rest protection the platform gives the
// app's data directory; key wrapping is the embedder's concern.
type FileStore struct {
	mu   sync.Mutex
	path string
}

type fileStoreState struct {
	Devices []*PairedDevice `cbor:"1,keyasint"`
}

// NewFileStore creates a store at the given path. The parent directory
// is created if needed.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("session: creating store directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Get returns the record for a device ID.
func (s *FileStore) Get(deviceID string) (*PairedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, d := range state.Devices {
		if d.DeviceID == deviceID {
			return d, nil
		}
	}
	return nil, ErrDeviceNotFound
}

// Put stores or replaces a record, enforcing single selection.
func (s *FileStore) Put(device *PairedDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return err
	}

	replaced := false
	for i, d := range state.Devices {
		if device.Selected {
			d.Selected = false
		}
		if d.DeviceID == device.DeviceID {
			state.Devices[i] = device.Clone()
			replaced = true
		}
	}
	if !replaced {
		state.Devices = append(state.Devices, device.Clone())
	}
	return s.save(state)
}

// Clear removes a record.
func (s *FileStore) Clear(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return err
	}
	kept := state.Devices[:0]
	for _, d := range state.Devices {
		if d.DeviceID != deviceID {
			kept = append(kept, d)
		}
	}
	state.Devices = kept
	return s.save(state)
}

// Selected returns the selected record.
func (s *FileStore) Selected() (*PairedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, d := range state.Devices {
		if d.Selected {
			return d, nil
		}
	}
	return nil, ErrNoSelectedDevice
}

func (s *FileStore) load() (*fileStoreState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &fileStoreState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: reading store: %w", err)
	}

	var state fileStoreState
	if err := cbor.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("session: decoding store: %w", err)
	}
	return &state, nil
}

func (s *FileStore) save(state *fileStoreState) error {
	data, err := cbor.Marshal(state)
	if err != nil {
		return fmt.Errorf("session: encoding store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("session: writing store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("session: replacing store: %w", err)
	}
	return nil
}
