package keystore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/companion-protocol/companion-go/pkg/crypt"
)

// StateVersion is the current version of the store file format.
const StateVersion = 1

// storeState is the on-disk layout. Byte values are base64 via encoding/json.
type storeState struct {
	// Version is the store file format version.
	Version int `json:"version"`

	// SavedAt is when the state was last saved.
	SavedAt time.Time `json:"saved_at"`

	// Cars is the associated-car registry keyed by car id.
	Cars map[string]Car `json:"cars,omitempty"`

	// Keys holds per-car reconnection keys.
	Keys map[string][]byte `json:"keys,omitempty"`

	// Sessions holds per-car saved handshake sessions.
	Sessions map[string][]byte `json:"sessions,omitempty"`

	// Handles holds per-car association handles.
	Handles map[string][]byte `json:"handles,omitempty"`

	// Tokens holds per-car escrow tokens.
	Tokens map[string][]byte `json:"tokens,omitempty"`

	// DeviceID is the 16-byte installation identifier.
	DeviceID []byte `json:"device_id,omitempty"`

	// SDKVersion records the library version that last wrote the store.
	SDKVersion *SDKVersion `json:"sdk_version,omitempty"`
}

// FileStore is a Store backed by a JSON file. All state is held in memory and
// flushed atomically (write temp, rename) on every mutation.
type FileStore struct {
	mu    sync.Mutex
	path  string
	state storeState
}

// NewFileStore opens or creates a file store at path.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.state = emptyState()
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}

	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("%w: corrupt store file: %v", ErrStoreFailed, err)
	}
	s.ensureMaps()
	return s, nil
}

func emptyState() storeState {
	return storeState{
		Version:  StateVersion,
		Cars:     make(map[string]Car),
		Keys:     make(map[string][]byte),
		Sessions: make(map[string][]byte),
		Handles:  make(map[string][]byte),
		Tokens:   make(map[string][]byte),
	}
}

// ensureMaps repairs nil maps after loading an older or sparse file.
func (s *FileStore) ensureMaps() {
	if s.state.Cars == nil {
		s.state.Cars = make(map[string]Car)
	}
	if s.state.Keys == nil {
		s.state.Keys = make(map[string][]byte)
	}
	if s.state.Sessions == nil {
		s.state.Sessions = make(map[string][]byte)
	}
	if s.state.Handles == nil {
		s.state.Handles = make(map[string][]byte)
	}
	if s.state.Tokens == nil {
		s.state.Tokens = make(map[string][]byte)
	}
}

// save flushes the state to disk. Caller must hold the mutex.
func (s *FileStore) save() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}

	s.state.Version = StateVersion
	s.state.SavedAt = time.Now()

	data, err := json.MarshalIndent(&s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}

	// Write to temp file then rename for atomic replacement
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}
	return nil
}

// PutCar adds or updates a car registry entry.
func (s *FileStore) PutCar(car Car) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Cars[car.ID] = car
	return s.save()
}

// GetCar returns the registry entry for a car id.
func (s *FileStore) GetCar(carID string) (Car, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	car, ok := s.state.Cars[carID]
	return car, ok
}

// Cars returns all registered cars sorted by id.
func (s *FileStore) Cars() []Car {
	s.mu.Lock()
	defer s.mu.Unlock()

	cars := make([]Car, 0, len(s.state.Cars))
	for _, car := range s.state.Cars {
		cars = append(cars, car)
	}
	sort.Slice(cars, func(i, j int) bool { return cars[i].ID < cars[j].ID })
	return cars
}

// DeleteCar removes the car and all of its secrets in one save.
func (s *FileStore) DeleteCar(carID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.Cars, carID)
	delete(s.state.Keys, carID)
	delete(s.state.Sessions, carID)
	delete(s.state.Handles, carID)
	delete(s.state.Tokens, carID)
	return s.save()
}

// PutKey stores the car's reconnection key.
func (s *FileStore) PutKey(carID string, key []byte) error {
	return s.put(s.state.Keys, carID, key)
}

// GetKey returns the car's reconnection key.
func (s *FileStore) GetKey(carID string) ([]byte, bool) {
	return s.get(s.state.Keys, carID)
}

// DeleteKey removes the car's reconnection key.
func (s *FileStore) DeleteKey(carID string) error {
	return s.delete(s.state.Keys, carID)
}

// PutSession stores the car's saved handshake session blob.
func (s *FileStore) PutSession(carID string, session []byte) error {
	return s.put(s.state.Sessions, carID, session)
}

// GetSession returns the car's saved session blob.
func (s *FileStore) GetSession(carID string) ([]byte, bool) {
	return s.get(s.state.Sessions, carID)
}

// DeleteSession removes the car's saved session blob.
func (s *FileStore) DeleteSession(carID string) error {
	return s.delete(s.state.Sessions, carID)
}

// PutHandle stores the car's association handle.
func (s *FileStore) PutHandle(carID string, handle []byte) error {
	return s.put(s.state.Handles, carID, handle)
}

// GetHandle returns the car's association handle.
func (s *FileStore) GetHandle(carID string) ([]byte, bool) {
	return s.get(s.state.Handles, carID)
}

// DeleteHandle removes the car's association handle.
func (s *FileStore) DeleteHandle(carID string) error {
	return s.delete(s.state.Handles, carID)
}

// PutToken stores the car's escrow token.
func (s *FileStore) PutToken(carID string, token []byte) error {
	return s.put(s.state.Tokens, carID, token)
}

// GetToken returns the car's escrow token.
func (s *FileStore) GetToken(carID string) ([]byte, bool) {
	return s.get(s.state.Tokens, carID)
}

// DeleteToken removes the car's escrow token.
func (s *FileStore) DeleteToken(carID string) error {
	return s.delete(s.state.Tokens, carID)
}

// DeviceID returns the installation device id, generating it on first use.
func (s *FileStore) DeviceID() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.state.DeviceID) == 16 {
		return append([]byte(nil), s.state.DeviceID...), nil
	}

	id, err := crypt.RandomBytes(16)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}
	s.state.DeviceID = id
	if err := s.save(); err != nil {
		return nil, err
	}
	return append([]byte(nil), id...), nil
}

// SetSDKVersion records the library version.
func (s *FileStore) SetSDKVersion(v SDKVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.SDKVersion = &v
	return s.save()
}

// GetSDKVersion returns the recorded library version.
func (s *FileStore) GetSDKVersion() (SDKVersion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.SDKVersion == nil {
		return SDKVersion{}, false
	}
	return *s.state.SDKVersion, true
}

func (s *FileStore) put(m map[string][]byte, carID string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m[carID] = append([]byte(nil), value...)
	return s.save()
}

func (s *FileStore) get(m map[string][]byte, carID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := m[carID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), value...), true
}

func (s *FileStore) delete(m map[string][]byte, carID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(m, carID)
	return s.save()
}

// Compile-time interface satisfaction check.
var _ Store = (*FileStore)(nil)
