package keystore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/companion-protocol/companion-go/pkg/crypt"
)

// MemoryStore is an in-memory Store for tests and ephemeral deployments.
type MemoryStore struct {
	mu       sync.Mutex
	cars     map[string]Car
	keys     map[string][]byte
	sessions map[string][]byte
	handles  map[string][]byte
	tokens   map[string][]byte
	deviceID []byte
	sdk      *SDKVersion
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cars:     make(map[string]Car),
		keys:     make(map[string][]byte),
		sessions: make(map[string][]byte),
		handles:  make(map[string][]byte),
		tokens:   make(map[string][]byte),
	}
}

// PutCar adds or updates a car registry entry.
func (s *MemoryStore) PutCar(car Car) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cars[car.ID] = car
	return nil
}

// GetCar returns the registry entry for a car id.
func (s *MemoryStore) GetCar(carID string) (Car, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	car, ok := s.cars[carID]
	return car, ok
}

// Cars returns all registered cars sorted by id.
func (s *MemoryStore) Cars() []Car {
	s.mu.Lock()
	defer s.mu.Unlock()

	cars := make([]Car, 0, len(s.cars))
	for _, car := range s.cars {
		cars = append(cars, car)
	}
	sort.Slice(cars, func(i, j int) bool { return cars[i].ID < cars[j].ID })
	return cars
}

// DeleteCar removes the car and all of its secrets.
func (s *MemoryStore) DeleteCar(carID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cars, carID)
	delete(s.keys, carID)
	delete(s.sessions, carID)
	delete(s.handles, carID)
	delete(s.tokens, carID)
	return nil
}

// PutKey stores the car's reconnection key.
func (s *MemoryStore) PutKey(carID string, key []byte) error {
	return s.put(s.keys, carID, key)
}

// GetKey returns the car's reconnection key.
func (s *MemoryStore) GetKey(carID string) ([]byte, bool) {
	return s.get(s.keys, carID)
}

// DeleteKey removes the car's reconnection key.
func (s *MemoryStore) DeleteKey(carID string) error {
	return s.delete(s.keys, carID)
}

// PutSession stores the car's saved handshake session blob.
func (s *MemoryStore) PutSession(carID string, session []byte) error {
	return s.put(s.sessions, carID, session)
}

// GetSession returns the car's saved session blob.
func (s *MemoryStore) GetSession(carID string) ([]byte, bool) {
	return s.get(s.sessions, carID)
}

// DeleteSession removes the car's saved session blob.
func (s *MemoryStore) DeleteSession(carID string) error {
	return s.delete(s.sessions, carID)
}

// PutHandle stores the car's association handle.
func (s *MemoryStore) PutHandle(carID string, handle []byte) error {
	return s.put(s.handles, carID, handle)
}

// GetHandle returns the car's association handle.
func (s *MemoryStore) GetHandle(carID string) ([]byte, bool) {
	return s.get(s.handles, carID)
}

// DeleteHandle removes the car's association handle.
func (s *MemoryStore) DeleteHandle(carID string) error {
	return s.delete(s.handles, carID)
}

// PutToken stores the car's escrow token.
func (s *MemoryStore) PutToken(carID string, token []byte) error {
	return s.put(s.tokens, carID, token)
}

// GetToken returns the car's escrow token.
func (s *MemoryStore) GetToken(carID string) ([]byte, bool) {
	return s.get(s.tokens, carID)
}

// DeleteToken removes the car's escrow token.
func (s *MemoryStore) DeleteToken(carID string) error {
	return s.delete(s.tokens, carID)
}

// DeviceID returns the installation device id, generating it on first use.
func (s *MemoryStore) DeviceID() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.deviceID) == 16 {
		return append([]byte(nil), s.deviceID...), nil
	}

	id, err := crypt.RandomBytes(16)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}
	s.deviceID = id
	return append([]byte(nil), id...), nil
}

// SetSDKVersion records the library version.
func (s *MemoryStore) SetSDKVersion(v SDKVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sdk = &v
	return nil
}

// GetSDKVersion returns the recorded library version.
func (s *MemoryStore) GetSDKVersion() (SDKVersion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sdk == nil {
		return SDKVersion{}, false
	}
	return *s.sdk, true
}

func (s *MemoryStore) put(m map[string][]byte, carID string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m[carID] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) get(m map[string][]byte, carID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := m[carID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), value...), true
}

func (s *MemoryStore) delete(m map[string][]byte, carID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(m, carID)
	return nil
}

// Compile-time interface satisfaction check.
var _ Store = (*MemoryStore)(nil)
