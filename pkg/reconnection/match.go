package reconnection

import (
	"errors"
	"fmt"

	"github.com/companion-protocol/companion-go/pkg/crypt"
)

// Advertisement payload layout.
const (
	// PayloadLength is the exact reconnection service data size.
	PayloadLength = 11

	// truncatedLength is the advertised HMAC prefix size.
	truncatedLength = crypt.TruncatedHMACSize

	// saltLength is the advertised salt size.
	saltLength = crypt.AdvertisementSaltSize

	// paddedSaltLength is the HMAC input size (salt zero-padded).
	paddedSaltLength = 16
)

// ErrInvalidPayload is returned for service data that is not 11 bytes.
var ErrInvalidPayload = errors.New("reconnection payload must be 11 bytes")

// AssociatedCar pairs a car id with its stored reconnection key.
type AssociatedCar struct {
	// ID is the car identifier in canonical UUID string form.
	ID string

	// Key is the 256-bit reconnection key.
	Key []byte
}

// Match identifies the car an advertisement belongs to.
type Match struct {
	// CarID is the matched car's identifier.
	CarID string

	// FullHMAC is the untruncated MAC; it opens the post-connect challenge.
	FullHMAC []byte
}

// ParsePayload splits an advertisement payload into truncated HMAC and salt.
func ParsePayload(data []byte) (truncated, salt []byte, err error) {
	if len(data) != PayloadLength {
		return nil, nil, fmt.Errorf("%w: got %d", ErrInvalidPayload, len(data))
	}
	return data[:truncatedLength], data[truncatedLength:], nil
}

// FirstMatch finds the first associated car whose key reproduces the
// advertised truncated HMAC. Cars are checked in slice order, so callers
// passing a sorted registry get a deterministic tie-break when two keys
// collide on the 3-byte truncation.
func FirstMatch(cars []AssociatedCar, payload []byte) (Match, bool) {
	truncated, salt, err := ParsePayload(payload)
	if err != nil {
		return Match{}, false
	}

	padded := make([]byte, paddedSaltLength)
	copy(padded, salt)

	for _, car := range cars {
		full := crypt.HMACSHA256(car.Key, padded)
		if crypt.HMACEqual(crypt.Truncate(full), truncated) {
			return Match{CarID: car.ID, FullHMAC: full}, true
		}
	}
	return Match{}, false
}

// AdvertisementResolver defers matching until the payload arrives, for
// platforms that restore peripherals without advertisement data. The payload
// is then read from the peripheral's advertisement characteristic at
// service-discovery time.
type AdvertisementResolver struct {
	cars  []AssociatedCar
	match *Match
}

// NewAdvertisementResolver creates a resolver over the candidate set.
func NewAdvertisementResolver(cars []AssociatedCar) *AdvertisementResolver {
	return &AdvertisementResolver{cars: cars}
}

// Resolve attempts the match with payload bytes read over GATT.
func (r *AdvertisementResolver) Resolve(payload []byte) (Match, bool) {
	match, ok := FirstMatch(r.cars, payload)
	if ok {
		r.match = &match
	}
	return match, ok
}

// IsReadyForHandshake reports whether a match has been resolved.
func (r *AdvertisementResolver) IsReadyForHandshake() bool {
	return r.match != nil
}

// Match returns the resolved match, if any.
func (r *AdvertisementResolver) Match() (Match, bool) {
	if r.match == nil {
		return Match{}, false
	}
	return *r.match, true
}
