package trusteddevice

import (
	"errors"
	"sort"
	"time"

	"github.com/companion-protocol/companion-go/pkg/crypt"
	"github.com/companion-protocol/companion-go/pkg/keystore"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// EscrowTokenSize is the escrow token size in bytes (64 bits).
const EscrowTokenSize = 8

// unlockHistoryRetention is how long unlock records are kept.
// The retention window is a product decision; revisit before shipping
// changes here.
const unlockHistoryRetention = 14 * 24 * time.Hour

// Feature errors.
var (
	ErrNotEnrolled = errors.New("car not enrolled for trusted device")
)

// UnlockRecord is one phone-initiated unlock.
type UnlockRecord struct {
	// CarID identifies the unlocked car.
	CarID string

	// Time is when the unlock happened.
	Time time.Time
}

// Feature manages trusted-device enrollment state and unlock history.
type Feature struct {
	store          keystore.Store
	historyEnabled bool
	history        *ttlcache.Cache[string, UnlockRecord]
}

// New creates the feature over the given secret store. When historyEnabled
// is false no unlock records are retained.
func New(store keystore.Store, historyEnabled bool) *Feature {
	f := &Feature{
		store:          store,
		historyEnabled: historyEnabled,
		history: ttlcache.New(
			ttlcache.WithTTL[string, UnlockRecord](unlockHistoryRetention),
		),
	}
	go f.history.Start()
	return f
}

// Close stops the history cache's expiry loop.
func (f *Feature) Close() {
	f.history.Stop()
}

// Enroll mints and persists an escrow token for the car. A second enrollment
// replaces the token. Returns the token.
func (f *Feature) Enroll(carID string) ([]byte, error) {
	token, err := crypt.RandomBytes(EscrowTokenSize)
	if err != nil {
		return nil, err
	}
	if err := f.store.PutToken(carID, token); err != nil {
		return nil, err
	}
	return token, nil
}

// SetHandle records the opaque association handle the car issued.
func (f *Feature) SetHandle(carID string, handle []byte) error {
	if _, enrolled := f.store.GetToken(carID); !enrolled {
		return ErrNotEnrolled
	}
	return f.store.PutHandle(carID, handle)
}

// Token returns the car's escrow token.
func (f *Feature) Token(carID string) ([]byte, bool) {
	return f.store.GetToken(carID)
}

// Handle returns the car's association handle.
func (f *Feature) Handle(carID string) ([]byte, bool) {
	return f.store.GetHandle(carID)
}

// Unenroll removes the car's token and handle.
func (f *Feature) Unenroll(carID string) error {
	if err := f.store.DeleteToken(carID); err != nil {
		return err
	}
	return f.store.DeleteHandle(carID)
}

// RecordUnlock retains an unlock event for the retention window.
func (f *Feature) RecordUnlock(carID string, at time.Time) {
	if !f.historyEnabled {
		return
	}
	f.history.Set(uuid.NewString(), UnlockRecord{CarID: carID, Time: at}, ttlcache.DefaultTTL)
}

// UnlockHistory returns the retained unlock records for a car, oldest first.
func (f *Feature) UnlockHistory(carID string) []UnlockRecord {
	var records []UnlockRecord
	f.history.Range(func(item *ttlcache.Item[string, UnlockRecord]) bool {
		if item.Value().CarID == carID {
			records = append(records, item.Value())
		}
		return true
	})
	sort.Slice(records, func(i, j int) bool { return records[i].Time.Before(records[j].Time) })
	return records
}

// ClearHistory drops all unlock records for a car, e.g. on dissociation.
func (f *Feature) ClearHistory(carID string) {
	var stale []string
	f.history.Range(func(item *ttlcache.Item[string, UnlockRecord]) bool {
		if item.Value().CarID == carID {
			stale = append(stale, item.Key())
		}
		return true
	})
	for _, key := range stale {
		f.history.Delete(key)
	}
}
