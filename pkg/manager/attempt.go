package manager

import (
	"time"

	"github.com/companion-protocol/companion-go/pkg/association"
	"github.com/companion-protocol/companion-go/pkg/ble"
	"github.com/companion-protocol/companion-go/pkg/config"
	"github.com/companion-protocol/companion-go/pkg/dispatch"
	"github.com/companion-protocol/companion-go/pkg/reconnection"
	"github.com/companion-protocol/companion-go/pkg/stream"
	"github.com/companion-protocol/companion-go/pkg/version"
)

// GATT characteristic layout inside the companion services; see pkg/config.
var (
	writeCharacteristicUUID         = config.WriteCharacteristicUUID
	readCharacteristicUUID          = config.ReadCharacteristicUUID
	advertisementCharacteristicUUID = config.AdvertisementCharacteristicUUID
)

// Connection retry schedule: two retries after the initial attempt, then
// give up.
var (
	firstRetryDelay  = 2 * time.Second
	secondRetryDelay = 4 * time.Second
	connectDeadline  = 8 * time.Second
)

// attemptMode distinguishes what a pending peripheral is for.
type attemptMode uint8

const (
	attemptAssociation attemptMode = iota
	attemptReconnection
)

// String returns the mode name.
func (m attemptMode) String() string {
	switch m {
	case attemptAssociation:
		return "ASSOCIATION"
	case attemptReconnection:
		return "RECONNECTION"
	default:
		return "UNKNOWN"
	}
}

// pendingAttempt is the per-peripheral working state between discovery and a
// terminal outcome.
type pendingAttempt struct {
	peripheral     ble.Peripheral
	mode           attemptMode
	connectionID   string
	advertisedName string

	// Reconnection identification
	match      *reconnection.Match
	candidates []reconnection.AssociatedCar

	// Connection retry work items
	retryTimers []*dispatch.Timer
	connected   bool

	// GATT plumbing
	service   ble.Service
	writeChar ble.Characteristic
	readChar  ble.Characteristic
	advChar   ble.Characteristic

	// Negotiation and flows
	resolver   *version.Resolver
	resolution *version.Resolution
	strm       *stream.BLEStream
	assoc      *association.Associator
	reconn     *reconnection.Reconnector
	legacy     *reconnection.LegacyReconnector
}

// cancelRetries stops all scheduled connect work items.
func (a *pendingAttempt) cancelRetries() {
	for _, timer := range a.retryTimers {
		timer.Cancel()
	}
	a.retryTimers = nil
}

// cancelFlows aborts whichever state machine is running.
func (a *pendingAttempt) cancelFlows() {
	if a.assoc != nil {
		a.assoc.Cancel()
	}
	if a.reconn != nil {
		a.reconn.Cancel()
	}
	if a.legacy != nil {
		a.legacy.Cancel()
	}
	if a.strm != nil {
		a.strm.Invalidate()
	}
}
