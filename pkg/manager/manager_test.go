package manager_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/companion-protocol/companion-go/internal/fakes"
	"github.com/companion-protocol/companion-go/pkg/channel"
	"github.com/companion-protocol/companion-go/pkg/config"
	"github.com/companion-protocol/companion-go/pkg/dispatch"
	"github.com/companion-protocol/companion-go/pkg/keystore"
	"github.com/companion-protocol/companion-go/pkg/manager"
	"github.com/companion-protocol/companion-go/pkg/oob"
	"github.com/companion-protocol/companion-go/pkg/wire"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// events records manager callbacks under a lock.
type events struct {
	mu           sync.Mutex
	pairingCodes []string
	associated   []keystore.Car
	reconnected  []keystore.Car
	assocErrs    []error
	disconnected []string
	dissociated  []string
	channels     map[string]*channel.SecuredChannel
}

func newEvents() *events {
	return &events{channels: make(map[string]*channel.SecuredChannel)}
}

func (e *events) callbacks() manager.Callbacks {
	return manager.Callbacks{
		OnPairingCode: func(code string) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.pairingCodes = append(e.pairingCodes, code)
		},
		OnAssociated: func(car keystore.Car, ch *channel.SecuredChannel) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.associated = append(e.associated, car)
			e.channels[car.ID] = ch
		},
		OnReconnected: func(car keystore.Car, ch *channel.SecuredChannel) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.reconnected = append(e.reconnected, car)
			e.channels[car.ID] = ch
		},
		OnAssociationFailed: func(err error) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.assocErrs = append(e.assocErrs, err)
		},
		OnDisconnected: func(carID string) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.disconnected = append(e.disconnected, carID)
		},
		OnDissociated: func(carID string) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.dissociated = append(e.dissociated, carID)
		},
	}
}

func (e *events) pairingCodeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pairingCodes)
}

func (e *events) associatedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.associated)
}

func (e *events) reconnectedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.reconnected)
}

// harness bundles a manager with its fake transport.
type harness struct {
	queue   *dispatch.Queue
	central *fakes.Central
	store   *keystore.MemoryStore
	events  *events
	mgr     *manager.Manager
	overlay config.Overlay
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		queue:   dispatch.NewQueue(),
		store:   keystore.NewMemoryStore(),
		events:  newEvents(),
		overlay: config.Default(),
	}
	t.Cleanup(h.queue.Stop)

	h.central = fakes.NewCentral(h.queue)
	h.mgr = manager.New(manager.Config{
		Central:         h.central,
		Queue:           h.queue,
		Store:           h.store,
		Handshake:       fakes.NewHandshakeProvider(),
		FeatureProvider: channel.NewSystemQueryFeatureProvider(),
		Overlay:         h.overlay,
		Callbacks:       h.events.callbacks(),
		MobileOS:        "gophone",
		DeviceName:      "Test Phone",
	})
	h.central.SetDelegate(h.mgr)
	return h
}

// run executes fn on the dispatch queue, as production upcalls would.
func (h *harness) run(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, h.queue.Sync(fn))
}

// eventually waits for a condition driven by queued work.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 2*time.Millisecond, msg)
}

// associate drives a full association and returns the car.
func (h *harness) associate(t *testing.T, car *fakes.Car) keystore.Car {
	t.Helper()

	h.central.SetPower(true)
	h.run(t, func() { h.mgr.ScanForAssociation("") })

	eventually(t, func() bool { return h.events.pairingCodeCount() > 0 }, "pairing code displayed")
	h.run(t, func() { h.mgr.NotifyPairingCodeAccepted() })

	eventually(t, func() bool { return h.events.associatedCount() > 0 }, "association completed")

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	return h.events.associated[len(h.events.associated)-1]
}

func TestPowerGateQueuesScan(t *testing.T) {
	h := newHarness(t)
	fakes.NewCar(h.central, fakes.CarConfig{Overlay: h.overlay})

	h.run(t, func() { h.mgr.ScanForAssociation("") })
	assert.Zero(t, h.central.ScanCallCount(), "scan must wait for power")

	h.central.SetPower(true)
	eventually(t, func() bool { return h.central.ScanCallCount() > 0 }, "scan drained after power on")
	assert.Equal(t, []uuid.UUID{h.overlay.AssociationServiceUUID}, h.central.ScanTargets())
}

func TestAssociationEndToEndV2(t *testing.T) {
	h := newHarness(t)
	car := fakes.NewCar(h.central, fakes.CarConfig{
		Overlay:         h.overlay,
		SecurityVersion: 2,
		Name:            "CARSIM01",
	})

	registered := h.associate(t, car)
	assert.Equal(t, car.ID().String(), registered.ID)
	assert.Equal(t, "CARSIM01", registered.Name)

	// Persistent state landed.
	key, ok := h.store.GetKey(registered.ID)
	require.True(t, ok)
	assert.Len(t, key, 32)
	_, ok = h.store.GetSession(registered.ID)
	assert.True(t, ok)

	// The car escrowed the same key.
	assert.Equal(t, key, car.ReconnectionKey())

	// Reconnection scanning resumed automatically.
	eventually(t, func() bool {
		targets := h.central.ScanTargets()
		for _, svc := range targets {
			if svc == h.overlay.ReconnectionServiceUUID {
				return true
			}
		}
		return false
	}, "reconnection scan resumed after association")
}

func TestAssociationEndToEndV4OOB(t *testing.T) {
	h := newHarness(t)

	token := fakes.NewTestOOBToken()
	passive := oob.NewPassiveProvider()
	passive.PostToken(token)

	mgr := manager.New(manager.Config{
		Central:         h.central,
		Queue:           h.queue,
		Store:           h.store,
		Handshake:       fakes.NewHandshakeProvider(),
		TokenProvider:   passive,
		FeatureProvider: channel.NewSystemQueryFeatureProvider(),
		Overlay:         h.overlay,
		Callbacks:       h.events.callbacks(),
	})
	h.central.SetDelegate(mgr)
	h.mgr = mgr

	car := fakes.NewCar(h.central, fakes.CarConfig{
		Overlay:         h.overlay,
		SecurityVersion: 4,
		Token:           token,
		Role:            wire.RoleDriver,
	})

	h.central.SetPower(true)
	h.run(t, func() { h.mgr.ScanForAssociation("") })

	// OOB verification: no pairing code is ever displayed.
	eventually(t, func() bool { return h.events.associatedCount() > 0 }, "v4 oob association completed")
	assert.Zero(t, h.events.pairingCodeCount())

	// The role query resolved before completion.
	h.events.mu.Lock()
	ch := h.events.channels[car.ID().String()]
	h.events.mu.Unlock()
	require.NotNil(t, ch)
	assert.Equal(t, wire.RoleDriver, ch.Role())
}

func TestChannelTrafficAfterAssociation(t *testing.T) {
	h := newHarness(t)
	car := fakes.NewCar(h.central, fakes.CarConfig{Overlay: h.overlay, SecurityVersion: 3})

	registered := h.associate(t, car)

	h.events.mu.Lock()
	ch := h.events.channels[registered.ID]
	h.events.mu.Unlock()
	require.NotNil(t, ch)

	recipient := uuid.New()
	var wrote bool
	var wroteMu sync.Mutex
	h.run(t, func() {
		require.NoError(t, ch.WriteEncrypted([]byte("unlock the doors"), recipient, func(success bool) {
			wroteMu.Lock()
			wrote = success
			wroteMu.Unlock()
		}))
	})

	eventually(t, func() bool {
		wroteMu.Lock()
		defer wroteMu.Unlock()
		return wrote
	}, "write completion fired")

	eventually(t, func() bool {
		return len(carReceived(car, recipient)) == 1
	}, "car decrypted the message")
	assert.Equal(t, "unlock the doors", string(carReceived(car, recipient)[0]))
}

func TestReconnectionEndToEnd(t *testing.T) {
	h := newHarness(t)
	car := fakes.NewCar(h.central, fakes.CarConfig{Overlay: h.overlay, SecurityVersion: 3})

	registered := h.associate(t, car)

	// Simulate the car going away and coming back anonymized.
	h.central.DropConnection(car.Peripheral(), errors.New("drove off"))
	eventually(t, func() bool {
		h.events.mu.Lock()
		defer h.events.mu.Unlock()
		return len(h.events.disconnected) == 1
	}, "disconnect surfaced")

	require.NoError(t, car.AdvertiseReconnection(true))
	h.run(t, func() { h.mgr.ScanForReconnection() })

	eventually(t, func() bool { return h.events.reconnectedCount() == 1 }, "reconnection completed")

	h.events.mu.Lock()
	reconnectedCar := h.events.reconnected[0]
	h.events.mu.Unlock()
	assert.Equal(t, registered.ID, reconnectedCar.ID)
}

func TestReconnectionDeferredPayload(t *testing.T) {
	h := newHarness(t)
	car := fakes.NewCar(h.central, fakes.CarConfig{Overlay: h.overlay, SecurityVersion: 3})

	h.associate(t, car)
	h.central.DropConnection(car.Peripheral(), nil)

	// Advertisement without service data forces the GATT-read path.
	require.NoError(t, car.AdvertiseReconnection(false))
	h.run(t, func() { h.mgr.ScanForReconnection() })

	eventually(t, func() bool { return h.events.reconnectedCount() == 1 }, "deferred reconnection completed")
}

func TestConnectRetriesThenGivesUp(t *testing.T) {
	restore := manager.SetRetryScheduleForTest(10*time.Millisecond, 20*time.Millisecond, 40*time.Millisecond)
	t.Cleanup(restore)

	h := newHarness(t)
	car := fakes.NewCar(h.central, fakes.CarConfig{Overlay: h.overlay})
	car.Peripheral().SetConnectFailures(10) // more than the retry budget

	h.central.SetPower(true)
	h.run(t, func() { h.mgr.ScanForAssociation("") })
	// Leave scan mode once the car is found, so giving up does not rescan
	// and start a fresh attempt cycle.
	h.run(t, func() { h.mgr.StopScanning() })

	// Initial attempt plus two retries.
	eventually(t, func() bool { return h.central.ConnectCallCount() >= 3 }, "two retries issued")
	time.Sleep(60 * time.Millisecond)
	h.run(t, func() {})
	assert.Equal(t, 3, h.central.ConnectCallCount(), "no further attempts after exhaustion")
}

func TestStaleRediscoveryDisconnects(t *testing.T) {
	h := newHarness(t)
	car := fakes.NewCar(h.central, fakes.CarConfig{Overlay: h.overlay, SecurityVersion: 3})
	registered := h.associate(t, car)

	h.events.mu.Lock()
	ch := h.events.channels[registered.ID]
	h.events.mu.Unlock()
	require.True(t, ch.IsValid())

	// The same peripheral surfaces in a scan again: stale.
	h.central.Rediscover(car.Peripheral())

	eventually(t, func() bool { return !ch.IsValid() }, "stale channel invalidated")
	eventually(t, func() bool {
		h.events.mu.Lock()
		defer h.events.mu.Unlock()
		return len(h.events.disconnected) >= 1
	}, "disconnect event emitted")
}

func TestDissociationAtomicity(t *testing.T) {
	h := newHarness(t)
	car := fakes.NewCar(h.central, fakes.CarConfig{Overlay: h.overlay, SecurityVersion: 3})
	registered := h.associate(t, car)

	require.NoError(t, h.store.PutToken(registered.ID, []byte("escrow")))
	require.NoError(t, h.store.PutHandle(registered.ID, []byte("handle")))

	h.run(t, func() { require.NoError(t, h.mgr.Dissociate(registered.ID)) })

	_, ok := h.store.GetKey(registered.ID)
	assert.False(t, ok)
	_, ok = h.store.GetSession(registered.ID)
	assert.False(t, ok)
	_, ok = h.store.GetToken(registered.ID)
	assert.False(t, ok)
	_, ok = h.store.GetHandle(registered.ID)
	assert.False(t, ok)

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	assert.Equal(t, []string{registered.ID}, h.events.dissociated, "exactly one dissociation event")
}

func TestPowerOffTearsDownChannels(t *testing.T) {
	h := newHarness(t)
	car := fakes.NewCar(h.central, fakes.CarConfig{Overlay: h.overlay, SecurityVersion: 3})
	registered := h.associate(t, car)

	h.events.mu.Lock()
	ch := h.events.channels[registered.ID]
	h.events.mu.Unlock()

	h.central.SetPower(false)

	eventually(t, func() bool { return !ch.IsValid() }, "channel invalid after power loss")
	eventually(t, func() bool {
		h.events.mu.Lock()
		defer h.events.mu.Unlock()
		return len(h.events.disconnected) >= 1
	}, "synthesized disconnect delivered")

	// Power returns: the requested scan mode resumes automatically.
	before := h.central.ScanCallCount()
	h.central.SetPower(true)
	eventually(t, func() bool { return h.central.ScanCallCount() > before }, "scan resumed on power return")
}

func TestRestorationResumesScan(t *testing.T) {
	h := newHarness(t)
	restoredServices := []uuid.UUID{h.overlay.ReconnectionServiceUUID}

	h.run(t, func() { h.mgr.PeripheralsRestored(nil, restoredServices) })
	assert.Zero(t, h.central.ScanCallCount())

	h.central.SetPower(true)
	eventually(t, func() bool { return h.central.ScanCallCount() > 0 }, "restored scan resumed")
	assert.Equal(t, restoredServices, h.central.ScanTargets())
}

func TestRenameCar(t *testing.T) {
	h := newHarness(t)
	car := fakes.NewCar(h.central, fakes.CarConfig{Overlay: h.overlay, SecurityVersion: 2})
	registered := h.associate(t, car)

	h.run(t, func() { require.NoError(t, h.mgr.RenameCar(registered.ID, "Family Wagon")) })

	stored, ok := h.store.GetCar(registered.ID)
	require.True(t, ok)
	assert.Equal(t, "Family Wagon", stored.Name)

	h.run(t, func() {
		assert.Error(t, h.mgr.RenameCar("missing-car", "x"))
	})
}

// carReceived reads the car's decrypted inbox under its lock.
func carReceived(car *fakes.Car, recipient uuid.UUID) [][]byte {
	return car.ReceivedFor(recipient)
}
