package manager

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/companion-protocol/companion-go/pkg/association"
	"github.com/companion-protocol/companion-go/pkg/ble"
	"github.com/companion-protocol/companion-go/pkg/channel"
	"github.com/companion-protocol/companion-go/pkg/config"
	"github.com/companion-protocol/companion-go/pkg/dispatch"
	"github.com/companion-protocol/companion-go/pkg/handshake"
	"github.com/companion-protocol/companion-go/pkg/keystore"
	"github.com/companion-protocol/companion-go/pkg/log"
	"github.com/companion-protocol/companion-go/pkg/oob"
	"github.com/companion-protocol/companion-go/pkg/reconnection"
	"github.com/companion-protocol/companion-go/pkg/stream"
	"github.com/companion-protocol/companion-go/pkg/version"
	"github.com/companion-protocol/companion-go/pkg/wire"
	"github.com/google/uuid"
)

// Manager errors.
var (
	ErrCannotDiscoverServices        = errors.New("peer missing required services")
	ErrCannotDiscoverCharacteristics = errors.New("peer missing required characteristics")
)

// sdkVersion is recorded in the secret store on construction.
var sdkVersion = keystore.SDKVersion{Major: 1, Minor: 0, Patch: 0}

// ScanMode identifies what the manager is scanning for.
type ScanMode uint8

const (
	// ScanModeNone means scanning is stopped.
	ScanModeNone ScanMode = iota

	// ScanModeAssociation scans for cars in association mode.
	ScanModeAssociation

	// ScanModeReconnection scans for previously associated cars.
	ScanModeReconnection
)

// String returns the scan mode name.
func (m ScanMode) String() string {
	switch m {
	case ScanModeNone:
		return "NONE"
	case ScanModeAssociation:
		return "ASSOCIATION"
	case ScanModeReconnection:
		return "RECONNECTION"
	default:
		return "UNKNOWN"
	}
}

// Callbacks surface manager events to the application. Nil entries are
// skipped.
type Callbacks struct {
	// OnPairingCode asks the application to display the code.
	OnPairingCode func(code string)

	// OnAssociated reports a completed association.
	OnAssociated func(car keystore.Car, ch *channel.SecuredChannel)

	// OnReconnected reports a completed reconnection.
	OnReconnected func(car keystore.Car, ch *channel.SecuredChannel)

	// OnAssociationFailed reports a terminal association failure.
	OnAssociationFailed func(err error)

	// OnDisconnected reports a car's channel going away.
	OnDisconnected func(carID string)

	// OnDissociated reports an explicit dissociation. Emitted exactly once
	// per Dissociate call.
	OnDissociated func(carID string)
}

// Config carries manager construction parameters.
type Config struct {
	// Central is the platform transport driver.
	Central ble.Central

	// Queue is the core dispatch queue.
	Queue *dispatch.Queue

	// Store persists cars and secrets.
	Store keystore.Store

	// Handshake creates and resumes key-agreement sessions.
	Handshake handshake.Provider

	// TokenProvider supplies out-of-band tokens; may be nil.
	TokenProvider oob.TokenProvider

	// FeatureProvider resolves the v4 role query; nil skips it.
	FeatureProvider channel.FeatureProvider

	// Overlay is the configuration overlay.
	Overlay config.Overlay

	// Callbacks surface events to the application.
	Callbacks Callbacks

	// MobileOS and DeviceName describe the phone in the capabilities
	// exchange.
	MobileOS   string
	DeviceName string

	// Logger is the operational logger; nil uses slog.Default().
	Logger *slog.Logger

	// ProtocolLogger receives protocol events; nil disables capture.
	ProtocolLogger log.Logger
}

// Manager drives the whole connection lifecycle.
type Manager struct {
	cfg     Config
	overlay config.Overlay
	logger  *slog.Logger
	plog    log.Logger

	powerOn       bool
	pendingAction []func()
	requestedMode ScanMode
	scanning      bool

	// Optional advertised-name filter for association scans.
	associationNameFilter string

	pending map[uuid.UUID]*pendingAttempt

	channels    map[uuid.UUID]*channel.SecuredChannel // by peripheral id
	streams     map[uuid.UUID]*stream.BLEStream       // by peripheral id
	peripherals map[uuid.UUID]ble.Peripheral          // held peripherals by id
	carToPeriph map[string]uuid.UUID                  // car id -> peripheral id

	// Restoration state
	restored         []ble.Peripheral
	restoredServices []uuid.UUID
}

// New creates a connection manager. Call the ble.Central's delegate wiring
// with the returned manager; it implements both delegate interfaces.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	plog := cfg.ProtocolLogger
	if plog == nil {
		plog = log.NoopLogger{}
	}

	// Stamp the store with the library version; failures are not fatal.
	if cfg.Store != nil {
		_ = cfg.Store.SetSDKVersion(sdkVersion)
	}

	return &Manager{
		cfg:         cfg,
		overlay:     cfg.Overlay,
		logger:      logger,
		plog:        plog,
		pending:     make(map[uuid.UUID]*pendingAttempt),
		channels:    make(map[uuid.UUID]*channel.SecuredChannel),
		streams:     make(map[uuid.UUID]*stream.BLEStream),
		peripherals: make(map[uuid.UUID]ble.Peripheral),
		carToPeriph: make(map[string]uuid.UUID),
	}
}

// AssociatedCars lists the registered cars.
func (m *Manager) AssociatedCars() []keystore.Car {
	return m.cfg.Store.Cars()
}

// RenameCar updates a car's display name.
func (m *Manager) RenameCar(carID, name string) error {
	car, ok := m.cfg.Store.GetCar(carID)
	if !ok {
		return fmt.Errorf("unknown car %s", carID)
	}
	car.Name = name
	return m.cfg.Store.PutCar(car)
}

// ChannelForCar returns the live secured channel for a car, if any.
func (m *Manager) ChannelForCar(carID string) (*channel.SecuredChannel, bool) {
	periphID, ok := m.carToPeriph[carID]
	if !ok {
		return nil, false
	}
	ch, ok := m.channels[periphID]
	return ch, ok
}

// NotifyPairingCodeAccepted forwards the user's pairing-code acceptance to
// the in-flight association attempt.
func (m *Manager) NotifyPairingCodeAccepted() {
	for _, attempt := range m.pending {
		if attempt.assoc != nil {
			attempt.assoc.NotifyPairingCodeAccepted()
		}
	}
}

// NotifyPairingCodeRejected forwards the user's rejection to the in-flight
// association attempt.
func (m *Manager) NotifyPairingCodeRejected() {
	for _, attempt := range m.pending {
		if attempt.assoc != nil {
			attempt.assoc.NotifyPairingCodeRejected()
		}
	}
}

// --- power gate ---

// whenPoweredOn runs the action now or queues it until the radio comes up.
func (m *Manager) whenPoweredOn(action func()) {
	if m.powerOn {
		action()
		return
	}
	m.pendingAction = append(m.pendingAction, action)
}

// --- scanning ---

// ScanForAssociation enters association scan mode. An empty nameFilter
// accepts every car; otherwise only peripherals whose resolved advertised
// name equals the filter are considered (out-of-band kickoff).
func (m *Manager) ScanForAssociation(nameFilter string) {
	m.associationNameFilter = nameFilter
	m.requestedMode = ScanModeAssociation
	m.whenPoweredOn(m.startRequestedScan)
}

// ScanForReconnection enters reconnection scan mode.
func (m *Manager) ScanForReconnection() {
	m.requestedMode = ScanModeReconnection
	m.whenPoweredOn(m.startRequestedScan)
}

// StopScanning leaves whatever scan mode is active.
func (m *Manager) StopScanning() {
	m.requestedMode = ScanModeNone
	if m.scanning {
		m.cfg.Central.StopScan()
		m.scanning = false
	}
}

// startRequestedScan (re)starts the scan for the requested mode. Starting
// one mode cancels the other.
func (m *Manager) startRequestedScan() {
	if m.scanning {
		m.cfg.Central.StopScan()
		m.scanning = false
	}

	switch m.requestedMode {
	case ScanModeAssociation:
		m.cfg.Central.Scan([]uuid.UUID{m.overlay.AssociationServiceUUID})
		m.scanning = true

	case ScanModeReconnection:
		services := []uuid.UUID{m.overlay.ReconnectionServiceUUID}
		// v1 cars advertise the phone's device id as a service.
		if legacyService, err := m.deviceIDService(); err == nil {
			services = append(services, legacyService)
		}
		// Background-wake beacon, when configured.
		if m.overlay.BeaconUUID != uuid.Nil {
			services = append(services, m.overlay.BeaconUUID)
		}
		m.cfg.Central.Scan(services)
		m.scanning = true

	case ScanModeNone:
		// Stay stopped.
	}
}

// deviceIDService derives the v1 reconnection service UUID from the
// installation device id.
func (m *Manager) deviceIDService() (uuid.UUID, error) {
	deviceID, err := m.cfg.Store.DeviceID()
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.FromBytes(deviceID)
}

// --- ble.CentralDelegate ---

// RadioStateChanged gates all transport work on radio power.
func (m *Manager) RadioStateChanged(state ble.RadioState) {
	m.logStateChange(log.StateEntityRadio, "", state.String(), "")

	if state == ble.RadioStatePoweredOn {
		m.powerOn = true

		// Drain the power gate before any scan restart.
		actions := m.pendingAction
		m.pendingAction = nil
		for _, action := range actions {
			action()
		}

		// Resume restored scans, then the requested mode.
		if len(m.restoredServices) > 0 {
			m.cfg.Central.Scan(m.restoredServices)
			m.scanning = true
			m.restoredServices = nil
		} else if m.requestedMode != ScanModeNone {
			m.startRequestedScan()
		}
		return
	}

	// Power lost: cancel all pending work and synthesize disconnects.
	m.powerOn = false
	m.scanning = false
	m.pendingAction = nil

	for id, attempt := range m.pending {
		attempt.cancelRetries()
		attempt.cancelFlows()
		delete(m.pending, id)
	}
	for periphID, ch := range m.channels {
		carID := ch.Car().ID
		ch.Invalidate(fmt.Errorf("radio powered off"))
		delete(m.channels, periphID)
		delete(m.streams, periphID)
		delete(m.peripherals, periphID)
		delete(m.carToPeriph, carID)
		m.notifyDisconnected(carID)
	}
}

// PeripheralsRestored holds restored peripherals and resumes their scan when
// power returns.
func (m *Manager) PeripheralsRestored(peripherals []ble.Peripheral, scanServices []uuid.UUID) {
	m.restored = append(m.restored, peripherals...)
	m.restoredServices = append(m.restoredServices, scanServices...)
}

// PeripheralDiscovered vets a scan result and begins a connection attempt.
func (m *Manager) PeripheralDiscovered(p ble.Peripheral, adv *ble.Advertisement, rssi int) {
	m.logScan(p, adv, rssi)

	periphID := p.Identifier()

	// A rediscovered peripheral that we believe is connected is stale.
	if ch, ok := m.channels[periphID]; ok {
		m.logger.Debug("rediscovered held peripheral, disconnecting stale connection",
			"peripheral", periphID.String())
		carID := ch.Car().ID
		ch.Invalidate(fmt.Errorf("stale connection"))
		delete(m.channels, periphID)
		delete(m.streams, periphID)
		delete(m.peripherals, periphID)
		delete(m.carToPeriph, carID)
		m.cfg.Central.CancelConnect(p)
		m.notifyDisconnected(carID)
		return
	}

	if existing, ok := m.pending[periphID]; ok {
		// Already working on it unless the previous attempt died with the
		// peripheral disconnected; then it is eligible again.
		if p.State() != ble.StateDisconnected {
			return
		}
		existing.cancelRetries()
		delete(m.pending, periphID)
	}

	switch m.requestedMode {
	case ScanModeAssociation:
		m.beginAssociationAttempt(p, adv)
	case ScanModeReconnection:
		m.beginReconnectionAttempt(p, adv)
	default:
		// Not scanning; ignore.
	}
}

// beginAssociationAttempt filters by advertised name and connects.
func (m *Manager) beginAssociationAttempt(p ble.Peripheral, adv *ble.Advertisement) {
	if !adv.HasService(m.overlay.AssociationServiceUUID) {
		return
	}

	name := ResolveAdvertisedName(adv, m.overlay.AssociationDataUUID, m.overlay.DeviceNamePrefix)
	if m.associationNameFilter != "" && name != m.associationNameFilter {
		return
	}

	attempt := &pendingAttempt{
		peripheral:     p,
		mode:           attemptAssociation,
		connectionID:   uuid.New().String(),
		advertisedName: name,
	}
	m.pending[p.Identifier()] = attempt
	m.connectWithRetries(attempt)
}

// beginReconnectionAttempt matches the advertisement against the registry
// and connects.
func (m *Manager) beginReconnectionAttempt(p ble.Peripheral, adv *ble.Advertisement) {
	attempt := &pendingAttempt{
		peripheral:   p,
		mode:         attemptReconnection,
		connectionID: uuid.New().String(),
	}

	payload := adv.Data(m.overlay.ReconnectionDataUUID)
	if payload == nil {
		payload = adv.Data(m.overlay.ReconnectionServiceUUID)
	}

	candidates := m.associatedCandidates()

	if payload != nil {
		match, ok := reconnection.FirstMatch(candidates, payload)
		if !ok {
			// Advertisement matched no associated key; ignore peripheral.
			return
		}
		attempt.match = &match
	} else {
		// Payload not delivered up front (e.g. state restoration); resolve
		// later from the advertisement characteristic.
		attempt.candidates = candidates
	}

	m.pending[p.Identifier()] = attempt
	m.connectWithRetries(attempt)
}

// associatedCandidates builds the sorted candidate set for matching.
func (m *Manager) associatedCandidates() []reconnection.AssociatedCar {
	cars := m.cfg.Store.Cars()
	candidates := make([]reconnection.AssociatedCar, 0, len(cars))
	for _, car := range cars {
		key, ok := m.cfg.Store.GetKey(car.ID)
		if !ok {
			continue
		}
		candidates = append(candidates, reconnection.AssociatedCar{ID: car.ID, Key: key})
	}
	return candidates
}

// connectWithRetries issues the connect and schedules the retry work items.
func (m *Manager) connectWithRetries(attempt *pendingAttempt) {
	p := attempt.peripheral
	m.cfg.Central.Connect(p)

	retry := func() {
		if attempt.connected {
			return
		}
		m.cfg.Central.Connect(p)
	}
	giveUp := func() {
		if attempt.connected {
			return
		}
		m.logger.Debug("connect attempts exhausted",
			"peripheral", p.Identifier().String())
		m.cfg.Central.CancelConnect(p)
		delete(m.pending, p.Identifier())
		m.resumeScanning()
	}

	attempt.retryTimers = []*dispatch.Timer{
		m.cfg.Queue.AsyncAfter(firstRetryDelay, retry),
		m.cfg.Queue.AsyncAfter(secondRetryDelay, retry),
		m.cfg.Queue.AsyncAfter(connectDeadline, giveUp),
	}
}

// PeripheralConnected starts GATT setup.
func (m *Manager) PeripheralConnected(p ble.Peripheral) {
	attempt, ok := m.pending[p.Identifier()]
	if !ok {
		return
	}
	attempt.connected = true
	attempt.cancelRetries()
	m.logStateChange(log.StateEntityConnection, attempt.connectionID, ble.StateConnected.String(), "")

	service := m.serviceForAttempt(attempt)
	m.cfg.Central.DiscoverServices(p, []uuid.UUID{service})
}

// serviceForAttempt returns the GATT service the attempt speaks.
func (m *Manager) serviceForAttempt(attempt *pendingAttempt) uuid.UUID {
	if attempt.mode == attemptAssociation {
		return m.overlay.AssociationServiceUUID
	}
	return m.overlay.ReconnectionServiceUUID
}

// PeripheralDisconnected tears down whatever the peripheral was doing.
func (m *Manager) PeripheralDisconnected(p ble.Peripheral, err error) {
	periphID := p.Identifier()
	m.logStateChange(log.StateEntityConnection, "", ble.StateDisconnected.String(), errString(err))

	if attempt, ok := m.pending[periphID]; ok {
		attempt.cancelRetries()
		attempt.cancelFlows()
		delete(m.pending, periphID)
	}

	if ch, ok := m.channels[periphID]; ok {
		carID := ch.Car().ID
		ch.Invalidate(fmt.Errorf("peripheral disconnected"))
		delete(m.channels, periphID)
		delete(m.streams, periphID)
		delete(m.peripherals, periphID)
		delete(m.carToPeriph, carID)
		m.notifyDisconnected(carID)
	}

	m.resumeScanning()
}

// PeripheralConnectFailed counts on the retry schedule; nothing extra here.
func (m *Manager) PeripheralConnectFailed(p ble.Peripheral, err error) {
	m.logger.Debug("connect failed",
		"peripheral", p.Identifier().String(),
		"error", err)
}

// --- ble.PeripheralDelegate ---

// ServicesDiscovered begins characteristic discovery.
func (m *Manager) ServicesDiscovered(p ble.Peripheral, services []ble.Service, err error) {
	attempt, ok := m.pending[p.Identifier()]
	if !ok {
		return
	}
	if err != nil || len(services) == 0 {
		m.failAttempt(attempt, fmt.Errorf("%w: %v", ErrCannotDiscoverServices, err))
		return
	}

	wanted := m.serviceForAttempt(attempt)
	for _, service := range services {
		if service.UUID() == wanted {
			attempt.service = service
			chars := []uuid.UUID{writeCharacteristicUUID, readCharacteristicUUID}
			if attempt.mode == attemptReconnection && attempt.match == nil {
				chars = append(chars, advertisementCharacteristicUUID)
			}
			m.cfg.Central.DiscoverCharacteristics(p, chars, service)
			return
		}
	}
	m.failAttempt(attempt, ErrCannotDiscoverServices)
}

// CharacteristicsDiscovered wires the characteristics and starts version
// resolution.
func (m *Manager) CharacteristicsDiscovered(p ble.Peripheral, service ble.Service, characteristics []ble.Characteristic, err error) {
	attempt, ok := m.pending[p.Identifier()]
	if !ok {
		return
	}
	if err != nil {
		m.failAttempt(attempt, fmt.Errorf("%w: %v", ErrCannotDiscoverCharacteristics, err))
		return
	}

	for _, c := range characteristics {
		switch c.UUID() {
		case writeCharacteristicUUID:
			attempt.writeChar = c
		case readCharacteristicUUID:
			attempt.readChar = c
		case advertisementCharacteristicUUID:
			attempt.advChar = c
		}
	}

	if attempt.writeChar == nil || attempt.readChar == nil {
		m.failAttempt(attempt, ErrCannotDiscoverCharacteristics)
		return
	}

	m.cfg.Central.SetNotify(p, attempt.readChar, true)

	// Deferred reconnection match: read the payload off the dedicated
	// characteristic before anything else.
	if attempt.mode == attemptReconnection && attempt.match == nil {
		if attempt.advChar == nil {
			m.failAttempt(attempt, ErrCannotDiscoverCharacteristics)
			return
		}
		m.cfg.Central.Read(p, attempt.advChar)
	}

	m.startVersionResolution(attempt)
}

// startVersionResolution negotiates versions over the raw characteristics.
func (m *Manager) startVersionResolution(attempt *pendingAttempt) {
	send := func(data []byte) error {
		m.cfg.Central.WriteWithoutResponse(attempt.peripheral, data, attempt.writeChar)
		return nil
	}

	var capabilities *wire.CapabilitiesExchange
	if attempt.mode == attemptAssociation {
		capabilities = &wire.CapabilitiesExchange{
			SupportedOOBChannels: []wire.OOBChannel{wire.OOBChannelPrePaired, wire.OOBChannelWiredAccessory},
			MobileOS:             m.cfg.MobileOS,
			DeviceName:           m.cfg.DeviceName,
		}
	}

	attempt.resolver = version.NewResolver(send, capabilities, func(resolution version.Resolution, err error) {
		if err != nil {
			m.failAttempt(attempt, err)
			return
		}
		attempt.resolution = &resolution
		attempt.resolver = nil
		m.startFlow(attempt)
	})

	if err := attempt.resolver.Start(); err != nil {
		m.failAttempt(attempt, err)
	}
}

// startFlow creates the stream and the state machine once versions agree.
func (m *Manager) startFlow(attempt *pendingAttempt) {
	p := attempt.peripheral

	attempt.strm = stream.NewBLEStream(stream.Config{
		WriteChunk: func(data []byte) error {
			m.cfg.Central.WriteWithoutResponse(p, data, attempt.writeChar)
			return nil
		},
		MaxWriteLength: p.MaximumWriteLength(),
		Compression:    m.overlay.MessageCompressionAllowed,
		ConnectionID:   attempt.connectionID,
		Logger:         m.plog,
	})

	if attempt.mode == attemptAssociation {
		m.startAssociation(attempt)
		return
	}
	m.startReconnection(attempt)
}

// startAssociation builds and starts the association FSM.
func (m *Manager) startAssociation(attempt *pendingAttempt) {
	assoc, err := association.New(association.Config{
		SecurityVersion: attempt.resolution.SecurityVersion,
		CarName:         attempt.advertisedName,
		Stream:          attempt.strm,
		Handshake:       m.cfg.Handshake,
		Store:           m.cfg.Store,
		TokenProvider:   m.cfg.TokenProvider,
		Queue:           m.cfg.Queue,
		Delegate:        &associationOutcome{m: m, attempt: attempt},
		FeatureProvider: m.cfg.FeatureProvider,
		ConnectionID:    attempt.connectionID,
		Logger:          m.logger,
		ProtocolLogger:  m.plog,
	})
	if err != nil {
		m.failAttempt(attempt, err)
		return
	}
	attempt.assoc = assoc
	assoc.Start()
}

// startReconnection builds and starts the reconnection FSM.
func (m *Manager) startReconnection(attempt *pendingAttempt) {
	cfg := reconnection.Config{
		SecurityVersion: attempt.resolution.SecurityVersion,
		Match:           attempt.match,
		Candidates:      attempt.candidates,
		Stream:          attempt.strm,
		Handshake:       m.cfg.Handshake,
		Store:           m.cfg.Store,
		Queue:           m.cfg.Queue,
		Delegate:        &reconnectionOutcome{m: m, attempt: attempt},
		FeatureProvider: m.cfg.FeatureProvider,
		ConnectionID:    attempt.connectionID,
		Logger:          m.logger,
		ProtocolLogger:  m.plog,
	}

	if attempt.resolution.SecurityVersion == 1 {
		legacy, err := reconnection.NewLegacy(cfg)
		if err != nil {
			m.failAttempt(attempt, err)
			return
		}
		attempt.legacy = legacy
		legacy.Start()
		return
	}

	reconn, err := reconnection.New(cfg)
	if err != nil {
		m.failAttempt(attempt, err)
		return
	}
	attempt.reconn = reconn
	reconn.Start()
}

// ValueUpdated routes characteristic updates to the current consumer.
func (m *Manager) ValueUpdated(p ble.Peripheral, c ble.Characteristic, err error) {
	attempt, ok := m.pending[p.Identifier()]
	if !ok {
		// Established channel traffic routes straight into the stream.
		if strm, held := m.streams[p.Identifier()]; held && err == nil {
			strm.HandleValueUpdate(c.Value())
		}
		return
	}
	if err != nil {
		m.failAttempt(attempt, err)
		return
	}

	// Deferred reconnection payload arrives on its own characteristic.
	if attempt.advChar != nil && c.UUID() == advertisementCharacteristicUUID {
		if attempt.reconn != nil {
			attempt.reconn.HandleAdvertisementData(c.Value())
		} else {
			// The flow is not built yet; resolve through the candidates
			// so the match is ready when it is.
			match, ok := reconnection.FirstMatch(attempt.candidates, c.Value())
			if !ok {
				m.failAttempt(attempt, fmt.Errorf("advertisement matched no associated car"))
				return
			}
			attempt.match = &match
			attempt.candidates = nil
		}
		return
	}

	if attempt.resolver != nil {
		attempt.resolver.HandleMessage(c.Value())
		return
	}
	if attempt.strm != nil {
		attempt.strm.HandleValueUpdate(c.Value())
	}
}

// ReadyToWrite resumes a stream's write pump.
func (m *Manager) ReadyToWrite(p ble.Peripheral) {
	if attempt, ok := m.pending[p.Identifier()]; ok && attempt.strm != nil {
		attempt.strm.HandleReadyToWrite()
		return
	}
	if strm, ok := m.streams[p.Identifier()]; ok {
		strm.HandleReadyToWrite()
	}
}

// --- outcomes ---

// associationOutcome adapts the association delegate to manager bookkeeping.
type associationOutcome struct {
	m       *Manager
	attempt *pendingAttempt
}

// DisplayPairingCode implements association.Delegate.
func (o *associationOutcome) DisplayPairingCode(code string) {
	if o.m.cfg.Callbacks.OnPairingCode != nil {
		o.m.cfg.Callbacks.OnPairingCode(code)
	}
}

// AssociationCompleted implements association.Delegate.
func (o *associationOutcome) AssociationCompleted(car keystore.Car, ch *channel.SecuredChannel) {
	m := o.m
	periphID := o.attempt.peripheral.Identifier()

	delete(m.pending, periphID)
	m.channels[periphID] = ch
	m.streams[periphID] = o.attempt.strm
	m.peripherals[periphID] = o.attempt.peripheral
	m.carToPeriph[car.ID] = periphID

	if m.cfg.Callbacks.OnAssociated != nil {
		m.cfg.Callbacks.OnAssociated(car, ch)
	}

	// Reconnection resumes automatically after association completes.
	m.requestedMode = ScanModeReconnection
	m.whenPoweredOn(m.startRequestedScan)
}

// AssociationFailed implements association.Delegate.
func (o *associationOutcome) AssociationFailed(err error) {
	m := o.m
	delete(m.pending, o.attempt.peripheral.Identifier())
	m.cfg.Central.CancelConnect(o.attempt.peripheral)

	if m.cfg.Callbacks.OnAssociationFailed != nil {
		m.cfg.Callbacks.OnAssociationFailed(err)
	}
	m.resumeScanning()
}

// reconnectionOutcome adapts the reconnection delegate to manager bookkeeping.
type reconnectionOutcome struct {
	m       *Manager
	attempt *pendingAttempt
}

// ReconnectionCompleted implements reconnection.Delegate.
func (o *reconnectionOutcome) ReconnectionCompleted(car keystore.Car, ch *channel.SecuredChannel) {
	m := o.m
	periphID := o.attempt.peripheral.Identifier()

	delete(m.pending, periphID)
	m.channels[periphID] = ch
	m.streams[periphID] = o.attempt.strm
	m.peripherals[periphID] = o.attempt.peripheral
	m.carToPeriph[car.ID] = periphID

	if m.cfg.Callbacks.OnReconnected != nil {
		m.cfg.Callbacks.OnReconnected(car, ch)
	}
}

// ReconnectionFailed implements reconnection.Delegate.
func (o *reconnectionOutcome) ReconnectionFailed(err error) {
	m := o.m
	m.logger.Debug("reconnection attempt failed", "error", err)
	delete(m.pending, o.attempt.peripheral.Identifier())
	m.cfg.Central.CancelConnect(o.attempt.peripheral)
	m.resumeScanning()
}

// --- dissociation ---

// Dissociate removes a car: its key, session, and feature state go away
// atomically, the peripheral is disconnected if held, and the dissociation
// event is emitted exactly once.
func (m *Manager) Dissociate(carID string) error {
	// Every in-flight association attempt is reset first, whichever car it
	// targets.
	for periphID, attempt := range m.pending {
		if attempt.assoc != nil {
			attempt.cancelFlows()
			delete(m.pending, periphID)
			m.cfg.Central.CancelConnect(attempt.peripheral)
		}
	}

	if periphID, ok := m.carToPeriph[carID]; ok {
		peripheral := m.peripherals[periphID]
		if ch, held := m.channels[periphID]; held {
			ch.Invalidate(fmt.Errorf("car dissociated"))
			delete(m.channels, periphID)
			delete(m.streams, periphID)
		}
		delete(m.peripherals, periphID)
		delete(m.carToPeriph, carID)
		if peripheral != nil {
			m.cfg.Central.CancelConnect(peripheral)
		}
	}

	if err := m.cfg.Store.DeleteCar(carID); err != nil {
		return err
	}

	if m.cfg.Callbacks.OnDissociated != nil {
		m.cfg.Callbacks.OnDissociated(carID)
	}
	return nil
}

// --- helpers ---

// failAttempt tears down a pending attempt and resumes scanning.
func (m *Manager) failAttempt(attempt *pendingAttempt, err error) {
	m.logger.Debug("attempt failed",
		"mode", attempt.mode.String(),
		"peripheral", attempt.peripheral.Identifier().String(),
		"error", err)
	m.logError(attempt.connectionID, err)

	attempt.cancelRetries()
	attempt.cancelFlows()
	delete(m.pending, attempt.peripheral.Identifier())
	m.cfg.Central.CancelConnect(attempt.peripheral)
	m.resumeScanning()
}

// resumeScanning restarts the requested scan if any.
func (m *Manager) resumeScanning() {
	if m.requestedMode == ScanModeNone {
		return
	}
	m.whenPoweredOn(m.startRequestedScan)
}

func (m *Manager) notifyDisconnected(carID string) {
	if m.cfg.Callbacks.OnDisconnected != nil {
		m.cfg.Callbacks.OnDisconnected(carID)
	}
}

func (m *Manager) logScan(p ble.Peripheral, adv *ble.Advertisement, rssi int) {
	uuids := make([]string, 0, len(adv.ServiceUUIDs))
	for _, u := range adv.ServiceUUIDs {
		uuids = append(uuids, u.String())
	}
	m.plog.Log(log.Event{
		Timestamp: time.Now(),
		Direction: log.DirectionIn,
		Layer:     log.LayerTransport,
		Category:  log.CategoryScan,
		Scan: &log.ScanEvent{
			PeripheralID: p.Identifier().String(),
			Name:         adv.LocalName,
			RSSI:         rssi,
			ServiceUUIDs: uuids,
		},
	})
}

func (m *Manager) logStateChange(entity log.StateEntity, connectionID, newState, reason string) {
	m.plog.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connectionID,
		Direction:    log.DirectionIn,
		Layer:        log.LayerTransport,
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   entity,
			NewState: newState,
			Reason:   reason,
		},
	})
}

func (m *Manager) logError(connectionID string, err error) {
	m.plog.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connectionID,
		Direction:    log.DirectionIn,
		Layer:        log.LayerTransport,
		Category:     log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   log.LayerTransport,
			Message: err.Error(),
		},
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Compile-time interface satisfaction checks.
var (
	_ ble.CentralDelegate    = (*Manager)(nil)
	_ ble.PeripheralDelegate = (*Manager)(nil)
)
