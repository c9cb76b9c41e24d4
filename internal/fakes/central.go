package fakes

import (
	"sync"

	"github.com/companion-protocol/companion-go/pkg/ble"
	"github.com/companion-protocol/companion-go/pkg/dispatch"
	"github.com/google/uuid"
)

// Delegate is the combined delegate surface the manager implements.
type Delegate interface {
	ble.CentralDelegate
	ble.PeripheralDelegate
}

// Characteristic is a fake GATT characteristic.
type Characteristic struct {
	id    uuid.UUID
	value []byte
}

// NewCharacteristic creates a characteristic with the given UUID.
func NewCharacteristic(id uuid.UUID) *Characteristic {
	return &Characteristic{id: id}
}

// UUID implements ble.Characteristic.
func (c *Characteristic) UUID() uuid.UUID { return c.id }

// Value implements ble.Characteristic.
func (c *Characteristic) Value() []byte { return c.value }

// Service is a fake GATT service.
type Service struct {
	id uuid.UUID
}

// UUID implements ble.Service.
func (s *Service) UUID() uuid.UUID { return s.id }

// Peripheral is a fake remote device.
type Peripheral struct {
	mu sync.Mutex

	id       uuid.UUID
	name     string
	state    ble.ConnectionState
	maxWrite int

	service *Service
	chars   map[uuid.UUID]*Characteristic

	advertisement *ble.Advertisement

	// car handles incoming writes when attached.
	car *Car

	// connectFailures fails the next N connect attempts.
	connectFailures int
}

// Identifier implements ble.Peripheral.
func (p *Peripheral) Identifier() uuid.UUID { return p.id }

// Name implements ble.Peripheral.
func (p *Peripheral) Name() string { return p.name }

// State implements ble.Peripheral.
func (p *Peripheral) State() ble.ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// MaximumWriteLength implements ble.Peripheral.
func (p *Peripheral) MaximumWriteLength() int { return p.maxWrite }

// SetConnectFailures makes the next n connect attempts fail.
func (p *Peripheral) SetConnectFailures(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectFailures = n
}

// Central is a fake ble.Central. Upcalls are delivered on the dispatch
// queue, matching the production transport contract.
type Central struct {
	mu sync.Mutex

	queue    *dispatch.Queue
	delegate Delegate

	state       ble.RadioState
	scanning    bool
	scanTargets []uuid.UUID

	peripherals map[uuid.UUID]*Peripheral

	// Counters for assertions.
	scanCalls    int
	stopCalls    int
	connectCalls int
	cancelCalls  int
}

// NewCentral creates a fake central delivering upcalls on queue.
func NewCentral(queue *dispatch.Queue) *Central {
	return &Central{
		queue:       queue,
		state:       ble.RadioStateUnknown,
		peripherals: make(map[uuid.UUID]*Peripheral),
	}
}

// SetDelegate wires the manager in.
func (c *Central) SetDelegate(d Delegate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delegate = d
}

// upcall schedules a delegate call on the queue.
func (c *Central) upcall(fn func(d Delegate)) {
	c.mu.Lock()
	d := c.delegate
	c.mu.Unlock()
	if d == nil {
		return
	}
	_ = c.queue.Async(func() { fn(d) })
}

// SetPower flips the radio state and notifies the delegate.
func (c *Central) SetPower(on bool) {
	c.mu.Lock()
	if on {
		c.state = ble.RadioStatePoweredOn
	} else {
		c.state = ble.RadioStatePoweredOff
		c.scanning = false
	}
	state := c.state
	c.mu.Unlock()

	c.upcall(func(d Delegate) { d.RadioStateChanged(state) })
}

// State implements ble.Central.
func (c *Central) State() ble.RadioState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Scan implements ble.Central. Peripherals advertising a requested service
// are surfaced immediately.
func (c *Central) Scan(services []uuid.UUID) {
	c.mu.Lock()
	c.scanCalls++
	c.scanning = true
	c.scanTargets = append([]uuid.UUID(nil), services...)
	matching := c.matchingLocked(services)
	c.mu.Unlock()

	for _, p := range matching {
		c.announce(p)
	}
}

// matchingLocked returns peripherals advertising any requested service.
func (c *Central) matchingLocked(services []uuid.UUID) []*Peripheral {
	var out []*Peripheral
	for _, p := range c.peripherals {
		if p.advertisement == nil {
			continue
		}
		for _, svc := range services {
			if p.advertisement.HasService(svc) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// announce delivers a discovery upcall for the peripheral.
func (c *Central) announce(p *Peripheral) {
	adv := p.advertisement
	c.upcall(func(d Delegate) { d.PeripheralDiscovered(p, adv, -48) })
}

// Rediscover surfaces an already-known peripheral again, as a repeated scan
// result would.
func (c *Central) Rediscover(p *Peripheral) {
	c.announce(p)
}

// StopScan implements ble.Central.
func (c *Central) StopScan() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopCalls++
	c.scanning = false
}

// ScanCallCount returns how many scans were started.
func (c *Central) ScanCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanCalls
}

// ConnectCallCount returns how many connect attempts were issued.
func (c *Central) ConnectCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectCalls
}

// Scanning reports whether a scan is active.
func (c *Central) Scanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanning
}

// ScanTargets returns the last requested scan services.
func (c *Central) ScanTargets() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uuid.UUID(nil), c.scanTargets...)
}

// Connect implements ble.Central.
func (c *Central) Connect(p ble.Peripheral) {
	c.mu.Lock()
	c.connectCalls++
	c.mu.Unlock()

	fp := p.(*Peripheral)
	fp.mu.Lock()
	if fp.connectFailures > 0 {
		fp.connectFailures--
		fp.mu.Unlock()
		c.upcall(func(d Delegate) { d.PeripheralConnectFailed(fp, errConnectFailed) })
		return
	}
	fp.state = ble.StateConnected
	fp.mu.Unlock()

	c.upcall(func(d Delegate) { d.PeripheralConnected(fp) })
}

// CancelConnect implements ble.Central.
func (c *Central) CancelConnect(p ble.Peripheral) {
	c.mu.Lock()
	c.cancelCalls++
	c.mu.Unlock()

	fp := p.(*Peripheral)
	fp.mu.Lock()
	wasConnected := fp.state == ble.StateConnected
	fp.state = ble.StateDisconnected
	fp.mu.Unlock()

	if wasConnected {
		c.upcall(func(d Delegate) { d.PeripheralDisconnected(fp, nil) })
	}
}

// DropConnection simulates an unexpected link loss.
func (c *Central) DropConnection(p *Peripheral, err error) {
	p.mu.Lock()
	p.state = ble.StateDisconnected
	p.mu.Unlock()
	c.upcall(func(d Delegate) { d.PeripheralDisconnected(p, err) })
}

// DiscoverServices implements ble.Central.
func (c *Central) DiscoverServices(p ble.Peripheral, services []uuid.UUID) {
	fp := p.(*Peripheral)
	c.upcall(func(d Delegate) {
		d.ServicesDiscovered(fp, []ble.Service{fp.service}, nil)
	})
}

// DiscoverCharacteristics implements ble.Central.
func (c *Central) DiscoverCharacteristics(p ble.Peripheral, characteristics []uuid.UUID, service ble.Service) {
	fp := p.(*Peripheral)

	var found []ble.Characteristic
	fp.mu.Lock()
	for _, id := range characteristics {
		if char, ok := fp.chars[id]; ok {
			found = append(found, char)
		}
	}
	fp.mu.Unlock()

	c.upcall(func(d Delegate) {
		d.CharacteristicsDiscovered(fp, service, found, nil)
	})
}

// Read implements ble.Central. The attached car fills the value.
func (c *Central) Read(p ble.Peripheral, char ble.Characteristic) {
	fp := p.(*Peripheral)
	fc := char.(*Characteristic)

	if fp.car != nil {
		fc.value = fp.car.ReadValue(fc.id)
	}
	c.upcall(func(d Delegate) { d.ValueUpdated(fp, fc, nil) })
}

// WriteWithoutResponse implements ble.Central. The payload is handed to the
// attached car, then the transport reports readiness for the next write.
func (c *Central) WriteWithoutResponse(p ble.Peripheral, data []byte, char ble.Characteristic) {
	fp := p.(*Peripheral)
	payload := append([]byte(nil), data...)

	if fp.car != nil {
		car := fp.car
		_ = c.queue.Async(func() { car.HandleWrite(payload) })
	}
	c.upcall(func(d Delegate) { d.ReadyToWrite(fp) })
}

// SetNotify implements ble.Central.
func (c *Central) SetNotify(p ble.Peripheral, char ble.Characteristic, enabled bool) {}

// DeliverToPhone pushes car-originated bytes up through the read
// characteristic.
func (c *Central) DeliverToPhone(p *Peripheral, charID uuid.UUID, data []byte) {
	p.mu.Lock()
	char, ok := p.chars[charID]
	p.mu.Unlock()
	if !ok {
		return
	}
	char.value = append([]byte(nil), data...)
	c.upcall(func(d Delegate) { d.ValueUpdated(p, char, nil) })
}

// Compile-time interface satisfaction checks.
var (
	_ ble.Central        = (*Central)(nil)
	_ ble.Peripheral     = (*Peripheral)(nil)
	_ ble.Characteristic = (*Characteristic)(nil)
	_ ble.Service        = (*Service)(nil)
)
