package ble

import (
	"github.com/google/uuid"
)

// RadioState is the power state of the local radio.
type RadioState uint8

const (
	// RadioStateUnknown means the state has not been reported yet.
	RadioStateUnknown RadioState = iota

	// RadioStatePoweredOff means the radio is off; no transport call succeeds.
	RadioStatePoweredOff

	// RadioStatePoweredOn means the radio is available.
	RadioStatePoweredOn

	// RadioStateUnauthorized means the application lacks radio permission.
	RadioStateUnauthorized
)

// String returns the radio state name.
func (s RadioState) String() string {
	switch s {
	case RadioStatePoweredOff:
		return "POWERED_OFF"
	case RadioStatePoweredOn:
		return "POWERED_ON"
	case RadioStateUnauthorized:
		return "UNAUTHORIZED"
	case RadioStateUnknown:
		return "UNKNOWN"
	default:
		return "UNKNOWN"
	}
}

// ConnectionState is the connection state of a peripheral.
type ConnectionState uint8

const (
	// StateDisconnected indicates no active connection.
	StateDisconnected ConnectionState = iota

	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting

	// StateConnected indicates an active connection.
	StateConnected
)

// String returns the connection state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Advertisement is the payload observed during a scan.
type Advertisement struct {
	// ServiceUUIDs are the advertised service UUIDs.
	ServiceUUIDs []uuid.UUID

	// ServiceData maps a service UUID to its advertised data.
	ServiceData map[uuid.UUID][]byte

	// LocalName is the platform-provided peripheral name, if any.
	LocalName string
}

// Data returns the service data advertised for the given UUID, or nil.
func (a *Advertisement) Data(service uuid.UUID) []byte {
	if a.ServiceData == nil {
		return nil
	}
	return a.ServiceData[service]
}

// HasService reports whether the advertisement carries the given service UUID.
func (a *Advertisement) HasService(service uuid.UUID) bool {
	for _, s := range a.ServiceUUIDs {
		if s == service {
			return true
		}
	}
	return false
}

// Characteristic is a GATT characteristic on a connected peripheral.
type Characteristic interface {
	// UUID returns the characteristic UUID.
	UUID() uuid.UUID

	// Value returns the most recently read or notified value.
	Value() []byte
}

// Service is a GATT service on a connected peripheral.
type Service interface {
	// UUID returns the service UUID.
	UUID() uuid.UUID
}

// Peripheral is a remote device, discovered or restored by the Central.
type Peripheral interface {
	// Identifier returns the platform-stable peripheral identifier.
	Identifier() uuid.UUID

	// Name returns the peripheral's GATT name, if known.
	Name() string

	// State returns the current connection state.
	State() ConnectionState

	// MaximumWriteLength returns the maximum write-without-response
	// payload size for the current connection.
	MaximumWriteLength() int
}

// Central is the platform transport driver.
//
// Every upcall on CentralDelegate and PeripheralDelegate must be delivered on
// the core's dispatch queue.
type Central interface {
	// State returns the current radio state.
	State() RadioState

	// Scan starts scanning for peripherals advertising any of the given
	// services. An empty slice scans for everything.
	Scan(services []uuid.UUID)

	// StopScan stops an active scan.
	StopScan()

	// Connect initiates a connection to a discovered peripheral.
	Connect(p Peripheral)

	// CancelConnect cancels an in-flight or established connection.
	CancelConnect(p Peripheral)

	// DiscoverServices begins service discovery on a connected peripheral.
	DiscoverServices(p Peripheral, services []uuid.UUID)

	// DiscoverCharacteristics begins characteristic discovery within a service.
	DiscoverCharacteristics(p Peripheral, characteristics []uuid.UUID, service Service)

	// Read issues a read of the characteristic's value.
	Read(p Peripheral, c Characteristic)

	// WriteWithoutResponse writes data to the characteristic.
	WriteWithoutResponse(p Peripheral, data []byte, c Characteristic)

	// SetNotify enables or disables value notifications for the characteristic.
	SetNotify(p Peripheral, c Characteristic, enabled bool)
}

// CentralDelegate receives radio and discovery upcalls.
type CentralDelegate interface {
	// RadioStateChanged is called when the radio power state changes.
	RadioStateChanged(state RadioState)

	// PeripheralsRestored is called after process relaunch with the
	// peripherals and scan services the platform preserved.
	PeripheralsRestored(peripherals []Peripheral, scanServices []uuid.UUID)

	// PeripheralDiscovered is called for each scan result.
	PeripheralDiscovered(p Peripheral, advertisement *Advertisement, rssi int)

	// PeripheralConnected is called when a connection completes.
	PeripheralConnected(p Peripheral)

	// PeripheralDisconnected is called when a connection drops.
	PeripheralDisconnected(p Peripheral, err error)

	// PeripheralConnectFailed is called when a connection attempt fails.
	PeripheralConnectFailed(p Peripheral, err error)
}

// PeripheralDelegate receives per-peripheral GATT upcalls.
type PeripheralDelegate interface {
	// ServicesDiscovered is called when service discovery completes.
	ServicesDiscovered(p Peripheral, services []Service, err error)

	// CharacteristicsDiscovered is called when characteristic discovery
	// completes for a service.
	CharacteristicsDiscovered(p Peripheral, service Service, characteristics []Characteristic, err error)

	// ValueUpdated is called when a read completes or a notification arrives.
	ValueUpdated(p Peripheral, c Characteristic, err error)

	// ReadyToWrite is called when the peripheral can accept another
	// write-without-response.
	ReadyToWrite(p Peripheral)
}
