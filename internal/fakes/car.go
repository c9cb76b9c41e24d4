package fakes

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/companion-protocol/companion-go/pkg/ble"
	"github.com/companion-protocol/companion-go/pkg/config"
	"github.com/companion-protocol/companion-go/pkg/crypt"
	"github.com/companion-protocol/companion-go/pkg/handshake"
	"github.com/companion-protocol/companion-go/pkg/oob"
	"github.com/companion-protocol/companion-go/pkg/reconnection"
	"github.com/companion-protocol/companion-go/pkg/stream"
	"github.com/companion-protocol/companion-go/pkg/version"
	"github.com/companion-protocol/companion-go/pkg/wire"
	"github.com/google/uuid"
)

var errConnectFailed = errors.New("fake connect failed")

// carPhase tracks what the car expects next on the raw characteristics.
type carPhase uint8

const (
	phaseVersionExchange carPhase = iota
	phaseCapabilities
	phaseStream
)

// CarConfig shapes a scripted car.
type CarConfig struct {
	// ID is the car identifier; random when zero.
	ID uuid.UUID

	// Name is the 8-byte advertised name; "CARSIM01" when empty.
	Name string

	// SecurityVersion is the highest security version the car speaks.
	SecurityVersion uint8

	// Overlay supplies the service/data UUIDs the car advertises under.
	Overlay config.Overlay

	// Token provisions the car side of the v4 out-of-band exchange.
	Token *oob.Token

	// Role is the seat role reported to the role query.
	Role wire.UserRole

	// AutoConfirmVisual makes the v4 car confirm the displayed code
	// immediately (as if the driver tapped "match" on the head unit).
	AutoConfirmVisual bool
}

// Car is the scripted car-side peer. It speaks version negotiation, the fake
// handshake, association (v1 through v4), reconnection, and the secured
// channel's query surface.
type Car struct {
	mu sync.Mutex

	cfg     CarConfig
	central *Central
	periph  *Peripheral

	phase carPhase
	strm  *stream.BLEStream

	// Handshake state
	pB     []byte
	shared []byte
	cipher handshake.Cipher

	// Association mode (vs reconnection)
	associating     bool
	sawPhoneConfirm bool

	// Persistent car-side state, carried across connections.
	phoneDeviceID []byte
	reconnKey     []byte
	savedShared   []byte
	advSalt       []byte

	// Received decrypted application messages by recipient.
	Received map[uuid.UUID][][]byte
}

// NewCar creates a scripted car and registers its peripheral on the central.
// The car starts in association mode; call AdvertiseReconnection after a
// successful association to flip it.
func NewCar(central *Central, cfg CarConfig) *Car {
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	if cfg.Name == "" {
		cfg.Name = "CARSIM01"
	}
	if cfg.SecurityVersion == 0 {
		cfg.SecurityVersion = 4
	}

	car := &Car{
		cfg:         cfg,
		central:     central,
		associating: true,
		Received:    make(map[uuid.UUID][][]byte),
	}

	periph := &Peripheral{
		id:       uuid.New(),
		name:     cfg.Name,
		maxWrite: 150,
		service:  &Service{id: cfg.Overlay.AssociationServiceUUID},
		chars: map[uuid.UUID]*Characteristic{
			config.WriteCharacteristicUUID:         NewCharacteristic(config.WriteCharacteristicUUID),
			config.ReadCharacteristicUUID:          NewCharacteristic(config.ReadCharacteristicUUID),
			config.AdvertisementCharacteristicUUID: NewCharacteristic(config.AdvertisementCharacteristicUUID),
		},
		car: car,
	}
	periph.advertisement = &ble.Advertisement{
		ServiceUUIDs: []uuid.UUID{cfg.Overlay.AssociationServiceUUID},
		ServiceData: map[uuid.UUID][]byte{
			cfg.Overlay.AssociationDataUUID: []byte(cfg.Name),
		},
		LocalName: cfg.Name,
	}
	car.periph = periph

	central.mu.Lock()
	central.peripherals[periph.id] = periph
	central.mu.Unlock()

	return car
}

// Peripheral returns the car's fake peripheral.
func (c *Car) Peripheral() *Peripheral { return c.periph }

// ID returns the car identifier.
func (c *Car) ID() uuid.UUID { return c.cfg.ID }

// ReconnectionKey returns the key the phone escrowed during association.
func (c *Car) ReconnectionKey() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.reconnKey...)
}

// ReceivedFor returns the decrypted application messages delivered to a
// recipient.
func (c *Car) ReceivedFor(recipient uuid.UUID) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.Received[recipient]
	out := make([][]byte, len(msgs))
	for i, m := range msgs {
		out[i] = append([]byte(nil), m...)
	}
	return out
}

// NewTestOOBToken mints a deterministic out-of-band token for tests.
func NewTestOOBToken() *oob.Token {
	key := bytes.Repeat([]byte{0x11}, 16)
	return &oob.Token{
		EncryptionKey:    key,
		MobileIV:         bytes.Repeat([]byte{0x22}, 12),
		IHUIV:            bytes.Repeat([]byte{0x33}, 12),
		DeviceIdentifier: bytes.Repeat([]byte{0x44}, 16),
	}
}

// AdvertiseReconnection switches the peripheral to reconnection mode with a
// fresh advertisement payload. includePayload=false simulates platforms that
// deliver the advertisement without service data (deferred resolution).
func (c *Car) AdvertiseReconnection(includePayload bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reconnKey == nil {
		return fmt.Errorf("car was never associated")
	}

	salt, err := crypt.RandomBytes(crypt.AdvertisementSaltSize)
	if err != nil {
		return err
	}
	c.advSalt = salt

	c.associating = false
	c.phase = phaseVersionExchange
	c.strm = nil
	c.shared = nil
	c.pB = nil
	c.cipher = nil
	c.sawPhoneConfirm = false

	c.periph.mu.Lock()
	c.periph.state = ble.StateDisconnected
	c.periph.service = &Service{id: c.cfg.Overlay.ReconnectionServiceUUID}
	adv := &ble.Advertisement{
		ServiceUUIDs: []uuid.UUID{c.cfg.Overlay.ReconnectionServiceUUID},
		ServiceData:  map[uuid.UUID][]byte{},
	}
	if includePayload {
		adv.ServiceData[c.cfg.Overlay.ReconnectionDataUUID] = c.advertisementPayloadLocked()
	}
	c.periph.advertisement = adv
	c.periph.mu.Unlock()
	return nil
}

// advertisementPayloadLocked builds truncated_hmac || salt.
func (c *Car) advertisementPayloadLocked() []byte {
	padded := make([]byte, 16)
	copy(padded, c.advSalt)
	full := crypt.HMACSHA256(c.reconnKey, padded)

	payload := make([]byte, 0, reconnection.PayloadLength)
	payload = append(payload, crypt.Truncate(full)...)
	payload = append(payload, c.advSalt...)
	return payload
}

// ReadValue serves GATT reads, notably the advertisement characteristic.
func (c *Car) ReadValue(charID uuid.UUID) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if charID == config.AdvertisementCharacteristicUUID && c.reconnKey != nil {
		return c.advertisementPayloadLocked()
	}
	return nil
}

// HandleWrite consumes one phone write off the write characteristic.
func (c *Car) HandleWrite(data []byte) {
	c.mu.Lock()
	phase := c.phase
	c.mu.Unlock()

	switch phase {
	case phaseVersionExchange:
		c.handleVersionExchange(data)
	case phaseCapabilities:
		c.handleCapabilities(data)
	case phaseStream:
		c.ensureStream()
		c.strm.HandleValueUpdate(data)
	}
}

// handleVersionExchange answers the phone's ranges with the car's own.
func (c *Car) handleVersionExchange(data []byte) {
	if _, err := wire.DecodeVersionExchange(data); err != nil {
		return
	}

	reply, err := wire.EncodeVersionExchange(&wire.VersionExchange{
		MinStreamVersion:   version.MinStreamVersion,
		MaxStreamVersion:   version.MaxStreamVersion,
		MinSecurityVersion: 1,
		MaxSecurityVersion: c.cfg.SecurityVersion,
	})
	if err != nil {
		return
	}

	c.mu.Lock()
	if c.associating {
		c.phase = phaseCapabilities
	} else {
		c.phase = phaseStream
	}
	c.mu.Unlock()

	c.deliverRaw(reply)
}

// handleCapabilities acknowledges the phone's capabilities.
func (c *Car) handleCapabilities(data []byte) {
	if _, err := wire.DecodeCapabilitiesExchange(data); err != nil {
		return
	}
	ack, err := wire.EncodeCapabilitiesExchange(&wire.CapabilitiesExchange{
		DeviceName: c.cfg.Name,
	})
	if err != nil {
		return
	}

	c.mu.Lock()
	c.phase = phaseStream
	c.mu.Unlock()

	c.deliverRaw(ack)

	// Legacy association: the phone speaks first with its device id, so
	// nothing more to do here.
}

// ensureStream lazily builds the car-side message stream.
func (c *Car) ensureStream() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.strm != nil {
		return
	}
	c.strm = stream.NewBLEStream(stream.Config{
		WriteChunk: func(chunk []byte) error {
			c.central.DeliverToPhone(c.periph, config.ReadCharacteristicUUID, chunk)
			// The fake transport has no backpressure; release the pump
			// for the next chunk.
			_ = c.central.queue.Async(func() {
				c.mu.Lock()
				strm := c.strm
				c.mu.Unlock()
				if strm != nil {
					strm.HandleReadyToWrite()
				}
			})
			return nil
		},
		MaxWriteLength: c.periph.maxWrite,
		Compression:    c.cfg.Overlay.MessageCompressionAllowed,
		ConnectionID:   "car-" + c.cfg.ID.String(),
	})
	c.strm.SetDelegate(carStreamDelegate{c})
	if c.cipher != nil {
		c.strm.SetCipher(c.cipher)
	}
}

// deliverRaw sends raw (non-packet) bytes up the read characteristic.
func (c *Car) deliverRaw(data []byte) {
	c.central.DeliverToPhone(c.periph, config.ReadCharacteristicUUID, data)
}

// carStreamDelegate adapts stream upcalls onto the car script.
type carStreamDelegate struct{ c *Car }

func (d carStreamDelegate) OnMessageReceived(data []byte, params stream.Params) {
	d.c.handleStreamMessage(data, params)
}
func (d carStreamDelegate) OnWriteCompleted(params stream.Params)        {}
func (d carStreamDelegate) OnWriteError(params stream.Params, err error) {}
func (d carStreamDelegate) OnUnrecoverableError(err error)               {}

// handleStreamMessage runs the car side of the protocol.
func (c *Car) handleStreamMessage(data []byte, params stream.Params) {
	switch params.Operation {
	case wire.OperationEncryptionHandshake:
		c.handleHandshakeMessage(data)
	case wire.OperationClientMessage:
		c.handleClientMessage(data, params.Recipient)
	case wire.OperationQuery:
		c.handleQuery(data)
	case wire.OperationQueryResponse:
		// The scripted car sends no queries of its own.
	}
}

// handleHandshakeMessage consumes handshake, verification, and challenge
// traffic.
func (c *Car) handleHandshakeMessage(data []byte) {
	c.mu.Lock()
	associating := c.associating
	shared := c.shared
	c.mu.Unlock()

	if !associating {
		c.handleReconnectChallenge(data)
		return
	}

	// Verification-code messages are CBOR; everything else in the
	// handshake phase is raw key material.
	if shared != nil {
		if code, err := wire.DecodeVerificationCode(data); err == nil {
			c.handleVerificationCode(code)
			return
		}
	}

	switch {
	case shared == nil && len(data) == 16 && c.cfg.SecurityVersion == 1:
		// v1: the phone's plaintext device id arrives first.
		c.mu.Lock()
		c.phoneDeviceID = append([]byte(nil), data...)
		c.mu.Unlock()
		c.ensureStream()
		_ = c.strm.WriteMessage(c.cfg.ID[:], stream.Params{Operation: wire.OperationEncryptionHandshake})

	case shared == nil && len(data) == 32:
		// pA arrived; reply with pB.
		pB, err := crypt.RandomBytes(32)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.pB = pB
		c.shared = SharedSecret(data, pB)
		c.mu.Unlock()
		c.ensureStream()
		_ = c.strm.WriteMessage(pB, stream.Params{Operation: wire.OperationEncryptionHandshake})

	case shared != nil && bytes.Equal(data, PhoneConfirm(shared)):
		// Phone confirmed the pairing; establish.
		cipher, err := SessionCipher(shared)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.sawPhoneConfirm = true
		c.savedShared = append([]byte(nil), shared...)
		c.mu.Unlock()

		_ = c.strm.WriteMessage(CarConfirm(shared), stream.Params{Operation: wire.OperationEncryptionHandshake})

		// Install the cipher after the confirmation leaves, then announce
		// the car id over the encrypted stream (v2+).
		c.mu.Lock()
		c.cipher = cipher
		c.mu.Unlock()
		c.strm.SetCipher(cipher)

		if c.cfg.SecurityVersion >= 2 {
			_ = c.strm.WriteEncryptedMessage(c.cfg.ID[:], stream.Params{Operation: wire.OperationClientMessage})
		}
	}
}

// handleVerificationCode runs the car's half of the v4 verification round.
func (c *Car) handleVerificationCode(code *wire.VerificationCode) {
	c.mu.Lock()
	shared := c.shared
	token := c.cfg.Token
	c.mu.Unlock()

	switch code.State {
	case wire.VerificationOOB:
		if token == nil {
			return
		}
		opened, err := crypt.OpenAESGCM(token.EncryptionKey, token.MobileIV, code.Payload)
		if err != nil || !bytes.Equal(opened, VerificationDataFromShared(shared)) {
			return
		}
		sealed, err := crypt.SealAESGCM(token.EncryptionKey, token.IHUIV, VerificationDataFromShared(shared))
		if err != nil {
			return
		}
		reply, err := wire.EncodeVerificationCode(&wire.VerificationCode{
			State:   wire.VerificationOOBConfirmation,
			Payload: sealed,
		})
		if err != nil {
			return
		}
		_ = c.strm.WriteMessage(reply, stream.Params{Operation: wire.OperationEncryptionHandshake})

	case wire.VerificationVisual:
		if !c.cfg.AutoConfirmVisual {
			return
		}
		reply, err := wire.EncodeVerificationCode(&wire.VerificationCode{
			State: wire.VerificationVisualConfirmation,
		})
		if err != nil {
			return
		}
		_ = c.strm.WriteMessage(reply, stream.Params{Operation: wire.OperationEncryptionHandshake})
	}
}

// handleReconnectChallenge verifies the phone's HMAC and proves key
// possession.
func (c *Car) handleReconnectChallenge(data []byte) {
	c.mu.Lock()
	key := c.reconnKey
	salt := c.advSalt
	saved := c.savedShared
	c.mu.Unlock()

	if len(data) != crypt.HMACSize+crypt.ChallengeSaltSize || key == nil {
		return
	}
	phoneHMAC := data[:crypt.HMACSize]
	challenge := data[crypt.HMACSize:]

	// The phone must hold the full MAC over our advertised salt.
	padded := make([]byte, 16)
	copy(padded, salt)
	if !crypt.HMACEqual(phoneHMAC, crypt.HMACSHA256(key, padded)) {
		return
	}

	c.ensureStream()
	_ = c.strm.WriteMessage(crypt.HMACSHA256(key, challenge), stream.Params{Operation: wire.OperationEncryptionHandshake})

	// The phone resumes the saved session next; arm our cipher.
	if cipher, err := SessionCipher(saved); err == nil {
		c.mu.Lock()
		c.cipher = cipher
		c.mu.Unlock()
		c.strm.SetCipher(cipher)
	}
}

// handleClientMessage records application traffic and captures the
// device-id-plus-key delivery during association.
func (c *Car) handleClientMessage(data []byte, recipient uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.associating && c.reconnKey == nil && recipient == uuid.Nil && len(data) == 16+crypt.ReconnectionKeySize {
		c.phoneDeviceID = append([]byte(nil), data[:16]...)
		c.reconnKey = append([]byte(nil), data[16:]...)
		return
	}
	c.Received[recipient] = append(c.Received[recipient], append([]byte(nil), data...))
}

// handleQuery answers the system role query.
func (c *Car) handleQuery(data []byte) {
	query, err := wire.DecodeQuery(data)
	if err != nil {
		return
	}
	sysQuery, err := wire.DecodeSystemQuery(query.Request)
	if err != nil || sysQuery.Type != wire.SystemQueryUserRole {
		return
	}

	role := c.cfg.Role
	if role == wire.RoleUnknown {
		role = wire.RoleDriver
	}
	roleData, err := wire.EncodeUserRoleResponse(&wire.UserRoleResponse{Role: role})
	if err != nil {
		return
	}
	respData, err := wire.EncodeQueryResponse(&wire.QueryResponse{
		ID:         query.ID,
		Successful: true,
		Response:   roleData,
	})
	if err != nil {
		return
	}

	var sender uuid.UUID
	copy(sender[:], query.Sender)
	_ = c.strm.WriteEncryptedMessage(respData, stream.Params{
		Recipient: sender,
		Operation: wire.OperationQueryResponse,
	})
}
