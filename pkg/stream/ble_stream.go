package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/companion-protocol/companion-go/pkg/handshake"
	"github.com/companion-protocol/companion-go/pkg/log"
	"github.com/companion-protocol/companion-go/pkg/wire"
	"github.com/google/uuid"
)

// ChunkWriter delivers one packet's bytes to the peripheral's write
// characteristic.
type ChunkWriter func(data []byte) error

// outgoingMessage is a queued write and its pending packets.
type outgoingMessage struct {
	params  Params
	packets []*packet
	next    int
}

// BLEStream is the MessageStream implementation over a BLE connection.
//
// The owning connection manager feeds transport upcalls in via
// HandleValueUpdate and HandleReadyToWrite; all calls arrive on the core's
// dispatch queue.
type BLEStream struct {
	mu sync.Mutex

	writeChunk     ChunkWriter
	maxWriteLength int
	compression    bool
	connectionID   string

	delegate Delegate
	cipher   handshake.Cipher

	// Write side
	queue         []*outgoingMessage
	awaitingReady bool
	nextMessageID uint32

	// Read side
	pending map[uint32]*reassembly

	invalidated bool

	logger log.Logger
}

// Config carries the stream construction parameters.
type Config struct {
	// WriteChunk delivers packet bytes to the write characteristic.
	WriteChunk ChunkWriter

	// MaxWriteLength is the connection's maximum write-without-response size.
	MaxWriteLength int

	// Compression enables payload compression for this stream.
	Compression bool

	// ConnectionID correlates protocol log events.
	ConnectionID string

	// Logger receives protocol events; nil disables logging.
	Logger log.Logger
}

// NewBLEStream creates a stream over a connected peripheral.
func NewBLEStream(cfg Config) *BLEStream {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NoopLogger{}
	}
	return &BLEStream{
		writeChunk:     cfg.WriteChunk,
		maxWriteLength: cfg.MaxWriteLength,
		compression:    cfg.Compression,
		connectionID:   cfg.ConnectionID,
		pending:        make(map[uint32]*reassembly),
		logger:         logger,
	}
}

// SetDelegate installs the upcall receiver.
func (s *BLEStream) SetDelegate(delegate Delegate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delegate = delegate
}

// SetCipher installs the established session cipher.
func (s *BLEStream) SetCipher(cipher handshake.Cipher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cipher = cipher
}

// Compression reports whether payload compression was negotiated.
func (s *BLEStream) Compression() bool {
	return s.compression
}

// WriteMessage sends data without applying the session cipher.
func (s *BLEStream) WriteMessage(data []byte, params Params) error {
	return s.write(data, params, false)
}

// WriteEncryptedMessage seals data with the session cipher before sending.
func (s *BLEStream) WriteEncryptedMessage(data []byte, params Params) error {
	return s.write(data, params, true)
}

func (s *BLEStream) write(data []byte, params Params, encrypted bool) error {
	s.mu.Lock()
	if s.invalidated {
		s.mu.Unlock()
		return ErrStreamInvalidated
	}
	cipher := s.cipher
	s.mu.Unlock()

	payload := data
	var originalSize uint32
	if s.compression {
		payload, originalSize = maybeCompress(payload)
	}

	if encrypted {
		if cipher == nil {
			return ErrNoCipher
		}
		sealed, err := cipher.Encrypt(payload)
		if err != nil {
			return fmt.Errorf("failed to encrypt message: %w", err)
		}
		payload = sealed
	}

	msg := &wire.DeviceMessage{
		Operation:    params.Operation,
		Payload:      payload,
		OriginalSize: originalSize,
	}
	if params.Recipient != uuid.Nil {
		msg.Recipient = params.Recipient[:]
	}

	encoded, err := wire.EncodeDeviceMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	s.mu.Lock()
	if s.invalidated {
		s.mu.Unlock()
		return ErrStreamInvalidated
	}
	s.nextMessageID++
	out := &outgoingMessage{
		params:  params,
		packets: splitIntoPackets(s.nextMessageID, encoded, s.maxWriteLength),
	}
	s.queue = append(s.queue, out)
	s.mu.Unlock()

	s.logMessage(log.DirectionOut, params, len(data), encrypted)
	s.pump()
	return nil
}

// HandleReadyToWrite resumes the write pump after transport backpressure.
func (s *BLEStream) HandleReadyToWrite() {
	s.mu.Lock()
	s.awaitingReady = false
	s.mu.Unlock()
	s.pump()
}

// pump writes queued packets in order. After a packet that does not end its
// message it stops until HandleReadyToWrite; otherwise it runs until the
// queue drains.
func (s *BLEStream) pump() {
	for {
		s.mu.Lock()
		if s.invalidated || s.awaitingReady || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		current := s.queue[0]
		pkt := current.packets[current.next]
		s.mu.Unlock()

		data, err := encodePacket(pkt)
		if err == nil {
			err = s.writeChunk(data)
		}

		s.mu.Lock()
		if err != nil {
			s.queue = s.queue[1:]
			delegate := s.delegate
			params := current.params
			s.mu.Unlock()
			if delegate != nil {
				delegate.OnWriteError(params, err)
			}
			continue
		}

		current.next++
		messageDone := current.next == len(current.packets)
		if messageDone {
			s.queue = s.queue[1:]
		} else {
			// Wait for the transport before the next chunk.
			s.awaitingReady = true
		}
		delegate := s.delegate
		params := current.params
		s.mu.Unlock()

		if messageDone && delegate != nil {
			delegate.OnWriteCompleted(params)
		}
	}
}

// HandleValueUpdate feeds one characteristic notification to the stream.
func (s *BLEStream) HandleValueUpdate(data []byte) {
	pkt, err := decodePacket(data)
	if err != nil {
		s.fail(err)
		return
	}

	s.mu.Lock()
	if s.invalidated {
		s.mu.Unlock()
		return
	}
	r, ok := s.pending[pkt.MessageID]
	if !ok {
		r = newReassembly(pkt.TotalPackets)
		s.pending[pkt.MessageID] = r
	}
	if r.total != pkt.TotalPackets || pkt.PacketNumber > r.total {
		s.mu.Unlock()
		s.fail(fmt.Errorf("%w: inconsistent packet count", ErrCannotParse))
		return
	}
	complete := r.add(pkt)
	if !complete {
		s.mu.Unlock()
		return
	}
	delete(s.pending, pkt.MessageID)
	encoded := r.assemble()
	cipher := s.cipher
	delegate := s.delegate
	s.mu.Unlock()

	msg, err := wire.DecodeDeviceMessage(encoded)
	if err != nil {
		s.fail(err)
		return
	}

	payload := msg.Payload

	// Application payloads are sealed once the session cipher exists;
	// handshake traffic never is.
	if cipher != nil && msg.Operation != wire.OperationEncryptionHandshake {
		payload, err = cipher.Decrypt(payload)
		if err != nil {
			s.fail(fmt.Errorf("%w: %v", ErrCannotParse, err))
			return
		}
	}

	if msg.OriginalSize > 0 {
		payload, err = decompress(payload, msg.OriginalSize)
		if err != nil {
			s.fail(err)
			return
		}
	}

	params := Params{Operation: msg.Operation}
	if len(msg.Recipient) == 16 {
		copy(params.Recipient[:], msg.Recipient)
	}

	s.logMessage(log.DirectionIn, params, len(payload), cipher != nil && msg.Operation != wire.OperationEncryptionHandshake)

	if delegate != nil {
		delegate.OnMessageReceived(payload, params)
	}
}

// Invalidate permanently closes the stream.
func (s *BLEStream) Invalidate() {
	s.mu.Lock()
	if s.invalidated {
		s.mu.Unlock()
		return
	}
	s.invalidated = true
	s.queue = nil
	s.pending = make(map[uint32]*reassembly)
	s.mu.Unlock()
}

// fail reports an unrecoverable stream error and invalidates the stream.
func (s *BLEStream) fail(err error) {
	s.mu.Lock()
	if s.invalidated {
		s.mu.Unlock()
		return
	}
	s.invalidated = true
	delegate := s.delegate
	s.mu.Unlock()

	s.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.connectionID,
		Direction:    log.DirectionIn,
		Layer:        log.LayerStream,
		Category:     log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   log.LayerStream,
			Message: err.Error(),
			Context: "stream receive",
		},
	})

	if delegate != nil {
		delegate.OnUnrecoverableError(err)
	}
}

func (s *BLEStream) logMessage(direction log.Direction, params Params, size int, encrypted bool) {
	recipient := ""
	if params.Recipient != uuid.Nil {
		recipient = params.Recipient.String()
	}
	s.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.connectionID,
		Direction:    direction,
		Layer:        log.LayerStream,
		Category:     log.CategoryMessage,
		Message: &log.MessageEvent{
			Operation: uint8(params.Operation),
			Recipient: recipient,
			Size:      size,
			Encrypted: encrypted,
		},
	})
}

// Compile-time interface satisfaction check.
var _ MessageStream = (*BLEStream)(nil)
