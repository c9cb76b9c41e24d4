package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/companion-protocol/companion-go/pkg/keystore"
	"github.com/companion-protocol/companion-go/pkg/log"
	"github.com/companion-protocol/companion-go/pkg/stream"
	"github.com/companion-protocol/companion-go/pkg/wire"
	"github.com/google/uuid"
)

// Channel errors.
var (
	ErrObserverAlreadyRegistered = errors.New("observer already registered for recipient")
	ErrInvalidChannel            = errors.New("channel is invalid")
)

// maxQueryID is the last id allocated before wrapping to zero.
const maxQueryID = math.MaxInt32

// missedBufferCap bounds each recipient's late-delivery buffer. The oldest
// entry is dropped on overflow.
const missedBufferCap = 100

// MessageObserver receives application messages for one recipient.
type MessageObserver func(data []byte)

// QueryObserver receives queries for one recipient.
type QueryObserver func(id int32, sender uuid.UUID, request []byte, parameters []byte)

// QueryResponder receives the response to a query this channel sent.
type QueryResponder func(response *wire.QueryResponse)

// WriteCompletion reports the outcome of one accepted write.
type WriteCompletion func(success bool)

// CancelFunc removes an observer registration.
type CancelFunc func()

// SecuredChannel is an authenticated, encrypted message channel to one car.
type SecuredChannel struct {
	mu sync.Mutex

	car    keystore.Car
	stream stream.MessageStream
	role   wire.UserRole

	messageObservers map[uuid.UUID]MessageObserver
	queryObservers   map[uuid.UUID]QueryObserver

	missedMessages map[uuid.UUID][][]byte
	missedQueries  map[uuid.UUID][]*wire.Query

	queryResponders map[int32]QueryResponder
	nextQueryID     int32

	// One entry per accepted write, consumed in FIFO order by the stream's
	// completion upcalls.
	pendingCompletions []WriteCompletion

	invalid     bool
	invalidated func(err error)

	logger       *slog.Logger
	protocolLog  log.Logger
	connectionID string
}

// Config carries channel construction parameters.
type Config struct {
	// Car is the authenticated peer.
	Car keystore.Car

	// Stream is the established message stream. The channel installs
	// itself as the stream's delegate.
	Stream stream.MessageStream

	// OnInvalidated is called once when the channel becomes invalid.
	OnInvalidated func(err error)

	// Logger is the operational logger; nil uses slog.Default().
	Logger *slog.Logger

	// ProtocolLogger receives protocol events; nil disables capture.
	ProtocolLogger log.Logger

	// ConnectionID correlates protocol log events.
	ConnectionID string
}

// New creates a secured channel over an established stream.
func New(cfg Config) *SecuredChannel {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	protocolLog := cfg.ProtocolLogger
	if protocolLog == nil {
		protocolLog = log.NoopLogger{}
	}

	c := &SecuredChannel{
		car:              cfg.Car,
		stream:           cfg.Stream,
		messageObservers: make(map[uuid.UUID]MessageObserver),
		queryObservers:   make(map[uuid.UUID]QueryObserver),
		missedMessages:   make(map[uuid.UUID][][]byte),
		missedQueries:    make(map[uuid.UUID][]*wire.Query),
		queryResponders:  make(map[int32]QueryResponder),
		invalidated:      cfg.OnInvalidated,
		logger:           logger,
		protocolLog:      protocolLog,
		connectionID:     cfg.ConnectionID,
	}
	cfg.Stream.SetDelegate(c)
	return c
}

// Car returns the authenticated peer.
func (c *SecuredChannel) Car() keystore.Car {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.car
}

// Role returns the resolved user role, RoleUnknown when never resolved.
func (c *SecuredChannel) Role() wire.UserRole {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// SetRole records the resolved user role.
func (c *SecuredChannel) SetRole(role wire.UserRole) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = role
}

// IsValid reports whether the channel can still carry traffic.
func (c *SecuredChannel) IsValid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.invalid
}

// ObserveMessages registers the single message observer for a recipient.
// Buffered messages are delivered in arrival order before this returns.
func (c *SecuredChannel) ObserveMessages(recipient uuid.UUID, observer MessageObserver) (CancelFunc, error) {
	c.mu.Lock()
	if _, exists := c.messageObservers[recipient]; exists {
		c.mu.Unlock()
		return nil, ErrObserverAlreadyRegistered
	}
	c.messageObservers[recipient] = observer
	missed := c.missedMessages[recipient]
	delete(c.missedMessages, recipient)
	c.mu.Unlock()

	for _, data := range missed {
		observer(data)
	}

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.messageObservers, recipient)
		delete(c.missedMessages, recipient)
	}, nil
}

// ObserveQueries registers the single query observer for a recipient.
// Buffered queries are delivered in arrival order before this returns.
func (c *SecuredChannel) ObserveQueries(recipient uuid.UUID, observer QueryObserver) (CancelFunc, error) {
	c.mu.Lock()
	if _, exists := c.queryObservers[recipient]; exists {
		c.mu.Unlock()
		return nil, ErrObserverAlreadyRegistered
	}
	c.queryObservers[recipient] = observer
	missed := c.missedQueries[recipient]
	delete(c.missedQueries, recipient)
	c.mu.Unlock()

	for _, q := range missed {
		observer(q.ID, senderUUID(q), q.Request, q.Parameters)
	}

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.queryObservers, recipient)
		delete(c.missedQueries, recipient)
	}, nil
}

// WriteEncrypted sends an application message to a recipient. The completion
// (which may be nil) fires exactly once, in FIFO order relative to other
// writes on this channel.
func (c *SecuredChannel) WriteEncrypted(data []byte, recipient uuid.UUID, completion WriteCompletion) error {
	return c.writeToStream(data, stream.Params{
		Recipient: recipient,
		Operation: wire.OperationClientMessage,
	}, completion)
}

// SendQuery sends a query to a recipient and records the responder under the
// allocated id. The sender field of the wire query names the recipient the
// response should be addressed to. Returns the allocated id.
func (c *SecuredChannel) SendQuery(request, parameters []byte, recipient uuid.UUID, responder QueryResponder) (int32, error) {
	c.mu.Lock()
	if c.invalid {
		c.mu.Unlock()
		return 0, ErrInvalidChannel
	}
	id := c.nextQueryID
	if c.nextQueryID == maxQueryID {
		c.nextQueryID = 0
	} else {
		c.nextQueryID++
	}
	c.queryResponders[id] = responder
	c.mu.Unlock()

	data, err := wire.EncodeQuery(&wire.Query{
		ID:         id,
		Sender:     recipient[:],
		Request:    request,
		Parameters: parameters,
	})
	if err != nil {
		c.removeResponder(id)
		return 0, fmt.Errorf("failed to encode query: %w", err)
	}

	err = c.writeToStream(data, stream.Params{
		Recipient: recipient,
		Operation: wire.OperationQuery,
	}, nil)
	if err != nil {
		c.removeResponder(id)
		return 0, err
	}
	return id, nil
}

// SendQueryResponse answers a received query.
func (c *SecuredChannel) SendQueryResponse(id int32, recipient uuid.UUID, successful bool, response []byte) error {
	data, err := wire.EncodeQueryResponse(&wire.QueryResponse{
		ID:         id,
		Successful: successful,
		Response:   response,
	})
	if err != nil {
		return fmt.Errorf("failed to encode query response: %w", err)
	}

	return c.writeToStream(data, stream.Params{
		Recipient: recipient,
		Operation: wire.OperationQueryResponse,
	}, nil)
}

// writeToStream serializes the write and enqueues its completion entry.
func (c *SecuredChannel) writeToStream(data []byte, params stream.Params, completion WriteCompletion) error {
	c.mu.Lock()
	if c.invalid {
		c.mu.Unlock()
		return ErrInvalidChannel
	}
	c.pendingCompletions = append(c.pendingCompletions, completion)
	c.mu.Unlock()

	if err := c.stream.WriteEncryptedMessage(data, params); err != nil {
		// The stream rejected the write; its completion never fires.
		c.mu.Lock()
		if n := len(c.pendingCompletions); n > 0 {
			c.pendingCompletions = c.pendingCompletions[:n-1]
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *SecuredChannel) removeResponder(id int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.queryResponders, id)
}

// Invalidate marks the channel unusable; subsequent writes fail with
// ErrInvalidChannel. Called on stream failure or peripheral disconnect.
func (c *SecuredChannel) Invalidate(err error) {
	c.mu.Lock()
	if c.invalid {
		c.mu.Unlock()
		return
	}
	c.invalid = true
	callback := c.invalidated
	c.mu.Unlock()

	c.stream.Invalidate()

	c.protocolLog.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.connectionID,
		CarID:        c.car.ID,
		Direction:    log.DirectionIn,
		Layer:        log.LayerService,
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityChannel,
			NewState: "INVALID",
			Reason:   errString(err),
		},
	})

	if callback != nil {
		callback(err)
	}
}

// OnMessageReceived dispatches an incoming stream message.
// Implements stream.Delegate.
func (c *SecuredChannel) OnMessageReceived(data []byte, params stream.Params) {
	switch params.Operation {
	case wire.OperationClientMessage:
		c.dispatchMessage(data, params.Recipient)
	case wire.OperationQuery:
		c.dispatchQuery(data, params.Recipient)
	case wire.OperationQueryResponse:
		c.dispatchQueryResponse(data)
	default:
		c.logger.Debug("ignoring stream message with unexpected operation",
			"car_id", c.car.ID,
			"operation", params.Operation.String())
	}
}

func (c *SecuredChannel) dispatchMessage(data []byte, recipient uuid.UUID) {
	c.mu.Lock()
	observer, ok := c.messageObservers[recipient]
	if !ok {
		c.bufferMissedMessage(recipient, data)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	observer(data)
}

// bufferMissedMessage appends to the recipient's late-delivery buffer.
// Caller must hold the mutex.
func (c *SecuredChannel) bufferMissedMessage(recipient uuid.UUID, data []byte) {
	buf := c.missedMessages[recipient]
	if len(buf) >= missedBufferCap {
		buf = buf[1:]
		c.logger.Warn("missed-message buffer overflow, dropping oldest",
			"car_id", c.car.ID,
			"recipient", recipient.String())
	}
	c.missedMessages[recipient] = append(buf, data)
}

func (c *SecuredChannel) dispatchQuery(data []byte, recipient uuid.UUID) {
	query, err := wire.DecodeQuery(data)
	if err != nil {
		c.logger.Warn("dropping unparseable query",
			"car_id", c.car.ID,
			"error", err)
		return
	}

	c.mu.Lock()
	observer, ok := c.queryObservers[recipient]
	if !ok {
		buf := c.missedQueries[recipient]
		if len(buf) >= missedBufferCap {
			buf = buf[1:]
			c.logger.Warn("missed-query buffer overflow, dropping oldest",
				"car_id", c.car.ID,
				"recipient", recipient.String())
		}
		c.missedQueries[recipient] = append(buf, query)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	observer(query.ID, senderUUID(query), query.Request, query.Parameters)
}

func (c *SecuredChannel) dispatchQueryResponse(data []byte) {
	response, err := wire.DecodeQueryResponse(data)
	if err != nil {
		c.logger.Warn("dropping unparseable query response",
			"car_id", c.car.ID,
			"error", err)
		return
	}

	c.mu.Lock()
	responder, ok := c.queryResponders[response.ID]
	if ok {
		delete(c.queryResponders, response.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("dropping query response with unknown id",
			"car_id", c.car.ID,
			"query_id", response.ID)
		return
	}
	responder(response)
}

// OnWriteCompleted consumes one completion entry.
// Implements stream.Delegate.
func (c *SecuredChannel) OnWriteCompleted(params stream.Params) {
	c.finishWrite(true)
}

// OnWriteError consumes one completion entry with failure.
// Implements stream.Delegate.
func (c *SecuredChannel) OnWriteError(params stream.Params, err error) {
	c.logger.Debug("channel write failed",
		"car_id", c.car.ID,
		"recipient", params.Recipient.String(),
		"error", err)
	c.finishWrite(false)
}

// finishWrite pops the FIFO. An empty FIFO means a write bypassed the
// channel's accounting; that is a programmer error.
func (c *SecuredChannel) finishWrite(success bool) {
	c.mu.Lock()
	if len(c.pendingCompletions) == 0 {
		c.mu.Unlock()
		c.logger.Error("write completion with no pending entry",
			"car_id", c.car.ID)
		return
	}
	completion := c.pendingCompletions[0]
	c.pendingCompletions = c.pendingCompletions[1:]
	c.mu.Unlock()

	if completion != nil {
		completion(success)
	}
}

// OnUnrecoverableError invalidates the channel.
// Implements stream.Delegate.
func (c *SecuredChannel) OnUnrecoverableError(err error) {
	c.Invalidate(err)
}

// senderUUID extracts the query's sender as a UUID, zero when malformed.
func senderUUID(q *wire.Query) uuid.UUID {
	var id uuid.UUID
	if len(q.Sender) == 16 {
		copy(id[:], q.Sender)
	}
	return id
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Compile-time interface satisfaction check.
var _ stream.Delegate = (*SecuredChannel)(nil)
