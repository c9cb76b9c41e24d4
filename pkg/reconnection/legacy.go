package reconnection

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/companion-protocol/companion-go/pkg/channel"
	"github.com/companion-protocol/companion-go/pkg/dispatch"
	"github.com/companion-protocol/companion-go/pkg/keystore"
	"github.com/companion-protocol/companion-go/pkg/log"
	"github.com/companion-protocol/companion-go/pkg/stream"
	"github.com/companion-protocol/companion-go/pkg/wire"
	"github.com/google/uuid"
)

// LegacyReconnector resumes a v1 session. Legacy cars advertise the phone's
// device id as a service UUID, so there is no anonymized payload to match
// and no challenge round: the car announces its id in plaintext and the
// saved session is resumed directly.
type LegacyReconnector struct {
	cfg     Config
	timeout time.Duration
	logger  *slog.Logger
	plog    log.Logger

	state State
	timer *dispatch.Timer
}

// NewLegacy creates a v1 reconnector. Candidates and Match are ignored; the
// car identifies itself after connecting.
func NewLegacy(cfg Config) (*LegacyReconnector, error) {
	if cfg.SecurityVersion != 1 {
		return nil, fmt.Errorf("legacy reconnector requires security version 1, got %d", cfg.SecurityVersion)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	plog := cfg.ProtocolLogger
	if plog == nil {
		plog = log.NoopLogger{}
	}

	r := &LegacyReconnector{
		cfg:     cfg,
		timeout: timeout,
		logger:  logger,
		plog:    plog,
		state:   StateUnresolved,
	}
	cfg.Stream.SetDelegate(r)
	return r, nil
}

// State returns the current FSM state.
func (r *LegacyReconnector) State() State {
	return r.state
}

// Start arms the timer; the car speaks first.
func (r *LegacyReconnector) Start() {
	if r.state != StateUnresolved {
		return
	}
	r.timer = r.cfg.Queue.AsyncAfter(r.timeout, func() {
		r.fail(ErrorFailedEncryptionEstablishment, nil)
	})
}

// OnMessageReceived expects the car's 16-byte plaintext id.
func (r *LegacyReconnector) OnMessageReceived(data []byte, params stream.Params) {
	if r.state != StateUnresolved {
		return
	}
	if len(data) != 16 {
		r.fail(ErrorInvalidMessage, fmt.Errorf("car id length %d", len(data)))
		return
	}
	carUUID, err := uuid.FromBytes(data)
	if err != nil {
		r.fail(ErrorInvalidMessage, err)
		return
	}
	carID := carUUID.String()

	if _, ok := r.cfg.Store.GetCar(carID); !ok {
		r.fail(ErrorUnassociatedCar, nil)
		return
	}

	blob, ok := r.cfg.Store.GetSession(carID)
	if !ok {
		r.fail(ErrorNoSavedEncryption, nil)
		return
	}

	session, err := r.cfg.Handshake.ResumeSession(blob, legacySender{r})
	if err != nil {
		r.fail(ErrorInvalidSavedEncryption, err)
		return
	}
	cipher, err := session.Cipher()
	if err != nil {
		r.fail(ErrorInvalidSavedEncryption, err)
		return
	}
	r.cfg.Stream.SetCipher(cipher)

	car, ok := r.cfg.Store.GetCar(carID)
	if !ok {
		car = keystore.Car{ID: carID}
	}
	ch := channel.New(channel.Config{
		Car:            car,
		Stream:         r.cfg.Stream,
		Logger:         r.logger,
		ProtocolLogger: r.plog,
		ConnectionID:   r.cfg.ConnectionID,
	})

	if r.timer != nil {
		r.timer.Cancel()
	}
	r.state = StateDone
	r.cfg.Delegate.ReconnectionCompleted(car, ch)
}

// OnWriteCompleted is uninteresting pre-channel.
func (r *LegacyReconnector) OnWriteCompleted(params stream.Params) {}

// OnWriteError is terminal for the attempt.
func (r *LegacyReconnector) OnWriteError(params stream.Params, err error) {
	r.fail(ErrorUnknown, err)
}

// OnUnrecoverableError is terminal for the attempt.
func (r *LegacyReconnector) OnUnrecoverableError(err error) {
	r.fail(ErrorDisconnected, err)
}

// Cancel aborts the attempt.
func (r *LegacyReconnector) Cancel() {
	r.fail(ErrorDisconnected, nil)
}

func (r *LegacyReconnector) fail(kind ErrorKind, cause error) {
	if r.state == StateDone || r.state == StateFailed {
		return
	}
	if r.timer != nil {
		r.timer.Cancel()
	}
	r.state = StateFailed
	r.cfg.Delegate.ReconnectionFailed(&Error{Kind: kind, Err: cause})
}

// legacySender routes resumed-session output onto the stream.
type legacySender struct{ r *LegacyReconnector }

// SendHandshakeMessage implements handshake.Sender.
func (s legacySender) SendHandshakeMessage(data []byte) error {
	return s.r.cfg.Stream.WriteMessage(data, stream.Params{
		Operation: wire.OperationEncryptionHandshake,
	})
}
