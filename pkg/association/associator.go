package association

import (
	"bytes"
	"fmt"
	"log/slog"
	"time"

	"github.com/companion-protocol/companion-go/pkg/channel"
	"github.com/companion-protocol/companion-go/pkg/crypt"
	"github.com/companion-protocol/companion-go/pkg/dispatch"
	"github.com/companion-protocol/companion-go/pkg/handshake"
	"github.com/companion-protocol/companion-go/pkg/keystore"
	"github.com/companion-protocol/companion-go/pkg/log"
	"github.com/companion-protocol/companion-go/pkg/oob"
	"github.com/companion-protocol/companion-go/pkg/stream"
	"github.com/companion-protocol/companion-go/pkg/wire"
	"github.com/google/uuid"
)

// DefaultTimeout is the per-attempt timeout.
const DefaultTimeout = 10 * time.Second

// tokenRequestWindow bounds how long the v4 flow waits for an out-of-band
// token before falling back to visual confirmation.
const tokenRequestWindow = 1 * time.Second

// carIDLength is the required car identifier size.
const carIDLength = 16

// v1AcceptPayload is the literal confirmation payload legacy cars send.
const v1AcceptPayload = "True"

// State is the association FSM state.
type State uint8

const (
	// StateIdle is the initial state.
	StateIdle State = iota

	// StateAwaitingCarID waits for the car id (v1 pre-encryption).
	StateAwaitingCarID

	// StateEncryptionInProgress runs the key-agreement exchange.
	StateEncryptionInProgress

	// StateVisualConfirmation waits for pairing-code acceptance.
	StateVisualConfirmation

	// StateOOBConfirmation waits for the car's sealed verification reply.
	StateOOBConfirmation

	// StateEncryptionEstablished waits for the car id (v2+).
	StateEncryptionEstablished

	// StateAwaitingWriteAck waits for the device-id-plus-key write to land.
	StateAwaitingWriteAck

	// StateDone is terminal success.
	StateDone

	// StateFailed is terminal failure.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingCarID:
		return "AWAITING_CAR_ID"
	case StateEncryptionInProgress:
		return "ENCRYPTION_IN_PROGRESS"
	case StateVisualConfirmation:
		return "VISUAL_CONFIRMATION"
	case StateOOBConfirmation:
		return "OOB_CONFIRMATION"
	case StateEncryptionEstablished:
		return "ENCRYPTION_ESTABLISHED"
	case StateAwaitingWriteAck:
		return "AWAITING_WRITE_ACK"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Delegate receives the attempt outcome and UI requests.
type Delegate interface {
	// DisplayPairingCode asks the application to show the code.
	DisplayPairingCode(code string)

	// AssociationCompleted reports terminal success with the secured channel.
	AssociationCompleted(car keystore.Car, ch *channel.SecuredChannel)

	// AssociationFailed reports terminal failure. Called exactly once.
	AssociationFailed(err error)
}

// Config carries associator construction parameters.
type Config struct {
	// SecurityVersion is the negotiated security version (1..4).
	SecurityVersion uint8

	// CarName is the advertised name recorded on the new car entry.
	CarName string

	// Stream is the peripheral's message stream. The associator installs
	// itself as the stream delegate until the channel takes over.
	Stream stream.MessageStream

	// Handshake creates the key-agreement session.
	Handshake handshake.Provider

	// Store persists the car, key, and session.
	Store keystore.Store

	// TokenProvider supplies out-of-band tokens for v4; may be nil.
	TokenProvider oob.TokenProvider

	// Queue is the core dispatch queue.
	Queue *dispatch.Queue

	// Delegate receives the outcome.
	Delegate Delegate

	// FeatureProvider resolves the v4 role query; nil skips it.
	FeatureProvider channel.FeatureProvider

	// Timeout overrides the per-attempt timeout; zero uses DefaultTimeout.
	Timeout time.Duration

	// ConnectionID correlates protocol log events.
	ConnectionID string

	// Logger is the operational logger; nil uses slog.Default().
	Logger *slog.Logger

	// ProtocolLogger receives protocol events; nil disables capture.
	ProtocolLogger log.Logger
}

// Associator runs one association attempt with one car.
//
// All methods must be called on the dispatch queue; transport, handshake, and
// token-provider callbacks are hopped onto it internally where needed.
type Associator struct {
	cfg     Config
	timeout time.Duration
	logger  *slog.Logger
	plog    log.Logger

	state   State
	session handshake.Session
	timer   *dispatch.Timer

	carID       uuid.UUID
	haveCarID   bool
	pairingCode string

	// v4 verification
	token             *oob.Token
	tokenWindow       *dispatch.Timer
	verificationOpen  bool // a token request is outstanding
	localUserAccepted bool
}

// New creates an associator for the negotiated security version.
func New(cfg Config) (*Associator, error) {
	if cfg.SecurityVersion < 1 || cfg.SecurityVersion > 4 {
		return nil, fmt.Errorf("unsupported security version %d", cfg.SecurityVersion)
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

	a := &Associator{
		cfg:     cfg,
		timeout: timeout,
		logger:  logger,
		plog:    plog,
		state:   StateIdle,
	}
	cfg.Stream.SetDelegate(a)
	return a, nil
}

// State returns the current FSM state.
func (a *Associator) State() State {
	return a.state
}

// Start begins the attempt.
func (a *Associator) Start() {
	if a.state != StateIdle {
		return
	}

	if a.cfg.TokenProvider != nil {
		a.cfg.TokenProvider.PrepareForRequests()
	}
	a.startTimer()

	if a.cfg.SecurityVersion == 1 {
		// Legacy flow announces the phone in plaintext first.
		deviceID, err := a.cfg.Store.DeviceID()
		if err != nil {
			a.fail(ErrorUnknown, err)
			return
		}
		if err := a.cfg.Stream.WriteMessage(deviceID, stream.Params{
			Operation: wire.OperationEncryptionHandshake,
		}); err != nil {
			a.fail(ErrorCannotSendMessages, err)
			return
		}
		a.transition(StateAwaitingCarID, "sent device id")
		return
	}

	a.beginEncryption()
}

// beginEncryption creates the handshake session and starts the exchange.
func (a *Associator) beginEncryption() {
	session, err := a.cfg.Handshake.NewSession(handshakeSender{a}, handshakeEvents{a})
	if err != nil {
		a.fail(ErrorUnknown, err)
		return
	}
	a.session = session

	if err := session.Establish(); err != nil {
		a.fail(ErrorUnknown, err)
		return
	}
	a.transition(StateEncryptionInProgress, "handshake started")
}

// NotifyPairingCodeAccepted reports local user acceptance of the displayed
// pairing code.
func (a *Associator) NotifyPairingCodeAccepted() {
	if a.state != StateVisualConfirmation {
		return
	}
	a.localUserAccepted = true

	// v4 waits for the car's visual confirmation message; earlier versions
	// proceed on local acceptance.
	if a.cfg.SecurityVersion == 4 {
		return
	}
	a.acceptPairing()
}

// NotifyPairingCodeRejected reports local user rejection.
func (a *Associator) NotifyPairingCodeRejected() {
	if a.state != StateVisualConfirmation {
		return
	}
	a.fail(ErrorPairingCodeRejected, nil)
}

// acceptPairing resumes the timer and tells the handshake the code matched.
func (a *Associator) acceptPairing() {
	a.startTimer()
	a.transition(StateEncryptionInProgress, "pairing code accepted")
	if err := a.session.NotifyPairingCodeAccepted(); err != nil {
		a.fail(ErrorUnknown, err)
	}
}

// Cancel aborts the attempt with a disconnected error. Used when the
// peripheral drops or the owner dissociates mid-flow.
func (a *Associator) Cancel() {
	a.fail(ErrorDisconnected, nil)
}

// --- stream.Delegate ---

// OnMessageReceived dispatches a stream message by FSM state.
func (a *Associator) OnMessageReceived(data []byte, params stream.Params) {
	switch a.state {
	case StateAwaitingCarID:
		a.handleCarID(data, true)

	case StateEncryptionInProgress:
		if params.Operation != wire.OperationEncryptionHandshake {
			a.logger.Debug("ignoring non-handshake message during encryption setup",
				"operation", params.Operation.String())
			return
		}
		if err := a.session.HandleMessage(data); err != nil {
			a.fail(ErrorUnknown, err)
		}

	case StateVisualConfirmation:
		a.handleVisualConfirmation(data)

	case StateOOBConfirmation:
		a.handleOOBConfirmation(data)

	case StateEncryptionEstablished:
		a.handleCarID(data, false)

	default:
		// Late delivery after a terminal state; drop.
	}
}

// handleCarID validates and stores the 16-byte car identifier. For v1 the id
// arrives before encryption and the handshake starts next; for v2+ it arrives
// on the encrypted stream and the key exchange follows.
func (a *Associator) handleCarID(data []byte, legacy bool) {
	if len(data) != carIDLength {
		a.fail(ErrorMalformedCarID, fmt.Errorf("car id length %d", len(data)))
		return
	}
	carID, err := uuid.FromBytes(data)
	if err != nil {
		a.fail(ErrorMalformedCarID, err)
		return
	}
	a.carID = carID
	a.haveCarID = true

	if legacy {
		a.beginEncryption()
		return
	}
	a.sendDeviceIDAndKey()
}

// sendDeviceIDAndKey generates the reconnection key, persists it, and sends
// device_id || key over the encrypted stream.
func (a *Associator) sendDeviceIDAndKey() {
	key, err := crypt.RandomReconnectionKey()
	if err != nil {
		a.fail(ErrorUnknown, err)
		return
	}
	if err := a.cfg.Store.PutKey(a.carID.String(), key); err != nil {
		a.fail(ErrorAuthenticationKeyStorageFailed, err)
		return
	}

	deviceID, err := a.cfg.Store.DeviceID()
	if err != nil {
		a.fail(ErrorUnknown, err)
		return
	}

	payload := make([]byte, 0, len(deviceID)+len(key))
	payload = append(payload, deviceID...)
	payload = append(payload, key...)

	// Transition first: the write ack may arrive before this call returns.
	a.transition(StateAwaitingWriteAck, "sending device id and key")
	if err := a.cfg.Stream.WriteEncryptedMessage(payload, stream.Params{
		Operation: wire.OperationClientMessage,
	}); err != nil {
		a.fail(ErrorCannotSendMessages, err)
	}
}

// handleVisualConfirmation processes car traffic while the code is displayed.
func (a *Associator) handleVisualConfirmation(data []byte) {
	if a.cfg.SecurityVersion == 4 {
		code, err := wire.DecodeVerificationCode(data)
		if err != nil {
			a.fail(ErrorCannotParseMessage, err)
			return
		}
		if code.State != wire.VerificationVisualConfirmation {
			a.fail(ErrorCannotParseMessage, fmt.Errorf("unexpected verification state %s", code.State))
			return
		}
		a.acceptPairing()
		return
	}

	// Legacy cars confirm with the literal "True"; anything else rejects.
	if string(data) == v1AcceptPayload {
		a.acceptPairing()
		return
	}
	a.fail(ErrorPairingCodeRejected, nil)
}

// handleOOBConfirmation opens the car's sealed verification data and compares
// it with ours.
func (a *Associator) handleOOBConfirmation(data []byte) {
	code, err := wire.DecodeVerificationCode(data)
	if err != nil {
		a.fail(ErrorCannotParseMessage, err)
		return
	}
	if code.State != wire.VerificationOOBConfirmation {
		a.fail(ErrorCannotParseMessage, fmt.Errorf("unexpected verification state %s", code.State))
		return
	}

	opened, err := crypt.OpenAESGCM(a.token.EncryptionKey, a.token.IHUIV, code.Payload)
	if err != nil {
		a.fail(ErrorPairingCodeRejected, err)
		return
	}
	if !bytes.Equal(opened, a.session.VerificationData()) {
		a.fail(ErrorPairingCodeRejected, fmt.Errorf("verification data mismatch"))
		return
	}

	a.transition(StateEncryptionInProgress, "oob verification matched")
	if err := a.session.NotifyPairingCodeAccepted(); err != nil {
		a.fail(ErrorUnknown, err)
	}
}

// OnWriteCompleted advances the FSM when the key delivery lands.
func (a *Associator) OnWriteCompleted(params stream.Params) {
	if a.state != StateAwaitingWriteAck {
		return
	}
	a.persistAndComplete()
}

// OnWriteError is terminal for the attempt.
func (a *Associator) OnWriteError(params stream.Params, err error) {
	a.fail(ErrorCannotSendMessages, err)
}

// OnUnrecoverableError is terminal for the attempt.
func (a *Associator) OnUnrecoverableError(err error) {
	a.fail(ErrorDisconnected, err)
}

// --- handshake plumbing ---

// handshakeSender routes session output onto the stream.
type handshakeSender struct{ a *Associator }

// SendHandshakeMessage implements handshake.Sender.
func (s handshakeSender) SendHandshakeMessage(data []byte) error {
	return s.a.cfg.Stream.WriteMessage(data, stream.Params{
		Operation: wire.OperationEncryptionHandshake,
	})
}

// handshakeEvents adapts handshake upcalls to the FSM.
type handshakeEvents struct{ a *Associator }

// RequiresVerification implements handshake.Events.
func (e handshakeEvents) RequiresVerification(pairingCode string) {
	e.a.handleRequiresVerification(pairingCode)
}

// EncryptionEstablished implements handshake.Events.
func (e handshakeEvents) EncryptionEstablished() {
	e.a.handleEncryptionEstablished()
}

// HandshakeError implements handshake.Events.
func (e handshakeEvents) HandshakeError(err error) {
	e.a.fail(ErrorUnknown, err)
}

// handleRequiresVerification branches per version.
func (a *Associator) handleRequiresVerification(pairingCode string) {
	if a.state != StateEncryptionInProgress {
		return
	}
	a.pairingCode = pairingCode

	if a.cfg.SecurityVersion < 4 {
		a.enterVisualConfirmation()
		return
	}

	// v4: try for an out-of-band token inside a short window.
	a.verificationOpen = true
	a.tokenWindow = a.cfg.Queue.AsyncAfter(tokenRequestWindow, func() {
		a.resolveVerification(nil)
	})

	provider := a.cfg.TokenProvider
	if provider == nil {
		// No sources configured; resolve immediately.
		a.tokenWindow.Cancel()
		a.resolveVerification(nil)
		return
	}
	provider.RequestToken(func(token *oob.Token) {
		// Hop onto the queue; providers may answer from any goroutine.
		_ = a.cfg.Queue.Async(func() {
			a.resolveVerification(token)
		})
	})
}

// resolveVerification runs at most once per attempt, choosing the OOB or
// visual branch.
func (a *Associator) resolveVerification(token *oob.Token) {
	if !a.verificationOpen || a.state != StateEncryptionInProgress {
		return
	}
	a.verificationOpen = false
	if a.tokenWindow != nil {
		a.tokenWindow.Cancel()
	}

	if token != nil {
		a.token = token
		sealed, err := crypt.SealAESGCM(token.EncryptionKey, token.MobileIV, a.session.VerificationData())
		if err != nil {
			a.fail(ErrorVerificationCodeFailed, err)
			return
		}
		data, err := wire.EncodeVerificationCode(&wire.VerificationCode{
			State:   wire.VerificationOOB,
			Payload: sealed,
		})
		if err != nil {
			a.fail(ErrorVerificationCodeFailed, err)
			return
		}
		if err := a.cfg.Stream.WriteMessage(data, stream.Params{
			Operation: wire.OperationEncryptionHandshake,
		}); err != nil {
			a.fail(ErrorVerificationCodeFailed, err)
			return
		}
		a.transition(StateOOBConfirmation, "sent oob verification")
		return
	}

	data, err := wire.EncodeVerificationCode(&wire.VerificationCode{
		State: wire.VerificationVisual,
	})
	if err != nil {
		a.fail(ErrorVerificationCodeFailed, err)
		return
	}
	if err := a.cfg.Stream.WriteMessage(data, stream.Params{
		Operation: wire.OperationEncryptionHandshake,
	}); err != nil {
		a.fail(ErrorVerificationCodeFailed, err)
		return
	}
	a.enterVisualConfirmation()
}

// enterVisualConfirmation displays the code and pauses the attempt timer
// while the user thinks.
func (a *Associator) enterVisualConfirmation() {
	a.pauseTimer()
	a.transition(StateVisualConfirmation, "awaiting pairing confirmation")
	a.cfg.Delegate.DisplayPairingCode(a.pairingCode)
}

// handleEncryptionEstablished wires the cipher and advances per version.
func (a *Associator) handleEncryptionEstablished() {
	cipher, err := a.session.Cipher()
	if err != nil {
		a.fail(ErrorUnknown, err)
		return
	}
	a.cfg.Stream.SetCipher(cipher)

	if a.cfg.SecurityVersion == 1 {
		// Legacy: the car id arrived before encryption; finish now.
		a.persistAndComplete()
		return
	}
	a.transition(StateEncryptionEstablished, "encryption established")
}

// persistAndComplete saves the session and car, builds the channel, and
// reports success (after the role query on v4).
func (a *Associator) persistAndComplete() {
	if !a.haveCarID {
		a.fail(ErrorUnknown, fmt.Errorf("no car id at completion"))
		return
	}

	blob, err := a.session.SaveSession()
	if err != nil {
		a.fail(ErrorCannotStoreAssociation, err)
		return
	}
	carIDString := a.carID.String()
	if err := a.cfg.Store.PutSession(carIDString, blob); err != nil {
		a.fail(ErrorCannotStoreAssociation, err)
		return
	}

	car := keystore.Car{ID: carIDString, Name: a.cfg.CarName}
	if err := a.cfg.Store.PutCar(car); err != nil {
		a.fail(ErrorCannotStoreAssociation, err)
		return
	}

	ch := channel.New(channel.Config{
		Car:            car,
		Stream:         a.cfg.Stream,
		Logger:         a.logger,
		ProtocolLogger: a.plog,
		ConnectionID:   a.cfg.ConnectionID,
	})

	finish := func() {
		a.stopTimer()
		a.closeTokenProvider()
		a.transition(StateDone, "association complete")
		a.cfg.Delegate.AssociationCompleted(car, ch)
	}

	// v4 resolves the user role before reporting completion; the outcome
	// of the query does not gate success.
	if a.cfg.SecurityVersion == 4 && a.cfg.FeatureProvider != nil {
		a.cfg.FeatureProvider.QueryRole(ch, func(role wire.UserRole, ok bool) {
			_ = a.cfg.Queue.Async(func() {
				if !ok {
					a.logger.Debug("role query unresolved, continuing",
						"car_id", car.ID)
				}
				finish()
			})
		})
		return
	}
	finish()
}

// --- timers and teardown ---

func (a *Associator) startTimer() {
	a.stopTimer()
	a.timer = a.cfg.Queue.AsyncAfter(a.timeout, func() {
		a.fail(ErrorTimedOut, nil)
	})
}

func (a *Associator) pauseTimer() {
	a.stopTimer()
}

func (a *Associator) stopTimer() {
	if a.timer != nil {
		a.timer.Cancel()
		a.timer = nil
	}
}

func (a *Associator) closeTokenProvider() {
	if a.cfg.TokenProvider != nil {
		a.cfg.TokenProvider.CloseForRequests()
	}
	if a.tokenWindow != nil {
		a.tokenWindow.Cancel()
	}
}

// fail tears the attempt down and calls the delegate exactly once.
func (a *Associator) fail(kind ErrorKind, cause error) {
	if a.state == StateDone || a.state == StateFailed {
		return
	}
	a.stopTimer()
	a.closeTokenProvider()
	a.transition(StateFailed, kind.String())

	err := &Error{Kind: kind, Err: cause}
	a.logger.Debug("association failed",
		"kind", kind.String(),
		"error", cause)
	a.cfg.Delegate.AssociationFailed(err)
}

// transition records a state change.
func (a *Associator) transition(next State, reason string) {
	old := a.state
	a.state = next
	a.plog.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: a.cfg.ConnectionID,
		Direction:    log.DirectionOut,
		Layer:        log.LayerSecurity,
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityAssociation,
			OldState: old.String(),
			NewState: next.String(),
			Reason:   reason,
		},
	})
}
