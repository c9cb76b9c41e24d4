package reconnection

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/companion-protocol/companion-go/pkg/channel"
	"github.com/companion-protocol/companion-go/pkg/crypt"
	"github.com/companion-protocol/companion-go/pkg/dispatch"
	"github.com/companion-protocol/companion-go/pkg/handshake"
	"github.com/companion-protocol/companion-go/pkg/keystore"
	"github.com/companion-protocol/companion-go/pkg/log"
	"github.com/companion-protocol/companion-go/pkg/stream"
	"github.com/companion-protocol/companion-go/pkg/wire"
)

// DefaultTimeout is the per-peripheral reconnection timeout.
const DefaultTimeout = 10 * time.Second

// minSecurityVersion is the lowest version that reconnects via advertisement
// authentication.
const minSecurityVersion = 2

// State is the reconnection FSM state.
type State uint8

const (
	// StateUnresolved waits for the advertisement payload.
	StateUnresolved State = iota

	// StateMatched holds the resolved HMAC, awaiting the stream.
	StateMatched

	// StateChallengeSent waits for the car's challenge response.
	StateChallengeSent

	// StateAuthenticated verified the car; session resume in progress.
	StateAuthenticated

	// StateDone is terminal success.
	StateDone

	// StateFailed is terminal failure.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnresolved:
		return "UNRESOLVED"
	case StateMatched:
		return "MATCHED_HMAC"
	case StateChallengeSent:
		return "CHALLENGE_SENT"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Delegate receives the attempt outcome.
type Delegate interface {
	// ReconnectionCompleted reports terminal success with the resumed channel.
	ReconnectionCompleted(car keystore.Car, ch *channel.SecuredChannel)

	// ReconnectionFailed reports terminal failure. Called exactly once.
	ReconnectionFailed(err error)
}

// Config carries reconnector construction parameters.
type Config struct {
	// SecurityVersion is the negotiated security version.
	SecurityVersion uint8

	// Match is the pre-connect advertisement match, when the platform
	// delivered the payload up front. Nil for deferred resolution.
	Match *Match

	// Candidates is the associated-car set for deferred resolution.
	// Ignored when Match is set.
	Candidates []AssociatedCar

	// Stream is the peripheral's message stream. The reconnector installs
	// itself as the stream delegate until the channel takes over.
	Stream stream.MessageStream

	// Handshake resumes the saved session.
	Handshake handshake.Provider

	// Store supplies the key, session, and car record.
	Store keystore.Store

	// Queue is the core dispatch queue.
	Queue *dispatch.Queue

	// Delegate receives the outcome.
	Delegate Delegate

	// FeatureProvider resolves the v4 role query; nil skips it.
	FeatureProvider channel.FeatureProvider

	// Timeout overrides the per-peripheral timeout; zero uses DefaultTimeout.
	Timeout time.Duration

	// ConnectionID correlates protocol log events.
	ConnectionID string

	// Logger is the operational logger; nil uses slog.Default().
	Logger *slog.Logger

	// ProtocolLogger receives protocol events; nil disables capture.
	ProtocolLogger log.Logger
}

// Reconnector runs one reconnection attempt with one peripheral.
//
// All methods must be called on the dispatch queue.
type Reconnector struct {
	cfg     Config
	timeout time.Duration
	logger  *slog.Logger
	plog    log.Logger

	state         State
	match         *Match
	resolver      *AdvertisementResolver
	challengeSalt []byte
	timer         *dispatch.Timer
}

// New creates a reconnector. With a pre-resolved match the FSM starts in
// StateMatched; otherwise it waits for HandleAdvertisementData.
func New(cfg Config) (*Reconnector, error) {
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

	r := &Reconnector{
		cfg:     cfg,
		timeout: timeout,
		logger:  logger,
		plog:    plog,
		state:   StateUnresolved,
	}
	if cfg.Match != nil {
		r.match = cfg.Match
		r.state = StateMatched
	} else {
		r.resolver = NewAdvertisementResolver(cfg.Candidates)
	}
	cfg.Stream.SetDelegate(r)
	return r, nil
}

// State returns the current FSM state.
func (r *Reconnector) State() State {
	return r.state
}

// IsReadyForHandshake reports whether the car has been identified.
func (r *Reconnector) IsReadyForHandshake() bool {
	return r.match != nil
}

// Start arms the timer and, when the match is already resolved, sends the
// challenge.
func (r *Reconnector) Start() {
	if r.state != StateMatched && r.state != StateUnresolved {
		return
	}
	if r.cfg.SecurityVersion < minSecurityVersion {
		r.fail(ErrorMismatchedSecurityVersion,
			fmt.Errorf("security version %d", r.cfg.SecurityVersion))
		return
	}

	r.startTimer()
	if r.state == StateMatched {
		r.sendChallenge()
	}
}

// HandleAdvertisementData resolves a deferred match from bytes read off the
// advertisement characteristic.
func (r *Reconnector) HandleAdvertisementData(payload []byte) {
	if r.state != StateUnresolved {
		return
	}

	match, ok := r.resolver.Resolve(payload)
	if !ok {
		r.fail(ErrorUnassociatedCar, nil)
		return
	}
	r.match = &match
	r.transition(StateMatched, "advertisement matched")
	r.sendChallenge()
}

// sendChallenge writes full_hmac || challenge_salt on the handshake channel.
func (r *Reconnector) sendChallenge() {
	salt, err := crypt.RandomSalt()
	if err != nil {
		r.fail(ErrorUnknown, err)
		return
	}
	r.challengeSalt = salt

	payload := make([]byte, 0, len(r.match.FullHMAC)+len(salt))
	payload = append(payload, r.match.FullHMAC...)
	payload = append(payload, salt...)

	if err := r.cfg.Stream.WriteMessage(payload, stream.Params{
		Operation: wire.OperationEncryptionHandshake,
	}); err != nil {
		r.fail(ErrorUnknown, err)
		return
	}
	r.transition(StateChallengeSent, "challenge sent")
}

// --- stream.Delegate ---

// OnMessageReceived handles the car's challenge response.
func (r *Reconnector) OnMessageReceived(data []byte, params stream.Params) {
	if r.state != StateChallengeSent {
		return
	}

	key, ok := r.cfg.Store.GetKey(r.match.CarID)
	if !ok {
		r.fail(ErrorUnassociatedCar, nil)
		return
	}

	expected := crypt.HMACSHA256(key, r.challengeSalt)
	if !crypt.HMACEqual(expected, data) {
		r.fail(ErrorInvalidMessage, fmt.Errorf("challenge response mismatch"))
		return
	}

	r.transition(StateAuthenticated, "challenge verified")
	r.resumeSession()
}

// resumeSession restores the saved handshake and builds the channel.
func (r *Reconnector) resumeSession() {
	carID := r.match.CarID

	blob, ok := r.cfg.Store.GetSession(carID)
	if !ok {
		r.fail(ErrorNoSavedEncryption, nil)
		return
	}

	session, err := r.cfg.Handshake.ResumeSession(blob, reconnectSender{r})
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

	// Re-save: resumption rotates the session state.
	if newBlob, err := session.SaveSession(); err == nil {
		if err := r.cfg.Store.PutSession(carID, newBlob); err != nil {
			r.logger.Debug("failed to refresh saved session", "car_id", carID, "error", err)
		}
	}

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

	finish := func() {
		r.stopTimer()
		r.transition(StateDone, "session resumed")
		r.cfg.Delegate.ReconnectionCompleted(car, ch)
	}

	if r.cfg.SecurityVersion == 4 && r.cfg.FeatureProvider != nil {
		r.cfg.FeatureProvider.QueryRole(ch, func(role wire.UserRole, ok bool) {
			_ = r.cfg.Queue.Async(func() {
				if !ok {
					r.logger.Debug("role query unresolved, continuing", "car_id", car.ID)
				}
				finish()
			})
		})
		return
	}
	finish()
}

// OnWriteCompleted is uninteresting pre-channel.
func (r *Reconnector) OnWriteCompleted(params stream.Params) {}

// OnWriteError is terminal for the attempt.
func (r *Reconnector) OnWriteError(params stream.Params, err error) {
	r.fail(ErrorUnknown, err)
}

// OnUnrecoverableError is terminal for the attempt.
func (r *Reconnector) OnUnrecoverableError(err error) {
	r.fail(ErrorDisconnected, err)
}

// Cancel aborts the attempt, e.g. on peripheral disconnect.
func (r *Reconnector) Cancel() {
	r.fail(ErrorDisconnected, nil)
}

// reconnectSender routes resumed-session output onto the stream.
type reconnectSender struct{ r *Reconnector }

// SendHandshakeMessage implements handshake.Sender.
func (s reconnectSender) SendHandshakeMessage(data []byte) error {
	return s.r.cfg.Stream.WriteMessage(data, stream.Params{
		Operation: wire.OperationEncryptionHandshake,
	})
}

// --- timers and teardown ---

func (r *Reconnector) startTimer() {
	r.stopTimer()
	r.timer = r.cfg.Queue.AsyncAfter(r.timeout, func() {
		r.fail(ErrorFailedEncryptionEstablishment, nil)
	})
}

func (r *Reconnector) stopTimer() {
	if r.timer != nil {
		r.timer.Cancel()
		r.timer = nil
	}
}

// fail tears the attempt down and calls the delegate exactly once.
func (r *Reconnector) fail(kind ErrorKind, cause error) {
	if r.state == StateDone || r.state == StateFailed {
		return
	}
	r.stopTimer()
	r.transition(StateFailed, kind.String())

	err := &Error{Kind: kind, Err: cause}
	r.logger.Debug("reconnection failed",
		"kind", kind.String(),
		"error", cause)
	r.cfg.Delegate.ReconnectionFailed(err)
}

// transition records a state change.
func (r *Reconnector) transition(next State, reason string) {
	old := r.state
	r.state = next
	carID := ""
	if r.match != nil {
		carID = r.match.CarID
	}
	r.plog.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: r.cfg.ConnectionID,
		CarID:        carID,
		Direction:    log.DirectionOut,
		Layer:        log.LayerSecurity,
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityReconnection,
			OldState: old.String(),
			NewState: next.String(),
			Reason:   reason,
		},
	})
}
