package handshake

import (
	"errors"
)

// Handshake errors.
var (
	// ErrNotEstablished is returned when session material is requested
	// before the handshake completed.
	ErrNotEstablished = errors.New("encryption not established")

	// ErrInvalidSavedSession is returned when a saved session blob cannot
	// be restored.
	ErrInvalidSavedSession = errors.New("invalid saved session")
)

// Sender transmits a handshake payload to the peer. The payload travels with
// the encryption-handshake operation type and is never application data.
type Sender interface {
	SendHandshakeMessage(data []byte) error
}

// Events receives handshake upcalls. Implementations are invoked on the
// core's dispatch queue.
type Events interface {
	// RequiresVerification is called when the handshake needs user or
	// out-of-band confirmation. The pairing code is suitable for display;
	// the session's VerificationData binds the out-of-band exchange.
	RequiresVerification(pairingCode string)

	// EncryptionEstablished is called once the session is ready for
	// encrypted traffic.
	EncryptionEstablished()

	// HandshakeError is called on an unrecoverable handshake fault.
	HandshakeError(err error)
}

// Cipher encrypts and decrypts application payloads for an established
// session.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Session is one key-agreement exchange with a car.
type Session interface {
	// Establish starts the exchange by sending the first message.
	Establish() error

	// HandleMessage feeds an incoming encryption-handshake payload to the
	// session.
	HandleMessage(data []byte) error

	// NotifyPairingCodeAccepted tells the session the user (or the
	// out-of-band comparison) confirmed the pairing code.
	NotifyPairingCodeAccepted() error

	// VerificationData returns the session's verification bytes. Valid
	// only after RequiresVerification has fired.
	VerificationData() []byte

	// SaveSession serializes the established session for later resumption.
	SaveSession() ([]byte, error)

	// Cipher returns the session cipher. Returns ErrNotEstablished before
	// EncryptionEstablished fires.
	Cipher() (Cipher, error)
}

// Provider creates and resumes sessions.
type Provider interface {
	// NewSession creates a session for a fresh association.
	NewSession(sender Sender, events Events) (Session, error)

	// ResumeSession restores a previously saved session. The returned
	// session is established immediately; no upcalls fire.
	ResumeSession(blob []byte, sender Sender) (Session, error)
}
