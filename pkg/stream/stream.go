package stream

import (
	"errors"

	"github.com/companion-protocol/companion-go/pkg/handshake"
	"github.com/companion-protocol/companion-go/pkg/wire"
	"github.com/google/uuid"
)

// Stream errors.
var (
	ErrStreamInvalidated = errors.New("message stream invalidated")
	ErrNoCipher          = errors.New("encryption not established on stream")
	ErrCannotParse       = errors.New("cannot parse stream message")
)

// Params identifies a message's recipient and handling class.
type Params struct {
	// Recipient is the feature endpoint the message belongs to. The zero
	// UUID addresses the security layer itself (handshake traffic).
	Recipient uuid.UUID

	// Operation is the message's handling class.
	Operation wire.OperationType
}

// Delegate receives stream upcalls. All upcalls are delivered on the core's
// dispatch queue.
type Delegate interface {
	// OnMessageReceived is called with each fully reassembled message.
	OnMessageReceived(data []byte, params Params)

	// OnWriteCompleted is called exactly once per accepted write, in
	// submission order.
	OnWriteCompleted(params Params)

	// OnWriteError is called instead of OnWriteCompleted when a write
	// cannot be delivered.
	OnWriteError(params Params, err error)

	// OnUnrecoverableError is called when the stream cannot continue;
	// the stream is invalid afterwards.
	OnUnrecoverableError(err error)
}

// MessageStream is the framing surface consumed by the secured channel and
// the association/reconnection state machines.
type MessageStream interface {
	// WriteMessage sends data without applying the session cipher.
	WriteMessage(data []byte, params Params) error

	// WriteEncryptedMessage sends data sealed with the session cipher.
	WriteEncryptedMessage(data []byte, params Params) error

	// SetDelegate installs the upcall receiver.
	SetDelegate(delegate Delegate)

	// SetCipher installs the established session cipher. Application
	// payloads received after this point are decrypted with it.
	SetCipher(cipher handshake.Cipher)

	// Compression reports whether payload compression was negotiated.
	Compression() bool

	// Invalidate permanently closes the stream; subsequent writes fail.
	Invalidate()
}
