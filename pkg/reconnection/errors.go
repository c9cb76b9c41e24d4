package reconnection

import (
	"fmt"
)

// ErrorKind classifies a terminal reconnection failure.
type ErrorKind uint8

const (
	// ErrorUnknown is an unclassified fault.
	ErrorUnknown ErrorKind = iota

	// ErrorDisconnected means the peer was lost during the flow.
	ErrorDisconnected

	// ErrorFailedEncryptionEstablishment means the per-peripheral timer
	// expired before the session resumed.
	ErrorFailedEncryptionEstablishment

	// ErrorInvalidMessage means the car's challenge response did not verify.
	ErrorInvalidMessage

	// ErrorUnassociatedCar means the advertisement matched no stored key.
	ErrorUnassociatedCar

	// ErrorNoSavedEncryption means no session blob exists for the car.
	ErrorNoSavedEncryption

	// ErrorInvalidSavedEncryption means the saved session failed to restore.
	ErrorInvalidSavedEncryption

	// ErrorMismatchedSecurityVersion means the negotiated version cannot
	// reconnect with this helper.
	ErrorMismatchedSecurityVersion
)

// String returns the error kind name.
func (k ErrorKind) String() string {
	switch k {
	case ErrorDisconnected:
		return "DISCONNECTED"
	case ErrorFailedEncryptionEstablishment:
		return "FAILED_ENCRYPTION_ESTABLISHMENT"
	case ErrorInvalidMessage:
		return "INVALID_MESSAGE"
	case ErrorUnassociatedCar:
		return "UNASSOCIATED_CAR"
	case ErrorNoSavedEncryption:
		return "NO_SAVED_ENCRYPTION"
	case ErrorInvalidSavedEncryption:
		return "INVALID_SAVED_ENCRYPTION"
	case ErrorMismatchedSecurityVersion:
		return "MISMATCHED_SECURITY_VERSION"
	case ErrorUnknown:
		return "UNKNOWN"
	default:
		return "UNKNOWN"
	}
}

// Error is a terminal reconnection failure.
type Error struct {
	// Kind classifies the failure.
	Kind ErrorKind

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reconnection failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("reconnection failed (%s)", e.Kind)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the error kind, ErrorUnknown for foreign errors.
func KindOf(err error) ErrorKind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return ErrorUnknown
}
