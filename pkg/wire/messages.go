package wire

import (
	"errors"
)

// Message errors.
var (
	ErrInvalidMessage = errors.New("invalid wire message")
)

// DeviceMessage is the envelope multiplexed over a message stream.
// CBOR: { 1: recipient, 2: operation, 3: payload, 4: originalSize }
type DeviceMessage struct {
	// Recipient is the 16-byte feature endpoint UUID. Empty for handshake
	// messages, which are addressed to the security layer itself.
	Recipient []byte `cbor:"1,keyasint,omitempty"`

	// Operation tags the handling class of the payload.
	Operation OperationType `cbor:"2,keyasint"`

	// Payload is the (possibly encrypted, possibly compressed) body.
	Payload []byte `cbor:"3,keyasint"`

	// OriginalSize is the pre-compression payload size; zero when the
	// payload is not compressed.
	OriginalSize uint32 `cbor:"4,keyasint,omitempty"`
}

// Query is a request expecting a correlated QueryResponse.
// CBOR: { 1: id, 2: sender, 3: request, 4: parameters }
type Query struct {
	// ID correlates this query with its response.
	ID int32 `cbor:"1,keyasint"`

	// Sender is the recipient UUID responses should be addressed to.
	Sender []byte `cbor:"2,keyasint"`

	// Request identifies the query being made.
	Request []byte `cbor:"3,keyasint"`

	// Parameters carries opaque request parameters.
	Parameters []byte `cbor:"4,keyasint,omitempty"`
}

// QueryResponse answers a previously sent Query.
// CBOR: { 1: id, 2: isSuccessful, 3: response }
type QueryResponse struct {
	// ID matches the Query this responds to.
	ID int32 `cbor:"1,keyasint"`

	// Successful indicates whether the query was handled.
	Successful bool `cbor:"2,keyasint"`

	// Response carries the opaque response body.
	Response []byte `cbor:"3,keyasint,omitempty"`
}

// VerificationCode is the v4 association verification message.
// CBOR: { 1: state, 2: payload }
type VerificationCode struct {
	// State is the verification exchange phase.
	State VerificationState `cbor:"1,keyasint"`

	// Payload is the sealed verification data for OOB states; empty for
	// visual states.
	Payload []byte `cbor:"2,keyasint,omitempty"`
}

// CapabilitiesExchange announces what the phone supports before association.
// CBOR: { 1: supportedOOBChannels, 2: mobileOS, 3: deviceName }
type CapabilitiesExchange struct {
	// SupportedOOBChannels lists the out-of-band channels the phone can use.
	SupportedOOBChannels []OOBChannel `cbor:"1,keyasint,omitempty"`

	// MobileOS names the phone platform.
	MobileOS string `cbor:"2,keyasint,omitempty"`

	// DeviceName is the phone's user-visible name.
	DeviceName string `cbor:"3,keyasint,omitempty"`
}

// OutOfBandToken is the wire form of an out-of-band association token.
// CBOR: { 1: encryptionKey, 2: mobileIV, 3: ihuIV, 4: deviceIdentifier }
type OutOfBandToken struct {
	// EncryptionKey is the 128-bit AES key.
	EncryptionKey []byte `cbor:"1,keyasint"`

	// MobileIV is the 12-byte nonce for phone-to-car sealing.
	MobileIV []byte `cbor:"2,keyasint"`

	// IHUIV is the 12-byte nonce for car-to-phone sealing.
	IHUIV []byte `cbor:"3,keyasint"`

	// DeviceIdentifier is the 16-byte advertised device identifier.
	DeviceIdentifier []byte `cbor:"4,keyasint"`
}

// SystemQuery is a core-owned query (e.g. the user role request).
// CBOR: { 1: queryType }
type SystemQuery struct {
	// Type identifies the system query.
	Type SystemQueryType `cbor:"1,keyasint"`
}

// SystemQueryType enumerates core-owned queries.
type SystemQueryType uint8

const (
	// SystemQueryDeviceName requests the peer's device name.
	SystemQueryDeviceName SystemQueryType = 1

	// SystemQueryAppName requests the peer's application name.
	SystemQueryAppName SystemQueryType = 2

	// SystemQueryUserRole requests the driver/passenger role.
	SystemQueryUserRole SystemQueryType = 3
)

// UserRoleResponse answers a SystemQueryUserRole query.
// CBOR: { 1: role }
type UserRoleResponse struct {
	// Role is the resolved seat role.
	Role UserRole `cbor:"1,keyasint"`
}

// FeatureSupportStatus reports which queried features a peer supports.
// CBOR: { 1: featureID, 2: supported }
type FeatureSupportStatus struct {
	// FeatureID is the queried recipient UUID.
	FeatureID []byte `cbor:"1,keyasint"`

	// Supported indicates whether the peer hosts that feature.
	Supported bool `cbor:"2,keyasint"`
}
