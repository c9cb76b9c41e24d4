package wire

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder mode for companion messages.
// Configured for deterministic encoding with integer keys.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for companion messages.
var decMode cbor.DecMode

func init() {
	var err error

	// Configure encoder for deterministic output
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical, // Deterministic key ordering
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnix, // Unix timestamps
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Configure decoder to be lenient for forward compatibility
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet, // Ignore duplicate keys (last wins)
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Marshal encodes a value to CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into a value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// NewEncoder creates a new CBOR encoder that writes to w.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder creates a new CBOR decoder that reads from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// EncodeDeviceMessage encodes a device message envelope.
func EncodeDeviceMessage(msg *DeviceMessage) ([]byte, error) {
	return Marshal(msg)
}

// DecodeDeviceMessage decodes a device message envelope.
func DecodeDeviceMessage(data []byte) (*DeviceMessage, error) {
	var msg DeviceMessage
	if err := Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.Operation > OperationQueryResponse {
		return nil, fmt.Errorf("%w: unknown operation %d", ErrInvalidMessage, msg.Operation)
	}
	return &msg, nil
}

// EncodeQuery encodes a query frame.
func EncodeQuery(q *Query) ([]byte, error) {
	if q.ID < 0 {
		return nil, fmt.Errorf("%w: negative query id %d", ErrInvalidMessage, q.ID)
	}
	return Marshal(q)
}

// DecodeQuery decodes a query frame.
func DecodeQuery(data []byte) (*Query, error) {
	var q Query
	if err := Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if q.ID < 0 {
		return nil, fmt.Errorf("%w: negative query id %d", ErrInvalidMessage, q.ID)
	}
	return &q, nil
}

// EncodeQueryResponse encodes a query response frame.
func EncodeQueryResponse(r *QueryResponse) ([]byte, error) {
	return Marshal(r)
}

// DecodeQueryResponse decodes a query response frame.
func DecodeQueryResponse(data []byte) (*QueryResponse, error) {
	var r QueryResponse
	if err := Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return &r, nil
}

// EncodeVerificationCode encodes a verification-code message.
func EncodeVerificationCode(v *VerificationCode) ([]byte, error) {
	return Marshal(v)
}

// DecodeVerificationCode decodes a verification-code message.
func DecodeVerificationCode(data []byte) (*VerificationCode, error) {
	var v VerificationCode
	if err := Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if v.State > VerificationOOBConfirmation {
		return nil, fmt.Errorf("%w: unknown verification state %d", ErrInvalidMessage, v.State)
	}
	return &v, nil
}

// EncodeCapabilitiesExchange encodes a capabilities exchange message.
func EncodeCapabilitiesExchange(c *CapabilitiesExchange) ([]byte, error) {
	return Marshal(c)
}

// DecodeCapabilitiesExchange decodes a capabilities exchange message.
func DecodeCapabilitiesExchange(data []byte) (*CapabilitiesExchange, error) {
	var c CapabilitiesExchange
	if err := Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return &c, nil
}

// EncodeOutOfBandToken encodes an out-of-band token.
func EncodeOutOfBandToken(t *OutOfBandToken) ([]byte, error) {
	return Marshal(t)
}

// DecodeOutOfBandToken decodes and validates an out-of-band token.
func DecodeOutOfBandToken(data []byte) (*OutOfBandToken, error) {
	var t OutOfBandToken
	if err := Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if len(t.EncryptionKey) != 16 {
		return nil, fmt.Errorf("%w: encryption key must be 16 bytes, got %d", ErrInvalidMessage, len(t.EncryptionKey))
	}
	if len(t.MobileIV) != 12 || len(t.IHUIV) != 12 {
		return nil, fmt.Errorf("%w: IVs must be 12 bytes", ErrInvalidMessage)
	}
	if len(t.DeviceIdentifier) != 16 {
		return nil, fmt.Errorf("%w: device identifier must be 16 bytes, got %d", ErrInvalidMessage, len(t.DeviceIdentifier))
	}
	return &t, nil
}

// EncodeSystemQuery encodes a system query.
func EncodeSystemQuery(q *SystemQuery) ([]byte, error) {
	return Marshal(q)
}

// DecodeSystemQuery decodes a system query.
func DecodeSystemQuery(data []byte) (*SystemQuery, error) {
	var q SystemQuery
	if err := Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return &q, nil
}

// EncodeUserRoleResponse encodes a user role response.
func EncodeUserRoleResponse(r *UserRoleResponse) ([]byte, error) {
	return Marshal(r)
}

// DecodeUserRoleResponse decodes a user role response.
func DecodeUserRoleResponse(data []byte) (*UserRoleResponse, error) {
	var r UserRoleResponse
	if err := Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return &r, nil
}
