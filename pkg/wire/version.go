package wire

import (
	"fmt"
)

// VersionExchange is the version negotiation message spoken over the raw
// read/write characteristics before any stream exists.
// CBOR: { 1: minStream, 2: maxStream, 3: minSecurity, 4: maxSecurity }
type VersionExchange struct {
	// MinStreamVersion is the lowest framing version the sender accepts.
	MinStreamVersion uint8 `cbor:"1,keyasint"`

	// MaxStreamVersion is the highest framing version the sender supports.
	MaxStreamVersion uint8 `cbor:"2,keyasint"`

	// MinSecurityVersion is the lowest security version the sender accepts.
	MinSecurityVersion uint8 `cbor:"3,keyasint"`

	// MaxSecurityVersion is the highest security version the sender supports.
	MaxSecurityVersion uint8 `cbor:"4,keyasint"`
}

// EncodeVersionExchange encodes a version exchange message.
func EncodeVersionExchange(v *VersionExchange) ([]byte, error) {
	return Marshal(v)
}

// DecodeVersionExchange decodes a version exchange message.
func DecodeVersionExchange(data []byte) (*VersionExchange, error) {
	var v VersionExchange
	if err := Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if v.MaxStreamVersion < v.MinStreamVersion || v.MaxSecurityVersion < v.MinSecurityVersion {
		return nil, fmt.Errorf("%w: inverted version range", ErrInvalidMessage)
	}
	return &v, nil
}
