package oob

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/companion-protocol/companion-go/pkg/wire"
)

// URL parsing errors.
var (
	ErrMissingOOBData = errors.New("url has no oobData parameter")
	ErrInvalidOOBData = errors.New("oobData failed to decode")
)

// oobDataParam is the query parameter carrying the token.
const oobDataParam = "oobData"

// ParseTokenURL extracts an out-of-band token from an association kickoff
// URL of the form scheme://host/associate?oobData=<url-safe base64>.
//
// Percent-decoding is applied first (by the URL parser), then the URL-safe
// alphabet is mapped back ('_' to '/', '-' to '+') and the payload is decoded
// as base64 with padding restored.
func ParseTokenURL(rawURL string) (*Token, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOOBData, err)
	}

	encoded := u.Query().Get(oobDataParam)
	if encoded == "" {
		return nil, ErrMissingOOBData
	}

	data, err := decodeURLSafeBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOOBData, err)
	}

	raw, err := wire.DecodeOutOfBandToken(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOOBData, err)
	}

	return &Token{
		EncryptionKey:    raw.EncryptionKey,
		MobileIV:         raw.MobileIV,
		IHUIV:            raw.IHUIV,
		DeviceIdentifier: raw.DeviceIdentifier,
	}, nil
}

// decodeURLSafeBase64 maps the URL-safe alphabet to the standard one and
// restores stripped padding before decoding.
func decodeURLSafeBase64(s string) ([]byte, error) {
	s = strings.ReplaceAll(s, "_", "/")
	s = strings.ReplaceAll(s, "-", "+")
	if pad := len(s) % 4; pad != 0 {
		s += strings.Repeat("=", 4-pad)
	}
	return base64.StdEncoding.DecodeString(s)
}
