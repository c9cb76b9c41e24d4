package oob_test

import (
	"encoding/base64"
	"net/url"
	"strings"
	"testing"

	"github.com/companion-protocol/companion-go/pkg/oob"
	"github.com/companion-protocol/companion-go/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeTokenURL(t *testing.T, marker byte, escape bool) string {
	t.Helper()
	key := make([]byte, 16)
	key[0] = marker
	data, err := wire.EncodeOutOfBandToken(&wire.OutOfBandToken{
		EncryptionKey:    key,
		MobileIV:         make([]byte, 12),
		IHUIV:            make([]byte, 12),
		DeviceIdentifier: make([]byte, 16),
	})
	require.NoError(t, err)

	encoded := base64.StdEncoding.EncodeToString(data)
	encoded = strings.ReplaceAll(encoded, "/", "_")
	encoded = strings.ReplaceAll(encoded, "+", "-")
	encoded = strings.TrimRight(encoded, "=")
	if escape {
		encoded = url.QueryEscape(encoded)
	}
	return "companion://associate/associate?oobData=" + encoded
}

func TestParseTokenURL(t *testing.T) {
	token, err := oob.ParseTokenURL(encodeTokenURL(t, 'U', false))
	require.NoError(t, err)
	assert.Equal(t, byte('U'), token.EncryptionKey[0])
	assert.Len(t, token.MobileIV, 12)
	assert.Len(t, token.IHUIV, 12)
	assert.Len(t, token.DeviceIdentifier, 16)
}

func TestParseTokenURLPercentEncoded(t *testing.T) {
	token, err := oob.ParseTokenURL(encodeTokenURL(t, 'V', true))
	require.NoError(t, err)
	assert.Equal(t, byte('V'), token.EncryptionKey[0])
}

func TestParseTokenURLMissingParam(t *testing.T) {
	_, err := oob.ParseTokenURL("companion://associate/associate?other=1")
	assert.ErrorIs(t, err, oob.ErrMissingOOBData)
}

func TestParseTokenURLBadBase64(t *testing.T) {
	_, err := oob.ParseTokenURL("companion://associate/associate?oobData=!!!not-base64!!!")
	assert.ErrorIs(t, err, oob.ErrInvalidOOBData)
}

func TestParseTokenURLBadTokenBytes(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("not a token"))
	_, err := oob.ParseTokenURL("companion://associate/associate?oobData=" + encoded)
	assert.ErrorIs(t, err, oob.ErrInvalidOOBData)
}
