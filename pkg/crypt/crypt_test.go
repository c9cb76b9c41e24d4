package crypt_test

import (
	"bytes"
	"testing"

	"github.com/companion-protocol/companion-go/pkg/crypt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomBytesLengthAndFreshness(t *testing.T) {
	a, err := crypt.RandomBytes(16)
	require.NoError(t, err)
	b, err := crypt.RandomBytes(16)
	require.NoError(t, err)

	assert.Len(t, a, 16)
	assert.Len(t, b, 16)
	assert.False(t, bytes.Equal(a, b), "two random draws should differ")
}

func TestHMACSHA256IsDeterministic(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	data := []byte("advertisement salt")

	first := crypt.HMACSHA256(key, data)
	second := crypt.HMACSHA256(key, data)

	assert.Len(t, first, crypt.HMACSize)
	assert.Equal(t, first, second)
}

func TestTruncate(t *testing.T) {
	full := crypt.HMACSHA256([]byte("key"), []byte("data"))
	truncated := crypt.Truncate(full)

	assert.Len(t, truncated, crypt.TruncatedHMACSize)
	assert.Equal(t, full[:3], truncated)
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := crypt.RandomBytes(16)
	require.NoError(t, err)
	nonce, err := crypt.RandomBytes(crypt.GCMNonceSize)
	require.NoError(t, err)
	plaintext := []byte("verification data")

	sealed, err := crypt.SealAESGCM(key, nonce, plaintext)
	require.NoError(t, err)
	assert.Len(t, sealed, len(plaintext)+crypt.GCMTagSize)

	opened, err := crypt.OpenAESGCM(key, nonce, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestOpenRejectsBadNonce(t *testing.T) {
	key := make([]byte, 16)

	_, err := crypt.OpenAESGCM(key, make([]byte, 11), make([]byte, 32))
	assert.ErrorIs(t, err, crypt.ErrInvalidNonce)

	_, err = crypt.SealAESGCM(key, make([]byte, 13), []byte("x"))
	assert.ErrorIs(t, err, crypt.ErrInvalidNonce)
}

func TestOpenRejectsShortData(t *testing.T) {
	key := make([]byte, 16)
	nonce := make([]byte, crypt.GCMNonceSize)

	_, err := crypt.OpenAESGCM(key, nonce, make([]byte, crypt.GCMTagSize-1))
	assert.ErrorIs(t, err, crypt.ErrInvalidDataSize)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key := make([]byte, 16)
	nonce := make([]byte, crypt.GCMNonceSize)

	sealed, err := crypt.SealAESGCM(key, nonce, []byte("payload"))
	require.NoError(t, err)

	sealed[0] ^= 0x01
	_, err = crypt.OpenAESGCM(key, nonce, sealed)
	assert.ErrorIs(t, err, crypt.ErrAuthenticationFailed)
}

func TestDeriveKeyStableAndDistinctByInfo(t *testing.T) {
	secret := []byte("shared secret")

	k1, err := crypt.DeriveKey(secret, "session", 32)
	require.NoError(t, err)
	k2, err := crypt.DeriveKey(secret, "session", 32)
	require.NoError(t, err)
	k3, err := crypt.DeriveKey(secret, "other", 32)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}
