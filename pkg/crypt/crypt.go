package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Size constants for protocol key material.
const (
	// HMACSize is the size of a full HMAC-SHA256 digest in bytes.
	HMACSize = 32

	// TruncatedHMACSize is the size of the truncated HMAC carried in
	// reconnection advertisements.
	TruncatedHMACSize = 3

	// ReconnectionKeySize is the size of a per-car reconnection key.
	ReconnectionKeySize = 32

	// ChallengeSaltSize is the size of the challenge salt sent to the car
	// during reconnection.
	ChallengeSaltSize = 16

	// AdvertisementSaltSize is the size of the salt carried in a
	// reconnection advertisement.
	AdvertisementSaltSize = 8

	// GCMNonceSize is the required nonce size for AES-GCM sealing.
	GCMNonceSize = 12

	// GCMTagSize is the size of the AES-GCM authentication tag.
	GCMTagSize = 16
)

// Crypto errors.
var (
	ErrInvalidNonce         = errors.New("nonce must be 12 bytes")
	ErrInvalidDataSize      = errors.New("data shorter than authentication tag")
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// RandomBytes returns n bytes from the CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// RandomSalt returns a fresh challenge salt.
func RandomSalt() ([]byte, error) {
	return RandomBytes(ChallengeSaltSize)
}

// RandomReconnectionKey returns a fresh 256-bit reconnection key.
func RandomReconnectionKey() ([]byte, error) {
	return RandomBytes(ReconnectionKeySize)
}

// HMACSHA256 computes HMAC-SHA256 over data with the given key.
func HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// Truncate returns the first 3 bytes of a full HMAC.
// This is the form advertised by the car during reconnection.
func Truncate(fullHMAC []byte) []byte {
	return fullHMAC[:TruncatedHMACSize]
}

// HMACEqual compares two MACs in constant time.
func HMACEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// SealAESGCM encrypts plaintext with AES-GCM under key and nonce.
// The returned ciphertext has the 16-byte tag appended.
func SealAESGCM(key, nonce, plaintext []byte) ([]byte, error) {
	if len(nonce) != GCMNonceSize {
		return nil, ErrInvalidNonce
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// OpenAESGCM decrypts and authenticates ciphertext produced by SealAESGCM.
// Returns ErrInvalidNonce for a nonce that is not 12 bytes, ErrInvalidDataSize
// when the input is shorter than the tag, and ErrAuthenticationFailed when
// the tag does not verify.
func OpenAESGCM(key, nonce, ciphertext []byte) ([]byte, error) {
	if len(nonce) != GCMNonceSize {
		return nil, ErrInvalidNonce
	}
	if len(ciphertext) < GCMTagSize {
		return nil, ErrInvalidDataSize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// DeriveKey expands secret into a key of the requested size using
// HKDF-SHA256 with the given info string.
func DeriveKey(secret []byte, info string, size int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}
