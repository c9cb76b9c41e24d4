package fakes

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/companion-protocol/companion-go/pkg/crypt"
	"github.com/companion-protocol/companion-go/pkg/handshake"
)

// Fake handshake protocol, two random 32-byte values and MAC confirmations:
//
//	phone -> car: pA
//	car -> phone: pB                 (both derive shared = HMAC(pA, pB))
//	phone -> car: HMAC(shared, "phone-confirm")   after pairing acceptance
//	car -> phone: HMAC(shared, "car-confirm")     establishes the session
//
// The pairing code and verification data are derived from shared, so both
// sides display the same code without further traffic.
const (
	phoneConfirmLabel = "phone-confirm"
	carConfirmLabel   = "car-confirm"
	cipherKeyInfo     = "fake-session-cipher"
)

// SharedSecret derives the session secret both sides agree on.
func SharedSecret(pA, pB []byte) []byte {
	return crypt.HMACSHA256(pA, pB)
}

// PairingCodeFromShared renders the six-digit pairing code.
func PairingCodeFromShared(shared []byte) string {
	n := binary.BigEndian.Uint32(shared[8:12]) % 1000000
	return fmt.Sprintf("%06d", n)
}

// VerificationDataFromShared returns the bytes bound by the v4 exchange.
func VerificationDataFromShared(shared []byte) []byte {
	return shared[:8]
}

// PhoneConfirm is the phone's confirmation MAC.
func PhoneConfirm(shared []byte) []byte {
	return crypt.HMACSHA256(shared, []byte(phoneConfirmLabel))
}

// CarConfirm is the car's confirmation MAC.
func CarConfirm(shared []byte) []byte {
	return crypt.HMACSHA256(shared, []byte(carConfirmLabel))
}

// SessionCipher builds the AES-GCM cipher both sides use after
// establishment. Each message carries its random nonce as a prefix.
func SessionCipher(shared []byte) (handshake.Cipher, error) {
	key, err := crypt.DeriveKey(shared, cipherKeyInfo, 16)
	if err != nil {
		return nil, err
	}
	return &gcmCipher{key: key}, nil
}

// gcmCipher prefixes each ciphertext with its nonce.
type gcmCipher struct {
	key []byte
}

func (c *gcmCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce, err := crypt.RandomBytes(crypt.GCMNonceSize)
	if err != nil {
		return nil, err
	}
	sealed, err := crypt.SealAESGCM(c.key, nonce, plaintext)
	if err != nil {
		return nil, err
	}
	return append(nonce, sealed...), nil
}

func (c *gcmCipher) Decrypt(data []byte) ([]byte, error) {
	if len(data) < crypt.GCMNonceSize {
		return nil, crypt.ErrInvalidDataSize
	}
	return crypt.OpenAESGCM(c.key, data[:crypt.GCMNonceSize], data[crypt.GCMNonceSize:])
}

// HandshakeProvider is the phone-side handshake.Provider double.
type HandshakeProvider struct{}

// NewHandshakeProvider creates the provider.
func NewHandshakeProvider() *HandshakeProvider {
	return &HandshakeProvider{}
}

// NewSession implements handshake.Provider.
func (p *HandshakeProvider) NewSession(sender handshake.Sender, events handshake.Events) (handshake.Session, error) {
	pA, err := crypt.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	return &phoneSession{sender: sender, events: events, pA: pA}, nil
}

// ResumeSession implements handshake.Provider. The blob is the shared secret.
func (p *HandshakeProvider) ResumeSession(blob []byte, sender handshake.Sender) (handshake.Session, error) {
	if len(blob) != crypt.HMACSize {
		return nil, handshake.ErrInvalidSavedSession
	}
	cipher, err := SessionCipher(blob)
	if err != nil {
		return nil, err
	}
	return &phoneSession{
		sender:      sender,
		shared:      append([]byte(nil), blob...),
		established: true,
		cipher:      cipher,
	}, nil
}

// phoneSession is one fake key agreement on the phone side.
type phoneSession struct {
	sender handshake.Sender
	events handshake.Events

	pA          []byte
	shared      []byte
	established bool
	cipher      handshake.Cipher
}

// Establish sends pA.
func (s *phoneSession) Establish() error {
	return s.sender.SendHandshakeMessage(s.pA)
}

// HandleMessage consumes pB, then the car confirmation.
func (s *phoneSession) HandleMessage(data []byte) error {
	if s.shared == nil {
		if len(data) != 32 {
			return fmt.Errorf("unexpected handshake message size %d", len(data))
		}
		s.shared = SharedSecret(s.pA, data)
		if s.events != nil {
			s.events.RequiresVerification(PairingCodeFromShared(s.shared))
		}
		return nil
	}

	if s.established {
		return nil
	}
	if !bytes.Equal(data, CarConfirm(s.shared)) {
		err := fmt.Errorf("car confirmation mismatch")
		if s.events != nil {
			s.events.HandshakeError(err)
		}
		return err
	}

	cipher, err := SessionCipher(s.shared)
	if err != nil {
		return err
	}
	s.cipher = cipher
	s.established = true
	if s.events != nil {
		s.events.EncryptionEstablished()
	}
	return nil
}

// NotifyPairingCodeAccepted sends the phone confirmation.
func (s *phoneSession) NotifyPairingCodeAccepted() error {
	if s.shared == nil {
		return fmt.Errorf("pairing accepted before verification")
	}
	return s.sender.SendHandshakeMessage(PhoneConfirm(s.shared))
}

// VerificationData returns the v4 binding bytes.
func (s *phoneSession) VerificationData() []byte {
	if s.shared == nil {
		return nil
	}
	return VerificationDataFromShared(s.shared)
}

// SaveSession serializes the shared secret.
func (s *phoneSession) SaveSession() ([]byte, error) {
	if !s.established {
		return nil, handshake.ErrNotEstablished
	}
	return append([]byte(nil), s.shared...), nil
}

// Cipher returns the session cipher once established.
func (s *phoneSession) Cipher() (handshake.Cipher, error) {
	if !s.established {
		return nil, handshake.ErrNotEstablished
	}
	return s.cipher, nil
}

// Compile-time interface satisfaction checks.
var (
	_ handshake.Provider = (*HandshakeProvider)(nil)
	_ handshake.Session  = (*phoneSession)(nil)
)
