package reconnection_test

import (
	"testing"

	"github.com/companion-protocol/companion-go/pkg/reconnection"
	"github.com/companion-protocol/companion-go/pkg/stream"
	"github.com/companion-protocol/companion-go/pkg/wire"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLegacy(t *testing.T, f *fixture) *reconnection.LegacyReconnector {
	t.Helper()
	r, err := reconnection.NewLegacy(reconnection.Config{
		SecurityVersion: 1,
		Stream:          f.stream,
		Handshake:       f.provider,
		Store:           f.store,
		Queue:           f.queue,
		Delegate:        f.delegate,
	})
	require.NoError(t, err)
	return r
}

func TestLegacyReconnectionResumesOnCarID(t *testing.T) {
	f := newFixture(t)
	r := newLegacy(t, f)
	r.Start()

	carUUID := uuid.MustParse(testCarID)
	f.stream.delegate.OnMessageReceived(carUUID[:], stream.Params{Operation: wire.OperationEncryptionHandshake})

	require.Len(t, f.delegate.completed, 1)
	assert.Equal(t, "Wagon", f.delegate.completed[0].Name)
	assert.Equal(t, reconnection.StateDone, r.State())
	assert.Equal(t, 1, f.provider.resumed)
}

func TestLegacyReconnectionRejectsShortCarID(t *testing.T) {
	f := newFixture(t)
	r := newLegacy(t, f)
	r.Start()

	f.stream.delegate.OnMessageReceived(make([]byte, 15), stream.Params{Operation: wire.OperationEncryptionHandshake})

	assert.Equal(t, reconnection.ErrorInvalidMessage, f.delegate.failureKind(t))
}

func TestLegacyReconnectionUnknownCar(t *testing.T) {
	f := newFixture(t)
	r := newLegacy(t, f)
	r.Start()

	stranger := uuid.New()
	f.stream.delegate.OnMessageReceived(stranger[:], stream.Params{Operation: wire.OperationEncryptionHandshake})

	assert.Equal(t, reconnection.ErrorUnassociatedCar, f.delegate.failureKind(t))
}

func TestLegacyRequiresVersionOne(t *testing.T) {
	f := newFixture(t)
	_, err := reconnection.NewLegacy(reconnection.Config{
		SecurityVersion: 2,
		Stream:          f.stream,
		Handshake:       f.provider,
		Store:           f.store,
		Queue:           f.queue,
		Delegate:        f.delegate,
	})
	assert.Error(t, err)
}
