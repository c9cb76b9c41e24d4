package keystore_test

import (
	"path/filepath"
	"testing"

	"github.com/companion-protocol/companion-go/pkg/keystore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const carID = "aabbccdd-eeff-0011-2233-445566778899"

// stores builds one of each Store implementation for shared behavior tests.
func stores(t *testing.T) map[string]keystore.Store {
	t.Helper()

	fileStore, err := keystore.NewFileStore(filepath.Join(t.TempDir(), "companion.json"))
	require.NoError(t, err)

	return map[string]keystore.Store{
		"file":   fileStore,
		"memory": keystore.NewMemoryStore(),
	}
}

func TestPutGetDeleteKey(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok := store.GetKey(carID)
			assert.False(t, ok, "unknown id should be absent")

			key := []byte("reconnection-key-32-bytes-long!!")
			require.NoError(t, store.PutKey(carID, key))

			got, ok := store.GetKey(carID)
			require.True(t, ok)
			assert.Equal(t, key, got)

			// Duplicate put updates in place.
			updated := []byte("updated-key-value-32-bytes-long!")
			require.NoError(t, store.PutKey(carID, updated))
			got, ok = store.GetKey(carID)
			require.True(t, ok)
			assert.Equal(t, updated, got)

			require.NoError(t, store.DeleteKey(carID))
			_, ok = store.GetKey(carID)
			assert.False(t, ok)
		})
	}
}

func TestDeleteCarRemovesEverything(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.PutCar(keystore.Car{ID: carID, Name: "My Car"}))
			require.NoError(t, store.PutKey(carID, []byte("key")))
			require.NoError(t, store.PutSession(carID, []byte("session")))
			require.NoError(t, store.PutHandle(carID, []byte("handle")))
			require.NoError(t, store.PutToken(carID, []byte("token")))

			require.NoError(t, store.DeleteCar(carID))

			_, ok := store.GetCar(carID)
			assert.False(t, ok)
			_, ok = store.GetKey(carID)
			assert.False(t, ok)
			_, ok = store.GetSession(carID)
			assert.False(t, ok)
			_, ok = store.GetHandle(carID)
			assert.False(t, ok)
			_, ok = store.GetToken(carID)
			assert.False(t, ok)
		})
	}
}

func TestCarsSortedByID(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.PutCar(keystore.Car{ID: "bbbb", Name: "B"}))
			require.NoError(t, store.PutCar(keystore.Car{ID: "aaaa", Name: "A"}))
			require.NoError(t, store.PutCar(keystore.Car{ID: "cccc", Name: "C"}))

			cars := store.Cars()
			require.Len(t, cars, 3)
			assert.Equal(t, "aaaa", cars[0].ID)
			assert.Equal(t, "bbbb", cars[1].ID)
			assert.Equal(t, "cccc", cars[2].ID)
		})
	}
}

func TestDeviceIDStableAcrossCalls(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			first, err := store.DeviceID()
			require.NoError(t, err)
			assert.Len(t, first, 16)

			second, err := store.DeviceID()
			require.NoError(t, err)
			assert.Equal(t, first, second)
		})
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "companion.json")

	store, err := keystore.NewFileStore(path)
	require.NoError(t, err)

	require.NoError(t, store.PutCar(keystore.Car{ID: carID, Name: "Wagon"}))
	require.NoError(t, store.PutKey(carID, []byte("persisted-key")))
	deviceID, err := store.DeviceID()
	require.NoError(t, err)
	require.NoError(t, store.SetSDKVersion(keystore.SDKVersion{Major: 1, Minor: 2, Patch: 3}))

	reopened, err := keystore.NewFileStore(path)
	require.NoError(t, err)

	car, ok := reopened.GetCar(carID)
	require.True(t, ok)
	assert.Equal(t, "Wagon", car.Name)

	key, ok := reopened.GetKey(carID)
	require.True(t, ok)
	assert.Equal(t, []byte("persisted-key"), key)

	sameDeviceID, err := reopened.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, deviceID, sameDeviceID)

	v, ok := reopened.GetSDKVersion()
	require.True(t, ok)
	assert.Equal(t, keystore.SDKVersion{Major: 1, Minor: 2, Patch: 3}, v)
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "companion.json")
	require.NoError(t, writeFile(path, []byte("{not json")))

	_, err := keystore.NewFileStore(path)
	assert.ErrorIs(t, err, keystore.ErrStoreFailed)
}

func TestSessionReplacedOnReenrollment(t *testing.T) {
	store := keystore.NewMemoryStore()

	require.NoError(t, store.PutSession(carID, []byte("first")))
	require.NoError(t, store.PutSession(carID, []byte("second")))

	session, ok := store.GetSession(carID)
	require.True(t, ok)
	assert.Equal(t, []byte("second"), session)
}
