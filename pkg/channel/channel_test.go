package channel_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/companion-protocol/companion-go/pkg/channel"
	"github.com/companion-protocol/companion-go/pkg/handshake"
	"github.com/companion-protocol/companion-go/pkg/keystore"
	"github.com/companion-protocol/companion-go/pkg/stream"
	"github.com/companion-protocol/companion-go/pkg/wire"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStream records writes and lets tests drive delegate upcalls.
type fakeStream struct {
	delegate     stream.Delegate
	writes       []fakeWrite
	autoComplete bool
	writeErr     error
	invalidated  bool
}

type fakeWrite struct {
	data   []byte
	params stream.Params
}

func (s *fakeStream) WriteMessage(data []byte, params stream.Params) error {
	return s.WriteEncryptedMessage(data, params)
}

func (s *fakeStream) WriteEncryptedMessage(data []byte, params stream.Params) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes = append(s.writes, fakeWrite{data: data, params: params})
	if s.autoComplete {
		s.delegate.OnWriteCompleted(params)
	}
	return nil
}

func (s *fakeStream) SetDelegate(d stream.Delegate)    { s.delegate = d }
func (s *fakeStream) SetCipher(handshake.Cipher)       {}
func (s *fakeStream) Compression() bool                { return false }
func (s *fakeStream) Invalidate()                      { s.invalidated = true }

var _ stream.MessageStream = (*fakeStream)(nil)

func testCar() keystore.Car {
	return keystore.Car{ID: "aabbccdd-eeff-0011-2233-445566778899", Name: "Wagon"}
}

func newTestChannel(fs *fakeStream) *channel.SecuredChannel {
	return channel.New(channel.Config{
		Car:    testCar(),
		Stream: fs,
	})
}

func TestObserverUniqueness(t *testing.T) {
	ch := newTestChannel(&fakeStream{autoComplete: true})
	recipient := uuid.New()

	var first, second int
	cancel, err := ch.ObserveMessages(recipient, func([]byte) { first++ })
	require.NoError(t, err)
	require.NotNil(t, cancel)

	_, err = ch.ObserveMessages(recipient, func([]byte) { second++ })
	assert.ErrorIs(t, err, channel.ErrObserverAlreadyRegistered)

	// The first observer stays active.
	ch.OnMessageReceived([]byte("m"), stream.Params{
		Recipient: recipient,
		Operation: wire.OperationClientMessage,
	})
	assert.Equal(t, 1, first)
	assert.Zero(t, second)

	// Cancelling frees the slot.
	cancel()
	_, err = ch.ObserveMessages(recipient, func([]byte) { second++ })
	assert.NoError(t, err)
}

func TestLateDeliveryInArrivalOrder(t *testing.T) {
	ch := newTestChannel(&fakeStream{autoComplete: true})
	recipient := uuid.New()

	for i := 0; i < 5; i++ {
		ch.OnMessageReceived([]byte{byte(i)}, stream.Params{
			Recipient: recipient,
			Operation: wire.OperationClientMessage,
		})
	}

	var seen []byte
	_, err := ch.ObserveMessages(recipient, func(data []byte) {
		seen = append(seen, data[0])
	})
	require.NoError(t, err)

	// Buffered messages delivered in order before any live message.
	assert.Equal(t, []byte{0, 1, 2, 3, 4}, seen)

	ch.OnMessageReceived([]byte{9}, stream.Params{
		Recipient: recipient,
		Operation: wire.OperationClientMessage,
	})
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 9}, seen)
}

func TestMissedBufferDropsOldestOnOverflow(t *testing.T) {
	ch := newTestChannel(&fakeStream{autoComplete: true})
	recipient := uuid.New()

	for i := 0; i < 150; i++ {
		ch.OnMessageReceived([]byte(fmt.Sprintf("%d", i)), stream.Params{
			Recipient: recipient,
			Operation: wire.OperationClientMessage,
		})
	}

	var seen []string
	_, err := ch.ObserveMessages(recipient, func(data []byte) {
		seen = append(seen, string(data))
	})
	require.NoError(t, err)

	require.Len(t, seen, 100)
	assert.Equal(t, "50", seen[0], "oldest messages dropped first")
	assert.Equal(t, "149", seen[99])
}

func TestWriteCompletionFIFO(t *testing.T) {
	fs := &fakeStream{}
	ch := newTestChannel(fs)
	recipient := uuid.New()

	var results []int
	for i := 0; i < 3; i++ {
		i := i
		require.NoError(t, ch.WriteEncrypted([]byte("m"), recipient, func(success bool) {
			if success {
				results = append(results, i)
			}
		}))
	}

	// Stream completes the writes in order.
	for n := 0; n < 3; n++ {
		fs.delegate.OnWriteCompleted(stream.Params{Recipient: recipient})
	}

	assert.Equal(t, []int{0, 1, 2}, results)
}

func TestWriteErrorDeliversFailureCompletion(t *testing.T) {
	fs := &fakeStream{}
	ch := newTestChannel(fs)

	var got *bool
	require.NoError(t, ch.WriteEncrypted([]byte("m"), uuid.New(), func(success bool) {
		got = &success
	}))

	fs.delegate.OnWriteError(stream.Params{}, errors.New("gatt error"))

	require.NotNil(t, got)
	assert.False(t, *got)
}

func TestRejectedWriteLeavesNoPendingCompletion(t *testing.T) {
	fs := &fakeStream{writeErr: errors.New("stream closed")}
	ch := newTestChannel(fs)

	err := ch.WriteEncrypted([]byte("m"), uuid.New(), func(bool) {
		t.Fatal("completion must not fire for a rejected write")
	})
	require.Error(t, err)

	// A later stray completion is logged, not misdelivered.
	fs.delegate.OnWriteCompleted(stream.Params{})
}

func TestQueryResponderDeliveredExactlyOnce(t *testing.T) {
	fs := &fakeStream{autoComplete: true}
	ch := newTestChannel(fs)
	recipient := uuid.New()

	var responses []*wire.QueryResponse
	id, err := ch.SendQuery([]byte("req"), nil, recipient, func(r *wire.QueryResponse) {
		responses = append(responses, r)
	})
	require.NoError(t, err)

	// Verify the serialized query shape.
	require.Len(t, fs.writes, 1)
	assert.Equal(t, wire.OperationQuery, fs.writes[0].params.Operation)
	sent, err := wire.DecodeQuery(fs.writes[0].data)
	require.NoError(t, err)
	assert.Equal(t, id, sent.ID)
	assert.Equal(t, recipient[:], sent.Sender)

	respond := func() {
		data, err := wire.EncodeQueryResponse(&wire.QueryResponse{ID: id, Successful: true})
		require.NoError(t, err)
		ch.OnMessageReceived(data, stream.Params{Operation: wire.OperationQueryResponse})
	}

	respond()
	respond() // duplicate: responder already consumed

	assert.Len(t, responses, 1)
}

func TestUnknownQueryResponseDropped(t *testing.T) {
	ch := newTestChannel(&fakeStream{autoComplete: true})

	data, err := wire.EncodeQueryResponse(&wire.QueryResponse{ID: 999, Successful: true})
	require.NoError(t, err)
	ch.OnMessageReceived(data, stream.Params{Operation: wire.OperationQueryResponse})
}

func TestQueryIDWraparound(t *testing.T) {
	fs := &fakeStream{autoComplete: true}
	ch := newTestChannel(fs)
	ch.SetNextQueryIDForTest(2147483647)

	recipient := uuid.New()

	var outstanding []*wire.QueryResponse
	lastID, err := ch.SendQuery([]byte("a"), nil, recipient, func(r *wire.QueryResponse) {
		outstanding = append(outstanding, r)
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2147483647), lastID)

	nextID, err := ch.SendQuery([]byte("b"), nil, recipient, func(*wire.QueryResponse) {})
	require.NoError(t, err)
	assert.Equal(t, int32(0), nextID, "id wraps to zero after 2^31-1")

	// The outstanding responder for the pre-wrap id is undisturbed.
	data, err := wire.EncodeQueryResponse(&wire.QueryResponse{ID: 2147483647, Successful: true})
	require.NoError(t, err)
	ch.OnMessageReceived(data, stream.Params{Operation: wire.OperationQueryResponse})
	assert.Len(t, outstanding, 1)
}

func TestQueryObserverAndResponse(t *testing.T) {
	fs := &fakeStream{autoComplete: true}
	ch := newTestChannel(fs)
	recipient := uuid.New()
	sender := uuid.New()

	type received struct {
		id     int32
		sender uuid.UUID
	}
	var got []received
	_, err := ch.ObserveQueries(recipient, func(id int32, from uuid.UUID, request, params []byte) {
		got = append(got, received{id: id, sender: from})
	})
	require.NoError(t, err)

	queryData, err := wire.EncodeQuery(&wire.Query{ID: 3, Sender: sender[:], Request: []byte("r")})
	require.NoError(t, err)
	ch.OnMessageReceived(queryData, stream.Params{Recipient: recipient, Operation: wire.OperationQuery})

	require.Len(t, got, 1)
	assert.Equal(t, int32(3), got[0].id)
	assert.Equal(t, sender, got[0].sender)

	// Respond and verify the wire shape.
	require.NoError(t, ch.SendQueryResponse(3, sender, true, []byte("done")))
	last := fs.writes[len(fs.writes)-1]
	assert.Equal(t, wire.OperationQueryResponse, last.params.Operation)
	resp, err := wire.DecodeQueryResponse(last.data)
	require.NoError(t, err)
	assert.True(t, resp.Successful)
	assert.Equal(t, []byte("done"), resp.Response)
}

func TestBufferedQueriesReplayOnRegistration(t *testing.T) {
	ch := newTestChannel(&fakeStream{autoComplete: true})
	recipient := uuid.New()

	for i := int32(1); i <= 3; i++ {
		data, err := wire.EncodeQuery(&wire.Query{ID: i, Sender: recipient[:], Request: []byte("r")})
		require.NoError(t, err)
		ch.OnMessageReceived(data, stream.Params{Recipient: recipient, Operation: wire.OperationQuery})
	}

	var ids []int32
	_, err := ch.ObserveQueries(recipient, func(id int32, _ uuid.UUID, _, _ []byte) {
		ids = append(ids, id)
	})
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3}, ids)
}

func TestInvalidateFailsSubsequentWrites(t *testing.T) {
	fs := &fakeStream{autoComplete: true}

	var invalidations int
	ch := channel.New(channel.Config{
		Car:           testCar(),
		Stream:        fs,
		OnInvalidated: func(error) { invalidations++ },
	})

	ch.OnUnrecoverableError(errors.New("peer vanished"))
	ch.Invalidate(errors.New("again")) // second invalidation is a no-op

	assert.Equal(t, 1, invalidations)
	assert.False(t, ch.IsValid())
	assert.True(t, fs.invalidated)

	err := ch.WriteEncrypted([]byte("m"), uuid.New(), nil)
	assert.ErrorIs(t, err, channel.ErrInvalidChannel)

	_, err = ch.SendQuery([]byte("q"), nil, uuid.New(), func(*wire.QueryResponse) {})
	assert.ErrorIs(t, err, channel.ErrInvalidChannel)
}

func TestRoleQueryViaFeatureProvider(t *testing.T) {
	fs := &fakeStream{autoComplete: true}
	ch := newTestChannel(fs)
	provider := channel.NewSystemQueryFeatureProvider()

	var resolved wire.UserRole
	var resolvedOK bool
	provider.QueryRole(ch, func(role wire.UserRole, ok bool) {
		resolved, resolvedOK = role, ok
	})

	// The channel sent a system query; answer it as the car would.
	require.Len(t, fs.writes, 1)
	sent, err := wire.DecodeQuery(fs.writes[0].data)
	require.NoError(t, err)

	roleData, err := wire.EncodeUserRoleResponse(&wire.UserRoleResponse{Role: wire.RoleDriver})
	require.NoError(t, err)
	respData, err := wire.EncodeQueryResponse(&wire.QueryResponse{
		ID:         sent.ID,
		Successful: true,
		Response:   roleData,
	})
	require.NoError(t, err)
	ch.OnMessageReceived(respData, stream.Params{Operation: wire.OperationQueryResponse})

	assert.True(t, resolvedOK)
	assert.Equal(t, wire.RoleDriver, resolved)
	assert.Equal(t, wire.RoleDriver, ch.Role())
}

func TestRoleQueryFailureLeavesRoleUnknown(t *testing.T) {
	fs := &fakeStream{writeErr: errors.New("stream closed")}
	ch := newTestChannel(fs)
	provider := channel.NewSystemQueryFeatureProvider()

	var resolvedOK bool
	provider.QueryRole(ch, func(role wire.UserRole, ok bool) { resolvedOK = ok })

	assert.False(t, resolvedOK)
	assert.Equal(t, wire.RoleUnknown, ch.Role())
}
