package stream_test

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/companion-protocol/companion-go/pkg/stream"
	"github.com/companion-protocol/companion-go/pkg/wire"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingDelegate captures stream upcalls.
type recordingDelegate struct {
	mu        sync.Mutex
	messages  []receivedMessage
	completed []stream.Params
	writeErrs []error
	fatalErrs []error
}

type receivedMessage struct {
	data   []byte
	params stream.Params
}

func (d *recordingDelegate) OnMessageReceived(data []byte, params stream.Params) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, receivedMessage{data: data, params: params})
}

func (d *recordingDelegate) OnWriteCompleted(params stream.Params) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completed = append(d.completed, params)
}

func (d *recordingDelegate) OnWriteError(params stream.Params, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeErrs = append(d.writeErrs, err)
}

func (d *recordingDelegate) OnUnrecoverableError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fatalErrs = append(d.fatalErrs, err)
}

// chunkSink collects the raw packets a stream writes.
type chunkSink struct {
	mu     sync.Mutex
	chunks [][]byte
	err    error
}

func (c *chunkSink) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.chunks = append(c.chunks, append([]byte(nil), data...))
	return nil
}

func (c *chunkSink) all() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.chunks...)
}

// xorCipher is a trivial reversible test cipher.
type xorCipher struct{ key byte }

func (c xorCipher) Encrypt(plaintext []byte) ([]byte, error) {
	out := make([]byte, len(plaintext))
	for i, b := range plaintext {
		out[i] = b ^ c.key
	}
	return out, nil
}

func (c xorCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	return c.Encrypt(ciphertext)
}

func newTestStream(t *testing.T, sink *chunkSink, maxWrite int, compression bool) (*stream.BLEStream, *recordingDelegate) {
	t.Helper()
	s := stream.NewBLEStream(stream.Config{
		WriteChunk:     sink.write,
		MaxWriteLength: maxWrite,
		Compression:    compression,
		ConnectionID:   "test-conn",
	})
	d := &recordingDelegate{}
	s.SetDelegate(d)
	return s, d
}

// deliver feeds every chunk written by src into dst, driving ready-to-write
// between chunks.
func deliver(src *chunkSink, dst *stream.BLEStream, from *stream.BLEStream) {
	for {
		chunks := src.all()
		if len(chunks) == 0 {
			return
		}
		src.mu.Lock()
		src.chunks = nil
		src.mu.Unlock()
		for _, chunk := range chunks {
			dst.HandleValueUpdate(chunk)
			from.HandleReadyToWrite()
		}
	}
}

func TestWriteAndReassembleAcrossChunks(t *testing.T) {
	sinkA := &chunkSink{}
	a, _ := newTestStream(t, sinkA, 64, false)

	sinkB := &chunkSink{}
	b, delegateB := newTestStream(t, sinkB, 64, false)

	recipient := uuid.New()
	payload := bytes.Repeat([]byte("large payload "), 40)

	require.NoError(t, a.WriteMessage(payload, stream.Params{
		Recipient: recipient,
		Operation: wire.OperationClientMessage,
	}))

	// The stream sends one packet per ready-to-write signal.
	a.HandleReadyToWrite()
	require.Greater(t, len(sinkA.all()), 1, "payload should span several packets")

	deliver(sinkA, b, a)

	require.Len(t, delegateB.messages, 1)
	assert.Equal(t, payload, delegateB.messages[0].data)
	assert.Equal(t, recipient, delegateB.messages[0].params.Recipient)
	assert.Equal(t, wire.OperationClientMessage, delegateB.messages[0].params.Operation)
}

func TestWriteCompletionFiresOncePerWriteInOrder(t *testing.T) {
	sink := &chunkSink{}
	s, delegate := newTestStream(t, sink, 4096, false)

	r1, r2 := uuid.New(), uuid.New()
	require.NoError(t, s.WriteMessage([]byte("one"), stream.Params{Recipient: r1, Operation: wire.OperationClientMessage}))
	require.NoError(t, s.WriteMessage([]byte("two"), stream.Params{Recipient: r2, Operation: wire.OperationClientMessage}))

	require.Len(t, delegate.completed, 2)
	assert.Equal(t, r1, delegate.completed[0].Recipient)
	assert.Equal(t, r2, delegate.completed[1].Recipient)
}

func TestEncryptedRoundTrip(t *testing.T) {
	sinkA := &chunkSink{}
	a, _ := newTestStream(t, sinkA, 4096, false)
	sinkB := &chunkSink{}
	b, delegateB := newTestStream(t, sinkB, 4096, false)

	cipher := xorCipher{key: 0x5a}
	a.SetCipher(cipher)
	b.SetCipher(cipher)

	recipient := uuid.New()
	require.NoError(t, a.WriteEncryptedMessage([]byte("secret"), stream.Params{
		Recipient: recipient,
		Operation: wire.OperationClientMessage,
	}))

	deliver(sinkA, b, a)

	require.Len(t, delegateB.messages, 1)
	assert.Equal(t, []byte("secret"), delegateB.messages[0].data)
}

func TestEncryptedWriteWithoutCipherFails(t *testing.T) {
	sink := &chunkSink{}
	s, _ := newTestStream(t, sink, 4096, false)

	err := s.WriteEncryptedMessage([]byte("x"), stream.Params{Operation: wire.OperationClientMessage})
	assert.ErrorIs(t, err, stream.ErrNoCipher)
}

func TestCompressionRoundTrip(t *testing.T) {
	sinkA := &chunkSink{}
	a, _ := newTestStream(t, sinkA, 4096, true)
	sinkB := &chunkSink{}
	b, delegateB := newTestStream(t, sinkB, 4096, true)

	payload := bytes.Repeat([]byte("compressible "), 100)
	require.NoError(t, a.WriteMessage(payload, stream.Params{Operation: wire.OperationClientMessage}))

	deliver(sinkA, b, a)

	require.Len(t, delegateB.messages, 1)
	assert.Equal(t, payload, delegateB.messages[0].data)
}

func TestWriteAfterInvalidateFails(t *testing.T) {
	sink := &chunkSink{}
	s, _ := newTestStream(t, sink, 4096, false)

	s.Invalidate()
	err := s.WriteMessage([]byte("x"), stream.Params{Operation: wire.OperationClientMessage})
	assert.ErrorIs(t, err, stream.ErrStreamInvalidated)
}

func TestWriteErrorSurfacesOnce(t *testing.T) {
	sink := &chunkSink{err: errors.New("gatt busy")}
	s, delegate := newTestStream(t, sink, 4096, false)

	require.NoError(t, s.WriteMessage([]byte("x"), stream.Params{Operation: wire.OperationClientMessage}))

	require.Len(t, delegate.writeErrs, 1)
	assert.Empty(t, delegate.completed)
}

func TestGarbagePacketIsUnrecoverable(t *testing.T) {
	sink := &chunkSink{}
	s, delegate := newTestStream(t, sink, 4096, false)

	s.HandleValueUpdate([]byte{0xde, 0xad})

	require.Len(t, delegate.fatalErrs, 1)
	assert.ErrorIs(t, delegate.fatalErrs[0], stream.ErrCannotParse)

	// The stream is invalid afterwards.
	err := s.WriteMessage([]byte("x"), stream.Params{Operation: wire.OperationClientMessage})
	assert.ErrorIs(t, err, stream.ErrStreamInvalidated)
}

func TestHandshakeTrafficBypassesCipher(t *testing.T) {
	sinkA := &chunkSink{}
	a, _ := newTestStream(t, sinkA, 4096, false)
	sinkB := &chunkSink{}
	b, delegateB := newTestStream(t, sinkB, 4096, false)

	// Receiver has a cipher, but handshake frames must pass through untouched.
	b.SetCipher(xorCipher{key: 0x42})

	require.NoError(t, a.WriteMessage([]byte("handshake"), stream.Params{
		Operation: wire.OperationEncryptionHandshake,
	}))

	deliver(sinkA, b, a)

	require.Len(t, delegateB.messages, 1)
	assert.Equal(t, []byte("handshake"), delegateB.messages[0].data)
}
