package dispatch_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/companion-protocol/companion-go/pkg/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncRunsInSubmissionOrder(t *testing.T) {
	q := dispatch.NewQueue()
	defer q.Stop()

	var order []int
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, q.Async(func() { order = append(order, i) }))
	}

	require.NoError(t, q.Sync(func() {}))

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestStopDrainsPendingTasks(t *testing.T) {
	q := dispatch.NewQueue()

	var count atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Async(func() { count.Add(1) }))
	}

	q.Stop()
	assert.Equal(t, int32(5), count.Load())

	err := q.Async(func() {})
	assert.ErrorIs(t, err, dispatch.ErrQueueStopped)
}

func TestStopIsIdempotent(t *testing.T) {
	q := dispatch.NewQueue()
	q.Stop()
	q.Stop()
}

func TestTimerFires(t *testing.T) {
	q := dispatch.NewQueue()
	defer q.Stop()

	fired := make(chan struct{})
	timer := q.AsyncAfter(5*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	assert.True(t, timer.Fired())
}

func TestTimerCancelIsIdempotent(t *testing.T) {
	q := dispatch.NewQueue()
	defer q.Stop()

	var fired atomic.Bool
	timer := q.AsyncAfter(10*time.Millisecond, func() { fired.Store(true) })

	timer.Cancel()
	timer.Cancel()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, q.Sync(func() {}))

	assert.False(t, fired.Load(), "cancelled timer must not run its task")
	assert.True(t, timer.Cancelled())
	assert.False(t, timer.Fired())
}

func TestTimerCancelAfterFireIsNoop(t *testing.T) {
	q := dispatch.NewQueue()
	defer q.Stop()

	fired := make(chan struct{})
	timer := q.AsyncAfter(time.Millisecond, func() { close(fired) })

	<-fired
	timer.Cancel()
	assert.True(t, timer.Fired())
}
