package dispatch

import (
	"errors"
	"sync"
	"time"
)

// Queue errors.
var (
	ErrQueueStopped = errors.New("dispatch queue stopped")
)

// Queue is a single-goroutine serial executor. Tasks submitted with Async run
// in submission order, one at a time, on the queue's goroutine.
type Queue struct {
	mu      sync.Mutex
	tasks   chan func()
	stopped bool
	done    chan struct{}
}

// queueCapacity bounds the pending task backlog. The protocol core submits
// short tasks; a full backlog indicates a stalled consumer and is treated as
// a programmer error.
const queueCapacity = 1024

// NewQueue creates and starts a new serial queue.
func NewQueue() *Queue {
	q := &Queue{
		tasks: make(chan func(), queueCapacity),
		done:  make(chan struct{}),
	}
	go q.loop()
	return q
}

// loop drains tasks until Stop is called.
func (q *Queue) loop() {
	defer close(q.done)
	for task := range q.tasks {
		task()
	}
}

// Async submits a task to run on the queue. Returns ErrQueueStopped if the
// queue has been stopped.
func (q *Queue) Async(task func()) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrQueueStopped
	}
	q.tasks <- task
	q.mu.Unlock()
	return nil
}

// Sync submits a task and waits for it to complete. Must not be called from
// a task already running on the queue; that would deadlock.
func (q *Queue) Sync(task func()) error {
	ran := make(chan struct{})
	err := q.Async(func() {
		task()
		close(ran)
	})
	if err != nil {
		return err
	}
	<-ran
	return nil
}

// Stop stops the queue after draining already-submitted tasks.
// It is safe to call Stop multiple times.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.tasks)
	q.mu.Unlock()
	<-q.done
}

// AsyncAfter schedules a task to run on the queue after the given delay.
// The returned Timer can be cancelled; cancellation is idempotent, and a
// timer that fires after Cancel does not run its task.
func (q *Queue) AsyncAfter(delay time.Duration, task func()) *Timer {
	t := &Timer{queue: q, task: task}
	t.timer = time.AfterFunc(delay, t.fire)
	return t
}

// Timer is a cancellable one-shot timer whose task runs on the owning queue.
type Timer struct {
	mu        sync.Mutex
	queue     *Queue
	task      func()
	timer     *time.Timer
	cancelled bool
	fired     bool
}

// fire hops onto the queue; the cancelled check runs again on the queue so a
// Cancel racing the fire wins.
func (t *Timer) fire() {
	_ = t.queue.Async(func() {
		t.mu.Lock()
		if t.cancelled || t.fired {
			t.mu.Unlock()
			return
		}
		t.fired = true
		task := t.task
		t.mu.Unlock()
		task()
	})
}

// Cancel stops the timer. Calling Cancel twice is a no-op; a timer that
// already fired is unaffected.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Cancelled reports whether Cancel has been called.
func (t *Timer) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Fired reports whether the timer's task has run.
func (t *Timer) Fired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}
