package telemetry

import (
	"context"
	"sync"
)

const DefaultQueueCapacity = 10000

// WorkQueue is the bounded buffer between ingest handlers and workers.
//
// Enqueue blocks while the queue is full; it only fails when ctx ends or the
// queue is closed. Every successful Dequeue must be followed by Done once the
// item has been processed, which is what WaitDrained observes.
type WorkQueue interface {
	Enqueue(ctx context.Context, env Envelope) error
	Dequeue(ctx context.Context) (Envelope, error)
	Done()
	WaitDrained(ctx context.Context) error
	Depth() int
	Capacity() int
	Close() error
}

// drainTracker counts items that were accepted but not yet marked done.
type drainTracker struct {
	mu      sync.Mutex
	pending int
	idle    chan struct{}
}

func newDrainTracker() *drainTracker {
	idle := make(chan struct{})
	close(idle)
	return &drainTracker{idle: idle}
}

func (t *drainTracker) add(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == 0 {
		t.idle = make(chan struct{})
	}
	t.pending += n
}

func (t *drainTracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == 0 {
		return
	}
	t.pending--
	if t.pending == 0 {
		close(t.idle)
	}
}

func (t *drainTracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

func (t *drainTracker) wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		idle := t.idle
		pending := t.pending
		t.mu.Unlock()
		if pending == 0 {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type inMemoryWorkQueue struct {
	ch        chan Envelope
	tracker   *drainTracker
	closed    chan struct{}
	closeOnce sync.Once
}

func NewInMemoryWorkQueue(capacity int) WorkQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &inMemoryWorkQueue{
		ch:      make(chan Envelope, capacity),
		tracker: newDrainTracker(),
		closed:  make(chan struct{}),
	}
}

func (q *inMemoryWorkQueue) Enqueue(ctx context.Context, env Envelope) error {
	if q == nil {
		return ErrInvalidInput
	}
	if q.isClosed() {
		return ErrQueueClosed
	}
	q.tracker.add(1)
	select {
	case q.ch <- env:
		return nil
	case <-ctx.Done():
		q.tracker.done()
		return ctx.Err()
	case <-q.closed:
		q.tracker.done()
		return ErrQueueClosed
	}
}

func (q *inMemoryWorkQueue) Dequeue(ctx context.Context) (Envelope, error) {
	if q == nil {
		return Envelope{}, ErrInvalidInput
	}
	select {
	case env := <-q.ch:
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (q *inMemoryWorkQueue) Done() {
	if q == nil {
		return
	}
	q.tracker.done()
}

func (q *inMemoryWorkQueue) WaitDrained(ctx context.Context) error {
	if q == nil {
		return nil
	}
	return q.tracker.wait(ctx)
}

func (q *inMemoryWorkQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryWorkQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

// Close rejects further producers; buffered items stay available to Dequeue.
func (q *inMemoryWorkQueue) Close() error {
	if q == nil {
		return nil
	}
	q.closeOnce.Do(func() {
		close(q.closed)
	})
	return nil
}

func (q *inMemoryWorkQueue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}
