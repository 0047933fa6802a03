package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileWorkQueue keeps the backlog in a JSON snapshot so frames accepted (and
// acknowledged) before a crash are processed after the next start.
type fileWorkQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	tracker      *drainTracker
	mu           sync.Mutex
	items        []Envelope
	closed       bool
}

type fileWorkQueueState struct {
	Items []json.RawMessage `json:"items"`
}

func NewFileWorkQueue(path string, capacity int) (WorkQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	q := &fileWorkQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		tracker:      newDrainTracker(),
		items:        []Envelope{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	q.tracker.add(len(q.items))
	return q, nil
}

// push reports false without error while the queue is full.
func (q *fileWorkQueue) push(env Envelope) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrQueueClosed
	}
	if len(q.items) >= q.capacity {
		return false, nil
	}
	q.items = append(q.items, env)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false, err
	}
	q.tracker.add(1)
	return true, nil
}

func (q *fileWorkQueue) Enqueue(ctx context.Context, env Envelope) error {
	if len(env.Raw) == 0 {
		return ErrInvalidInput
	}
	for {
		ok, err := q.push(env)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileWorkQueue) Dequeue(ctx context.Context) (Envelope, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]Envelope{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return Envelope{}, ctx.Err()
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileWorkQueue) Done() {
	q.tracker.done()
}

func (q *fileWorkQueue) WaitDrained(ctx context.Context) error {
	return q.tracker.wait(ctx)
}

func (q *fileWorkQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileWorkQueue) Capacity() int {
	return q.capacity
}

func (q *fileWorkQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *fileWorkQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileWorkQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	items := snapshot.Items
	trimmed := false
	if len(items) > q.capacity {
		items = items[len(items)-q.capacity:]
		trimmed = true
	}
	for _, raw := range items {
		env, err := DecodeEnvelope(raw)
		if err != nil {
			trimmed = true
			continue
		}
		q.items = append(q.items, env)
	}
	if trimmed {
		return q.saveLocked()
	}
	return nil
}

func (q *fileWorkQueue) saveLocked() error {
	snapshot := fileWorkQueueState{
		Items: make([]json.RawMessage, 0, len(q.items)),
	}
	for _, item := range q.items {
		snapshot.Items = append(snapshot.Items, item.Raw)
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
