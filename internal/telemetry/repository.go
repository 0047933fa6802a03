package telemetry

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Repository is the durable store behind the workers. Every write is
// idempotent on its client-supplied key, so replays are harmless.
type Repository interface {
	Start(ctx context.Context) error
	InsertMeasurementIfAbsent(ctx context.Context, m Measurement) (bool, error)
	PatchRTTIfUnset(ctx context.Context, id string, rttMs float64) (bool, error)
	UpsertSessionStats(ctx context.Context, stats SessionStats) error
	Close() error
}

type InMemoryRepository struct {
	mu           sync.Mutex
	measurements map[string]Measurement
	sessions     map[string]SessionStats
	now          func() time.Time
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		measurements: map[string]Measurement{},
		sessions:     map[string]SessionStats{},
		now:          time.Now,
	}
}

func (r *InMemoryRepository) Start(ctx context.Context) error {
	if r == nil {
		return ErrInvalidInput
	}
	return ctx.Err()
}

func (r *InMemoryRepository) InsertMeasurementIfAbsent(ctx context.Context, m Measurement) (bool, error) {
	if r == nil {
		return false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		return false, ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.measurements[m.ID]; ok {
		return false, nil
	}
	m.RTTMs = nil
	m.Neighbors = append([]NeighborCell(nil), m.Neighbors...)
	if len(m.Neighbors) > MaxNeighborCells {
		m.Neighbors = m.Neighbors[:MaxNeighborCells]
	}
	r.measurements[m.ID] = m
	return true, nil
}

func (r *InMemoryRepository) PatchRTTIfUnset(ctx context.Context, id string, rttMs float64) (bool, error) {
	if r == nil {
		return false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false, ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.measurements[id]
	if !ok || m.RTTMs != nil {
		return false, nil
	}
	m.RTTMs = ptr(rttMs)
	r.measurements[id] = m
	return true, nil
}

func (r *InMemoryRepository) UpsertSessionStats(ctx context.Context, stats SessionStats) error {
	if r == nil {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stats.SessionID = strings.TrimSpace(stats.SessionID)
	if stats.SessionID == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	if prev, ok := r.sessions[stats.SessionID]; ok && prev.UpdatedAt.After(now) {
		now = prev.UpdatedAt
	}
	stats.UpdatedAt = now
	r.sessions[stats.SessionID] = stats
	return nil
}

func (r *InMemoryRepository) Measurement(ctx context.Context, id string) (Measurement, bool, error) {
	if r == nil {
		return Measurement{}, false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Measurement{}, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.measurements[strings.TrimSpace(id)]
	if !ok {
		return Measurement{}, false, nil
	}
	m.Neighbors = append([]NeighborCell(nil), m.Neighbors...)
	return m, true, nil
}

func (r *InMemoryRepository) SessionStats(ctx context.Context, sessionID string) (SessionStats, bool, error) {
	if r == nil {
		return SessionStats{}, false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return SessionStats{}, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stats, ok := r.sessions[strings.TrimSpace(sessionID)]
	return stats, ok, nil
}

func (r *InMemoryRepository) MeasurementCount() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.measurements)
}

func (r *InMemoryRepository) Close() error {
	return nil
}
