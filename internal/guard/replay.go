package guard

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"pushpay-service/internal/model"
)

const DefaultReplayHorizon = 24 * time.Hour

// ReplayStore records accepted event ids. Claim must be atomic: of two
// concurrent claims for the same id exactly one reports fresh.
type ReplayStore interface {
	Claim(ctx context.Context, rec model.WebhookEventRecord) (fresh bool, err error)
	Release(ctx context.Context, eventID string) error
	Purge(ctx context.Context, olderThan time.Time) (int, error)
}

type MemoryReplayStore struct {
	clock   clockwork.Clock
	horizon time.Duration

	mu      sync.Mutex
	records map[string]model.WebhookEventRecord
}

func NewMemoryReplayStore(horizon time.Duration, clock clockwork.Clock) *MemoryReplayStore {
	if horizon <= 0 {
		horizon = DefaultReplayHorizon
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryReplayStore{
		clock:   clock,
		horizon: horizon,
		records: make(map[string]model.WebhookEventRecord),
	}
}

func (s *MemoryReplayStore) Claim(_ context.Context, rec model.WebhookEventRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.EventID]; ok {
		if s.clock.Since(existing.ReceivedAt) < s.horizon {
			return false, nil
		}
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = s.clock.Now()
	}
	s.records[rec.EventID] = rec
	return true, nil
}

func (s *MemoryReplayStore) Release(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, eventID)
	return nil
}

func (s *MemoryReplayStore) Purge(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, rec := range s.records {
		if rec.ReceivedAt.Before(olderThan) {
			delete(s.records, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryReplayStore) Get(eventID string) (model.WebhookEventRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[eventID]
	return rec, ok
}
