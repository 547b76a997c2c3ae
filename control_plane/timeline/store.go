// Package timeline keeps the audit trail of workflow step transitions.
package timeline

import (
	"context"
	"sync"
	"time"

	"github.com/itskum47/FleetForge/control_plane/logging"
	"github.com/itskum47/FleetForge/control_plane/store"
	"github.com/rs/zerolog"
)

// DefaultCapacity bounds the in-memory timeline. Older records stay in the
// sink once they are trimmed here.
const DefaultCapacity = 10000

// Sink persists step records beyond the process.
type Sink interface {
	AppendStep(ctx context.Context, step *store.StepRecord) error
}

// Store is the in-memory timeline. With a sink configured every record is
// also written through; sink failures are logged and the record is kept.
type Store struct {
	mu       sync.RWMutex
	events   []store.StepRecord
	capacity int
	sink     Sink
	now      func() time.Time
	log      zerolog.Logger
}

func NewStore(sink Sink) *Store {
	return &Store{
		events:   make([]store.StepRecord, 0),
		capacity: DefaultCapacity,
		sink:     sink,
		now:      time.Now,
		log:      logging.WithComponent("timeline"),
	}
}

// SetCapacity changes how many records are kept in memory. Zero or less
// keeps everything.
func (s *Store) SetCapacity(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity = n
	s.trim()
}

// trim drops the oldest records once the timeline is over capacity. It cuts a
// tenth below capacity so the copy is not repeated on every append.
func (s *Store) trim() {
	if s.capacity <= 0 || len(s.events) <= s.capacity {
		return
	}
	keep := s.capacity - s.capacity/10
	n := copy(s.events, s.events[len(s.events)-keep:])
	clear(s.events[n:])
	s.events = s.events[:n]
}

// SetClock replaces the time source used for missing start times.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Record appends e and writes it to the sink.
func (s *Store) Record(ctx context.Context, e store.StepRecord) {
	s.mu.Lock()
	if e.StartedAt.IsZero() {
		e.StartedAt = s.now()
	}
	s.events = append(s.events, e)
	s.trim()
	s.mu.Unlock()

	if s.sink == nil {
		return
	}
	if err := s.sink.AppendStep(ctx, &e); err != nil {
		s.log.Warn().Err(err).Str("run_id", e.RunID).Str("step", string(e.Step)).Msg("audit record not persisted")
	}
}

// GetEvents returns the records of one run in the order they were recorded.
func (s *Store) GetEvents(runID string) []store.StepRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []store.StepRecord
	for _, e := range s.events {
		if e.RunID == runID {
			results = append(results, e)
		}
	}
	return results
}

// GetEventsByTarget returns every record about target.
func (s *Store) GetEventsByTarget(target string) []store.StepRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []store.StepRecord
	for _, e := range s.events {
		if e.Target == target {
			results = append(results, e)
		}
	}
	return results
}

// GetAllEvents returns a copy of the whole timeline.
func (s *Store) GetAllEvents() []store.StepRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := make([]store.StepRecord, len(s.events))
	copy(c, s.events)
	return c
}
