package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is a single-process stand-in for Redis and Postgres.
// It implements SharedStore, Locker and RunStore.
type MemoryStore struct {
	mu   sync.Mutex
	kv   map[string]memEntry
	runs map[string]*RunRecord
	now  func() time.Time
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:   make(map[string]memEntry),
		runs: make(map[string]*RunRecord),
		now:  time.Now,
	}
}

// SetClock replaces the time source used for TTL expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// --- KV ---

// lookup must be called with s.mu held.
func (s *MemoryStore) lookup(key string) (memEntry, bool) {
	e, ok := s.kv[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.kv, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	return e.value, ok, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.kv[key] = e
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

// --- Locker ---

func (s *MemoryStore) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.lookup(key); held {
		return false, nil
	}
	e := memEntry{value: ownerID}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.kv[key] = e
	return true, nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, key string, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.lookup(key); ok && e.value == ownerID {
		delete(s.kv, key)
	}
	return nil
}

func (s *MemoryStore) GetLockOwner(ctx context.Context, key string) (string, error) {
	owner, _, err := s.Get(ctx, key)
	return owner, err
}

// --- WindowCounter ---

func (s *MemoryStore) counter(key string) int64 {
	e, ok := s.lookup(key)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(e.value, 10, 64)
	return n
}

func (s *MemoryStore) IncrWindow(ctx context.Context, curKey, prevKey string, ttl time.Duration) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(curKey)
	var cur int64
	if ok {
		cur, _ = strconv.ParseInt(e.value, 10, 64)
	} else if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	cur++
	e.value = strconv.FormatInt(cur, 10)
	s.kv[curKey] = e

	return cur, s.counter(prevKey), nil
}

func (s *MemoryStore) ReadWindow(ctx context.Context, curKey, prevKey string) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter(curKey), s.counter(prevKey), nil
}

func (s *MemoryStore) DecrWindow(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok {
		return nil
	}
	n, _ := strconv.ParseInt(e.value, 10, 64)
	if n > 0 {
		n--
	}
	e.value = strconv.FormatInt(n, 10)
	s.kv[key] = e
	return nil
}

// --- RunStore ---

func copyRun(r *RunRecord) *RunRecord {
	c := *r
	c.Steps = append([]StepRecord(nil), r.Steps...)
	c.Alerts = append([]Alert(nil), r.Alerts...)
	return &c
}

func (s *MemoryStore) SaveRun(ctx context.Context, run *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[run.RunID]
	c := copyRun(run)
	if ok && existing.Cancelled {
		// Annotation survives a late save of the same run.
		c.Cancelled = true
		c.CancelReason = existing.CancelReason
		c.CancelledAt = existing.CancelledAt
	}
	s.runs[run.RunID] = c
	return nil
}

func (s *MemoryStore) AppendStep(ctx context.Context, step *StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[step.RunID]
	if !ok {
		run = &RunRecord{RunID: step.RunID, Target: step.Target, State: RunIdle, StartedAt: step.StartedAt}
		s.runs[step.RunID] = run
	}
	run.Steps = append(run.Steps, *step)
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, nil // Not found
	}
	return copyRun(run), nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, target string, limit int) ([]*RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*RunRecord
	for _, run := range s.runs {
		if target == "" || run.Target == target {
			result = append(result, copyRun(run))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) MarkCancelled(ctx context.Context, runID string, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	run.Cancelled = true
	run.CancelReason = reason
	run.CancelledAt = &at
	return nil
}
