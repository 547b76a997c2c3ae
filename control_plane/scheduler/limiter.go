package scheduler

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/itskum47/FleetForge/control_plane/store"
	"golang.org/x/time/rate"
)

// Decision is the outcome of a sliding window check.
type Decision struct {
	Allowed    bool
	Estimate   float64       // weighted request count including this one when allowed
	Remaining  int           // whole requests left in the current estimate
	RetryAfter time.Duration // zero when allowed
}

// SlidingWindowLimiter counts requests per scope across every process sharing
// the store. The estimate weights the previous fixed window by how much of it
// still overlaps the sliding window:
//
//	estimate = previous * (1 - elapsed/window) + current
type SlidingWindowLimiter struct {
	counter store.WindowCounter
	limit   int
	window  time.Duration
	now     func() time.Time
}

// NewSlidingWindowLimiter allows limit requests per window for each scope.
func NewSlidingWindowLimiter(counter store.WindowCounter, limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		counter: counter,
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (l *SlidingWindowLimiter) SetClock(now func() time.Time) {
	l.now = now
}

// windows returns the current and previous window keys and how far into the
// current window now is.
func (l *SlidingWindowLimiter) windows(scope string) (curKey, prevKey string, elapsed time.Duration) {
	now := l.now()
	size := l.window.Nanoseconds()
	start := now.UnixNano() / size * size
	elapsed = time.Duration(now.UnixNano() - start)

	curKey = store.WindowKey(scope, start/int64(time.Second))
	prevKey = store.WindowKey(scope, (start-size)/int64(time.Second))
	return curKey, prevKey, elapsed
}

func (l *SlidingWindowLimiter) estimate(cur, prev int64, elapsed time.Duration) float64 {
	weight := 1 - float64(elapsed)/float64(l.window)
	return float64(prev)*weight + float64(cur)
}

// Allow records one request for scope and reports whether it fits the limit.
// A denied request is rolled back so it does not count against later callers.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, scope string) (Decision, error) {
	curKey, prevKey, elapsed := l.windows(scope)

	// Counters outlive their window by one more window so they can serve as "previous".
	cur, prev, err := l.counter.IncrWindow(ctx, curKey, prevKey, 2*l.window)
	if err != nil {
		return Decision{}, err
	}

	est := l.estimate(cur, prev, elapsed)
	if est <= float64(l.limit) {
		return Decision{
			Allowed:   true,
			Estimate:  est,
			Remaining: int(math.Floor(float64(l.limit) - est)),
		}, nil
	}

	if err := l.counter.DecrWindow(ctx, curKey); err != nil {
		return Decision{}, err
	}
	observability.RateLimited.WithLabelValues(scope).Inc()

	return Decision{
		Allowed:    false,
		Estimate:   l.estimate(cur-1, prev, elapsed),
		RetryAfter: l.retryAfter(cur-1, prev, elapsed),
	}, nil
}

// Peek returns the current estimate for scope without recording a request.
func (l *SlidingWindowLimiter) Peek(ctx context.Context, scope string) (Decision, error) {
	curKey, prevKey, elapsed := l.windows(scope)
	cur, prev, err := l.counter.ReadWindow(ctx, curKey, prevKey)
	if err != nil {
		return Decision{}, err
	}
	est := l.estimate(cur, prev, elapsed)
	d := Decision{Allowed: est+1 <= float64(l.limit), Estimate: est}
	if d.Allowed {
		d.Remaining = int(math.Floor(float64(l.limit) - est))
	} else {
		d.RetryAfter = l.retryAfter(cur, prev, elapsed)
	}
	return d, nil
}

// retryAfter estimates when one more request would fit, assuming no other traffic.
func (l *SlidingWindowLimiter) retryAfter(cur, prev int64, elapsed time.Duration) time.Duration {
	remaining := l.window - elapsed
	if cur+1 > int64(l.limit) || prev == 0 {
		// Only the next window helps.
		return remaining
	}
	// prev * (1 - t/window) + cur + 1 <= limit, solved for t.
	need := float64(prev) - float64(int64(l.limit)-cur-1)
	t := time.Duration(need / float64(prev) * float64(l.window))
	if t <= elapsed {
		return 0
	}
	return t - elapsed
}

// TokenBucketLimiter paces work per key inside one process.
type TokenBucketLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit
	b        int
}

// NewTokenBucketLimiter creates a new limiter with rate r tokens per second and burst b.
func NewTokenBucketLimiter(r float64, b int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

func (l *TokenBucketLimiter) get(key string) *rate.Limiter {
	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = limiter
	}
	return limiter
}

// Allow checks if the key is allowed to proceed.
func (l *TokenBucketLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(key).Allow()
}

// Reserve checks permission and returns a delay if limit is exceeded.
func (l *TokenBucketLimiter) Reserve(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.get(key).Reserve()
	delay := r.Delay()
	if delay > 0 {
		r.Cancel() // We are just checking, so cancel the reservation
		return false, delay
	}
	return true, 0
}
