package resilience

import (
	"context"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// BackoffStrategy selects how the delay grows between attempts.
type BackoffStrategy int

const (
	BackoffNone BackoffStrategy = iota
	BackoffFixed
	BackoffExponential
)

// Policy describes how a failure kind is retried.
// MaxAttempts counts the first try, so 1 means "never retried".
type Policy struct {
	Retryable   bool
	MaxAttempts int
	Backoff     BackoffStrategy
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

var permanent = Policy{Retryable: false, MaxAttempts: 1, Backoff: BackoffNone}

var policies = map[Kind]Policy{
	// The single retry after token invalidation happens inside the API client.
	KindAuthentication: permanent,

	KindConnection: {Retryable: true, MaxAttempts: 5, Backoff: BackoffExponential, BaseDelay: 1 * time.Second, MaxDelay: 30 * time.Second},
	KindNetwork:    {Retryable: true, MaxAttempts: 5, Backoff: BackoffExponential, BaseDelay: 1 * time.Second, MaxDelay: 30 * time.Second},
	KindTimeout:    {Retryable: true, MaxAttempts: 3, Backoff: BackoffExponential, BaseDelay: 5 * time.Second, MaxDelay: 60 * time.Second},
	KindDNS:        {Retryable: true, MaxAttempts: 3, Backoff: BackoffExponential, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second},

	KindRateLimit: {Retryable: true, MaxAttempts: 5, Backoff: BackoffExponential, BaseDelay: 30 * time.Second, MaxDelay: 5 * time.Minute},

	KindServiceUnavailable: {Retryable: true, MaxAttempts: 4, Backoff: BackoffExponential, BaseDelay: 5 * time.Second, MaxDelay: 60 * time.Second},
	KindGatewayTimeout:     {Retryable: true, MaxAttempts: 3, Backoff: BackoffExponential, BaseDelay: 10 * time.Second, MaxDelay: 2 * time.Minute},

	KindConfiguration:       permanent,
	KindValidation:          permanent,
	KindResourceNotFound:    permanent,
	KindBadRequest:          permanent,
	KindFingerprintMismatch: permanent,
	KindUnknown:             permanent,
}

// PolicyFor returns the retry policy for kind.
func PolicyFor(kind Kind) Policy {
	if p, ok := policies[kind]; ok {
		return p
	}
	return permanent
}

// Delay returns the wait before retry number n (1-based).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	switch p.Backoff {
	case BackoffFixed:
		return p.BaseDelay
	case BackoffExponential:
		d := p.BaseDelay
		for i := 1; i < n; i++ {
			d *= 2
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				return p.MaxDelay
			}
		}
		if p.MaxDelay > 0 && d > p.MaxDelay {
			return p.MaxDelay
		}
		return d
	default:
		return 0
	}
}

// maxBudget is the largest attempt budget in the table.
func maxBudget() uint {
	var m int
	for _, p := range policies {
		if p.MaxAttempts > m {
			m = p.MaxAttempts
		}
	}
	return uint(m)
}

// Options tune Do. Scale multiplies every delay and exists so tests can
// run the real policy table without sleeping.
type Options struct {
	Scale float64
}

// Do runs fn, retrying transient failures according to the policy table.
// Each kind is held to its own attempt budget; permanent kinds return at once.
func Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return DoWithOptions(ctx, Options{Scale: 1}, fn)
}

// DoWithOptions is Do with explicit options.
func DoWithOptions(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	attemptsByKind := make(map[Kind]int)
	scale := opts.Scale
	if scale <= 0 {
		scale = 1
	}

	return retry.Do(
		func() error {
			return fn(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(maxBudget()),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			kind := KindOf(err)
			p := PolicyFor(kind)
			if !p.Retryable {
				return false
			}
			attemptsByKind[kind]++
			return attemptsByKind[kind] < p.MaxAttempts
		}),
		retry.DelayType(func(n uint, err error, _ *retry.Config) time.Duration {
			kind := KindOf(err)
			d := PolicyFor(kind).Delay(attemptsByKind[kind])
			return time.Duration(float64(d) * scale)
		}),
	)
}
