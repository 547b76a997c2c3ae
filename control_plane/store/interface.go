package store

import (
	"context"
	"errors"
	"time"
)

// ErrRunNotFound is returned when a run id has no record.
var ErrRunNotFound = errors.New("run not found")

// KV is the key-value surface shared by every worker process.
type KV interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value; a positive ttl makes the key expire on its own.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	Delete(ctx context.Context, key string) error
}

// WindowCounter backs the sliding window rate limiter.
type WindowCounter interface {
	// IncrWindow atomically increments curKey and returns the new value of
	// curKey together with the current value of prevKey. curKey expires
	// after ttl once created.
	IncrWindow(ctx context.Context, curKey, prevKey string, ttl time.Duration) (cur int64, prev int64, err error)

	// ReadWindow returns both counters without modifying them.
	ReadWindow(ctx context.Context, curKey, prevKey string) (cur int64, prev int64, err error)

	// DecrWindow rolls back one increment of key.
	DecrWindow(ctx context.Context, key string) error
}

// SharedStore is what the Redis-backed store provides to the core.
type SharedStore interface {
	KV
	WindowCounter
	Ping(ctx context.Context) error
}

// RunStore persists workflow run records and their audit steps.
type RunStore interface {
	SaveRun(ctx context.Context, run *RunRecord) error
	AppendStep(ctx context.Context, step *StepRecord) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	ListRuns(ctx context.Context, target string, limit int) ([]*RunRecord, error)

	// MarkCancelled annotates a finished run. It never touches steps.
	MarkCancelled(ctx context.Context, runID string, reason string, at time.Time) error
}
