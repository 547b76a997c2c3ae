package store

import (
	"context"
	"time"
)

// Locker provides owner-checked mutual exclusion across worker processes.
type Locker interface {
	// AcquireLock takes key for ownerID. It reports false when another owner
	// holds it.
	AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error)

	// ReleaseLock releases key only if ownerID still holds it.
	ReleaseLock(ctx context.Context, key string, ownerID string) error

	// GetLockOwner returns the current owner, or empty if free.
	GetLockOwner(ctx context.Context, key string) (string, error)
}

// RunLockKey guards workflow runs against one target.
// Format: fleetforge:lock:run:{target}
func RunLockKey(target string) string {
	return ScopedKey(ResourceLock, "run:"+target)
}
