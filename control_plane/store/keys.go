package store

import (
	"fmt"
)

// Resource type for Redis keys
type Resource string

const (
	ResourceSession   Resource = "session"
	ResourceRateLimit Resource = "ratelimit"
	ResourceLock      Resource = "lock"
)

const keyspace = "fleetforge"

// ScopedKey constructs a fully qualified Redis key for a scoped resource.
// Format: fleetforge:{resource}:{scope}
func ScopedKey(resource Resource, scope string) string {
	return fmt.Sprintf("%s:%s:%s", keyspace, resource, scope)
}

// SessionKey is where the shared control-plane token for scope lives.
func SessionKey(scope string) string {
	return ScopedKey(ResourceSession, scope)
}

// WindowKey names the counter of one fixed rate-limit window.
// Format: fleetforge:ratelimit:{scope}:{windowStartUnix}
func WindowKey(scope string, windowStart int64) string {
	return fmt.Sprintf("%s:%d", ScopedKey(ResourceRateLimit, scope), windowStart)
}
