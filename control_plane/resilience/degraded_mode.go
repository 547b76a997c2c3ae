package resilience

import (
	"sync"
	"time"

	"github.com/itskum47/FleetForge/control_plane/logging"
	"github.com/itskum47/FleetForge/control_plane/observability"
)

// Dependency names an external system the core can run without.
type Dependency string

const (
	DependencySharedStore Dependency = "shared_store"
	DependencyRunStore    Dependency = "run_store"
)

// DegradedMode tracks which dependencies are currently unreachable so callers
// can take their slower fallback path and log the transition once.
type DegradedMode struct {
	mu          sync.RWMutex
	unavailable map[Dependency]time.Time
}

// NewDegradedMode creates a tracker with every dependency available.
func NewDegradedMode() *DegradedMode {
	return &DegradedMode{
		unavailable: make(map[Dependency]time.Time),
	}
}

// MarkUnavailable records that dep failed. Only the first failure is logged.
func (d *DegradedMode) MarkUnavailable(dep Dependency, cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, already := d.unavailable[dep]; already {
		return
	}
	d.unavailable[dep] = time.Now()
	observability.DegradedMode.WithLabelValues(string(dep)).Set(1)
	logger := logging.WithComponent("degraded_mode")
	logger.Warn().Err(cause).Str("dependency", string(dep)).Msg("dependency unavailable, entering degraded mode")
}

// MarkAvailable records that dep answered again.
func (d *DegradedMode) MarkAvailable(dep Dependency) {
	d.mu.Lock()
	defer d.mu.Unlock()

	since, was := d.unavailable[dep]
	if !was {
		return
	}
	delete(d.unavailable, dep)
	observability.DegradedMode.WithLabelValues(string(dep)).Set(0)
	logger := logging.WithComponent("degraded_mode")
	logger.Info().Str("dependency", string(dep)).Dur("outage", time.Since(since)).Msg("dependency recovered, leaving degraded mode")
}

// IsAvailable reports whether dep is currently considered reachable.
func (d *DegradedMode) IsAvailable(dep Dependency) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, down := d.unavailable[dep]
	return !down
}

// Active reports whether any dependency is degraded.
func (d *DegradedMode) Active() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.unavailable) > 0
}
