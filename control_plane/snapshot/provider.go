// Package snapshot talks to the systems that take disk snapshots of nodes
// before risky workflow steps.
package snapshot

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/itskum47/FleetForge/control_plane/observability"
)

// Status of a snapshot as reported by the provider.
type Status string

const (
	StatusCreating  Status = "creating"
	StatusAvailable Status = "available"
	StatusFailed    Status = "failed"
)

// DefaultPollInterval is how often WaitForCompletion asks for progress.
const DefaultPollInterval = 10 * time.Second

// Snapshot is one snapshot of a node.
type Snapshot struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	SizeGB      float64   `json:"size_gb,omitempty"`
}

// CreateResult reports the snapshot a Create call is about. AlreadyInProgress
// is set when the provider found a snapshot of the target still being taken
// and returned that one instead of starting another.
type CreateResult struct {
	SnapshotID        string `json:"snapshot_id"`
	AlreadyInProgress bool   `json:"already_in_progress"`
}

// Provider is the snapshot collaborator used by workflows.
type Provider interface {
	Create(ctx context.Context, target, description string) (*CreateResult, error)
	WaitForCompletion(ctx context.Context, target, snapshotID string, timeout time.Duration) error
	List(ctx context.Context, target string) ([]Snapshot, error)
	Delete(ctx context.Context, target, snapshotID string) error
}

// Prune deletes snapshots of target whose description starts with prefix,
// keeping the newest keep of them. Snapshots without the prefix are never
// touched. It returns the ids it deleted; a failed delete does not stop the
// remaining ones and the first error is returned.
func Prune(ctx context.Context, p Provider, target, prefix string, keep int) ([]string, error) {
	all, err := p.List(ctx, target)
	if err != nil {
		return nil, err
	}

	var ours []Snapshot
	for _, s := range all {
		if prefix != "" && strings.HasPrefix(s.Description, prefix) {
			ours = append(ours, s)
		}
	}
	if keep < 0 {
		keep = 0
	}
	if len(ours) <= keep {
		return nil, nil
	}

	sort.SliceStable(ours, func(i, j int) bool {
		return ours[i].CreatedAt.After(ours[j].CreatedAt)
	})

	var deleted []string
	var firstErr error
	for _, s := range ours[keep:] {
		if err := p.Delete(ctx, target, s.ID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		deleted = append(deleted, s.ID)
	}
	return deleted, firstErr
}

func record(provider, operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	observability.SnapshotOperations.WithLabelValues(provider, operation, outcome).Inc()
}
