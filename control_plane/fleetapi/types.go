// Package fleetapi talks to the remote configuration-management control plane.
package fleetapi

import (
	"context"
	"time"

	"github.com/itskum47/FleetForge/control_plane/auth"
	"github.com/itskum47/FleetForge/control_plane/scheduler"
)

// KeyState is the registration partition a node key lives in.
type KeyState string

const (
	KeyPending  KeyState = "pending"
	KeyAccepted KeyState = "accepted"
	KeyRejected KeyState = "rejected"
	KeyDenied   KeyState = "denied"
	KeyUnknown  KeyState = "unknown"
)

// KeySets holds the four disjoint key partitions.
type KeySets struct {
	Accepted []string `json:"accepted"`
	Pending  []string `json:"pending"`
	Rejected []string `json:"rejected"`
	Denied   []string `json:"denied"`
}

// StateOf returns the partition containing id.
func (k *KeySets) StateOf(id string) KeyState {
	for _, p := range []struct {
		ids   []string
		state KeyState
	}{
		{k.Pending, KeyPending},
		{k.Accepted, KeyAccepted},
		{k.Rejected, KeyRejected},
		{k.Denied, KeyDenied},
	} {
		for _, v := range p.ids {
			if v == id {
				return p.state
			}
		}
	}
	return KeyUnknown
}

// Fingerprints maps each partition that knows the key to its fingerprint.
type Fingerprints map[KeyState]string

// RunReturn is the raw per-target data of a function call. It may accompany
// a non-nil error when the control plane reported failure for the call as a
// whole but some targets still answered.
type RunReturn struct {
	Targets map[string]any
}

// API is the control-plane surface the core consumes.
type API interface {
	ListAllKeys(ctx context.Context) (*KeySets, error)
	KeyFingerprint(ctx context.Context, id string) (Fingerprints, error)
	AcceptKey(ctx context.Context, id string) error
	RejectKey(ctx context.Context, id string) error
	DeleteKey(ctx context.Context, id string) error

	// Ping returns id -> true|false|nil|error string for every matched target.
	Ping(ctx context.Context, target string, timeout time.Duration) (map[string]any, error)
	// CollectFacts returns id -> fact mapping for every matched target.
	CollectFacts(ctx context.Context, target string) (map[string]any, error)
	RunFunction(ctx context.Context, target, function string, args []string, timeout time.Duration) (*RunReturn, error)
}

// TokenSource supplies and invalidates session tokens.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate(ctx context.Context) error
}

// Limiter guards outbound call volume.
type Limiter interface {
	Allow(ctx context.Context, scope string) (scheduler.Decision, error)
}

var (
	_ auth.Authenticator = (*Client)(nil)
	_ API                = (*Client)(nil)
	_ TokenSource        = (*auth.Manager)(nil)
	_ Limiter            = (*scheduler.SlidingWindowLimiter)(nil)
)
