// Package fleettest provides an in-memory control plane for tests.
package fleettest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/itskum47/FleetForge/control_plane/fleetapi"
	"github.com/itskum47/FleetForge/control_plane/resilience"
)

// Call records one API invocation.
type Call struct {
	Method   string
	Target   string
	Function string
	Args     []string
	Timeout  time.Duration
}

// RunHandler answers RunFunction calls.
type RunHandler func(ctx context.Context, target, function string, args []string) (*fleetapi.RunReturn, error)

// API is a thread-safe fake of fleetapi.API. Keys move between partitions
// the way the real control plane moves them.
type API struct {
	mu           sync.Mutex
	partitions   map[string]fleetapi.KeyState
	fingerprints map[string]string
	calls        []Call

	PingReplies map[string]any
	PingErr     error
	Facts       map[string]any
	FactsErr    error
	Run         RunHandler
	ListErr     error
	MutateErr   error
}

var _ fleetapi.API = (*API)(nil)

// New returns an empty fake control plane.
func New() *API {
	return &API{
		partitions:   make(map[string]fleetapi.KeyState),
		fingerprints: make(map[string]string),
		PingReplies:  make(map[string]any),
		Facts:        make(map[string]any),
	}
}

// AddKey registers id in state with fingerprint fp.
func (a *API) AddKey(id string, state fleetapi.KeyState, fp string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.partitions[id] = state
	a.fingerprints[id] = fp
}

// State returns the partition of id.
func (a *API) State(id string) fleetapi.KeyState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.partitions[id]; ok {
		return s
	}
	return fleetapi.KeyUnknown
}

// Calls returns a copy of the recorded calls.
func (a *API) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Call(nil), a.calls...)
}

// CountCalls returns how many calls used method.
func (a *API) CountCalls(method string) int {
	n := 0
	for _, c := range a.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (a *API) record(c Call) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, c)
}

func (a *API) ListAllKeys(ctx context.Context) (*fleetapi.KeySets, error) {
	a.record(Call{Method: "ListAllKeys"})
	if a.ListErr != nil {
		return nil, a.ListErr
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	sets := &fleetapi.KeySets{}
	for id, st := range a.partitions {
		switch st {
		case fleetapi.KeyAccepted:
			sets.Accepted = append(sets.Accepted, id)
		case fleetapi.KeyPending:
			sets.Pending = append(sets.Pending, id)
		case fleetapi.KeyRejected:
			sets.Rejected = append(sets.Rejected, id)
		case fleetapi.KeyDenied:
			sets.Denied = append(sets.Denied, id)
		}
	}
	for _, s := range [][]string{sets.Accepted, sets.Pending, sets.Rejected, sets.Denied} {
		sort.Strings(s)
	}
	return sets, nil
}

func (a *API) KeyFingerprint(ctx context.Context, id string) (fleetapi.Fingerprints, error) {
	a.record(Call{Method: "KeyFingerprint", Target: id})
	a.mu.Lock()
	defer a.mu.Unlock()
	fps := fleetapi.Fingerprints{}
	if st, ok := a.partitions[id]; ok && a.fingerprints[id] != "" {
		fps[st] = a.fingerprints[id]
	}
	return fps, nil
}

func (a *API) move(method, id string, from fleetapi.KeyState, to fleetapi.KeyState) error {
	a.record(Call{Method: method, Target: id})
	if a.MutateErr != nil {
		return a.MutateErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.partitions[id] != from {
		return resilience.Newf(resilience.KindBadRequest, method, "key %s is not %s", id, from)
	}
	if to == fleetapi.KeyUnknown {
		delete(a.partitions, id)
		delete(a.fingerprints, id)
		return nil
	}
	a.partitions[id] = to
	return nil
}

func (a *API) AcceptKey(ctx context.Context, id string) error {
	return a.move("AcceptKey", id, fleetapi.KeyPending, fleetapi.KeyAccepted)
}

func (a *API) RejectKey(ctx context.Context, id string) error {
	return a.move("RejectKey", id, fleetapi.KeyPending, fleetapi.KeyRejected)
}

func (a *API) DeleteKey(ctx context.Context, id string) error {
	return a.move("DeleteKey", id, fleetapi.KeyAccepted, fleetapi.KeyUnknown)
}

func (a *API) Ping(ctx context.Context, target string, timeout time.Duration) (map[string]any, error) {
	a.record(Call{Method: "Ping", Target: target, Timeout: timeout})
	if a.PingErr != nil {
		return nil, a.PingErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]any)
	for id, v := range a.PingReplies {
		if target == "*" || target == id {
			out[id] = v
		}
	}
	return out, nil
}

func (a *API) CollectFacts(ctx context.Context, target string) (map[string]any, error) {
	a.record(Call{Method: "CollectFacts", Target: target})
	if a.FactsErr != nil {
		return nil, a.FactsErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]any, len(a.Facts))
	for id, v := range a.Facts {
		out[id] = v
	}
	return out, nil
}

func (a *API) RunFunction(ctx context.Context, target, function string, args []string, timeout time.Duration) (*fleetapi.RunReturn, error) {
	a.record(Call{Method: "RunFunction", Target: target, Function: function, Args: args, Timeout: timeout})
	if a.Run == nil {
		return &fleetapi.RunReturn{Targets: map[string]any{}}, nil
	}
	return a.Run(ctx, target, function, args)
}
