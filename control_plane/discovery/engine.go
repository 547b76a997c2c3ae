// Package discovery builds a fleet-wide status snapshot in two batched calls.
package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/itskum47/FleetForge/control_plane/fleetapi"
	"github.com/itskum47/FleetForge/control_plane/logging"
	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/rs/zerolog"
)

// FailureReason explains why a node is not online.
type FailureReason string

const (
	ReasonNone          FailureReason = ""
	ReasonNoResponse    FailureReason = "no-response"
	ReasonFalseResponse FailureReason = "false-response"
	ReasonErrorString   FailureReason = "error-string"
	ReasonUnknown       FailureReason = "unknown"
)

// wildcard selects every accepted node.
const wildcard = "*"

// NodeStatus is the discovery result for one accepted node.
type NodeStatus struct {
	ID          string         `json:"id"`
	Online      bool           `json:"online"`
	Facts       map[string]any `json:"facts,omitempty"`
	Reason      FailureReason  `json:"failure_reason,omitempty"`
	Detail      string         `json:"detail,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
}

// Snapshot is the status of every accepted node at one point in time.
type Snapshot struct {
	Nodes    []NodeStatus `json:"nodes"`
	Online   int          `json:"online"`
	Offline  int          `json:"offline"`
	Warnings []string     `json:"warnings,omitempty"`
	TakenAt  time.Time    `json:"taken_at"`
}

// Engine probes the fleet.
type Engine struct {
	api         fleetapi.API
	pingTimeout time.Duration
	now         func() time.Time
	log         zerolog.Logger
}

// NewEngine creates a discovery engine. pingTimeout bounds the liveness probe.
func NewEngine(api fleetapi.API, pingTimeout time.Duration) *Engine {
	if pingTimeout <= 0 {
		pingTimeout = 10 * time.Second
	}
	return &Engine{
		api:         api,
		pingTimeout: pingTimeout,
		now:         time.Now,
		log:         logging.WithComponent("discovery"),
	}
}

// Discover lists accepted keys, then pings and collects facts against the
// wildcard target once each. It never issues per-node calls.
func (e *Engine) Discover(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	defer func() { observability.DiscoveryDuration.Observe(time.Since(start).Seconds()) }()

	keys, err := e.api.ListAllKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	snap := &Snapshot{TakenAt: e.now()}
	if len(keys.Accepted) == 0 {
		e.record(snap)
		return snap, nil
	}

	pings, err := e.api.Ping(ctx, wildcard, e.pingTimeout)
	if err != nil {
		return nil, fmt.Errorf("ping fleet: %w", err)
	}

	facts, err := e.api.CollectFacts(ctx, wildcard)
	if err != nil {
		e.log.Warn().Err(err).Msg("fact collection failed, continuing without facts")
		snap.Warnings = append(snap.Warnings, "fact collection failed: "+err.Error())
		facts = nil
	}

	for _, id := range keys.Accepted {
		st := Classify(id, pings[id])
		st.LastChecked = snap.TakenAt
		if f, ok := facts[id].(map[string]any); ok {
			st.Facts = f
		}
		if st.Online {
			snap.Online++
		} else {
			snap.Offline++
		}
		snap.Nodes = append(snap.Nodes, st)
	}

	e.record(snap)
	e.log.Info().Int("online", snap.Online).Int("offline", snap.Offline).Msg("discovery finished")
	return snap, nil
}

func (e *Engine) record(snap *Snapshot) {
	observability.FleetNodes.WithLabelValues("online").Set(float64(snap.Online))
	observability.FleetNodes.WithLabelValues("offline").Set(float64(snap.Offline))
}

// Classify turns one ping reply into a node status. Only a literal true is online.
func Classify(id string, reply any) NodeStatus {
	st := NodeStatus{ID: id}
	switch v := reply.(type) {
	case bool:
		if v {
			st.Online = true
			return st
		}
		st.Reason = ReasonFalseResponse
	case nil:
		st.Reason = ReasonNoResponse
	case string:
		st.Reason = ReasonErrorString
		st.Detail = v
	default:
		st.Reason = ReasonUnknown
		st.Detail = fmt.Sprintf("%v", v)
	}
	return st
}
