// Package keys manages node registration keys on the control plane.
package keys

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/itskum47/FleetForge/control_plane/fleetapi"
	"github.com/itskum47/FleetForge/control_plane/logging"
	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/itskum47/FleetForge/control_plane/resilience"
	"github.com/rs/zerolog"
)

// MutationResult describes one key state change.
type MutationResult struct {
	NodeID   string            `json:"node_id"`
	Action   string            `json:"action"` // accept, reject, delete
	From     fleetapi.KeyState `json:"from"`
	Success  bool              `json:"success"`
	Message  string            `json:"message,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

// RemovalResult describes a full node removal. Success is KeyDeleted.
type RemovalResult struct {
	NodeID             string   `json:"node_id"`
	Online             bool     `json:"online"`
	UninstallAttempted bool     `json:"uninstall_attempted"`
	UninstallError     string   `json:"uninstall_error,omitempty"`
	KeyDeleted         bool     `json:"key_deleted"`
	Success            bool     `json:"success"`
	Warnings           []string `json:"warnings,omitempty"`
}

// Enforcer removes any trace of a key the structured delete may have left.
type Enforcer interface {
	Enforce(ctx context.Context, nodeID string) error
}

// Uninstall is the remote function run before a node's key is removed.
type Uninstall struct {
	Function string
	Args     []string
	Timeout  time.Duration
}

// Manager applies the registration state machine:
// pending -> accepted (fingerprint checked), pending -> rejected, accepted -> removed.
type Manager struct {
	api          fleetapi.API
	enforcer     Enforcer
	uninstall    *Uninstall
	pingTimeout  time.Duration
	pollAttempts uint
	pollDelay    time.Duration
	log          zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithEnforcer sets the post-delete enforcement pass.
func WithEnforcer(e Enforcer) Option {
	return func(m *Manager) { m.enforcer = e }
}

// WithUninstall sets the best-effort uninstall run by RemoveCompletely.
func WithUninstall(u Uninstall) Option {
	return func(m *Manager) { m.uninstall = &u }
}

// WithPolling tunes AwaitAccepted.
func WithPolling(attempts uint, delay time.Duration) Option {
	return func(m *Manager) {
		m.pollAttempts = attempts
		m.pollDelay = delay
	}
}

// NewManager creates a key manager.
func NewManager(api fleetapi.API, opts ...Option) *Manager {
	m := &Manager{
		api:          api,
		pingTimeout:  10 * time.Second,
		pollAttempts: 10,
		pollDelay:    time.Second,
		log:          logging.WithComponent("keys"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NormalizeFingerprint trims whitespace and lowercases fp.
func NormalizeFingerprint(fp string) string {
	return strings.ToLower(strings.TrimSpace(fp))
}

// ListAll returns the four key partitions.
func (m *Manager) ListAll(ctx context.Context) (*fleetapi.KeySets, error) {
	return m.api.ListAllKeys(ctx)
}

// FingerprintOf returns the fingerprint of id, preferring the pending
// partition so a node mid-transition shows its pre-acceptance fingerprint.
func (m *Manager) FingerprintOf(ctx context.Context, id string) (string, error) {
	fps, err := m.api.KeyFingerprint(ctx, id)
	if err != nil {
		return "", err
	}
	for _, state := range []fleetapi.KeyState{fleetapi.KeyPending, fleetapi.KeyAccepted} {
		if fp := strings.TrimSpace(fps[state]); fp != "" {
			return fp, nil
		}
	}
	return "", resilience.New(resilience.KindResourceNotFound, "keys.fingerprint", "no fingerprint for node").WithResource(id)
}

func (m *Manager) stateOf(ctx context.Context, id string) (fleetapi.KeyState, error) {
	sets, err := m.api.ListAllKeys(ctx)
	if err != nil {
		return fleetapi.KeyUnknown, err
	}
	return sets.StateOf(id), nil
}

func record(action string, res *MutationResult, err error) {
	outcome := "success"
	switch {
	case resilience.Is(err, resilience.KindFingerprintMismatch):
		outcome = "fingerprint_mismatch"
	case err != nil:
		outcome = "failure"
	case res != nil && !res.Success:
		outcome = "failure"
	}
	observability.KeyMutations.WithLabelValues(action, outcome).Inc()
}

func transitionError(op, id string, state fleetapi.KeyState, want fleetapi.KeyState) error {
	if state == fleetapi.KeyUnknown {
		return resilience.New(resilience.KindResourceNotFound, op, "node has no registration key").WithResource(id)
	}
	return resilience.Newf(resilience.KindBadRequest, op, "key is %s, expected %s", state, want).WithResource(id)
}

// AcceptWithVerification accepts a pending key only when its fingerprint
// equals expected after normalization.
func (m *Manager) AcceptWithVerification(ctx context.Context, id, expected string) (res *MutationResult, err error) {
	const op = "keys.accept"
	defer func() { record("accept", res, err) }()

	if NormalizeFingerprint(expected) == "" {
		return nil, resilience.New(resilience.KindValidation, op, "expected fingerprint is empty").WithResource(id)
	}

	state, err := m.stateOf(ctx, id)
	if err != nil {
		return nil, err
	}
	if state != fleetapi.KeyPending && state != fleetapi.KeyAccepted {
		return nil, transitionError(op, id, state, fleetapi.KeyPending)
	}

	actual, err := m.FingerprintOf(ctx, id)
	if err != nil {
		return nil, err
	}
	if NormalizeFingerprint(actual) != NormalizeFingerprint(expected) {
		m.log.Warn().Str("node_id", id).Str("state", string(state)).Msg("fingerprint mismatch, refusing to accept key")
		return nil, resilience.New(resilience.KindFingerprintMismatch, op, "fingerprint does not match").WithResource(id)
	}

	if state == fleetapi.KeyAccepted {
		return &MutationResult{
			NodeID:   id,
			Action:   "accept",
			From:     state,
			Success:  true,
			Message:  "key already accepted",
			Warnings: []string{"key was already accepted; nothing changed"},
		}, nil
	}

	if err := m.api.AcceptKey(ctx, id); err != nil {
		return nil, err
	}
	m.log.Info().Str("node_id", id).Msg("key accepted after fingerprint verification")
	return &MutationResult{NodeID: id, Action: "accept", From: state, Success: true, Message: "key accepted"}, nil
}

// Reject moves a pending key to rejected.
func (m *Manager) Reject(ctx context.Context, id string) (res *MutationResult, err error) {
	const op = "keys.reject"
	defer func() { record("reject", res, err) }()

	state, err := m.stateOf(ctx, id)
	if err != nil {
		return nil, err
	}
	if state != fleetapi.KeyPending {
		return nil, transitionError(op, id, state, fleetapi.KeyPending)
	}
	if err := m.api.RejectKey(ctx, id); err != nil {
		return nil, err
	}
	m.log.Info().Str("node_id", id).Msg("key rejected")
	return &MutationResult{NodeID: id, Action: "reject", From: state, Success: true, Message: "key rejected"}, nil
}

// Delete removes an accepted key. The structured delete is authoritative; the
// enforcement pass only adds warnings.
func (m *Manager) Delete(ctx context.Context, id string) (res *MutationResult, err error) {
	const op = "keys.delete"
	defer func() { record("delete", res, err) }()

	state, err := m.stateOf(ctx, id)
	if err != nil {
		return nil, err
	}
	if state != fleetapi.KeyAccepted {
		return nil, transitionError(op, id, state, fleetapi.KeyAccepted)
	}
	if err := m.api.DeleteKey(ctx, id); err != nil {
		return nil, err
	}

	res = &MutationResult{NodeID: id, Action: "delete", From: state, Success: true, Message: "key deleted"}
	if m.enforcer != nil {
		if err := m.enforcer.Enforce(ctx, id); err != nil {
			m.log.Warn().Err(err).Str("node_id", id).Msg("key enforcement pass failed")
			res.Warnings = append(res.Warnings, fmt.Sprintf("enforcement pass failed: %v", err))
		}
	}
	m.log.Info().Str("node_id", id).Msg("key deleted")
	return res, nil
}

// RemoveCompletely uninstalls the agent when the node answers, then deletes
// its key. Only the key deletion decides the outcome.
func (m *Manager) RemoveCompletely(ctx context.Context, id string) (*RemovalResult, error) {
	res := &RemovalResult{NodeID: id}

	res.Online = m.isOnline(ctx, id, res)
	switch {
	case m.uninstall == nil:
	case !res.Online:
		res.Warnings = append(res.Warnings, "node offline, uninstall skipped")
	default:
		res.UninstallAttempted = true
		timeout := m.uninstall.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		uctx, cancel := context.WithTimeout(ctx, timeout)
		_, err := m.api.RunFunction(uctx, id, m.uninstall.Function, m.uninstall.Args, timeout)
		cancel()
		if err != nil {
			res.UninstallError = err.Error()
			res.Warnings = append(res.Warnings, "uninstall failed: "+err.Error())
			m.log.Warn().Err(err).Str("node_id", id).Msg("best-effort uninstall failed")
		}
	}

	del, err := m.Delete(ctx, id)
	if err != nil {
		return res, err
	}
	res.KeyDeleted = true
	res.Success = true
	res.Warnings = append(res.Warnings, del.Warnings...)
	return res, nil
}

func (m *Manager) isOnline(ctx context.Context, id string, res *RemovalResult) bool {
	pctx, cancel := context.WithTimeout(ctx, m.pingTimeout)
	defer cancel()

	replies, err := m.api.Ping(pctx, id, m.pingTimeout)
	if err != nil {
		res.Warnings = append(res.Warnings, "liveness check failed: "+err.Error())
		return false
	}
	online, _ := replies[id].(bool)
	return online
}

var errNotYetAccepted = errors.New("key not yet visible as accepted")

// AwaitAccepted polls until id shows up in the accepted partition. Acceptance
// is linearizable at the control plane but becomes visible with some delay.
func (m *Manager) AwaitAccepted(ctx context.Context, id string) error {
	err := retry.Do(
		func() error {
			state, err := m.stateOf(ctx, id)
			if err != nil {
				return err
			}
			if state != fleetapi.KeyAccepted {
				return errNotYetAccepted
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(m.pollAttempts),
		retry.Delay(m.pollDelay),
		retry.MaxDelay(4*m.pollDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errNotYetAccepted) || resilience.IsTransient(err)
		}),
	)
	if errors.Is(err, errNotYetAccepted) {
		return resilience.New(resilience.KindTimeout, "keys.await_accepted", err.Error()).WithResource(id)
	}
	return err
}
