// Package auth keeps one control-plane session token valid for every worker
// that shares the store.
package auth

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/itskum47/FleetForge/control_plane/logging"
	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/itskum47/FleetForge/control_plane/resilience"
	"github.com/itskum47/FleetForge/control_plane/store"
	"github.com/rs/zerolog"
)

// DefaultSafetyMargin is how long before expiry a token is treated as stale.
const DefaultSafetyMargin = 60 * time.Second

// Session is a control-plane token and the instant it stops being valid.
type Session struct {
	Token  string    `json:"token"`
	Expiry time.Time `json:"expiry"`
	Issued time.Time `json:"issued,omitempty"`
}

// Credentials are sent to the login endpoint.
type Credentials struct {
	Username string
	Password string
	Backend  string // external auth backend, e.g. "pam"
}

// Authenticator performs the actual login call.
type Authenticator interface {
	Login(ctx context.Context, creds Credentials) (*Session, error)
}

// Manager hands out session tokens. Refresh happens at most once at a time per
// process: callers check the store, take the lock, check the store again and
// only then log in.
type Manager struct {
	authn    Authenticator
	creds    Credentials
	kv       store.KV
	key      string
	margin   time.Duration
	degraded *resilience.DegradedMode
	now      func() time.Time
	log      zerolog.Logger

	mu sync.Mutex // held for the whole refresh, including the login call
}

// Option configures a Manager.
type Option func(*Manager)

// WithSafetyMargin overrides DefaultSafetyMargin.
func WithSafetyMargin(d time.Duration) Option {
	return func(m *Manager) { m.margin = d }
}

// WithScope keys the shared token by scope, so several control planes can share one store.
func WithScope(scope string) Option {
	return func(m *Manager) { m.key = store.SessionKey(scope) }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithDegradedMode shares a dependency tracker with other components.
func WithDegradedMode(d *resilience.DegradedMode) Option {
	return func(m *Manager) { m.degraded = d }
}

// NewManager creates a session manager backed by kv.
func NewManager(authn Authenticator, creds Credentials, kv store.KV, opts ...Option) *Manager {
	m := &Manager{
		authn:    authn,
		creds:    creds,
		kv:       kv,
		key:      store.SessionKey("default"),
		margin:   DefaultSafetyMargin,
		degraded: resilience.NewDegradedMode(),
		now:      time.Now,
		log:      logging.WithComponent("auth"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// usable reports whether s stays valid past the safety margin. The margin
// never exceeds half the session's lifetime, so short sessions are still
// reused instead of forcing a login on every call.
func (m *Manager) usable(s *Session) bool {
	if s == nil || s.Token == "" {
		return false
	}
	margin := m.margin
	if !s.Issued.IsZero() {
		if half := s.Expiry.Sub(s.Issued) / 2; half < margin {
			margin = half
		}
	}
	return m.now().Add(margin).Before(s.Expiry)
}

// load reads the shared session. A nil session with a nil error means "absent".
func (m *Manager) load(ctx context.Context) (*Session, error) {
	raw, ok, err := m.kv.Get(ctx, m.key)
	if err != nil {
		m.degraded.MarkUnavailable(resilience.DependencySharedStore, err)
		return nil, err
	}
	m.degraded.MarkAvailable(resilience.DependencySharedStore)
	if !ok {
		return nil, nil
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		m.log.Warn().Err(err).Msg("discarding unreadable session from store")
		return nil, nil
	}
	return &s, nil
}

// Token returns a token that is valid for at least the safety margin.
func (m *Manager) Token(ctx context.Context) (string, error) {
	s, err := m.load(ctx)
	if err == nil && m.usable(s) {
		observability.AuthTokenLookups.WithLabelValues("store").Inc()
		return s.Token, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		// Store unreachable: log in for this call. The lock still limits the
		// process to one login in flight.
		observability.AuthTokenLookups.WithLabelValues("degraded").Inc()
		s, err := m.login(ctx)
		if err != nil {
			return "", err
		}
		return s.Token, nil
	}

	// Another worker may have refreshed while we waited for the lock.
	if s, err := m.load(ctx); err == nil && m.usable(s) {
		observability.AuthTokenLookups.WithLabelValues("store_after_lock").Inc()
		return s.Token, nil
	}

	observability.AuthTokenLookups.WithLabelValues("login").Inc()
	s, err = m.authenticateLocked(ctx)
	if err != nil {
		return "", err
	}
	return s.Token, nil
}

// Authenticate logs in and publishes the new session to the store.
func (m *Manager) Authenticate(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticateLocked(ctx)
}

func (m *Manager) authenticateLocked(ctx context.Context) (*Session, error) {
	s, err := m.login(ctx)
	if err != nil {
		return nil, err
	}

	ttl := s.Expiry.Sub(m.now())
	payload, _ := json.Marshal(s)
	if err := m.kv.Set(ctx, m.key, string(payload), ttl); err != nil {
		m.degraded.MarkUnavailable(resilience.DependencySharedStore, err)
		m.log.Warn().Err(err).Msg("could not share session token, continuing with local copy")
	}
	return s, nil
}

func (m *Manager) login(ctx context.Context) (*Session, error) {
	start := m.now()
	s, err := m.authn.Login(ctx, m.creds)
	observability.AuthLoginDuration.Observe(m.now().Sub(start).Seconds())

	if err != nil {
		observability.AuthLogins.WithLabelValues("failure").Inc()
		// Transport trouble keeps its transient kind so the caller may retry.
		if resilience.IsTransient(err) {
			return nil, err
		}
		if resilience.Is(err, resilience.KindAuthentication) {
			return nil, err
		}
		return nil, resilience.Wrap(resilience.KindAuthentication, "auth.login", err)
	}
	if s == nil || s.Token == "" {
		observability.AuthLogins.WithLabelValues("failure").Inc()
		return nil, resilience.New(resilience.KindAuthentication, "auth.login", "login returned no token")
	}
	if !s.Expiry.After(m.now()) {
		observability.AuthLogins.WithLabelValues("failure").Inc()
		m.log.Warn().Time("expiry", s.Expiry).Msg("login returned an already expired session")
		return nil, resilience.Newf(resilience.KindAuthentication, "auth.login", "session expired at %s before it could be used", s.Expiry.UTC().Format(time.RFC3339))
	}
	if s.Issued.IsZero() || s.Issued.After(m.now()) {
		s.Issued = start
	}

	observability.AuthLogins.WithLabelValues("success").Inc()
	m.log.Info().Str("user", m.creds.Username).Time("expiry", s.Expiry).Msg("authenticated against control plane")
	return s, nil
}

// Invalidate drops the shared token so the next Token call logs in again.
func (m *Manager) Invalidate(ctx context.Context) error {
	if err := m.kv.Delete(ctx, m.key); err != nil {
		m.degraded.MarkUnavailable(resilience.DependencySharedStore, err)
		return resilience.Wrap(resilience.KindConnection, "auth.invalidate", err)
	}
	return nil
}
