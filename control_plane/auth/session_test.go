package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/itskum47/FleetForge/control_plane/resilience"
	"github.com/itskum47/FleetForge/control_plane/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuthenticator struct {
	calls int32
	delay time.Duration
	ttl   time.Duration
	err   error
	now   func() time.Time
}

func (f *fakeAuthenticator) Login(ctx context.Context, creds Credentials) (*Session, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	now := time.Now
	if f.now != nil {
		now = f.now
	}
	return &Session{Token: "tok-" + string(rune('0'+n)), Expiry: now().Add(f.ttl)}, nil
}

type brokenKV struct{}

var errStoreDown = errors.New("dial tcp 127.0.0.1:6379: connection refused")

func (brokenKV) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, errStoreDown
}

func (brokenKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return errStoreDown
}

func (brokenKV) Delete(ctx context.Context, key string) error {
	return errStoreDown
}

func TestConcurrentCallersShareOneLogin(t *testing.T) {
	authn := &fakeAuthenticator{ttl: time.Hour, delay: 20 * time.Millisecond}
	m := NewManager(authn, Credentials{Username: "svc"}, store.NewMemoryStore())

	const callers = 50
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.Token(context.Background())
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&authn.calls))
	for _, tok := range tokens {
		assert.Equal(t, tokens[0], tok)
	}
}

func TestRefreshWithinSafetyMargin(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	mem := store.NewMemoryStore()
	mem.SetClock(clock)
	authn := &fakeAuthenticator{ttl: 10 * time.Minute, now: clock}
	m := NewManager(authn, Credentials{}, mem, WithClock(clock), WithSafetyMargin(time.Minute))

	first, err := m.Token(context.Background())
	require.NoError(t, err)

	now = now.Add(8 * time.Minute)
	again, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// Inside the margin: refresh even though the token has not expired yet.
	now = now.Add(90 * time.Second)
	fresh, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, fresh)
	assert.Equal(t, int32(2), atomic.LoadInt32(&authn.calls))
}

func TestTokenWrittenByAnotherProcessIsReused(t *testing.T) {
	mem := store.NewMemoryStore()
	other := NewManager(&fakeAuthenticator{ttl: time.Hour}, Credentials{}, mem)
	_, err := other.Authenticate(context.Background())
	require.NoError(t, err)

	authn := &fakeAuthenticator{ttl: time.Hour}
	m := NewManager(authn, Credentials{}, mem)
	_, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&authn.calls))
}

func TestStoredTokenExpiresWithSession(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	mem := store.NewMemoryStore()
	mem.SetClock(clock)
	m := NewManager(&fakeAuthenticator{ttl: 5 * time.Minute, now: clock}, Credentials{}, mem, WithClock(clock))

	_, err := m.Authenticate(context.Background())
	require.NoError(t, err)

	now = now.Add(5 * time.Minute)
	_, ok, err := mem.Get(context.Background(), store.SessionKey("default"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidateForcesLogin(t *testing.T) {
	authn := &fakeAuthenticator{ttl: time.Hour}
	m := NewManager(authn, Credentials{}, store.NewMemoryStore())
	ctx := context.Background()

	_, err := m.Token(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Invalidate(ctx))
	_, err = m.Token(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&authn.calls))
}

func TestDegradedStoreLogsInPerCall(t *testing.T) {
	authn := &fakeAuthenticator{ttl: time.Hour}
	degraded := resilience.NewDegradedMode()
	m := NewManager(authn, Credentials{}, brokenKV{}, WithDegradedMode(degraded))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tok, err := m.Token(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, tok)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&authn.calls))
	assert.False(t, degraded.IsAvailable(resilience.DependencySharedStore))
}

func TestLoginFailureIsAuthenticationError(t *testing.T) {
	authn := &fakeAuthenticator{err: errors.New("invalid credentials")}
	m := NewManager(authn, Credentials{}, store.NewMemoryStore())

	_, err := m.Token(context.Background())
	require.Error(t, err)
	assert.True(t, resilience.Is(err, resilience.KindAuthentication))
	assert.False(t, resilience.IsTransient(err))
}

func TestLoginTransportFailureStaysTransient(t *testing.T) {
	authn := &fakeAuthenticator{err: resilience.New(resilience.KindConnection, "login", "refused")}
	m := NewManager(authn, Credentials{}, store.NewMemoryStore())

	_, err := m.Token(context.Background())
	require.Error(t, err)
	assert.True(t, resilience.Is(err, resilience.KindConnection))
}

func TestExpiredSessionFromLoginIsRejected(t *testing.T) {
	authn := &fakeAuthenticator{ttl: -time.Second}
	mem := store.NewMemoryStore()
	m := NewManager(authn, Credentials{}, mem)

	tok, err := m.Token(context.Background())
	require.Error(t, err)
	assert.Empty(t, tok)
	assert.True(t, resilience.Is(err, resilience.KindAuthentication))

	_, ok, err := mem.Get(context.Background(), store.SessionKey("default"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestShortSessionIsReusedWithinHalfItsLifetime(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	mem := store.NewMemoryStore()
	mem.SetClock(clock)
	authn := &fakeAuthenticator{ttl: 30 * time.Second, now: clock}
	m := NewManager(authn, Credentials{}, mem, WithClock(clock))
	ctx := context.Background()

	first, err := m.Token(ctx)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		tok, err := m.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, first, tok)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&authn.calls))

	now = now.Add(16 * time.Second)
	fresh, err := m.Token(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, fresh)
	assert.Equal(t, int32(2), atomic.LoadInt32(&authn.calls))
}
