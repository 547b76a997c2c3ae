package fleetapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/itskum47/FleetForge/control_plane/auth"
	"github.com/itskum47/FleetForge/control_plane/resilience"
	"github.com/itskum47/FleetForge/control_plane/scheduler"
	"github.com/itskum47/FleetForge/control_plane/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeControlPlane serves /login and / in the salt-api shape.
type fakeControlPlane struct {
	logins   int32
	validTok atomic.Value // string
	reject   int32        // number of upcoming authed calls to answer with 401
	handler  func(low map[string]any) (int, any)
}

func (f *fakeControlPlane) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/login":
		n := atomic.AddInt32(&f.logins, 1)
		tok := "tok-" + string(rune('a'+n-1))
		f.validTok.Store(tok)
		writeJSON(w, http.StatusOK, map[string]any{"return": []any{map[string]any{
			"token":  tok,
			"expire": float64(time.Now().Add(time.Hour).Unix()),
		}}})
	case "/":
		if atomic.AddInt32(&f.reject, -1) >= 0 || r.Header.Get("X-Auth-Token") != f.validTok.Load() {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var lows []map[string]any
		if err := json.NewDecoder(r.Body).Decode(&lows); err != nil || len(lows) != 1 {
			http.Error(w, "bad lowstate", http.StatusBadRequest)
			return
		}
		status, body := f.handler(lows[0])
		writeJSON(w, status, body)
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func wheelReply(ret any) (int, any) {
	return http.StatusOK, map[string]any{"return": []any{map[string]any{
		"data": map[string]any{"return": ret, "success": true},
	}}}
}

func newTestClient(t *testing.T, cp *fakeControlPlane, opts ...Option) *Client {
	t.Helper()
	cp.validTok.Store("")
	srv := httptest.NewServer(cp)
	t.Cleanup(srv.Close)

	base := NewClient(srv.URL, opts...)
	mgr := auth.NewManager(base, auth.Credentials{Username: "svc", Password: "pw", Backend: "pam"}, store.NewMemoryStore())
	return base.WithTokens(mgr)
}

func TestListAllKeys(t *testing.T) {
	cp := &fakeControlPlane{handler: func(low map[string]any) (int, any) {
		assert.Equal(t, "wheel", low["client"])
		assert.Equal(t, "key.list_all", low["fun"])
		return wheelReply(map[string]any{
			"minions":          []string{"web-01", "web-02"},
			"minions_pre":      []string{"db-01"},
			"minions_rejected": []string{},
			"minions_denied":   []string{"evil"},
		})
	}}
	c := newTestClient(t, cp)

	keys, err := c.ListAllKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"web-01", "web-02"}, keys.Accepted)
	assert.Equal(t, []string{"db-01"}, keys.Pending)
	assert.Empty(t, keys.Rejected)
	assert.Equal(t, KeyDenied, keys.StateOf("evil"))
	assert.Equal(t, KeyUnknown, keys.StateOf("ghost"))
}

func TestMalformedKeyPartitionIsBadRequest(t *testing.T) {
	cp := &fakeControlPlane{handler: func(low map[string]any) (int, any) {
		return wheelReply(map[string]any{
			"minions":     map[string]any{"web-01": true},
			"minions_pre": []string{"db-01"},
		})
	}}
	c := newTestClient(t, cp)

	keys, err := c.ListAllKeys(context.Background())
	require.Error(t, err)
	assert.Nil(t, keys)
	assert.True(t, resilience.Is(err, resilience.KindBadRequest))
	assert.Contains(t, err.Error(), "minions partition")
}

func TestUnauthorizedRetriesExactlyOnce(t *testing.T) {
	cp := &fakeControlPlane{handler: func(low map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"return": []any{map[string]any{"web-01": true}}}
	}}
	c := newTestClient(t, cp)
	ctx := context.Background()

	_, err := c.Ping(ctx, "*", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&cp.logins))

	atomic.StoreInt32(&cp.reject, 1)
	res, err := c.Ping(ctx, "*", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, true, res["web-01"])
	assert.Equal(t, int32(2), atomic.LoadInt32(&cp.logins), "401 should invalidate and log in again")
}

func TestRepeatedUnauthorizedIsAuthenticationError(t *testing.T) {
	cp := &fakeControlPlane{handler: func(low map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"return": []any{map[string]any{}}}
	}}
	c := newTestClient(t, cp)

	atomic.StoreInt32(&cp.reject, 5)
	_, err := c.Ping(context.Background(), "*", time.Second)
	require.Error(t, err)
	assert.True(t, resilience.Is(err, resilience.KindAuthentication))
	assert.Equal(t, int32(2), atomic.LoadInt32(&cp.logins))
}

func TestStatusMapping(t *testing.T) {
	cases := map[int]resilience.Kind{
		http.StatusNotFound:            resilience.KindResourceNotFound,
		http.StatusTooManyRequests:     resilience.KindRateLimit,
		http.StatusServiceUnavailable:  resilience.KindServiceUnavailable,
		http.StatusGatewayTimeout:      resilience.KindGatewayTimeout,
		http.StatusUnprocessableEntity: resilience.KindBadRequest,
	}
	for status, want := range cases {
		status := status
		cp := &fakeControlPlane{handler: func(low map[string]any) (int, any) {
			return status, map[string]any{"error": "nope"}
		}}
		c := newTestClient(t, cp)
		_, err := c.ListAllKeys(context.Background())
		require.Error(t, err, "status %d", status)
		assert.Equal(t, want, resilience.KindOf(err), "status %d", status)
	}
}

func TestRunFunctionReturnsPartialDataWithError(t *testing.T) {
	cp := &fakeControlPlane{handler: func(low map[string]any) (int, any) {
		assert.Equal(t, "cmd.run", low["fun"])
		assert.Equal(t, []any{"uptime"}, low["arg"])
		assert.Equal(t, float64(30), low["timeout"])
		return http.StatusGatewayTimeout, map[string]any{"return": []any{map[string]any{"web-01": "up 3 days"}}}
	}}
	c := newTestClient(t, cp)

	ret, err := c.RunFunction(context.Background(), "web*", "cmd.run", []string{"uptime"}, 30*time.Second)
	require.Error(t, err)
	require.NotNil(t, ret)
	assert.Equal(t, "up 3 days", ret.Targets["web-01"])
}

func TestKeyFingerprintPartitions(t *testing.T) {
	cp := &fakeControlPlane{handler: func(low map[string]any) (int, any) {
		assert.Equal(t, "db-01", low["match"])
		return wheelReply(map[string]any{
			"minions_pre": map[string]string{"db-01": "aa:bb"},
			"minions":     map[string]string{},
		})
	}}
	c := newTestClient(t, cp)

	fps, err := c.KeyFingerprint(context.Background(), "db-01")
	require.NoError(t, err)
	assert.Equal(t, Fingerprints{KeyPending: "aa:bb"}, fps)
}

func TestWheelFailureIsBadRequest(t *testing.T) {
	cp := &fakeControlPlane{handler: func(low map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"return": []any{map[string]any{
			"data": map[string]any{"return": "Exception occurred", "success": false},
		}}}
	}}
	c := newTestClient(t, cp)

	err := c.AcceptKey(context.Background(), "db-01")
	require.Error(t, err)
	assert.True(t, resilience.Is(err, resilience.KindBadRequest))
	assert.Contains(t, err.Error(), "db-01")
}

func TestLimiterDeniesCalls(t *testing.T) {
	cp := &fakeControlPlane{handler: func(low map[string]any) (int, any) {
		return wheelReply(map[string]any{"minions": []string{}})
	}}
	limiter := scheduler.NewSlidingWindowLimiter(store.NewMemoryStore(), 1, time.Minute)
	c := newTestClient(t, cp, WithLimiter(limiter, "control-plane"))

	_, err := c.ListAllKeys(context.Background())
	require.NoError(t, err)

	_, err = c.ListAllKeys(context.Background())
	require.Error(t, err)
	assert.True(t, resilience.Is(err, resilience.KindRateLimit))
}

func TestLoginRejectedCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Could not authenticate", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Login(context.Background(), auth.Credentials{Username: "x"})
	require.Error(t, err)
	assert.True(t, resilience.Is(err, resilience.KindAuthentication))
}
