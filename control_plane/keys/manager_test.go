package keys

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/itskum47/FleetForge/control_plane/fleetapi"
	"github.com/itskum47/FleetForge/control_plane/fleetapi/fleettest"
	"github.com/itskum47/FleetForge/control_plane/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingEnforcer struct{ calls int }

func (f *failingEnforcer) Enforce(ctx context.Context, nodeID string) error {
	f.calls++
	return errors.New("salt-key: exit status 1")
}

func TestFingerprintMismatchNeverAccepts(t *testing.T) {
	pairs := []struct {
		actual, supplied string
		match            bool
	}{
		{"aa:bb:cc", "aa:bb:cc", true},
		{"AA:BB:CC", "aa:bb:cc", true},
		{"  aa:bb:cc\n", "AA:bb:CC ", true},
		{"aa:bb:cc", "aa:bb:cd", false},
		{"aa:bb:cc", "aa:bb", false},
		{"aa:bb:cc", "aabbcc", false},
		{"aa:bb:cc", "xx:yy:zz", false},
	}
	for _, p := range pairs {
		api := fleettest.New()
		api.AddKey("web-01", fleetapi.KeyPending, p.actual)
		m := NewManager(api)

		res, err := m.AcceptWithVerification(context.Background(), "web-01", p.supplied)
		if p.match {
			require.NoError(t, err, "%q vs %q", p.actual, p.supplied)
			assert.True(t, res.Success)
			assert.Equal(t, fleetapi.KeyAccepted, api.State("web-01"))
			continue
		}
		require.Error(t, err, "%q vs %q", p.actual, p.supplied)
		assert.True(t, resilience.Is(err, resilience.KindFingerprintMismatch))
		assert.Equal(t, fleetapi.KeyPending, api.State("web-01"))
		assert.Zero(t, api.CountCalls("AcceptKey"))
	}
}

func TestAcceptRoundTrip(t *testing.T) {
	api := fleettest.New()
	api.AddKey("db-01", fleetapi.KeyPending, "de:ad:be:ef")
	m := NewManager(api)
	ctx := context.Background()

	_, err := m.AcceptWithVerification(ctx, "db-01", "DE:AD:BE:EF")
	require.NoError(t, err)

	sets, err := m.ListAll(ctx)
	require.NoError(t, err)
	assert.Contains(t, sets.Accepted, "db-01")
	assert.NotContains(t, sets.Pending, "db-01")
}

func TestAcceptWithoutFingerprintIsNotFound(t *testing.T) {
	api := fleettest.New()
	api.AddKey("db-01", fleetapi.KeyPending, "")
	m := NewManager(api)

	_, err := m.AcceptWithVerification(context.Background(), "db-01", "aa:bb")
	require.Error(t, err)
	assert.True(t, resilience.Is(err, resilience.KindResourceNotFound))
	assert.Zero(t, api.CountCalls("AcceptKey"))
}

func TestAcceptRejectsEmptyExpectation(t *testing.T) {
	api := fleettest.New()
	api.AddKey("db-01", fleetapi.KeyPending, "aa")
	m := NewManager(api)

	_, err := m.AcceptWithVerification(context.Background(), "db-01", "   ")
	assert.True(t, resilience.Is(err, resilience.KindValidation))
}

func TestAcceptAlreadyAcceptedIsIdempotent(t *testing.T) {
	api := fleettest.New()
	api.AddKey("db-01", fleetapi.KeyAccepted, "aa:bb")
	m := NewManager(api)

	res, err := m.AcceptWithVerification(context.Background(), "db-01", "aa:bb")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.Warnings)
	assert.Zero(t, api.CountCalls("AcceptKey"))
}

func TestAcceptRejectedKeyIsNotPermitted(t *testing.T) {
	api := fleettest.New()
	api.AddKey("db-01", fleetapi.KeyRejected, "aa:bb")
	m := NewManager(api)

	_, err := m.AcceptWithVerification(context.Background(), "db-01", "aa:bb")
	require.Error(t, err)
	assert.True(t, resilience.Is(err, resilience.KindBadRequest))
	assert.Equal(t, fleetapi.KeyRejected, api.State("db-01"))
}

func TestFingerprintPrefersPending(t *testing.T) {
	api := fleettest.New()
	api.AddKey("web-01", fleetapi.KeyPending, "pending-fp")
	m := NewManager(api)

	fp, err := m.FingerprintOf(context.Background(), "web-01")
	require.NoError(t, err)
	assert.Equal(t, "pending-fp", fp)
}

func TestRejectOnlyFromPending(t *testing.T) {
	api := fleettest.New()
	api.AddKey("a", fleetapi.KeyPending, "x")
	api.AddKey("b", fleetapi.KeyAccepted, "y")
	m := NewManager(api)
	ctx := context.Background()

	_, err := m.Reject(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, fleetapi.KeyRejected, api.State("a"))

	_, err = m.Reject(ctx, "b")
	assert.True(t, resilience.Is(err, resilience.KindBadRequest))

	_, err = m.Reject(ctx, "ghost")
	assert.True(t, resilience.Is(err, resilience.KindResourceNotFound))
}

func TestDeleteOnlyFromAccepted(t *testing.T) {
	api := fleettest.New()
	api.AddKey("bad-01", fleetapi.KeyRejected, "fp")
	api.AddKey("new-01", fleetapi.KeyPending, "fp")
	m := NewManager(api)

	for _, id := range []string{"bad-01", "new-01"} {
		_, err := m.Delete(context.Background(), id)
		require.Error(t, err, id)
		assert.True(t, resilience.Is(err, resilience.KindBadRequest), "%s: %v", id, err)
	}
	assert.Equal(t, 0, api.CountCalls("DeleteKey"))
	assert.Equal(t, fleetapi.KeyRejected, api.State("bad-01"))
}

func TestDeleteEnforcementFailureIsOnlyAWarning(t *testing.T) {
	api := fleettest.New()
	api.AddKey("web-01", fleetapi.KeyAccepted, "x")
	enf := &failingEnforcer{}
	m := NewManager(api, WithEnforcer(enf))

	res, err := m.Delete(context.Background(), "web-01")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, res.Warnings, 1)
	assert.Equal(t, 1, enf.calls)
	assert.Equal(t, fleetapi.KeyUnknown, api.State("web-01"))
}

func TestRemoveCompletelySkipsUninstallWhenOffline(t *testing.T) {
	api := fleettest.New()
	api.AddKey("web-01", fleetapi.KeyAccepted, "x")
	api.PingReplies["web-01"] = false
	m := NewManager(api, WithUninstall(Uninstall{Function: "pkg.remove", Args: []string{"salt-minion"}}))

	res, err := m.RemoveCompletely(context.Background(), "web-01")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.UninstallAttempted)
	assert.Zero(t, api.CountCalls("RunFunction"))
}

func TestRemoveCompletelySucceedsDespiteUninstallFailure(t *testing.T) {
	api := fleettest.New()
	api.AddKey("web-01", fleetapi.KeyAccepted, "x")
	api.PingReplies["web-01"] = true
	api.Run = func(ctx context.Context, target, function string, args []string) (*fleetapi.RunReturn, error) {
		return nil, resilience.New(resilience.KindTimeout, "run", "no return")
	}
	m := NewManager(api, WithUninstall(Uninstall{Function: "pkg.remove", Args: []string{"salt-minion"}}))

	res, err := m.RemoveCompletely(context.Background(), "web-01")
	require.NoError(t, err)
	assert.True(t, res.UninstallAttempted)
	assert.NotEmpty(t, res.UninstallError)
	assert.True(t, res.KeyDeleted)
	assert.True(t, res.Success)
}

func TestRemoveCompletelyFailsWhenKeyDeleteFails(t *testing.T) {
	api := fleettest.New()
	api.AddKey("web-01", fleetapi.KeyAccepted, "x")
	api.MutateErr = resilience.New(resilience.KindServiceUnavailable, "delete", "busy")
	m := NewManager(api)

	res, err := m.RemoveCompletely(context.Background(), "web-01")
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.KeyDeleted)
}

func TestAwaitAcceptedTimesOut(t *testing.T) {
	api := fleettest.New()
	api.AddKey("web-01", fleetapi.KeyPending, "x")
	m := NewManager(api, WithPolling(3, time.Millisecond))

	err := m.AwaitAccepted(context.Background(), "web-01")
	require.Error(t, err)
	assert.True(t, resilience.Is(err, resilience.KindTimeout))
	assert.Equal(t, 3, api.CountCalls("ListAllKeys"))
}

func TestAwaitAcceptedSeesAcceptance(t *testing.T) {
	api := fleettest.New()
	api.AddKey("web-01", fleetapi.KeyAccepted, "x")
	m := NewManager(api, WithPolling(3, time.Millisecond))

	assert.NoError(t, m.AwaitAccepted(context.Background(), "web-01"))
}
