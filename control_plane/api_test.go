package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/itskum47/FleetForge/control_plane/config"
	"github.com/itskum47/FleetForge/control_plane/dispatch"
	"github.com/itskum47/FleetForge/control_plane/fleetapi"
	"github.com/itskum47/FleetForge/control_plane/fleetapi/fleettest"
	"github.com/itskum47/FleetForge/control_plane/resilience"
	"github.com/itskum47/FleetForge/control_plane/scheduler"
	"github.com/itskum47/FleetForge/control_plane/store"
	"github.com/itskum47/FleetForge/control_plane/streaming"
	"github.com/itskum47/FleetForge/control_plane/workflow"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "op-token"

// newTestApp wires the serve path against an in-process control plane.
func newTestApp(t *testing.T) *app {
	t.Helper()
	fake := fleettest.New()
	fake.AddKey("web-1", fleetapi.KeyAccepted, "fp")
	fake.Run = func(ctx context.Context, target, function string, args []string) (*fleetapi.RunReturn, error) {
		if function == "cmd.fail" {
			return &fleetapi.RunReturn{Targets: map[string]any{}}, nil
		}
		return &fleetapi.RunReturn{Targets: map[string]any{"web-1": true}}, nil
	}

	cfg := config.Default()
	cfg.Server.OperatorToken = testToken
	cfg.Workflows = []config.WorkflowConfig{{
		Plan: workflow.Plan{Name: "ping-web", Target: "web-1", Command: dispatch.Request{Function: "test.ping"}},
	}}

	ms := store.NewMemoryStore()
	a := &app{
		cfg:      cfg,
		shared:   ms,
		runs:     ms,
		degraded: resilience.NewDegradedMode(),
		bus:      streaming.NewBus(),
		log:      zerolog.Nop(),
	}
	a.events = a.bus
	a.dispatcher = dispatch.NewDispatcher(fake)
	a.orchestrator = workflow.NewOrchestrator(a.dispatcher,
		workflow.WithRunStore(ms),
		workflow.WithLocker(ms),
		workflow.WithPublisher(a.events),
	)
	a.sched = scheduler.NewScheduler(scheduler.SchedulerConfig{MaxConcurrency: 2})
	return a
}

func do(t *testing.T, h http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func runPlan(t *testing.T, a *app, function string) *store.RunRecord {
	t.Helper()
	run, _ := a.orchestrator.Run(context.Background(), workflow.Plan{
		Target: "web-1", Command: dispatch.Request{Function: function},
	})
	require.NotNil(t, run)
	return run
}

func TestHealthReportsDegradedMode(t *testing.T) {
	a := newTestApp(t)
	h := NewAPI(a, nil).Routes()

	rec := do(t, h, http.MethodGet, "/health", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var report healthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "ok", report.Status)
	assert.Equal(t, 2, report.Scheduler.MaxConcurrency)

	a.degraded.MarkUnavailable(resilience.DependencySharedStore, errors.New("connection refused"))
	rec = do(t, h, http.MethodGet, "/health", "", false)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "degraded", report.Status)
	assert.True(t, report.Degraded)
}

func TestRunEndpointsRequireOperatorToken(t *testing.T) {
	h := NewAPI(newTestApp(t), nil).Routes()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/runs", "", false).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/runs/x/cancel", "", false).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/runs", "", true).Code)
}

func TestGetAndListRuns(t *testing.T) {
	a := newTestApp(t)
	h := NewAPI(a, nil).Routes()
	run := runPlan(t, a, "test.ping")

	rec := do(t, h, http.MethodGet, "/runs/"+run.RunID, "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var got store.RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, store.RunDone, got.State)
	assert.NotEmpty(t, got.Steps)

	rec = do(t, h, http.MethodGet, "/runs?target=web-1&limit=10", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []store.RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/runs/missing", "", true).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/runs?limit=-1", "", true).Code)
}

func TestCancelRun(t *testing.T) {
	a := newTestApp(t)
	h := NewAPI(a, nil).Routes()
	run := runPlan(t, a, "test.ping")

	rec := do(t, h, http.MethodPost, "/runs/"+run.RunID+"/cancel", `{"reason":"maintenance window closed"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var got store.RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Cancelled)
	assert.Equal(t, "maintenance window closed", got.CancelReason)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/runs/missing/cancel", "", true).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/runs/"+run.RunID+"/cancel", "{", true).Code)
}

func TestRunIncident(t *testing.T) {
	a := newTestApp(t)
	h := NewAPI(a, nil).Routes()
	run := runPlan(t, a, "cmd.fail")
	require.Equal(t, store.RunFailed, run.State)

	rec := do(t, h, http.MethodGet, "/runs/"+run.RunID+"/incident", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var report struct {
		Analysis   string            `json:"analysis"`
		FailedStep *store.StepRecord `json:"failed_step"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.NotNil(t, report.FailedStep)
	assert.Equal(t, store.StepMain, report.FailedStep.Step)
	assert.Contains(t, report.Analysis, "run failed in main step (cmd.fail)")

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/runs/missing/incident", "", true).Code)
}

func TestSubmitWorkflow(t *testing.T) {
	a := newTestApp(t)
	h := NewAPI(a, nil).Routes()

	rec := do(t, h, http.MethodPost, "/workflows/ping-web/run", "", true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"job_id"`)
	assert.Equal(t, 1, a.sched.Metrics().QueueDepth)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/workflows/nope/run", "", true).Code)

	a.sched.SetMode(scheduler.ModeDraining)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/workflows/ping-web/run", "", true).Code)
}

func TestRunStreamDeliversFinishedRuns(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewRunHub()
	go hub.Run(ctx)
	sub, err := a.bus.Subscribe(streaming.TopicRuns, hub.Publish)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	srv := httptest.NewServer(NewAPI(a, hub).Routes())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/runs/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + testToken}})
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	run := runPlan(t, a, "test.ping")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg streamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, streaming.TopicRuns, msg.Topic)

	var got store.RunRecord
	require.NoError(t, json.Unmarshal(msg.Payload, &got))
	assert.Equal(t, run.RunID, got.RunID)
	assert.Equal(t, store.RunDone, got.State)
}
