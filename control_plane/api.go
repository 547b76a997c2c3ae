package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/itskum47/FleetForge/control_plane/incident"
	"github.com/itskum47/FleetForge/control_plane/logging"
	"github.com/itskum47/FleetForge/control_plane/middleware"
	"github.com/itskum47/FleetForge/control_plane/resilience"
	"github.com/itskum47/FleetForge/control_plane/scheduler"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const defaultListLimit = 50

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Read-only stream; dashboards live on other origins.
		return true
	},
}

// API serves health, metrics and the run endpoints.
type API struct {
	app *app
	hub *RunHub
	log zerolog.Logger
}

func NewAPI(a *app, hub *RunHub) *API {
	return &API{app: a, hub: hub, log: logging.WithComponent("api")}
}

// Routes builds the handler tree. Everything but /health and /metrics
// requires the operator token when one is configured.
func (api *API) Routes() http.Handler {
	protected := middleware.OperatorAuth(api.app.cfg.Server.OperatorToken)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", api.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("GET /runs", protected(http.HandlerFunc(api.handleListRuns)))
	mux.Handle("GET /runs/stream", protected(http.HandlerFunc(api.handleRunStream)))
	mux.Handle("GET /runs/{id}", protected(http.HandlerFunc(api.handleGetRun)))
	mux.Handle("GET /runs/{id}/incident", protected(http.HandlerFunc(api.handleRunIncident)))
	mux.Handle("POST /runs/{id}/cancel", protected(http.HandlerFunc(api.handleCancelRun)))
	mux.Handle("POST /workflows/{name}/run", protected(http.HandlerFunc(api.handleSubmitWorkflow)))

	return middleware.CORSMiddleware(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error kind onto an HTTP status.
func (api *API) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch resilience.KindOf(err) {
	case resilience.KindResourceNotFound:
		status = http.StatusNotFound
	case resilience.KindValidation, resilience.KindBadRequest:
		status = http.StatusBadRequest
	case resilience.KindConfiguration:
		status = http.StatusNotImplemented
	case resilience.KindServiceUnavailable, resilience.KindRateLimit:
		status = http.StatusServiceUnavailable
	}
	if errors.Is(err, scheduler.ErrCircuitOpen) || errors.Is(err, scheduler.ErrQueueFull) || errors.Is(err, scheduler.ErrNotAccepted) {
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		api.log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type healthReport struct {
	Status    string                     `json:"status"`
	Degraded  bool                       `json:"degraded"`
	Scheduler scheduler.SchedulerMetrics `json:"scheduler"`
	Streams   int                        `json:"stream_clients"`
	Time      time.Time                  `json:"time"`
}

func (api *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := healthReport{
		Status:    "ok",
		Degraded:  api.app.degraded.Active(),
		Scheduler: api.app.sched.Metrics(),
		Time:      time.Now().UTC(),
	}
	if api.hub != nil {
		report.Streams = api.hub.ClientCount()
	}
	if report.Degraded {
		report.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, report)
}

func (api *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			api.writeError(w, resilience.New(resilience.KindBadRequest, "api.list_runs", "limit must be a positive integer"))
			return
		}
		limit = n
	}

	runs, err := api.app.orchestrator.ListRuns(r.Context(), r.URL.Query().Get("target"), limit)
	if err != nil {
		api.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (api *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := api.app.orchestrator.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		api.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (api *API) handleRunIncident(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	report, err := incident.CaptureIncident(r.Context(), api.app.runs, api.app.orchestrator.Timeline(), id)
	if err != nil {
		api.writeError(w, err)
		return
	}
	if report == nil {
		api.writeError(w, resilience.New(resilience.KindResourceNotFound, "api.run_incident", "no such run").WithResource(id))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (api *API) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.writeError(w, resilience.Wrap(resilience.KindBadRequest, "api.cancel_run", err))
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}

	run, err := api.app.orchestrator.MarkCancelled(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		api.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (api *API) handleSubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	wf, ok := api.app.cfg.Workflow(name)
	if !ok {
		api.writeError(w, resilience.New(resilience.KindResourceNotFound, "api.submit_workflow", "no such workflow").WithResource(name))
		return
	}

	jobID, err := api.app.submit(wf)
	if err != nil {
		api.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "workflow": name})
}

// handleRunStream upgrades to WebSocket and registers with the hub.
func (api *API) handleRunStream(w http.ResponseWriter, r *http.Request) {
	if api.hub == nil {
		http.Error(w, "run stream disabled", http.StatusNotImplemented)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		api.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	api.hub.Register(conn)
	defer api.hub.Unregister(conn)

	// Configure ping/pong for dead client detection
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	// Read pump to detect disconnections
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				api.log.Debug().Err(err).Msg("websocket closed")
			}
			return
		}
	}
}
