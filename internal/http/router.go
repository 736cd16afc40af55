// Package httpx exposes the builder's operations API.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/peep/internal/broadcast"
	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/failure"
	"github.com/splax/peep/internal/queue"
	"github.com/splax/peep/internal/repository"
)

const (
	healthCheckTimeout = 2 * time.Second
	heartbeatInterval  = 15 * time.Second
	maxDeployBody      = 1 << 20
)

// Deployer submits and cancels builds.
type Deployer interface {
	Submit(ctx context.Context, job domain.BuildJob) (*domain.Deployment, error)
	Cancel(ctx context.Context, deploymentID string) error
}

// Deployments reads deployment state for stream snapshots.
type Deployments interface {
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
}

// HealthCheck reports one component's health.
type HealthCheck func(ctx context.Context) error

// Router exposes HTTP endpoints for the builder service.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	deploy      Deployer
	deployments Deployments
	hub         *broadcast.Hub
	checks      map[string]HealthCheck
	upgrader    websocket.Upgrader
	gatherer    prometheus.Gatherer
	metrics     *routerMetrics

	limiter      RateLimiter
	deployLimit  int
	deployWindow time.Duration
}

// Options wires the router's collaborators.
type Options struct {
	Deployer    Deployer
	Deployments Deployments
	Hub         *broadcast.Hub
	Checks      map[string]HealthCheck
	Registerer  prometheus.Registerer
	Gatherer    prometheus.Gatherer

	// Limiter caps POST /deploy per client address; nil disables limiting.
	Limiter      RateLimiter
	DeployLimit  int
	DeployWindow time.Duration
}

// New creates and registers handlers.
func New(logger *slog.Logger, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger.With("component", "http"),
		deploy:      opts.Deployer,
		deployments: opts.Deployments,
		hub:         opts.Hub,
		checks:      opts.Checks,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		gatherer: gatherer,
		metrics:  newRouterMetrics(opts.Registerer),

		limiter:      opts.Limiter,
		deployLimit:  opts.DeployLimit,
		deployWindow: opts.DeployWindow,
	}
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	r.mux.Handle("GET /metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	r.mux.HandleFunc("GET /healthz", r.instrument("/healthz", r.handleHealth))
	r.mux.HandleFunc("POST /deploy", r.instrument("/deploy", r.withRateLimit("/deploy", r.handleDeploy)))
	r.mux.HandleFunc("DELETE /deploy/{id}", r.instrument("/deploy/:id", r.handleDeployDelete))
	r.mux.HandleFunc("GET /deployments/{id}/stream", r.handleStream)
	r.mux.HandleFunc("GET /deployments/{id}/events", r.handleEvents)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	status := "ok"
	components := make(map[string]any, len(r.checks))
	for name, check := range r.checks {
		if err := check(ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	var job domain.BuildJob
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxDeployBody))
	if err := dec.Decode(&job); err != nil {
		r.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	d, err := r.deploy.Submit(req.Context(), job)
	if err != nil {
		r.metrics.deployResult("failure")
		if failure.Is(err, failure.Validation) {
			r.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, queue.ErrDuplicate) {
			r.writeError(w, http.StatusConflict, "deployment already exists")
			return
		}
		r.logger.Error("submit deployment failed", "error", err)
		r.writeError(w, http.StatusInternalServerError, "could not queue deployment")
		return
	}
	r.metrics.deployResult("success")
	r.writeJSON(w, http.StatusAccepted, map[string]string{
		"deploymentId": d.ID,
		"status":       d.Status.Broadcast(),
	})
}

func (r *Router) handleDeployDelete(w http.ResponseWriter, req *http.Request) {
	deploymentID := strings.TrimSpace(req.PathValue("id"))
	if deploymentID == "" {
		r.writeError(w, http.StatusBadRequest, "deployment id required")
		return
	}
	err := r.deploy.Cancel(req.Context(), deploymentID)
	switch {
	case err == nil:
		r.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelled"})
	case errors.Is(err, queue.ErrInFlight):
		r.writeError(w, http.StatusConflict, "deployment is already building")
	case errors.Is(err, repository.ErrConflict):
		r.writeError(w, http.StatusConflict, "deployment already finished")
	case errors.Is(err, repository.ErrNotFound):
		r.writeError(w, http.StatusNotFound, "deployment not found")
	default:
		r.logger.Error("cancel deployment failed", "deployment_id", deploymentID, "error", err)
		r.writeError(w, http.StatusInternalServerError, "could not cancel deployment")
	}
}

// handleStream upgrades to a websocket that receives the deployment's status
// and log events. Events published while no client is connected are lost.
func (r *Router) handleStream(w http.ResponseWriter, req *http.Request) {
	deploymentID, ok := r.streamTarget(w, req)
	if !ok {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := broadcast.NewWSClient(conn, r.logger)
	r.sendSnapshot(req.Context(), client, deploymentID)
	r.hub.Register(deploymentID, client)
	go func() {
		defer func() {
			r.hub.Unregister(deploymentID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// handleEvents streams the same events as handleStream over Server-Sent Events.
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	deploymentID, ok := r.streamTarget(w, req)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		r.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := broadcast.NewSSEClient(w, flusher, r.logger)
	r.sendSnapshot(req.Context(), client, deploymentID)
	r.hub.Register(deploymentID, client)
	defer func() {
		r.hub.Unregister(deploymentID, client)
		client.Close()
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) streamTarget(w http.ResponseWriter, req *http.Request) (string, bool) {
	if r.hub == nil {
		r.writeError(w, http.StatusServiceUnavailable, "streaming disabled")
		return "", false
	}
	deploymentID := strings.TrimSpace(req.PathValue("id"))
	if deploymentID == "" {
		r.writeError(w, http.StatusBadRequest, "deployment id required")
		return "", false
	}
	if r.deployments != nil {
		if _, err := r.deployments.GetDeploymentByID(req.Context(), deploymentID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				r.writeError(w, http.StatusNotFound, "deployment not found")
			} else {
				r.logger.Error("load deployment failed", "deployment_id", deploymentID, "error", err)
				r.writeError(w, http.StatusInternalServerError, "could not load deployment")
			}
			return "", false
		}
	}
	return deploymentID, true
}

// sendSnapshot tells a new subscriber the deployment's current status.
func (r *Router) sendSnapshot(ctx context.Context, client broadcast.Subscriber, deploymentID string) {
	if r.deployments == nil {
		return
	}
	d, err := r.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return
	}
	event := broadcast.StatusEvent{DeploymentID: d.ID, Status: d.Status.Broadcast(), Timestamp: time.Now().UTC()}
	if d.Status.Terminal() {
		event.Logs = d.BuildLogs
	}
	payload, err := json.Marshal(struct {
		Type string `json:"type"`
		broadcast.StatusEvent
	}{Type: "status", StatusEvent: event})
	if err != nil {
		return
	}
	_ = client.Send(payload)
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("failed to encode response", "error", err)
	}
}

func (r *Router) writeError(w http.ResponseWriter, status int, msg string) {
	r.writeJSON(w, status, map[string]string{"error": msg})
}
