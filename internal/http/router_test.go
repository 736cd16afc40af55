package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/peep/internal/broadcast"
	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/failure"
	"github.com/splax/peep/internal/queue"
	"github.com/splax/peep/internal/repository"
)

type fakeDeployer struct {
	mu        sync.Mutex
	submitted []domain.BuildJob
	submitErr error
	cancelErr error
}

func (f *fakeDeployer) Submit(_ context.Context, job domain.BuildJob) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, job)
	id := job.DeploymentID
	if id == "" {
		id = "generated"
	}
	return &domain.Deployment{ID: id, Status: domain.StatusQueued}, nil
}

func (f *fakeDeployer) Cancel(context.Context, string) error {
	return f.cancelErr
}

type fakeDeployments map[string]*domain.Deployment

func (f fakeDeployments) GetDeploymentByID(_ context.Context, id string) (*domain.Deployment, error) {
	if d, ok := f[id]; ok {
		return d, nil
	}
	return nil, repository.ErrNotFound
}

func newTestRouter(t *testing.T, deployer *fakeDeployer, checks map[string]HealthCheck) (*Router, *broadcast.Hub) {
	t.Helper()
	hub := broadcast.NewHub()
	t.Cleanup(hub.Close)
	reg := prometheus.NewRegistry()
	r := New(slog.New(slog.NewTextHandler(io.Discard, nil)), Options{
		Deployer:    deployer,
		Deployments: fakeDeployments{"dep-1": {ID: "dep-1", Status: domain.StatusBuilding}},
		Hub:         hub,
		Checks:      checks,
		Registerer:  reg,
		Gatherer:    reg,
	})
	return r, hub
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestDeployQueuesJob(t *testing.T) {
	deployer := &fakeDeployer{}
	r, _ := newTestRouter(t, deployer, nil)

	body := `{"projectId":"proj-1","repoUrl":"https://github.com/acme/site.git","branch":"main","sourceType":"git","envVars":{"A":"1"}}`
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/deploy", strings.NewReader(body)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	out := decode(t, rec)
	if out["deploymentId"] != "generated" || out["status"] != "queued" {
		t.Fatalf("unexpected response %v", out)
	}
	if len(deployer.submitted) != 1 || deployer.submitted[0].EnvVars["A"] != "1" || deployer.submitted[0].SourceType != domain.SourceGit {
		t.Fatalf("unexpected submitted job %+v", deployer.submitted)
	}
}

func TestDeployErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"bad json", "{", nil, http.StatusBadRequest},
		{"validation", `{}`, failure.New(failure.Validation, "submit", "projectId is required"), http.StatusBadRequest},
		{"duplicate", `{}`, queue.ErrDuplicate, http.StatusConflict},
		{"store down", `{}`, errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := newTestRouter(t, &fakeDeployer{submitErr: tc.err}, nil)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/deploy", strings.NewReader(tc.body)))
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestDeployRejectsWrongMethod(t *testing.T) {
	r, _ := newTestRouter(t, &fakeDeployer{}, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deploy", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestCancelDeployment(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"queued", nil, http.StatusAccepted},
		{"building", queue.ErrInFlight, http.StatusConflict},
		{"finished", repository.ErrConflict, http.StatusConflict},
		{"unknown", repository.ErrNotFound, http.StatusNotFound},
		{"broken", errors.New("redis down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := newTestRouter(t, &fakeDeployer{cancelErr: tc.err}, nil)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/deploy/dep-1", nil))
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t, &fakeDeployer{}, map[string]HealthCheck{
		"docker": func(context.Context) error { return nil },
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != "ok" {
		t.Fatalf("expected healthy, got %d %s", rec.Code, rec.Body.String())
	}

	r, _ = newTestRouter(t, &fakeDeployer{}, map[string]HealthCheck{
		"docker":   func(context.Context) error { return nil },
		"postgres": func(context.Context) error { return errors.New("dial failed") },
	})
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	components := decode(t, rec)["components"].(map[string]any)
	if components["postgres"].(map[string]any)["status"] != "down" {
		t.Fatalf("unexpected components %v", components)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newTestRouter(t, &fakeDeployer{}, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "peep_builder_http_requests_total") {
		t.Fatalf("metrics missing request counter:\n%s", rec.Body.String())
	}
}

func TestStreamDeliversSnapshotAndEvents(t *testing.T) {
	r, hub := newTestRouter(t, &fakeDeployer{}, nil)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/deployments/dep-1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var snapshot map[string]any
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot["type"] != "status" || snapshot["status"] != "building" {
		t.Fatalf("unexpected snapshot %v", snapshot)
	}

	// Registration happens after the snapshot; publish until the log arrives.
	got := make(chan map[string]any, 1)
	go func() {
		var event map[string]any
		if err := conn.ReadJSON(&event); err == nil {
			got <- event
		}
	}()
	deadline := time.After(2 * time.Second)
	for {
		_ = hub.PublishLog(context.Background(), broadcast.LogEvent{DeploymentID: "dep-1", Log: "npm install", Timestamp: time.Now()})
		select {
		case event := <-got:
			if event["type"] != "log" || event["log"] != "npm install" {
				t.Fatalf("unexpected event %v", event)
			}
			return
		case <-deadline:
			t.Fatal("log event not delivered")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestStreamUnknownDeployment(t *testing.T) {
	r, _ := newTestRouter(t, &fakeDeployer{}, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deployments/nope/stream", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
