package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/splax/peep/internal/docker"
	"github.com/splax/peep/internal/failure"
)

type fakeEngine struct {
	mu      sync.Mutex
	nextID  int
	started []docker.RuntimeSpec
	running map[string]bool
	stopped []string
	managed []docker.ManagedContainer
	delay   time.Duration

	pulled     []string
	pullAuth   docker.RegistryAuth
	pullBudget time.Duration
	pullErr    error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{running: make(map[string]bool)}
}

func (f *fakeEngine) EnsureImage(ctx context.Context, ref string, auth docker.RegistryAuth) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	f.pullAuth = auth
	if deadline, ok := ctx.Deadline(); ok {
		f.pullBudget = time.Until(deadline)
	}
	return f.pullErr
}

func (f *fakeEngine) StartContainer(_ context.Context, spec docker.RuntimeSpec) (string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "c" + strconv.Itoa(f.nextID)
	f.started = append(f.started, spec)
	f.running[id] = true
	return id, nil
}

func (f *fakeEngine) IsRunning(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[id], nil
}

func (f *fakeEngine) StopContainer(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[id] = false
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeEngine) ListManaged(context.Context) ([]docker.ManagedContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]docker.ManagedContainer(nil), f.managed...), nil
}

func (f *fakeEngine) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func (f *fakeEngine) kill(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[id] = false
}

func newTestManager(engine Engine) *Manager {
	m := New(engine, Config{
		RuntimeImage:   "node:20-alpine",
		HealthInterval: 5 * time.Millisecond,
		HealthTimeout:  200 * time.Millisecond,
		TTL:            time.Minute,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	var port atomic.Int32
	port.Store(40000)
	m.allocatePort = func() (int, error) { return int(port.Add(1)), nil }
	m.probe = func(context.Context, int) error { return nil }
	return m
}

func artifactDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return dir
}

func TestConcurrentColdRequestsStartOneContainer(t *testing.T) {
	engine := newFakeEngine()
	engine.delay = 50 * time.Millisecond
	m := newTestManager(engine)
	dir := artifactDir(t, map[string]string{"server.js": ""})

	const n = 25
	ports := make(chan int, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := m.EnsureRunning(context.Background(), "dep-1", "deployments/dep-1/", dir)
			if err != nil {
				errs <- err
				return
			}
			ports <- port
		}()
	}
	wg.Wait()
	close(ports)
	close(errs)
	for err := range errs {
		t.Fatalf("EnsureRunning: %v", err)
	}

	if got := engine.startCount(); got != 1 {
		t.Fatalf("expected exactly one container start, got %d", got)
	}
	first := -1
	for port := range ports {
		if first == -1 {
			first = port
		}
		if port != first {
			t.Fatalf("callers saw different ports: %d vs %d", first, port)
		}
	}
	if m.Count() != 1 {
		t.Fatalf("expected one registered instance, got %d", m.Count())
	}
}

func TestWarmRequestReusesContainer(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(engine)
	dir := artifactDir(t, map[string]string{"server.js": ""})

	probes := 0
	m.probe = func(context.Context, int) error {
		probes++
		if probes < 3 {
			return errors.New("connection refused")
		}
		return nil
	}

	port, err := m.EnsureRunning(context.Background(), "dep-1", "deployments/dep-1/", dir)
	if err != nil {
		t.Fatalf("cold EnsureRunning: %v", err)
	}
	if probes != 3 {
		t.Fatalf("expected health polling until success, got %d probes", probes)
	}
	again, err := m.EnsureRunning(context.Background(), "dep-1", "deployments/dep-1/", dir)
	if err != nil {
		t.Fatalf("warm EnsureRunning: %v", err)
	}
	if again != port || engine.startCount() != 1 {
		t.Fatalf("warm request should reuse port %d, got %d after %d starts", port, again, engine.startCount())
	}

	spec := engine.started[0]
	if spec.Name != "peep-dep-1" || spec.Image != "node:20-alpine" || spec.WorkingDir != "/app" {
		t.Fatalf("unexpected spec %+v", spec)
	}
	if len(spec.Binds) != 1 || spec.Binds[0] != dir+":/app" {
		t.Fatalf("unexpected binds %v", spec.Binds)
	}
	if strings.Join(spec.Cmd, " ") != "node server.js" {
		t.Fatalf("unexpected command %v", spec.Cmd)
	}
}

func TestCrashedContainerIsReplaced(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(engine)
	dir := artifactDir(t, map[string]string{"server.js": ""})

	if _, err := m.EnsureRunning(context.Background(), "dep-1", "", dir); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	inst, _ := m.Instance("dep-1")
	engine.kill(inst.ContainerID)

	if _, err := m.EnsureRunning(context.Background(), "dep-1", "", dir); err != nil {
		t.Fatalf("EnsureRunning after crash: %v", err)
	}
	if engine.startCount() != 2 {
		t.Fatalf("expected a replacement start, got %d starts", engine.startCount())
	}
	replaced, _ := m.Instance("dep-1")
	if replaced.ContainerID == inst.ContainerID {
		t.Fatalf("registry should track the new container")
	}
}

func TestImageArtifactRunsImageDirectly(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(engine)

	if _, err := m.EnsureRunning(context.Background(), "dep-1", "docker:registry.local/proj-1:dep-1", ""); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	spec := engine.started[0]
	if spec.Image != "registry.local/proj-1:dep-1" || len(spec.Binds) != 0 || spec.Cmd != nil {
		t.Fatalf("unexpected image spec %+v", spec)
	}
	if spec.ContainerPort != 3000 {
		t.Fatalf("expected default container port, got %d", spec.ContainerPort)
	}
}

func TestImageIsPulledWithRegistryCredentials(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(engine)
	m.cfg.RegistryUsername = "deployer"
	m.cfg.RegistryPassword = "s3cret"
	m.cfg.PullTimeout = 5 * time.Minute

	if _, err := m.EnsureRunning(context.Background(), "dep-1", "docker:registry.local:5000/proj-1:dep-1", ""); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if len(engine.pulled) != 1 || engine.pulled[0] != "registry.local:5000/proj-1:dep-1" {
		t.Fatalf("expected image to be pulled before start, got %v", engine.pulled)
	}
	auth := engine.pullAuth
	if auth.Username != "deployer" || auth.Password != "s3cret" || auth.ServerAddress != "registry.local:5000" {
		t.Fatalf("unexpected registry auth %+v", auth)
	}
	if engine.pullBudget <= engineTimeout {
		t.Fatalf("pull should get its own budget beyond %s, got %s", engineTimeout, engine.pullBudget)
	}
}

func TestRuntimeImageIsPulledForFileArtifacts(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(engine)
	dir := artifactDir(t, map[string]string{"server.js": ""})

	if _, err := m.EnsureRunning(context.Background(), "dep-1", "deployments/dep-1/", dir); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if len(engine.pulled) != 1 || engine.pulled[0] != "node:20-alpine" {
		t.Fatalf("expected runtime image pull, got %v", engine.pulled)
	}
}

func TestPullFailureIsAContainerStartFailure(t *testing.T) {
	engine := newFakeEngine()
	engine.pullErr = errors.New("unauthorized: authentication required")
	m := newTestManager(engine)

	_, err := m.EnsureRunning(context.Background(), "dep-1", "docker:registry.local/proj-1:dep-1", "")
	if !failure.Is(err, failure.ContainerStart) {
		t.Fatalf("expected ContainerStart failure, got %v", err)
	}
	if engine.startCount() != 0 || m.Count() != 0 {
		t.Fatalf("no container should be created when the pull fails")
	}
}

func TestHealthTimeoutStopsContainer(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(engine)
	m.probe = func(context.Context, int) error { return errors.New("connection refused") }
	dir := artifactDir(t, map[string]string{"server.js": ""})

	_, err := m.EnsureRunning(context.Background(), "dep-1", "", dir)
	if !failure.Is(err, failure.ContainerStart) {
		t.Fatalf("expected ContainerStart failure, got %v", err)
	}
	if failure.HTTPStatus(failure.KindOf(err)) != http.StatusInternalServerError {
		t.Fatalf("container start failures should map to 500")
	}
	if len(engine.stopped) != 1 || m.Count() != 0 {
		t.Fatalf("unhealthy container should be stopped and not registered")
	}
}

func TestSweepIdleStopsExpiredContainers(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(engine)
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	dir := artifactDir(t, map[string]string{"server.js": ""})

	for _, id := range []string{"old", "fresh"} {
		if _, err := m.EnsureRunning(context.Background(), id, "", dir); err != nil {
			t.Fatalf("EnsureRunning %s: %v", id, err)
		}
	}
	now = now.Add(45 * time.Second)
	m.Touch("fresh")
	now = now.Add(30 * time.Second)

	if n := m.SweepIdle(context.Background()); n != 1 {
		t.Fatalf("expected one idle container stopped, got %d", n)
	}
	if _, ok := m.Instance("old"); ok {
		t.Fatalf("idle instance should be deregistered")
	}
	if _, ok := m.Instance("fresh"); !ok {
		t.Fatalf("recently used instance should remain")
	}
}

func TestSweepOrphansStopsUntrackedContainers(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(engine)
	dir := artifactDir(t, map[string]string{"server.js": ""})
	if _, err := m.EnsureRunning(context.Background(), "dep-1", "", dir); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	inst, _ := m.Instance("dep-1")
	engine.managed = []docker.ManagedContainer{
		{ID: inst.ContainerID, DeploymentID: "dep-1", Running: true},
		{ID: "leftover", DeploymentID: "dep-9", Running: true},
	}

	n, err := m.SweepOrphans(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected one orphan stopped, got %d %v", n, err)
	}
	if len(engine.stopped) != 1 || engine.stopped[0] != "leftover" {
		t.Fatalf("unexpected stops %v", engine.stopped)
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(engine)
	dir := artifactDir(t, map[string]string{"server.js": ""})
	for i := 0; i < 3; i++ {
		if _, err := m.EnsureRunning(context.Background(), fmt.Sprintf("dep-%d", i), "", dir); err != nil {
			t.Fatalf("EnsureRunning: %v", err)
		}
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if m.Count() != 0 || len(engine.stopped) != 3 {
		t.Fatalf("expected all containers stopped, count=%d stopped=%v", m.Count(), engine.stopped)
	}
}

func TestStartCommandPriority(t *testing.T) {
	cases := []struct {
		name  string
		files map[string]string
		want  string
	}{
		{"next standalone", map[string]string{"server.js": "", "package.json": `{"scripts":{"start":"next start"}}`}, "node server.js"},
		{"nitro", map[string]string{"server/index.mjs": ""}, "node server/index.mjs"},
		{"start script", map[string]string{"package.json": `{"main":"index.js","scripts":{"start":"node index.js"}}`, "index.js": ""}, "npm start"},
		{"main entry", map[string]string{"package.json": `{"main":"lib/app.js"}`, "lib/app.js": ""}, "node lib/app.js"},
		{"missing main", map[string]string{"package.json": `{"main":"lib/app.js"}`}, "npx --yes serve -s . -l 3000"},
		{"static", map[string]string{"index.html": "<html>"}, "npx --yes serve -s . -l 3000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := artifactDir(t, tc.files)
			if got := strings.Join(startCommand(dir, 3000), " "); got != tc.want {
				t.Fatalf("startCommand = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestProbeHTTPAcceptsAnyStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()
	port := srv.Listener.Addr().(*net.TCPAddr).Port
	if err := probeHTTP(context.Background(), port); err != nil {
		t.Fatalf("a 404 should count as healthy: %v", err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	closed := l.Addr().(*net.TCPAddr).Port
	l.Close()
	if err := probeHTTP(context.Background(), closed); err == nil {
		t.Fatalf("expected connection error for closed port")
	}
}
