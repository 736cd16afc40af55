// Package lifecycle owns the per-deployment runtime containers: it starts
// them on demand, waits for them to answer HTTP, and stops them when idle,
// orphaned or at shutdown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/splax/peep/internal/docker"
	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/failure"
	"github.com/splax/peep/internal/metrics"
)

const (
	defaultTTL            = 30 * time.Minute
	defaultHealthInterval = 200 * time.Millisecond
	defaultHealthTimeout  = 30 * time.Second
	defaultStopGrace      = 5 * time.Second
	defaultPullTimeout    = 10 * time.Minute
	defaultContainerPort  = 3000

	appDir        = "/app"
	probeTimeout  = time.Second
	namePrefix    = "peep-"
	engineTimeout = 30 * time.Second
)

// Engine is the container runtime the manager drives. StartContainer
// expects the image to be present already.
type Engine interface {
	EnsureImage(ctx context.Context, ref string, auth docker.RegistryAuth) error
	StartContainer(ctx context.Context, spec docker.RuntimeSpec) (string, error)
	IsRunning(ctx context.Context, id string) (bool, error)
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	ListManaged(ctx context.Context) ([]docker.ManagedContainer, error)
}

// Config tunes container creation and eviction.
type Config struct {
	RuntimeImage   string
	ContainerPort  int
	Limits         docker.Limits
	TTL            time.Duration
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	StopGrace      time.Duration

	// PullTimeout bounds fetching a missing image, separately from the
	// create and start calls.
	PullTimeout time.Duration

	// RegistryUsername and RegistryPassword authenticate pulls of private
	// deployment images.
	RegistryUsername string
	RegistryPassword string
}

// Manager is the only component that starts or stops runtime containers.
// At most one container is registered per deployment; concurrent cold
// requests share a single start.
type Manager struct {
	engine Engine
	cfg    Config
	logger *slog.Logger
	group  singleflight.Group

	mu        sync.Mutex
	instances map[string]*domain.ContainerInstance
	starting  map[string]struct{}

	allocatePort func() (int, error)
	probe        func(ctx context.Context, port int) error
	now          func() time.Time

	starts *prometheus.CounterVec
}

// New constructs a Manager.
func New(engine Engine, cfg Config, logger *slog.Logger, reg prometheus.Registerer) *Manager {
	if cfg.ContainerPort <= 0 {
		cfg.ContainerPort = defaultContainerPort
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = defaultHealthTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = defaultPullTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		engine:       engine,
		cfg:          cfg,
		logger:       logger.With("component", "lifecycle"),
		instances:    make(map[string]*domain.ContainerInstance),
		starting:     make(map[string]struct{}),
		allocatePort: freePort,
		probe:        probeHTTP,
		now:          time.Now,
		starts: metrics.CounterVec(reg, prometheus.CounterOpts{
			Subsystem: "router",
			Name:      "container_starts_total",
			Help:      "Runtime container starts by outcome",
		}, "outcome"),
	}
	metrics.GaugeFunc(reg, prometheus.GaugeOpts{
		Subsystem: "router",
		Name:      "containers_running",
		Help:      "Runtime containers tracked by the lifecycle manager",
	}, func() float64 { return float64(m.Count()) })
	return m
}

// EnsureRunning returns the host port of a healthy container serving the
// deployment, starting one when none is tracked or the tracked one died.
// artifactPath is the local artifact directory for non-image artifacts.
func (m *Manager) EnsureRunning(ctx context.Context, deploymentID, artifactRef, artifactPath string) (int, error) {
	if inst, ok := m.lookup(deploymentID); ok {
		running, err := m.engine.IsRunning(ctx, inst.ContainerID)
		if err != nil {
			m.logger.Warn("container inspect failed; restarting", "deployment_id", deploymentID, "error", err)
		}
		if running {
			m.Touch(deploymentID)
			return inst.HostPort, nil
		}
		m.forget(deploymentID, inst.ContainerID)
		m.logger.Warn("tracked container is gone", "deployment_id", deploymentID, "container_id", inst.ContainerID)
	}

	ch := m.group.DoChan(deploymentID, func() (any, error) {
		return m.start(context.WithoutCancel(ctx), deploymentID, artifactRef, artifactPath)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (m *Manager) start(ctx context.Context, deploymentID, artifactRef, artifactPath string) (int, error) {
	if inst, ok := m.lookup(deploymentID); ok {
		return inst.HostPort, nil
	}
	m.mu.Lock()
	m.starting[deploymentID] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.starting, deploymentID)
		m.mu.Unlock()
	}()

	spec, err := m.spec(deploymentID, artifactRef, artifactPath)
	if err != nil {
		m.starts.WithLabelValues("error").Inc()
		return 0, err
	}
	log := m.logger.With("deployment_id", deploymentID, "image", spec.Image, "host_port", spec.HostPort)

	pullCtx, cancel := context.WithTimeout(ctx, m.cfg.PullTimeout)
	err = m.engine.EnsureImage(pullCtx, spec.Image, m.registryAuth(spec.Image))
	cancel()
	if err != nil {
		m.starts.WithLabelValues("error").Inc()
		return 0, failure.Wrap(failure.ContainerStart, "pull image", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, engineTimeout)
	id, err := m.engine.StartContainer(startCtx, spec)
	cancel()
	if err != nil {
		m.starts.WithLabelValues("error").Inc()
		return 0, failure.Wrap(failure.ContainerStart, "start container", err)
	}
	log.Info("container started", "container_id", id, "cmd", spec.Cmd)

	if err := m.waitHealthy(ctx, spec.HostPort); err != nil {
		m.starts.WithLabelValues("unhealthy").Inc()
		log.Error("container failed health check", "container_id", id, "error", err)
		m.stopContainer(deploymentID, id)
		return 0, failure.New(failure.ContainerStart, "health check", "container for %s did not answer within %s", deploymentID, m.cfg.HealthTimeout)
	}

	m.mu.Lock()
	m.instances[deploymentID] = &domain.ContainerInstance{
		DeploymentID: deploymentID,
		ContainerID:  id,
		HostPort:     spec.HostPort,
		LastAccess:   m.now(),
	}
	m.mu.Unlock()
	m.starts.WithLabelValues("ok").Inc()
	log.Info("container healthy", "container_id", id)
	return spec.HostPort, nil
}

func (m *Manager) spec(deploymentID, artifactRef, artifactPath string) (docker.RuntimeSpec, error) {
	port, err := m.allocatePort()
	if err != nil {
		return docker.RuntimeSpec{}, failure.Wrap(failure.ContainerStart, "allocate port", err)
	}
	spec := docker.RuntimeSpec{
		Name:          namePrefix + deploymentID,
		ContainerPort: m.cfg.ContainerPort,
		HostPort:      port,
		DeploymentID:  deploymentID,
		Limits:        m.cfg.Limits,
		Env: []string{
			"PORT=" + strconv.Itoa(m.cfg.ContainerPort),
			"HOSTNAME=0.0.0.0",
			"NODE_ENV=production",
		},
	}

	if image, ok := domain.ParseArtifact(artifactRef); ok {
		ref, err := name.ParseReference(image, name.WeakValidation)
		if err != nil {
			return docker.RuntimeSpec{}, failure.Wrap(failure.ContainerStart, "parse image reference", err)
		}
		spec.Image = ref.String()
		return spec, nil
	}

	if artifactPath == "" {
		return docker.RuntimeSpec{}, failure.New(failure.ContainerStart, "start container", "artifact for %s is not cached locally", deploymentID)
	}
	spec.Image = m.cfg.RuntimeImage
	spec.WorkingDir = appDir
	spec.Binds = []string{artifactPath + ":" + appDir}
	spec.Cmd = startCommand(artifactPath, m.cfg.ContainerPort)
	return spec, nil
}

func (m *Manager) registryAuth(image string) docker.RegistryAuth {
	auth := docker.RegistryAuth{Username: m.cfg.RegistryUsername, Password: m.cfg.RegistryPassword}
	if ref, err := name.ParseReference(image, name.WeakValidation); err == nil {
		auth.ServerAddress = ref.Context().RegistryStr()
	}
	return auth
}

// waitHealthy polls the container root until any HTTP response arrives.
func (m *Manager) waitHealthy(ctx context.Context, port int) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.HealthTimeout)
	defer cancel()
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	var lastErr error
	for {
		if lastErr = m.probe(ctx, port); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last probe: %v)", ctx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}

// Touch refreshes a deployment's last access time.
func (m *Manager) Touch(deploymentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[deploymentID]; ok {
		inst.LastAccess = m.now()
	}
}

// Count returns the number of tracked containers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

// Instance returns a copy of the tracked instance for a deployment.
func (m *Manager) Instance(deploymentID string) (domain.ContainerInstance, bool) {
	inst, ok := m.lookup(deploymentID)
	if !ok {
		return domain.ContainerInstance{}, false
	}
	return *inst, true
}

// Stop stops and deregisters the deployment's container, if any.
func (m *Manager) Stop(ctx context.Context, deploymentID string) error {
	m.mu.Lock()
	inst, ok := m.instances[deploymentID]
	if ok {
		delete(m.instances, deploymentID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := m.engine.StopContainer(ctx, inst.ContainerID, m.cfg.StopGrace); err != nil {
		return fmt.Errorf("stop container for %s: %w", deploymentID, err)
	}
	m.logger.Info("container stopped", "deployment_id", deploymentID, "container_id", inst.ContainerID)
	return nil
}

// SweepIdle stops containers whose last access is older than the TTL.
func (m *Manager) SweepIdle(ctx context.Context) int {
	cutoff := m.now().Add(-m.cfg.TTL)
	m.mu.Lock()
	var idle []string
	for id, inst := range m.instances {
		if inst.LastAccess.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	stopped := 0
	for _, id := range idle {
		if err := m.Stop(ctx, id); err != nil {
			m.logger.Warn("idle container stop failed", "deployment_id", id, "error", err)
			continue
		}
		stopped++
	}
	return stopped
}

// SweepOrphans stops managed containers that are not tracked, such as those
// left behind by a previous process.
func (m *Manager) SweepOrphans(ctx context.Context) (int, error) {
	list, err := m.engine.ListManaged(ctx)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	known := make(map[string]bool, len(m.instances))
	for _, inst := range m.instances {
		known[inst.ContainerID] = true
	}
	var orphans []docker.ManagedContainer
	for _, c := range list {
		if known[c.ID] {
			continue
		}
		if _, busy := m.starting[c.DeploymentID]; busy {
			continue
		}
		orphans = append(orphans, c)
	}
	m.mu.Unlock()

	stopped := 0
	for _, c := range orphans {
		if err := m.engine.StopContainer(ctx, c.ID, m.cfg.StopGrace); err != nil {
			m.logger.Warn("orphan container stop failed", "container_id", c.ID, "error", err)
			continue
		}
		m.logger.Info("orphan container stopped", "container_id", c.ID, "deployment_id", c.DeploymentID)
		stopped++
	}
	return stopped, nil
}

// Run sweeps idle and orphaned containers every interval until ctx ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.SweepIdle(ctx); n > 0 {
				m.logger.Info("idle containers stopped", "count", n)
			}
			if _, err := m.SweepOrphans(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Warn("orphan sweep failed", "error", err)
			}
		}
	}
}

// Shutdown stops every tracked container.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) lookup(deploymentID string) (*domain.ContainerInstance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[deploymentID]
	if !ok {
		return nil, false
	}
	cp := *inst
	return &cp, true
}

func (m *Manager) forget(deploymentID, containerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[deploymentID]; ok && inst.ContainerID == containerID {
		delete(m.instances, deploymentID)
	}
}

func (m *Manager) stopContainer(deploymentID, containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), engineTimeout)
	defer cancel()
	if err := m.engine.StopContainer(ctx, containerID, m.cfg.StopGrace); err != nil {
		m.logger.Warn("cleanup of unhealthy container failed", "deployment_id", deploymentID, "error", err)
	}
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

var probeClient = &http.Client{
	Timeout: probeTimeout,
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

// probeHTTP succeeds on any HTTP response; only transport errors fail.
func probeHTTP(ctx context.Context, port int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://127.0.0.1:"+strconv.Itoa(port)+"/", nil)
	if err != nil {
		return err
	}
	resp, err := probeClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
