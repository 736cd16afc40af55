// Package build drives a deployment from QUEUED to READY or ERROR: it acquires
// the source, runs the sandboxed install and build steps (or a Dockerfile
// build) and uploads the output.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/peep/internal/besteffort"
	"github.com/splax/peep/internal/broadcast"
	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/executor"
	"github.com/splax/peep/internal/failure"
	"github.com/splax/peep/internal/fixer"
	"github.com/splax/peep/internal/metrics"
	"github.com/splax/peep/internal/repository"
	"github.com/splax/peep/internal/sanitize"
	"github.com/splax/peep/internal/source"
)

const (
	statusPublishTimeout = 5 * time.Second
	fixerTimeout         = 60 * time.Second
	persistTimeout       = 10 * time.Second
)

// Deployments is the persistence the orchestrator needs.
type Deployments interface {
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	UpdateDeploymentStatus(ctx context.Context, deploymentID string, status domain.Status) error
	MarkDeploymentReady(ctx context.Context, deploymentID, artifactRef, url, logs string) error
	MarkDeploymentFailed(ctx context.Context, deploymentID, message, logs string) error
}

// Workspaces hands out per-deployment directories.
type Workspaces interface {
	Prepare(deploymentID string) (string, error)
	Cleanup(path string) error
}

// Acquirer materialises a job's source into a directory.
type Acquirer interface {
	Acquire(ctx context.Context, job domain.BuildJob, dir string, progress io.Writer) (source.Result, error)
}

// Runner executes sandboxed commands and Dockerfile builds.
type Runner interface {
	Run(ctx context.Context, deploymentID, dir string, cmd sanitize.Command, sink executor.Sink) error
	BuildImage(ctx context.Context, dir, projectID, deploymentID string, sink executor.Sink) (string, error)
}

// Uploader stores build output.
type Uploader interface {
	UploadDir(ctx context.Context, prefix, dir string) (int, error)
}

// Fixer receives failed builds.
type Fixer interface {
	Submit(ctx context.Context, req fixer.Request) error
}

// Deps groups the orchestrator's collaborators.
type Deps struct {
	Deployments Deployments
	Workspaces  Workspaces
	Source      Acquirer
	Runner      Runner
	Uploader    Uploader
	Broadcaster broadcast.Broadcaster
	Fixer       Fixer
	Registerer  prometheus.Registerer
}

// Service orchestrates builds.
type Service struct {
	deps       Deps
	baseDomain string
	logger     *slog.Logger
	now        func() time.Time

	builds   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewService constructs a Service. baseDomain forms deployment URLs as
// <deploymentId>.<baseDomain>.
func NewService(deps Deps, baseDomain string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = broadcast.Nop{}
	}
	return &Service{
		deps:       deps,
		baseDomain: strings.TrimPrefix(strings.TrimSpace(baseDomain), "."),
		logger:     logger.With("component", "build"),
		now:        time.Now,
		builds: metrics.CounterVec(deps.Registerer, prometheus.CounterOpts{
			Subsystem: "builder",
			Name:      "builds_total",
			Help:      "Completed builds by outcome",
		}, "outcome"),
		duration: metrics.HistogramVec(deps.Registerer, prometheus.HistogramOpts{
			Subsystem: "builder",
			Name:      "build_duration_seconds",
			Help:      "Wall-clock duration of builds",
			Buckets:   metrics.BuildBuckets,
		}, "outcome"),
	}
}

// Process runs one job to completion. Build failures are recorded on the
// deployment and do not produce an error. A non-nil error means the job was
// not handled, e.g. because ctx ended mid-build, and should be redelivered.
func (s *Service) Process(ctx context.Context, job domain.BuildJob) error {
	log := s.logger.With("deployment_id", job.DeploymentID, "project_id", job.ProjectID)
	if err := job.Validate(); err != nil {
		log.Error("discarding invalid build job", "error", err)
		return nil
	}

	current, err := s.deps.Deployments.GetDeploymentByID(ctx, job.DeploymentID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("deployment no longer exists; skipping job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load deployment: %w", err)
	}
	if current.Status.Terminal() {
		log.Info("deployment already finished; skipping redelivered job", "status", current.Status)
		return nil
	}

	if err := s.deps.Deployments.UpdateDeploymentStatus(ctx, job.DeploymentID, domain.StatusBuilding); err != nil {
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
			log.Info("deployment changed state before build started", "error", err)
			return nil
		}
		return fmt.Errorf("mark building: %w", err)
	}
	s.publishStatus(job.DeploymentID, domain.StatusBuilding, "")

	started := s.now()
	rec := newLogRecorder(job.DeploymentID, s.deps.Broadcaster, s.now)
	artifact, buildErr := s.build(ctx, job, rec, log)
	rec.Close()

	if buildErr != nil && ctx.Err() != nil {
		log.Warn("build interrupted by shutdown; leaving job for redelivery", "error", buildErr)
		return ctx.Err()
	}

	outcome := "ready"
	if buildErr != nil {
		outcome = "error"
		s.fail(job, rec, buildErr, log)
	} else if err := s.ready(job, artifact, rec, log); err != nil {
		outcome = "error"
		s.fail(job, rec, err, log)
	}
	s.builds.WithLabelValues(outcome).Inc()
	s.duration.WithLabelValues(outcome).Observe(s.now().Sub(started).Seconds())
	return nil
}

func (s *Service) build(ctx context.Context, job domain.BuildJob, rec *logRecorder, log *slog.Logger) (string, error) {
	dir, err := s.deps.Workspaces.Prepare(job.DeploymentID)
	if err != nil {
		return "", failure.Wrap(failure.SourceAcquisition, "prepare workspace", err)
	}
	defer func() {
		if err := s.deps.Workspaces.Cleanup(dir); err != nil {
			log.Warn("workspace cleanup failed", "path", dir, "error", err)
		}
	}()

	switch job.SourceType {
	case domain.SourceGit:
		rec.Linef("Cloning %s (branch %s)", job.RepoURL, branchOrDefault(job.Branch))
	case domain.SourceZip:
		rec.Linef("Extracting uploaded archive %s", job.ZipPath)
	}
	res, err := s.deps.Source.Acquire(ctx, job, dir, nil)
	if err != nil {
		return "", err
	}
	if res.CommitSHA != "" {
		rec.Linef("Checked out %s", res.CommitSHA)
	}
	if res.Archive != nil {
		rec.Linef("Extracted %d files (%d bytes)", res.Archive.FileCount, res.Archive.UncompressedSize)
	}

	if _, err := os.Stat(filepath.Join(dir, "Dockerfile")); err == nil {
		rec.Line("Dockerfile detected; building container image")
		ref, err := s.deps.Runner.BuildImage(ctx, dir, job.ProjectID, job.DeploymentID, rec.Line)
		if err != nil {
			return "", err
		}
		rec.Linef("Image ready: %s", ref)
		return domain.DockerArtifact(ref), nil
	}

	manifest, err := readManifest(dir)
	if err != nil {
		return "", failure.Wrap(failure.BuildExecution, "read manifest", err)
	}

	if cmd := installCommand(job.InstallCommand, manifest); cmd != "" {
		if err := s.run(ctx, job, dir, cmd, rec); err != nil {
			return "", err
		}
	}

	written, err := configureNextStandalone(dir, manifest)
	if err != nil {
		return "", failure.Wrap(failure.BuildExecution, "configure next.js", err)
	}
	if written {
		rec.Line("Configured Next.js standalone output")
	}

	if cmd := buildCommand(job.BuildCommand, manifest); cmd != "" {
		if err := s.run(ctx, job, dir, cmd, rec); err != nil {
			return "", err
		}
	}
	if err := finalizeStandalone(dir); err != nil {
		return "", failure.Wrap(failure.BuildExecution, "finalize standalone output", err)
	}

	output := detectOutput(dir)
	rel, _ := filepath.Rel(dir, output)
	if rel == "." {
		rec.Line("No build output detected; deploying source as-is")
	} else {
		rec.Linef("Uploading build output %s", filepath.ToSlash(rel))
	}
	prefix := domain.ArtifactPrefix(job.DeploymentID)
	count, err := s.deps.Uploader.UploadDir(ctx, prefix, output)
	if err != nil {
		return "", failure.Wrap(failure.Upload, "upload artifact", err)
	}
	rec.Linef("Uploaded %d files", count)
	return prefix, nil
}

func (s *Service) run(ctx context.Context, job domain.BuildJob, dir, command string, rec *logRecorder) error {
	cmd, err := sanitize.Sanitize(command, job.EnvVars)
	if err != nil {
		return err
	}
	rec.Linef("$ %s", cmd.String())
	return s.deps.Runner.Run(ctx, job.DeploymentID, dir, cmd, rec.Line)
}

func (s *Service) ready(job domain.BuildJob, artifact string, rec *logRecorder, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	logs := rec.Text()
	if err := s.deps.Deployments.MarkDeploymentReady(ctx, job.DeploymentID, artifact, s.deploymentURL(job.DeploymentID), logs); err != nil {
		return fmt.Errorf("persist ready state: %w", err)
	}
	log.Info("deployment ready", "artifact", artifact)
	s.publishStatus(job.DeploymentID, domain.StatusReady, "")
	return nil
}

func (s *Service) fail(job domain.BuildJob, rec *logRecorder, buildErr error, log *slog.Logger) {
	message := buildErr.Error()
	logs := rec.Text() + "Error: " + message + "\n"
	log.Error("build failed", "kind", failure.KindOf(buildErr).String(), "error", buildErr)

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.deps.Deployments.MarkDeploymentFailed(ctx, job.DeploymentID, message, logs); err != nil {
		log.Error("persist failure state failed", "error", err)
	}
	s.publishStatus(job.DeploymentID, domain.StatusError, logs)

	if s.deps.Fixer == nil {
		return
	}
	req := fixer.Request{
		DeploymentID: job.DeploymentID,
		ProjectID:    job.ProjectID,
		Error:        message,
		Logs:         logs,
		OccurredAt:   s.now().UTC(),
	}
	besteffort.Go(log, "fixer", fixerTimeout, func(ctx context.Context) error {
		return s.deps.Fixer.Submit(ctx, req)
	})
}

func (s *Service) publishStatus(deploymentID string, status domain.Status, logs string) {
	event := broadcast.StatusEvent{
		DeploymentID: deploymentID,
		Status:       status.Broadcast(),
		Logs:         logs,
		Timestamp:    s.now().UTC(),
	}
	b := s.deps.Broadcaster
	besteffort.Go(s.logger, "status broadcast", statusPublishTimeout, func(ctx context.Context) error {
		return b.PublishStatus(ctx, event)
	})
}

func (s *Service) deploymentURL(deploymentID string) string {
	if s.baseDomain == "" {
		return ""
	}
	return "http://" + deploymentID + "." + s.baseDomain
}

func branchOrDefault(branch string) string {
	if strings.TrimSpace(branch) == "" {
		return "default"
	}
	return branch
}
