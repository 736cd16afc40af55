package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/peep/internal/besteffort"
	"github.com/splax/peep/internal/broadcast"
	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/failure"
	"github.com/splax/peep/internal/queue"
	"github.com/splax/peep/internal/repository"
	"github.com/splax/peep/internal/source"
)

const cancelledMessage = "cancelled before build started"

// Submitter creates deployments and feeds the build queue.
type Submitter struct {
	deployments repository.DeploymentRepository
	queue       queue.Queue
	broadcaster broadcast.Broadcaster
	logger      *slog.Logger
	now         func() time.Time
}

// NewSubmitter constructs a Submitter.
func NewSubmitter(deployments repository.DeploymentRepository, q queue.Queue, b broadcast.Broadcaster, logger *slog.Logger) *Submitter {
	if b == nil {
		b = broadcast.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{
		deployments: deployments,
		queue:       q,
		broadcaster: b,
		logger:      logger.With("component", "submit"),
		now:         time.Now,
	}
}

// Submit records a QUEUED deployment for job and enqueues it. A missing
// deployment id is generated.
func (s *Submitter) Submit(ctx context.Context, job domain.BuildJob) (*domain.Deployment, error) {
	if strings.TrimSpace(job.DeploymentID) == "" {
		job.DeploymentID = uuid.NewString()
	}
	if strings.ContainsAny(job.DeploymentID, "./\\ ") {
		return nil, failure.New(failure.Validation, "submit", "deploymentId %q is not a valid subdomain label", job.DeploymentID)
	}
	if err := job.Validate(); err != nil {
		return nil, failure.Wrap(failure.Validation, "submit", err)
	}
	if job.SourceType == domain.SourceGit {
		if err := source.CheckRepoURL(job.RepoURL); err != nil {
			return nil, failure.Wrap(failure.Validation, "submit", err)
		}
	}

	now := s.now().UTC()
	d := &domain.Deployment{
		ID:         job.DeploymentID,
		ProjectID:  job.ProjectID,
		SourceType: job.SourceType,
		RepoURL:    job.RepoURL,
		CommitSHA:  job.CommitSHA,
		Branch:     job.Branch,
		ZipPath:    job.ZipPath,
		Status:     domain.StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.deployments.CreateDeployment(ctx, d); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		if ferr := s.deployments.MarkDeploymentFailed(context.WithoutCancel(ctx), d.ID, "enqueue failed: "+err.Error(), ""); ferr != nil {
			s.logger.Error("mark unqueued deployment failed", "deployment_id", d.ID, "error", ferr)
		}
		return nil, fmt.Errorf("enqueue build: %w", err)
	}
	s.logger.Info("deployment queued", "deployment_id", d.ID, "project_id", d.ProjectID, "source", d.SourceType)
	s.publish(d.ID, domain.StatusQueued, "")
	return d, nil
}

// Cancel removes a job that has not started building. It returns
// queue.ErrInFlight when a worker already holds the job,
// repository.ErrNotFound for unknown deployments and repository.ErrConflict
// when the deployment already finished.
func (s *Submitter) Cancel(ctx context.Context, deploymentID string) error {
	removed, err := s.queue.Remove(ctx, deploymentID)
	if err != nil {
		return err
	}
	if !removed {
		d, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
		if err != nil {
			return err
		}
		if d.Status.Terminal() {
			return repository.ErrConflict
		}
		return queue.ErrInFlight
	}
	if err := s.deployments.MarkDeploymentFailed(ctx, deploymentID, cancelledMessage, ""); err != nil && !errors.Is(err, repository.ErrConflict) {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	s.logger.Info("queued deployment cancelled", "deployment_id", deploymentID)
	s.publish(deploymentID, domain.StatusError, cancelledMessage)
	return nil
}

func (s *Submitter) publish(deploymentID string, status domain.Status, logs string) {
	event := broadcast.StatusEvent{
		DeploymentID: deploymentID,
		Status:       status.Broadcast(),
		Logs:         logs,
		Timestamp:    s.now().UTC(),
	}
	b := s.broadcaster
	besteffort.Go(s.logger, "status broadcast", statusPublishTimeout, func(ctx context.Context) error {
		return b.PublishStatus(ctx, event)
	})
}
