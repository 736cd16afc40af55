package repository

import (
	"context"

	"github.com/splax/peep/internal/domain"
)

// DeploymentRepository persists the deployment state machine.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	UpdateDeploymentStatus(ctx context.Context, deploymentID string, status domain.Status) error
	// MarkDeploymentReady records the artifact and flips the status to READY in
	// one statement so READY never exists without an artifact.
	MarkDeploymentReady(ctx context.Context, deploymentID, artifactRef, url, logs string) error
	MarkDeploymentFailed(ctx context.Context, deploymentID, message, logs string) error
	LatestReadyDeployment(ctx context.Context, projectID string) (*domain.Deployment, error)
}

// ProjectRepository resolves projects by their routable name.
type ProjectRepository interface {
	GetProjectByName(ctx context.Context, name string) (*domain.Project, error)
}

// DomainRepository resolves custom domains.
type DomainRepository interface {
	GetVerifiedDomain(ctx context.Context, host string) (*domain.Domain, error)
}

// UsageRepository stores per-request accounting.
type UsageRepository interface {
	RecordUsage(ctx context.Context, usage domain.Usage) error
}
