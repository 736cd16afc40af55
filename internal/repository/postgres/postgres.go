package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DomainRepository     = (*Repository)(nil)
	_ repository.UsageRepository      = (*Repository)(nil)
)

const deploymentColumns = `id, project_id, source_type, repo_url, commit_sha, branch, zip_path, status,
	build_logs, COALESCE(artifact_ref, ''), url, error, created_at, updated_at`

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	if d.Status == "" {
		d.Status = domain.StatusQueued
	}
	const query = `INSERT INTO deployments (id, project_id, source_type, repo_url, commit_sha, branch, zip_path, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`
	return r.pool.QueryRow(ctx, query,
		d.ID, d.ProjectID, string(d.SourceType), d.RepoURL, d.CommitSHA, d.Branch, d.ZipPath, string(d.Status),
	).Scan(&d.CreatedAt, &d.UpdatedAt)
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	return scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
}

// UpdateDeploymentStatus moves a non-terminal deployment to status.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, deploymentID string, status domain.Status) error {
	const query = `UPDATE deployments SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('READY', 'ERROR')`
	tag, err := r.pool.Exec(ctx, query, deploymentID, string(status))
	if err != nil {
		return fmt.Errorf("update deployment status: %w", err)
	}
	return r.checkAffected(ctx, tag.RowsAffected(), deploymentID)
}

// MarkDeploymentReady records the artifact reference and READY together.
func (r *Repository) MarkDeploymentReady(ctx context.Context, deploymentID, artifactRef, url, logs string) error {
	if strings.TrimSpace(artifactRef) == "" {
		return errors.New("artifact reference is required to mark a deployment ready")
	}
	const query = `UPDATE deployments
		SET status = 'READY', artifact_ref = $2, url = $3, build_logs = $4, error = '', updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('READY', 'ERROR')`
	tag, err := r.pool.Exec(ctx, query, deploymentID, artifactRef, url, logs)
	if err != nil {
		return fmt.Errorf("mark deployment ready: %w", err)
	}
	return r.checkAffected(ctx, tag.RowsAffected(), deploymentID)
}

// MarkDeploymentFailed records the failure message and logs and moves to ERROR.
func (r *Repository) MarkDeploymentFailed(ctx context.Context, deploymentID, message, logs string) error {
	const query = `UPDATE deployments
		SET status = 'ERROR', error = $2, build_logs = $3, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('READY', 'ERROR')`
	tag, err := r.pool.Exec(ctx, query, deploymentID, message, logs)
	if err != nil {
		return fmt.Errorf("mark deployment failed: %w", err)
	}
	return r.checkAffected(ctx, tag.RowsAffected(), deploymentID)
}

// LatestReadyDeployment returns the newest READY deployment for a project.
func (r *Repository) LatestReadyDeployment(ctx context.Context, projectID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = $1 AND status = 'READY'
		ORDER BY created_at DESC LIMIT 1`
	return scanDeployment(r.pool.QueryRow(ctx, query, projectID))
}

// GetProjectByName fetches a project by its unique name.
func (r *Repository) GetProjectByName(ctx context.Context, name string) (*domain.Project, error) {
	const query = `SELECT id, name FROM projects WHERE name = $1`
	var p domain.Project
	if err := r.pool.QueryRow(ctx, query, name).Scan(&p.ID, &p.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// GetVerifiedDomain fetches a verified custom domain by host.
func (r *Repository) GetVerifiedDomain(ctx context.Context, host string) (*domain.Domain, error) {
	const query = `SELECT host, project_id, verified FROM domains WHERE host = $1 AND verified`
	var d domain.Domain
	if err := r.pool.QueryRow(ctx, query, strings.ToLower(host)).Scan(&d.Host, &d.ProjectID, &d.Verified); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// RecordUsage stores one request's accounting row.
func (r *Repository) RecordUsage(ctx context.Context, u domain.Usage) error {
	const query = `INSERT INTO usage_records
		(deployment_id, project_id, host, method, path, status_code, bytes_in, bytes_out, latency_ms, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query,
		u.DeploymentID, u.ProjectID, u.Host, u.Method, u.Path, u.StatusCode,
		u.BytesIn, u.BytesOut, float64(u.Latency.Microseconds())/1000, u.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

func (r *Repository) checkAffected(ctx context.Context, affected int64, deploymentID string) error {
	if affected > 0 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deployments WHERE id = $1)`, deploymentID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return repository.ErrNotFound
	}
	return repository.ErrConflict
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var (
		d          domain.Deployment
		sourceType string
		status     string
	)
	err := row.Scan(&d.ID, &d.ProjectID, &sourceType, &d.RepoURL, &d.CommitSHA, &d.Branch, &d.ZipPath, &status,
		&d.BuildLogs, &d.ArtifactRef, &d.URL, &d.Error, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	d.SourceType = domain.SourceType(sourceType)
	d.Status = domain.Status(status)
	return &d, nil
}
