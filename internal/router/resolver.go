package router

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/repository"
)

// Deployments is the deployment lookup the resolver needs.
type Deployments interface {
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	LatestReadyDeployment(ctx context.Context, projectID string) (*domain.Deployment, error)
}

// Resolver maps a Host header onto a deployment. A verified custom domain
// wins over a deployment id subdomain, which wins over a project name
// subdomain.
type Resolver struct {
	deployments Deployments
	projects    repository.ProjectRepository
	domains     repository.DomainRepository
	baseDomain  string
}

// NewResolver constructs a Resolver. baseDomain is stripped from hosts to
// obtain the subdomain; when empty the first label is used.
func NewResolver(deployments Deployments, projects repository.ProjectRepository, domains repository.DomainRepository, baseDomain string) *Resolver {
	return &Resolver{
		deployments: deployments,
		projects:    projects,
		domains:     domains,
		baseDomain:  normalizeHost(baseDomain),
	}
}

// Resolve returns the deployment for host and the subdomain it tried.
// repository.ErrNotFound means nothing matched.
func (r *Resolver) Resolve(ctx context.Context, rawHost string) (*domain.Deployment, string, error) {
	host := normalizeHost(rawHost)
	sub := r.subdomain(host)
	if host == "" {
		return nil, sub, repository.ErrNotFound
	}

	if r.domains != nil {
		d, err := r.domains.GetVerifiedDomain(ctx, host)
		switch {
		case err == nil:
			dep, err := r.deployments.LatestReadyDeployment(ctx, d.ProjectID)
			return dep, sub, err
		case !errors.Is(err, repository.ErrNotFound):
			return nil, sub, err
		}
	}

	if sub == "" {
		return nil, sub, repository.ErrNotFound
	}

	dep, err := r.deployments.GetDeploymentByID(ctx, sub)
	if err == nil {
		return dep, sub, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, sub, err
	}

	if r.projects == nil {
		return nil, sub, repository.ErrNotFound
	}
	project, err := r.projects.GetProjectByName(ctx, sub)
	if err != nil {
		return nil, sub, err
	}
	dep, err = r.deployments.LatestReadyDeployment(ctx, project.ID)
	return dep, sub, err
}

func (r *Resolver) subdomain(host string) string {
	if r.baseDomain != "" {
		if host == r.baseDomain {
			return ""
		}
		if prefix, ok := strings.CutSuffix(host, "."+r.baseDomain); ok {
			return prefix
		}
	}
	label, _, _ := strings.Cut(host, ".")
	return label
}

func normalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(host, ".")
}
