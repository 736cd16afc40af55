package domain

import (
	"errors"
	"strings"
)

// SourceType identifies where a build job reads its source from.
type SourceType string

const (
	SourceGit SourceType = "git"
	SourceZip SourceType = "zip"
)

// BuildJob is the queue message consumed by build workers.
type BuildJob struct {
	DeploymentID   string            `json:"deploymentId"`
	ProjectID      string            `json:"projectId"`
	RepoURL        string            `json:"repoUrl,omitempty"`
	CommitSHA      string            `json:"commitSha,omitempty"`
	Branch         string            `json:"branch"`
	BuildCommand   string            `json:"buildCommand"`
	InstallCommand string            `json:"installCommand"`
	EnvVars        map[string]string `json:"envVars"`
	SourceType     SourceType        `json:"sourceType"`
	ZipPath        string            `json:"zipPath,omitempty"`
}

// Validate checks the fields every job needs before a worker can act on it.
func (j BuildJob) Validate() error {
	if strings.TrimSpace(j.DeploymentID) == "" {
		return errors.New("deploymentId is required")
	}
	if strings.TrimSpace(j.ProjectID) == "" {
		return errors.New("projectId is required")
	}
	switch j.SourceType {
	case SourceGit:
		if strings.TrimSpace(j.RepoURL) == "" {
			return errors.New("repoUrl is required for git sources")
		}
	case SourceZip:
		if strings.TrimSpace(j.ZipPath) == "" {
			return errors.New("zipPath is required for zip sources")
		}
	default:
		return errors.New("sourceType must be git or zip")
	}
	return nil
}
