package domain

import (
	"strings"
	"time"
)

// Status enumerates the deployment state machine.
type Status string

const (
	StatusQueued   Status = "QUEUED"
	StatusBuilding Status = "BUILDING"
	StatusReady    Status = "READY"
	StatusError    Status = "ERROR"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusError
}

// CanTransition reports whether moving from s to next is legal.
// QUEUED -> BUILDING -> READY, and ERROR from any non-terminal state.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusBuilding:
		return s == StatusQueued || s == StatusBuilding
	case StatusReady:
		return s == StatusBuilding
	case StatusError:
		return true
	default:
		return false
	}
}

// Broadcast returns the lowercase form carried on status events.
func (s Status) Broadcast() string {
	return strings.ToLower(string(s))
}

// ParseStatus maps a stored value onto a Status.
func ParseStatus(raw string) (Status, bool) {
	switch Status(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusQueued:
		return StatusQueued, true
	case StatusBuilding:
		return StatusBuilding, true
	case StatusReady:
		return StatusReady, true
	case StatusError:
		return StatusError, true
	}
	return "", false
}

// Deployment captures a single build-and-serve attempt for a project.
type Deployment struct {
	ID          string
	ProjectID   string
	SourceType  SourceType
	RepoURL     string
	CommitSHA   string
	Branch      string
	ZipPath     string
	Status      Status
	BuildLogs   string
	ArtifactRef string
	URL         string
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Project is the subset of project state the build-and-serve core reads.
type Project struct {
	ID   string
	Name string
}

// Domain maps a custom host onto a project.
type Domain struct {
	Host      string
	ProjectID string
	Verified  bool
}
