package domain

import (
	"strings"
	"time"
)

const dockerArtifactPrefix = "docker:"

// ArtifactPrefix returns the object store key prefix holding a deployment's build output.
func ArtifactPrefix(deploymentID string) string {
	return "deployments/" + deploymentID + "/"
}

// DockerArtifact formats an image reference as an artifact reference.
func DockerArtifact(imageRef string) string {
	return dockerArtifactPrefix + imageRef
}

// ParseArtifact reports whether ref names a container image and returns the image.
func ParseArtifact(ref string) (string, bool) {
	if strings.HasPrefix(ref, dockerArtifactPrefix) {
		return strings.TrimPrefix(ref, dockerArtifactPrefix), true
	}
	return "", false
}

// ContainerInstance tracks a running per-deployment container.
type ContainerInstance struct {
	DeploymentID string
	ContainerID  string
	HostPort     int
	LastAccess   time.Time
}

// Usage is one proxied request's accounting record.
type Usage struct {
	DeploymentID string
	ProjectID    string
	Host         string
	Method       string
	Path         string
	StatusCode   int
	BytesIn      int64
	BytesOut     int64
	Latency      time.Duration
	OccurredAt   time.Time
}
