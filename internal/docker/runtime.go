package docker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	// LabelManaged marks containers owned by the lifecycle manager.
	LabelManaged = "peep.managed"
	// LabelDeployment records which deployment a container serves.
	LabelDeployment = "peep.deployment"
)

// RuntimeSpec describes a long-lived per-deployment container.
type RuntimeSpec struct {
	Name          string
	Image         string
	Cmd           []string
	Env           []string
	WorkingDir    string
	Binds         []string
	ContainerPort int
	HostPort      int
	DeploymentID  string
	Limits        Limits
}

// ManagedContainer is a container carrying the managed label.
type ManagedContainer struct {
	ID           string
	Name         string
	DeploymentID string
	Running      bool
}

// StartContainer creates and starts a runtime container publishing
// ContainerPort on 127.0.0.1:HostPort. A stale container with the same name
// is removed first.
func (c *Client) StartContainer(ctx context.Context, spec RuntimeSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}
	if err := c.RemoveContainer(ctx, spec.Name); err != nil {
		return "", err
	}
	port, err := nat.NewPort("tcp", strconv.Itoa(spec.ContainerPort))
	if err != nil {
		return "", fmt.Errorf("container port: %w", err)
	}
	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels: map[string]string{
			LabelManaged:    "true",
			LabelDeployment: spec.DeploymentID,
		},
	}
	hostCfg := &container.HostConfig{
		Binds: spec.Binds,
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(spec.HostPort)}},
		},
		Privileged:  false,
		SecurityOpt: []string{"no-new-privileges:true"},
		Resources:   resources(spec.Limits),
	}

	created, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		c.forceRemove(created.ID)
		return "", fmt.Errorf("container start: %w", err)
	}
	return created.ID, nil
}

// IsRunning reports whether the container exists and is running.
func (c *Client) IsRunning(ctx context.Context, id string) (bool, error) {
	inspect, err := c.inner.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("container inspect: %w", err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// StopContainer stops the container within grace and removes it.
func (c *Client) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace.Seconds())
	if err := c.inner.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container stop: %w", err)
	}
	return c.RemoveContainer(ctx, id)
}

// RemoveContainer removes an existing container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, nameOrID string) error {
	if strings.TrimSpace(nameOrID) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// ListManaged returns every container carrying the managed label.
func (c *Client) ListManaged(ctx context.Context) ([]ManagedContainer, error) {
	list, err := c.inner.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	out := make([]ManagedContainer, 0, len(list))
	for _, item := range list {
		name := ""
		if len(item.Names) > 0 {
			name = strings.TrimPrefix(item.Names[0], "/")
		}
		out = append(out, ManagedContainer{
			ID:           item.ID,
			Name:         name,
			DeploymentID: item.Labels[LabelDeployment],
			Running:      item.State == "running",
		})
	}
	return out, nil
}
