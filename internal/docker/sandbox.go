package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// SandboxWorkdir is where the workspace is mounted inside a sandbox.
const SandboxWorkdir = "/workspace"

// SandboxSpec describes one untrusted command run.
type SandboxSpec struct {
	Image  string
	Dir    string
	Argv   []string
	Env    []string
	Limits Limits
	Labels map[string]string
}

// RunSandbox executes spec in a fresh auto-removed container, streaming
// demultiplexed stdout and stderr as they are produced, and returns the exit
// code. When ctx ends first the container is killed and ctx.Err() returned.
func (c *Client) RunSandbox(ctx context.Context, spec SandboxSpec, stdout, stderr io.Writer) (int64, error) {
	if c.inner == nil {
		return 0, fmt.Errorf("docker client not initialized")
	}
	if len(spec.Argv) == 0 {
		return 0, fmt.Errorf("sandbox command cannot be empty")
	}
	if strings.TrimSpace(spec.Dir) == "" {
		return 0, fmt.Errorf("sandbox directory cannot be empty")
	}
	if err := c.EnsureImage(ctx, spec.Image, RegistryAuth{}); err != nil {
		return 0, err
	}

	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Argv,
		Env:        spec.Env,
		WorkingDir: SandboxWorkdir,
		Labels:     spec.Labels,
		Tty:        false,
	}
	hostCfg := &container.HostConfig{
		AutoRemove:  true,
		Binds:       []string{spec.Dir + ":" + SandboxWorkdir},
		Privileged:  false,
		SecurityOpt: []string{"no-new-privileges:true"},
		Resources:   resources(spec.Limits),
	}
	created, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return 0, fmt.Errorf("sandbox create: %w", err)
	}

	hijacked, err := c.inner.ContainerAttach(ctx, created.ID, container.AttachOptions{Stream: true, Stdout: true, Stderr: true})
	if err != nil {
		c.forceRemove(created.ID)
		return 0, fmt.Errorf("sandbox attach: %w", err)
	}
	defer hijacked.Close()

	statusCh, errCh := c.inner.ContainerWait(ctx, created.ID, container.WaitConditionNextExit)

	copied := make(chan struct{})
	go func() {
		defer close(copied)
		_, _ = stdcopy.StdCopy(stdout, stderr, hijacked.Reader)
	}()

	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		c.forceRemove(created.ID)
		return 0, fmt.Errorf("sandbox start: %w", err)
	}

	select {
	case status := <-statusCh:
		drain(copied)
		if status.Error != nil && status.Error.Message != "" {
			return status.StatusCode, fmt.Errorf("sandbox wait: %s", status.Error.Message)
		}
		return status.StatusCode, nil
	case err := <-errCh:
		if ctx.Err() != nil {
			c.kill(created.ID)
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("sandbox wait: %w", err)
	case <-ctx.Done():
		c.kill(created.ID)
		return 0, ctx.Err()
	}
}

// drain waits briefly for the log copier so trailing output is not lost.
func drain(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

func (c *Client) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.inner.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		c.forceRemoveCtx(ctx, id)
	}
}

func (c *Client) forceRemove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.forceRemoveCtx(ctx, id)
}

func (c *Client) forceRemoveCtx(ctx context.Context, id string) {
	_ = c.inner.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

func resources(l Limits) container.Resources {
	r := container.Resources{
		Memory:   l.MemoryBytes,
		NanoCPUs: l.NanoCPUs,
	}
	if l.MemoryBytes > 0 {
		// Equal to Memory: no swap on top of the ceiling.
		r.MemorySwap = l.MemoryBytes
	}
	if l.PidsLimit > 0 {
		pids := l.PidsLimit
		r.PidsLimit = &pids
	}
	return r
}
