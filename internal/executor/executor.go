// Package executor runs sanitized build commands and Dockerfile builds inside
// the container engine.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/splax/peep/internal/docker"
	"github.com/splax/peep/internal/failure"
	"github.com/splax/peep/internal/sanitize"
)

// DefaultTimeout bounds a single sandboxed command.
const DefaultTimeout = 15 * time.Minute

// Engine is the subset of the container engine the executor drives.
type Engine interface {
	RunSandbox(ctx context.Context, spec docker.SandboxSpec, stdout, stderr io.Writer) (int64, error)
	BuildImage(ctx context.Context, dir, tag string, onOutput docker.OutputCallback) error
	PushImage(ctx context.Context, ref string, auth docker.RegistryAuth, onOutput docker.OutputCallback) error
}

// Sink receives log lines in the order they were produced.
type Sink func(line string)

// Config configures an Executor.
type Config struct {
	Image            string
	Limits           docker.Limits
	Timeout          time.Duration
	Registry         string
	RegistryUsername string
	RegistryPassword string
}

// Executor runs untrusted build steps.
type Executor struct {
	engine Engine
	cfg    Config
	logger *slog.Logger
}

// New constructs an Executor.
func New(engine Engine, cfg Config, logger *slog.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{engine: engine, cfg: cfg, logger: logger.With("component", "executor")}
}

// Run executes cmd with dir mounted as the working directory. A non-zero exit
// or the wall-clock timeout is a BuildExecution failure.
func (e *Executor) Run(ctx context.Context, deploymentID, dir string, cmd sanitize.Command, sink Sink) error {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	stdout := newLineWriter(sink)
	stderr := newLineWriter(sink)
	spec := docker.SandboxSpec{
		Image:  e.cfg.Image,
		Dir:    dir,
		Argv:   cmd.Argv,
		Env:    cmd.Env,
		Limits: e.cfg.Limits,
		Labels: map[string]string{"peep.sandbox": deploymentID},
	}
	started := time.Now()
	code, err := e.engine.RunSandbox(runCtx, spec, stdout, stderr)
	stdout.Flush()
	stderr.Flush()

	op := cmd.String()
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return &failure.Error{Kind: failure.BuildExecution, Op: op, Msg: fmt.Sprintf("timed out after %s", e.cfg.Timeout)}
	case err != nil && ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		return failure.Wrap(failure.BuildExecution, op, err)
	case code != 0:
		return &failure.Error{Kind: failure.BuildExecution, Op: op, Msg: fmt.Sprintf("exited with code %d", code), Code: int(code)}
	}
	e.logger.Debug("sandbox command finished", "deployment_id", deploymentID, "command", op, "duration", time.Since(started))
	return nil
}

// ImageRef returns the validated image reference for a deployment,
// <registry>/<projectID>:<deploymentID>.
func (e *Executor) ImageRef(projectID, deploymentID string) (name.Tag, error) {
	registry := strings.TrimSuffix(strings.TrimSpace(e.cfg.Registry), "/")
	if registry == "" {
		registry = "local"
	}
	raw := fmt.Sprintf("%s/%s:%s", registry, strings.ToLower(projectID), strings.ToLower(deploymentID))
	tag, err := name.NewTag(raw, name.WeakValidation)
	if err != nil {
		return name.Tag{}, fmt.Errorf("invalid image reference %q: %w", raw, err)
	}
	return tag, nil
}

// BuildImage builds the workspace's Dockerfile and, when a registry is
// configured, pushes it. The returned reference is what the runtime pulls.
// Build and push share the same wall-clock timeout as Run.
func (e *Executor) BuildImage(ctx context.Context, dir, projectID, deploymentID string, sink Sink) (string, error) {
	buildCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	tag, err := e.ImageRef(projectID, deploymentID)
	if err != nil {
		return "", failure.Wrap(failure.BuildExecution, "docker build", err)
	}
	ref := tag.String()
	out := func(line string) {
		if sink != nil {
			sink(line)
		}
	}

	if err := e.engine.BuildImage(buildCtx, dir, ref, out); err != nil {
		return "", e.engineErr(ctx, failure.BuildExecution, "docker build", err)
	}
	if strings.TrimSpace(e.cfg.Registry) == "" {
		return ref, nil
	}

	auth := docker.RegistryAuth{
		Username:      e.cfg.RegistryUsername,
		Password:      e.cfg.RegistryPassword,
		ServerAddress: tag.Context().RegistryStr(),
	}
	out(fmt.Sprintf("pushing %s", ref))
	if err := e.engine.PushImage(buildCtx, ref, auth, out); err != nil {
		return "", e.engineErr(ctx, failure.Upload, "docker push", err)
	}
	return ref, nil
}

// engineErr separates our own timeout from the caller going away.
func (e *Executor) engineErr(parent context.Context, kind failure.Kind, op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil:
		return &failure.Error{Kind: failure.BuildExecution, Op: op, Msg: fmt.Sprintf("timed out after %s", e.cfg.Timeout)}
	case parent.Err() != nil:
		return parent.Err()
	}
	return failure.Wrap(kind, op, err)
}
