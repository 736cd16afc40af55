package executor

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splax/peep/internal/docker"
	"github.com/splax/peep/internal/failure"
	"github.com/splax/peep/internal/sanitize"
)

type fakeEngine struct {
	mu       sync.Mutex
	output   []string
	stderr   string
	code     int64
	block    bool
	slowPush bool
	runErr   error
	specs    []docker.SandboxSpec
	built    []string
	pushed   []string
	pushAuth docker.RegistryAuth
	pushErr  error
}

func (f *fakeEngine) RunSandbox(ctx context.Context, spec docker.SandboxSpec, stdout, stderr io.Writer) (int64, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	for _, chunk := range f.output {
		if _, err := io.WriteString(stdout, chunk); err != nil {
			return 0, err
		}
	}
	if f.stderr != "" {
		if _, err := io.WriteString(stderr, f.stderr); err != nil {
			return 0, err
		}
	}
	if f.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return f.code, f.runErr
}

func (f *fakeEngine) BuildImage(ctx context.Context, _, tag string, onOutput docker.OutputCallback) error {
	f.built = append(f.built, tag)
	onOutput("Successfully tagged " + tag)
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeEngine) PushImage(ctx context.Context, ref string, auth docker.RegistryAuth, _ docker.OutputCallback) error {
	f.pushed = append(f.pushed, ref)
	f.pushAuth = auth
	if f.slowPush {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.pushErr
}

func mustSanitize(t *testing.T, cmd string) sanitize.Command {
	t.Helper()
	c, err := sanitize.Sanitize(cmd, map[string]string{"API_URL": "http://api"})
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	return c
}

func TestRunStreamsLinesInOrder(t *testing.T) {
	engine := &fakeEngine{output: []string{"added 10 ", "packages\nwarn deprecated\n", "audit ok\n", "done"}, stderr: "npm notice\n"}
	exec := New(engine, Config{Image: "node:20"}, nil)

	var lines []string
	err := exec.Run(context.Background(), "d1", "/tmp/ws/d1", mustSanitize(t, "npm install"), func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := "added 10 packages|warn deprecated|audit ok|npm notice|done"
	if strings.Join(lines, "|") != want {
		t.Fatalf("unexpected lines %q", lines)
	}
	spec := engine.specs[0]
	if spec.Dir != "/tmp/ws/d1" || spec.Image != "node:20" || strings.Join(spec.Argv, " ") != "npm install" {
		t.Fatalf("unexpected spec %+v", spec)
	}
	if !containsEnv(spec.Env, "API_URL=http://api") || !containsEnv(spec.Env, "NODE_ENV=production") {
		t.Fatalf("expected merged env, got %v", spec.Env)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	exec := New(&fakeEngine{code: 2}, Config{Image: "node:20"}, nil)
	err := exec.Run(context.Background(), "d1", "/ws", mustSanitize(t, "npm run build"), nil)
	if !failure.Is(err, failure.BuildExecution) {
		t.Fatalf("expected build execution failure, got %v", err)
	}
	if code, ok := failure.ExitCode(err); !ok || code != 2 {
		t.Fatalf("expected exit code 2, got %d", code)
	}
}

func TestRunTimeout(t *testing.T) {
	exec := New(&fakeEngine{block: true}, Config{Image: "node:20", Timeout: 20 * time.Millisecond}, nil)
	err := exec.Run(context.Background(), "d1", "/ws", mustSanitize(t, "npm run build"), nil)
	if !failure.Is(err, failure.BuildExecution) {
		t.Fatalf("expected build execution failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timed out message, got %v", err)
	}
}

func TestRunParentCancellationIsNotATimeout(t *testing.T) {
	exec := New(&fakeEngine{block: true}, Config{Image: "node:20"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := exec.Run(ctx, "d1", "/ws", mustSanitize(t, "npm run build"), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestBuildImageLocalOnly(t *testing.T) {
	engine := &fakeEngine{}
	exec := New(engine, Config{}, nil)
	ref, err := exec.BuildImage(context.Background(), "/ws", "proj-1", "dep-1", nil)
	if err != nil {
		t.Fatalf("build image: %v", err)
	}
	if ref != "local/proj-1:dep-1" {
		t.Fatalf("unexpected ref %s", ref)
	}
	if len(engine.pushed) != 0 {
		t.Fatalf("expected no push without registry")
	}
}

func TestBuildImageTimeout(t *testing.T) {
	exec := New(&fakeEngine{block: true}, Config{Timeout: 20 * time.Millisecond}, nil)
	_, err := exec.BuildImage(context.Background(), "/ws", "proj-1", "dep-1", nil)
	if !failure.Is(err, failure.BuildExecution) {
		t.Fatalf("expected build execution failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timed out message, got %v", err)
	}
}

func TestBuildImagePushSharesTimeout(t *testing.T) {
	engine := &fakeEngine{slowPush: true}
	exec := New(engine, Config{Registry: "registry.example.com", Timeout: 20 * time.Millisecond}, nil)
	_, err := exec.BuildImage(context.Background(), "/ws", "proj-1", "dep-1", nil)
	if !failure.Is(err, failure.BuildExecution) || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected push to time out, got %v", err)
	}
	if len(engine.pushed) != 1 {
		t.Fatalf("expected one push attempt, got %v", engine.pushed)
	}
}

func TestBuildImageParentCancellationIsNotATimeout(t *testing.T) {
	exec := New(&fakeEngine{block: true}, Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := exec.BuildImage(ctx, "/ws", "proj-1", "dep-1", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestBuildImagePushesToRegistry(t *testing.T) {
	engine := &fakeEngine{}
	exec := New(engine, Config{Registry: "registry.example.com:5000/", RegistryUsername: "ci", RegistryPassword: "pw"}, nil)
	var lines []string
	ref, err := exec.BuildImage(context.Background(), "/ws", "proj-1", "dep-1", func(l string) { lines = append(lines, l) })
	if err != nil {
		t.Fatalf("build image: %v", err)
	}
	if ref != "registry.example.com:5000/proj-1:dep-1" {
		t.Fatalf("unexpected ref %s", ref)
	}
	if len(engine.pushed) != 1 || engine.pushed[0] != ref {
		t.Fatalf("expected push of %s, got %v", ref, engine.pushed)
	}
	if engine.pushAuth.ServerAddress != "registry.example.com:5000" || engine.pushAuth.Username != "ci" {
		t.Fatalf("unexpected auth %+v", engine.pushAuth)
	}
	if len(lines) == 0 {
		t.Fatalf("expected build output to be forwarded")
	}
}

func TestBuildImagePushFailure(t *testing.T) {
	engine := &fakeEngine{pushErr: errors.New("denied")}
	exec := New(engine, Config{Registry: "registry.example.com"}, nil)
	if _, err := exec.BuildImage(context.Background(), "/ws", "p", "d", nil); !failure.Is(err, failure.Upload) {
		t.Fatalf("expected upload failure, got %v", err)
	}
}

func TestLineWriterSplitsLongLines(t *testing.T) {
	var lines []string
	w := newLineWriter(func(l string) { lines = append(lines, l) })
	if _, err := w.Write([]byte(strings.Repeat("x", maxLineLength+10))); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Flush()
	if len(lines) != 2 || len(lines[0]) != maxLineLength || len(lines[1]) != 10 {
		t.Fatalf("unexpected split %d lines", len(lines))
	}
}

func containsEnv(env []string, kv string) bool {
	for _, e := range env {
		if e == kv {
			return true
		}
	}
	return false
}
