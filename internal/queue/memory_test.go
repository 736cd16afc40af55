package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/splax/peep/internal/domain"
)

var (
	_ Queue = (*Memory)(nil)
	_ Queue = (*Redis)(nil)
)

func job(id string) domain.BuildJob {
	return domain.BuildJob{DeploymentID: id, ProjectID: "p1", SourceType: domain.SourceGit, RepoURL: "https://example.com/r.git"}
}

func TestMemoryFIFOAndAck(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := q.Enqueue(ctx, job(id)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	if err := q.Enqueue(ctx, job("a")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	first, err := q.Dequeue(ctx, time.Second)
	if err != nil || first.Job.DeploymentID != "a" {
		t.Fatalf("expected a, got %+v %v", first, err)
	}
	if err := q.Ack(ctx, first); err != nil {
		t.Fatalf("ack: %v", err)
	}
	second, err := q.Dequeue(ctx, time.Second)
	if err != nil || second.Job.DeploymentID != "b" {
		t.Fatalf("expected b, got %+v %v", second, err)
	}
	if _, err := q.Dequeue(ctx, 10*time.Millisecond); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected empty, got %v", err)
	}
}

func TestMemoryDequeueWakesOnEnqueue(t *testing.T) {
	q := NewMemory()
	got := make(chan string, 1)
	go func() {
		d, err := q.Dequeue(context.Background(), 5*time.Second)
		if err != nil {
			got <- err.Error()
			return
		}
		got <- d.Job.DeploymentID
	}()
	time.Sleep(20 * time.Millisecond)
	if err := q.Enqueue(context.Background(), job("late")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case id := <-got:
		if id != "late" {
			t.Fatalf("unexpected dequeue result %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dequeue did not wake up")
	}
}

func TestMemoryRemove(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	_ = q.Enqueue(ctx, job("a"))
	_ = q.Enqueue(ctx, job("b"))

	removed, err := q.Remove(ctx, "b")
	if err != nil || !removed {
		t.Fatalf("expected queued job to be removed, got %v %v", removed, err)
	}
	if _, err := q.Dequeue(ctx, time.Second); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if _, err := q.Remove(ctx, "a"); !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected in-flight error, got %v", err)
	}
	removed, err = q.Remove(ctx, "missing")
	if err != nil || removed {
		t.Fatalf("expected missing job to report false, got %v %v", removed, err)
	}
}

func TestMemoryRecoverRedelivers(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	_ = q.Enqueue(ctx, job("a"))
	if _, err := q.Dequeue(ctx, time.Second); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	moved, err := q.Recover(ctx)
	if err != nil || moved != 1 {
		t.Fatalf("expected one recovered job, got %d %v", moved, err)
	}
	d, err := q.Dequeue(ctx, time.Second)
	if err != nil || d.Job.DeploymentID != "a" {
		t.Fatalf("expected redelivery of a, got %+v %v", d, err)
	}
}

func TestMemoryDequeueHonoursContext(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Dequeue(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestMemoryRequeueGoesToBack(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	_ = q.Enqueue(ctx, job("a"))
	_ = q.Enqueue(ctx, job("b"))
	first, err := q.Dequeue(ctx, time.Second)
	if err != nil || first.Job.DeploymentID != "a" {
		t.Fatalf("expected a, got %+v %v", first, err)
	}
	if err := q.Requeue(ctx, first); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	for _, want := range []string{"b", "a"} {
		d, err := q.Dequeue(ctx, time.Second)
		if err != nil || d.Job.DeploymentID != want {
			t.Fatalf("expected %s, got %+v %v", want, d, err)
		}
	}
	if n, err := q.Recover(ctx); err != nil || n != 2 {
		t.Fatalf("both jobs should be in flight, recovered %d %v", n, err)
	}
}
