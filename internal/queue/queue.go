// Package queue provides the durable build job queue consumed by the worker
// pool. Delivery is at-least-once: a job stays in the processing list until
// it is acknowledged and is moved back to pending by Recover after a crash.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/splax/peep/internal/domain"
)

var (
	// ErrEmpty is returned by Dequeue when no job arrived within the wait.
	ErrEmpty = errors.New("queue: empty")
	// ErrInFlight is returned by Remove when the job was already dequeued.
	ErrInFlight = errors.New("queue: job already in progress")
	// ErrDuplicate is returned by Enqueue when the deployment is already queued.
	ErrDuplicate = errors.New("queue: job already queued")
)

// Delivery is a dequeued job awaiting acknowledgement.
type Delivery struct {
	Job        domain.BuildJob
	ReceivedAt time.Time
}

// Queue is the build job queue contract.
type Queue interface {
	Enqueue(ctx context.Context, job domain.BuildJob) error
	Dequeue(ctx context.Context, wait time.Duration) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// Requeue returns a dequeued job to the back of the pending queue.
	Requeue(ctx context.Context, d Delivery) error
	// Remove drops a job that has not been dequeued yet. It reports false
	// when no such job exists and ErrInFlight when a worker already holds it.
	Remove(ctx context.Context, deploymentID string) (bool, error)
	// Recover moves unacknowledged jobs back to pending and returns how many.
	Recover(ctx context.Context) (int, error)
	Close() error
}
