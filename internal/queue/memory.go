package queue

import (
	"context"
	"sync"
	"time"

	"github.com/splax/peep/internal/domain"
)

// Memory is an in-process queue used when Redis is not configured. Jobs do not
// survive a restart.
type Memory struct {
	mu         sync.Mutex
	pending    []string
	processing map[string]struct{}
	jobs       map[string]domain.BuildJob
	signal     chan struct{}
	now        func() time.Time
}

// NewMemory constructs an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{
		processing: make(map[string]struct{}),
		jobs:       make(map[string]domain.BuildJob),
		signal:     make(chan struct{}),
		now:        time.Now,
	}
}

func (q *Memory) Enqueue(_ context.Context, job domain.BuildJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[job.DeploymentID]; ok {
		return ErrDuplicate
	}
	q.jobs[job.DeploymentID] = job
	q.pending = append(q.pending, job.DeploymentID)
	q.wake()
	return nil
}

func (q *Memory) Dequeue(ctx context.Context, wait time.Duration) (Delivery, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			id := q.pending[0]
			q.pending = q.pending[1:]
			q.processing[id] = struct{}{}
			job := q.jobs[id]
			q.mu.Unlock()
			return Delivery{Job: job, ReceivedAt: q.now()}, nil
		}
		signal := q.signal
		q.mu.Unlock()

		select {
		case <-signal:
		case <-timer.C:
			return Delivery{}, ErrEmpty
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		}
	}
}

func (q *Memory) Ack(_ context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, d.Job.DeploymentID)
	delete(q.jobs, d.Job.DeploymentID)
	return nil
}

func (q *Memory) Requeue(_ context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := d.Job.DeploymentID
	if _, ok := q.processing[id]; !ok {
		return nil
	}
	delete(q.processing, id)
	q.pending = append(q.pending, id)
	q.wake()
	return nil
}

func (q *Memory) Remove(_ context.Context, deploymentID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, id := range q.pending {
		if id == deploymentID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			delete(q.jobs, id)
			return true, nil
		}
	}
	if _, ok := q.processing[deploymentID]; ok {
		return false, ErrInFlight
	}
	return false, nil
}

func (q *Memory) Recover(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	moved := 0
	for id := range q.processing {
		q.pending = append(q.pending, id)
		delete(q.processing, id)
		moved++
	}
	if moved > 0 {
		q.wake()
	}
	return moved, nil
}

func (q *Memory) Close() error { return nil }

// wake releases every blocked Dequeue. Callers hold q.mu.
func (q *Memory) wake() {
	close(q.signal)
	q.signal = make(chan struct{})
}
