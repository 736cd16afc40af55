package build

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/queue"
)

const (
	defaultDequeueWait = 5 * time.Second
	dequeueBackoff     = time.Second
	defaultRetryDelay  = 5 * time.Second
	ackTimeout         = 5 * time.Second
)

// Processor handles one build job.
type Processor interface {
	Process(ctx context.Context, job domain.BuildJob) error
}

// Pool runs a fixed number of workers that pull jobs from a queue.
type Pool struct {
	queue   queue.Queue
	proc    Processor
	workers int
	wait    time.Duration
	retry   time.Duration
	logger  *slog.Logger
}

// NewPool constructs a Pool with at least one worker.
func NewPool(q queue.Queue, proc Processor, workers int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:   q,
		proc:    proc,
		workers: workers,
		wait:    defaultDequeueWait,
		retry:   defaultRetryDelay,
		logger:  logger.With("component", "worker_pool"),
	}
}

// Run recovers unacknowledged jobs and blocks until ctx is cancelled and every
// worker has returned.
func (p *Pool) Run(ctx context.Context) {
	if n, err := p.queue.Recover(ctx); err != nil {
		p.logger.Error("recover in-flight jobs failed", "error", err)
	} else if n > 0 {
		p.logger.Info("requeued unacknowledged jobs", "count", n)
	}

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i)
	}
	wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) work(ctx context.Context, id int) {
	log := p.logger.With("worker", id)
	for ctx.Err() == nil {
		d, err := p.queue.Dequeue(ctx, p.wait)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", "error", err)
			sleep(ctx, dequeueBackoff)
			continue
		}

		log.Info("build job received", "deployment_id", d.Job.DeploymentID)
		if err := p.proc.Process(ctx, d.Job); err != nil {
			if ctx.Err() != nil {
				log.Warn("job left unacknowledged for redelivery", "deployment_id", d.Job.DeploymentID, "error", err)
				return
			}
			log.Warn("job failed; requeueing", "deployment_id", d.Job.DeploymentID, "error", err, "delay", p.retry)
			sleep(ctx, p.retry)
			if ctx.Err() != nil {
				return
			}
			requeueCtx, cancel := context.WithTimeout(context.Background(), ackTimeout)
			if err := p.queue.Requeue(requeueCtx, d); err != nil {
				log.Error("requeue failed", "deployment_id", d.Job.DeploymentID, "error", err)
			}
			cancel()
			continue
		}
		ackCtx, cancel := context.WithTimeout(context.Background(), ackTimeout)
		if err := p.queue.Ack(ackCtx, d); err != nil {
			log.Error("ack failed", "deployment_id", d.Job.DeploymentID, "error", err)
		}
		cancel()
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
