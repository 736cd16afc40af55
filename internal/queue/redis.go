package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/peep/internal/domain"
)

// Redis is a reliable list-based queue. Pending and processing lists hold
// deployment ids; job payloads live under their own keys.
type Redis struct {
	client     *redis.Client
	pending    string
	processing string
	jobPrefix  string
	logger     *slog.Logger
	now        func() time.Time
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(addr, password string, db int, name string, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisWithClient(client, name, logger), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, name string, logger *slog.Logger) *Redis {
	if name == "" {
		name = "builds"
	}
	if logger == nil {
		logger = slog.Default()
	}
	prefix := "peep:" + name + ":"
	return &Redis{
		client:     client,
		pending:    prefix + "pending",
		processing: prefix + "processing",
		jobPrefix:  prefix + "job:",
		logger:     logger.With("component", "queue"),
		now:        time.Now,
	}
}

func (q *Redis) Enqueue(ctx context.Context, job domain.BuildJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	created, err := q.client.SetNX(ctx, q.jobPrefix+job.DeploymentID, payload, 0).Result()
	if err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	if !created {
		return ErrDuplicate
	}
	if err := q.client.LPush(ctx, q.pending, job.DeploymentID).Err(); err != nil {
		q.client.Del(context.WithoutCancel(ctx), q.jobPrefix+job.DeploymentID)
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

func (q *Redis) Dequeue(ctx context.Context, wait time.Duration) (Delivery, error) {
	id, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", wait).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Delivery{}, ErrEmpty
		}
		return Delivery{}, fmt.Errorf("dequeue: %w", err)
	}
	payload, err := q.client.Get(ctx, q.jobPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		// The payload was removed after the id was listed; drop the orphan.
		q.client.LRem(ctx, q.processing, 1, id)
		return Delivery{}, ErrEmpty
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("load job %s: %w", id, err)
	}
	var job domain.BuildJob
	if err := json.Unmarshal(payload, &job); err != nil {
		q.logger.Error("discarding undecodable job", "deployment_id", id, "error", err)
		q.client.LRem(ctx, q.processing, 1, id)
		q.client.Del(ctx, q.jobPrefix+id)
		return Delivery{}, ErrEmpty
	}
	return Delivery{Job: job, ReceivedAt: q.now()}, nil
}

func (q *Redis) Ack(ctx context.Context, d Delivery) error {
	id := d.Job.DeploymentID
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, id)
		pipe.Del(ctx, q.jobPrefix+id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

func (q *Redis) Requeue(ctx context.Context, d Delivery) error {
	id := d.Job.DeploymentID
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, id)
		pipe.LPush(ctx, q.pending, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	return nil
}

func (q *Redis) Remove(ctx context.Context, deploymentID string) (bool, error) {
	removed, err := q.client.LRem(ctx, q.pending, 0, deploymentID).Result()
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", deploymentID, err)
	}
	if removed > 0 {
		if err := q.client.Del(ctx, q.jobPrefix+deploymentID).Err(); err != nil {
			return true, fmt.Errorf("delete job %s: %w", deploymentID, err)
		}
		return true, nil
	}
	_, err = q.client.LPos(ctx, q.processing, deploymentID, redis.LPosArgs{}).Result()
	switch {
	case err == nil:
		return false, ErrInFlight
	case errors.Is(err, redis.Nil):
		return false, nil
	default:
		return false, fmt.Errorf("lookup %s: %w", deploymentID, err)
	}
}

func (q *Redis) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.LMove(ctx, q.processing, q.pending, "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover: %w", err)
		}
		moved++
	}
}

func (q *Redis) Close() error {
	return q.client.Close()
}
