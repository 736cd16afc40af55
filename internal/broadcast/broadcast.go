// Package broadcast publishes deployment status and log events to live
// subscribers. Delivery is at-most-once: nothing is buffered for subscribers
// that are not connected when an event is published.
package broadcast

import (
	"context"
	"errors"
	"time"
)

// StatusEvent announces a deployment status change.
type StatusEvent struct {
	DeploymentID string    `json:"deploymentId"`
	Status       string    `json:"status"`
	Logs         string    `json:"logs,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// LogEvent carries one incremental build log line.
type LogEvent struct {
	DeploymentID string    `json:"deploymentId"`
	Log          string    `json:"log"`
	Timestamp    time.Time `json:"timestamp"`
}

// Broadcaster publishes deployment events.
type Broadcaster interface {
	PublishStatus(ctx context.Context, event StatusEvent) error
	PublishLog(ctx context.Context, event LogEvent) error
}

// Fanout publishes every event to each of its members.
type Fanout []Broadcaster

func (f Fanout) PublishStatus(ctx context.Context, event StatusEvent) error {
	var errs []error
	for _, b := range f {
		if b == nil {
			continue
		}
		if err := b.PublishStatus(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) PublishLog(ctx context.Context, event LogEvent) error {
	var errs []error
	for _, b := range f {
		if b == nil {
			continue
		}
		if err := b.PublishLog(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishStatus(context.Context, StatusEvent) error { return nil }
func (Nop) PublishLog(context.Context, LogEvent) error       { return nil }
