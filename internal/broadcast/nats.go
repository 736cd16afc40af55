package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS publishes events on deployments.<id>.status and deployments.<id>.logs.
type NATS struct {
	nc *nats.Conn
}

// NewNATS connects to url, reconnecting indefinitely.
func NewNATS(url string, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name("peep-builder"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{nc: nc}, nil
}

// StatusSubject returns the subject carrying status events for a deployment.
func StatusSubject(deploymentID string) string {
	return "deployments." + deploymentID + ".status"
}

// LogSubject returns the subject carrying log lines for a deployment.
func LogSubject(deploymentID string) string {
	return "deployments." + deploymentID + ".logs"
}

func (n *NATS) PublishStatus(ctx context.Context, event StatusEvent) error {
	return n.publish(ctx, StatusSubject(event.DeploymentID), event)
}

func (n *NATS) PublishLog(ctx context.Context, event LogEvent) error {
	return n.publish(ctx, LogSubject(event.DeploymentID), event)
}

func (n *NATS) publish(_ context.Context, subject string, v any) error {
	if n.nc == nil || n.nc.IsClosed() {
		return errors.New("nats not connected")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return n.nc.Publish(subject, payload)
}

// Close drains pending publishes and closes the connection.
func (n *NATS) Close() {
	if n.nc != nil {
		_ = n.nc.Drain()
		n.nc.Close()
	}
}
