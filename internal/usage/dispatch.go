package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/splax/peep/internal/besteffort"
	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/failure"
)

const dispatchTimeout = 5 * time.Second

// Dispatcher records usage in the background.
type Dispatcher struct {
	rec    Recorder
	logger *slog.Logger
}

// NewDispatcher wraps rec. A nil rec discards every record.
func NewDispatcher(rec Recorder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{rec: rec, logger: logger.With("component", "usage")}
}

// Dispatch records u without blocking. The returned channel closes once the
// attempt finishes; callers on the request path ignore it.
func (d *Dispatcher) Dispatch(u domain.Usage) <-chan struct{} {
	if d == nil || d.rec == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	rec := d.rec
	return besteffort.Go(d.logger.With("deployment_id", u.DeploymentID), "usage record", dispatchTimeout, func(ctx context.Context) error {
		return failure.Wrap(failure.UsageLogging, "record usage", rec.RecordUsage(ctx, u))
	})
}
