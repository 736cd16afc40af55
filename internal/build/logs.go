package build

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/splax/peep/internal/broadcast"
)

const (
	buildLogRepeatFlushInterval = 5 * time.Second
	buildLogBufferSize          = 100
	logPublishQueue             = 512
	logPublishTimeout           = 2 * time.Second
)

// buildLogAggregator collapses runs of identical lines into a single
// "(repeated N more times)" line and keeps a tail of recent lines.
type buildLogAggregator struct {
	emit     func(string)
	last     string
	repeats  int
	lastEmit time.Time
	maxDelay time.Duration
	buffer   []string
	bufSize  int
	now      func() time.Time
}

func newBuildLogAggregator(emit func(string)) *buildLogAggregator {
	return &buildLogAggregator{
		emit:     emit,
		maxDelay: buildLogRepeatFlushInterval,
		bufSize:  buildLogBufferSize,
		now:      time.Now,
	}
}

func (a *buildLogAggregator) Add(line string) {
	if a == nil || line == "" {
		return
	}
	now := a.now()
	if a.last == "" {
		a.last = line
		a.repeats = 0
		a.emitLine(line, now)
		return
	}
	if line == a.last {
		a.repeats++
		if a.maxDelay > 0 && now.Sub(a.lastEmit) >= a.maxDelay {
			a.flushRepeatsAt(now)
		}
		return
	}
	a.flushRepeatsAt(now)
	a.last = line
	a.repeats = 0
	a.emitLine(line, now)
}

func (a *buildLogAggregator) Flush() {
	if a == nil {
		return
	}
	a.flushRepeatsAt(a.now())
}

func (a *buildLogAggregator) flushRepeatsAt(now time.Time) {
	if a.repeats == 0 || a.last == "" {
		return
	}
	msg := fmt.Sprintf("%s (repeated %d more times)", a.last, a.repeats)
	a.repeats = 0
	a.emitLine(msg, now)
}

func (a *buildLogAggregator) emitLine(line string, now time.Time) {
	if a.emit != nil {
		a.emit(line)
	}
	a.record(line)
	a.lastEmit = now
}

func (a *buildLogAggregator) record(line string) {
	if a.bufSize <= 0 {
		return
	}
	if len(a.buffer) < a.bufSize {
		a.buffer = append(a.buffer, line)
		return
	}
	a.buffer = append(a.buffer[1:], line)
}

// Snapshot returns up to limit of the most recent lines.
func (a *buildLogAggregator) Snapshot(limit int) []string {
	if a == nil || len(a.buffer) == 0 {
		return nil
	}
	if limit <= 0 || limit >= len(a.buffer) {
		return append([]string(nil), a.buffer...)
	}
	return append([]string(nil), a.buffer[len(a.buffer)-limit:]...)
}

// logRecorder is the single writer of a deployment's build log. Lines are
// appended to the persisted text and handed to one publisher goroutine so
// subscribers see them in production order. When the publish queue is full
// lines are dropped for subscribers but still persisted.
type logRecorder struct {
	mu           sync.Mutex
	deploymentID string
	text         strings.Builder
	agg          *buildLogAggregator
	out          chan broadcast.LogEvent
	done         chan struct{}
	closed       bool
	now          func() time.Time
}

func newLogRecorder(deploymentID string, b broadcast.Broadcaster, now func() time.Time) *logRecorder {
	r := &logRecorder{
		deploymentID: deploymentID,
		out:          make(chan broadcast.LogEvent, logPublishQueue),
		done:         make(chan struct{}),
		now:          now,
	}
	r.agg = newBuildLogAggregator(r.append)
	r.agg.now = now
	go r.publish(b)
	return r
}

// Line records one line of output.
func (r *logRecorder) Line(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agg.Add(line)
}

// Linef records a formatted line.
func (r *logRecorder) Linef(format string, args ...any) {
	r.Line(fmt.Sprintf(format, args...))
}

func (r *logRecorder) append(line string) {
	r.text.WriteString(line)
	r.text.WriteByte('\n')
	if r.closed {
		return
	}
	select {
	case r.out <- broadcast.LogEvent{DeploymentID: r.deploymentID, Log: line, Timestamp: r.now().UTC()}:
	default:
	}
}

// Text flushes pending repeats and returns the full log.
func (r *logRecorder) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agg.Flush()
	return r.text.String()
}

// Tail returns the most recent lines.
func (r *logRecorder) Tail(limit int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agg.Snapshot(limit)
}

// Close stops accepting lines and waits for queued events to be published.
func (r *logRecorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.agg.Flush()
	r.closed = true
	close(r.out)
	r.mu.Unlock()
	<-r.done
}

func (r *logRecorder) publish(b broadcast.Broadcaster) {
	defer close(r.done)
	for event := range r.out {
		if b == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), logPublishTimeout)
		_ = b.PublishLog(ctx, event)
		cancel()
	}
}
