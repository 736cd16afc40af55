package besteffort

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestGoLogsErrorsAndPanics(t *testing.T) {
	out := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(out, nil))

	<-Go(logger, "usage", time.Second, func(context.Context) error {
		return errors.New("store unavailable")
	})
	<-Go(logger, "fixer", time.Second, func(context.Context) error {
		panic("boom")
	})

	logs := out.String()
	if !strings.Contains(logs, "store unavailable") {
		t.Fatalf("expected error to be logged, got %s", logs)
	}
	if !strings.Contains(logs, "panic: boom") {
		t.Fatalf("expected panic to be logged, got %s", logs)
	}
}

func TestGoAppliesTimeout(t *testing.T) {
	var deadlineSet bool
	<-Go(nil, "broadcast", 50*time.Millisecond, func(ctx context.Context) error {
		_, deadlineSet = ctx.Deadline()
		<-ctx.Done()
		return ctx.Err()
	})
	if !deadlineSet {
		t.Fatalf("expected a deadline on the task context")
	}
}
