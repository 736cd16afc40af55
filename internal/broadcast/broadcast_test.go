package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
	closed   bool
	got      chan struct{}
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{got: make(chan struct{}, 16)}
}

func (s *recordingSubscriber) Send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("gone")
	}
	s.payloads = append(s.payloads, p)
	s.got <- struct{}{}
	return nil
}

func (s *recordingSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSubscriber) messages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.payloads...)
}

func TestHubDeliversToDeploymentSubscribers(t *testing.T) {
	h := NewHub()
	defer h.Close()
	sub := newRecordingSubscriber()
	other := newRecordingSubscriber()
	h.Register("d1", sub)
	h.Register("d2", other)

	ctx := context.Background()
	now := time.Now()
	if err := h.PublishLog(ctx, LogEvent{DeploymentID: "d1", Log: "npm install", Timestamp: now}); err != nil {
		t.Fatalf("publish log: %v", err)
	}
	if err := h.PublishStatus(ctx, StatusEvent{DeploymentID: "d1", Status: "ready", Timestamp: now}); err != nil {
		t.Fatalf("publish status: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-sub.got:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	msgs := sub.messages()
	var first map[string]any
	if err := json.Unmarshal(msgs[0], &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first["type"] != "log" || first["log"] != "npm install" || first["deploymentId"] != "d1" {
		t.Fatalf("unexpected log payload %v", first)
	}
	var second map[string]any
	if err := json.Unmarshal(msgs[1], &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if second["type"] != "status" || second["status"] != "ready" {
		t.Fatalf("unexpected status payload %v", second)
	}
	if len(other.messages()) != 0 {
		t.Fatalf("other deployment must not receive events")
	}
}

func TestHubDropsFailingSubscribers(t *testing.T) {
	h := NewHub()
	defer h.Close()
	bad := newRecordingSubscriber()
	bad.fail = true
	good := newRecordingSubscriber()
	h.Register("d1", bad)
	h.Register("d1", good)

	if err := h.PublishLog(context.Background(), LogEvent{DeploymentID: "d1", Log: "x"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// A second event is only handled once the first fan-out has finished.
	if err := h.PublishLog(context.Background(), LogEvent{DeploymentID: "d1", Log: "y"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-good.got:
		case <-time.After(time.Second):
			t.Fatalf("good subscriber did not receive event %d", i)
		}
	}
	bad.mu.Lock()
	closed := bad.closed
	bad.mu.Unlock()
	if !closed {
		t.Fatalf("failing subscriber should be closed")
	}
}

type countingBroadcaster struct {
	statuses, logs int
	err            error
}

func (c *countingBroadcaster) PublishStatus(context.Context, StatusEvent) error {
	c.statuses++
	return c.err
}

func (c *countingBroadcaster) PublishLog(context.Context, LogEvent) error {
	c.logs++
	return c.err
}

func TestFanoutPublishesToAll(t *testing.T) {
	a := &countingBroadcaster{}
	b := &countingBroadcaster{err: errors.New("offline")}
	f := Fanout{a, nil, b}
	if err := f.PublishStatus(context.Background(), StatusEvent{DeploymentID: "d"}); err == nil {
		t.Fatalf("expected joined error")
	}
	if err := f.PublishLog(context.Background(), LogEvent{DeploymentID: "d"}); err == nil {
		t.Fatalf("expected joined error")
	}
	if a.statuses != 1 || a.logs != 1 || b.statuses != 1 || b.logs != 1 {
		t.Fatalf("expected every member to be called")
	}
}

func TestSubjects(t *testing.T) {
	if StatusSubject("d1") != "deployments.d1.status" || LogSubject("d1") != "deployments.d1.logs" {
		t.Fatalf("unexpected subjects")
	}
}
