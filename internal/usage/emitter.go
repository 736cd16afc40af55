// Package usage records per-request accounting for proxied traffic. Records
// are dispatched off the request path and failures are only logged.
package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/splax/peep/internal/domain"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the usage endpoint rejected the token.
var ErrUnauthorized = errors.New("usage endpoint unauthorized")

// ErrInvalidArgument indicates the usage endpoint rejected the payload.
var ErrInvalidArgument = errors.New("usage endpoint invalid argument")

// ErrNotFound indicates the usage endpoint did not know the project.
var ErrNotFound = errors.New("usage endpoint project not found")

// Recorder stores one request's accounting.
type Recorder interface {
	RecordUsage(ctx context.Context, u domain.Usage) error
}

// Emitter posts usage records to an HTTP ingestion endpoint.
type Emitter struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time
}

// NewEmitter creates an emitter posting to baseURL/usage/events.
func NewEmitter(baseURL, token string, client *http.Client) (*Emitter, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("usage base url required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Emitter{
		baseURL: trimmed,
		token:   strings.TrimSpace(token),
		client:  client,
		now:     time.Now,
	}, nil
}

// RecordUsage sends u to the ingestion endpoint.
func (e *Emitter) RecordUsage(ctx context.Context, u domain.Usage) error {
	if strings.TrimSpace(u.DeploymentID) == "" {
		return errors.New("usage record requires deployment_id")
	}
	body, err := json.Marshal(buildPayload(u, e.now))
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/usage/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build usage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send usage request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, summary)
	default:
		return fmt.Errorf("usage request failed: %s", summary)
	}
}

func buildPayload(u domain.Usage, nowFn func() time.Time) map[string]any {
	occurred := u.OccurredAt
	if occurred.IsZero() {
		occurred = nowFn()
	}
	return map[string]any{
		"deployment_id": u.DeploymentID,
		"project_id":    u.ProjectID,
		"host":          u.Host,
		"method":        u.Method,
		"path":          u.Path,
		"status_code":   u.StatusCode,
		"bytes_in":      u.BytesIn,
		"bytes_out":     u.BytesOut,
		"latency_ms":    float64(u.Latency) / float64(time.Millisecond),
		"occurred_at":   occurred.UTC().Format(time.RFC3339Nano),
	}
}
