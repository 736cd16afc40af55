// Package fixer hands failed build output to the external error-fixer service.
package fixer

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
)

const maxLogBytes = 64 * 1024

// Request is the payload posted to the fixer.
type Request struct {
	DeploymentID string    `json:"deploymentId"`
	ProjectID    string    `json:"projectId"`
	Error        string    `json:"error"`
	Logs         string    `json:"logs,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// Client posts failures to the fixer endpoint.
type Client struct {
	url    string
	client *http.Client
}

// New returns a Client, or nil when url is empty.
func New(url string, timeout time.Duration) *Client {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{url: url, client: &http.Client{Timeout: timeout}}
}

// Submit sends the failure. Only the tail of oversized logs is sent.
func (c *Client) Submit(ctx context.Context, req Request) error {
	if c == nil {
		return errors.New("fixer not configured")
	}
	if len(req.Logs) > maxLogBytes {
		req.Logs = req.Logs[len(req.Logs)-maxLogBytes:]
	}
	if req.OccurredAt.IsZero() {
		req.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal fixer request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build fixer request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send fixer request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("fixer responded %s", resp.Status)
	}
	return nil
}
