package router

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"syscall"
	"time"

	"github.com/splax/peep/internal/failure"
)

// retryTransport retries requests whose connection was refused, which covers
// the window between a container passing its first health probe and its
// server accepting steady traffic. Bodies up to maxBody are buffered so they
// can be replayed; larger bodies get a single attempt.
type retryTransport struct {
	base     http.RoundTripper
	retries  int
	interval time.Duration
	maxBody  int64
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		data, err := io.ReadAll(io.LimitReader(req.Body, t.maxBody+1))
		if err != nil {
			req.Body.Close()
			return nil, err
		}
		if int64(len(data)) > t.maxBody {
			rest := req.Body
			out := req.Clone(req.Context())
			out.Body = struct {
				io.Reader
				io.Closer
			}{io.MultiReader(bytes.NewReader(data), rest), rest}
			return t.base.RoundTrip(out)
		}
		req.Body.Close()
		body = data
	}

	for attempt := 0; ; attempt++ {
		out := req.Clone(req.Context())
		if body != nil {
			out.Body = io.NopCloser(bytes.NewReader(body))
			out.ContentLength = int64(len(body))
		}
		resp, err := t.base.RoundTrip(out)
		if err == nil || !errors.Is(err, syscall.ECONNREFUSED) {
			return resp, err
		}
		if attempt >= t.retries {
			return nil, &failure.Error{Kind: failure.Proxy, Op: "proxy", Msg: "upstream refused connections after retries", Err: err}
		}
		if err := wait(req.Context(), t.interval); err != nil {
			return nil, err
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
