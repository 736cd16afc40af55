package httpx

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMemoryLimiterWindow(t *testing.T) {
	l := NewMemoryLimiter()
	defer l.Close()
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if d := l.Allow(ctx, "ip:1.2.3.4", 3, time.Minute); !d.Allowed || d.Count != i {
			t.Fatalf("request %d: unexpected decision %+v", i, d)
		}
	}
	if d := l.Allow(ctx, "ip:1.2.3.4", 3, time.Minute); d.Allowed {
		t.Fatalf("expected fourth request to be limited, got %+v", d)
	}
	if d := l.Allow(ctx, "ip:5.6.7.8", 3, time.Minute); !d.Allowed {
		t.Fatalf("other keys must have their own window")
	}

	now = now.Add(time.Minute)
	if d := l.Allow(ctx, "ip:1.2.3.4", 3, time.Minute); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected a fresh window, got %+v", d)
	}

	now = now.Add(2 * time.Minute)
	l.sweep()
	if len(l.windows) != 0 {
		t.Fatalf("expected expired windows to be swept, have %d", len(l.windows))
	}
}

func TestMemoryLimiterDisabled(t *testing.T) {
	l := NewMemoryLimiter()
	defer l.Close()
	for i := 0; i < 10; i++ {
		if d := l.Allow(context.Background(), "k", 0, time.Minute); !d.Allowed {
			t.Fatalf("limit 0 must allow everything")
		}
	}
}

func TestDeployRateLimited(t *testing.T) {
	limiter := NewMemoryLimiter()
	defer limiter.Close()
	reg := prometheus.NewRegistry()
	r := New(slog.New(slog.NewTextHandler(io.Discard, nil)), Options{
		Deployer:     &fakeDeployer{},
		Registerer:   reg,
		Gatherer:     reg,
		Limiter:      limiter,
		DeployLimit:  2,
		DeployWindow: time.Minute,
	})

	body := `{"projectId":"proj-1","repoUrl":"https://github.com/acme/site.git","sourceType":"git"}`
	codes := make([]int, 0, 3)
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/deploy", strings.NewReader(body))
		req.RemoteAddr = "10.0.0.7:51234"
		last = httptest.NewRecorder()
		r.ServeHTTP(last, req)
		codes = append(codes, last.Code)
	}
	if codes[0] != http.StatusAccepted || codes[1] != http.StatusAccepted || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status codes %v", codes)
	}
	if last.Header().Get("X-RateLimit-Remaining") != "0" || last.Header().Get("Retry-After") == "" {
		t.Fatalf("missing rate limit headers: %v", last.Header())
	}

	req := httptest.NewRequest(http.MethodPost, "/deploy", strings.NewReader(body))
	req.RemoteAddr = "10.0.0.8:40000"
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("other clients must not be limited, got %d", rec.Code)
	}
}
