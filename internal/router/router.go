// Package router serves inbound traffic: it resolves the Host header to a
// deployment, makes sure the deployment's container is running and proxies
// the request to it.
package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/failure"
	"github.com/splax/peep/internal/metrics"
	"github.com/splax/peep/internal/repository"
)

const (
	// HeaderDeployment names the deployment that served a proxied response.
	HeaderDeployment = "X-Peep-Deployment"

	defaultRetries       = 20
	defaultRetryInterval = 1500 * time.Millisecond
	defaultMaxBody       = 32 << 20

	// statusClientClosed is recorded, never sent, when the client goes away
	// before a response starts.
	statusClientClosed = 499
)

// strippedHeaders are upstream response headers the proxy hop would
// duplicate or contradict.
var strippedHeaders = []string{"Date", "Server", "Connection", "Transfer-Encoding"}

// Cache makes a deployment's artifact available on local disk.
type Cache interface {
	Ensure(ctx context.Context, deploymentID, artifactRef string) (string, error)
}

// Runtime keeps deployment containers running.
type Runtime interface {
	EnsureRunning(ctx context.Context, deploymentID, artifactRef, artifactPath string) (int, error)
	Touch(deploymentID string)
}

// Usage receives accounting records off the request path.
type Usage interface {
	Dispatch(u domain.Usage) <-chan struct{}
}

// Config tunes proxying.
type Config struct {
	Retries       int
	RetryInterval time.Duration
	MaxBody       int64
}

// Router is the edge HTTP handler.
type Router struct {
	resolver  *Resolver
	cache     Cache
	runtime   Runtime
	usage     Usage
	logger    *slog.Logger
	transport http.RoundTripper
	now       func() time.Time
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

// New constructs a Router.
func New(resolver *Resolver, cache Cache, runtime Runtime, usage Usage, cfg Config, logger *slog.Logger, reg prometheus.Registerer) *Router {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = defaultRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = defaultMaxBody
	}
	if logger == nil {
		logger = slog.Default()
	}
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.Proxy = nil
	return &Router{
		resolver: resolver,
		cache:    cache,
		runtime:  runtime,
		usage:    usage,
		logger:   logger.With("component", "router"),
		transport: &retryTransport{
			base:     base,
			retries:  cfg.Retries,
			interval: cfg.RetryInterval,
			maxBody:  cfg.MaxBody,
		},
		now: time.Now,
		requests: metrics.CounterVec(reg, prometheus.CounterOpts{
			Subsystem: "router",
			Name:      "proxy_requests_total",
			Help:      "Requests handled by the router, by status code",
		}, "code"),
		latency: metrics.HistogramVec(reg, prometheus.HistogramOpts{
			Subsystem: "router",
			Name:      "proxy_request_duration_seconds",
			Help:      "Router request latency",
			Buckets:   metrics.DurationBuckets,
		}, "code"),
	}
}

// ServeHTTP satisfies http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	started := rt.now()
	rec := &recorder{ResponseWriter: w}
	defer func() {
		code := strconv.Itoa(rec.code())
		rt.requests.WithLabelValues(code).Inc()
		rt.latency.WithLabelValues(code).Observe(rt.now().Sub(started).Seconds())
	}()

	dep, sub, err := rt.resolver.Resolve(req.Context(), req.Host)
	if errors.Is(err, repository.ErrNotFound) {
		writeNotFound(rec, sub)
		return
	}
	if err != nil {
		rt.logger.Error("host resolution failed", "host", req.Host, "error", err)
		http.Error(rec, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	switch dep.Status {
	case domain.StatusReady:
	case domain.StatusError:
		writePage(rec, http.StatusInternalServerError, errorPage, dep)
		return
	default:
		writePage(rec, http.StatusAccepted, buildingPage, dep)
		return
	}

	log := rt.logger.With("deployment_id", dep.ID)
	path, err := rt.cache.Ensure(req.Context(), dep.ID, dep.ArtifactRef)
	if err != nil {
		rt.fail(rec, log, "artifact unavailable", err)
		return
	}
	port, err := rt.runtime.EnsureRunning(req.Context(), dep.ID, dep.ArtifactRef, path)
	if err != nil {
		rt.fail(rec, log, "container unavailable", err)
		return
	}

	body := &countingBody{}
	if req.Body != nil && req.Body != http.NoBody {
		body.ReadCloser = req.Body
		req.Body = body
	}
	rt.proxy(dep.ID, port, log).ServeHTTP(rec, req)

	if code := rec.code(); code != statusClientClosed && code < http.StatusInternalServerError {
		rt.runtime.Touch(dep.ID)
	}
	if rt.usage == nil {
		return
	}
	rt.usage.Dispatch(domain.Usage{
		DeploymentID: dep.ID,
		ProjectID:    dep.ProjectID,
		Host:         req.Host,
		Method:       req.Method,
		Path:         req.URL.Path,
		StatusCode:   rec.code(),
		BytesIn:      body.n.Load(),
		BytesOut:     rec.bytes,
		Latency:      rt.now().Sub(started),
		OccurredAt:   started.UTC(),
	})
}

func (rt *Router) proxy(deploymentID string, port int, log *slog.Logger) *httputil.ReverseProxy {
	target := &url.URL{Scheme: "http", Host: "127.0.0.1:" + strconv.Itoa(port)}
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = pr.In.Host
			pr.SetXForwarded()
		},
		Transport: rt.transport,
		ModifyResponse: func(resp *http.Response) error {
			for _, h := range strippedHeaders {
				resp.Header.Del(h)
			}
			resp.Header.Set(HeaderDeployment, deploymentID)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, context.Canceled) {
				clientClosed(w)
				return
			}
			log.Warn("proxy failed", "error", err)
			w.Header().Set(HeaderDeployment, deploymentID)
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
		},
	}
}

func (rt *Router) fail(w http.ResponseWriter, log *slog.Logger, msg string, err error) {
	if errors.Is(err, context.Canceled) {
		log.Debug(msg, "error", err)
		clientClosed(w)
		return
	}
	status := failure.HTTPStatus(failure.KindOf(err))
	log.Error(msg, "kind", failure.KindOf(err).String(), "error", err)
	http.Error(w, http.StatusText(status), status)
}

// recorder captures the status and size of the response.
type recorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *recorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

func (r *recorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func clientClosed(w http.ResponseWriter) {
	if r, ok := w.(*recorder); ok && r.status == 0 {
		r.status = statusClientClosed
	}
}

func (r *recorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

type countingBody struct {
	io.ReadCloser
	n atomic.Int64
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n.Add(int64(n))
	return n, err
}
