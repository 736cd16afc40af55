package httpx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/peep/internal/metrics"
)

type routerMetrics struct {
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	deployResults   *prometheus.CounterVec
	rateLimitHits   *prometheus.CounterVec
}

func newRouterMetrics(reg prometheus.Registerer) *routerMetrics {
	return &routerMetrics{
		requestTotal: metrics.CounterVec(reg, prometheus.CounterOpts{
			Subsystem: "builder",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, "method", "route", "status"),
		requestDuration: metrics.HistogramVec(reg, prometheus.HistogramOpts{
			Subsystem: "builder",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   metrics.DurationBuckets,
		}, "method", "route", "status"),
		deployResults: metrics.CounterVec(reg, prometheus.CounterOpts{
			Subsystem: "builder",
			Name:      "deploy_results_total",
			Help:      "Number of deploy handler outcomes",
		}, "outcome"),
		rateLimitHits: metrics.CounterVec(reg, prometheus.CounterOpts{
			Subsystem: "builder",
			Name:      "rate_limit_hits_total",
			Help:      "Requests rejected by the rate limiter",
		}, "route"),
	}
}

func (r *Router) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		r.metrics.recordRequest(req.Method, route, status, time.Since(start))
	}
}

func (m *routerMetrics) recordRequest(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestDuration.With(labels).Observe(duration.Seconds())
}

func (m *routerMetrics) deployResult(outcome string) {
	m.deployResults.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func (m *routerMetrics) rateLimited(route string) {
	m.rateLimitHits.With(prometheus.Labels{"route": route}).Inc()
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	return rr.ResponseWriter.Write(b)
}
