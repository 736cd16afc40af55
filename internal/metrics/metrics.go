// Package metrics holds the Prometheus collectors shared by the builder and
// the router.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name.
const Namespace = "peep"

// DurationBuckets suit request latencies.
var DurationBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// BuildBuckets suit whole-build durations in seconds.
var BuildBuckets = []float64{5, 15, 30, 60, 120, 300, 600, 900}

// CounterVec registers a counter vector, returning the already registered
// collector when one with the same description exists.
func CounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels ...string) *prometheus.CounterVec {
	opts.Namespace = Namespace
	c := prometheus.NewCounterVec(opts, labels)
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

// HistogramVec registers a histogram vector, returning the already registered
// collector when one with the same description exists.
func HistogramVec(reg prometheus.Registerer, opts prometheus.HistogramOpts, labels ...string) *prometheus.HistogramVec {
	opts.Namespace = Namespace
	h := prometheus.NewHistogramVec(opts, labels)
	if reg == nil {
		return h
	}
	if err := reg.Register(h); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return h
}

// GaugeFunc registers a gauge whose value is read from fn on scrape.
func GaugeFunc(reg prometheus.Registerer, opts prometheus.GaugeOpts, fn func() float64) {
	if reg == nil {
		return
	}
	opts.Namespace = Namespace
	_ = reg.Register(prometheus.NewGaugeFunc(opts, fn))
}
