package api

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ethree",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Requests sent to the directory and backup services, by route and result.",
	}, []string{"method", "route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ethree",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "Latency of individual request attempts.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	return &metrics{
		requests: register(reg, requests).(*prometheus.CounterVec),
		duration: register(reg, duration).(*prometheus.HistogramVec),
	}
}

// register registers c, or returns the collector already registered under
// the same descriptor so that several clients can share one registry.
func register(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
	}
	return c
}

func (m *metrics) observe(method, route, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, code).Inc()
	m.duration.WithLabelValues(method, route).Observe(d.Seconds())
}
