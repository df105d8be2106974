// Package metrics exposes the gateway's Prometheus collectors. All metrics
// live on a dedicated registry so tests can build isolated instances.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the gateway's collectors.
type Metrics struct {
	registry *prometheus.Registry

	// RequestDuration observes HTTP request latency by method and status.
	RequestDuration *prometheus.HistogramVec

	// UploadsTotal counts finished uploads by type and outcome.
	UploadsTotal *prometheus.CounterVec

	// UploadedBytes counts bytes accepted into the blob backend.
	UploadedBytes *prometheus.CounterVec

	// LockWaitSeconds observes how long requests waited for upload locks.
	LockWaitSeconds prometheus.Histogram

	// EventsDispatched counts lifecycle event deliveries by outcome.
	EventsDispatched *prometheus.CounterVec

	// DBPools reports the number of live tenant connection pools.
	DBPools prometheus.GaugeFunc
}

// New builds the collector set. poolCount feeds the pool gauge; pass nil to
// omit it.
func New(poolCount func() int) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stowage",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status"}),
		UploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stowage",
			Subsystem: "storage",
			Name:      "uploads_total",
			Help:      "Finished uploads by type and outcome.",
		}, []string{"type", "outcome"}),
		UploadedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stowage",
			Subsystem: "storage",
			Name:      "uploaded_bytes_total",
			Help:      "Bytes accepted into the blob backend.",
		}, []string{"type"}),
		LockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stowage",
			Subsystem: "tus",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for upload locks.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		}),
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stowage",
			Subsystem: "events",
			Name:      "dispatched_total",
			Help:      "Lifecycle event deliveries by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.RequestDuration,
		m.UploadsTotal,
		m.UploadedBytes,
		m.LockWaitSeconds,
		m.EventsDispatched,
	)

	if poolCount != nil {
		m.DBPools = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "stowage",
			Subsystem: "db",
			Name:      "tenant_pools",
			Help:      "Live tenant connection pools.",
		}, func() float64 { return float64(poolCount()) })
		reg.MustRegister(m.DBPools)
	}

	return m
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request latency for every handled request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		m.RequestDuration.
			WithLabelValues(r.Method, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

// ObserveUpload records one finished upload.
func (m *Metrics) ObserveUpload(uploadType string, size int64, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.UploadsTotal.WithLabelValues(uploadType, outcome).Inc()
	if err == nil && size > 0 {
		m.UploadedBytes.WithLabelValues(uploadType).Add(float64(size))
	}
}
