// Package metrics exposes the control plane's Prometheus series.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// durationBuckets covers sub-10ms file ops through multi-second execs.
var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

var (
	SandboxCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandbox_created_total",
			Help: "Total sandboxes created",
		},
	)

	SandboxActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandbox_active",
			Help: "Number of sandboxes not yet destroyed",
		},
	)

	SandboxExecTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_exec_total",
			Help: "Total commands executed in sandboxes",
		},
		[]string{"sandbox", "command"},
	)

	SandboxExecDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandbox_exec_duration_seconds",
			Help:    "Time to execute a command in a sandbox",
			Buckets: durationBuckets,
		},
	)

	SnapshotCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snapshot_created_total",
			Help: "Total workspace snapshots created",
		},
	)

	SnapshotRestoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snapshot_restored_total",
			Help: "Total workspace snapshots restored",
		},
	)

	SnapshotSizeBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snapshot_size_bytes",
			Help:    "Compressed snapshot archive size",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 19), // 4 KiB .. 1 GiB
		},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: durationBuckets,
		},
	)

	QuotaViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_violations_total",
			Help: "Total quota admission rejections",
		},
		[]string{"kind"},
	)

	PreviewProxyInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "preview_proxy_in_flight",
			Help: "Preview requests currently being proxied",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SandboxCreatedTotal,
		SandboxActive,
		SandboxExecTotal,
		SandboxExecDuration,
		SnapshotCreatedTotal,
		SnapshotRestoredTotal,
		SnapshotSizeBytes,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		QuotaViolationsTotal,
		PreviewProxyInFlight,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware instruments HTTP requests with count and latency.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()
			HTTPRequestDuration.Observe(time.Since(start).Seconds())
			return err
		}
	}
}
