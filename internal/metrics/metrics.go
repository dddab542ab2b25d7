// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP API

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burstflare_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burstflare_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Runtime tunnel

	TunnelConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burstflare_tunnel_connections",
			Help: "Number of open runtime tunnel connections",
		},
		[]string{"kind"},
	)

	TunnelBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burstflare_tunnel_bytes_total",
			Help: "Total bytes forwarded through runtime tunnels",
		},
		[]string{"kind", "direction"},
	)

	TunnelClosesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burstflare_tunnel_closes_total",
			Help: "Total tunnel closures by close code",
		},
		[]string{"kind", "code"},
	)

	// Background jobs

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burstflare_jobs_total",
			Help: "Total dispatched jobs processed by workers",
		},
		[]string{"type", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burstflare_job_duration_seconds",
			Help:    "Job processing latency in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"type"},
	)

	ReconcileTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burstflare_reconcile_ticks_total",
			Help: "Total scheduler ticks by outcome",
		},
		[]string{"outcome"},
	)
)
