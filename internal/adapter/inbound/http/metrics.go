// Package http provides the HTTP transport adapter for the session multiplexer.
package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for taskdeck.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveSessions   prometheus.GaugeFunc
	SessionsCreated  prometheus.Counter
	SSEStreamsActive prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
// activeSessions reports the live session count on scrape.
func NewMetrics(reg prometheus.Registerer, activeSessions func() float64) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskdeck",
				Name:      "requests_total",
				Help:      "Total number of MCP requests processed",
			},
			[]string{"method", "status"}, // method=POST, status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "taskdeck",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets, // 5ms to 10s
			},
			[]string{"method"},
		),
		ActiveSessions: promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "taskdeck",
				Name:      "active_sessions",
				Help:      "Number of active sessions",
			},
			activeSessions,
		),
		SessionsCreated: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "taskdeck",
				Name:      "sessions_created_total",
				Help:      "Total sessions created over the process lifetime",
			},
		),
		SSEStreamsActive: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "taskdeck",
				Name:      "sse_streams_active",
				Help:      "Number of open SSE event streams",
			},
		),
	}
}
