// Package metrics provides Prometheus instrumentation for the marketplace core.
package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "freeflow",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "freeflow",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OrderTransitionsTotal counts order state transitions by action and outcome.
	OrderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "freeflow",
			Name:      "order_transitions_total",
			Help:      "Total order state machine transitions by action and result.",
		},
		[]string{"action", "result"},
	)

	// DisputesResolvedTotal counts dispute resolutions by resolution type.
	DisputesResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "freeflow",
			Name:      "disputes_resolved_total",
			Help:      "Total disputes resolved by resolution type.",
		},
		[]string{"resolution_type"},
	)

	// PaymentGatewayCallsTotal counts payment gateway calls by operation and result.
	PaymentGatewayCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "freeflow",
			Name:      "payment_gateway_calls_total",
			Help:      "Total payment custody gateway calls by operation and result.",
		},
		[]string{"operation", "result"},
	)

	// ReconcileQueueDepth tracks pending payment reconciliation entries.
	ReconcileQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "freeflow",
			Name:      "payment_reconcile_queue_depth",
			Help:      "Number of payment operations awaiting reconciliation replay.",
		},
	)

	// NotificationsTotal counts outbound notifications by category and result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "freeflow",
			Name:      "notifications_total",
			Help:      "Total notification sends by category and result.",
		},
		[]string{"category", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OrderTransitionsTotal,
		DisputesResolvedTotal,
		PaymentGatewayCallsTotal,
		ReconcileQueueDepth,
		NotificationsTotal,
	)
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Middleware instruments HTTP requests with request count and latency.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := statusLabel(c.Writer.Status())

		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).
			Observe(time.Since(start).Seconds())
	}
}

func statusLabel(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
