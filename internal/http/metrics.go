package httpx

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/docket/internal/metrics"
)

type routerMetrics struct {
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec
	deployments    prometheus.Gauge
}

func newRouterMetrics() routerMetrics {
	return routerMetrics{
		requestTotal:   metrics.CounterVec("api", "http_requests_total", "Count of processed HTTP requests", "method", "route", "status"),
		requestLatency: metrics.HistogramVec("api", "http_request_duration_seconds", "Latency distribution of HTTP handlers", "method", "route", "status"),
		rateLimitHits:  metrics.CounterVec("api", "rate_limit_hits_total", "Number of rate-limited responses", "route", "key"),
		deployments:    metrics.Gauge("api", "deployments", "Mapping records seen by the last health or list call."),
	}
}

func (m routerMetrics) record(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(duration.Seconds())
}
