package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes tile serving metrics to Prometheus.
type Metrics struct {
	registry            *prometheus.Registry
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	tiles               *prometheus.CounterVec
	overzoomFallbacks   *prometheus.CounterVec
}

// NewMetrics creates a fresh registry with HTTP and tile metrics registered.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tileproxy",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed",
	}, []string{"method", "route", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tileproxy",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	tiles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tileproxy",
		Name:      "tiles_total",
		Help:      "Tile lookups per source and outcome (hit, miss, error)",
	}, []string{"source", "outcome"})

	overzoomFallbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tileproxy",
		Name:      "overzoom_fallbacks_total",
		Help:      "Tiles served from an ancestor zoom level",
	}, []string{"source"})

	registry.MustRegister(httpRequests, httpRequestDuration, tiles, overzoomFallbacks)

	return &Metrics{
		registry:            registry,
		httpRequests:        httpRequests,
		httpRequestDuration: httpRequestDuration,
		tiles:               tiles,
		overzoomFallbacks:   overzoomFallbacks,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// IncTile counts one tile lookup.
func (m *Metrics) IncTile(source, outcome string) {
	if m == nil {
		return
	}
	m.tiles.WithLabelValues(source, outcome).Inc()
}

// IncOverzoomFallback counts a tile extracted from an ancestor.
func (m *Metrics) IncOverzoomFallback(source string) {
	if m == nil {
		return
	}
	m.overzoomFallbacks.WithLabelValues(source).Inc()
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
