package observability

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig holds configuration for the metrics subsystem.
type MetricsConfig struct {
	Enabled bool
	// Namespace prefixes every metric name (default: stagesuite).
	Namespace string
	// Version is reported by the build_info gauge.
	Version string
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "stagesuite",
		Version:   "dev",
	}
}

// MetricsConfigFromEnv creates a MetricsConfig from environment variables.
// STAGESUITE_METRICS_ENABLED: true/false (default: true)
// APP_VERSION: version string (default: dev)
func MetricsConfigFromEnv() MetricsConfig {
	cfg := DefaultMetricsConfig()
	if v := os.Getenv("STAGESUITE_METRICS_ENABLED"); v != "" {
		cfg.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("APP_VERSION"); v != "" {
		cfg.Version = v
	}
	return cfg
}

// Metrics holds the Prometheus collectors for the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitRejected   prometheus.Counter

	RegistryBuildsTotal    *prometheus.CounterVec
	RegistryBuildDuration  prometheus.Histogram
	RegistryProviders      *prometheus.GaugeVec
	RegistryDecryptFailure prometheus.Counter

	SSOResolutionsTotal *prometheus.CounterVec
	InviteAcceptsTotal  *prometheus.CounterVec
	InvitesCreatedTotal prometheus.Counter
}

// NewMetrics creates the collectors and registers them on a fresh registry
// together with the Go and process collectors.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "stagesuite"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		RateLimitRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "rate_limit_rejected_total",
			Help:      "Requests rejected by the rate limiter",
		}),
		RegistryBuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "registry_builds_total",
			Help:      "Provider registry builds by result",
		}, []string{"result"}),
		RegistryBuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "registry_build_duration_seconds",
			Help:      "Time spent building the provider registry",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		RegistryProviders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "registry_providers",
			Help:      "Providers in the most recently built registry",
		}, []string{"source"}),
		RegistryDecryptFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "registry_decrypt_failures_total",
			Help:      "Tenant identity configs excluded because their secret could not be decrypted",
		}),
		SSOResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "sso_resolutions_total",
			Help:      "Email to provider resolutions by outcome",
		}, []string{"outcome"}),
		InviteAcceptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "invite_accepts_total",
			Help:      "Invite acceptance attempts by outcome",
		}, []string{"outcome"}),
		InvitesCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "invites_created_total",
			Help:      "Invites created",
		}),
	}

	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Name:        "build_info",
		Help:        "Application information",
		ConstLabels: prometheus.Labels{"version": cfg.Version},
	})
	buildInfo.Set(1)

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		buildInfo,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitRejected,
		m.RegistryBuildsTotal,
		m.RegistryBuildDuration,
		m.RegistryProviders,
		m.RegistryDecryptFailure,
		m.SSOResolutionsTotal,
		m.InviteAcceptsTotal,
		m.InvitesCreatedTotal,
	)
	return m
}

// NoopMetrics returns a Metrics that records nothing.
func NoopMetrics() *Metrics { return nil }

// Registry exposes the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordHTTPRequest records a request with its method, normalized path, status and duration.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	p := NormalizePath(path)
	m.HTTPRequestsTotal.WithLabelValues(method, p, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, p).Observe(duration.Seconds())
}

// RecordRateLimitRejected counts a request refused with 429.
func (m *Metrics) RecordRateLimitRejected() {
	if m == nil {
		return
	}
	m.RateLimitRejected.Inc()
}

// RecordRegistryBuild records a finished registry build.
func (m *Metrics) RecordRegistryBuild(err error, static, dynamic int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RegistryBuildDuration.Observe(duration.Seconds())
	if err != nil {
		m.RegistryBuildsTotal.WithLabelValues("error").Inc()
		return
	}
	m.RegistryBuildsTotal.WithLabelValues("ok").Inc()
	m.RegistryProviders.WithLabelValues("static").Set(float64(static))
	m.RegistryProviders.WithLabelValues("dynamic").Set(float64(dynamic))
}

// RecordDecryptFailure counts a tenant config dropped from a registry build.
func (m *Metrics) RecordDecryptFailure() {
	if m == nil {
		return
	}
	m.RegistryDecryptFailure.Inc()
}

// RecordResolution counts a resolver outcome: matched, unmatched or invalid.
func (m *Metrics) RecordResolution(outcome string) {
	if m == nil {
		return
	}
	m.SSOResolutionsTotal.WithLabelValues(outcome).Inc()
}

// RecordInviteAccept counts an acceptance outcome: accepted, expired,
// exhausted, not_found or error.
func (m *Metrics) RecordInviteAccept(outcome string) {
	if m == nil {
		return
	}
	m.InviteAcceptsTotal.WithLabelValues(outcome).Inc()
}

// RecordInviteCreated counts a created invite.
func (m *Metrics) RecordInviteCreated() {
	if m == nil {
		return
	}
	m.InvitesCreatedTotal.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// MetricsMiddleware returns an HTTP middleware that records request metrics.
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	if m == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			wrapped := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			m.RecordHTTPRequest(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
			if wrapped.statusCode == http.StatusTooManyRequests {
				m.RecordRateLimitRejected()
			}
		})
	}
}

type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController.
func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
