package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	decisionsTotal  *prometheus.CounterVec
	rebuildsTotal   *prometheus.CounterVec
	rebuildDuration prometheus.Histogram
	roleChanges     *prometheus.CounterVec
}

// Hasil keputusan akses yang dicatat.
const (
	OutcomeAllow       = "allow"
	OutcomeDeny        = "deny"
	OutcomeConfigError = "config_error"
	OutcomeError       = "error"
)

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_authz_decisions_total",
		Help: "Jumlah keputusan akses berdasarkan portal dan hasil.",
	}, []string{"portal", "outcome"})
	rebuilds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_authz_policy_rebuilds_total",
		Help: "Jumlah pembangunan ulang enforcer berdasarkan status.",
	}, []string{"status"})
	rebuildDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "odyssey_authz_policy_rebuild_duration_seconds",
		Help:    "Durasi memuat kebijakan dari store.",
		Buckets: prometheus.DefBuckets,
	})
	roleChanges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_authz_role_changes_total",
		Help: "Jumlah perubahan peran pengguna berdasarkan operasi dan status.",
	}, []string{"op", "status"})
	registry.MustRegister(requests, duration, decisions, rebuilds, rebuildDuration, roleChanges)
	for _, status := range []string{"ok", "error"} {
		rebuilds.WithLabelValues(status)
	}
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		decisionsTotal:  decisions,
		rebuildsTotal:   rebuilds,
		rebuildDuration: rebuildDuration,
		roleChanges:     roleChanges,
	}
}

// ObserveDecision mencatat satu keputusan akses.
func (m *Metrics) ObserveDecision(portal, outcome string) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(portal, outcome).Inc()
}

// ObserveRebuild mencatat satu pembangunan ulang enforcer.
func (m *Metrics) ObserveRebuild(d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.rebuildsTotal.WithLabelValues(status).Inc()
	m.rebuildDuration.Observe(d.Seconds())
}

// ObserveRoleChange mencatat penetapan atau pencabutan peran.
func (m *Metrics) ObserveRoleChange(op string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.roleChanges.WithLabelValues(op, status).Inc()
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
