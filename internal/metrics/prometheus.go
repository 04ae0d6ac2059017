// Package metrics exposes gateway metrics in Prometheus format.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Logout reasons.
const (
	ReasonTimeout          = "timeout"
	ReasonDenied           = "denied"
	ReasonValidationFailed = "validation_failed"
	ReasonManual           = "manual"
)

// Registry holds all gateway metrics.
type Registry struct {
	// Roster
	Clients *prometheus.GaugeVec
	Logins  *prometheus.CounterVec
	Logouts *prometheus.CounterVec

	// Synchronization passes
	Passes       prometheus.Counter
	PassFailures prometheus.Counter
	PassDuration prometheus.Histogram

	// Auth server
	AuthResponses *prometheus.CounterVec
	AuthReachable prometheus.Gauge

	// Upstream
	Online prometheus.Gauge

	// System
	Uptime      prometheus.Gauge
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec
}

// Get returns the global metrics registry, registered with the default
// Prometheus registerer.
func Get() *Registry {
	once.Do(func() {
		registry = New(prometheus.DefaultRegisterer)
	})
	return registry
}

// New creates a Registry whose collectors are registered with reg.
func New(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	r := &Registry{}

	r.Clients = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tollgate_clients",
		Help: "Clients in the roster by access state",
	}, []string{"state"})

	r.Logins = f.NewCounterVec(prometheus.CounterOpts{
		Name: "tollgate_logins_total",
		Help: "Login attempts by result",
	}, []string{"result"})

	r.Logouts = f.NewCounterVec(prometheus.CounterOpts{
		Name: "tollgate_logouts_total",
		Help: "Clients removed from the roster by reason",
	}, []string{"reason"})

	r.Passes = f.NewCounter(prometheus.CounterOpts{
		Name: "tollgate_sync_passes_total",
		Help: "Completed synchronization passes",
	})

	r.PassFailures = f.NewCounter(prometheus.CounterOpts{
		Name: "tollgate_sync_pass_failures_total",
		Help: "Synchronization passes aborted before touching clients",
	})

	r.PassDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "tollgate_sync_pass_duration_seconds",
		Help:    "Duration of synchronization passes",
		Buckets: prometheus.DefBuckets,
	})

	r.AuthResponses = f.NewCounterVec(prometheus.CounterOpts{
		Name: "tollgate_auth_responses_total",
		Help: "Auth server verdicts by request stage",
	}, []string{"stage", "code"})

	r.AuthReachable = f.NewGauge(prometheus.GaugeOpts{
		Name: "tollgate_auth_server_reachable",
		Help: "1 if the last auth server heartbeat succeeded",
	})

	r.Online = f.NewGauge(prometheus.GaugeOpts{
		Name: "tollgate_upstream_online",
		Help: "1 if any upstream probe target answered",
	})

	r.Uptime = f.NewGauge(prometheus.GaugeOpts{
		Name: "tollgate_uptime_seconds",
		Help: "Gateway uptime in seconds",
	})

	r.APIRequests = f.NewCounterVec(prometheus.CounterOpts{
		Name: "tollgate_api_requests_total",
		Help: "Total API requests",
	}, []string{"method", "path", "status"})

	r.APILatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tollgate_api_request_duration_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	return r
}

// RecordPass records a finished synchronization pass.
func (r *Registry) RecordPass(d time.Duration, err error) {
	if err != nil {
		r.PassFailures.Inc()
		return
	}
	r.Passes.Inc()
	r.PassDuration.Observe(d.Seconds())
}

// SetClients replaces the per-state client gauges. States missing from
// counts are reset to zero.
func (r *Registry) SetClients(counts map[string]int, states []string) {
	for _, s := range states {
		r.Clients.WithLabelValues(s).Set(float64(counts[s]))
	}
}

// RecordAuthResponse counts one auth server verdict.
func (r *Registry) RecordAuthResponse(stage, code string) {
	r.AuthResponses.WithLabelValues(stage, code).Inc()
}

// RecordLogout counts one removal from the roster.
func (r *Registry) RecordLogout(reason string) {
	r.Logouts.WithLabelValues(reason).Inc()
}

// RecordLogin counts one login attempt.
func (r *Registry) RecordLogin(result string) {
	r.Logins.WithLabelValues(result).Inc()
}

// SetAuthReachable records the heartbeat result.
func (r *Registry) SetAuthReachable(ok bool) {
	r.AuthReachable.Set(boolFloat(ok))
}

// SetOnline records the upstream probe result.
func (r *Registry) SetOnline(ok bool) {
	r.Online.Set(boolFloat(ok))
}

// RecordAPIRequest records an API request.
func (r *Registry) RecordAPIRequest(method, path string, status int, duration float64) {
	r.APIRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.APILatency.WithLabelValues(method, path).Observe(duration)
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
