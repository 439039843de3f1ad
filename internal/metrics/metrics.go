package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "conductor"
)

// Metrics holds all Prometheus metrics for conductor
type Metrics struct {
	// Reconciliation metrics
	ReconcileTotal    *prometheus.CounterVec
	ReconcileDuration *prometheus.HistogramVec
	SlotActions       *prometheus.CounterVec
	RunnersDesired    *prometheus.GaugeVec

	// Registration token metrics
	TokenRequests prometheus.Counter
	TokenCacheHit prometheus.Counter

	// GitHub API metrics
	GitHubAPIRequests *prometheus.CounterVec
	GitHubAPIDuration *prometheus.HistogramVec

	// Installer metrics
	InstallDuration prometheus.Histogram
	PackageDownload *prometheus.CounterVec

	// Supervisor metrics
	RunnersRunning     prometheus.Gauge
	RunnerStarts       *prometheus.CounterVec
	RunnerExits        *prometheus.CounterVec
	ShutdownBroadcasts prometheus.Counter

	// System metrics
	ConductorInfo *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	m := &Metrics{
		ReconcileTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_total",
				Help:      "Total number of repository reconciliations",
			},
			[]string{"repo", "status"},
		),
		ReconcileDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Duration of repository reconciliations",
				Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"repo"},
		),
		SlotActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "slot_actions_total",
				Help:      "Reconciliation decisions taken per runner slot",
			},
			[]string{"repo", "action"},
		),
		RunnersDesired: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runners_desired",
				Help:      "Desired number of runners per repository",
			},
			[]string{"repo"},
		),

		TokenRequests: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registration_token_requests_total",
				Help:      "Registration tokens requested from GitHub",
			},
		),
		TokenCacheHit: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registration_token_cache_hits_total",
				Help:      "Registration tokens served from the cache",
			},
		),

		GitHubAPIRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "github_api_requests_total",
				Help:      "Total number of GitHub API requests",
			},
			[]string{"endpoint", "status"},
		),
		GitHubAPIDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "github_api_duration_seconds",
				Help:      "Duration of GitHub API requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),

		InstallDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "install_duration_seconds",
				Help:      "Duration of runner unpack and configure steps",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),
		PackageDownload: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "package_fetch_total",
				Help:      "Runner package fetches by source",
			},
			[]string{"source"}, // cache, download
		),

		RunnersRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runners_running",
				Help:      "Number of supervised runner processes",
			},
		),
		RunnerStarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runner_starts_total",
				Help:      "Runner process spawn attempts",
			},
			[]string{"repo", "status"},
		),
		RunnerExits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runner_exits_total",
				Help:      "Runner process terminations",
			},
			[]string{"repo", "reason"}, // exited, signaled
		),
		ShutdownBroadcasts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shutdown_broadcasts_total",
				Help:      "Fail-together shutdown broadcasts issued",
			},
		),

		ConductorInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "info",
				Help:      "Information about the conductor instance",
			},
			[]string{"version", "platform"},
		),
	}

	return m
}
