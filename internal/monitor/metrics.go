package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the verification engine.
type Metrics struct {
	Registry *prometheus.Registry

	JobsTotal          *prometheus.CounterVec
	JobDuration        *prometheus.HistogramVec
	QueueDepth         *prometheus.GaugeVec
	RunningJobs        *prometheus.GaugeVec
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	OracleCalls        *prometheus.CounterVec
	ReductionRounds    prometheus.Histogram
	VerificationsTotal *prometheus.CounterVec
	ConfidenceScore    prometheus.Histogram
	RequestsInFlight   prometheus.Gauge
	InputSizeBytes     prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "verify",
				Name:      "jobs_total",
				Help:      "Total scheduled jobs by tenant and outcome.",
			},
			[]string{"tenant", "outcome"},
		),

		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "verify",
				Name:      "job_duration_seconds",
				Help:      "Duration of scheduled jobs in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"tenant"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "verify",
				Name:      "queue_depth",
				Help:      "Queued jobs per tenant.",
			},
			[]string{"tenant"},
		),

		RunningJobs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "verify",
				Name:      "running_jobs",
				Help:      "Jobs in the running state per tenant.",
			},
			[]string{"tenant"},
		),

		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "verify",
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Result cache hits.",
			},
		),

		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "verify",
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Result cache misses.",
			},
		),

		OracleCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "verify",
				Subsystem: "minimize",
				Name:      "oracle_calls_total",
				Help:      "Delta-minimizer oracle invocations by verdict.",
			},
			[]string{"verdict"},
		),

		ReductionRounds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "verify",
				Subsystem: "minimize",
				Name:      "reduction_rounds",
				Help:      "ddmin rounds per minimization run.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
		),

		VerificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "verify",
				Name:      "verifications_total",
				Help:      "Patch verifications by outcome.",
			},
			[]string{"outcome"},
		),

		ConfidenceScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "verify",
				Name:      "confidence_score",
				Help:      "Confidence scores produced.",
				Buckets:   prometheus.LinearBuckets(0, 10, 11),
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "verify",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "HTTP requests currently being processed.",
			},
		),

		InputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "verify",
				Name:      "input_size_bytes",
				Help:      "Size of submitted working inputs in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.JobsTotal,
		m.JobDuration,
		m.QueueDepth,
		m.RunningJobs,
		m.CacheHits,
		m.CacheMisses,
		m.OracleCalls,
		m.ReductionRounds,
		m.VerificationsTotal,
		m.ConfidenceScore,
		m.RequestsInFlight,
		m.InputSizeBytes,
	)

	return m
}

// RecordJob records metrics for a finished job.
func (m *Metrics) RecordJob(tenant, outcome string, durationSec float64) {
	m.JobsTotal.WithLabelValues(tenant, outcome).Inc()
	m.JobDuration.WithLabelValues(tenant).Observe(durationSec)
}

// SetQueueDepth updates the queued-jobs gauge for a tenant.
func (m *Metrics) SetQueueDepth(tenant string, depth int) {
	m.QueueDepth.WithLabelValues(tenant).Set(float64(depth))
}

// SetRunningJobs updates the running-jobs gauge for a tenant.
func (m *Metrics) SetRunningJobs(tenant string, n int) {
	m.RunningJobs.WithLabelValues(tenant).Set(float64(n))
}

// RecordOracleCall records one minimizer oracle invocation.
func (m *Metrics) RecordOracleCall(verdict string) {
	m.OracleCalls.WithLabelValues(verdict).Inc()
}

// RecordVerification records one patch verification by outcome.
func (m *Metrics) RecordVerification(outcome string) {
	m.VerificationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveConfidence records one computed confidence score (0-100).
func (m *Metrics) ObserveConfidence(value float64) {
	m.ConfidenceScore.Observe(value)
}

// ObserveReduction records the round count of one finished minimization.
func (m *Metrics) ObserveReduction(rounds int) {
	m.ReductionRounds.Observe(float64(rounds))
}
