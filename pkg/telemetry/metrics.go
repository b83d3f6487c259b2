package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the orchestration engine.
// All Record methods are safe to call on a disabled instance.
type Metrics struct {
	config MetricsConfig

	// Installer job metrics
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	activeJobs    prometheus.Gauge

	// Remote command metrics
	commandsExecuted *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec

	lockContention *prometheus.CounterVec
	faultsByClass  *prometheus.CounterVec

	bootstrapSteps *prometheus.CounterVec

	taskRuns        *prometheus.CounterVec
	taskRunDuration *prometheus.HistogramVec

	deployments        *prometheus.CounterVec
	deploymentDuration prometheus.Histogram

	// Host metrics pushed by collectors
	samplesIngested *prometheus.CounterVec
	hostUsage       *prometheus.GaugeVec

	queueDepth prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		jobsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_started_total",
				Help:      "Total number of installer jobs started",
			},
			[]string{"kind", "operation"},
		),
		jobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_completed_total",
				Help:      "Total number of installer jobs completed",
			},
			[]string{"kind", "operation", "status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of installer jobs in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "operation"},
		),
		activeJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_jobs",
				Help:      "Number of jobs currently running on the worker pool",
			},
		),
		commandsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_commands_total",
				Help:      "Total number of remote commands executed",
			},
			[]string{"result"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_command_duration_seconds",
				Help:      "Duration of remote commands in seconds",
				Buckets:   buckets,
			},
			[]string{"result"},
		),
		lockContention: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_contention_total",
				Help:      "Total number of rejected lock acquisitions",
			},
			[]string{"class"},
		),
		faultsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "faults_total",
				Help:      "Total number of faults by class",
			},
			[]string{"class"},
		),
		bootstrapSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bootstrap_steps_total",
				Help:      "Total number of bootstrap steps finished",
			},
			[]string{"step", "state"},
		),
		taskRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_runs_total",
				Help:      "Total number of recurring task runs",
			},
			[]string{"result"},
		),
		taskRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_run_duration_seconds",
				Help:      "Duration of recurring task runs in seconds",
				Buckets:   buckets,
			},
			[]string{"result"},
		),
		deployments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_total",
				Help:      "Total number of finished deployments",
			},
			[]string{"status", "trigger"},
		),
		deploymentDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deployment_duration_seconds",
				Help:      "Duration of deployments in seconds",
				Buckets:   buckets,
			},
		),
		samplesIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "metric_samples_ingested_total",
				Help:      "Total number of host metric samples accepted or rejected",
			},
			[]string{"result"},
		),
		hostUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "host_usage_percent",
				Help:      "Last reported usage percentage per host and resource",
			},
			[]string{"host_id", "resource"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Number of jobs waiting for a worker",
			},
		),
	}

	registry.MustRegister(
		m.jobsStarted,
		m.jobsCompleted,
		m.jobDuration,
		m.activeJobs,
		m.commandsExecuted,
		m.commandDuration,
		m.lockContention,
		m.faultsByClass,
		m.bootstrapSteps,
		m.taskRuns,
		m.taskRunDuration,
		m.deployments,
		m.deploymentDuration,
		m.samplesIngested,
		m.hostUsage,
		m.queueDepth,
	)

	return m, nil
}

// RecordJobStarted increments the started counter and the active gauge.
func (m *Metrics) RecordJobStarted(kind, operation string) {
	if m == nil || m.jobsStarted == nil {
		return
	}
	m.jobsStarted.WithLabelValues(kind, operation).Inc()
	m.activeJobs.Inc()
}

// RecordJobCompleted records a finished installer job.
func (m *Metrics) RecordJobCompleted(kind, operation, status string, duration time.Duration) {
	if m == nil || m.jobsCompleted == nil {
		return
	}
	m.jobsCompleted.WithLabelValues(kind, operation, status).Inc()
	m.jobDuration.WithLabelValues(kind, operation).Observe(duration.Seconds())
	m.activeJobs.Dec()
}

// RecordCommand records one remote command. result is ok, nonzero or error.
func (m *Metrics) RecordCommand(result string, duration time.Duration) {
	if m == nil || m.commandsExecuted == nil {
		return
	}
	m.commandsExecuted.WithLabelValues(result).Inc()
	m.commandDuration.WithLabelValues(result).Observe(duration.Seconds())
}

func (m *Metrics) RecordLockContention(class string) {
	if m == nil || m.lockContention == nil {
		return
	}
	m.lockContention.WithLabelValues(class).Inc()
}

func (m *Metrics) RecordFault(class string) {
	if m == nil || m.faultsByClass == nil {
		return
	}
	m.faultsByClass.WithLabelValues(class).Inc()
}

func (m *Metrics) RecordBootstrapStep(step, state string) {
	if m == nil || m.bootstrapSteps == nil {
		return
	}
	m.bootstrapSteps.WithLabelValues(step, state).Inc()
}

// RecordTaskRun records a recurring task run. result is success or failed.
func (m *Metrics) RecordTaskRun(result string, duration time.Duration) {
	if m == nil || m.taskRuns == nil {
		return
	}
	m.taskRuns.WithLabelValues(result).Inc()
	m.taskRunDuration.WithLabelValues(result).Observe(duration.Seconds())
}

func (m *Metrics) RecordDeployment(status, trigger string, duration time.Duration) {
	if m == nil || m.deployments == nil {
		return
	}
	m.deployments.WithLabelValues(status, trigger).Inc()
	m.deploymentDuration.Observe(duration.Seconds())
}

// RecordSamples counts ingested samples. result is accepted or rejected.
func (m *Metrics) RecordSamples(result string, count int) {
	if m == nil || m.samplesIngested == nil {
		return
	}
	m.samplesIngested.WithLabelValues(result).Add(float64(count))
}

// SetHostUsage sets the last reported usage for a host. resource is cpu, memory or storage.
func (m *Metrics) SetHostUsage(hostID, resource string, percent float64) {
	if m == nil || m.hostUsage == nil {
		return
	}
	m.hostUsage.WithLabelValues(hostID, resource).Set(percent)
}

func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
