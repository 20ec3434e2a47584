// Package metrics exposes orca's Prometheus counters and histograms.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Collector struct {
	jobsCreated        prometheus.Counter
	statusTransitions  *prometheus.CounterVec
	lockAcquisitions   prometheus.Counter
	lockWait           prometheus.Histogram
	staleReclaims      prometheus.Counter
	dependencyFailures *prometheus.CounterVec
	notifications      *prometheus.CounterVec
	watchdogRuns       prometheus.Counter
	watchdogFailed     *prometheus.CounterVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orca_jobs_created_total",
			Help: "Total number of jobs submitted",
		}),
		statusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orca_job_status_transitions_total",
			Help: "Job status changes by target status",
		}, []string{"status"}),
		lockAcquisitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orca_lock_acquisitions_total",
			Help: "Total number of job locks acquired",
		}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orca_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a job lock",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		staleReclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orca_lock_stale_reclaims_total",
			Help: "Total number of abandoned job locks reclaimed",
		}),
		dependencyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orca_dependency_failures_total",
			Help: "Resource manager and worker call failures by call",
		}, []string{"call"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orca_notifications_total",
			Help: "Job notifications emitted by operation",
		}, []string{"operation"}),
		watchdogRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orca_watchdog_runs_total",
			Help: "Total number of watchdog scans",
		}),
		watchdogFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orca_watchdog_failed_jobs_total",
			Help: "Jobs failed by the watchdog by reason",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		c.jobsCreated,
		c.statusTransitions,
		c.lockAcquisitions,
		c.lockWait,
		c.staleReclaims,
		c.dependencyFailures,
		c.notifications,
		c.watchdogRuns,
		c.watchdogFailed,
	)
	return c
}

func (c *Collector) RecordJobCreated() {
	if c == nil {
		return
	}
	c.jobsCreated.Inc()
}

func (c *Collector) RecordTransition(status string) {
	if c == nil {
		return
	}
	c.statusTransitions.WithLabelValues(status).Inc()
}

// LockAcquired satisfies mutex.Observer.
func (c *Collector) LockAcquired(_ string, waited time.Duration) {
	if c == nil {
		return
	}
	c.lockAcquisitions.Inc()
	c.lockWait.Observe(waited.Seconds())
}

// LockReclaimed satisfies mutex.Observer.
func (c *Collector) LockReclaimed(string) {
	if c == nil {
		return
	}
	c.staleReclaims.Inc()
}

func (c *Collector) RecordDependencyFailure(call string) {
	if c == nil {
		return
	}
	c.dependencyFailures.WithLabelValues(call).Inc()
}

func (c *Collector) RecordNotification(operation string) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(operation).Inc()
}

func (c *Collector) RecordWatchdogRun() {
	if c == nil {
		return
	}
	c.watchdogRuns.Inc()
}

func (c *Collector) RecordWatchdogFailure(reason string) {
	if c == nil {
		return
	}
	c.watchdogFailed.WithLabelValues(reason).Inc()
}
