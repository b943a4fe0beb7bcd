// Package metrics exposes Prometheus counters for the scheduling, reconciling
// and grade publication paths.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns its own registry so multiple instances (tests, embedded use)
// never collide on global registration.
type Collector struct {
	registry *prometheus.Registry

	timersArmed          prometheus.Counter
	jobsExecuted         *prometheus.CounterVec
	dispatches           *prometheus.CounterVec
	reconcileCycles      prometheus.Counter
	reconcileCorrections *prometheus.CounterVec
	lockContention       prometheus.Counter
	gradesPublished      prometheus.Counter
}

// NewCollector creates and registers all GradeRun metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		timersArmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graderun_timers_armed_total",
			Help: "Total number of in-memory job timers armed by the scheduler",
		}),
		jobsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graderun_jobs_executed_total",
			Help: "Total number of scheduler job executions by outcome",
		}, []string{"outcome"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graderun_dispatches_total",
			Help: "Total number of run dispatches to the external executor by outcome",
		}, []string{"outcome"}),
		reconcileCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graderun_reconcile_cycles_total",
			Help: "Total number of reconciler polling cycles",
		}),
		reconcileCorrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graderun_reconcile_corrections_total",
			Help: "Total number of job statuses corrected by the reconciler, by new status",
		}, []string{"status"}),
		lockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graderun_lock_contention_total",
			Help: "Total number of mutation lock acquisitions refused because another holder was active",
		}),
		gradesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graderun_grades_published_total",
			Help: "Total number of staged results published as permanent grades",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.timersArmed,
		c.jobsExecuted,
		c.dispatches,
		c.reconcileCycles,
		c.reconcileCorrections,
		c.lockContention,
		c.gradesPublished,
	)
	return c
}

// Handler serves the collector's registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordTimerArmed() {
	c.timersArmed.Inc()
}

// RecordExecution records one scheduler execution attempt. Outcome is one of
// "completed", "failed", "skipped".
func (c *Collector) RecordExecution(outcome string) {
	c.jobsExecuted.WithLabelValues(outcome).Inc()
}

// RecordDispatch records one executor dispatch. Outcome is "ok" or "error".
func (c *Collector) RecordDispatch(outcome string) {
	c.dispatches.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordReconcileCycle() {
	c.reconcileCycles.Inc()
}

func (c *Collector) RecordCorrection(status string) {
	c.reconcileCorrections.WithLabelValues(status).Inc()
}

func (c *Collector) RecordLockContention() {
	c.lockContention.Inc()
}

func (c *Collector) RecordGradesPublished(n int) {
	c.gradesPublished.Add(float64(n))
}
