// Package metrics exports scheduler and queue observations to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rsched/internal/sched"
)

const namespace = "rsched"

// Registry implements sched.Metrics on a private Prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	submitted *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	completed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	depth     prometheus.Gauge
	passes    *prometheus.CounterVec
	passTime  prometheus.Histogram
}

var _ sched.Metrics = (*Registry)(nil)

// New creates a Registry with Go runtime and process collectors registered.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_submitted_total",
			Help: "Tasks accepted by the queue.",
		}, []string{"kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_rejected_total",
			Help: "Tasks rejected as duplicates or after shutdown.",
		}, []string{"kind"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_completed_total",
			Help: "Tasks finished by the worker.",
		}, []string{"kind", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_duration_seconds",
			Help:    "Time spent executing tasks.",
			Buckets: prometheus.ExponentialBuckets(0.5, 4, 8),
		}, []string{"kind"}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Tasks waiting for the worker.",
		}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scheduler_passes_total",
			Help: "Scheduler passes by result.",
		}, []string{"result"}),
		passTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "scheduler_pass_duration_seconds",
			Help:    "Time spent evaluating due work.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.submitted, r.rejected, r.completed, r.duration, r.depth, r.passes, r.passTime,
	)
	return r
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (r *Registry) TaskSubmitted(kind string) { r.submitted.WithLabelValues(kind).Inc() }
func (r *Registry) TaskRejected(kind string)  { r.rejected.WithLabelValues(kind).Inc() }

func (r *Registry) TaskCompleted(kind string, err error, elapsed time.Duration) {
	r.completed.WithLabelValues(kind, result(err)).Inc()
	r.duration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (r *Registry) QueueDepth(n int) { r.depth.Set(float64(n)) }

func (r *Registry) PassCompleted(elapsed time.Duration, err error) {
	r.passes.WithLabelValues(result(err)).Inc()
	r.passTime.Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
