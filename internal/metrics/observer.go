// Package metrics exports pool events to Prometheus and serves them over HTTP
// together with a health endpoint.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petrijr/jobpool/pkg/api"
)

const namespace = "jobpool"

// Observer implements api.Observer with Prometheus collectors.
type Observer struct {
	submitted *prometheus.CounterVec
	outcomes  *prometheus.CounterVec
	touched   prometheus.Counter
	started   prometheus.Counter
	stopped   *prometheus.CounterVec
	workers   prometheus.Gauge
}

// Ensure Observer implements api.Observer.
var _ api.Observer = (*Observer)(nil)

// NewObserver creates an Observer and registers its collectors with reg.
func NewObserver(reg prometheus.Registerer) *Observer {
	o := &Observer{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks stacked onto a worker, by tube.",
		}, []string{"tube"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_reported_total",
			Help:      "Task outcomes reported to the broker, by tube and outcome.",
		}, []string{"tube", "outcome"}),
		touched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_touched_total",
			Help:      "Lease extensions for unfinished tasks.",
		}),
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_started_total",
			Help:      "Workers created.",
		}),
		stopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_stopped_total",
			Help:      "Workers removed from the pool, by exit status.",
		}, []string{"status"}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Workers currently in the pool.",
		}),
	}
	reg.MustRegister(o.submitted, o.outcomes, o.touched, o.started, o.stopped, o.workers)
	return o
}

func (o *Observer) OnTaskSubmitted(_ context.Context, t *api.Task, _ int) {
	o.submitted.WithLabelValues(t.Tube()).Inc()
}

func (o *Observer) OnTaskCompleted(_ context.Context, t *api.Task) {
	o.outcomes.WithLabelValues(t.Tube(), "completed").Inc()
}

func (o *Observer) OnTaskRetried(_ context.Context, t *api.Task) {
	o.outcomes.WithLabelValues(t.Tube(), "retried").Inc()
}

func (o *Observer) OnTaskTouched(context.Context, *api.Task) {
	o.touched.Inc()
}

func (o *Observer) OnWorkerStarted(context.Context, int) {
	o.started.Inc()
	o.workers.Inc()
}

func (o *Observer) OnWorkerStopped(_ context.Context, _ int, err error) {
	status := "clean"
	if err != nil {
		status = "error"
	}
	o.stopped.WithLabelValues(status).Inc()
	o.workers.Dec()
}

// StatsSource yields the pool figures exported as gauges.
type StatsSource func() api.PoolStats

// RegisterPoolGauges exports capacity, in-flight tasks and broker backlog.
// backlog may be nil.
func RegisterPoolGauges(reg prometheus.Registerer, stats StatsSource, backlog func() float64) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capacity",
			Help:      "Configured number of worker slots.",
		}, func() float64 { return float64(stats().Capacity) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Tasks held by workers, reported or not.",
		}, func() float64 { return float64(stats().Stacked) }),
	)
	if backlog != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_jobs",
			Help:      "Ready and reserved jobs in the broker.",
		}, backlog))
	}
}
