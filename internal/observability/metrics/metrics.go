// Package metrics holds the Prometheus collectors for invocations and
// scheduled runs. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"runit/internal/task/engine"
)

var durationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60}

type Metrics struct {
	reg *prometheus.Registry

	invocations    *prometheus.CounterVec
	invocationTime *prometheus.HistogramVec
	scheduleRuns   *prometheus.CounterVec
	scheduledJobs  prometheus.Gauge
	alertsSent     *prometheus.CounterVec
}

// New builds the collectors on a private registry together with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runit",
			Name:      "invocations_total",
			Help:      "Function invocations by source and outcome",
		}, []string{"source", "outcome"}),
		invocationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runit",
			Name:      "invocation_duration_seconds",
			Help:      "Wall time of function invocations",
			Buckets:   durationBuckets,
		}, []string{"source"}),
		scheduleRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runit",
			Name:      "schedule_runs_total",
			Help:      "Scheduled executions by outcome",
		}, []string{"outcome"}),
		scheduledJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runit",
			Name:      "schedule_jobs",
			Help:      "Cron jobs currently registered",
		}),
		alertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runit",
			Name:      "alerts_total",
			Help:      "Failure alerts by result",
		}, []string{"result"}),
	}
	m.reg.MustRegister(
		m.invocations,
		m.invocationTime,
		m.scheduleRuns,
		m.scheduledJobs,
		m.alertsSent,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the private registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveInvocation records one dispatcher call. source is "adhoc" or "schedule".
func (m *Metrics) ObserveInvocation(source, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(source, outcome).Inc()
	m.invocationTime.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) ScheduleRun(outcome string) {
	if m == nil {
		return
	}
	m.scheduleRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetScheduledJobs(n int) {
	if m == nil {
		return
	}
	m.scheduledJobs.Set(float64(n))
}

func (m *Metrics) AlertSent(ok bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	m.alertsSent.WithLabelValues(result).Inc()
}

// WatchEngine exports the worker pool snapshot as gauges.
func (m *Metrics) WatchEngine(snapshot func() engine.Snapshot) error {
	if m == nil || snapshot == nil {
		return nil
	}
	gauge := func(name, help string, v func(engine.Snapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: "runit", Subsystem: "engine", Name: name, Help: help},
			func() float64 { return v(snapshot()) })
	}
	counter := func(name, help string, v func(engine.Snapshot) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: "runit", Subsystem: "engine", Name: name, Help: help},
			func() float64 { return v(snapshot()) })
	}
	var errs []error
	for _, c := range []prometheus.Collector{
		gauge("queue_length", "Tasks waiting for a worker", func(s engine.Snapshot) float64 { return float64(s.QueueLen) }),
		gauge("in_flight", "Tasks currently executing", func(s engine.Snapshot) float64 { return float64(s.InFlight) }),
		counter("dropped_total", "Tasks dropped because the queue was full", func(s engine.Snapshot) float64 { return float64(s.Dropped) }),
		counter("overlap_skipped_total", "Firings skipped because the previous run was still active", func(s engine.Snapshot) float64 { return float64(s.OverlapSkipped) }),
	} {
		if err := m.reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
