// Package metrics turns eventbus traffic into Prometheus collectors.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sector7g/internal/eventbus"
)

const namespace = "sector7g"

// Collector owns a private registry so tests and multiple instances do not
// collide on the global default registry.
type Collector struct {
	reg *prometheus.Registry

	jobs        *prometheus.CounterVec
	jobLatency  *prometheus.HistogramVec
	queueDelay  *prometheus.HistogramVec
	jobTimeouts *prometheus.CounterVec
	schedules   *prometheus.CounterVec
	depth       *prometheus.GaugeVec
	inFlight    *prometheus.GaugeVec
}

func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Job dispatch transitions by queue, handler and outcome.",
		}, []string{"queue", "handler", "outcome"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Handler execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 9),
		}, []string{"queue", "handler"}),
		queueDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_queue_delay_seconds",
			Help:      "Time between a job becoming ready and being dequeued.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 9),
		}, []string{"queue"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_timeouts_total",
			Help:      "Attempts that exceeded their queue timeout.",
		}, []string{"queue", "handler"}),
		schedules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_fires_total",
			Help:      "Scheduler outcomes per entry.",
		}, []string{"entry", "outcome"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Ready jobs per queue as of the last health probe.",
		}, []string{"queue"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_in_flight",
			Help:      "Jobs currently executing per queue.",
		}, []string{"queue"}),
	}
	c.reg.MustRegister(
		c.jobs, c.jobLatency, c.queueDelay, c.jobTimeouts, c.schedules, c.depth, c.inFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Observe folds a single bus event into the collectors. Unknown types are ignored.
func (c *Collector) Observe(e eventbus.Event) {
	switch ev := e.Data.(type) {
	case eventbus.JobEvent:
		c.jobs.WithLabelValues(ev.Queue, ev.Handler, ev.Outcome).Inc()
		switch ev.Outcome {
		case eventbus.JobSucceeded, eventbus.JobRetryScheduled, eventbus.JobFailed:
			c.jobLatency.WithLabelValues(ev.Queue, ev.Handler).Observe(ev.Latency.Seconds())
			if ev.QueueDelay > 0 {
				c.queueDelay.WithLabelValues(ev.Queue).Observe(ev.QueueDelay.Seconds())
			}
		}
		if ev.TimedOut {
			c.jobTimeouts.WithLabelValues(ev.Queue, ev.Handler).Inc()
		}
	case eventbus.ScheduleEvent:
		c.schedules.WithLabelValues(ev.EntryID, ev.Outcome).Inc()
	}
}

// SetQueueGauges records the probe-derived gauges. A negative depth means
// the broker could not report it and the series is left untouched.
func (c *Collector) SetQueueGauges(queue string, depth int64, inFlight int) {
	if depth >= 0 {
		c.depth.WithLabelValues(queue).Set(float64(depth))
	}
	c.inFlight.WithLabelValues(queue).Set(float64(inFlight))
}

// Run drains bus until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(e)
		}
	}
}
