package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the metric set the workers write. Construct once per process
// with the shared registry; a nil registerer yields unregistered metrics,
// which is what tests want.
type Metrics struct {
	TaskOutcomes *prometheus.CounterVec
	TaskRetries  *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TaskOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "castforge",
			Subsystem: "worker",
			Name:      "tasks_total",
			Help:      "Task attempts settled, by stage and outcome.",
		}, []string{"stage", "outcome"}),
		TaskRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "castforge",
			Subsystem: "worker",
			Name:      "retries_total",
			Help:      "Retries scheduled after transient failures, by stage.",
		}, []string{"stage"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "castforge",
			Subsystem: "worker",
			Name:      "task_duration_seconds",
			Help:      "Wall time of one task attempt, by stage.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 16),
		}, []string{"stage"}),
	}
}

// QueueDepthCollector reads the queue's status histogram at scrape time.
type QueueDepthCollector struct {
	desc   *prometheus.Desc
	counts func(context.Context) (map[string]int, error)
}

func NewQueueDepthCollector(counts func(context.Context) (map[string]int, error)) *QueueDepthCollector {
	return &QueueDepthCollector{
		desc: prometheus.NewDesc(
			"castforge_queue_depth",
			"Tasks currently stored, by status.",
			[]string{"status"}, nil,
		),
		counts: counts,
	}
}

func (c *QueueDepthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *QueueDepthCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	counts, err := c.counts(ctx)
	if err != nil {
		return
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), status)
	}
}
