// Package metrics exposes broker activity to Prometheus.
//
// Metrics is a qbroker.Observer counting events; StatsCollector reports the
// live queue counters on every scrape.
package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coregx/qbroker"
	"github.com/coregx/qbroker/model"
)

// Namespace prefixes every metric name.
const Namespace = "qbroker"

// Metrics counts broker events. Register it with qbroker.WithObservers.
type Metrics struct {
	events     *prometheus.CounterVec
	retryDelay *prometheus.HistogramVec
	deadLetter *prometheus.CounterVec
}

var _ qbroker.Observer = (*Metrics)(nil)

// New creates a new Metrics instance and registers all metrics with the provided registerer.
// Returns an error if any metric registration fails.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_total",
			Help:      "Total broker events by queue and type",
		}, []string{"queue", "type"}),
		retryDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "retry_delay_seconds",
			Help:      "Backoff applied to scheduled retries",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2, 4, 8, 16, 32, 64, 300},
		}, []string{"queue"}),
		deadLetter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "dead_letters_total",
			Help:      "Total messages moved to dead-letter by queue",
		}, []string{"queue"}),
	}

	err := errors.Join(
		reg.Register(m.events),
		reg.Register(m.retryDelay),
		reg.Register(m.deadLetter),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// OnEvent records the event.
func (m *Metrics) OnEvent(_ context.Context, e qbroker.Event) error {
	m.events.WithLabelValues(e.Queue, e.Type.String()).Inc()

	switch e.Type {
	case qbroker.EventRetryScheduled:
		m.retryDelay.WithLabelValues(e.Queue).Observe(e.Delay.Seconds())
	case qbroker.EventDeadLetter:
		m.deadLetter.WithLabelValues(e.Queue).Inc()
	}
	return nil
}

// StatsSource provides queue counters. *qbroker.Broker implements it.
type StatsSource interface {
	StatsAll() model.BrokerStats
}

// StatsCollector reports queue gauges gathered from a StatsSource at scrape time.
type StatsCollector struct {
	source StatsSource

	queues     *prometheus.Desc
	messages   *prometheus.Desc
	subscriber *prometheus.Desc
}

var _ prometheus.Collector = (*StatsCollector)(nil)

// NewStatsCollector creates a collector over source.
func NewStatsCollector(source StatsSource) *StatsCollector {
	return &StatsCollector{
		source: source,
		queues: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "", "queues"),
			"Number of registered queues",
			nil, nil,
		),
		messages: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "queue", "messages"),
			"Messages held by a queue by status",
			[]string{"queue", "status"}, nil,
		),
		subscriber: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "queue", "subscribers"),
			"Subscribers registered on a queue",
			[]string{"queue"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queues
	ch <- c.messages
	ch <- c.subscriber
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.StatsAll()
	ch <- prometheus.MustNewConstMetric(c.queues, prometheus.GaugeValue, float64(stats.TotalQueues))

	for name, q := range stats.Queues {
		for status, n := range map[string]int{
			string(model.StatusPending):    q.PendingMessages,
			string(model.StatusProcessing): q.ProcessingMessages,
			string(model.StatusCompleted):  q.CompletedMessages,
			string(model.StatusDead):       q.DeadLetterMessages,
		} {
			ch <- prometheus.MustNewConstMetric(c.messages, prometheus.GaugeValue, float64(n), name, status)
		}
		ch <- prometheus.MustNewConstMetric(c.subscriber, prometheus.GaugeValue, float64(q.SubscriberCount), name)
	}
}
