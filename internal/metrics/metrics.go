// Package metrics exposes Prometheus metrics for the bus and the tracker.
package metrics

import (
	"errors"

	"github.com/EchoPBX/subpub/pkg/eventbus"
	"github.com/EchoPBX/subpub/pkg/tracker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result label values for subpub_publish_total.
const (
	ResultOK           = "ok"
	ResultNotFound     = "not_found"
	ResultBadArguments = "bad_arguments"
	ResultHandlerError = "handler_error"
)

type Metrics struct {
	published  *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	latency    prometheus.Histogram
	compacted  prometheus.Counter
}

// New registers the metrics with reg. refs feeds the tracked-instance gauges
// and may be nil.
func New(reg prometheus.Registerer, refs *tracker.Registry) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "subpub_publish_total",
			Help: "Publish calls by event and result.",
		}, []string{"event", "result"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "subpub_deliveries_total",
			Help: "Handler invocations by event.",
		}, []string{"event"}),
		latency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "subpub_publish_seconds",
			Help:    "Time spent dispatching one publish.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		compacted: f.NewCounter(prometheus.CounterOpts{
			Name: "subpub_tracker_compacted_total",
			Help: "Dead instance slots removed by compaction.",
		}),
	}
	if refs != nil {
		reg.MustRegister(&trackerCollector{refs: refs})
	}
	return m
}

// Observe is an eventbus hook.
func (m *Metrics) Observe(d eventbus.Dispatch) {
	m.published.WithLabelValues(d.Event, result(d.Err)).Inc()
	if d.Deliveries > 0 {
		m.deliveries.WithLabelValues(d.Event).Add(float64(d.Deliveries))
	}
	m.latency.Observe(d.Took.Seconds())
}

func (m *Metrics) Compacted(n int) {
	m.compacted.Add(float64(n))
}

func result(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, eventbus.ErrEventNotFound):
		return ResultNotFound
	case errors.Is(err, eventbus.ErrArguments):
		return ResultBadArguments
	default:
		return ResultHandlerError
	}
}

var (
	liveDesc = prometheus.NewDesc("subpub_tracked_instances",
		"Live tracked instances by type.", []string{"type"}, nil)
	slotsDesc = prometheus.NewDesc("subpub_tracked_slots",
		"Stored instance slots, live or dead, by type.", []string{"type"}, nil)
)

type trackerCollector struct {
	refs *tracker.Registry
}

func (c *trackerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- liveDesc
	ch <- slotsDesc
}

func (c *trackerCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.refs.Stats() {
		ch <- prometheus.MustNewConstMetric(liveDesc, prometheus.GaugeValue, float64(st.Live), st.Type)
		ch <- prometheus.MustNewConstMetric(slotsDesc, prometheus.GaugeValue, float64(st.Total), st.Type)
	}
}
