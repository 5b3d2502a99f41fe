package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "research_messaging"

// Exporter exposes a Collector to Prometheus. Every scrape takes one
// Summary, so the exported values are mutually consistent.
type Exporter struct {
	collector *Collector

	counter   *prometheus.Desc
	gauge     *prometheus.Desc
	timer     *prometheus.Desc
	errors    *prometheus.Desc
	errorRate *prometheus.Desc
}

var _ prometheus.Collector = (*Exporter)(nil)

// NewExporter creates an exporter for collector
func NewExporter(collector *Collector) *Exporter {
	return &Exporter{
		collector: collector,
		counter: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "counter_total"),
			"Messaging counters by name.",
			[]string{"name"}, nil),
		gauge: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "gauge"),
			"Messaging gauges by name.",
			[]string{"name"}, nil),
		timer: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "timer_ms"),
			"Messaging timers in milliseconds over retained samples.",
			[]string{"name"}, nil),
		errors: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "errors_total"),
			"Messaging errors by dimension and kind.",
			[]string{"dimension", "kind"}, nil),
		errorRate: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "error_rate"),
			"Errors per operation over the trailing window.",
			nil, nil),
	}
}

// Describe implements prometheus.Collector
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.counter
	ch <- e.gauge
	ch <- e.timer
	ch <- e.errors
	ch <- e.errorRate
}

// Collect implements prometheus.Collector
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.collector.Summary()

	for name, v := range s.Counters {
		ch <- prometheus.MustNewConstMetric(e.counter, prometheus.CounterValue, float64(v), name)
	}
	for name, v := range s.Gauges {
		ch <- prometheus.MustNewConstMetric(e.gauge, prometheus.GaugeValue, v, name)
	}
	for name, t := range s.Timers {
		ch <- prometheus.MustNewConstSummary(e.timer,
			uint64(t.Count),
			t.Avg*float64(t.Count),
			map[float64]float64{0.5: t.P50, 0.95: t.P95, 0.99: t.P99},
			name)
	}
	for dimension, kinds := range s.Errors {
		for kind, n := range kinds {
			ch <- prometheus.MustNewConstMetric(e.errors, prometheus.CounterValue, float64(n), dimension, kind)
		}
	}
	ch <- prometheus.MustNewConstMetric(e.errorRate, prometheus.GaugeValue, s.ErrorRate)
}
