// Package monitor collects messaging metrics in memory.
//
// A Collector holds counters, gauges, timers and per-dimension error counts
// and computes an error rate over a trailing window. An Exporter exposes a
// Collector to Prometheus, and a QueueWatcher samples broker queue depths
// into gauges.
package monitor
