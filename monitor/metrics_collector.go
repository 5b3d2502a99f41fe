package monitor

import (
	"sort"
	"sync"
	"time"
)

// Counter names the core writes to and the error rate is computed from.
const (
	CounterPublished  = "published"
	CounterErrors     = "errors"
	CounterOperations = "operations"
	CounterConsumed   = "consumed"
	CounterAcked      = "acked"
	CounterDLQ        = "dlq"
)

const (
	defaultMaxSamples       = 1000
	defaultErrorRateWindow  = 5 * time.Minute
	maxErrorRateWindowSteps = 3600
)

// Collector is an in-memory metrics collector safe for concurrent writers.
// Counters named CounterErrors and CounterOperations are also tracked in
// per-second buckets so an error rate can be computed over a trailing window.
type Collector struct {
	mu sync.RWMutex

	counters map[string]int64
	gauges   map[string]float64
	timers   map[string]*timerSamples
	// errors by dimension (usually a queue or routing key), then kind
	errors map[string]map[string]int64

	windows    map[string]*ringCounter
	window     time.Duration
	maxSamples int
	now        func() time.Time
}

// timerSamples keeps the most recent samples in a ring.
type timerSamples struct {
	count   int64
	samples []float64
	next    int
}

// CollectorOption configures the Collector
type CollectorOption func(*Collector)

// WithErrorRateWindow sets the trailing window ErrorRate looks at
func WithErrorRateWindow(window time.Duration) CollectorOption {
	return func(c *Collector) {
		c.window = window
	}
}

// WithMaxSamples bounds the samples retained per timer
func WithMaxSamples(n int) CollectorOption {
	return func(c *Collector) {
		c.maxSamples = n
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) CollectorOption {
	return func(c *Collector) {
		c.now = now
	}
}

// NewCollector creates a new in-memory metrics collector
func NewCollector(options ...CollectorOption) *Collector {
	c := &Collector{
		window:     defaultErrorRateWindow,
		maxSamples: defaultMaxSamples,
		now:        time.Now,
	}
	for _, opt := range options {
		opt(c)
	}

	if c.window < time.Second {
		c.window = time.Second
	}
	if c.window > maxErrorRateWindowSteps*time.Second {
		c.window = maxErrorRateWindowSteps * time.Second
	}
	if c.maxSamples < 1 {
		c.maxSamples = defaultMaxSamples
	}

	c.resetLocked()
	return c
}

func (c *Collector) resetLocked() {
	c.counters = make(map[string]int64)
	c.gauges = make(map[string]float64)
	c.timers = make(map[string]*timerSamples)
	c.errors = make(map[string]map[string]int64)
	steps := int(c.window / time.Second)
	c.windows = map[string]*ringCounter{
		CounterErrors:     newRingCounter(steps),
		CounterOperations: newRingCounter(steps),
	}
}

// Increment adds one to a counter
func (c *Collector) Increment(name string) {
	c.Add(name, 1)
}

// Decrement subtracts one from a counter
func (c *Collector) Decrement(name string) {
	c.Add(name, -1)
}

// Add adds delta to a counter
func (c *Collector) Add(name string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counters[name] += delta
	if w, ok := c.windows[name]; ok {
		w.add(c.now(), delta)
	}
}

// SetGauge records the current value of a gauge
func (c *Collector) SetGauge(name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[name] = value
}

// RecordTime records one timer sample
func (c *Collector) RecordTime(name string, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.timers[name]
	if !ok {
		t = &timerSamples{samples: make([]float64, 0, 16)}
		c.timers[name] = t
	}
	t.count++
	if len(t.samples) < c.maxSamples {
		t.samples = append(t.samples, ms)
		return
	}
	t.samples[t.next] = ms
	t.next = (t.next + 1) % c.maxSamples
}

// RecordError counts one error of kind for a dimension
func (c *Collector) RecordError(dimension, kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.errors[dimension] == nil {
		c.errors[dimension] = make(map[string]int64)
	}
	c.errors[dimension][kind]++
}

// Counter returns the current value of a counter, zero if never written.
func (c *Collector) Counter(name string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[name]
}

// Gauge returns the current value of a gauge.
func (c *Collector) Gauge(name string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.gauges[name]
	return v, ok
}

// TimerStats returns statistics over the retained samples of a timer.
func (c *Collector) TimerStats(name string) TimerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.timers[name]
	if !ok {
		return TimerStats{}
	}
	return t.stats()
}

// ErrorRate returns errors / operations over the trailing window, or zero
// when there were no operations.
func (c *Collector) ErrorRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.errorRateLocked()
}

func (c *Collector) errorRateLocked() float64 {
	now := c.now()
	ops := c.windows[CounterOperations].sum(now)
	if ops <= 0 {
		return 0
	}
	errs := c.windows[CounterErrors].sum(now)
	rate := float64(errs) / float64(ops)
	if rate > 1 {
		rate = 1
	}
	if rate < 0 {
		rate = 0
	}
	return rate
}

// Summary returns a consistent snapshot of every metric.
func (c *Collector) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := Summary{
		Counters:  make(map[string]int64, len(c.counters)),
		Gauges:    make(map[string]float64, len(c.gauges)),
		Timers:    make(map[string]TimerStats, len(c.timers)),
		Errors:    make(map[string]map[string]int64, len(c.errors)),
		ErrorRate: c.errorRateLocked(),
		Timestamp: c.now().UTC(),
	}

	for name, v := range c.counters {
		summary.Counters[name] = v
	}
	for name, v := range c.gauges {
		summary.Gauges[name] = v
	}
	for name, t := range c.timers {
		summary.Timers[name] = t.stats()
	}
	for dimension, kinds := range c.errors {
		summary.Errors[dimension] = make(map[string]int64, len(kinds))
		for kind, n := range kinds {
			summary.Errors[dimension][kind] = n
		}
	}
	return summary
}

// Reset clears all collected metrics
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

// ResetMetric clears one counter, gauge or timer.
func (c *Collector) ResetMetric(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.counters, name)
	delete(c.gauges, name)
	delete(c.timers, name)
	if _, ok := c.windows[name]; ok {
		c.windows[name] = newRingCounter(int(c.window / time.Second))
	}
}

// Summary represents a snapshot of all metrics
type Summary struct {
	Counters  map[string]int64            `json:"counters"`
	Gauges    map[string]float64          `json:"gauges"`
	Timers    map[string]TimerStats       `json:"timers"`
	Errors    map[string]map[string]int64 `json:"errors"`
	ErrorRate float64                     `json:"error_rate"`
	Timestamp time.Time                   `json:"timestamp"`
}

// TimerStats summarizes retained timer samples, in milliseconds.
// Count is the number of samples ever recorded; the other fields only
// cover the retained ones.
type TimerStats struct {
	Count int64   `json:"count"`
	Min   float64 `json:"min_ms"`
	Max   float64 `json:"max_ms"`
	Avg   float64 `json:"avg_ms"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
}

func (t *timerSamples) stats() TimerStats {
	if len(t.samples) == 0 {
		return TimerStats{Count: t.count}
	}

	sorted := append([]float64(nil), t.samples...)
	sort.Float64s(sorted)

	var total float64
	for _, v := range sorted {
		total += v
	}

	return TimerStats{
		Count: t.count,
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Avg:   total / float64(len(sorted)),
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
	}
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	k := float64(len(sorted)-1) * p
	f := int(k)
	if f >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	return sorted[f] + (k-float64(f))*(sorted[f+1]-sorted[f])
}

// ringCounter sums deltas over the last len(buckets) seconds.
type ringCounter struct {
	buckets []int64
	seconds []int64
}

func newRingCounter(steps int) *ringCounter {
	return &ringCounter{
		buckets: make([]int64, steps),
		seconds: make([]int64, steps),
	}
}

func (r *ringCounter) add(now time.Time, delta int64) {
	sec := now.Unix()
	i := int(sec % int64(len(r.buckets)))
	if r.seconds[i] != sec {
		r.seconds[i] = sec
		r.buckets[i] = 0
	}
	r.buckets[i] += delta
}

func (r *ringCounter) sum(now time.Time) int64 {
	sec := now.Unix()
	steps := int64(len(r.buckets))
	var total int64
	for i, s := range r.seconds {
		if age := sec - s; age >= 0 && age < steps {
			total += r.buckets[i]
		}
	}
	return total
}
