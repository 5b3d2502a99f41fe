package monitor

import (
	"context"
	"log/slog"
	"time"
)

// DepthReader reports queue depths; -1 marks a queue that could not be read.
type DepthReader interface {
	QueueDepths(ctx context.Context) (map[string]int, error)
}

// QueueWatcher samples queue depths on an interval and records them as
// gauges named "queue.depth.<queue>".
type QueueWatcher struct {
	reader    DepthReader
	collector *Collector
	interval  time.Duration
	logger    *slog.Logger
}

// WatcherOption configures the QueueWatcher
type WatcherOption func(*QueueWatcher)

// WithWatcherLogger sets the logger
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *QueueWatcher) {
		w.logger = logger
	}
}

// NewQueueWatcher creates a new queue watcher
func NewQueueWatcher(reader DepthReader, collector *Collector, interval time.Duration, options ...WatcherOption) *QueueWatcher {
	w := &QueueWatcher{
		reader:    reader,
		collector: collector,
		interval:  interval,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(w)
	}
	if w.interval <= 0 {
		w.interval = 15 * time.Second
	}
	return w
}

// Sample reads the depths once and records them.
func (w *QueueWatcher) Sample(ctx context.Context) (map[string]int, error) {
	depths, err := w.reader.QueueDepths(ctx)
	if err != nil {
		return nil, err
	}
	for name, depth := range depths {
		w.collector.SetGauge(DepthGauge(name), float64(depth))
	}
	return depths, nil
}

// Watch samples until ctx is done, passing every successful sample to fn
// when it is non-nil. Failed samples are logged and skipped.
func (w *QueueWatcher) Watch(ctx context.Context, fn func(map[string]int)) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		depths, err := w.Sample(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			w.logger.Warn("failed to sample queue depths", "error", err)
		case err == nil && fn != nil:
			fn(depths)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DepthGauge is the gauge name a queue's depth is recorded under.
func DepthGauge(queue string) string {
	return "queue.depth." + queue
}
