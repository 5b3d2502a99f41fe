package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ChrisGriffithPSU/research-agent/internal/rabbitmq"
	"github.com/ChrisGriffithPSU/research-agent/monitor"
)

// StatusGauge is the collector gauge holding the last reported status:
// 0 healthy, 1 degraded, 2 unhealthy.
const StatusGauge = "health.status"

// Service aggregates connection, queue depth, error rate and dead-letter
// checks into one Report.
type Service struct {
	conn      Pinger
	collector *monitor.Collector
	registry  *Registry
	logger    *slog.Logger

	depthWarningRatio  float64
	errorRateThreshold float64
	timeout            time.Duration

	mu   sync.Mutex
	last Status
}

// ServiceOption configures the Service
type ServiceOption func(*Service)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithDepthWarningRatio sets the depth/max-length ratio above which a queue warns
func WithDepthWarningRatio(ratio float64) ServiceOption {
	return func(s *Service) {
		s.depthWarningRatio = ratio
	}
}

// WithErrorRateThreshold sets the error rate above which the status is degraded
func WithErrorRateThreshold(threshold float64) ServiceOption {
	return func(s *Service) {
		s.errorRateThreshold = threshold
	}
}

// WithCheckTimeout bounds a full Check
func WithCheckTimeout(timeout time.Duration) ServiceOption {
	return func(s *Service) {
		s.timeout = timeout
	}
}

// NewService creates the health service and registers its built-in checks.
func NewService(conn Pinger, depths monitor.DepthReader, queues []rabbitmq.QueueDescriptor, collector *monitor.Collector, options ...ServiceOption) *Service {
	s := &Service{
		conn:               conn,
		collector:          collector,
		registry:           NewRegistry(),
		logger:             slog.Default(),
		depthWarningRatio:  DefaultDepthWarningRatio,
		errorRateThreshold: DefaultErrorRateThreshold,
		timeout:            10 * time.Second,
	}
	for _, opt := range options {
		opt(s)
	}

	s.registry.Register(NewConnectionChecker(conn))
	s.registry.Register(NewQueueDepthChecker(depths, queues, s.depthWarningRatio))
	s.registry.Register(NewErrorRateChecker(collector, s.errorRateThreshold))
	s.registry.Register(NewDeadLetterChecker(depths, queues))
	return s
}

// Register adds an extra check to every Report.
func (s *Service) Register(checker Checker) {
	s.registry.Register(checker)
}

// Check runs every check and attaches a metrics snapshot.
func (s *Service) Check(ctx context.Context) Report {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	report := s.registry.Check(ctx)
	report.Metrics = s.metrics()
	s.observe(report.Status)
	return report
}

// QuickCheck pings the connection only.
func (s *Service) QuickCheck(ctx context.Context) bool {
	return s.conn.IsConnected() && s.conn.Ping(ctx) == nil
}

func (s *Service) metrics() map[string]interface{} {
	summary := s.collector.Summary()
	return map[string]interface{}{
		monitor.CounterPublished:  summary.Counters[monitor.CounterPublished],
		monitor.CounterConsumed:   summary.Counters[monitor.CounterConsumed],
		monitor.CounterAcked:      summary.Counters[monitor.CounterAcked],
		monitor.CounterDLQ:        summary.Counters[monitor.CounterDLQ],
		monitor.CounterErrors:     summary.Counters[monitor.CounterErrors],
		monitor.CounterOperations: summary.Counters[monitor.CounterOperations],
		"error_rate":              summary.ErrorRate,
	}
}

// RecordStatus writes status to the StatusGauge of collector.
func RecordStatus(collector *monitor.Collector, status Status) {
	collector.SetGauge(StatusGauge, float64(status.severity()))
}

// observe logs status transitions.
func (s *Service) observe(status Status) {
	s.mu.Lock()
	previous := s.last
	s.last = status
	s.mu.Unlock()

	if previous == status {
		return
	}
	switch status {
	case StatusHealthy:
		s.logger.Info("health status changed", "from", previous, "to", status)
	default:
		s.logger.Warn("health status changed", "from", previous, "to", status)
	}
}
