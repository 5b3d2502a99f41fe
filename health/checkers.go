package health

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ChrisGriffithPSU/research-agent/internal/rabbitmq"
	"github.com/ChrisGriffithPSU/research-agent/monitor"
)

const (
	// DefaultDepthWarningRatio is the depth/max-length ratio above which a queue is a warning.
	DefaultDepthWarningRatio = 0.8
	// DefaultErrorRateThreshold is the error rate above which the system is degraded.
	DefaultErrorRateThreshold = 0.1
)

// Pinger is the part of the connection manager the connection check needs.
type Pinger interface {
	IsConnected() bool
	Ping(ctx context.Context) error
}

// ConnectionChecker checks the broker connection
type ConnectionChecker struct {
	conn Pinger
}

// NewConnectionChecker creates a new connection health checker
func NewConnectionChecker(conn Pinger) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "connection"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if !c.conn.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "Not connected to broker"
		result.Duration = time.Since(start)
		result.Details["connected"] = false
		return result
	}

	// Opening a channel proves the link is usable, not just marked open.
	if err := c.conn.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		result.Details["connected"] = true
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	result.Details["connected"] = true
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// ChannelPoolChecker checks the health of a channel pool
type ChannelPoolChecker struct {
	pool *rabbitmq.ChannelPool
}

// NewChannelPoolChecker creates a new channel pool health checker
func NewChannelPoolChecker(pool *rabbitmq.ChannelPool) *ChannelPoolChecker {
	return &ChannelPoolChecker{pool: pool}
}

func (c *ChannelPoolChecker) Name() string {
	return "channel_pool"
}

func (c *ChannelPoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	result.Details["pool_size"] = c.pool.Size()

	ch, err := c.pool.Get(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to get channel from pool"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	c.pool.Put(ch)

	result.Status = StatusHealthy
	result.Message = "Channel pool is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// QueueDepthChecker compares each work queue's depth to its max length.
type QueueDepthChecker struct {
	depths       monitor.DepthReader
	queues       []rabbitmq.QueueDescriptor
	warningRatio float64
}

// NewQueueDepthChecker creates a queue depth checker. A ratio outside (0, 1]
// falls back to DefaultDepthWarningRatio.
func NewQueueDepthChecker(depths monitor.DepthReader, queues []rabbitmq.QueueDescriptor, warningRatio float64) *QueueDepthChecker {
	if warningRatio <= 0 || warningRatio > 1 {
		warningRatio = DefaultDepthWarningRatio
	}
	return &QueueDepthChecker{depths: depths, queues: queues, warningRatio: warningRatio}
}

func (c *QueueDepthChecker) Name() string {
	return "queue_depth"
}

// QueueDepth is the per-queue detail of the queue depth check.
type QueueDepth struct {
	Depth     int     `json:"depth"`
	MaxLength int     `json:"max_length"`
	Ratio     float64 `json:"ratio"`
	Status    string  `json:"status"`
}

func (c *QueueDepthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	depths, err := c.depths.QueueDepths(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to read queue depths"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	var warnings []string
	for _, q := range c.queues {
		depth, ok := depths[q.Name]
		detail := QueueDepth{Depth: depth, MaxLength: q.MaxLength, Status: "ok"}
		switch {
		case !ok || depth < 0:
			detail.Depth = -1
			detail.Status = "unknown"
			warnings = append(warnings, q.Name)
		case q.MaxLength > 0:
			detail.Ratio = float64(depth) / float64(q.MaxLength)
			if detail.Ratio > c.warningRatio {
				detail.Status = "warning"
				warnings = append(warnings, q.Name)
			}
		}
		result.Details[q.Name] = detail
	}

	if len(warnings) > 0 {
		sort.Strings(warnings)
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queues near capacity or unreadable: %v", warnings)
	} else {
		result.Message = "Queue depths are normal"
	}
	result.Duration = time.Since(start)
	return result
}

// ErrorRateChecker checks the collector's trailing-window error rate.
type ErrorRateChecker struct {
	collector *monitor.Collector
	threshold float64
}

// NewErrorRateChecker creates an error rate checker. A non-positive threshold
// falls back to DefaultErrorRateThreshold.
func NewErrorRateChecker(collector *monitor.Collector, threshold float64) *ErrorRateChecker {
	if threshold <= 0 {
		threshold = DefaultErrorRateThreshold
	}
	return &ErrorRateChecker{collector: collector, threshold: threshold}
}

func (c *ErrorRateChecker) Name() string {
	return "error_rate"
}

func (c *ErrorRateChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	rate := c.collector.ErrorRate()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "Error rate is normal",
		Timestamp: start,
		Details: map[string]interface{}{
			"error_rate": rate,
			"threshold":  c.threshold,
		},
	}
	if rate > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Error rate %.1f%% exceeds %.1f%%", rate*100, c.threshold*100)
	}
	result.Duration = time.Since(start)
	return result
}

// DeadLetterChecker reports dead-letter queue counts. Dead letters alone
// never degrade the status.
type DeadLetterChecker struct {
	depths monitor.DepthReader
	queues []rabbitmq.QueueDescriptor
}

// NewDeadLetterChecker creates a dead-letter queue checker
func NewDeadLetterChecker(depths monitor.DepthReader, queues []rabbitmq.QueueDescriptor) *DeadLetterChecker {
	return &DeadLetterChecker{depths: depths, queues: queues}
}

func (c *DeadLetterChecker) Name() string {
	return "dead_letters"
}

func (c *DeadLetterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	depths, err := c.depths.QueueDepths(ctx)
	if err != nil {
		// the connection check already reports an unreachable broker
		result.Status = StatusDegraded
		result.Message = "Failed to read dead-letter queues"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	total := 0
	for _, q := range c.queues {
		dlq := q.DeadLetterQueue()
		n, ok := depths[dlq]
		if !ok {
			n = -1
		}
		result.Details[dlq] = n
		if n > 0 {
			total += n
		}
	}
	result.Details["total"] = total

	if total > 0 {
		result.Message = fmt.Sprintf("%d dead-lettered messages", total)
	} else {
		result.Message = "No dead-lettered messages"
	}
	result.Duration = time.Since(start)
	return result
}
