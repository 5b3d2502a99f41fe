package messaging

import (
	"github.com/ChrisGriffithPSU/research-agent/internal/config"
	"github.com/ChrisGriffithPSU/research-agent/internal/rabbitmq"
)

// Work queues of the research pipeline.
const (
	QueueContentDiscovered   = "content.discovered"
	QueueContentDeduplicated = "content.deduplicated"
	QueueInsightsExtracted   = "insights.extracted"
	QueueDigestReady         = "digest.ready"
	QueueFeedbackSubmitted   = "feedback.submitted"
	QueueTrainingTrigger     = "training.trigger"
)

// DefaultQueues returns the pipeline's queue descriptors. Each is bound to the
// primary exchange under its own name and dead-letters to "<name>.dlq".
//
// The content and feedback queues take their length limit from defaults, and
// every queue but feedback.submitted takes the configured message TTL. The
// insights, digest and training queues keep their fixed smaller limits.
func DefaultQueues(defaults config.QueueConfig) []rabbitmq.QueueDescriptor {
	feedback := QueueWithDefaults(QueueFeedbackSubmitted, defaults)
	feedback.MessageTTL = 0

	return []rabbitmq.QueueDescriptor{
		QueueWithDefaults(QueueContentDiscovered, defaults),
		QueueWithDefaults(QueueContentDeduplicated, defaults),
		withMaxLength(QueueWithDefaults(QueueInsightsExtracted, defaults), 5000),
		withMaxLength(QueueWithDefaults(QueueDigestReady, defaults), 100),
		feedback,
		withMaxLength(QueueWithDefaults(QueueTrainingTrigger, defaults), 10),
	}
}

func withMaxLength(q rabbitmq.QueueDescriptor, n int) rabbitmq.QueueDescriptor {
	q.MaxLength = n
	return q
}

// QueueWithDefaults describes a queue outside the pipeline table using the
// configured queue defaults.
func QueueWithDefaults(name string, defaults config.QueueConfig) rabbitmq.QueueDescriptor {
	return rabbitmq.QueueDescriptor{
		Name:       name,
		MaxLength:  defaults.MaxLength,
		MessageTTL: defaults.MessageTTL,
	}
}
