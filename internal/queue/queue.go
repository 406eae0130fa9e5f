package queue

import (
	"context"
	"fmt"
	"time"
)

// DelayPublisher enqueues aggregation tasks for later execution.
type DelayPublisher interface {
	// PublishDelayed makes the task visible to consumers once delay has
	// elapsed. A non-positive delay publishes immediately.
	PublishDelayed(ctx context.Context, task AggregationTask, delay time.Duration) error
	Close() error
}

// TaskHandler handles a consumed aggregation task.
type TaskHandler func(ctx context.Context, task AggregationTask) error

// Consumer consumes aggregation tasks from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler TaskHandler) error
	Close() error
}

// AggregateQueueName is the work queue aggregation workers consume.
const AggregateQueueName = "aggregate"

// WaitQueueName returns the consumer-less delay queue paired with a work
// queue. Messages parked there dead-letter into the work queue when their
// per-message TTL expires.
func WaitQueueName(queue string) string {
	return queue + ".wait"
}

// DLQName returns the dead-letter queue for rejected work-queue messages.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}
