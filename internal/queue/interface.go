package queue

import (
	"context"
	"time"
)

// MessageInterface is the surface workers consume; it exists so tests can
// substitute mock deliveries.
type MessageInterface interface {
	Ack() error
	Nack(requeue bool) error
	GetJob() *Job
}

// JobQueue is the interface for job queues.
type JobQueue interface {
	// Enqueue adds a job to the queue.
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue removes and returns a message from the queue. Returns nil if
	// no message is available. The caller acknowledges the message.
	// Deprecated: use Consume.
	Dequeue(ctx context.Context) (*Message, error)

	// Consume returns a channel of messages delivered as they arrive. The
	// caller acknowledges each message; prefetch controls how many
	// unacknowledged messages each consumer may hold. The channel closes
	// when ctx is cancelled or the connection fails.
	Consume(ctx context.Context, prefetchCount int) (<-chan *Message, <-chan error, error)

	// Close closes the queue connection.
	Close() error

	// HealthCheck verifies the queue connection is healthy.
	HealthCheck(ctx context.Context) error
}

// DLQPurger removes dead-lettered messages older than a retention window.
type DLQPurger interface {
	PurgeOlderThan(ctx context.Context, retention time.Duration) (int, error)
}
