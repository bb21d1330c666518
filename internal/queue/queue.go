package queue

import (
	"context"
	"fmt"

	"github.com/andikarp/medsync/internal/domain"
)

// Publisher publishes sync requests to a work queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg SyncRequestMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg SyncRequestMessage) error

// Consumer consumes sync requests from a work queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

// SyncQueueName returns the work queue for a source, e.g. sync.rsia_melinda.
// One queue per source keeps runs against the same hospital sequential
// while different hospitals proceed in parallel.
func SyncQueueName(source domain.SourceKey) string {
	return fmt.Sprintf("sync.%s", source)
}

// DLQName returns the dead-letter queue for a source, e.g. dlq.sync.rsia_melinda.
func DLQName(source domain.SourceKey) string {
	return fmt.Sprintf("dlq.%s", SyncQueueName(source))
}

// WorkQueueNames returns the work queues for every configured source.
func WorkQueueNames() []string {
	sources := domain.Sources()
	queues := make([]string, 0, len(sources))
	for _, source := range sources {
		queues = append(queues, SyncQueueName(source))
	}
	return queues
}

// DLQNames returns the dead-letter queues for every configured source.
func DLQNames() []string {
	sources := domain.Sources()
	queues := make([]string, 0, len(sources))
	for _, source := range sources {
		queues = append(queues, DLQName(source))
	}
	return queues
}
