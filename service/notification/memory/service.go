package memory

import (
	"context"
	"time"

	"github.com/flowgate/flowgate/internal/idgen"
	"github.com/flowgate/flowgate/service/messaging"
	"github.com/flowgate/flowgate/service/messaging/memory"
	"github.com/flowgate/flowgate/service/notification"
)

// Service is a queue-backed notifier.  Events are published to an in-memory
// queue; consumers (delivery workers, tests) drain the queue via Queue().
type Service struct {
	queue *memory.Queue[notification.Event]
}

var _ notification.Notifier = (*Service)(nil)

// Notify publishes the event to the backing queue.
func (s *Service) Notify(ctx context.Context, event *notification.Event) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = idgen.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	return s.queue.Publish(ctx, event)
}

// Queue exposes the backing queue for consumers.
func (s *Service) Queue() messaging.Queue[notification.Event] {
	return s.queue
}

// Size returns the number of undelivered events.
func (s *Service) Size() int {
	return s.queue.Size()
}

// New creates a queue-backed notifier.
func New(config memory.Config) *Service {
	return &Service{queue: memory.NewQueue[notification.Event](config)}
}
