package queue

import (
	"context"

	"github.com/ashita-ai/docpipeline/internal/model"
)

// Delivery wraps one consumed message with the death-count metadata and
// acknowledgement callbacks the worker and reprocessor need. It is the
// narrow surface both depend on, so tests can substitute an in-memory fake
// channel instead of a real broker connection.
type Delivery struct {
	Message       model.DocumentMessage
	CorrelationID string
	DeathCount    int
	Ack           func() error
	Nack          func(requeue bool) error
}

// Publisher publishes a classify message to exchange.document.
type Publisher interface {
	Publish(ctx context.Context, msg model.DocumentMessage) error
}

// ParkingPublisher publishes a message to exchange.parking, used by the
// reprocessor once a message exceeds its retry budget.
type ParkingPublisher interface {
	PublishParked(ctx context.Context, msg model.DocumentMessage) error
}

// Consumer yields deliveries from a single queue until the context is
// cancelled or the channel is closed.
type Consumer interface {
	Consume(ctx context.Context) (<-chan Delivery, error)
}
