package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ashita-ai/docpipeline/internal/ctxutil"
	"github.com/ashita-ai/docpipeline/internal/model"
)

// Broker owns a single AMQP connection and the one channel used for
// publishing. Consumers open their own channels (see NewConsumer) so a
// slow consumer never blocks publishes, and vice versa.
type Broker struct {
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	logger *slog.Logger
}

// Dial connects to the broker, declares the full topology, and opens the
// publisher channel. url is an amqp:// connection string.
func Dial(url string, logger *slog.Logger) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}

	if err := Declare(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	if err := ch.Confirm(false); err != nil {
		logger.Warn("queue: broker does not support publisher confirms, proceeding without them", "error", err)
	}

	return &Broker{conn: conn, pubCh: ch, logger: logger}, nil
}

// Close shuts down the publisher channel and connection.
func (b *Broker) Close() error {
	_ = b.pubCh.Close()
	return b.conn.Close()
}

// Publish sends msg to exchange.document with routing key "classification",
// persisted so it survives a broker restart.
func (b *Broker) Publish(ctx context.Context, msg model.DocumentMessage) error {
	return b.publishTo(ctx, ExchangeDocument, RoutingClassify, msg)
}

// PublishParked sends msg to exchange.parking once the reprocessor has
// exhausted its retry budget for it.
func (b *Broker) PublishParked(ctx context.Context, msg model.DocumentMessage) error {
	return b.publishTo(ctx, ExchangeParking, RoutingClassify, msg)
}

func (b *Broker) publishTo(ctx context.Context, exchange, routingKey string, msg model.DocumentMessage) error {
	if msg.CorrelationID == "" {
		msg.CorrelationID = ctxutil.CorrelationIDFromContext(ctx)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: marshal message: %w", err)
	}

	return b.pubCh.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Body:          body,
		CorrelationId: msg.CorrelationID,
	})
}

// NewConsumer opens a dedicated channel consuming from queueName with
// prefetch 1, so a worker never holds more unacknowledged messages than it
// is actively processing (spec §5 resource bound).
func (b *Broker) NewConsumer(queueName string) (*AMQPConsumer, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("queue: open consumer channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("queue: set qos: %w", err)
	}

	c := &AMQPConsumer{ch: ch, queue: queueName, logger: b.logger}
	if queueName == QueueDLQ {
		// queue.dlq has no dead-letter exchange of its own (it is the
		// terminal hop of exchange.dlx), so a plain reject on an
		// undecodable body here has nowhere to dead-letter to and the
		// broker would just drop it. Park it directly instead (spec
		// §4.5/§8: bad messages are parked, never dropped).
		c.onMalformed = b.parkRaw
	}
	return c, nil
}

// AMQPConsumer consumes deliveries from one queue over its own channel.
type AMQPConsumer struct {
	ch     *amqp.Channel
	queue  string
	logger *slog.Logger

	// onMalformed, when set, handles a delivery whose body failed to parse
	// instead of the default reject-without-requeue.
	onMalformed func(ctx context.Context, d amqp.Delivery) error
}

// parkRaw republishes a delivery's body to exchange.parking unmodified,
// bypassing JSON decoding entirely, so a delivery that failed to parse is
// still parked rather than requiring a parseable model.DocumentMessage.
func (b *Broker) parkRaw(ctx context.Context, d amqp.Delivery) error {
	return b.pubCh.PublishWithContext(ctx, ExchangeParking, RoutingClassify, false, false, amqp.Publishing{
		ContentType:   d.ContentType,
		DeliveryMode:  amqp.Persistent,
		Body:          d.Body,
		CorrelationId: d.CorrelationId,
	})
}

// Consume starts consuming and returns a channel of Delivery. The returned
// channel closes when ctx is cancelled or the underlying AMQP delivery
// channel closes (e.g. connection loss).
func (c *AMQPConsumer) Consume(ctx context.Context) (<-chan Delivery, error) {
	raw, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: consume %s: %w", c.queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-raw:
				if !ok {
					return
				}
				delivery, err := toDelivery(d)
				if err != nil {
					if c.onMalformed != nil {
						if perr := c.onMalformed(ctx, d); perr != nil {
							c.logger.Error("queue: failed to park malformed delivery, rejecting", "queue", c.queue, "error", perr)
							_ = d.Nack(false, false)
						} else {
							_ = d.Ack(false)
						}
					} else {
						_ = d.Nack(false, false)
					}
					continue
				}
				select {
				case out <- delivery:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close shuts down the consumer's channel.
func (c *AMQPConsumer) Close() error {
	return c.ch.Close()
}

func toDelivery(d amqp.Delivery) (Delivery, error) {
	var msg model.DocumentMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return Delivery{}, fmt.Errorf("queue: unmarshal delivery: %w", err)
	}
	return Delivery{
		Message:       msg,
		CorrelationID: d.CorrelationId,
		DeathCount:    deathCount(d.Headers),
		Ack:           func() error { return d.Ack(false) },
		Nack:          func(requeue bool) error { return d.Nack(false, requeue) },
	}, nil
}

// deathCount reads the AMQP "x-death" header array RabbitMQ attaches every
// time a dead-letter exchange redelivers a message, returning the count
// from the most recent death entry. A delivery with no x-death history is
// treated as first-time, deathCount 1 (spec §4.5 step 1).
func deathCount(headers amqp.Table) int {
	raw, ok := headers["x-death"]
	if !ok {
		return 1
	}
	deaths, ok := raw.([]any)
	if !ok || len(deaths) == 0 {
		return 1
	}
	entry, ok := deaths[0].(amqp.Table)
	if !ok {
		return 1
	}
	switch v := entry["count"].(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	default:
		return 1
	}
}
