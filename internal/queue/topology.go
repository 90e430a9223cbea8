// Package queue implements the AMQP 0-9-1 broker substrate (C2): topology
// declaration, a document publisher, and a classification consumer, plus
// the narrow publisher/consumer interfaces the worker and reprocessor
// depend on so tests can substitute an in-memory fake.
package queue

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology names, fixed across publisher and consumer so the two call
// sites cannot drift (spec §4.2/§6).
const (
	ExchangeDocument = "exchange.document"
	QueueClassify    = "queue.classification"
	RoutingClassify  = "classification"

	ExchangeDLX = "exchange.dlx"
	QueueDLQ    = "queue.dlq"

	ExchangeParking = "exchange.parking"
	QueueParking    = "queue.parking"
)

// Declare idempotently declares every exchange, queue, and binding the
// pipeline needs. Safe to call from both the API publisher and the worker
// consumer; redeclaration of identical topology is a no-op in AMQP.
func Declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(ExchangeDocument, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue: declare %s: %w", ExchangeDocument, err)
	}
	if err := ch.ExchangeDeclare(ExchangeDLX, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue: declare %s: %w", ExchangeDLX, err)
	}
	if err := ch.ExchangeDeclare(ExchangeParking, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue: declare %s: %w", ExchangeParking, err)
	}

	classifyArgs := amqp.Table{
		"x-dead-letter-exchange":    ExchangeDLX,
		"x-dead-letter-routing-key": RoutingClassify,
	}
	if _, err := ch.QueueDeclare(QueueClassify, true, false, false, false, classifyArgs); err != nil {
		return fmt.Errorf("queue: declare %s: %w", QueueClassify, err)
	}
	if err := ch.QueueBind(QueueClassify, RoutingClassify, ExchangeDocument, false, nil); err != nil {
		return fmt.Errorf("queue: bind %s: %w", QueueClassify, err)
	}

	if _, err := ch.QueueDeclare(QueueDLQ, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue: declare %s: %w", QueueDLQ, err)
	}
	if err := ch.QueueBind(QueueDLQ, RoutingClassify, ExchangeDLX, false, nil); err != nil {
		return fmt.Errorf("queue: bind %s: %w", QueueDLQ, err)
	}

	if _, err := ch.QueueDeclare(QueueParking, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue: declare %s: %w", QueueParking, err)
	}
	if err := ch.QueueBind(QueueParking, RoutingClassify, ExchangeParking, false, nil); err != nil {
		return fmt.Errorf("queue: bind %s: %w", QueueParking, err)
	}

	return nil
}
