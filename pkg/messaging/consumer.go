package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/medflow/medcode/pkg/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

// maxDeliveries is how often a failing event is attempted before it is dead-lettered.
const maxDeliveries = 3

const (
	handlerTimeout = 30 * time.Second
	trackedEvents  = 4096
	trackingTTL    = time.Hour
)

// MessageHandler is a function that handles a message
type MessageHandler func(ctx context.Context, event *Event) error

// Consumer dispatches events from one queue to handlers by event type.
//
// A nack with requeue carries no x-death header, so failed attempts are counted per event
// ID in process as well as from the broker's x-delivery-count and x-death headers. Events
// already handled are remembered for trackingTTL and a redelivery of one is acked without
// running its handler again.
type Consumer struct {
	rmq            *RabbitMQ
	queueName      string
	handlers       map[string]MessageHandler
	attempts       *expirable.LRU[string, int]
	handled        *expirable.LRU[string, struct{}]
	handlerTimeout time.Duration
	logger         *logger.Logger
}

// NewConsumer declares the queue together with its dead letter queue
func NewConsumer(rmq *RabbitMQ, queueName string, log *logger.Logger) (*Consumer, error) {
	if err := rmq.DeclareDeadLetterQueue(queueName); err != nil {
		return nil, err
	}
	if _, err := rmq.DeclareQueue(queueName); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}
	return newConsumer(rmq, queueName, log), nil
}

func newConsumer(rmq *RabbitMQ, queueName string, log *logger.Logger) *Consumer {
	return &Consumer{
		rmq:            rmq,
		queueName:      queueName,
		handlers:       make(map[string]MessageHandler),
		attempts:       expirable.NewLRU[string, int](trackedEvents, nil, trackingTTL),
		handled:        expirable.NewLRU[string, struct{}](trackedEvents, nil, trackingTTL),
		handlerTimeout: handlerTimeout,
		logger:         log.WithComponent("consumer"),
	}
}

// Subscribe binds the queue to an exchange with a routing key pattern
func (c *Consumer) Subscribe(exchange, routingKeyPattern string) error {
	if err := c.rmq.DeclareExchange(exchange); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	if err := c.rmq.BindQueue(c.queueName, exchange, routingKeyPattern); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	c.logger.Info().
		Str("queue", c.queueName).
		Str("exchange", exchange).
		Str("routing_key", routingKeyPattern).
		Msg("subscribed to exchange")
	return nil
}

// RegisterHandler registers a handler for a specific event type
func (c *Consumer) RegisterHandler(eventType string, handler MessageHandler) {
	c.handlers[eventType] = handler
}

// Start consumes from the queue in a goroutine until ctx is done
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.rmq.Channel().Consume(c.queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info().Str("queue", c.queueName).Msg("consumer started")

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info().Str("queue", c.queueName).Msg("consumer stopped")
				return
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Warn().Str("queue", c.queueName).Msg("message channel closed")
					return
				}
				c.handleMessage(ctx, msg)
			}
		}
	}()
	return nil
}

func (c *Consumer) handleMessage(ctx context.Context, msg amqp.Delivery) {
	var event Event
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		c.logger.Error().Err(err).Str("queue", c.queueName).Msg("malformed event, dead-lettering")
		_ = msg.Reject(false)
		return
	}

	handler, ok := c.handlers[event.Type]
	if !ok {
		c.logger.Debug().Str("event_type", event.Type).Msg("no handler registered for event type")
		_ = msg.Ack(false)
		return
	}

	if event.ID != "" && c.handled.Contains(event.ID) {
		c.logger.Debug().Str("event_id", event.ID).Msg("event already handled, acking redelivery")
		_ = msg.Ack(false)
		return
	}

	hctx, cancel := context.WithTimeout(WithCorrelationID(ctx, event.CorrelationID), c.handlerTimeout)
	err := handler(hctx, &event)
	cancel()

	if err == nil {
		if event.ID != "" {
			c.handled.Add(event.ID, struct{}{})
			c.attempts.Remove(event.ID)
		}
		_ = msg.Ack(false)
		return
	}

	attempt := c.recordAttempt(event.ID, msg)
	c.logger.Error().
		Err(err).
		Str("event_type", event.Type).
		Str("event_id", event.ID).
		Str("correlation_id", event.CorrelationID).
		Int("attempt", attempt).
		Msg("failed to process event")

	if attempt >= maxDeliveries {
		c.logger.Warn().Str("event_id", event.ID).Int("attempt", attempt).Msg("giving up on event, dead-lettering")
		if event.ID != "" {
			c.attempts.Remove(event.ID)
		}
		_ = msg.Reject(false)
		return
	}
	_ = msg.Nack(false, true)
}

// recordAttempt returns the number of the attempt that just failed.
func (c *Consumer) recordAttempt(eventID string, msg amqp.Delivery) int {
	attempt := brokerDeliveries(msg) + 1
	if eventID == "" {
		return attempt
	}
	if seen, ok := c.attempts.Get(eventID); ok && seen+1 > attempt {
		attempt = seen + 1
	}
	c.attempts.Add(eventID, attempt)
	return attempt
}

// brokerDeliveries is how often the broker reports having delivered msg before: quorum
// queues set x-delivery-count, and x-death counts trips through a dead letter exchange.
func brokerDeliveries(msg amqp.Delivery) int {
	count := 0
	if n, ok := msg.Headers["x-delivery-count"].(int64); ok {
		count = int(n)
	}
	if deaths, ok := msg.Headers["x-death"].([]interface{}); ok {
		for _, death := range deaths {
			if d, ok := death.(amqp.Table); ok {
				if n, ok := d["count"].(int64); ok && int(n) > count {
					count = int(n)
				}
			}
		}
	}
	return count
}
