package consumers

import (
	"context"

	"github.com/medflow/medcode/pkg/actor"
	"github.com/medflow/medcode/pkg/logger"
	"github.com/medflow/medcode/pkg/messaging"
)

// queueName is the durable queue this service consumes inventory events from
const queueName = "code-service.inventory-events"

// systemActor is recorded as the actor of event-driven state changes
var systemActor = actor.System("inventory-events")

// BatchExpirer expires the codes of a batch
type BatchExpirer interface {
	ExpireBatch(ctx context.Context, batchRef, actorID string) (int, error)
}

// BatchEventConsumer expires codes when the inventory service expires their batch
type BatchEventConsumer struct {
	consumer *messaging.Consumer
	expirer  BatchExpirer
	logger   *logger.Logger
}

// NewBatchEventConsumer creates a new batch event consumer
func NewBatchEventConsumer(rmq *messaging.RabbitMQ, expirer BatchExpirer, log *logger.Logger) (*BatchEventConsumer, error) {
	consumer, err := messaging.NewConsumer(rmq, queueName, log)
	if err != nil {
		return nil, err
	}

	if err := consumer.Subscribe(messaging.ExchangeInventoryEvents, messaging.EventBatchExpired); err != nil {
		return nil, err
	}

	c := &BatchEventConsumer{
		consumer: consumer,
		expirer:  expirer,
		logger:   log,
	}
	consumer.RegisterHandler(messaging.EventBatchExpired, c.handleBatchExpired)

	return c, nil
}

// Start starts consuming messages
func (c *BatchEventConsumer) Start(ctx context.Context) error {
	return c.consumer.Start(ctx)
}

func (c *BatchEventConsumer) handleBatchExpired(ctx context.Context, event *messaging.Event) error {
	var data messaging.BatchExpiredEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	c.logger.Info().
		Str("batch_id", data.BatchID).
		Time("expiry_date", data.ExpiryDate).
		Msg("received batch expired event")

	if data.BatchID == "" {
		c.logger.Warn().Str("event_id", event.ID).Msg("batch expired event without batch id, skipping")
		return nil
	}

	_, err := c.expirer.ExpireBatch(ctx, data.BatchID, systemActor.ID)
	return err
}
