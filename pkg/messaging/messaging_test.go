package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/medflow/medcode/pkg/logger"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	published []publishedMessage
	err       error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishedMessage{exchange: exchange, key: key, msg: msg})
	return nil
}

func TestPublisher_Publish(t *testing.T) {
	ch := &fakeChannel{}
	p := NewPublisherWithChannel(ch, ExchangeCodeEvents, "code-service", logger.Nop())

	ctx := WithCorrelationID(context.Background(), "req-42")
	err := p.Publish(ctx, EventCodesGenerated, CodesGeneratedEvent{
		BatchReference: "batch-1",
		Requested:      3,
		Generated:      3,
		Codes:          []string{"25071F111B0001", "25071F111B0002", "25071F111B0003"},
	})
	require.NoError(t, err)
	require.Len(t, ch.published, 1)

	got := ch.published[0]
	assert.Equal(t, ExchangeCodeEvents, got.exchange)
	assert.Equal(t, EventCodesGenerated, got.key)
	assert.Equal(t, "req-42", got.msg.CorrelationId)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)

	var event Event
	require.NoError(t, json.Unmarshal(got.msg.Body, &event))
	assert.Equal(t, got.msg.MessageId, event.ID)
	assert.Equal(t, "code-service", event.Source)

	var data CodesGeneratedEvent
	require.NoError(t, event.UnmarshalData(&data))
	assert.Equal(t, "batch-1", data.BatchReference)
	assert.Len(t, data.Codes, 3)
}

func TestPublisher_PublishError(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	p := NewPublisherWithChannel(ch, ExchangeCodeEvents, "code-service", logger.Nop())

	err := p.Publish(context.Background(), EventCodeScanned, CodeScannedEvent{Code: "25071F111B0001"})
	assert.ErrorContains(t, err, "channel closed")
}

type ackRecorder struct {
	acked, nacked, rejected int
	requeue                 bool
}

func (a *ackRecorder) Ack(uint64, bool) error { a.acked++; return nil }
func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked++
	a.requeue = requeue
	return nil
}
func (a *ackRecorder) Reject(_ uint64, requeue bool) error {
	a.rejected++
	a.requeue = requeue
	return nil
}

func delivery(t *testing.T, ack *ackRecorder, eventType string, headers amqp.Table) amqp.Delivery {
	t.Helper()
	event, err := NewEvent(eventType, "inventory-service", "corr-1", BatchExpiredEvent{BatchID: "batch-9"})
	require.NoError(t, err)
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, Body: body, Headers: headers}
}

func newTestConsumer() *Consumer {
	return newConsumer(nil, "test", logger.Nop())
}

func TestConsumer_HandleMessage(t *testing.T) {
	t.Run("dispatches to the registered handler", func(t *testing.T) {
		c := newTestConsumer()
		var got BatchExpiredEvent
		var corr string
		c.RegisterHandler(EventBatchExpired, func(ctx context.Context, e *Event) error {
			corr = CorrelationID(ctx)
			return e.UnmarshalData(&got)
		})

		ack := &ackRecorder{}
		c.handleMessage(context.Background(), delivery(t, ack, EventBatchExpired, nil))

		assert.Equal(t, 1, ack.acked)
		assert.Equal(t, "batch-9", got.BatchID)
		assert.Equal(t, "corr-1", corr)
	})

	t.Run("acks unknown event types", func(t *testing.T) {
		ack := &ackRecorder{}
		newTestConsumer().handleMessage(context.Background(), delivery(t, ack, "inventory.item.created", nil))
		assert.Equal(t, 1, ack.acked)
	})

	t.Run("rejects malformed bodies", func(t *testing.T) {
		ack := &ackRecorder{}
		newTestConsumer().handleMessage(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("{")})
		assert.Equal(t, 1, ack.rejected)
		assert.False(t, ack.requeue)
	})

	t.Run("requeues failed handlers", func(t *testing.T) {
		c := newTestConsumer()
		c.RegisterHandler(EventBatchExpired, func(context.Context, *Event) error { return errors.New("db down") })

		ack := &ackRecorder{}
		c.handleMessage(context.Background(), delivery(t, ack, EventBatchExpired, nil))
		assert.Equal(t, 1, ack.nacked)
		assert.True(t, ack.requeue)
	})

	t.Run("dead letters after max redeliveries", func(t *testing.T) {
		c := newTestConsumer()
		c.RegisterHandler(EventBatchExpired, func(context.Context, *Event) error { return errors.New("db down") })

		headers := amqp.Table{"x-death": []interface{}{amqp.Table{"count": int64(maxDeliveries)}}}
		ack := &ackRecorder{}
		c.handleMessage(context.Background(), delivery(t, ack, EventBatchExpired, headers))
		assert.Equal(t, 1, ack.rejected)
		assert.False(t, ack.requeue)
	})

	t.Run("dead letters a plainly requeued event after max deliveries", func(t *testing.T) {
		c := newTestConsumer()
		calls := 0
		c.RegisterHandler(EventBatchExpired, func(context.Context, *Event) error {
			calls++
			return errors.New("db down")
		})

		// requeued deliveries carry no x-death header
		ack := &ackRecorder{}
		msg := delivery(t, ack, EventBatchExpired, nil)
		for i := 0; i < maxDeliveries; i++ {
			c.handleMessage(context.Background(), msg)
		}

		assert.Equal(t, maxDeliveries, calls)
		assert.Equal(t, maxDeliveries-1, ack.nacked)
		assert.Equal(t, 1, ack.rejected)
		assert.False(t, ack.requeue)
	})

	t.Run("honours the quorum delivery count", func(t *testing.T) {
		c := newTestConsumer()
		c.RegisterHandler(EventBatchExpired, func(context.Context, *Event) error { return errors.New("db down") })

		headers := amqp.Table{"x-delivery-count": int64(maxDeliveries - 1)}
		ack := &ackRecorder{}
		c.handleMessage(context.Background(), delivery(t, ack, EventBatchExpired, headers))
		assert.Equal(t, 1, ack.rejected)
	})

	t.Run("acks a redelivered event without handling it twice", func(t *testing.T) {
		c := newTestConsumer()
		calls := 0
		c.RegisterHandler(EventBatchExpired, func(context.Context, *Event) error {
			calls++
			return nil
		})

		ack := &ackRecorder{}
		msg := delivery(t, ack, EventBatchExpired, nil)
		c.handleMessage(context.Background(), msg)
		c.handleMessage(context.Background(), msg)

		assert.Equal(t, 1, calls)
		assert.Equal(t, 2, ack.acked)
	})

	t.Run("bounds the handler with a deadline", func(t *testing.T) {
		c := newTestConsumer()
		c.handlerTimeout = 10 * time.Millisecond
		c.RegisterHandler(EventBatchExpired, func(ctx context.Context, _ *Event) error {
			<-ctx.Done()
			return ctx.Err()
		})

		ack := &ackRecorder{}
		c.handleMessage(context.Background(), delivery(t, ack, EventBatchExpired, nil))
		assert.Equal(t, 1, ack.nacked)
		assert.True(t, ack.requeue)
	})
}
