package rabbit

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/rental-reservations/internal/observability"
	"github.com/robertarktes/rental-reservations/internal/payments"
)

const PaymentEventsQueue = "payment.events"

// PaymentEvent is what the processor bridge publishes when a handle changes state.
type PaymentEvent struct {
	HandleID string          `json:"payment_handle_id"`
	Status   payments.Status `json:"status"`
}

type PaymentEventHandler func(ctx context.Context, ev PaymentEvent) error

type Consumer struct {
	ch     *amqp.Channel
	queue  string
	logger observability.Logger
}

func NewConsumer(conn *amqp.Connection, queue string, logger observability.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if _, err = ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, errors.Wrap(err, "declare queue")
	}
	if err := ch.Qos(16, 0, false); err != nil {
		return nil, errors.Wrap(err, "set qos")
	}
	return &Consumer{ch: ch, queue: queue, logger: logger}, nil
}

func (c *Consumer) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	return c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
}

// Run hands each payment event to handle until ctx ends. Malformed messages are
// dropped; handler failures are requeued once and then dropped.
func (c *Consumer) Run(ctx context.Context, handle PaymentEventHandler) error {
	deliveries, err := c.Consume(ctx)
	if err != nil {
		return errors.Wrap(err, "consume")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.dispatch(ctx, d, handle)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery, handle PaymentEventHandler) {
	log := c.logger.WithField("message_id", d.MessageId)

	var ev PaymentEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil || ev.HandleID == "" {
		log.WithError(err).Warn("dropping malformed payment event")
		_ = d.Nack(false, false)
		return
	}
	if err := handle(ctx, ev); err != nil {
		log.WithError(err).WithField("payment_handle_id", ev.HandleID).Error("payment event failed")
		_ = d.Nack(false, !d.Redelivered)
		return
	}
	_ = d.Ack(false)
}

func (c *Consumer) Close() error {
	return c.ch.Close()
}
