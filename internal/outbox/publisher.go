package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/rental-reservations/internal/adapters/crdb"
	"github.com/robertarktes/rental-reservations/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("outbox")

const (
	batchSize   = 50
	maxAttempts = 10
)

type Store interface {
	GetUnpublishedOutbox(ctx context.Context, limit int) ([]crdb.OutboxRecord, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkAttempt(ctx context.Context, id uuid.UUID, maxAttempts int) error
}

// Broker is satisfied by the rabbit publisher.
type Broker interface {
	PublishEvent(ctx context.Context, eventType, messageID string, payload []byte) error
}

// Stream is satisfied by the kafka producer.
type Stream interface {
	PublishEvent(ctx context.Context, key, eventType, messageID string, payload []byte) error
}

// Publisher relays outbox rows to the broker and, when configured, the stream.
// Delivery is at-least-once; consumers dedupe on the message ID.
type Publisher struct {
	store    Store
	broker   Broker
	stream   Stream
	interval time.Duration
	logger   observability.Logger
	now      func() time.Time
}

func NewPublisher(store Store, broker Broker, stream Stream, interval time.Duration, logger observability.Logger) *Publisher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Publisher{
		store:    store,
		broker:   broker,
		stream:   stream,
		interval: interval,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.RelayOnce(ctx); err != nil {
				p.logger.WithError(err).Error("outbox relay failed")
			}
		}
	}
}

// RelayOnce publishes one batch and returns how many rows were marked published.
func (p *Publisher) RelayOnce(ctx context.Context) (int, error) {
	records, err := p.store.GetUnpublishedOutbox(ctx, batchSize)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		observability.OutboxLag.Set(0)
		return 0, nil
	}
	observability.OutboxLag.Set(p.now().Sub(records[0].CreatedAt).Seconds())

	published := 0
	for _, rec := range records {
		log := p.logger.WithFields(map[string]interface{}{
			"outbox_id":  rec.ID.String(),
			"event_type": rec.EventType,
		})
		if err := p.publish(ctx, rec); err != nil {
			observability.PublishRetries.Inc()
			log.WithError(err).Warn("publish failed, will retry")
			if err := p.store.MarkAttempt(ctx, rec.ID, maxAttempts); err != nil {
				log.WithError(err).Error("failed to record publish attempt")
			}
			continue
		}
		if err := p.store.MarkPublished(ctx, rec.ID, p.now()); err != nil {
			log.WithError(err).Error("failed to mark outbox record published")
			continue
		}
		published++
	}
	return published, nil
}

func (p *Publisher) publish(ctx context.Context, rec crdb.OutboxRecord) (err error) {
	ctx, span := tracer.Start(ctx, "outbox.publish", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", rec.DedupeKey),
			attribute.String("event.type", rec.EventType),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "publish failed")
		}
		span.End()
	}()

	if err := p.broker.PublishEvent(ctx, rec.EventType, rec.DedupeKey, rec.Payload); err != nil {
		return err
	}
	if p.stream == nil {
		return nil
	}
	return p.stream.PublishEvent(ctx, rec.AggregateID, rec.EventType, rec.DedupeKey, rec.Payload)
}
