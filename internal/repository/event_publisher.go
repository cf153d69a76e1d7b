package repository

import (
	"context"
	"time"

	"FinCast/internal/domain/models"
	domrepo "FinCast/internal/domain/repository"
	pkgkafka "FinCast/pkg/kafka"
)

// KafkaEventPublisher publishes pipeline events keyed by instrument, so all
// events of one instrument land on the same partition in order.
type KafkaEventPublisher struct {
	producer *pkgkafka.Producer
	topic    string
}

func NewKafkaEventPublisher(producer *pkgkafka.Producer, topic string) domrepo.EventPublisher {
	return &KafkaEventPublisher{producer: producer, topic: topic}
}

func (p *KafkaEventPublisher) PublishEvent(ctx context.Context, ev models.PipelineEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return p.producer.Publish(ctx, p.topic, []byte(ev.Instrument.Key()), ev)
}

// Close is a no-op; the producer is shared and closed by the app.
func (p *KafkaEventPublisher) Close() error { return nil }

// NoopEventPublisher drops events when Kafka is disabled.
type NoopEventPublisher struct{}

func (NoopEventPublisher) PublishEvent(context.Context, models.PipelineEvent) error { return nil }
func (NoopEventPublisher) Close() error                                          { return nil }
