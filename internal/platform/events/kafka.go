// Package events publishes ledger domain events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Header names set on every record.
const (
	HeaderEventType = "event_type"
	HeaderEventID   = "event_id"
)

// Envelope is the JSON value written to the topic.
type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Publisher writes events to one topic through a synchronous producer.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
	now      func() time.Time
}

// ProducerConfig returns the producer settings the publisher relies on.
func ProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Retry.Max = 3
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.MaxMessageBytes = 1000000
	return config
}

// Dial connects a publisher to the brokers.
func Dial(brokers []string, topic string, logger *slog.Logger) (*Publisher, error) {
	producer, err := sarama.NewSyncProducer(brokers, ProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("events: create kafka producer: %w", err)
	}
	return NewPublisher(producer, topic, logger), nil
}

// NewPublisher wraps an existing producer.
func NewPublisher(producer sarama.SyncProducer, topic string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		producer: producer,
		topic:    topic,
		logger:   logger.With(slog.String("component", "kafka_publisher"), slog.String("topic", topic)),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Publish sends payload as an event of eventType. Records sharing key keep
// their relative order.
func (p *Publisher) Publish(ctx context.Context, eventType, key string, payload any) error {
	ctx, span := otel.Tracer("odyssey-ledger/events").Start(ctx, "kafka.publish "+eventType,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", p.topic),
			attribute.String("event.type", eventType),
		),
	)
	defer span.End()

	raw, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal payload")
		return fmt.Errorf("events: marshal %s: %w", eventType, err)
	}
	env := Envelope{EventID: uuid.NewString(), EventType: eventType, OccurredAt: p.now(), Payload: raw}
	value, err := json.Marshal(env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal envelope")
		return fmt.Errorf("events: marshal envelope: %w", err)
	}
	span.SetAttributes(attribute.String("event.id", env.EventID))

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	headers := []sarama.RecordHeader{
		{Key: []byte(HeaderEventType), Value: []byte(eventType)},
		{Key: []byte(HeaderEventID), Value: []byte(env.EventID)},
	}
	for k, v := range carrier {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic:   p.topic,
		Key:     sarama.StringEncoder(key),
		Value:   sarama.ByteEncoder(value),
		Headers: headers,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send message")
		return fmt.Errorf("events: send %s: %w", eventType, err)
	}
	span.SetAttributes(
		attribute.Int("messaging.kafka.partition", int(partition)),
		attribute.Int64("messaging.kafka.offset", offset),
	)
	p.logger.Debug("event published",
		slog.String("event_type", eventType),
		slog.String("event_id", env.EventID),
		slog.Int("partition", int(partition)),
		slog.Int64("offset", offset))
	return nil
}

// Close closes the producer.
func (p *Publisher) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
