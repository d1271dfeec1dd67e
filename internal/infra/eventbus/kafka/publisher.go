// Package kafka provides a Kafka-backed publisher for job lifecycle events
// so external systems can react to scan progress without polling.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/datasentry/internal/domain/events"
	"github.com/ahrav/datasentry/internal/domain/scanning"
	"github.com/ahrav/datasentry/pkg/common/logger"
)

// Config contains settings for connecting to and interacting with Kafka
// brokers.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// JobLifecycleTopic receives job created/listing-completed/terminal
	// events.
	JobLifecycleTopic string

	// ItemFailureTopic receives per-object terminal failure events.
	ItemFailureTopic string

	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
}

// envelope is the JSON wire form of a domain event.
type envelope struct {
	Type      events.EventType `json:"type"`
	Key       string           `json:"key"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   any              `json:"payload"`
}

var _ events.DomainEventPublisher = (*Publisher)(nil)

// Publisher implements events.DomainEventPublisher on a sarama sync
// producer. Events are partitioned by their routing key so all events for
// one job land on one partition in order.
type Publisher struct {
	producer sarama.SyncProducer

	// topicMap routes domain event types to Kafka topics.
	topicMap map[events.EventType]string

	logger *logger.Logger
	tracer trace.Tracer
}

// NewPublisher creates a Kafka-backed domain event publisher from the
// provided configuration.
func NewPublisher(cfg *Config, log *logger.Logger, tracer trace.Tracer) (*Publisher, error) {
	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Partitioner = sarama.NewHashPartitioner
	producerConfig.ClientID = cfg.ClientID

	producer, err := sarama.NewSyncProducer(cfg.Brokers, producerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	topicMap := map[events.EventType]string{
		scanning.EventTypeJobCreated:          cfg.JobLifecycleTopic,
		scanning.EventTypeJobListingCompleted: cfg.JobLifecycleTopic,
		scanning.EventTypeJobCompleted:        cfg.JobLifecycleTopic,
		scanning.EventTypeJobFailed:           cfg.JobLifecycleTopic,
		scanning.EventTypeItemFailed:          cfg.ItemFailureTopic,
	}

	return &Publisher{
		producer: producer,
		topicMap: topicMap,
		logger:   log.With("component", "kafka_event_publisher", "client_id", cfg.ClientID),
		tracer:   tracer,
	}, nil
}

// PublishDomainEvent serializes the event as JSON and produces it to the
// topic mapped for its type.
func (p *Publisher) PublishDomainEvent(
	ctx context.Context,
	event events.DomainEvent,
	opts ...events.PublishOption,
) error {
	ctx, span := p.tracer.Start(ctx, "kafka.publish_domain_event",
		trace.WithAttributes(
			attribute.String("event_type", string(event.Type)),
			attribute.String("event_key", event.Key),
		))
	defer span.End()

	topic, ok := p.topicMap[event.Type]
	if !ok {
		err := fmt.Errorf("no topic mapped for event type %s", event.Type)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unmapped event type")
		return err
	}

	params := events.PublishParams{Key: event.Key}
	for _, opt := range opts {
		opt(&params)
	}

	value, err := json.Marshal(envelope{
		Type:      event.Type,
		Key:       params.Key,
		Timestamp: event.Timestamp,
		Payload:   event.Payload,
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(params.Key),
		Value: sarama.ByteEncoder(value),
	}
	for k, v := range params.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "produce failed")
		return fmt.Errorf("failed to publish event to %s: %w", topic, err)
	}

	p.logger.Debug(ctx, "published domain event",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"event_type", string(event.Type),
	)
	return nil
}

// Close shuts down the underlying producer.
func (p *Publisher) Close() error { return p.producer.Close() }
