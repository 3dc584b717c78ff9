package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hanko-field/storefront/internal/services"
)

// NewKafkaSyncProducer dials brokers with acknowledgements from all in-sync replicas.
func NewKafkaSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher: at least one broker is required")
	}
	producer, err := sarama.NewSyncProducer(brokers, ProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return producer, nil
}

// ProducerConfig returns the sarama configuration used for order events.
func ProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	return config
}

// KafkaPublisher publishes order events keyed by order number so that one order's events stay ordered.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

var _ services.OrderEventPublisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher wraps producer for topic.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	if producer == nil {
		return nil, errors.New("kafka publisher: producer is required")
	}
	if topic == "" {
		return nil, errors.New("kafka publisher: topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{producer: producer, topic: topic, logger: logger}, nil
}

func (p *KafkaPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	carrier := make(headerCarrier, 0, 4)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	carrier.Set("event-type", event.Type)

	msg := &sarama.ProducerMessage{
		Topic:   p.topic,
		Key:     sarama.StringEncoder(event.OrderNumber),
		Value:   sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader(carrier),
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send order event: %w", err)
	}

	traceID := ""
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		traceID = sc.TraceID().String()
	}
	p.logger.Debug("order event published",
		zap.String("trace_id", traceID),
		zap.String("topic", p.topic),
		zap.String("type", event.Type),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// Close releases the underlying producer.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// headerCarrier adapts Kafka record headers to propagation.TextMapCarrier.
type headerCarrier []sarama.RecordHeader

func (c headerCarrier) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	*c = append(*c, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = string(h.Key)
	}
	return keys
}
