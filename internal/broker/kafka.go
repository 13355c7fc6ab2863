package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/pkg/logger"
)

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers           []string
	MaxRetries        int
	RetryBackoff      time.Duration
	ConnectionTimeout time.Duration
}

// Producer sends platform messages over Kafka. It serves both queue-style
// destinations (command and reply queues) and event topics.
type Producer struct {
	producer sarama.SyncProducer
	log      *logger.Logger
	tracer   trace.Tracer
}

// NewProducer creates a new Kafka producer instance
func NewProducer(cfg ProducerConfig, log *logger.Logger) (*Producer, error) {
	config := sarama.NewConfig()

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = cfg.MaxRetries
	config.Producer.Retry.Backoff = cfg.RetryBackoff

	config.Net.DialTimeout = cfg.ConnectionTimeout
	config.Net.ReadTimeout = cfg.ConnectionTimeout
	config.Net.WriteTimeout = cfg.ConnectionTimeout

	// Enable idempotent delivery
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	config.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return &Producer{
		producer: producer,
		log:      log,
		tracer:   otel.GetTracerProvider().Tracer("kafka-producer"),
	}, nil
}

// NewProducerFromClient wraps an existing sarama producer (used in tests).
func NewProducerFromClient(p sarama.SyncProducer, log *logger.Logger) *Producer {
	return &Producer{
		producer: p,
		log:      log,
		tracer:   otel.GetTracerProvider().Tracer("kafka-producer"),
	}
}

// Send delivers a message to a queue-style topic.
func (p *Producer) Send(ctx context.Context, topic string, key string, payload []byte, headers map[string]string) error {
	return p.produce(ctx, topic, key, payload, headers)
}

// Publish delivers a message to an event topic.
func (p *Producer) Publish(ctx context.Context, topic string, key string, payload []byte, headers map[string]string) error {
	return p.produce(ctx, topic, key, payload, headers)
}

func (p *Producer) produce(ctx context.Context, topic string, key string, payload []byte, headers map[string]string) error {
	ctx, span := p.tracer.Start(ctx, "kafka.publish",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", topic),
			attribute.Int("messaging.message_payload_size_bytes", len(payload)),
		),
	)
	defer span.End()

	recordHeaders := make([]sarama.RecordHeader, 0, len(headers)+1)
	for k, v := range headers {
		recordHeaders = append(recordHeaders, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		recordHeaders = append(recordHeaders, sarama.RecordHeader{
			Key:   []byte("trace_id"),
			Value: []byte(span.SpanContext().TraceID().String()),
		})
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Value:   sarama.ByteEncoder(payload),
		Headers: recordHeaders,
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.log.Error("Failed to publish message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to publish message: %w", err)
	}

	p.log.Debug("Message published",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)

	return nil
}

// Close closes the Kafka producer
func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		p.log.Error("Failed to close Kafka producer", zap.Error(err))
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}

var (
	_ Queue  = (*Producer)(nil)
	_ Events = (*Producer)(nil)
)
