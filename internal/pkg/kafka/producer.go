package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"loan-sync-worker/internal/pkg/config"
	"loan-sync-worker/internal/pkg/consts"
	"loan-sync-worker/internal/pkg/log_messages"
	"loan-sync-worker/internal/pkg/logger"
	"loan-sync-worker/internal/pkg/models"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

const defaultDeliveryTimeout = 10 * time.Second

// ProducerInterface defines the interface for Kafka producer operations.
type ProducerInterface interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// DeadLetterProducer publishes dropped change events so they can be inspected
// and replayed outside the replication path.
type DeadLetterProducer struct {
	producer        ProducerInterface
	topic           string
	deliveryTimeout time.Duration
}

func NewDeadLetterProducer(cfg config.KafkaConfig) (*DeadLetterProducer, error) {
	kafkaConfig := &kafka.ConfigMap{
		"bootstrap.servers": cfg.Server,
		"security.protocol": cfg.SecurityProtocol,
		"sasl.mechanisms":   cfg.SASLMechanism,
		"sasl.username":     cfg.SASLUsername,
		"sasl.password":     cfg.SASLPassword,
		"client.id":         cfg.ClientID,
	}

	producer, err := kafka.NewProducer(kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	logger.Info(log_messages.KafkaProducerCreated)

	return NewDeadLetterProducerWithInterface(producer, cfg.DeadLetterTopic), nil
}

func NewDeadLetterProducerWithInterface(producer ProducerInterface, topic string) *DeadLetterProducer {
	return &DeadLetterProducer{
		producer:        producer,
		topic:           topic,
		deliveryTimeout: defaultDeliveryTimeout,
	}
}

// PublishDeadLetter sends msg keyed by entity kind, with the drop reason
// duplicated into headers for consumers that filter without decoding.
func (p *DeadLetterProducer) PublishDeadLetter(ctx context.Context, msg models.DeadLetterMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	deliveryChan := make(chan kafka.Event, 1)
	err = p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(msg.EntityKind),
		Value:          value,
		Headers: []kafka.Header{
			{Key: consts.HeaderEntityKind, Value: []byte(msg.EntityKind)},
			{Key: consts.HeaderOperation, Value: []byte(msg.Operation)},
			{Key: consts.HeaderReason, Value: []byte(msg.Reason)},
			{Key: consts.HeaderTraceID, Value: []byte(msg.TraceID)},
		},
	}, deliveryChan)
	if err != nil {
		logger.CtxError(ctx, "Failed to produce Kafka message", err)
		return err
	}

	select {
	case ev := <-deliveryChan:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected event type")
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("delivery failed: %w", m.TopicPartition.Error)
		}
	case <-time.After(p.deliveryTimeout):
		return fmt.Errorf("timeout waiting for Kafka delivery report")
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// Close flushes and closes the Kafka producer.
func (p *DeadLetterProducer) Close() error {
	p.producer.Flush(5000)
	p.producer.Close()
	return nil
}
