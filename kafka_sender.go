package pricewatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/overtonx/pricewatch/bus"
)

// KafkaHeaderBuilder builds Kafka message headers for a notification request.
type KafkaHeaderBuilder func(ctx context.Context, req NotificationRequest) []kafka.Header

// KafkaSender hands notifications to a downstream mailer through a Kafka topic.
// Send returns once the broker acknowledged the write.
type KafkaSender struct {
	logger          *zap.Logger
	producer        *kafka.Producer
	producerProps   kafka.ConfigMap
	topic           string
	headerBuilder   KafkaHeaderBuilder
	deliveryTimeout time.Duration
}

// NewKafkaSender creates the producer. bootstrap.servers must be set through
// WithKafkaProducerProps.
func NewKafkaSender(logger *zap.Logger, opts ...KafkaSenderOption) (*KafkaSender, error) {
	s, err := newKafkaSender(logger, opts...)
	if err != nil {
		return nil, err
	}

	producer, err := kafka.NewProducer(&s.producerProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	s.producer = producer

	go s.handleEvents()

	return s, nil
}

func newKafkaSender(logger *zap.Logger, opts ...KafkaSenderOption) (*KafkaSender, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &KafkaSender{
		logger: logger,
		producerProps: kafka.ConfigMap{
			"acks":               "all",
			"retries":            3,
			"linger.ms":          10,
			"enable.idempotence": true,
			"compression.type":   "snappy",
		},
		topic:           defaultKafkaTopic,
		headerBuilder:   buildKafkaHeaders,
		deliveryTimeout: defaultDeliveryTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	return s, nil
}

// Send writes req keyed by recipient and waits for its delivery report.
func (s *KafkaSender) Send(ctx context.Context, req NotificationRequest) error {
	value, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	topic := s.topic
	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(req.Recipient),
		Value:          value,
		Headers:        s.headerBuilder(ctx, req),
		Timestamp:      time.Now(),
	}

	delivery := make(chan kafka.Event, 1)
	if err := s.producer.Produce(message, delivery); err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}

	timer := time.NewTimer(s.deliveryTimeout)
	defer timer.Stop()

	select {
	case e := <-delivery:
		return deliveryError(e)
	case <-timer.C:
		return fmt.Errorf("no delivery report from kafka after %s", s.deliveryTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func deliveryError(e kafka.Event) error {
	switch ev := e.(type) {
	case *kafka.Message:
		if ev.TopicPartition.Error != nil {
			return fmt.Errorf("kafka delivery failed: %w", ev.TopicPartition.Error)
		}
		return nil
	case kafka.Error:
		return fmt.Errorf("kafka error: %w", ev)
	default:
		return fmt.Errorf("unexpected kafka event %v", e)
	}
}

// Close flushes outstanding messages and closes the producer.
func (s *KafkaSender) Close() error {
	s.logger.Info("Closing kafka producer")
	s.producer.Flush(15 * 1000)
	s.producer.Close()
	return nil
}

// handleEvents logs producer-level errors, which have no delivery channel.
func (s *KafkaSender) handleEvents() {
	for e := range s.producer.Events() {
		if ev, ok := e.(kafka.Error); ok {
			s.logger.Error("Kafka error", zap.Error(ev))
		}
	}
}

func buildKafkaHeaders(ctx context.Context, req NotificationRequest) []kafka.Header {
	headers := []kafka.Header{
		{Key: "flight_id", Value: []byte(req.FlightID)},
		{Key: "content_type", Value: []byte("application/json")},
	}
	if req.AlertID != 0 {
		headers = append(headers, kafka.Header{Key: "alert_id", Value: []byte(strconv.FormatInt(req.AlertID, 10))})
	}

	carrier := map[string]interface{}{}
	bus.InjectTrace(ctx, carrier)
	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(fmt.Sprintf("%v", v))})
	}
	return headers
}
