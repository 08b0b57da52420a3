package pricewatch

import (
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/overtonx/pricewatch/bus"
	"github.com/overtonx/pricewatch/internal/validation"
)

const (
	defaultBatchSize           = 100
	defaultMaxAttempts         = 5
	defaultBaseDelay           = 5 * time.Second
	defaultMaxDelay            = 5 * time.Minute
	defaultStuckEventTimeout   = 5 * time.Minute
	defaultSentEventsRetention = 24 * time.Hour
	defaultDeadLetterRetention = 7 * 24 * time.Hour
	defaultNotifyRetryDelay    = 5 * time.Second
	defaultLogSenderDelay      = 2 * time.Second
	defaultKafkaTopic          = "price-notifications"
	defaultDeliveryTimeout     = 30 * time.Second
)

//
// Carrier Options
//

type CarrierOption func(*Carrier)

func WithLogger(logger *zap.Logger) CarrierOption {
	return func(c *Carrier) {
		c.logger = logger
	}
}

func WithMetrics(metrics MetricsCollector) CarrierOption {
	return func(c *Carrier) {
		c.metrics = metrics
	}
}

func WithPublisher(publisher Publisher) CarrierOption {
	return func(c *Carrier) {
		c.publisher = publisher
	}
}

//
// KafkaSender Options
//

type KafkaSenderOption func(*KafkaSender)

func WithKafkaProducerProps(props kafka.ConfigMap) KafkaSenderOption {
	return func(s *KafkaSender) {
		for k, v := range props {
			s.producerProps[k] = v
		}
	}
}

func WithKafkaTopic(topic string) KafkaSenderOption {
	return func(s *KafkaSender) {
		s.topic = topic
	}
}

func WithKafkaHeaderBuilder(builder KafkaHeaderBuilder) KafkaSenderOption {
	return func(s *KafkaSender) {
		s.headerBuilder = builder
	}
}

func WithKafkaDeliveryTimeout(timeout time.Duration) KafkaSenderOption {
	return func(s *KafkaSender) {
		s.deliveryTimeout = timeout
	}
}

//
// EventProcessor Options
//

type EventProcessorOption func(*eventProcessorOptions)

type eventProcessorOptions struct {
	batchSize       int
	maxAttempts     int
	backoffStrategy BackoffStrategy
}

func WithEventProcessorBatchSize(size int) EventProcessorOption {
	return func(o *eventProcessorOptions) {
		o.batchSize = size
	}
}

func WithEventProcessorMaxAttempts(attempts int) EventProcessorOption {
	return func(o *eventProcessorOptions) {
		o.maxAttempts = attempts
	}
}

func WithEventProcessorBackoffStrategy(strategy BackoffStrategy) EventProcessorOption {
	return func(o *eventProcessorOptions) {
		o.backoffStrategy = strategy
	}
}

//
// DeadLetterService Options
//

type DeadLetterServiceOption func(*deadLetterServiceOptions)

type deadLetterServiceOptions struct {
	batchSize   int
	maxAttempts int
}

func WithDeadLetterServiceBatchSize(size int) DeadLetterServiceOption {
	return func(o *deadLetterServiceOptions) {
		o.batchSize = size
	}
}

func WithDeadLetterServiceMaxAttempts(attempts int) DeadLetterServiceOption {
	return func(o *deadLetterServiceOptions) {
		o.maxAttempts = attempts
	}
}

//
// StuckEventService Options
//

type StuckEventServiceOption func(*stuckEventServiceOptions)

type stuckEventServiceOptions struct {
	batchSize       int
	maxAttempts     int
	stuckTimeout    time.Duration
	backoffStrategy BackoffStrategy
}

func WithStuckEventServiceBatchSize(size int) StuckEventServiceOption {
	return func(o *stuckEventServiceOptions) {
		o.batchSize = size
	}
}

func WithStuckEventServiceMaxAttempts(attempts int) StuckEventServiceOption {
	return func(o *stuckEventServiceOptions) {
		o.maxAttempts = attempts
	}
}

func WithStuckEventServiceStuckTimeout(timeout time.Duration) StuckEventServiceOption {
	return func(o *stuckEventServiceOptions) {
		o.stuckTimeout = timeout
	}
}

func WithStuckEventServiceBackoffStrategy(strategy BackoffStrategy) StuckEventServiceOption {
	return func(o *stuckEventServiceOptions) {
		o.backoffStrategy = strategy
	}
}

//
// CleanupService Options
//

type CleanupServiceOption func(*cleanupServiceOptions)

type cleanupServiceOptions struct {
	sentRetention       time.Duration
	deadLetterRetention time.Duration
}

func WithCleanupServiceSentRetention(retention time.Duration) CleanupServiceOption {
	return func(o *cleanupServiceOptions) {
		o.sentRetention = retention
	}
}

func WithCleanupServiceDeadLetterRetention(retention time.Duration) CleanupServiceOption {
	return func(o *cleanupServiceOptions) {
		o.deadLetterRetention = retention
	}
}

//
// Archiver Options
//

type ArchiverOption func(*Archiver)

func WithArchiverLogger(logger *zap.Logger) ArchiverOption {
	return func(a *Archiver) {
		a.logger = logger
	}
}

func WithArchiverMetrics(metrics MetricsCollector) ArchiverOption {
	return func(a *Archiver) {
		a.metrics = metrics
	}
}

func WithArchiverValidator(v *validation.Validator) ArchiverOption {
	return func(a *Archiver) {
		a.validator = v
	}
}

func WithPriceCache(cache PriceCache) ArchiverOption {
	return func(a *Archiver) {
		a.cache = cache
	}
}

//
// AlertEngine Options
//

type AlertEngineOption func(*AlertEngine)

func WithAlertEngineLogger(logger *zap.Logger) AlertEngineOption {
	return func(e *AlertEngine) {
		e.logger = logger
	}
}

func WithAlertEngineMetrics(metrics MetricsCollector) AlertEngineOption {
	return func(e *AlertEngine) {
		e.metrics = metrics
	}
}

func WithAlertEngineValidator(v *validation.Validator) AlertEngineOption {
	return func(e *AlertEngine) {
		e.validator = v
	}
}

// WithNotificationQueue sets the queue that fired alerts are sent to.
func WithNotificationQueue(queue string) AlertEngineOption {
	return func(e *AlertEngine) {
		e.queue = queue
	}
}

//
// Notifier Options
//

type NotifierOption func(*Notifier)

func WithNotifierLogger(logger *zap.Logger) NotifierOption {
	return func(n *Notifier) {
		n.logger = logger
	}
}

func WithNotifierMetrics(metrics MetricsCollector) NotifierOption {
	return func(n *Notifier) {
		n.metrics = metrics
	}
}

// WithRetryDelay sets how long a failed send waits before the request is requeued.
func WithRetryDelay(delay time.Duration) NotifierOption {
	return func(n *Notifier) {
		n.retryDelay = delay
	}
}

//
// DeadLetterOps Options
//

type DeadLetterOpsOption func(*DeadLetterOps)

func WithDeadLetterOpsLogger(logger *zap.Logger) DeadLetterOpsOption {
	return func(o *DeadLetterOps) {
		o.logger = logger
	}
}

func WithDeadLetterOpsMetrics(metrics MetricsCollector) DeadLetterOpsOption {
	return func(o *DeadLetterOps) {
		o.metrics = metrics
	}
}

func WithTopology(topology bus.Topology) DeadLetterOpsOption {
	return func(o *DeadLetterOps) {
		o.topology = topology
	}
}
