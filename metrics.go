package pricewatch

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// NopMetricsCollector is a metrics collector that does nothing.
// It is used as a default when no other collector is provided.
type NopMetricsCollector struct{}

// NewNopMetricsCollector creates a new NopMetricsCollector.
func NewNopMetricsCollector() *NopMetricsCollector {
	return &NopMetricsCollector{}
}

func (m *NopMetricsCollector) IncrementCounter(name string, tags map[string]string) {}

func (m *NopMetricsCollector) RecordDuration(name string, duration time.Duration, tags map[string]string) {
}

func (m *NopMetricsCollector) RecordGauge(name string, value float64, tags map[string]string) {}

// OpenTelemetryMetricsCollector records through an OpenTelemetry meter.
type OpenTelemetryMetricsCollector struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

// NewOpenTelemetryMetricsCollector uses the global meter provider.
func NewOpenTelemetryMetricsCollector() *OpenTelemetryMetricsCollector {
	return NewOpenTelemetryMetricsCollectorWithMeter(otel.Meter("pricewatch"))
}

// NewOpenTelemetryMetricsCollectorWithMeter creates a new OpenTelemetryMetricsCollector with a specific meter.
func NewOpenTelemetryMetricsCollectorWithMeter(meter metric.Meter) *OpenTelemetryMetricsCollector {
	return &OpenTelemetryMetricsCollector{
		meter:      meter,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

func (m *OpenTelemetryMetricsCollector) IncrementCounter(name string, tags map[string]string) {
	m.mu.Lock()
	counter, ok := m.counters[name]
	if !ok {
		var err error
		if counter, err = m.meter.Int64Counter(name); err != nil {
			m.mu.Unlock()
			return
		}
		m.counters[name] = counter
	}
	m.mu.Unlock()
	counter.Add(context.Background(), 1, metric.WithAttributes(tagsToAttributes(tags)...))
}

func (m *OpenTelemetryMetricsCollector) RecordDuration(name string, duration time.Duration, tags map[string]string) {
	m.mu.Lock()
	histogram, ok := m.histograms[name]
	if !ok {
		var err error
		if histogram, err = m.meter.Float64Histogram(name, metric.WithUnit("s")); err != nil {
			m.mu.Unlock()
			return
		}
		m.histograms[name] = histogram
	}
	m.mu.Unlock()
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttributes(tags)...))
}

func (m *OpenTelemetryMetricsCollector) RecordGauge(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	gauge, ok := m.gauges[name]
	if !ok {
		var err error
		if gauge, err = m.meter.Float64Gauge(name); err != nil {
			m.mu.Unlock()
			return
		}
		m.gauges[name] = gauge
	}
	m.mu.Unlock()
	gauge.Record(context.Background(), value, metric.WithAttributes(tagsToAttributes(tags)...))
}

func tagsToAttributes(tags map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for key, value := range tags {
		attrs = append(attrs, attribute.String(key, value))
	}
	return attrs
}

// PrometheusMetricsCollector maps collector calls onto Prometheus vectors.
// Dotted names become underscored and get the namespace prefix. The label set
// of a metric is fixed by its first use; later calls fill missing labels with
// an empty value and drop unknown ones.
type PrometheusMetricsCollector struct {
	namespace  string
	registerer prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*promVec[*prometheus.CounterVec]
	histograms map[string]*promVec[*prometheus.HistogramVec]
	gauges     map[string]*promVec[*prometheus.GaugeVec]
}

type promVec[V any] struct {
	vec    V
	labels []string
}

// NewPrometheusMetricsCollector registers metrics on registerer as they are first used.
// A nil registerer means prometheus.DefaultRegisterer.
func NewPrometheusMetricsCollector(namespace string, registerer prometheus.Registerer) *PrometheusMetricsCollector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PrometheusMetricsCollector{
		namespace:  namespace,
		registerer: registerer,
		counters:   make(map[string]*promVec[*prometheus.CounterVec]),
		histograms: make(map[string]*promVec[*prometheus.HistogramVec]),
		gauges:     make(map[string]*promVec[*prometheus.GaugeVec]),
	}
}

func (m *PrometheusMetricsCollector) IncrementCounter(name string, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.counters[name]
	if !ok {
		labels := labelNames(tags)
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      promName(name) + "_total",
			Help:      name,
		}, labels)
		v = &promVec[*prometheus.CounterVec]{vec: register(m.registerer, vec), labels: labels}
		m.counters[name] = v
	}
	v.vec.With(labelValues(v.labels, tags)).Inc()
}

func (m *PrometheusMetricsCollector) RecordDuration(name string, duration time.Duration, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.histograms[name]
	if !ok {
		labels := labelNames(tags)
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      promName(name) + "_seconds",
			Help:      name,
			Buckets:   prometheus.DefBuckets,
		}, labels)
		v = &promVec[*prometheus.HistogramVec]{vec: register(m.registerer, vec), labels: labels}
		m.histograms[name] = v
	}
	v.vec.With(labelValues(v.labels, tags)).Observe(duration.Seconds())
}

func (m *PrometheusMetricsCollector) RecordGauge(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.gauges[name]
	if !ok {
		labels := labelNames(tags)
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      promName(name),
			Help:      name,
		}, labels)
		v = &promVec[*prometheus.GaugeVec]{vec: register(m.registerer, vec), labels: labels}
		m.gauges[name] = v
	}
	v.vec.With(labelValues(v.labels, tags)).Set(value)
}

// register returns the already registered collector when an identical one exists.
func register[C prometheus.Collector](r prometheus.Registerer, c C) C {
	if err := r.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func promName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func labelValues(names []string, tags map[string]string) prometheus.Labels {
	labels := make(prometheus.Labels, len(names))
	for _, n := range names {
		labels[n] = tags[n]
	}
	return labels
}
