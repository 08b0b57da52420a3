package bus

import (
	"context"

	"go.opentelemetry.io/otel"
)

// HeaderCarrier adapts message headers to propagation.TextMapCarrier.
type HeaderCarrier map[string]interface{}

// Get returns the string value stored under key.
func (c HeaderCarrier) Get(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// Set stores a string value under key.
func (c HeaderCarrier) Set(key, value string) {
	c[key] = value
}

// Keys lists the header keys.
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// InjectTrace writes the span context from ctx into headers.
func InjectTrace(ctx context.Context, headers map[string]interface{}) {
	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier(headers))
}

// ExtractTrace returns ctx enriched with the span context carried in headers.
func ExtractTrace(ctx context.Context, headers map[string]interface{}) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier(headers))
}
