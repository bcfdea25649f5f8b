package tracing

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

// Attribute keys that may carry secrets or cardholder data never reach spans.
var forbiddenAttributeFragments = []string{
	"secret",
	"password",
	"token",
	"signature",
	"authorization",
	"card",
	"credential",
}

// ExtractContext continues a trace propagated by the caller.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// SafeAttributes drops attributes whose key looks sensitive.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if isSensitiveKey(string(attr.Key)) {
			continue
		}
		out = append(out, attr)
	}
	return out
}

// SafeError reduces err to its message with anything after a colon that
// mentions a secret removed. It returns nil for a nil error.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, fragment := range forbiddenAttributeFragments {
		if idx := strings.Index(lower, fragment); idx >= 0 {
			msg = strings.TrimSpace(msg[:idx]) + " [redacted]"
			lower = strings.ToLower(msg)
		}
	}
	return errors.New(msg)
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, fragment := range forbiddenAttributeFragments {
		if strings.Contains(key, fragment) {
			return true
		}
	}
	return false
}
