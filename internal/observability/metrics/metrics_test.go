package metrics

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("org_id", "123"),
		attribute.String("payment_id", "456"),
		attribute.String("provider", "stripe"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "org_id" && attrs[1].Key != "org_id" {
		t.Fatalf("expected org_id to be retained")
	}
	if attrs[0].Key != "provider" && attrs[1].Key != "provider" {
		t.Fatalf("expected provider to be retained")
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordPaymentEvent(ctx, "stripe", "succeeded")
	m.RecordReconcileOutcome(ctx, "stripe", "applied")
	m.RecordAnomaly(ctx, "adyen", "unmatched_payment")
	m.RecordRuleOutcome(ctx, "notify")
	m.RecordProcessorCall(ctx, "braintree", "refund", "ok", time.Millisecond)
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "folio"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.RecordProcessorCall(context.Background(), "stripe", "create_intent", "ok", 10*time.Millisecond)
}
