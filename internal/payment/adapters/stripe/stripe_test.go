package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/folio/internal/apperr"
	paymentdomain "github.com/smallbiznis/folio/internal/payment/domain"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestAdapter(t *testing.T, baseURL string, client *http.Client, retry paymentdomain.RetryPolicy) *Adapter {
	t.Helper()
	p, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{
		Credentials: map[string]any{"secret_key": "sk_test_123"},
		BaseURL:     baseURL,
		HTTPClient:  client,
		Retry:       retry,
		Now:         func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return p.(*Adapter)
}

func TestNewAdapterRejectsPublishableKey(t *testing.T) {
	_, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{
		Credentials: map[string]any{"secret_key": "pk_test_123"},
	})
	if !errors.Is(err, apperr.ErrProcessorConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_123","type":"payment_intent.succeeded","data":{"object":{}}}`)
	adapter := newTestAdapter(t, "", nil, paymentdomain.NoRetry())

	if !adapter.VerifyWebhookSignature(payload, buildStripeSignatureHeader(secret, payload, fixedNow.Unix()), secret) {
		t.Fatalf("expected valid signature")
	}
	if adapter.VerifyWebhookSignature(payload, buildStripeSignatureHeader("wrong", payload, fixedNow.Unix()), secret) {
		t.Fatalf("expected signature with wrong secret to fail")
	}
	if adapter.VerifyWebhookSignature(append(payload, ' '), buildStripeSignatureHeader(secret, payload, fixedNow.Unix()), secret) {
		t.Fatalf("expected tampered payload to fail")
	}
	stale := fixedNow.Add(-10 * time.Minute).Unix()
	if adapter.VerifyWebhookSignature(payload, buildStripeSignatureHeader(secret, payload, stale), secret) {
		t.Fatalf("expected stale timestamp to fail")
	}
	if adapter.VerifyWebhookSignature(payload, "", secret) {
		t.Fatalf("expected missing header to fail")
	}
}

func TestNormalizeWebhookEvent(t *testing.T) {
	created := fixedNow.Unix()

	tests := []struct {
		name        string
		event       any
		wantType    paymentdomain.EventType
		amount      int64
		currency    string
		correlation string
		providerID  string
	}{{
		name: "payment_intent.succeeded",
		event: map[string]any{
			"id": "evt_pi", "type": "payment_intent.succeeded", "created": created,
			"data": map[string]any{"object": map[string]any{
				"id": "pi_1", "amount": 2500, "amount_received": 2500, "currency": "usd",
				"latest_charge": "ch_1",
				"metadata":      map[string]any{"payment_id": "42", "tab_id": "7"},
			}},
		},
		wantType: paymentdomain.EventTypeSucceeded, amount: 2500, currency: "USD",
		correlation: "42", providerID: "pi_1",
	}, {
		name: "zero decimal currency keeps minor units",
		event: map[string]any{
			"id": "evt_jpy", "type": "payment_intent.succeeded", "created": created,
			"data": map[string]any{"object": map[string]any{
				"id": "pi_jpy", "amount": 5000, "amount_received": 5000, "currency": "jpy",
				"metadata": map[string]any{"payment_id": "43"},
			}},
		},
		wantType: paymentdomain.EventTypeSucceeded, amount: 5000, currency: "JPY",
		correlation: "43", providerID: "pi_jpy",
	}, {
		name: "payment_intent.payment_failed",
		event: map[string]any{
			"id": "evt_fail", "type": "payment_intent.payment_failed", "created": created,
			"data": map[string]any{"object": map[string]any{
				"id": "pi_2", "amount": 1000, "currency": "usd",
				"last_payment_error": map[string]any{"message": "card declined"},
			}},
		},
		wantType: paymentdomain.EventTypeFailed, amount: 1000, currency: "USD", providerID: "pi_2",
	}, {
		name: "charge.refunded partial",
		event: map[string]any{
			"id": "evt_charge", "type": "charge.refunded", "created": created,
			"data": map[string]any{"object": map[string]any{
				"id": "ch_1", "payment_intent": "pi_1", "amount": 5000, "amount_refunded": 1200,
				"refunded": false, "currency": "usd",
			}},
		},
		wantType: paymentdomain.EventTypePartiallyRefunded, amount: 1200, currency: "USD", providerID: "pi_1",
	}, {
		name: "charge.dispute.closed lost",
		event: map[string]any{
			"id": "evt_dp", "type": "charge.dispute.closed", "created": created,
			"data": map[string]any{"object": map[string]any{
				"id": "dp_1", "charge": "ch_1", "payment_intent": "pi_1", "amount": 5000,
				"currency": "usd", "status": "lost", "reason": "fraudulent",
			}},
		},
		wantType: paymentdomain.EventTypeDisputeLost, amount: 5000, currency: "USD", providerID: "pi_1",
	}}

	adapter := newTestAdapter(t, "", nil, paymentdomain.NoRetry())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("marshal payload: %v", err)
			}
			event, err := adapter.NormalizeWebhookEvent(payload)
			if err != nil {
				t.Fatalf("normalize event: %v", err)
			}
			if event.Type != tt.wantType {
				t.Fatalf("expected type %s, got %s", tt.wantType, event.Type)
			}
			if event.Amount != tt.amount {
				t.Fatalf("expected amount %d, got %d", tt.amount, event.Amount)
			}
			if event.Currency != tt.currency {
				t.Fatalf("expected currency %s, got %s", tt.currency, event.Currency)
			}
			if event.CorrelationID != tt.correlation {
				t.Fatalf("expected correlation %q, got %q", tt.correlation, event.CorrelationID)
			}
			if event.ProviderPaymentID != tt.providerID {
				t.Fatalf("expected provider payment %q, got %q", tt.providerID, event.ProviderPaymentID)
			}
			if event.Processor != Provider {
				t.Fatalf("expected processor stripe, got %s", event.Processor)
			}
		})
	}
}

func TestNormalizeRefundReportsCumulativeTotal(t *testing.T) {
	adapter := newTestAdapter(t, "", nil, paymentdomain.NoRetry())
	payload := []byte(`{"id":"evt_r","type":"charge.refunded","data":{"object":{"id":"ch_1","amount":5000,"amount_refunded":5000,"refunded":true,"currency":"usd"}}}`)

	event, err := adapter.NormalizeWebhookEvent(payload)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if event.Type != paymentdomain.EventTypeRefunded {
		t.Fatalf("expected refunded, got %s", event.Type)
	}
	if event.RefundedTotal == nil || *event.RefundedTotal != 5000 {
		t.Fatalf("expected cumulative total 5000, got %v", event.RefundedTotal)
	}
}

func TestNormalizeIgnoresUnrelatedEvents(t *testing.T) {
	adapter := newTestAdapter(t, "", nil, paymentdomain.NoRetry())
	for _, eventType := range []string{"customer.created", "charge.succeeded", "charge.dispute.updated"} {
		payload := []byte(fmt.Sprintf(`{"id":"evt_x","type":%q,"data":{"object":{"id":"x","status":"needs_response"}}}`, eventType))
		if _, err := adapter.NormalizeWebhookEvent(payload); !errors.Is(err, paymentdomain.ErrEventIgnored) {
			t.Fatalf("%s: expected ignored, got %v", eventType, err)
		}
	}
}

func TestCreatePaymentIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payment_intents" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Idempotency-Key") != "pay_1" {
			t.Errorf("missing idempotency key")
		}
		if r.Header.Get("Authorization") != "Bearer sk_test_123" {
			t.Errorf("missing bearer token")
		}
		_ = r.ParseForm()
		if r.PostForm.Get("amount") != "5000" || r.PostForm.Get("currency") != "jpy" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		if r.PostForm.Get("metadata[payment_id]") != "1" {
			t.Errorf("missing payment metadata")
		}
		_, _ = w.Write([]byte(`{"id":"pi_1","client_secret":"pi_1_secret","status":"requires_payment_method"}`))
	}))
	defer srv.Close()

	adapter := newTestAdapter(t, srv.URL, srv.Client(), paymentdomain.NoRetry())
	intent, err := adapter.CreatePaymentIntent(context.Background(), paymentdomain.IntentRequest{
		Amount:         5000,
		Currency:       "JPY",
		Metadata:       map[string]string{"payment_id": "1"},
		IdempotencyKey: "pay_1",
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if intent.ID != "pi_1" || intent.ClientSecret != "pi_1_secret" {
		t.Fatalf("unexpected intent %+v", intent)
	}
}

func TestCreatePaymentIntentDeclined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`))
	}))
	defer srv.Close()

	adapter := newTestAdapter(t, srv.URL, srv.Client(), paymentdomain.NoRetry())
	_, err := adapter.CreatePaymentIntent(context.Background(), paymentdomain.IntentRequest{Amount: 100, Currency: "USD"})

	var perr *apperr.ProcessorError
	if !errors.As(err, &perr) {
		t.Fatalf("expected processor error, got %v", err)
	}
	if perr.Outcome != apperr.OutcomeFailed || perr.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("unexpected error %+v", perr)
	}
	if perr.Message != "card_declined: Your card was declined." {
		t.Fatalf("unexpected message %q", perr.Message)
	}
}

func TestCreatePaymentIntentTimeoutIsUnknown(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	client := &http.Client{Timeout: 50 * time.Millisecond}
	adapter := newTestAdapter(t, srv.URL, client, paymentdomain.DefaultRetryPolicy())
	_, err := adapter.CreatePaymentIntent(context.Background(), paymentdomain.IntentRequest{Amount: 100, Currency: "USD"})

	if !apperr.IsUnknownOutcome(err) {
		t.Fatalf("expected unknown outcome, got %v", err)
	}
}

func TestRateLimitedCallIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"id":"re_1","status":"succeeded"}`))
	}))
	defer srv.Close()

	retry := paymentdomain.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	adapter := newTestAdapter(t, srv.URL, srv.Client(), retry)
	refund, err := adapter.Refund(context.Background(), paymentdomain.RefundRequest{IntentID: "pi_1", Amount: 100, Currency: "USD"})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refund.ID != "re_1" || calls.Load() != 2 {
		t.Fatalf("expected a single retry, got %d calls", calls.Load())
	}
}

func TestValidateCredentials(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	adapter := newTestAdapter(t, srv.URL, srv.Client(), paymentdomain.NoRetry())
	ok, err := adapter.ValidateCredentials(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected valid credentials, got %v %v", ok, err)
	}

	status.Store(http.StatusUnauthorized)
	ok, err = adapter.ValidateCredentials(context.Background())
	if err != nil || ok {
		t.Fatalf("expected rejected credentials, got %v %v", ok, err)
	}
}

func buildStripeSignatureHeader(secret string, payload []byte, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPayload))
	signature := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, signature)
}
