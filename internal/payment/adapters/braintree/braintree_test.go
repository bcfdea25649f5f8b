package braintree

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/folio/internal/apperr"
	paymentdomain "github.com/smallbiznis/folio/internal/payment/domain"
)

const (
	testPublicKey  = "pub_test"
	testPrivateKey = "priv_test"
)

func newTestAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	p, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{
		Credentials: map[string]any{
			"merchant_id": "m_1",
			"public_key":  testPublicKey,
			"private_key": testPrivateKey,
		},
		BaseURL: baseURL,
		Retry:   paymentdomain.NoRetry(),
	})
	require.NoError(t, err)
	return p.(*Adapter)
}

func signedForm(privateKey, xmlBody string) []byte {
	content := base64.StdEncoding.EncodeToString([]byte(xmlBody))
	key := sha1.Sum([]byte(privateKey))
	mac := hmac.New(sha1.New, key[:])
	_, _ = mac.Write([]byte(content))
	form := url.Values{}
	form.Set("bt_signature", testPublicKey+"|"+hex.EncodeToString(mac.Sum(nil)))
	form.Set("bt_payload", content)
	return []byte(form.Encode())
}

const settledXML = `<notification>
  <kind>transaction_settled</kind>
  <timestamp type="datetime">2026-03-01T12:00:00Z</timestamp>
  <subject>
    <transaction>
      <id>txn_1</id>
      <type>sale</type>
      <status>settled</status>
      <amount>1234.56</amount>
      <currency-iso-code>USD</currency-iso-code>
      <order-id>1700000000000000001</order-id>
    </transaction>
  </subject>
</notification>`

func TestVerifyWebhookSignature(t *testing.T) {
	adapter := newTestAdapter(t, "")
	payload := signedForm(testPrivateKey, settledXML)

	assert.True(t, adapter.VerifyWebhookSignature(payload, "", testPrivateKey))
	assert.False(t, adapter.VerifyWebhookSignature(payload, "", "other"))
	assert.False(t, adapter.VerifyWebhookSignature(signedForm("other", settledXML), "", testPrivateKey))
	assert.False(t, adapter.VerifyWebhookSignature([]byte("bt_payload=abc"), "", testPrivateKey))
}

func TestNormalizeSettledTransactionUsesDecimalParsing(t *testing.T) {
	event, err := newTestAdapter(t, "").NormalizeWebhookEvent(signedForm(testPrivateKey, settledXML))
	require.NoError(t, err)

	assert.Equal(t, paymentdomain.EventTypeSucceeded, event.Type)
	assert.Equal(t, int64(123456), event.Amount)
	assert.Equal(t, "USD", event.Currency)
	assert.Equal(t, "txn_1", event.ProviderChargeID)
	assert.Equal(t, "1700000000000000001", event.CorrelationID)
	assert.Equal(t, "transaction_settled:txn_1", event.EventID)
	assert.Equal(t, 2026, event.OccurredAt.Year())
}

func TestNormalizeEvents(t *testing.T) {
	tests := []struct {
		name     string
		xml      string
		wantType paymentdomain.EventType
		amount   int64
		charge   string
	}{
		{
			name: "settled credit is a refund",
			xml: `<notification><kind>transaction_settled</kind><subject><transaction>
				<id>txn_2</id><type>credit</type><amount>10.00</amount><currency-iso-code>USD</currency-iso-code>
				<order-id>1</order-id><refunded-transaction-id>txn_1</refunded-transaction-id>
				</transaction></subject></notification>`,
			wantType: paymentdomain.EventTypePartiallyRefunded,
			amount:   1000,
			charge:   "txn_1",
		},
		{
			name: "zero decimal currency",
			xml: `<notification><kind>transaction_settled</kind><subject><transaction>
				<id>txn_3</id><type>sale</type><amount>5000</amount><currency-iso-code>JPY</currency-iso-code>
				<order-id>2</order-id></transaction></subject></notification>`,
			wantType: paymentdomain.EventTypeSucceeded,
			amount:   5000,
			charge:   "txn_3",
		},
		{
			name: "settlement declined",
			xml: `<notification><kind>transaction_settlement_declined</kind><subject><transaction>
				<id>txn_4</id><type>sale</type><amount>1.00</amount><currency-iso-code>USD</currency-iso-code>
				<order-id>3</order-id></transaction></subject></notification>`,
			wantType: paymentdomain.EventTypeFailed,
			amount:   100,
			charge:   "txn_4",
		},
		{
			name: "dispute opened",
			xml: `<notification><kind>dispute_opened</kind><subject><dispute>
				<id>dp_1</id><amount-disputed>250.00</amount-disputed><currency-iso-code>USD</currency-iso-code>
				<reason>fraud</reason><status>open</status>
				<transaction><id>txn_1</id><order-id>1</order-id></transaction>
				</dispute></subject></notification>`,
			wantType: paymentdomain.EventTypeDisputed,
			amount:   25000,
			charge:   "txn_1",
		},
	}

	adapter := newTestAdapter(t, "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := adapter.NormalizeWebhookEvent(signedForm(testPrivateKey, tt.xml))
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, event.Type)
			assert.Equal(t, tt.amount, event.Amount)
			assert.Equal(t, tt.charge, event.ProviderChargeID)
		})
	}
}

func TestNormalizeRejectsExcessPrecision(t *testing.T) {
	xmlBody := `<notification><kind>transaction_settled</kind><subject><transaction>
		<id>txn_5</id><type>sale</type><amount>10.001</amount><currency-iso-code>USD</currency-iso-code>
		</transaction></subject></notification>`
	_, err := newTestAdapter(t, "").NormalizeWebhookEvent(signedForm(testPrivateKey, xmlBody))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)
}

func TestNormalizeIgnoresCheckNotifications(t *testing.T) {
	_, err := newTestAdapter(t, "").NormalizeWebhookEvent(signedForm(testPrivateKey, `<notification><kind>check</kind></notification>`))
	assert.ErrorIs(t, err, paymentdomain.ErrEventIgnored)
}

func TestConfirmSendsDecimalAmount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, testPublicKey, user)
		assert.Equal(t, testPrivateKey, pass)
		assert.Equal(t, apiVersion, r.Header.Get("Braintree-Version"))

		raw, _ := io.ReadAll(r.Body)
		var body struct {
			Variables struct {
				Input struct {
					PaymentMethodID string `json:"paymentMethodId"`
					Transaction     struct {
						Amount  string `json:"amount"`
						OrderID string `json:"orderId"`
					} `json:"transaction"`
				} `json:"input"`
			} `json:"variables"`
		}
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, "nonce-1", body.Variables.Input.PaymentMethodID)
		assert.Equal(t, "12.50", body.Variables.Input.Transaction.Amount)
		assert.Equal(t, "42", body.Variables.Input.Transaction.OrderID)

		_, _ = w.Write([]byte(`{"data":{"chargePaymentMethod":{"transaction":{"id":"txn_9","status":"SUBMITTED_FOR_SETTLEMENT"}}}}`))
	}))
	defer srv.Close()

	intent, err := newTestAdapter(t, srv.URL).ConfirmPaymentIntent(context.Background(), paymentdomain.ConfirmRequest{
		IntentID: "42", PaymentMethod: "nonce-1", Amount: 1250, Currency: "USD", Reference: "42",
	})
	require.NoError(t, err)
	assert.Equal(t, "txn_9", intent.ChargeID)
	assert.Equal(t, "submitted_for_settlement", intent.Status)
}

func TestGraphQLErrorsAreFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errors":[{"message":"Authentication failed","extensions":{"errorClass":"AUTHENTICATION"}}]}`))
	}))
	defer srv.Close()

	adapter := newTestAdapter(t, srv.URL)
	ok, err := adapter.ValidateCredentials(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = adapter.Refund(context.Background(), paymentdomain.RefundRequest{ChargeID: "txn_1", Amount: 100, Currency: "USD"})
	assert.ErrorIs(t, err, apperr.ErrProcessor)
	assert.False(t, apperr.IsUnknownOutcome(err))
}

func TestValidateCredentialsPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"ping":"pong"}}`))
	}))
	defer srv.Close()

	ok, err := newTestAdapter(t, srv.URL).ValidateCredentials(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}
