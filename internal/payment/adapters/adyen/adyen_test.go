package adyen

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/folio/internal/apperr"
	paymentdomain "github.com/smallbiznis/folio/internal/payment/domain"
)

const testHMACKey = "44782DEF547AAA06C910C43932B1EB0C71FC68D9D0C057550C48EC2ACF6BA056"

func newTestAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	p, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{
		Credentials: map[string]any{"api_key": "AQE_test", "merchant_account": "FolioECOM"},
		BaseURL:     baseURL,
		Retry:       paymentdomain.NoRetry(),
	})
	require.NoError(t, err)
	return p.(*Adapter)
}

func signedNotification(t *testing.T, item notificationRequestItem) []byte {
	t.Helper()
	key, err := hex.DecodeString(testHMACKey)
	require.NoError(t, err)
	if item.AdditionalData == nil {
		item.AdditionalData = map[string]string{}
	}
	item.AdditionalData["hmacSignature"] = base64.StdEncoding.EncodeToString(itemSignature(key, item))

	payload, err := json.Marshal(notificationRoot{
		NotificationItems: []notificationItem{{NotificationRequestItem: item}},
	})
	require.NoError(t, err)
	return payload
}

func authorisation(success string) notificationRequestItem {
	return notificationRequestItem{
		Amount:              adyenAmount{Currency: "EUR", Value: 1250},
		EventCode:           "AUTHORISATION",
		EventDate:           "2026-03-01T12:00:00+01:00",
		MerchantAccountCode: "FolioECOM",
		MerchantReference:   "1700000000000000001",
		PspReference:        "7914073381342284",
		Success:             success,
	}
}

func TestNewAdapterRequiresMerchantAccount(t *testing.T) {
	_, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{
		Credentials: map[string]any{"api_key": "AQE_test"},
	})
	assert.ErrorIs(t, err, apperr.ErrProcessorConfiguration)
}

func TestVerifyWebhookSignature(t *testing.T) {
	adapter := newTestAdapter(t, "")
	payload := signedNotification(t, authorisation("true"))

	assert.True(t, adapter.VerifyWebhookSignature(payload, "", testHMACKey))
	assert.False(t, adapter.VerifyWebhookSignature(payload, "", "00"+testHMACKey[2:]))
	assert.False(t, adapter.VerifyWebhookSignature(payload, "", "not-hex"))

	var root notificationRoot
	require.NoError(t, json.Unmarshal(payload, &root))
	root.NotificationItems[0].NotificationRequestItem.Amount.Value = 1
	tampered, err := json.Marshal(root)
	require.NoError(t, err)
	assert.False(t, adapter.VerifyWebhookSignature(tampered, "", testHMACKey))
}

func TestSigningStringEscapesSeparators(t *testing.T) {
	key, _ := hex.DecodeString(testHMACKey)
	left := authorisation("true")
	left.MerchantAccountCode = "x"
	left.MerchantReference = "a:b"
	right := authorisation("true")
	right.MerchantAccountCode = "x:a"
	right.MerchantReference = "b"
	assert.NotEqual(t, itemSignature(key, left), itemSignature(key, right))
}

func TestNormalizeWebhookEvent(t *testing.T) {
	adapter := newTestAdapter(t, "")

	tests := []struct {
		name     string
		item     notificationRequestItem
		wantType paymentdomain.EventType
		charge   string
	}{
		{name: "authorisation success", item: authorisation("true"), wantType: paymentdomain.EventTypeSucceeded, charge: "7914073381342284"},
		{name: "authorisation refused", item: authorisation("false"), wantType: paymentdomain.EventTypeFailed, charge: "7914073381342284"},
		{
			name: "refund",
			item: notificationRequestItem{
				Amount: adyenAmount{Currency: "EUR", Value: 500}, EventCode: "REFUND",
				MerchantReference: "1700000000000000001", OriginalReference: "7914073381342284",
				PspReference: "8825408195409505", Success: "true",
			},
			wantType: paymentdomain.EventTypePartiallyRefunded,
			charge:   "7914073381342284",
		},
		{
			name: "chargeback",
			item: notificationRequestItem{
				Amount: adyenAmount{Currency: "EUR", Value: 1250}, EventCode: "CHARGEBACK",
				MerchantReference: "1700000000000000001", OriginalReference: "7914073381342284",
				PspReference: "9915408195409505", Success: "true", Reason: "fraud",
			},
			wantType: paymentdomain.EventTypeDisputeLost,
			charge:   "7914073381342284",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := adapter.NormalizeWebhookEvent(signedNotification(t, tt.item))
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, event.Type)
			assert.Equal(t, tt.charge, event.ProviderChargeID)
			assert.Equal(t, "1700000000000000001", event.CorrelationID)
			assert.Equal(t, tt.item.Amount.Value, event.Amount)
			assert.Equal(t, "EUR", event.Currency)
			assert.Equal(t, tt.item.PspReference+"_"+tt.item.EventCode, event.EventID)
		})
	}
}

func TestNormalizeIgnoresUnknownCodes(t *testing.T) {
	adapter := newTestAdapter(t, "")
	item := authorisation("true")
	item.EventCode = "REPORT_AVAILABLE"
	_, err := adapter.NormalizeWebhookEvent(signedNotification(t, item))
	assert.ErrorIs(t, err, paymentdomain.ErrEventIgnored)

	failedRefund := authorisation("false")
	failedRefund.EventCode = "REFUND"
	_, err = adapter.NormalizeWebhookEvent(signedNotification(t, failedRefund))
	assert.ErrorIs(t, err, paymentdomain.ErrEventIgnored)
}

func TestCreatePaymentIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sessions", r.URL.Path)
		assert.Equal(t, "AQE_test", r.Header.Get("X-API-Key"))
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))

		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, "FolioECOM", body["merchantAccount"])
		assert.Equal(t, "42", body["reference"])
		assert.Equal(t, map[string]any{"currency": "JPY", "value": float64(5000)}, body["amount"])

		_, _ = w.Write([]byte(`{"id":"CS123","sessionData":"Ab02b4c0"}`))
	}))
	defer srv.Close()

	intent, err := newTestAdapter(t, srv.URL).CreatePaymentIntent(context.Background(), paymentdomain.IntentRequest{
		Amount: 5000, Currency: "jpy", Reference: "42", IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "CS123", intent.ID)
	assert.Equal(t, "Ab02b4c0", intent.ClientSecret)
}

func TestRefundRequiresPSPReference(t *testing.T) {
	_, err := newTestAdapter(t, "").Refund(context.Background(), paymentdomain.RefundRequest{Amount: 100, Currency: "EUR"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestRefundProviderErrorIsFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"status":422,"errorCode":"167","message":"Original pspReference required"}`))
	}))
	defer srv.Close()

	_, err := newTestAdapter(t, srv.URL).Refund(context.Background(), paymentdomain.RefundRequest{
		ChargeID: "psp", Amount: 100, Currency: "EUR",
	})
	var perr *apperr.ProcessorError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, apperr.OutcomeFailed, perr.Outcome)
	assert.Equal(t, "167: Original pspReference required", perr.Message)
}
