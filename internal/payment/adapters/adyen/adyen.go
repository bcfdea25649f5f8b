package adyen

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/folio/internal/apperr"
	"github.com/smallbiznis/folio/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/folio/internal/payment/domain"
)

const (
	Provider = "adyen"

	defaultBaseURL = "https://checkout-test.adyen.com/v71"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return Provider
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.Processor, error) {
	creds, err := adapters.RequireStrings(Provider, cfg.Credentials, "api_key", "merchant_account")
	if err != nil {
		return nil, err
	}
	returnURL, _ := adapters.ReadString(cfg.Credentials, "return_url")

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Adapter{
		apiKey:          creds["api_key"],
		merchantAccount: creds["merchant_account"],
		returnURL:       returnURL,
		baseURL:         baseURL,
		transport:       adapters.NewTransport(Provider, cfg.HTTPClient, cfg.Retry, errorMessage),
	}, nil
}

type Adapter struct {
	apiKey          string
	merchantAccount string
	returnURL       string
	baseURL         string
	transport       *adapters.Transport
}

func (a *Adapter) Provider() string { return Provider }

// SignatureHeader is empty: Adyen signs each notification item in the body.
func (a *Adapter) SignatureHeader() string { return "" }

type adyenAmount struct {
	Currency string `json:"currency"`
	Value    int64  `json:"value"`
}

func (a *Adapter) CreatePaymentIntent(ctx context.Context, req paymentdomain.IntentRequest) (*paymentdomain.Intent, error) {
	body := map[string]any{
		"merchantAccount": a.merchantAccount,
		"amount":          adyenAmount{Currency: strings.ToUpper(req.Currency), Value: req.Amount},
		"reference":       req.Reference,
		"metadata":        req.Metadata,
	}
	if a.returnURL != "" {
		body["returnUrl"] = a.returnURL
	}
	if req.Description != "" {
		body["shopperStatement"] = req.Description
	}

	var session struct {
		ID          string `json:"id"`
		SessionData string `json:"sessionData"`
	}
	if err := a.post(ctx, "create_payment_intent", "/sessions", body, req.IdempotencyKey, false, &session); err != nil {
		return nil, err
	}
	return &paymentdomain.Intent{
		ID:           session.ID,
		ClientSecret: session.SessionData,
		Status:       "requires_payment_method",
	}, nil
}

// ConfirmPaymentIntent captures an authorised payment. IntentID must be the
// pspReference of the authorisation.
func (a *Adapter) ConfirmPaymentIntent(ctx context.Context, req paymentdomain.ConfirmRequest) (*paymentdomain.Intent, error) {
	if strings.TrimSpace(req.IntentID) == "" {
		return nil, apperr.Validation("intent_id", "required", "psp reference is required")
	}
	body := map[string]any{
		"merchantAccount": a.merchantAccount,
		"amount":          adyenAmount{Currency: strings.ToUpper(req.Currency), Value: req.Amount},
		"reference":       req.Reference,
	}

	var capture struct {
		PspReference string `json:"pspReference"`
		Status       string `json:"status"`
	}
	path := "/payments/" + url.PathEscape(req.IntentID) + "/captures"
	if err := a.post(ctx, "confirm_payment_intent", path, body, req.IdempotencyKey, false, &capture); err != nil {
		return nil, err
	}
	return &paymentdomain.Intent{ID: req.IntentID, Status: capture.Status, ChargeID: req.IntentID}, nil
}

func (a *Adapter) Refund(ctx context.Context, req paymentdomain.RefundRequest) (*paymentdomain.RefundResult, error) {
	psp := req.ChargeID
	if psp == "" {
		return nil, apperr.Validation("payment", "not_captured", "payment has no psp reference")
	}
	body := map[string]any{
		"merchantAccount": a.merchantAccount,
		"amount":          adyenAmount{Currency: strings.ToUpper(req.Currency), Value: req.Amount},
		"reference":       req.Reference,
	}

	var refund struct {
		PspReference string `json:"pspReference"`
		Status       string `json:"status"`
	}
	path := "/payments/" + url.PathEscape(psp) + "/refunds"
	if err := a.post(ctx, "refund", path, body, req.IdempotencyKey, false, &refund); err != nil {
		return nil, err
	}
	return &paymentdomain.RefundResult{ID: refund.PspReference, Status: refund.Status}, nil
}

func (a *Adapter) ValidateCredentials(ctx context.Context) (bool, error) {
	var out map[string]any
	err := a.post(ctx, "validate_credentials", "/paymentMethods", map[string]any{"merchantAccount": a.merchantAccount}, "", true, &out)
	if err != nil {
		var perr *apperr.ProcessorError
		if errors.As(err, &perr) && (perr.StatusCode == http.StatusUnauthorized || perr.StatusCode == http.StatusForbidden) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (a *Adapter) post(ctx context.Context, op, path string, body any, idempotencyKey string, readOnly bool, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	h := http.Header{}
	h.Set("X-API-Key", a.apiKey)
	h.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		h.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := a.transport.Do(ctx, adapters.Request{
		Op:       op,
		Method:   http.MethodPost,
		URL:      a.baseURL + path,
		Header:   h,
		Body:     raw,
		ReadOnly: readOnly,
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &apperr.ProcessorError{Processor: Provider, Op: op, Outcome: apperr.OutcomeUnknown, StatusCode: resp.StatusCode, Message: "decode response", Err: err}
	}
	return nil
}

// VerifyWebhookSignature checks the HMAC carried by every notification item.
// secret is the hex encoded HMAC key from the Adyen customer area.
func (a *Adapter) VerifyWebhookSignature(payload []byte, _ string, secret string) bool {
	key, err := hex.DecodeString(strings.TrimSpace(secret))
	if err != nil || len(key) == 0 {
		return false
	}

	var root notificationRoot
	if err := json.Unmarshal(payload, &root); err != nil {
		return false
	}
	if len(root.NotificationItems) == 0 {
		return false
	}

	for _, item := range root.NotificationItems {
		signature, err := base64.StdEncoding.DecodeString(item.NotificationRequestItem.AdditionalData["hmacSignature"])
		if err != nil || len(signature) == 0 {
			return false
		}
		if !hmac.Equal(signature, itemSignature(key, item.NotificationRequestItem)) {
			return false
		}
	}
	return true
}

func itemSignature(key []byte, item notificationRequestItem) []byte {
	parts := []string{
		item.PspReference,
		item.OriginalReference,
		item.MerchantAccountCode,
		item.MerchantReference,
		strconv.FormatInt(item.Amount.Value, 10),
		item.Amount.Currency,
		item.EventCode,
		item.Success,
	}
	for i, part := range parts {
		part = strings.ReplaceAll(part, "\\", "\\\\")
		parts[i] = strings.ReplaceAll(part, ":", "\\:")
	}

	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(strings.Join(parts, ":")))
	return mac.Sum(nil)
}

// NormalizeWebhookEvent maps the first notification item. Adyen delivers a
// single item per request unless batching is enabled on the merchant account.
func (a *Adapter) NormalizeWebhookEvent(payload []byte) (*paymentdomain.PaymentEvent, error) {
	var root notificationRoot
	if err := json.Unmarshal(payload, &root); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if len(root.NotificationItems) == 0 {
		return nil, paymentdomain.ErrInvalidPayload
	}

	item := root.NotificationItems[0].NotificationRequestItem
	if strings.TrimSpace(item.PspReference) == "" || strings.TrimSpace(item.EventCode) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	success := item.Success == "true"

	event := &paymentdomain.PaymentEvent{
		Processor:     Provider,
		EventID:       item.PspReference + "_" + item.EventCode,
		CorrelationID: correlationID(item),
		Amount:        item.Amount.Value,
		Currency:      strings.ToUpper(item.Amount.Currency),
		OccurredAt:    convertEventDate(item.EventDate),
		RawPayload:    payload,
	}

	switch item.EventCode {
	case "AUTHORISATION":
		event.ProviderChargeID = item.PspReference
		if success {
			event.Type = paymentdomain.EventTypeSucceeded
		} else {
			event.Type = paymentdomain.EventTypeFailed
			event.FailureReason = item.Reason
		}
	case "CANCELLATION", "OFFER_CLOSED":
		if !success {
			return nil, paymentdomain.ErrEventIgnored
		}
		event.ProviderChargeID = item.PspReference
		event.Type = paymentdomain.EventTypeFailed
		event.FailureReason = strings.ToLower(item.EventCode)
	case "REFUND":
		if !success {
			return nil, paymentdomain.ErrEventIgnored
		}
		// the reconciler settles full versus partial from the payment totals
		event.ProviderChargeID = item.OriginalReference
		event.Type = paymentdomain.EventTypePartiallyRefunded
	case "NOTIFICATION_OF_CHARGEBACK", "CHARGEBACK", "CHARGEBACK_REVERSED":
		event.ProviderChargeID = item.OriginalReference
		event.Dispute = &paymentdomain.DisputeDetail{ID: item.PspReference, Reason: item.Reason}
		switch item.EventCode {
		case "NOTIFICATION_OF_CHARGEBACK":
			event.Type = paymentdomain.EventTypeDisputed
			event.Dispute.Status = "open"
		case "CHARGEBACK":
			event.Type = paymentdomain.EventTypeDisputeLost
			event.Dispute.Status = "lost"
		default:
			event.Type = paymentdomain.EventTypeDisputeWon
			event.Dispute.Status = "won"
		}
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
	return event, nil
}

// correlationID prefers explicit metadata; merchantReference carries the
// payment id for sessions, captures and refunds created by this service.
func correlationID(item notificationRequestItem) string {
	if id := strings.TrimSpace(item.AdditionalData["metadata.payment_id"]); id != "" {
		return id
	}
	return strings.TrimSpace(item.MerchantReference)
}

func convertEventDate(value string) time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}

func errorMessage(body []byte) string {
	var envelope struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if envelope.ErrorCode != "" {
		return envelope.ErrorCode + ": " + envelope.Message
	}
	return envelope.Message
}

type notificationRoot struct {
	NotificationItems []notificationItem `json:"notificationItems"`
}

type notificationItem struct {
	NotificationRequestItem notificationRequestItem `json:"NotificationRequestItem"`
}

type notificationRequestItem struct {
	AdditionalData      map[string]string `json:"additionalData"`
	Amount              adyenAmount       `json:"amount"`
	EventCode           string            `json:"eventCode"`
	EventDate           string            `json:"eventDate"`
	MerchantAccountCode string            `json:"merchantAccountCode"`
	MerchantReference   string            `json:"merchantReference"`
	OriginalReference   string            `json:"originalReference"`
	PspReference        string            `json:"pspReference"`
	Reason              string            `json:"reason"`
	Success             string            `json:"success"`
}
