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
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/folio/internal/apperr"
	"github.com/smallbiznis/folio/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/folio/internal/payment/domain"
)

const (
	Provider = "stripe"

	defaultBaseURL = "https://api.stripe.com"
	// signatureTolerance bounds replayed deliveries with a stale timestamp.
	signatureTolerance = 5 * time.Minute
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return Provider
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.Processor, error) {
	creds, err := adapters.RequireStrings(Provider, cfg.Credentials, "secret_key")
	if err != nil {
		return nil, err
	}
	secretKey := creds["secret_key"]
	if !strings.HasPrefix(secretKey, "sk_") && !strings.HasPrefix(secretKey, "rk_") {
		return nil, apperr.ProcessorConfiguration(Provider, "secret_key must be a secret or restricted key")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Adapter{
		secretKey: secretKey,
		baseURL:   baseURL,
		now:       now,
		transport: adapters.NewTransport(Provider, cfg.HTTPClient, cfg.Retry, errorMessage),
	}, nil
}

type Adapter struct {
	secretKey string
	baseURL   string
	now       func() time.Time
	transport *adapters.Transport
}

func (a *Adapter) Provider() string { return Provider }

func (a *Adapter) SignatureHeader() string { return "Stripe-Signature" }

func (a *Adapter) CreatePaymentIntent(ctx context.Context, req paymentdomain.IntentRequest) (*paymentdomain.Intent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("automatic_payment_methods[enabled]", "true")
	if req.Description != "" {
		form.Set("description", req.Description)
	}
	setMetadata(form, req.Metadata)

	var intent stripePaymentIntent
	if err := a.post(ctx, "create_payment_intent", "/v1/payment_intents", form, req.IdempotencyKey, &intent); err != nil {
		return nil, err
	}
	return intent.toDomain(), nil
}

func (a *Adapter) ConfirmPaymentIntent(ctx context.Context, req paymentdomain.ConfirmRequest) (*paymentdomain.Intent, error) {
	if strings.TrimSpace(req.IntentID) == "" {
		return nil, apperr.Validation("intent_id", "required", "intent id is required")
	}
	form := url.Values{}
	if req.PaymentMethod != "" {
		form.Set("payment_method", req.PaymentMethod)
	}

	var intent stripePaymentIntent
	path := "/v1/payment_intents/" + url.PathEscape(req.IntentID) + "/confirm"
	if err := a.post(ctx, "confirm_payment_intent", path, form, req.IdempotencyKey, &intent); err != nil {
		return nil, err
	}
	return intent.toDomain(), nil
}

func (a *Adapter) Refund(ctx context.Context, req paymentdomain.RefundRequest) (*paymentdomain.RefundResult, error) {
	form := url.Values{}
	switch {
	case req.IntentID != "":
		form.Set("payment_intent", req.IntentID)
	case req.ChargeID != "":
		form.Set("charge", req.ChargeID)
	default:
		return nil, apperr.Validation("payment", "not_captured", "payment has no provider reference")
	}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	if req.Reference != "" {
		form.Set("metadata[payment_id]", req.Reference)
	}

	var refund struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := a.post(ctx, "refund", "/v1/refunds", form, req.IdempotencyKey, &refund); err != nil {
		return nil, err
	}
	return &paymentdomain.RefundResult{ID: refund.ID, Status: refund.Status}, nil
}

func (a *Adapter) ValidateCredentials(ctx context.Context) (bool, error) {
	_, err := a.transport.Do(ctx, adapters.Request{
		Op:       "validate_credentials",
		Method:   http.MethodGet,
		URL:      a.baseURL + "/v1/balance",
		Header:   a.headers(""),
		ReadOnly: true,
	})
	if err != nil {
		var perr *apperr.ProcessorError
		if errors.As(err, &perr) && (perr.StatusCode == http.StatusUnauthorized || perr.StatusCode == http.StatusForbidden) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (a *Adapter) post(ctx context.Context, op, path string, form url.Values, idempotencyKey string, out any) error {
	resp, err := a.transport.Do(ctx, adapters.Request{
		Op:     op,
		Method: http.MethodPost,
		URL:    a.baseURL + path,
		Header: a.headers(idempotencyKey),
		Body:   []byte(form.Encode()),
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		// the call went through but we cannot tell what it produced
		return &apperr.ProcessorError{Processor: Provider, Op: op, Outcome: apperr.OutcomeUnknown, StatusCode: resp.StatusCode, Message: "decode response", Err: err}
	}
	return nil
}

func (a *Adapter) headers(idempotencyKey string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+a.secretKey)
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		h.Set("Idempotency-Key", idempotencyKey)
	}
	return h
}

func (a *Adapter) VerifyWebhookSignature(payload []byte, signatureHeader string, secret string) bool {
	secret = strings.TrimSpace(secret)
	if secret == "" || strings.TrimSpace(signatureHeader) == "" {
		return false
	}

	ts, signatures, err := parseStripeSignature(signatureHeader)
	if err != nil {
		return false
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if age := a.now().Sub(time.Unix(unix, 0)); age > signatureTolerance || age < -signatureTolerance {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(ts + "."))
	_, _ = mac.Write(payload)
	expected := mac.Sum(nil)

	matched := false
	for _, signature := range signatures {
		decoded, err := hex.DecodeString(signature)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			matched = true
		}
	}
	return matched
}

func (a *Adapter) NormalizeWebhookEvent(payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "payment_intent.succeeded":
		return parsePaymentIntent(event, payload, paymentdomain.EventTypeSucceeded)
	case "payment_intent.payment_failed", "payment_intent.canceled":
		return parsePaymentIntent(event, payload, paymentdomain.EventTypeFailed)
	case "charge.refunded":
		return parseRefund(event, payload)
	case "charge.dispute.created":
		return parseDispute(event, payload, paymentdomain.EventTypeDisputed)
	case "charge.dispute.closed":
		return parseDispute(event, payload, "")
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripePaymentIntent struct {
	ID               string         `json:"id"`
	Status           string         `json:"status"`
	ClientSecret     string         `json:"client_secret"`
	Amount           int64          `json:"amount"`
	AmountReceived   int64          `json:"amount_received"`
	Currency         string         `json:"currency"`
	Created          int64          `json:"created"`
	LatestCharge     string         `json:"latest_charge"`
	Metadata         map[string]any `json:"metadata"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func (p stripePaymentIntent) toDomain() *paymentdomain.Intent {
	return &paymentdomain.Intent{
		ID:           p.ID,
		ClientSecret: p.ClientSecret,
		Status:       p.Status,
		ChargeID:     p.LatestCharge,
	}
}

type stripeCharge struct {
	ID             string         `json:"id"`
	PaymentIntent  string         `json:"payment_intent"`
	Amount         int64          `json:"amount"`
	AmountRefunded int64          `json:"amount_refunded"`
	Refunded       bool           `json:"refunded"`
	Currency       string         `json:"currency"`
	Created        int64          `json:"created"`
	Metadata       map[string]any `json:"metadata"`
}

type stripeDispute struct {
	ID            string         `json:"id"`
	Charge        string         `json:"charge"`
	PaymentIntent string         `json:"payment_intent"`
	Amount        int64          `json:"amount"`
	Currency      string         `json:"currency"`
	Reason        string         `json:"reason"`
	Status        string         `json:"status"`
	Created       int64          `json:"created"`
	Metadata      map[string]any `json:"metadata"`
}

func parsePaymentIntent(event stripeEvent, payload []byte, eventType paymentdomain.EventType) (*paymentdomain.PaymentEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	amount := intent.Amount
	if eventType == paymentdomain.EventTypeSucceeded && intent.AmountReceived > 0 {
		amount = intent.AmountReceived
	}
	out := &paymentdomain.PaymentEvent{
		Processor:         Provider,
		EventID:           event.ID,
		Type:              eventType,
		CorrelationID:     adapters.MetadataValue(intent.Metadata, "payment_id"),
		ProviderPaymentID: intent.ID,
		ProviderChargeID:  intent.LatestCharge,
		Amount:            amount,
		Currency:          strings.ToUpper(strings.TrimSpace(intent.Currency)),
		OccurredAt:        timestamp(event.Created, intent.Created),
		RawPayload:        payload,
	}
	if intent.LastPaymentError != nil {
		out.FailureReason = intent.LastPaymentError.Message
	}
	return out, nil
}

func parseRefund(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if charge.AmountRefunded <= 0 {
		return nil, paymentdomain.ErrInvalidEvent
	}

	eventType := paymentdomain.EventTypePartiallyRefunded
	if charge.Refunded || charge.AmountRefunded >= charge.Amount {
		eventType = paymentdomain.EventTypeRefunded
	}
	// amount_refunded is cumulative across every refund on the charge
	total := charge.AmountRefunded
	return &paymentdomain.PaymentEvent{
		Processor:         Provider,
		EventID:           event.ID,
		Type:              eventType,
		CorrelationID:     adapters.MetadataValue(charge.Metadata, "payment_id"),
		ProviderPaymentID: charge.PaymentIntent,
		ProviderChargeID:  charge.ID,
		Amount:            total,
		RefundedTotal:     &total,
		Currency:          strings.ToUpper(strings.TrimSpace(charge.Currency)),
		OccurredAt:        timestamp(event.Created, charge.Created),
		RawPayload:        payload,
	}, nil
}

func parseDispute(event stripeEvent, payload []byte, eventType paymentdomain.EventType) (*paymentdomain.PaymentEvent, error) {
	var dispute stripeDispute
	if err := json.Unmarshal(event.Data.Object, &dispute); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(dispute.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	if eventType == "" {
		switch dispute.Status {
		case "won":
			eventType = paymentdomain.EventTypeDisputeWon
		case "lost":
			eventType = paymentdomain.EventTypeDisputeLost
		default:
			return nil, paymentdomain.ErrEventIgnored
		}
	}

	return &paymentdomain.PaymentEvent{
		Processor:         Provider,
		EventID:           event.ID,
		Type:              eventType,
		CorrelationID:     adapters.MetadataValue(dispute.Metadata, "payment_id"),
		ProviderPaymentID: dispute.PaymentIntent,
		ProviderChargeID:  dispute.Charge,
		Amount:            dispute.Amount,
		Currency:          strings.ToUpper(strings.TrimSpace(dispute.Currency)),
		Dispute: &paymentdomain.DisputeDetail{
			ID:     dispute.ID,
			Reason: dispute.Reason,
			Status: dispute.Status,
		},
		OccurredAt: timestamp(event.Created, dispute.Created),
		RawPayload: payload,
	}, nil
}

func parseStripeSignature(header string) (string, []string, error) {
	var ts string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		keyValue := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		switch strings.TrimSpace(keyValue[0]) {
		case "t":
			ts = strings.TrimSpace(keyValue[1])
		case "v1":
			signatures = append(signatures, strings.TrimSpace(keyValue[1]))
		}
	}
	if ts == "" || len(signatures) == 0 {
		return "", nil, paymentdomain.ErrInvalidSignature
	}
	return ts, signatures, nil
}

func setMetadata(form url.Values, metadata map[string]string) {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		form.Set(fmt.Sprintf("metadata[%s]", k), metadata[k])
	}
}

func errorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if envelope.Error.Code != "" {
		return envelope.Error.Code + ": " + envelope.Error.Message
	}
	return envelope.Error.Message
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}
