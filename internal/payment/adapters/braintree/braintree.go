package braintree

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/folio/internal/apperr"
	"github.com/smallbiznis/folio/internal/money"
	"github.com/smallbiznis/folio/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/folio/internal/payment/domain"
)

const (
	Provider = "braintree"

	defaultBaseURL = "https://payments.sandbox.braintree-api.com/graphql"
	apiVersion     = "2019-01-01"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return Provider
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.Processor, error) {
	creds, err := adapters.RequireStrings(Provider, cfg.Credentials, "merchant_id", "public_key", "private_key")
	if err != nil {
		return nil, err
	}
	merchantAccountID, _ := adapters.ReadString(cfg.Credentials, "merchant_account_id")

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Adapter{
		merchantAccountID: merchantAccountID,
		publicKey:         creds["public_key"],
		privateKey:        creds["private_key"],
		baseURL:           baseURL,
		transport:         adapters.NewTransport(Provider, cfg.HTTPClient, cfg.Retry, errorMessage),
	}, nil
}

type Adapter struct {
	merchantAccountID string
	publicKey         string
	privateKey        string
	baseURL           string
	transport         *adapters.Transport
}

func (a *Adapter) Provider() string { return Provider }

// SignatureHeader is empty: bt_signature is a form field of the body.
func (a *Adapter) SignatureHeader() string { return "" }

const (
	createClientTokenMutation = `mutation CreateClientToken($input: CreateClientTokenInput) {
  createClientToken(input: $input) { clientToken }
}`
	chargeMutation = `mutation ChargePaymentMethod($input: ChargePaymentMethodInput!) {
  chargePaymentMethod(input: $input) { transaction { id status } }
}`
	refundMutation = `mutation RefundTransaction($input: RefundTransactionInput!) {
  refundTransaction(input: $input) { refund { id status } }
}`
	pingQuery = `query { ping }`
)

// CreatePaymentIntent issues a client token. Braintree has no intent object,
// so the payment reference doubles as the intent id.
func (a *Adapter) CreatePaymentIntent(ctx context.Context, req paymentdomain.IntentRequest) (*paymentdomain.Intent, error) {
	input := map[string]any{}
	if a.merchantAccountID != "" {
		input["clientToken"] = map[string]any{"merchantAccountId": a.merchantAccountID}
	}

	var data struct {
		CreateClientToken struct {
			ClientToken string `json:"clientToken"`
		} `json:"createClientToken"`
	}
	if err := a.graphql(ctx, "create_payment_intent", createClientTokenMutation, map[string]any{"input": input}, req.IdempotencyKey, false, &data); err != nil {
		return nil, err
	}
	return &paymentdomain.Intent{
		ID:           req.Reference,
		ClientSecret: data.CreateClientToken.ClientToken,
		Status:       "requires_payment_method",
	}, nil
}

// ConfirmPaymentIntent charges the nonce collected by the client and submits
// the transaction for settlement.
func (a *Adapter) ConfirmPaymentIntent(ctx context.Context, req paymentdomain.ConfirmRequest) (*paymentdomain.Intent, error) {
	if strings.TrimSpace(req.PaymentMethod) == "" {
		return nil, apperr.Validation("payment_method", "required", "payment method nonce is required")
	}
	transaction := map[string]any{
		"amount":  money.FormatMajor(req.Amount, req.Currency),
		"orderId": req.Reference,
	}
	if a.merchantAccountID != "" {
		transaction["merchantAccountId"] = a.merchantAccountID
	}

	var data struct {
		ChargePaymentMethod struct {
			Transaction struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"transaction"`
		} `json:"chargePaymentMethod"`
	}
	vars := map[string]any{"input": map[string]any{"paymentMethodId": req.PaymentMethod, "transaction": transaction}}
	if err := a.graphql(ctx, "confirm_payment_intent", chargeMutation, vars, req.IdempotencyKey, false, &data); err != nil {
		return nil, err
	}
	txn := data.ChargePaymentMethod.Transaction
	return &paymentdomain.Intent{ID: req.IntentID, Status: strings.ToLower(txn.Status), ChargeID: txn.ID}, nil
}

func (a *Adapter) Refund(ctx context.Context, req paymentdomain.RefundRequest) (*paymentdomain.RefundResult, error) {
	if req.ChargeID == "" {
		return nil, apperr.Validation("payment", "not_captured", "payment has no transaction id")
	}
	vars := map[string]any{"input": map[string]any{
		"transactionId": req.ChargeID,
		"refund": map[string]any{
			"amount":  money.FormatMajor(req.Amount, req.Currency),
			"orderId": req.Reference,
		},
	}}

	var data struct {
		RefundTransaction struct {
			Refund struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"refund"`
		} `json:"refundTransaction"`
	}
	if err := a.graphql(ctx, "refund", refundMutation, vars, req.IdempotencyKey, false, &data); err != nil {
		return nil, err
	}
	refund := data.RefundTransaction.Refund
	return &paymentdomain.RefundResult{ID: refund.ID, Status: strings.ToLower(refund.Status)}, nil
}

func (a *Adapter) ValidateCredentials(ctx context.Context) (bool, error) {
	var data struct {
		Ping string `json:"ping"`
	}
	err := a.graphql(ctx, "validate_credentials", pingQuery, nil, "", true, &data)
	if err != nil {
		if isAuthenticationError(err) {
			return false, nil
		}
		return false, err
	}
	return data.Ping == "pong", nil
}

type graphqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		ErrorClass string `json:"errorClass"`
	} `json:"extensions"`
}

func (a *Adapter) graphql(ctx context.Context, op, query string, variables map[string]any, idempotencyKey string, readOnly bool, out any) error {
	raw, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return err
	}
	h := http.Header{}
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(a.publicKey+":"+a.privateKey)))
	h.Set("Braintree-Version", apiVersion)
	h.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		h.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := a.transport.Do(ctx, adapters.Request{
		Op:       op,
		Method:   http.MethodPost,
		URL:      a.baseURL,
		Header:   h,
		Body:     raw,
		ReadOnly: readOnly,
	})
	if err != nil {
		return err
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphqlError  `json:"errors"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return &apperr.ProcessorError{Processor: Provider, Op: op, Outcome: apperr.OutcomeUnknown, StatusCode: resp.StatusCode, Message: "decode response", Err: err}
	}
	// GraphQL reports request errors with a 200 status
	if len(envelope.Errors) > 0 {
		first := envelope.Errors[0]
		status := resp.StatusCode
		if first.Extensions.ErrorClass == "AUTHENTICATION" || first.Extensions.ErrorClass == "AUTHORIZATION" {
			status = http.StatusUnauthorized
		}
		return &apperr.ProcessorError{Processor: Provider, Op: op, Outcome: apperr.OutcomeFailed, StatusCode: status, Message: first.Message}
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return &apperr.ProcessorError{Processor: Provider, Op: op, Outcome: apperr.OutcomeUnknown, StatusCode: resp.StatusCode, Message: "decode data", Err: err}
	}
	return nil
}

func isAuthenticationError(err error) bool {
	var perr *apperr.ProcessorError
	return errors.As(err, &perr) && (perr.StatusCode == http.StatusUnauthorized || perr.StatusCode == http.StatusForbidden)
}

// VerifyWebhookSignature checks bt_signature against bt_payload in a form
// encoded body. The signature is a list of "public_key|hex_hmac" pairs
// joined by "&"; the HMAC is SHA1 keyed with SHA1(private_key).
func (a *Adapter) VerifyWebhookSignature(payload []byte, _ string, secret string) bool {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return false
	}
	signature, content, ok := parseForm(payload)
	if !ok {
		return false
	}

	key := sha1.Sum([]byte(secret))
	mac := hmac.New(sha1.New, key[:])
	_, _ = mac.Write([]byte(content))
	expected := mac.Sum(nil)

	matched := false
	for _, pair := range strings.Split(signature, "&") {
		publicKey, digest, found := strings.Cut(pair, "|")
		if !found || publicKey != a.publicKey {
			continue
		}
		decoded, err := hex.DecodeString(digest)
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
	_, content, ok := parseForm(payload)
	if !ok {
		return nil, paymentdomain.ErrInvalidPayload
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(content))
	if err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	var n notification
	if err := xml.Unmarshal(decoded, &n); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	occurredAt := n.Timestamp.UTC()
	if n.Timestamp.IsZero() {
		occurredAt = time.Now().UTC()
	}

	event := &paymentdomain.PaymentEvent{
		Processor:  Provider,
		OccurredAt: occurredAt,
		RawPayload: payload,
	}

	switch n.Kind {
	case "transaction_settled", "transaction_settlement_declined":
		txn := n.Subject.Transaction
		if txn == nil || txn.ID == "" {
			return nil, paymentdomain.ErrInvalidEvent
		}
		amount, err := money.ParseMajor(txn.Amount, txn.Currency)
		if err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		event.EventID = n.Kind + ":" + txn.ID
		event.CorrelationID = txn.OrderID
		event.Amount = amount
		event.Currency = strings.ToUpper(txn.Currency)
		switch {
		case txn.Type == "credit" && n.Kind == "transaction_settled":
			// a settled credit is a refund of the original sale
			event.Type = paymentdomain.EventTypePartiallyRefunded
			event.ProviderChargeID = txn.RefundedTransactionID
		case n.Kind == "transaction_settled":
			event.Type = paymentdomain.EventTypeSucceeded
			event.ProviderChargeID = txn.ID
		case txn.Type == "credit":
			return nil, paymentdomain.ErrEventIgnored
		default:
			event.Type = paymentdomain.EventTypeFailed
			event.ProviderChargeID = txn.ID
			event.FailureReason = txn.ProcessorResponseText
		}
	case "dispute_opened", "dispute_won", "dispute_lost":
		dispute := n.Subject.Dispute
		if dispute == nil || dispute.ID == "" {
			return nil, paymentdomain.ErrInvalidEvent
		}
		amount, err := money.ParseMajor(dispute.AmountDisputed, dispute.Currency)
		if err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		event.EventID = n.Kind + ":" + dispute.ID
		event.Amount = amount
		event.Currency = strings.ToUpper(dispute.Currency)
		event.CorrelationID = dispute.Transaction.OrderID
		event.ProviderChargeID = dispute.Transaction.ID
		event.Dispute = &paymentdomain.DisputeDetail{ID: dispute.ID, Reason: dispute.Reason, Status: dispute.Status}
		switch n.Kind {
		case "dispute_opened":
			event.Type = paymentdomain.EventTypeDisputed
		case "dispute_won":
			event.Type = paymentdomain.EventTypeDisputeWon
		default:
			event.Type = paymentdomain.EventTypeDisputeLost
		}
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
	return event, nil
}

func parseForm(payload []byte) (signature, content string, ok bool) {
	values, err := url.ParseQuery(string(payload))
	if err != nil {
		return "", "", false
	}
	signature = values.Get("bt_signature")
	content = values.Get("bt_payload")
	return signature, content, signature != "" && content != ""
}

func errorMessage(body []byte) string {
	var envelope struct {
		Errors []graphqlError `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Errors) == 0 {
		return ""
	}
	return envelope.Errors[0].Message
}

type notification struct {
	XMLName   xml.Name  `xml:"notification"`
	Kind      string    `xml:"kind"`
	Timestamp time.Time `xml:"timestamp"`
	Subject   struct {
		Transaction *transaction `xml:"transaction"`
		Dispute     *dispute     `xml:"dispute"`
	} `xml:"subject"`
}

type transaction struct {
	ID                    string `xml:"id"`
	Type                  string `xml:"type"`
	Status                string `xml:"status"`
	Amount                string `xml:"amount"`
	Currency              string `xml:"currency-iso-code"`
	OrderID               string `xml:"order-id"`
	RefundedTransactionID string `xml:"refunded-transaction-id"`
	ProcessorResponseText string `xml:"processor-response-text"`
}

type dispute struct {
	ID             string `xml:"id"`
	AmountDisputed string `xml:"amount-disputed"`
	Currency       string `xml:"currency-iso-code"`
	Reason         string `xml:"reason"`
	Status         string `xml:"status"`
	Transaction    struct {
		ID      string `xml:"id"`
		OrderID string `xml:"order-id"`
	} `xml:"transaction"`
}
