package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/folio/internal/apperr"
	billinggroupdomain "github.com/smallbiznis/folio/internal/billinggroup/domain"
	invoicedomain "github.com/smallbiznis/folio/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/folio/internal/payment/domain"
	processordomain "github.com/smallbiznis/folio/internal/processor/domain"
	tabdomain "github.com/smallbiznis/folio/internal/tab/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorPayload struct {
	Type     string            `json:"type"`
	Message  string            `json:"message"`
	Errors   []ValidationError `json:"errors,omitempty"`
	Blocking []string          `json:"blocking,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrOrgRequired        = errors.New("org_required")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return apperr.Validation("request", "invalid_request", "invalid request")
}

func invalidIDError(field string) error {
	return apperr.Validation(field, "invalid_id", "invalid id")
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	var vErr *apperr.ValidationError
	if errors.As(err, &vErr) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  []ValidationError{{Field: vErr.Field, Code: vErr.Code, Message: vErr.Message}},
		}
	}

	var cErr *apperr.ConflictError
	if errors.As(err, &cErr) {
		return http.StatusConflict, errorPayload{
			Type:     "conflict",
			Message:  cErr.Reason,
			Blocking: cErr.Blocking,
		}
	}

	var mErr *apperr.CurrencyMismatchError
	if errors.As(err, &mErr) {
		return http.StatusBadRequest, errorPayload{
			Type:    "currency_mismatch",
			Message: mErr.Error(),
		}
	}

	var pcErr *apperr.ProcessorConfigurationError
	if errors.As(err, &pcErr) {
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "processor_configuration_error",
			Message: pcErr.Error(),
		}
	}

	var pErr *apperr.ProcessorError
	if errors.As(err, &pErr) {
		// Provider messages can echo request data; only the outcome leaves.
		return http.StatusBadGateway, errorPayload{
			Type:    "processor_error",
			Message: "payment processor " + string(pErr.Outcome),
		}
	}

	if isValidationError(err) {
		code := err.Error()
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: "invalid value",
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, paymentdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrOrgRequired):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "organization is required",
			Errors:  []ValidationError{{Field: "org_id", Code: "required", Message: "organization is required"}},
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, tabdomain.ErrConcurrentModification),
		errors.Is(err, invoicedomain.ErrConcurrentModification):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "concurrent modification",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, tabdomain.ErrInvalidOrganization),
		errors.Is(err, tabdomain.ErrInvalidID),
		errors.Is(err, billinggroupdomain.ErrInvalidOrganization),
		errors.Is(err, invoicedomain.ErrInvalidOrganization),
		errors.Is(err, paymentdomain.ErrInvalidOrganization),
		errors.Is(err, processordomain.ErrInvalidOrganization),
		errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidEvent),
		errors.Is(err, paymentdomain.ErrInvalidConfig):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, apperr.ErrNotFound),
		errors.Is(err, paymentdomain.ErrPaymentNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorField(code string) string {
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

// classifyErrorForLog gives the request logger a stable type and code
// without the message text.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	if status >= http.StatusInternalServerError && errors.Is(err, apperr.ErrEncryption) {
		code = "encryption_error"
	}
	return payload.Type, code
}
