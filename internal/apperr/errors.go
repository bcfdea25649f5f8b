// Package apperr defines the typed errors shared by the billing engine.
//
// Every typed error matches its kind sentinel through errors.Is, so callers
// can branch on the kind without caring about the concrete payload.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation             = errors.New("validation_error")
	ErrNotFound               = errors.New("not_found")
	ErrConflict               = errors.New("conflict")
	ErrProcessor              = errors.New("processor_error")
	ErrProcessorConfiguration = errors.New("processor_configuration_error")
	ErrEncryption             = errors.New("encryption_error")
	ErrCurrencyMismatch       = errors.New("currency_mismatch")
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func Validation(field, code, message string) error {
	return &ValidationError{Field: field, Code: code, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type NotFoundError struct {
	Resource string
	ID       string
}

func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError names the references that block the requested mutation.
type ConflictError struct {
	Reason   string
	Blocking []string
}

func Conflict(reason string, blocking ...string) error {
	return &ConflictError{Reason: reason, Blocking: blocking}
}

func (e *ConflictError) Error() string {
	if len(e.Blocking) == 0 {
		return e.Reason
	}
	return fmt.Sprintf("%s (blocked by %s)", e.Reason, strings.Join(e.Blocking, ", "))
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Outcome classifies what is known about a failed outbound provider call.
type Outcome string

const (
	// OutcomeFailed means the provider definitively rejected the request.
	OutcomeFailed Outcome = "failed"
	// OutcomeUnknown means the request may or may not have been applied
	// (timeout, cancellation, connection reset after send).
	OutcomeUnknown Outcome = "unknown"
)

type ProcessorError struct {
	Processor  string
	Op         string
	Outcome    Outcome
	StatusCode int
	Message    string
	Err        error
}

func (e *ProcessorError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s %s (status %d): %s", e.Processor, e.Op, e.Outcome, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s %s %s: %s", e.Processor, e.Op, e.Outcome, msg)
}

func (e *ProcessorError) Is(target error) bool { return target == ErrProcessor }

func (e *ProcessorError) Unwrap() error { return e.Err }

// IsUnknownOutcome reports whether err is a provider failure whose effect
// on the provider side cannot be determined.
func IsUnknownOutcome(err error) bool {
	var pErr *ProcessorError
	if errors.As(err, &pErr) {
		return pErr.Outcome == OutcomeUnknown
	}
	return false
}

type ProcessorConfigurationError struct {
	Processor string
	Reason    string
}

func ProcessorConfiguration(processor, reason string) error {
	return &ProcessorConfigurationError{Processor: processor, Reason: reason}
}

func (e *ProcessorConfigurationError) Error() string {
	return fmt.Sprintf("%s configuration invalid: %s", e.Processor, e.Reason)
}

func (e *ProcessorConfigurationError) Is(target error) bool {
	return target == ErrProcessorConfiguration
}

type EncryptionError struct {
	Reason string
	Err    error
}

func Encryption(reason string, err error) error {
	return &EncryptionError{Reason: reason, Err: err}
}

func (e *EncryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("encryption: %s: %v", e.Reason, e.Err)
	}
	return "encryption: " + e.Reason
}

func (e *EncryptionError) Is(target error) bool { return target == ErrEncryption }

func (e *EncryptionError) Unwrap() error { return e.Err }

type CurrencyMismatchError struct {
	Expected string
	Got      string
}

func CurrencyMismatch(expected, got string) error {
	return &CurrencyMismatchError{Expected: expected, Got: got}
}

func (e *CurrencyMismatchError) Error() string {
	return fmt.Sprintf("currency mismatch: expected %s, got %s", e.Expected, e.Got)
}

func (e *CurrencyMismatchError) Is(target error) bool { return target == ErrCurrencyMismatch }
