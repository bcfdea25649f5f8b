package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/smallbiznis/folio/internal/apperr"
	"github.com/smallbiznis/folio/internal/payment/domain"
)

const (
	defaultTimeout  = 12 * time.Second
	maxResponseSize = 1 << 20
)

// Request is one outbound provider call.
type Request struct {
	Op     string
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// ReadOnly calls may be retried on any transport failure or 5xx.
	// Other calls are retried only when the provider provably did not
	// process them.
	ReadOnly bool
}

type Response struct {
	StatusCode int
	Body       []byte
}

// Transport runs provider calls under a RetryPolicy and maps failures onto
// ProcessorError with a failed or unknown outcome.
type Transport struct {
	Processor string
	Client    *http.Client
	Retry     domain.RetryPolicy
	// ErrorMessage extracts a human readable message from an error body.
	ErrorMessage func(body []byte) string
}

func NewTransport(processor string, client *http.Client, retry domain.RetryPolicy, errMsg func([]byte) string) *Transport {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Transport{Processor: processor, Client: client, Retry: retry, ErrorMessage: errMsg}
}

// Do returns the response for 2xx statuses. Every other result is a
// *apperr.ProcessorError. A 4xx response body is still returned so callers
// can inspect it.
func (t *Transport) Do(ctx context.Context, req Request) (*Response, error) {
	var out *Response
	err := t.Retry.Do(ctx, func(ctx context.Context) error {
		resp, err := t.once(ctx, req)
		out = resp
		return err
	})
	if err != nil && !errors.Is(err, apperr.ErrProcessor) {
		// cancelled while waiting between attempts
		return out, t.failure(req, apperr.OutcomeUnknown, 0, "cancelled", err)
	}
	return out, err
}

func (t *Transport) once(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, t.failure(req, apperr.OutcomeFailed, 0, err.Error(), err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	resp, err := t.Client.Do(httpReq)
	if err != nil {
		return nil, t.transportFailure(ctx, req, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		// the provider answered, but we lost the body mid-read
		return nil, t.failure(req, apperr.OutcomeUnknown, resp.StatusCode, "read response", err)
	}
	out := &Response{StatusCode: resp.StatusCode, Body: body}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return out, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return out, &domain.Retryable{Err: t.failure(req, apperr.OutcomeFailed, resp.StatusCode, t.message(body), nil)}
	case resp.StatusCode >= 500:
		perr := t.failure(req, apperr.OutcomeUnknown, resp.StatusCode, t.message(body), nil)
		if req.ReadOnly {
			return out, &domain.Retryable{Err: perr}
		}
		return out, perr
	default:
		return out, t.failure(req, apperr.OutcomeFailed, resp.StatusCode, t.message(body), nil)
	}
}

func (t *Transport) transportFailure(ctx context.Context, req Request, err error) error {
	// a dial failure means the request never left this process
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" && ctx.Err() == nil {
		return &domain.Retryable{Err: t.failure(req, apperr.OutcomeFailed, 0, "connect", err)}
	}

	perr := t.failure(req, apperr.OutcomeUnknown, 0, "no response", err)
	if isTimeout(ctx, err) {
		perr.Message = "timeout"
		return perr
	}
	if req.ReadOnly {
		return &domain.Retryable{Err: perr}
	}
	return perr
}

func (t *Transport) failure(req Request, outcome apperr.Outcome, status int, msg string, err error) *apperr.ProcessorError {
	return &apperr.ProcessorError{
		Processor:  t.Processor,
		Op:         req.Op,
		Outcome:    outcome,
		StatusCode: status,
		Message:    msg,
		Err:        err,
	}
}

func (t *Transport) message(body []byte) string {
	if t.ErrorMessage != nil {
		if msg := t.ErrorMessage(body); msg != "" {
			return msg
		}
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("provider error: %s", bytes.TrimSpace(body))
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
