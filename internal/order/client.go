package order

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/noah-isme/backend-resto/internal/common"
	"github.com/noah-isme/backend-resto/internal/resilience"
)

// FailureKind classifies a failed submission for the customer.
type FailureKind string

const (
	// Rejected means nothing was charged and the request itself must change
	// (invalid data, declined card, changed prices).
	Rejected FailureKind = "rejected"
	// Unavailable means nothing was charged and the same request may be sent
	// again with the same idempotency key.
	Unavailable FailureKind = "unavailable"
	// ChargedNotRecorded means the payment was captured but the order was not
	// confirmed. The customer must not pay again.
	ChargedNotRecorded FailureKind = "charged_not_recorded"
)

// SubmissionError is returned by Submitters when an order was not placed.
type SubmissionError struct {
	Kind       FailureKind
	StatusCode int
	Code       string
	Message    string
	PaymentID  string
	Fields     map[string]string
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("order submission %s: %s: %s", e.Kind, e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("order submission %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("order submission %s", e.Kind)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Charged reports whether the customer's payment was taken.
func (e *SubmissionError) Charged() bool { return e.Kind == ChargedNotRecorded }

// Retryable reports whether resubmitting the same request is safe and useful.
func (e *SubmissionError) Retryable() bool { return e.Kind == Unavailable }

// Client submits orders to the order endpoint over HTTP. Submissions are
// sent once; the caller decides when to retry and reuses the idempotency key.
type Client struct {
	HTTP    resilience.HTTPClient
	BaseURL string
}

// Submit implements the checkout Submitter.
func (c *Client) Submit(ctx context.Context, key string, req Request) (Response, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return Response{}, &SubmissionError{Kind: Rejected, Message: "order could not be encoded", Err: err}
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/api/v1/orders"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return Response{}, &SubmissionError{Kind: Rejected, Message: "order endpoint misconfigured", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(common.IdempotencyHeader, key)

	client := c.HTTP
	client.MaxAttempts = 1
	client.RetryUnsafe = false
	resp, err := client.Do(ctx, httpReq)
	if err != nil {
		var statusErr *resilience.StatusError
		if errors.As(err, &statusErr) {
			return Response{}, decodeFailure(statusErr.StatusCode, statusErr.Body, err)
		}
		return Response{}, &SubmissionError{Kind: Unavailable, Message: "order service is unreachable", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, &SubmissionError{Kind: Unavailable, StatusCode: resp.StatusCode, Message: "order response was cut short", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, decodeFailure(resp.StatusCode, data, nil)
	}
	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return Response{}, &SubmissionError{Kind: Unavailable, StatusCode: resp.StatusCode, Message: "order response could not be read", Err: err}
	}
	return out, nil
}

// decodeFailure maps an error body of the order endpoint. details.charged and
// details.retryable take precedence over the status code.
func decodeFailure(status int, body []byte, cause error) *SubmissionError {
	out := &SubmissionError{StatusCode: status, Err: cause}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Details struct {
				Charged   *bool             `json:"charged"`
				Retryable *bool             `json:"retryable"`
				PaymentID string            `json:"paymentId"`
				Fields    map[string]string `json:"fields"`
			} `json:"details"`
		} `json:"error"`
	}
	decoded := len(body) > 0 && json.Unmarshal(body, &envelope) == nil
	if decoded {
		out.Code = envelope.Error.Code
		out.Message = envelope.Error.Message
		out.PaymentID = envelope.Error.Details.PaymentID
		out.Fields = envelope.Error.Details.Fields
	}
	if out.Message == "" {
		out.Message = http.StatusText(status)
	}
	details := envelope.Error.Details
	switch {
	case decoded && details.Charged != nil && *details.Charged:
		out.Kind = ChargedNotRecorded
	case decoded && details.Retryable != nil:
		if *details.Retryable {
			out.Kind = Unavailable
		} else {
			out.Kind = Rejected
		}
	case status == http.StatusTooManyRequests || status >= 500 || status == http.StatusConflict:
		out.Kind = Unavailable
	default:
		out.Kind = Rejected
	}
	return out
}

// LocalSubmitter places orders through an in-process Service. The session id
// is taken from the context.
type LocalSubmitter struct {
	Service *Service
}

// Submit implements the checkout Submitter.
func (l LocalSubmitter) Submit(ctx context.Context, key string, req Request) (Response, error) {
	sessionID, _ := common.SessionID(ctx)
	res, err := l.Service.Submit(ctx, sessionID, key, req)
	if err == nil {
		return res.Response, nil
	}
	var appErr *common.AppError
	if !errors.As(err, &appErr) {
		return Response{}, &SubmissionError{Kind: Unavailable, Message: "order could not be placed", Err: err}
	}
	body, _ := json.Marshal(common.ErrorEnvelope{Error: common.ErrorBody{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details}})
	return Response{}, decodeFailure(appErr.HTTPStatus, body, err)
}
