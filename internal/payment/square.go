package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-resto/internal/obs"
	"github.com/noah-isme/backend-resto/internal/pricing"
	"github.com/noah-isme/backend-resto/internal/resilience"
)

const squareVersion = "2024-10-17"

// Square drives the Square Payments API with delayed capture
// (autocomplete=false): CreatePayment authorizes, CompletePayment captures and
// CancelPayment voids.
type Square struct {
	HTTP        resilience.HTTPClient
	BaseURL     string
	AccessToken string
	LocationID  string
	Logger      zerolog.Logger
}

type squareError struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
}

type squarePaymentResponse struct {
	Payment *struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		AmountMoney struct {
			Amount int64 `json:"amount"`
		} `json:"amount_money"`
	} `json:"payment"`
	Errors []squareError `json:"errors"`
}

// Name implements Provider.
func (s *Square) Name() string { return "square" }

// Authorize implements Provider.
func (s *Square) Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error) {
	if err := validateAuthorize(req); err != nil {
		return Authorization{}, err
	}
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}
	body := map[string]any{
		"idempotency_key": req.IdempotencyKey,
		"source_id":       req.Token,
		"amount_money":    map[string]any{"amount": int64(req.Amount), "currency": currency},
		"autocomplete":    false,
		"location_id":     s.LocationID,
	}
	if req.ReferenceID != "" {
		body["reference_id"] = req.ReferenceID
	}
	if req.Note != "" {
		body["note"] = req.Note
	}
	if req.BuyerEmail != "" {
		body["buyer_email_address"] = req.BuyerEmail
	}
	out, err := s.post(ctx, "/v2/payments", body)
	if err != nil {
		s.record("authorize", err)
		return Authorization{}, err
	}
	if out.Payment == nil {
		err := fmt.Errorf("%w: square returned no payment", ErrUnavailable)
		s.record("authorize", err)
		return Authorization{}, err
	}
	s.record("authorize", nil)
	return Authorization{
		Provider:  s.Name(),
		PaymentID: out.Payment.ID,
		Status:    out.Payment.Status,
		Amount:    pricing.Money(out.Payment.AmountMoney.Amount),
	}, nil
}

// Capture implements Provider.
func (s *Square) Capture(ctx context.Context, paymentID string) error {
	_, err := s.post(ctx, "/v2/payments/"+url.PathEscape(paymentID)+"/complete", map[string]any{})
	s.record("capture", err)
	return err
}

// Void implements Provider.
func (s *Square) Void(ctx context.Context, paymentID string) error {
	_, err := s.post(ctx, "/v2/payments/"+url.PathEscape(paymentID)+"/cancel", map[string]any{})
	s.record("void", err)
	return err
}

func (s *Square) post(ctx context.Context, path string, payload any) (squarePaymentResponse, error) {
	if s == nil || strings.TrimSpace(s.AccessToken) == "" {
		return squarePaymentResponse{}, errors.New("square payments not configured")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return squarePaymentResponse{}, err
	}
	endpoint := strings.TrimRight(s.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return squarePaymentResponse{}, err
	}
	req.Header.Set("Authorization", "Bearer "+s.AccessToken)
	req.Header.Set("Square-Version", squareVersion)
	req.Header.Set("Content-Type", "application/json")

	client := s.HTTP
	client.RetryUnsafe = true
	resp, err := client.Do(ctx, req)
	if err != nil {
		var statusErr *resilience.StatusError
		if errors.As(err, &statusErr) {
			return squarePaymentResponse{}, fmt.Errorf("%w: square responded %d", ErrUnavailable, statusErr.StatusCode)
		}
		return squarePaymentResponse{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return squarePaymentResponse{}, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	var out squarePaymentResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return squarePaymentResponse{}, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
		}
	}
	if resp.StatusCode >= 300 {
		return squarePaymentResponse{}, squareFailure(resp.StatusCode, out.Errors)
	}
	return out, nil
}

// squareFailure classifies a non-2xx answer. Payment method and request
// errors are declines; anything else is treated as the processor being down.
func squareFailure(status int, errs []squareError) error {
	first := squareError{Code: http.StatusText(status)}
	if len(errs) > 0 {
		first = errs[0]
	}
	switch first.Category {
	case "PAYMENT_METHOD_ERROR", "INVALID_REQUEST_ERROR":
		return &DeclineError{Code: first.Code, Detail: first.Detail}
	}
	if status == http.StatusPaymentRequired {
		return &DeclineError{Code: first.Code, Detail: first.Detail}
	}
	return fmt.Errorf("%w: %s %s", ErrUnavailable, first.Code, first.Detail)
}

func (s *Square) record(op string, err error) {
	result := "ok"
	switch {
	case errors.Is(err, ErrDeclined):
		result = "declined"
	case err != nil:
		result = "error"
	}
	obs.PaymentOperationsTotal.WithLabelValues(s.Name(), op, result).Inc()
	if err != nil {
		s.Logger.Warn().Err(err).Str("op", op).Msg("square payment operation failed")
	}
}
