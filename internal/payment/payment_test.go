package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-resto/internal/payment"
	"github.com/noah-isme/backend-resto/internal/pricing"
	"github.com/noah-isme/backend-resto/internal/resilience"
)

func newSquare(t *testing.T, handler http.HandlerFunc) *payment.Square {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &payment.Square{
		HTTP:        resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 2, BaseBackoff: time.Millisecond, Target: "square_payments_test"},
		BaseURL:     srv.URL,
		AccessToken: "sq-token",
		LocationID:  "LOC",
	}
}

func authorizeRequest() payment.AuthorizeRequest {
	return payment.AuthorizeRequest{IdempotencyKey: "key-1", Token: "cnon:ok", Amount: 2972, Currency: "USD", ReferenceID: "ord_1"}
}

func TestSquareAuthorizeSendsDelayedCapture(t *testing.T) {
	sq := newSquare(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/payments", r.URL.Path)
		require.Equal(t, "Bearer sq-token", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "key-1", body["idempotency_key"])
		require.Equal(t, "cnon:ok", body["source_id"])
		require.Equal(t, false, body["autocomplete"])
		require.Equal(t, "LOC", body["location_id"])
		require.Equal(t, map[string]any{"amount": float64(2972), "currency": "USD"}, body["amount_money"])
		_, _ = w.Write([]byte(`{"payment":{"id":"pay_1","status":"APPROVED","amount_money":{"amount":2972,"currency":"USD"}}}`))
	})

	auth, err := sq.Authorize(context.Background(), authorizeRequest())
	require.NoError(t, err)
	require.Equal(t, "pay_1", auth.PaymentID)
	require.Equal(t, "APPROVED", auth.Status)
	require.Equal(t, pricing.Money(2972), auth.Amount)
}

func TestSquareDeclineIsClassified(t *testing.T) {
	sq := newSquare(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"errors":[{"category":"PAYMENT_METHOD_ERROR","code":"CARD_DECLINED","detail":"Card declined."}]}`))
	})

	_, err := sq.Authorize(context.Background(), authorizeRequest())
	require.ErrorIs(t, err, payment.ErrDeclined)
	var decline *payment.DeclineError
	require.True(t, errors.As(err, &decline))
	require.Equal(t, "CARD_DECLINED", decline.Code)
}

func TestSquareOutageIsUnavailable(t *testing.T) {
	calls := 0
	sq := newSquare(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := sq.Authorize(context.Background(), authorizeRequest())
	require.ErrorIs(t, err, payment.ErrUnavailable)
	require.Equal(t, 2, calls, "authorize carries an idempotency key so it is retried")
}

func TestSquareCaptureAndVoidPaths(t *testing.T) {
	var paths []string
	sq := newSquare(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		_, _ = w.Write([]byte(`{"payment":{"id":"pay_1","status":"COMPLETED"}}`))
	})

	require.NoError(t, sq.Capture(context.Background(), "pay_1"))
	require.NoError(t, sq.Void(context.Background(), "pay_2"))
	require.Equal(t, []string{"/v2/payments/pay_1/complete", "/v2/payments/pay_2/cancel"}, paths)
}

func TestMockTwoPhase(t *testing.T) {
	m := &payment.Mock{}
	ctx := context.Background()

	auth, err := m.Authorize(ctx, payment.AuthorizeRequest{IdempotencyKey: "k1", Token: payment.MockTokenOK, Amount: 1000})
	require.NoError(t, err)
	again, err := m.Authorize(ctx, payment.AuthorizeRequest{IdempotencyKey: "k1", Token: payment.MockTokenOK, Amount: 1000})
	require.NoError(t, err)
	require.Equal(t, auth.PaymentID, again.PaymentID)
	require.Equal(t, 1, m.Count())

	require.NoError(t, m.Capture(ctx, auth.PaymentID))
	require.Equal(t, "COMPLETED", m.Status(auth.PaymentID))
	require.Error(t, m.Void(ctx, auth.PaymentID), "captured payments cannot be voided")

	_, err = m.Authorize(ctx, payment.AuthorizeRequest{IdempotencyKey: "k2", Token: payment.MockTokenDeclined, Amount: 1000})
	require.ErrorIs(t, err, payment.ErrDeclined)

	_, err = m.Authorize(ctx, payment.AuthorizeRequest{IdempotencyKey: "k3", Amount: 1000})
	require.ErrorIs(t, err, payment.ErrDeclined)

	m.FailCapture = errors.New("timeout")
	auth2, err := m.Authorize(ctx, payment.AuthorizeRequest{IdempotencyKey: "k4", Token: payment.MockTokenOK, Amount: 500})
	require.NoError(t, err)
	require.ErrorIs(t, m.Capture(ctx, auth2.PaymentID), payment.ErrUnavailable)
	require.NoError(t, m.Void(ctx, auth2.PaymentID))
	require.Equal(t, "CANCELED", m.Status(auth2.PaymentID))
}
