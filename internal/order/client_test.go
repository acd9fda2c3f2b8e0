package order_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-resto/internal/common"
	"github.com/noah-isme/backend-resto/internal/order"
	"github.com/noah-isme/backend-resto/internal/payment"
	"github.com/noah-isme/backend-resto/internal/resilience"
)

func newOrderServer(t *testing.T, svc *order.Service) *httptest.Server {
	t.Helper()
	h := &order.Handler{Svc: svc}
	r := chi.NewRouter()
	r.Post("/api/v1/orders", h.Create)
	r.Get("/api/v1/orders/{orderId}", h.Get)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(srv *httptest.Server) *order.Client {
	return &order.Client{
		HTTP:    resilience.HTTPClient{Client: srv.Client(), Target: "order_endpoint"},
		BaseURL: srv.URL,
	}
}

func submissionError(t *testing.T, err error) *order.SubmissionError {
	t.Helper()
	var subErr *order.SubmissionError
	require.ErrorAs(t, err, &subErr)
	return subErr
}

func TestClientPlacesOrder(t *testing.T) {
	f := newFixture(t)
	srv := newOrderServer(t, f.svc)
	client := newClient(srv)

	resp, err := client.Submit(context.Background(), "key-1", deliveryRequest())
	require.NoError(t, err)
	require.Equal(t, order.StatusPaid, resp.Status)
	require.Equal(t, int64(2972), int64(resp.Total))

	again, err := client.Submit(context.Background(), "key-1", deliveryRequest())
	require.NoError(t, err)
	require.Equal(t, resp.OrderID, again.OrderID)
	require.Equal(t, 1, f.payments.Count())

	res, err := srv.Client().Get(srv.URL + "/api/v1/orders/" + resp.OrderID)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var view order.Response
	require.NoError(t, json.NewDecoder(res.Body).Decode(&view))
	require.Equal(t, resp.OrderID, view.OrderID)
}

func TestHandlerMarksReplays(t *testing.T) {
	f := newFixture(t)
	srv := newOrderServer(t, f.svc)
	raw, err := json.Marshal(deliveryRequest())
	require.NoError(t, err)

	post := func() *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/orders", strings.NewReader(string(raw)))
		require.NoError(t, err)
		req.Header.Set(common.IdempotencyHeader, "key-1")
		res, err := srv.Client().Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = res.Body.Close() })
		return res
	}
	first := post()
	require.Equal(t, http.StatusCreated, first.StatusCode)
	second := post()
	require.Equal(t, http.StatusOK, second.StatusCode)
	require.Equal(t, "true", second.Header.Get(order.ReplayedHeader))
}

func TestClientMapsFailureKinds(t *testing.T) {
	f := newFixture(t)
	srv := newOrderServer(t, f.svc)
	client := newClient(srv)

	declined := deliveryRequest()
	declined.PaymentToken = payment.MockTokenDeclined
	_, err := client.Submit(context.Background(), "key-declined", declined)
	subErr := submissionError(t, err)
	require.Equal(t, order.Rejected, subErr.Kind)
	require.Equal(t, "PAYMENT_DECLINED", subErr.Code)
	require.False(t, subErr.Charged())

	invalid := deliveryRequest()
	invalid.CustomerInfo.Phone = ""
	_, err = client.Submit(context.Background(), "key-invalid", invalid)
	subErr = submissionError(t, err)
	require.Equal(t, order.Rejected, subErr.Kind)
	require.Contains(t, subErr.Fields, "customerInfo.phone")

	f.store.FailUpdate = func(o order.Order) error {
		if o.Status == order.StatusAuthorized {
			return errors.New("db down")
		}
		return nil
	}
	_, err = client.Submit(context.Background(), "key-unrecorded", deliveryRequest())
	subErr = submissionError(t, err)
	require.Equal(t, order.Unavailable, subErr.Kind)
	require.Equal(t, http.StatusServiceUnavailable, subErr.StatusCode)
	require.True(t, subErr.Retryable())

	f.store.FailUpdate = func(o order.Order) error {
		if o.Status == order.StatusPaid {
			return errors.New("db down")
		}
		return nil
	}
	_, err = client.Submit(context.Background(), "key-charged", deliveryRequest())
	subErr = submissionError(t, err)
	require.Equal(t, order.ChargedNotRecorded, subErr.Kind)
	require.True(t, subErr.Charged())
	require.False(t, subErr.Retryable())
	require.NotEmpty(t, subErr.PaymentID)
}

func TestClientUnreachableIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	client := newClient(srv)
	srv.Close()

	_, err := client.Submit(context.Background(), "key-1", deliveryRequest())
	subErr := submissionError(t, err)
	require.Equal(t, order.Unavailable, subErr.Kind)
	require.False(t, subErr.Charged())
}

func TestLocalSubmitterUsesSessionFromContext(t *testing.T) {
	f := newFixture(t)
	sub := order.LocalSubmitter{Service: f.svc}
	ctx := common.WithSessionID(context.Background(), "sess-42")

	resp, err := sub.Submit(ctx, "key-1", deliveryRequest())
	require.NoError(t, err)
	stored, err := f.store.Get(context.Background(), resp.OrderID)
	require.NoError(t, err)
	require.Equal(t, "sess-42", stored.SessionID)

	declined := deliveryRequest()
	declined.PaymentToken = payment.MockTokenDeclined
	_, err = sub.Submit(ctx, "key-2", declined)
	subErr := submissionError(t, err)
	require.Equal(t, order.Rejected, subErr.Kind)
	require.ErrorIs(t, err, payment.ErrDeclined)
}
