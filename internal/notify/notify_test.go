package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-resto/internal/common"
	"github.com/noah-isme/backend-resto/internal/events"
	"github.com/noah-isme/backend-resto/internal/notify"
	"github.com/noah-isme/backend-resto/internal/resilience"
)

func orderCreated(t *testing.T) events.Event {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"orderId":            "ord-1",
		"orderType":          "pickup",
		"customerName":       "Ada",
		"email":              "ada@example.com",
		"items":              []map[string]any{{"name": "Classic Burger", "price": "10.00", "quantity": 2}},
		"subtotal":           "23.00",
		"tax":                "1.73",
		"deliveryFee":        "0.00",
		"total":              "24.73",
		"estimatedReadyTime": "2024-05-01T18:20:00Z",
	})
	require.NoError(t, err)
	return events.Event{
		ID:          uuid.New(),
		Topic:       events.TopicOrderCreated,
		AggregateID: "ord-1",
		Payload:     payload,
		OccurredAt:  time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC),
	}
}

func TestWebhookSignatureAndHeaders(t *testing.T) {
	type recorded struct {
		req  *http.Request
		body []byte
	}
	received := make(chan recorded, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- recorded{req: r, body: body}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	hook := notify.WebhookNotifier{
		URL:    srv.URL,
		Secret: "secret",
		HTTP: resilience.HTTPClient{
			Client:      srv.Client(),
			Breaker:     resilience.NewBreaker("webhook_test", resilience.BreakerConfig{MinRequests: 1, FailureRatio: 1, OpenFor: time.Second}, zerolog.Nop()),
			MaxAttempts: 1,
			Timeout:     time.Second,
			Target:      "kitchen-webhook",
		},
	}
	ev := orderCreated(t)
	require.NoError(t, hook.Notify(context.Background(), ev))

	record := <-received
	req := record.req
	require.Equal(t, "application/json", req.Header.Get("Content-Type"))
	require.Equal(t, ev.ID.String(), req.Header.Get("X-Event-ID"))
	require.Equal(t, ev.ID.String(), req.Header.Get("X-Idempotency-Key"))
	ts, err := strconv.ParseInt(req.Header.Get("X-Timestamp"), 10, 64)
	require.NoError(t, err)
	require.Equal(t, notify.ComputeSignature("secret", ts, ev.ID.String(), record.body), req.Header.Get("X-Signature"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(record.body, &body))
	require.Equal(t, "ord-1", body["aggregateId"])
}

func TestWebhookReportsReceiverFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	hook := notify.WebhookNotifier{
		URL:  srv.URL,
		HTTP: resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 1, Timeout: time.Second},
	}
	require.Error(t, hook.Notify(context.Background(), orderCreated(t)))

	voided := orderCreated(t)
	voided.Topic = events.TopicPaymentVoided
	require.NoError(t, hook.Notify(context.Background(), voided))
}

func TestWebhookRejectsPlainHTTPRemoteHost(t *testing.T) {
	hook := notify.WebhookNotifier{
		URL:  "http://kitchen.example.com/hook",
		HTTP: resilience.HTTPClient{Client: http.DefaultClient, MaxAttempts: 1},
	}
	require.Error(t, hook.Notify(context.Background(), orderCreated(t)))
}

func TestEmailNotifierRendersConfirmation(t *testing.T) {
	mail := &common.InMemoryEmail{}
	n := notify.EmailNotifier{Mail: mail, Enabled: true, From: "orders@resto.test"}

	require.NoError(t, n.Notify(context.Background(), orderCreated(t)))
	outbox := mail.Outbox()
	require.Len(t, outbox, 1)
	msg := outbox[0]
	require.Equal(t, "ada@example.com", msg.To)
	require.Equal(t, "orders@resto.test", msg.From)
	require.Equal(t, "Order ord-1 confirmed", msg.Subject)
	require.Contains(t, msg.HTML, "Classic Burger")
	require.Contains(t, msg.HTML, "$24.73")
	require.Contains(t, msg.HTML, "6:20 PM")
}

func TestEmailNotifierHonoursToggles(t *testing.T) {
	mail := &common.InMemoryEmail{}
	n := notify.EmailNotifier{Mail: mail, Enabled: true, TopicToggles: map[string]bool{events.TopicOrderCreated: false}}
	require.NoError(t, n.Notify(context.Background(), orderCreated(t)))

	n = notify.EmailNotifier{Mail: mail}
	require.NoError(t, n.Notify(context.Background(), orderCreated(t)))
	require.Empty(t, mail.Outbox())
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	ids   map[string]bool
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.ids == nil {
		f.ids = map[string]bool{}
	}
	for _, opt := range opts {
		if opt.Type() != asynq.TaskIDOpt {
			continue
		}
		id, _ := opt.Value().(string)
		if f.ids[id] {
			return nil, asynq.ErrTaskIDConflict
		}
		f.ids[id] = true
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func TestTaskNotifierEnqueuesOncePerEvent(t *testing.T) {
	client := &fakeEnqueuer{}
	n := notify.TaskNotifier{Client: client, Queue: "email"}
	ev := orderCreated(t)

	require.NoError(t, n.Notify(context.Background(), ev))
	require.NoError(t, n.Notify(context.Background(), ev))
	require.Len(t, client.tasks, 1)
	require.Equal(t, notify.TypeConfirmationEmail, client.tasks[0].Type())

	mail := &common.InMemoryEmail{}
	handler := notify.EmailTaskHandler{Email: notify.EmailNotifier{Mail: mail, Enabled: true}}
	require.NoError(t, handler.ProcessTask(context.Background(), client.tasks[0]))
	require.Len(t, mail.Outbox(), 1)
}

func TestEmailTaskHandlerSkipsMalformedPayload(t *testing.T) {
	handler := notify.EmailTaskHandler{Email: notify.EmailNotifier{Mail: &common.InMemoryEmail{}, Enabled: true}}
	err := handler.ProcessTask(context.Background(), asynq.NewTask(notify.TypeConfirmationEmail, []byte("{")))
	require.True(t, errors.Is(err, asynq.SkipRetry))
}
