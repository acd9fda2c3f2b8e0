package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-resto/internal/events"
	"github.com/noah-isme/backend-resto/internal/resilience"
)

// WebhookNotifier posts signed order events to the restaurant's kitchen
// display or any other receiver configured by URL.
type WebhookNotifier struct {
	URL    string
	Secret string
	HTTP   resilience.HTTPClient
	Topics []string
	Now    func() time.Time
}

// Name identifies the notifier in logs and metrics.
func (w WebhookNotifier) Name() string { return "webhook" }

// Notify delivers ev. Receivers deduplicate on X-Idempotency-Key, so the
// request is safe to retry.
func (w WebhookNotifier) Notify(ctx context.Context, ev events.Event) error {
	if w.URL == "" || !w.handles(ev.Topic) {
		return nil
	}
	status, _, err := w.deliver(ctx, ev)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("webhook: receiver responded %d", status)
	}
	return nil
}

func (w WebhookNotifier) handles(topic string) bool {
	if w.Topics == nil {
		return topic == events.TopicOrderCreated
	}
	for _, t := range w.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

func (w WebhookNotifier) deliver(ctx context.Context, ev events.Event) (int, string, error) {
	ctx, span := otel.Tracer("notify.Webhook").Start(ctx, "Webhook.deliver")
	defer span.End()
	eventID := ev.ID.String()
	span.SetAttributes(
		attribute.String("webhook.event_id", eventID),
		attribute.String("webhook.topic", ev.Topic),
	)
	if err := validateURL(w.URL); err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	payload := struct {
		EventID     string          `json:"eventId"`
		Topic       string          `json:"topic"`
		AggregateID string          `json:"aggregateId"`
		Data        json.RawMessage `json:"data"`
		OccurredAt  time.Time       `json:"occurredAt"`
	}{
		EventID:     eventID,
		Topic:       ev.Topic,
		AggregateID: ev.AggregateID,
		Data:        ev.Payload,
		OccurredAt:  ev.OccurredAt,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "resto-api-webhooks/1.0")
	req.Header.Set("X-Event-ID", eventID)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Idempotency-Key", eventID)
	req.Header.Set("X-Signature", ComputeSignature(w.Secret, ts, eventID, body))

	client := w.HTTP
	client.RetryUnsafe = true
	if client.Target == "" {
		client.Target = "webhook"
	}
	resp, err := client.Do(ctx, req)
	if err != nil {
		var statusErr *resilience.StatusError
		if errors.As(err, &statusErr) {
			span.SetAttributes(attribute.Int("http.status_code", statusErr.StatusCode))
			return statusErr.StatusCode, string(statusErr.Body), nil
		}
		span.RecordError(err)
		return 0, "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		span.RecordError(err)
		return resp.StatusCode, "", err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp.StatusCode, string(responseBody), nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return errors.New("webhook url must be http or https")
	}
	if parsed.Scheme == "http" {
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" {
			return errors.New("http webhook only allowed for localhost")
		}
	}
	if parsed.Host == "" {
		return errors.New("webhook url must include host")
	}
	return nil
}

// ComputeSignature calculates the webhook signature for the provided payload. The
// format is HMAC-SHA256 over "<ts>.<eventID>.<body>" using the shared secret.
func ComputeSignature(secret string, ts int64, eventID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(eventID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
