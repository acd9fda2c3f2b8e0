package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-resto/internal/events"
)

type captureNotifier struct {
	events []events.Event
	err    error
}

func (c *captureNotifier) Name() string { return "capture" }

func (c *captureNotifier) Notify(_ context.Context, ev events.Event) error {
	c.events = append(c.events, ev)
	return c.err
}

type captureWriter struct {
	msgs []kafka.Message
}

func (c *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func TestEmitPersistsEvent(t *testing.T) {
	store := &events.MemoryStore{}
	notifier := &captureNotifier{}
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	bus := events.Bus{
		Store:     store,
		Notifiers: []events.Notifier{notifier},
		Now:       func() time.Time { return fixed },
	}

	ev, err := bus.Emit(context.Background(), events.TopicOrderCreated, "order-123", map[string]any{"orderId": "order-123"})
	require.NoError(t, err)
	require.Equal(t, fixed, ev.OccurredAt)

	stored := store.Events()
	require.Len(t, stored, 1)
	require.Equal(t, events.TopicOrderCreated, stored[0].Topic)
	require.JSONEq(t, `{"orderId":"order-123"}`, string(stored[0].Payload))
	require.Len(t, notifier.events, 1)
	require.Equal(t, ev.ID, notifier.events[0].ID)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(ev.Payload, &decoded))
	require.Equal(t, "order-123", decoded["orderId"])
}

func TestEmitValidatesInput(t *testing.T) {
	bus := events.Bus{Store: &events.MemoryStore{}}
	_, err := bus.Emit(context.Background(), " ", "agg", nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), events.TopicOrderCreated, "", nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), events.TopicOrderCreated, "agg", "{not json")
	require.Error(t, err)

	var nilBus *events.Bus
	_, err = nilBus.Emit(context.Background(), events.TopicOrderCreated, "agg", nil)
	require.Error(t, err)
}

func TestEmitJoinsNotifierErrorsAfterStoring(t *testing.T) {
	store := &events.MemoryStore{}
	failing := &captureNotifier{err: errors.New("smtp down")}
	ok := &captureNotifier{}
	bus := events.Bus{Store: store, Notifiers: []events.Notifier{failing, nil, ok}}

	_, err := bus.Emit(context.Background(), events.TopicOrderCreated, "agg", nil)
	require.ErrorContains(t, err, "smtp down")
	require.Len(t, store.Events(), 1)
	require.Len(t, ok.events, 1)
}

func TestKafkaPublisherKeysByAggregate(t *testing.T) {
	writer := &captureWriter{}
	pub := events.KafkaPublisher{Writer: writer, Topics: []string{events.TopicOrderCreated}}
	bus := events.Bus{Store: &events.MemoryStore{}, Notifiers: []events.Notifier{pub}}

	_, err := bus.Emit(context.Background(), events.TopicOrderCreated, "order-9", map[string]any{"total": 29.72})
	require.NoError(t, err)
	_, err = bus.Emit(context.Background(), events.TopicPaymentVoided, "order-9", nil)
	require.NoError(t, err)

	require.Len(t, writer.msgs, 1)
	msg := writer.msgs[0]
	require.Equal(t, "order-9", string(msg.Key))
	require.JSONEq(t, `{"total":29.72}`, string(msg.Value))
	require.Equal(t, "event_type", msg.Headers[0].Key)
	require.Equal(t, events.TopicOrderCreated, string(msg.Headers[0].Value))
}
