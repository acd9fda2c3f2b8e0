package events

import (
	"context"
	"errors"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is implemented by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher forwards events to a Kafka topic, keyed by aggregate id so a
// single order's events stay ordered within a partition.
type KafkaPublisher struct {
	Writer MessageWriter
	// Topics restricts which event topics are forwarded. Empty forwards all.
	Topics []string
}

// NewKafkaWriter builds a writer for the kitchen ticket topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// Name implements Notifier.
func (p KafkaPublisher) Name() string { return "kafka" }

// Notify implements Notifier.
func (p KafkaPublisher) Notify(ctx context.Context, ev Event) error {
	if p.Writer == nil {
		return errors.New("events: kafka writer not configured")
	}
	if !p.forwards(ev.Topic) {
		return nil
	}
	return p.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.AggregateID),
		Value: ev.Payload,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Topic)},
			{Key: "event_id", Value: []byte(ev.ID.String())},
		},
	})
}

func (p KafkaPublisher) forwards(topic string) bool {
	if len(p.Topics) == 0 {
		return true
	}
	for _, t := range p.Topics {
		if t == topic {
			return true
		}
	}
	return false
}
