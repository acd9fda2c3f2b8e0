package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-resto/internal/events"
)

// TypeConfirmationEmail is the asynq task type carrying an order event to the
// email worker.
const TypeConfirmationEmail = "order:confirmation_email"

const defaultEmailRetries = 8

// TaskEnqueuer is the subset of *asynq.Client used to schedule tasks.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskNotifier hands order events to the background worker so the request
// path never waits on email delivery.
type TaskNotifier struct {
	Client   TaskEnqueuer
	Topics   []string
	Queue    string
	MaxRetry int
}

// Name identifies the notifier in logs and metrics.
func (n TaskNotifier) Name() string { return "asynq" }

// Notify enqueues one task per event. The event id doubles as the task id, so
// re-emitting an event never sends a second email.
func (n TaskNotifier) Notify(ctx context.Context, ev events.Event) error {
	if n.Client == nil || !n.handles(ev.Topic) {
		return nil
	}
	task, err := NewConfirmationTask(ev)
	if err != nil {
		return err
	}
	retries := n.MaxRetry
	if retries <= 0 {
		retries = defaultEmailRetries
	}
	opts := []asynq.Option{asynq.TaskID(ev.ID.String()), asynq.MaxRetry(retries)}
	if n.Queue != "" {
		opts = append(opts, asynq.Queue(n.Queue))
	}
	if _, err := n.Client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil
		}
		return fmt.Errorf("enqueue %s: %w", TypeConfirmationEmail, err)
	}
	return nil
}

func (n TaskNotifier) handles(topic string) bool {
	topics := n.Topics
	if topics == nil {
		topics = []string{events.TopicOrderCreated, events.TopicPaymentVoided, events.TopicOrderFailed}
	}
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}

// NewConfirmationTask wraps ev in an asynq task.
func NewConfirmationTask(ev events.Event) (*asynq.Task, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	return asynq.NewTask(TypeConfirmationEmail, raw), nil
}

// EmailTaskHandler processes confirmation email tasks in the worker.
type EmailTaskHandler struct {
	Email  EmailNotifier
	Logger zerolog.Logger
}

// ProcessTask implements asynq.Handler. Undecodable payloads are not retried.
func (h EmailTaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var ev events.Event
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		h.Logger.Error().Err(err).Str("task_type", t.Type()).Msg("drop malformed task")
		return fmt.Errorf("decode %s: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	if err := h.Email.Notify(ctx, ev); err != nil {
		h.Logger.Warn().Err(err).Str("event_id", ev.ID.String()).Str("topic", ev.Topic).Msg("send order email")
		return err
	}
	h.Logger.Debug().Str("event_id", ev.ID.String()).Str("topic", ev.Topic).Msg("order email sent")
	return nil
}
