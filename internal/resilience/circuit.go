package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when the circuit breaker refuses a request.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State is the breaker state.
type State = gobreaker.State

const (
	Closed   = gobreaker.StateClosed
	HalfOpen = gobreaker.StateHalfOpen
	Open     = gobreaker.StateOpen
)

// BreakerConfig tunes when a breaker trips.
type BreakerConfig struct {
	// MinRequests is the number of calls observed before the ratio counts.
	MinRequests int
	// FailureRatio trips the breaker once reached.
	FailureRatio float64
	// OpenFor is how long calls are refused before one trial is let through.
	OpenFor time.Duration
	// Window resets the closed-state counters periodically; zero uses one minute.
	Window time.Duration
}

// Breaker guards one upstream dependency: the POS catalog, the payment
// processor or the order endpoint.
type Breaker struct {
	cb     *gobreaker.TwoStepCircuitBreaker[struct{}]
	target string
	logger zerolog.Logger
}

// NewBreaker builds a breaker for target. Transitions are logged and exported
// as metrics under the target label.
func NewBreaker(target string, cfg BreakerConfig, logger zerolog.Logger) *Breaker {
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = 1
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.5
	}
	if cfg.FailureRatio > 1 {
		cfg.FailureRatio = 1
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	target = strings.TrimSpace(target)
	if target == "" {
		target = "default"
	}
	b := &Breaker{target: target, logger: logger}
	minRequests := uint32(cfg.MinRequests)
	b.cb = gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        target,
		MaxRequests: 1,
		Interval:    cfg.Window,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			counted := c.Requests - min(c.TotalExclusions, c.Requests)
			return counted > 0 && counted >= minRequests && float64(c.TotalFailures)/float64(counted) >= cfg.FailureRatio
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: b.onStateChange,
	})
	if BreakerState != nil {
		BreakerState.WithLabelValues(target).Set(stateGaugeValue(Closed))
	}
	return b
}

// Allow asks to send one request. The returned done must be called with the
// request's error, nil on success. A caller that gave up (context.Canceled)
// is not counted. An open breaker, or a half-open one whose trial is in
// flight, refuses with ErrOpenCircuit.
func (b *Breaker) Allow() (done func(err error), err error) {
	done, err = b.cb.Allow()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpenCircuit, b.target, err)
	}
	return done, nil
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	return b.cb.State()
}

// Target returns the telemetry label of the guarded dependency.
func (b *Breaker) Target() string {
	return b.target
}

func (b *Breaker) onStateChange(_ string, from, to gobreaker.State) {
	if BreakerState != nil {
		BreakerState.WithLabelValues(b.target).Set(stateGaugeValue(to))
	}
	if BreakerTransitions != nil {
		BreakerTransitions.WithLabelValues(b.target, from.String(), to.String()).Inc()
	}
	if to == Open && BreakerOpenedTotal != nil {
		BreakerOpenedTotal.WithLabelValues(b.target).Inc()
	}
	b.logger.Info().Str("target", b.target).Str("from_state", from.String()).Str("to_state", to.String()).Msg("breaker_transition")
}

func stateGaugeValue(state State) float64 {
	switch state {
	case Closed:
		return 0
	case Open:
		return 1
	case HalfOpen:
		return 2
	default:
		return -1
	}
}

func traceIDFromContext(ctx context.Context) string {
	span := trace.SpanContextFromContext(ctx)
	if span.IsValid() {
		return span.TraceID().String()
	}
	return ""
}
