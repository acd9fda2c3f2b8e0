package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
)

// StatusError reports an upstream response that exhausted every attempt with a
// retryable status code (429 or 5xx). The body is kept so callers can surface
// the upstream error document.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("resilience: upstream responded %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// HTTPClient wraps an http.Client with retry, timeout and circuit-breaker logic.
// Requests with non-idempotent methods are attempted once unless RetryUnsafe is
// set, which callers do when the payload carries its own idempotency key.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	Target      string
	Logger      zerolog.Logger
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
	Jitter      bool
	Timeout     time.Duration
	RetryUnsafe bool
	Fallback    func(context.Context, *http.Request, error) (*http.Response, error)
}

// Do executes the request applying retry semantics. The request body is
// buffered so it can be replayed. A nil Breaker disables circuit breaking; an
// open one yields ErrOpenCircuit unless a fallback is configured. Responses
// below 500 (except 429) are returned untouched and the caller owns the body.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	breaker := cl.Breaker
	target := cl.Target
	if target == "" && breaker != nil {
		target = breaker.Target()
	}
	if target == "" {
		target = "default"
	}
	maxAttempts := cl.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if !cl.RetryUnsafe && !idempotentMethod(req.Method) {
		maxAttempts = 1
	}
	retry := backoff.Backoff{Min: cl.BaseBackoff, Max: cl.MaxBackoff, Factor: 2, Jitter: cl.Jitter}
	if retry.Min <= 0 {
		retry.Min = 100 * time.Millisecond
	}
	if retry.Max <= 0 {
		retry.Max = 5 * time.Second
	}

	body, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var done func(error)
		if breaker != nil {
			if done, err = breaker.Allow(); err != nil {
				UpstreamAttempts.WithLabelValues(target, "rejected").Inc()
				lastErr = err
				break
			}
		}
		resp, err := cl.doOnce(ctx, cloneRequest(ctx, req, body))
		switch {
		case err != nil:
			lastErr = err
		case retryableStatus(resp.StatusCode):
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			_ = resp.Body.Close()
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: data}
		default:
			if done != nil {
				done(nil)
			}
			UpstreamAttempts.WithLabelValues(target, "ok").Inc()
			return resp, nil
		}
		if done != nil {
			done(lastErr)
		}
		UpstreamAttempts.WithLabelValues(target, "error").Inc()
		evt := cl.Logger.Warn().Err(lastErr).Str("target", target).Int("attempt", attempt).Int("max_attempts", maxAttempts)
		if traceID := traceIDFromContext(ctx); traceID != "" {
			evt = evt.Str("trace_id", traceID)
		}
		evt.Msg("upstream request failed")
		if attempt == maxAttempts || ctx.Err() != nil {
			break
		}
		timer := time.NewTimer(retry.ForAttempt(float64(attempt - 1)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if cl.Fallback != nil {
		return cl.Fallback(ctx, req, lastErr)
	}
	return nil, lastErr
}

func (cl HTTPClient) doOnce(ctx context.Context, req *http.Request) (*http.Response, error) {
	timeout := cl.Timeout
	if timeout <= 0 {
		return cl.Client.Do(req)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	resp, err := cl.Client.Do(req.WithContext(callCtx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose keeps the per-attempt timeout alive until the caller finished
// reading the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func idempotentMethod(method string) bool {
	switch method {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func replayableBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	_ = req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return data, nil
}

func cloneRequest(ctx context.Context, req *http.Request, body []byte) *http.Request {
	clone := req.Clone(ctx)
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	return clone
}
