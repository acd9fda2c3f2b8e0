package common

import "context"

type ctxKey string

const sessionIDKey ctxKey = "session/id"

// WithSessionID stores the guest session identifier on the provided context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionID extracts the guest session identifier from the context if present.
func SessionID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
