package security

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/noah-isme/backend-resto/internal/common"
)

// BodyLimit caps request payloads. Cart and checkout payloads are small, so
// the body is buffered up front: oversized requests are answered with a 413
// envelope before the idempotency guard or a handler reads anything.
type BodyLimit struct {
	Max int64
}

// Middleware applies the limit; a non-positive Max disables it.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	if b.Max <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > b.Max {
			b.reject(w)
			return
		}
		buf, err := io.ReadAll(http.MaxBytesReader(w, r.Body, b.Max))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				b.reject(w)
				return
			}
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "could not read request body", nil)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(buf))
		r.ContentLength = int64(len(buf))
		next.ServeHTTP(w, r)
	})
}

func (b BodyLimit) reject(w http.ResponseWriter) {
	common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large", map[string]int64{"maxBytes": b.Max})
}
