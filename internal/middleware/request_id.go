package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/sogan/sogan-api/internal/pkg/logger"
)

const (
	RequestIDHeader              = "X-Request-ID"
	RequestIDKey      contextKey = "request_id"
	maxRequestIDBytes            = 128
)

// RequestID assigns every request an id, echoes it in the response and
// attaches a logger carrying it to the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" || len(requestID) > maxRequestIDBytes {
			requestID = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, requestID)

		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		ctx = logger.WithRequestID(ctx, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the id assigned by RequestID, if any.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
