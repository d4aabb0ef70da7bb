package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/sogan/sogan-api/internal/pkg/response"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	DiamondBalanceHeader = "X-Diamond-Balance"

	DiamondBalanceKey contextKey = "diamond_balance"
)

// DiamondConsumer charges a user for one gated action and returns the
// authoritative balance afterwards.
type DiamondConsumer interface {
	ChargeAction(ctx context.Context, userID, action, idempotencyKey string) (balance int, err error)
}

// ErrorWriter renders a failed charge.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// RequireDiamonds charges action before next runs. The charge is keyed by the
// Idempotency-Key header so a retried request is not billed twice. Without the
// header every request is a new attempt.
func RequireDiamonds(consumer DiamondConsumer, action string, writeErr ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if consumer == nil {
				next.ServeHTTP(w, r)
				return
			}

			userID := GetUserID(r.Context())
			if userID == uuid.Nil {
				response.Unauthorized(w, "unauthorized")
				return
			}

			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				key = uuid.NewString()
			}

			balance, err := consumer.ChargeAction(r.Context(), userID.String(), action, key)
			if err != nil {
				if writeErr != nil {
					writeErr(w, r, err)
				} else {
					response.InternalError(w)
				}
				return
			}

			w.Header().Set(DiamondBalanceHeader, strconv.Itoa(balance))
			ctx := context.WithValue(r.Context(), DiamondBalanceKey, balance)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetDiamondBalance returns the balance left after the gate's charge.
func GetDiamondBalance(ctx context.Context) (int, bool) {
	balance, ok := ctx.Value(DiamondBalanceKey).(int)
	return balance, ok
}
