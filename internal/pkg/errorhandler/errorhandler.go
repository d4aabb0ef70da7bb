package errorhandler

import (
	"context"
	"net/http"

	"github.com/sogan/sogan-api/internal/pkg/logger"
	"github.com/sogan/sogan-api/internal/pkg/response"
)

// HandleError logs err with the request logger and sends status with a
// client-safe message. err itself never reaches the response body.
func HandleError(ctx context.Context, w http.ResponseWriter, status int, code, message string, err error) {
	HandleErrorWithDetails(ctx, w, status, code, message, nil, err)
}

// HandleErrorWithDetails is HandleError with a details map in the response.
func HandleErrorWithDetails(ctx context.Context, w http.ResponseWriter, status int, code, message string, details map[string]string, err error) {
	log := logger.FromContext(ctx)
	event := log.Warn()
	if status >= http.StatusInternalServerError {
		event = log.Error()
	}

	event = event.
		Str("error_code", code).
		Int("status_code", status)
	if err != nil {
		event = event.Err(err)
	}
	if details != nil {
		event = event.Interface("error_details", details)
	}
	event.Msg("Request error")

	response.ErrorWithDetails(w, status, code, message, details)
}

// HandleInternal logs err and sends the generic 500 body.
func HandleInternal(ctx context.Context, w http.ResponseWriter, err error) {
	logger.LogError(ctx, err, "Internal error")
	response.InternalError(w)
}

// HandleUnavailable logs err and sends a retryable 503.
func HandleUnavailable(ctx context.Context, w http.ResponseWriter, err error) {
	logger.LogError(ctx, err, "Storage unavailable")
	response.Unavailable(w)
}

// LogValidationError logs validation errors with details
func LogValidationError(ctx context.Context, fieldErrors map[string]string) {
	logger.LogWarn(ctx, "Validation error", "validation_errors", fieldErrors)
}
