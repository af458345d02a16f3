package proxy

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ongoingai/agentconsole/internal/correlation"
	"github.com/ongoingai/agentconsole/internal/observability"
)

// LoggingMiddleware assigns a correlation id, echoes it on the response and
// logs one line per request. Requests the client abandoned log at debug.
func LoggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if next == nil {
		next = http.NotFoundHandler()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var correlationID string
		r, correlationID = correlation.EnsureRequest(r)
		if correlationID != "" {
			w.Header().Set(correlation.HeaderName, correlationID)
		}

		start := time.Now()
		recorder := observability.NewStatusRecorder(w)
		next.ServeHTTP(recorder, r)

		attrs := []any{
			"correlation_id", correlationID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.StatusCode(),
			"bytes", recorder.BytesWritten(),
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if r.Context().Err() != nil {
			logger.DebugContext(r.Context(), "request aborted", attrs...)
			return
		}
		logger.InfoContext(r.Context(), "request complete", attrs...)
	})
}
