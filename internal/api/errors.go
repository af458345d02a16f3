package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ongoingai/agentconsole/internal/auth"
	"github.com/ongoingai/agentconsole/internal/backend"
	"github.com/ongoingai/agentconsole/internal/observability"
	"github.com/ongoingai/agentconsole/internal/pathutil"
	"github.com/ongoingai/agentconsole/internal/runtree"
)

// errorWriter turns backend failures into the JSON error envelope.
type errorWriter struct {
	logger    *slog.Logger
	telemetry *observability.Runtime
}

// write maps err onto a response. Upstream 401 and 403 keep their status
// with user-facing copy; any other upstream failure becomes 502. A request
// the client abandoned gets no body.
func (e *errorWriter) write(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case backend.IsAbort(err) || ctx.Err() != nil:
		e.logger.DebugContext(ctx, "request aborted by client", "path", r.URL.Path)
		if pathutil.HasPathPrefix(r.URL.Path, "/api/chat") {
			e.telemetry.RecordChatAbort(r.URL.Path)
		}
	case errors.Is(err, auth.ErrMissingCredentials):
		writeError(w, http.StatusUnauthorized, "missing or invalid credentials")
	case errors.Is(err, backend.ErrEmptyID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, runtree.ErrEmptyPayload):
		writeError(w, http.StatusNotFound, "no runs recorded")
	default:
		status := backend.StatusCode(err)
		e.telemetry.RecordBackendError(r.URL.Path, status)
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			e.logger.InfoContext(ctx, "backend rejected credentials", "path", r.URL.Path, "status", status)
			writeError(w, status, backend.UserMessage(err))
			return
		}
		e.logger.ErrorContext(ctx, "backend request failed", "path", r.URL.Path, "upstream_status", status, "error", err)
		writeError(w, http.StatusBadGateway, backend.MessageGeneric)
	}
}

func (e *errorWriter) recordPassThrough(path string, status int, _ error) {
	if status == 0 {
		if pathutil.HasPathPrefix(path, "/api/chat") {
			e.telemetry.RecordChatAbort(path)
		}
		return
	}
	e.telemetry.RecordBackendError(path, status)
}
