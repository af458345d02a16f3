package api

import (
	"net/http"
	"strings"

	"github.com/ongoingai/agentconsole/internal/auth"
	"github.com/ongoingai/agentconsole/internal/backend"
)

// ChatHandler sends one message and waits for the whole reply. Streaming
// replies go through the /api/chat/stream pass-through instead.
func ChatHandler(client *backend.Client, errs *errorWriter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		var request backend.ChatRequest
		if !decodeBody(w, r, &request) {
			return
		}
		if strings.TrimSpace(request.Message) == "" {
			writeError(w, http.StatusBadRequest, "message is required")
			return
		}

		creds, _ := auth.CredentialsFromContext(r.Context())
		reply, err := client.SendMessage(r.Context(), creds, request)
		if err != nil {
			errs.write(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, reply)
	})
}
