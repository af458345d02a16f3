package api

import (
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/ongoingai/agentconsole/internal/auth"
	"github.com/ongoingai/agentconsole/internal/backend"
)

func SettingsHandler(client *backend.Client, errs *errorWriter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet, http.MethodPut) {
			return
		}
		creds, _ := auth.CredentialsFromContext(r.Context())

		if r.Method == http.MethodPut {
			var settings backend.Settings
			if !decodeBody(w, r, &settings) {
				return
			}
			if settings == nil {
				writeError(w, http.StatusBadRequest, "settings must be a JSON object")
				return
			}
			updated, err := client.UpdateSettings(r.Context(), creds, settings)
			if err != nil {
				errs.write(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, updated)
			return
		}

		settings, err := client.GetSettings(r.Context(), creds)
		if err != nil {
			errs.write(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	})
}

type bootstrapResponse struct {
	Settings      backend.Settings          `json:"settings"`
	Conversations *backend.ConversationPage `json:"conversations"`
}

// BootstrapHandler loads what the console needs on first paint. Settings and
// the conversation list are fetched concurrently; the first failure cancels
// the other call.
func BootstrapHandler(client *backend.Client, errs *errorWriter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		options, err := parseListOptions(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		creds, _ := auth.CredentialsFromContext(r.Context())

		var out bootstrapResponse
		group, ctx := errgroup.WithContext(r.Context())
		group.Go(func() error {
			settings, err := client.GetSettings(ctx, creds)
			out.Settings = settings
			return err
		})
		group.Go(func() error {
			page, err := client.ListConversations(ctx, creds, options)
			out.Conversations = page
			return err
		})
		if err := group.Wait(); err != nil {
			errs.write(w, r, err)
			return
		}
		if out.Settings == nil {
			out.Settings = backend.Settings{}
		}
		writeJSON(w, http.StatusOK, out)
	})
}
