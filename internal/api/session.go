package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/agentconsole/internal/auth"
	"github.com/ongoingai/agentconsole/internal/backend"
)

type CookieOptions struct {
	Name   string
	Secure bool
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string      `json:"access_token"`
	Method      auth.Method `json:"method"`
	Subject     string      `json:"subject,omitempty"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

type sessionResponse struct {
	Authenticated bool        `json:"authenticated"`
	Method        auth.Method `json:"method"`
	Subject       string      `json:"subject,omitempty"`
}

// LoginHandler exchanges username and password with the backend and sets the
// session cookie wrapping the returned token.
func LoginHandler(client *backend.Client, sessions *auth.Sessions, cookie CookieOptions, errs *errorWriter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if sessions == nil {
			writeError(w, http.StatusServiceUnavailable, "sessions are not configured")
			return
		}
		var request loginRequest
		if !decodeBody(w, r, &request) {
			return
		}
		request.Username = strings.TrimSpace(request.Username)
		if request.Username == "" || request.Password == "" {
			writeError(w, http.StatusBadRequest, "username and password are required")
			return
		}

		creds, err := client.Login(r.Context(), request.Username, request.Password)
		if err != nil {
			if backend.StatusCode(err) == http.StatusUnauthorized {
				writeError(w, http.StatusUnauthorized, "invalid username or password")
				return
			}
			errs.write(w, r, err)
			return
		}
		token, err := sessions.Issue(creds)
		if err != nil {
			errs.logger.ErrorContext(r.Context(), "issue session failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to start session")
			return
		}

		expiresAt := time.Now().Add(sessions.TTL()).UTC()
		http.SetCookie(w, &http.Cookie{
			Name:     cookie.Name,
			Value:    token,
			Path:     "/",
			Expires:  expiresAt,
			MaxAge:   int(sessions.TTL().Seconds()),
			HttpOnly: true,
			Secure:   cookie.Secure,
			SameSite: http.SameSiteLaxMode,
		})
		writeJSON(w, http.StatusOK, loginResponse{
			AccessToken: creds.Token,
			Method:      creds.Method,
			Subject:     creds.Subject,
			ExpiresAt:   expiresAt,
		})
	})
}

// LogoutHandler clears the session cookie. Provider cookies belong to their
// sign-in flows and are left alone.
func LogoutHandler(cookie CookieOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     cookie.Name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   cookie.Secure,
			SameSite: http.SameSiteLaxMode,
		})
		w.WriteHeader(http.StatusNoContent)
	})
}

func SessionHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		creds, ok := auth.CredentialsFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or invalid credentials")
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse{
			Authenticated: true,
			Method:        creds.Method,
			Subject:       creds.Subject,
		})
	})
}
