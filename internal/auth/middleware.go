package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ongoingai/agentconsole/internal/pathutil"
)

type AuditRecorder func(r *http.Request, event AuditEvent)

type AuditEvent struct {
	Action     string
	Outcome    string
	Reason     string
	StatusCode int
	Path       string
	Method     Method
}

type MiddlewareOptions struct {
	APIPrefix     string
	PublicPaths   []string
	AuditRecorder AuditRecorder
}

// DefaultPublicPaths are reachable without credentials, relative to the API prefix.
var DefaultPublicPaths = []string{"/health", "/auth/login"}

// Middleware resolves credentials for API requests and stores them in the
// request context. Requests outside the API prefix, preflights and public
// paths pass through untouched.
func Middleware(resolver *Resolver, options MiddlewareOptions, next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	apiPrefix := pathutil.NormalizePrefix(options.APIPrefix)
	if apiPrefix == "/" {
		apiPrefix = "/api"
	}
	publicPaths := options.PublicPaths
	if publicPaths == nil {
		publicPaths = DefaultPublicPaths
	}
	public := make(map[string]struct{}, len(publicPaths))
	for _, path := range publicPaths {
		public[pathutil.Join(apiPrefix, path)] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !pathutil.HasPathPrefix(r.URL.Path, apiPrefix) || strings.EqualFold(r.Method, http.MethodOptions) {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := public[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		creds, err := resolver.Resolve(r)
		if err != nil {
			reason := "missing_credentials"
			if errors.Is(err, ErrInvalidSession) {
				reason = "invalid_session"
			}
			if options.AuditRecorder != nil {
				options.AuditRecorder(r, AuditEvent{
					Action:     "console_auth",
					Outcome:    "deny",
					Reason:     reason,
					StatusCode: http.StatusUnauthorized,
					Path:       r.URL.Path,
				})
			}
			writeAuthError(w, http.StatusUnauthorized, "missing or invalid credentials")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithCredentials(r.Context(), creds)))
	})
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
