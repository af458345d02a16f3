package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/agentconsole/internal/auth"
	"github.com/ongoingai/agentconsole/internal/backend"
	"github.com/ongoingai/agentconsole/internal/limits"
	"github.com/ongoingai/agentconsole/internal/observability"
	"github.com/ongoingai/agentconsole/internal/proxy"
	"github.com/ongoingai/agentconsole/internal/signing"
	"github.com/ongoingai/agentconsole/internal/tracecache"
)

const APIPrefix = "/api"

type RouterOptions struct {
	AppVersion string
	Client     *backend.Client
	// BackendURL, Signer, BodyMaxSize and Transport configure the streaming
	// and telemetry pass-through routes.
	BackendURL  string
	Signer      *signing.Signer
	BodyMaxSize int
	Transport   http.RoundTripper

	Sessions       *auth.Sessions
	Resolver       *auth.Resolver
	Cookie         CookieOptions
	AuditRecorder  auth.AuditRecorder
	Cache          *tracecache.Cache
	CacheDriver    string
	Limiter        *limits.ChatLimiter
	Telemetry      *observability.Runtime
	Logger         *slog.Logger
	AllowedOrigins []string
}

// PublicPaths are reachable without credentials, relative to APIPrefix.
var PublicPaths = []string{"/health", "/auth/login", "/auth/logout"}

// NewRouter returns the console API: JSON routes, pass-through routes,
// credential resolution and CORS.
func NewRouter(options RouterOptions) (http.Handler, error) {
	if options.Client == nil {
		return nil, errors.New("api router requires a backend client")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	errs := &errorWriter{logger: logger, telemetry: options.Telemetry}

	passThrough, err := proxy.NewHandler(options.BackendURL, []proxy.Route{
		{Prefix: "/api/chat/stream", UpstreamPath: backend.PathChatStream},
		{Prefix: "/api/telemetry", UpstreamPath: backend.PathTelemetry},
	}, proxy.Options{
		Signer:      options.Signer,
		MaxBodySize: options.BodyMaxSize,
		Transport:   options.Transport,
		OnError:     errs.recordPassThrough,
	}, logger, nil)
	if err != nil {
		return nil, err
	}

	client := options.Client
	startedAt := time.Now().UTC()
	mux := http.NewServeMux()

	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:     options.AppVersion,
		StartedAt:   startedAt,
		CacheDriver: options.CacheDriver,
	}))
	mux.Handle("/api/auth/login", LoginHandler(client, options.Sessions, options.Cookie, errs))
	mux.Handle("/api/auth/logout", LogoutHandler(options.Cookie))
	mux.Handle("/api/auth/session", SessionHandler())
	mux.Handle("/api/chat", limits.Middleware(options.Limiter, ChatHandler(client, errs)))
	mux.Handle("/api/chat/stream", limits.Middleware(options.Limiter, requirePost(passThrough)))
	mux.Handle("/api/telemetry", requirePost(passThrough))
	mux.Handle("/api/conversations", ConversationsHandler(client, errs))
	mux.Handle("/api/conversations/", ConversationDetailHandler(client, errs))
	mux.Handle("/api/settings", SettingsHandler(client, errs))
	mux.Handle("/api/bootstrap", BootstrapHandler(client, errs))
	mux.Handle("/api/traces/", TraceHandler(client, options.Cache, options.Telemetry, tracecache.KindTrace, errs))
	mux.Handle("/api/runs/", TraceHandler(client, options.Cache, options.Telemetry, tracecache.KindRun, errs))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "agentconsole",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	var handler http.Handler = mux
	handler = options.Telemetry.SpanEnrichmentMiddleware(handler)
	handler = auth.Middleware(options.Resolver, auth.MiddlewareOptions{
		APIPrefix:     APIPrefix,
		PublicPaths:   PublicPaths,
		AuditRecorder: options.AuditRecorder,
	}, handler)
	return withCORS(handler, options.AllowedOrigins, options.Signer.Header()), nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, method := range methods {
		if r.Method == method {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", ")+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func requirePost(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// decodeBody reads a bounded JSON request body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// withCORS answers preflights. A "*" entry allows any origin without
// credentials; listed origins are echoed back with credentials allowed.
func withCORS(next http.Handler, allowedOrigins []string, signatureHeader string) http.Handler {
	allowAny := false
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			allowAny = true
			continue
		}
		if origin != "" {
			allowed[origin] = struct{}{}
		}
	}
	allowedHeaders := strings.Join([]string{"Content-Type", "Authorization", "X-Correlation-ID", signatureHeader}, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if _, ok := allowed[origin]; ok && origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		} else if allowAny {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
		w.Header().Set("Access-Control-Expose-Headers", "X-Correlation-ID, Retry-After")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
