package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/ongoingai/agentconsole/internal/auth"
	"github.com/ongoingai/agentconsole/internal/backend"
	"github.com/ongoingai/agentconsole/internal/correlation"
	"github.com/ongoingai/agentconsole/internal/pathutil"
	"github.com/ongoingai/agentconsole/internal/signing"
)

const defaultMaxBodySize = 1 << 20

// Route maps a console path prefix to a backend path.
type Route struct {
	Prefix       string
	UpstreamPath string
}

type Options struct {
	Signer *signing.Signer
	// MaxBodySize bounds the request body read for signing. Larger bodies get 413.
	MaxBodySize int
	Transport   http.RoundTripper
	// OnError sees upstream failures with the console path they arrived on.
	// Client aborts report status 0.
	OnError func(path string, status int, err error)
}

// Router matches request paths against routes on segment boundaries.
type Router struct {
	routes []Route
}

func NewRouter(routes []Route) *Router {
	normalized := make([]Route, 0, len(routes))
	for _, route := range routes {
		normalized = append(normalized, Route{
			Prefix:       pathutil.NormalizePrefix(route.Prefix),
			UpstreamPath: pathutil.NormalizePrefix(route.UpstreamPath),
		})
	}
	return &Router{routes: normalized}
}

func (r *Router) Match(path string) (Route, bool) {
	for _, route := range r.routes {
		if pathutil.HasPathPrefix(path, route.Prefix) {
			return route, true
		}
	}
	return Route{}, false
}

// Rewrite returns the backend path for a console path under route.
func (route Route) Rewrite(path string) string {
	rest := strings.TrimPrefix(path, route.Prefix)
	return pathutil.Join(route.UpstreamPath, rest)
}

// NewHandler forwards matching requests to the backend with the caller's
// bearer token and a request signature. Unmatched requests go to next.
func NewHandler(backendURL string, routes []Route, options Options, logger *slog.Logger, next http.Handler) (http.Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if next == nil {
		next = http.NotFoundHandler()
	}
	if options.Signer == nil {
		return nil, errors.New("proxy requires a request signer")
	}
	if options.MaxBodySize <= 0 {
		options.MaxBodySize = defaultMaxBodySize
	}
	target, err := url.Parse(strings.TrimSpace(backendURL))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q", backendURL)
	}

	router := NewRouter(routes)
	reverse := newReverseProxy(target, router, options, logger)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := router.Match(r.URL.Path); !ok {
			next.ServeHTTP(w, r)
			return
		}

		creds, ok := auth.CredentialsFromContext(r.Context())
		if !ok {
			token := auth.BearerToken(r.Header.Get("Authorization"))
			creds = auth.Credentials{Token: token}
			if !creds.Valid() {
				writeError(w, http.StatusUnauthorized, "missing or invalid credentials")
				return
			}
		}

		body, err := readBounded(r.Body, options.MaxBodySize)
		if errors.Is(err, errBodyTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		signature, err := options.Signer.SignRequest(body, creds.Token)
		if err != nil {
			logger.ErrorContext(r.Context(), "sign proxied request failed", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to sign request")
			return
		}

		out := r.Clone(context.WithValue(r.Context(), inboundPathKey{}, r.URL.Path))
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))
		out.Header.Set("Content-Length", strconv.Itoa(len(body)))
		out.Header.Set("Authorization", creds.AuthorizationHeader())
		out.Header.Set(options.Signer.Header(), signature)
		reverse.ServeHTTP(w, out)
	}), nil
}

func newReverseProxy(target *url.URL, router *Router, options Options, logger *slog.Logger) *httputil.ReverseProxy {
	reverse := &httputil.ReverseProxy{
		Transport: options.Transport,
		// Flush every write so data: lines reach the browser as they arrive.
		FlushInterval: -1,
	}
	reverse.Director = func(req *http.Request) {
		route, _ := router.Match(req.URL.Path)
		req.URL.Scheme = target.Scheme
		req.URL.Host = target.Host
		req.URL.Path = pathutil.Join(target.Path, route.Rewrite(req.URL.Path))
		req.URL.RawPath = ""
		req.Host = target.Host

		req.Header.Del("Cookie")
		if id, ok := correlation.FromContext(req.Context()); ok {
			req.Header.Set(correlation.HeaderName, id)
		}
	}
	reverse.ModifyResponse = func(resp *http.Response) error {
		resp.Header.Del("Set-Cookie")
		if IsSSE(resp.Header) {
			resp.Header.Set("Cache-Control", "no-cache")
			resp.Header.Set("X-Accel-Buffering", "no")
		}
		if resp.StatusCode < http.StatusBadRequest {
			return nil
		}

		upstream := &backend.StatusError{StatusCode: resp.StatusCode}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()

		status := resp.StatusCode
		if status != http.StatusUnauthorized && status != http.StatusForbidden {
			status = http.StatusBadGateway
		}
		if options.OnError != nil {
			options.OnError(inboundPath(resp.Request), resp.StatusCode, upstream)
		}
		payload, _ := json.Marshal(map[string]string{"error": backend.UserMessage(upstream)})
		payload = append(payload, '\n')

		resp.StatusCode = status
		resp.Status = fmt.Sprintf("%d %s", status, http.StatusText(status))
		resp.Body = io.NopCloser(bytes.NewReader(payload))
		resp.ContentLength = int64(len(payload))
		resp.Header = http.Header{
			"Content-Type":   []string{"application/json"},
			"Content-Length": []string{strconv.Itoa(len(payload))},
		}
		return nil
	}
	reverse.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		if backend.IsAbort(err) || req.Context().Err() != nil {
			logger.DebugContext(req.Context(), "proxied request aborted by client", "path", req.URL.Path)
			if options.OnError != nil {
				options.OnError(inboundPath(req), 0, err)
			}
			return
		}
		logger.ErrorContext(req.Context(), "proxy request failed", "path", req.URL.Path, "error", err)
		if options.OnError != nil {
			options.OnError(inboundPath(req), http.StatusBadGateway, err)
		}
		writeError(w, http.StatusBadGateway, backend.MessageGeneric)
	}
	return reverse
}

type inboundPathKey struct{}

func inboundPath(req *http.Request) string {
	if path, ok := req.Context().Value(inboundPathKey{}).(string); ok {
		return path
	}
	return req.URL.Path
}

func IsSSE(headers http.Header) bool {
	return strings.Contains(strings.ToLower(headers.Get("Content-Type")), "text/event-stream")
}

var errBodyTooLarge = errors.New("request body too large")

func readBounded(body io.ReadCloser, maxBodySize int) ([]byte, error) {
	if body == nil || body == http.NoBody {
		return nil, nil
	}
	defer body.Close()
	data, err := io.ReadAll(&io.LimitedReader{R: body, N: int64(maxBodySize) + 1})
	if err != nil {
		return nil, err
	}
	if len(data) > maxBodySize {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
