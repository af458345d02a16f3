package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ongoingai/agentconsole/internal/auth"
	"github.com/ongoingai/agentconsole/internal/backend"
	"github.com/ongoingai/agentconsole/internal/correlation"
	"github.com/ongoingai/agentconsole/internal/signing"
)

const testSecret = "proxy-test-secret"

func testSigner(t *testing.T) *signing.Signer {
	t.Helper()
	signer, err := signing.NewSigner(testSecret, "")
	if err != nil {
		t.Fatalf("NewSigner() error: %v", err)
	}
	return signer
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type upstreamRequest struct {
	path          string
	query         string
	body          string
	authorization string
	cookie        string
	correlationID string
}

func newSignedUpstream(t *testing.T, handler http.HandlerFunc) (*httptest.Server, func() upstreamRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		last upstreamRequest
	)
	record := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		mu.Lock()
		last = upstreamRequest{
			path:          r.URL.Path,
			query:         r.URL.RawQuery,
			body:          string(body),
			authorization: r.Header.Get("Authorization"),
			cookie:        r.Header.Get("Cookie"),
			correlationID: r.Header.Get(correlation.HeaderName),
		}
		mu.Unlock()
		handler(w, r)
	})
	server := httptest.NewServer(signing.Middleware(testSigner(t), signing.MiddlewareOptions{}, record))
	t.Cleanup(server.Close)
	return server, func() upstreamRequest {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func withCreds(r *http.Request, token string) *http.Request {
	return r.WithContext(auth.WithCredentials(r.Context(), auth.Credentials{Token: token, Method: auth.MethodCredentials}))
}

func TestRouterMatchPathBoundaries(t *testing.T) {
	t.Parallel()

	router := NewRouter([]Route{
		{Prefix: "/api/chat/stream", UpstreamPath: "/chat/stream"},
		{Prefix: "/api/telemetry", UpstreamPath: "/telemetry/query"},
	})
	tests := []struct {
		path      string
		wantMatch bool
		wantPath  string
	}{
		{path: "/api/chat/stream", wantMatch: true, wantPath: "/chat/stream"},
		{path: "/api/telemetry", wantMatch: true, wantPath: "/telemetry/query"},
		{path: "/api/telemetry/latency", wantMatch: true, wantPath: "/telemetry/query/latency"},
		{path: "/api/telemetryish", wantMatch: false},
		{path: "/api/chat", wantMatch: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			route, ok := router.Match(tt.path)
			if ok != tt.wantMatch {
				t.Fatalf("path %q match=%t, want %t", tt.path, ok, tt.wantMatch)
			}
			if ok && route.Rewrite(tt.path) != tt.wantPath {
				t.Fatalf("Rewrite(%q)=%q, want %q", tt.path, route.Rewrite(tt.path), tt.wantPath)
			}
		})
	}
}

func TestHandlerSignsAndForwards(t *testing.T) {
	t.Parallel()

	upstream, last := newSignedUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Set-Cookie", "backend=1")
		_, _ = w.Write([]byte(`{"rows":[]}`))
	})

	handler, err := NewHandler(upstream.URL+"/v1", []Route{{Prefix: "/api/telemetry", UpstreamPath: "/telemetry/query"}},
		Options{Signer: testSigner(t)}, discardLogger(), nil)
	if err != nil {
		t.Fatalf("NewHandler() error: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/telemetry?window=1h", strings.NewReader(`{"metric":"latency"}`))
	req.AddCookie(&http.Cookie{Name: "agentconsole_session", Value: "secret-session"})
	req = withCreds(req, "backend-token-123")
	req = req.WithContext(correlation.WithContext(req.Context(), "corr-7"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200 (body=%s)", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Set-Cookie") != "" {
		t.Fatalf("backend Set-Cookie leaked to the client")
	}
	got := last()
	if got.path != "/v1/telemetry/query" || got.query != "window=1h" {
		t.Fatalf("upstream path=%q query=%q", got.path, got.query)
	}
	if got.body != `{"metric":"latency"}` {
		t.Fatalf("upstream body=%q", got.body)
	}
	if got.authorization != "Bearer backend-token-123" {
		t.Fatalf("authorization=%q", got.authorization)
	}
	if got.cookie != "" {
		t.Fatalf("cookie forwarded: %q", got.cookie)
	}
	if got.correlationID != "corr-7" {
		t.Fatalf("correlation id=%q, want corr-7", got.correlationID)
	}
}

func TestHandlerFallsBackToBearerHeader(t *testing.T) {
	t.Parallel()

	upstream, last := newSignedUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler, err := NewHandler(upstream.URL, []Route{{Prefix: "/api/telemetry", UpstreamPath: "/telemetry/query"}},
		Options{Signer: testSigner(t)}, discardLogger(), nil)
	if err != nil {
		t.Fatalf("NewHandler() error: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/telemetry", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "bearer header-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status=%d, want 204 (body=%s)", rec.Code, rec.Body.String())
	}
	if got := last().authorization; got != "Bearer header-token" {
		t.Fatalf("authorization=%q", got)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/telemetry", strings.NewReader(`{}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status=%d, want 401", rec.Code)
	}
}

func TestHandlerPassesUnmatchedToNext(t *testing.T) {
	t.Parallel()

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler, err := NewHandler("http://backend.invalid", []Route{{Prefix: "/api/chat/stream", UpstreamPath: "/chat/stream"}},
		Options{Signer: testSigner(t)}, discardLogger(), next)
	if err != nil {
		t.Fatalf("NewHandler() error: %v", err)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status=%d, want 418", rec.Code)
	}
}

func TestHandlerRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	handler, err := NewHandler("http://backend.invalid", []Route{{Prefix: "/api/telemetry", UpstreamPath: "/telemetry/query"}},
		Options{Signer: testSigner(t), MaxBodySize: 8}, discardLogger(), nil)
	if err != nil {
		t.Fatalf("NewHandler() error: %v", err)
	}
	req := withCreds(httptest.NewRequest(http.MethodPost, "/api/telemetry", strings.NewReader(`{"too":"large"}`)), "tok-123456")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status=%d, want 413", rec.Code)
	}
}

func TestHandlerMapsUpstreamErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		upstream    int
		wantStatus  int
		wantMessage string
	}{
		{name: "unauthorized", upstream: http.StatusUnauthorized, wantStatus: http.StatusUnauthorized, wantMessage: backend.MessageSessionExpired},
		{name: "forbidden", upstream: http.StatusForbidden, wantStatus: http.StatusForbidden, wantMessage: backend.MessageForbidden},
		{name: "server error", upstream: http.StatusInternalServerError, wantStatus: http.StatusBadGateway, wantMessage: backend.MessageGeneric},
		{name: "not found", upstream: http.StatusNotFound, wantStatus: http.StatusBadGateway, wantMessage: backend.MessageGeneric},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			upstream, _ := newSignedUpstream(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "internal detail that must not leak", tt.upstream)
			})
			var (
				mu       sync.Mutex
				reported []int
				paths    []string
			)
			handler, err := NewHandler(upstream.URL, []Route{{Prefix: "/api/telemetry", UpstreamPath: "/telemetry/query"}},
				Options{Signer: testSigner(t), OnError: func(path string, status int, _ error) {
					mu.Lock()
					defer mu.Unlock()
					reported = append(reported, status)
					paths = append(paths, path)
				}}, discardLogger(), nil)
			if err != nil {
				t.Fatalf("NewHandler() error: %v", err)
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, withCreds(httptest.NewRequest(http.MethodPost, "/api/telemetry", strings.NewReader(`{}`)), "tok-123456"))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status=%d, want %d", rec.Code, tt.wantStatus)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body %q: %v", rec.Body.String(), err)
			}
			if body["error"] != tt.wantMessage {
				t.Fatalf("error=%q, want %q", body["error"], tt.wantMessage)
			}
			mu.Lock()
			defer mu.Unlock()
			if len(reported) != 1 || reported[0] != tt.upstream || paths[0] != "/api/telemetry" {
				t.Fatalf("OnError calls=%v paths=%v", reported, paths)
			}
		})
	}
}

func TestHandlerUnreachableBackend(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	handler, err := NewHandler(url, []Route{{Prefix: "/api/telemetry", UpstreamPath: "/telemetry/query"}},
		Options{Signer: testSigner(t)}, discardLogger(), nil)
	if err != nil {
		t.Fatalf("NewHandler() error: %v", err)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, withCreds(httptest.NewRequest(http.MethodPost, "/api/telemetry", strings.NewReader(`{}`)), "tok-123456"))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status=%d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), backend.MessageGeneric) {
		t.Fatalf("body=%q", rec.Body.String())
	}
}

func TestHandlerStreamsDataLinesAsTheyArrive(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	upstream, _ := newSignedUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, "data: Hel\n\n")
		flusher.Flush()
		<-release
		_, _ = io.WriteString(w, "data: lo\n\n")
		flusher.Flush()
	})
	handler, err := NewHandler(upstream.URL, []Route{{Prefix: "/api/chat/stream", UpstreamPath: "/chat/stream"}},
		Options{Signer: testSigner(t)}, discardLogger(), nil)
	if err != nil {
		t.Fatalf("NewHandler() error: %v", err)
	}
	console := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, withCreds(r, "tok-123456"))
	}))
	defer console.Close()

	resp, err := http.Post(console.URL+"/api/chat/stream", "application/json", strings.NewReader(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Accel-Buffering") != "no" {
		t.Fatalf("stream response missing X-Accel-Buffering")
	}

	first := make([]byte, len("data: Hel\n\n"))
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(resp.Body, first)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("read first event: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("first event was not flushed")
	}
	close(release)
	rest, _ := io.ReadAll(resp.Body)
	if string(first)+string(rest) != "data: Hel\n\ndata: lo\n\n" {
		t.Fatalf("stream=%q", string(first)+string(rest))
	}
}

func TestHandlerAbortIsSilent(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	upstream, _ := newSignedUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	})
	reported := make(chan int, 1)
	handler, err := NewHandler(upstream.URL, []Route{{Prefix: "/api/chat/stream", UpstreamPath: "/chat/stream"}},
		Options{Signer: testSigner(t), OnError: func(_ string, status int, _ error) { reported <- status }},
		discardLogger(), nil)
	if err != nil {
		t.Fatalf("NewHandler() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := withCreds(httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(`{}`)).WithContext(ctx), "tok-123456")
	rec := httptest.NewRecorder()
	go func() {
		<-started
		cancel()
	}()
	handler.ServeHTTP(rec, req)

	if rec.Body.Len() != 0 {
		t.Fatalf("aborted request wrote body %q", rec.Body.String())
	}
	select {
	case status := <-reported:
		if status != 0 {
			t.Fatalf("abort reported status=%d, want 0", status)
		}
	default:
		t.Fatalf("abort was not reported")
	}
}

func TestLoggingMiddleware(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	handler := LoggingMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := correlation.FromContext(r.Context()); !ok {
			t.Errorf("handler context has no correlation id")
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set(correlation.HeaderName, "inbound-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get(correlation.HeaderName) != "inbound-1" {
		t.Fatalf("response correlation header=%q", rec.Header().Get(correlation.HeaderName))
	}
	var line map[string]any
	if err := json.Unmarshal(logs.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", logs.String(), err)
	}
	if line["msg"] != "request complete" || line["correlation_id"] != "inbound-1" {
		t.Fatalf("log line=%v", line)
	}
	if line["status"] != float64(http.StatusAccepted) || line["bytes"] != float64(2) {
		t.Fatalf("status=%v bytes=%v", line["status"], line["bytes"])
	}
	if _, ok := line["latency_ms"]; !ok {
		t.Fatalf("log line missing latency_ms: %v", line)
	}
}
