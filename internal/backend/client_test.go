package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ongoingai/agentconsole/internal/auth"
	"github.com/ongoingai/agentconsole/internal/correlation"
	"github.com/ongoingai/agentconsole/internal/signing"
)

const testSecret = "backend-secret"

var testCreds = auth.Credentials{Token: "tok-1234567890abcdefXYZ", Method: auth.MethodCredentials}

type recordedRequest struct {
	Method        string
	Path          string
	Query         string
	Authorization string
	Correlation   string
	Body          string
}

type fakeBackend struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (f *fakeBackend) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return recordedRequest{}
	}
	return f.requests[len(f.requests)-1]
}

func newSigner(t *testing.T) *signing.Signer {
	t.Helper()
	signer, err := signing.NewSigner(testSecret, "")
	if err != nil {
		t.Fatalf("NewSigner() error: %v", err)
	}
	return signer
}

// newTestBackend verifies every request signature before handing it to mux.
func newTestBackend(t *testing.T, mux *http.ServeMux) (*Client, *fakeBackend) {
	t.Helper()

	fake := &fakeBackend{}
	signer := newSigner(t)
	recorder := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fake.mu.Lock()
		fake.requests = append(fake.requests, recordedRequest{
			Method:        r.Method,
			Path:          r.URL.Path,
			Query:         r.URL.RawQuery,
			Authorization: r.Header.Get("Authorization"),
			Correlation:   r.Header.Get(correlation.HeaderName),
			Body:          string(body),
		})
		fake.mu.Unlock()
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		mux.ServeHTTP(w, r)
	})
	server := httptest.NewServer(signing.Middleware(signer, signing.MiddlewareOptions{}, recorder))
	t.Cleanup(server.Close)

	client, err := New(Options{BaseURL: server.URL, Signer: signer})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return client, fake
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func TestSendMessageSignsAndDecodes(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, http.StatusOK, ChatReply{Answer: "echo: " + req.Message, ConversationID: "c-1", TraceID: "t-1"})
	})
	client, fake := newTestBackend(t, mux)

	ctx := correlation.WithContext(context.Background(), "corr-7")
	reply, err := client.SendMessage(ctx, testCreds, ChatRequest{Message: "hi <there>"})
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	if reply.Answer != "echo: hi <there>" || reply.ConversationID != "c-1" || reply.TraceID != "t-1" {
		t.Fatalf("reply=%+v", reply)
	}
	last := fake.last()
	if last.Authorization != "Bearer "+testCreds.Token {
		t.Fatalf("authorization=%q", last.Authorization)
	}
	if last.Correlation != "corr-7" {
		t.Fatalf("correlation=%q, want corr-7", last.Correlation)
	}
}

func TestStreamMessageDeliversDeltas(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/chat/stream", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set(ConversationIDHeader, "c-9")
		flusher := w.(http.Flusher)
		for _, chunk := range []string{"data: Hel", "lo\n", "data: , world\n", "data: [DONE]\n"} {
			_, _ = io.WriteString(w, chunk)
			flusher.Flush()
		}
	})
	client, _ := newTestBackend(t, mux)

	var deltas []string
	reply, err := client.StreamMessage(context.Background(), testCreds, ChatRequest{Message: "hi"}, func(delta string) {
		deltas = append(deltas, delta)
	})
	if err != nil {
		t.Fatalf("StreamMessage() error: %v", err)
	}
	if reply.Answer != "Hello, world" {
		t.Fatalf("answer=%q, want %q", reply.Answer, "Hello, world")
	}
	if reply.ConversationID != "c-9" {
		t.Fatalf("conversation id=%q, want c-9", reply.ConversationID)
	}
	if strings.Join(deltas, "|") != "Hello|, world" {
		t.Fatalf("deltas=%v", deltas)
	}
}

func TestStreamMessageReportsAbort(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: partial\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	client, _ := newTestBackend(t, mux)
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	reply, err := client.StreamMessage(ctx, testCreds, ChatRequest{Message: "hi"}, func(string) {
		cancel()
	})
	if !IsAbort(err) {
		t.Fatalf("StreamMessage() error=%v, want abort", err)
	}
	if reply == nil || reply.Answer != "partial" {
		t.Fatalf("reply=%+v, want partial answer", reply)
	}
}

func TestStatusErrorsMapToUserCopy(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/settings", func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer expired":
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "expired"})
		case "Bearer viewer":
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "forbidden"})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "boom"})
		}
	})
	client, _ := newTestBackend(t, mux)

	tests := []struct {
		token      string
		wantStatus int
		wantCopy   string
	}{
		{token: "expired", wantStatus: http.StatusUnauthorized, wantCopy: MessageSessionExpired},
		{token: "viewer", wantStatus: http.StatusForbidden, wantCopy: MessageForbidden},
		{token: "other", wantStatus: http.StatusInternalServerError, wantCopy: MessageGeneric},
	}
	for _, tt := range tests {
		_, err := client.GetSettings(context.Background(), auth.Credentials{Token: tt.token})
		var statusErr *StatusError
		if !errors.As(err, &statusErr) {
			t.Fatalf("token %s: error=%v, want *StatusError", tt.token, err)
		}
		if statusErr.StatusCode != tt.wantStatus {
			t.Fatalf("token %s: status=%d, want %d", tt.token, statusErr.StatusCode, tt.wantStatus)
		}
		if got := UserMessage(err); got != tt.wantCopy {
			t.Fatalf("token %s: UserMessage()=%q, want %q", tt.token, got, tt.wantCopy)
		}
		if IsAbort(err) {
			t.Fatalf("token %s: IsAbort()=true", tt.token)
		}
	}

	if UserMessage(fmt.Errorf("dial: %w", io.ErrUnexpectedEOF)) != MessageGeneric {
		t.Fatalf("transport error did not map to generic copy")
	}
}

func TestConversationOperations(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/conversations", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ConversationPage{
			Items: []ConversationSummary{{ID: "c1", Title: "First", Archived: r.URL.Query().Get("archived") == "true"}},
			Total: 1,
		})
	})
	mux.HandleFunc("/conversations/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/conversations/c1":
			answer := "hello"
			writeJSON(w, http.StatusOK, Conversation{
				ConversationSummary: ConversationSummary{ID: "c1", Title: "First"},
				Messages:            []ConversationMessage{{ID: "m1", Message: "hi", Answer: &answer}},
			})
		case r.Method == http.MethodGet:
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "not found"})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	client, fake := newTestBackend(t, mux)
	ctx := context.Background()

	page, err := client.ListConversations(ctx, testCreds, ListOptions{Archived: true, Limit: 20, Offset: 40})
	if err != nil {
		t.Fatalf("ListConversations() error: %v", err)
	}
	if len(page.Items) != 1 || !page.Items[0].Archived {
		t.Fatalf("page=%+v", page)
	}
	if got := fake.last().Query; got != "archived=true&limit=20&offset=40" {
		t.Fatalf("query=%q", got)
	}

	conversation, err := client.GetConversation(ctx, testCreds, "c1")
	if err != nil {
		t.Fatalf("GetConversation() error: %v", err)
	}
	if len(conversation.Messages) != 1 || *conversation.Messages[0].Answer != "hello" {
		t.Fatalf("conversation=%+v", conversation)
	}

	if _, err := client.GetConversation(ctx, testCreds, "missing"); StatusCode(err) != http.StatusNotFound {
		t.Fatalf("GetConversation(missing) error=%v, want 404", err)
	}

	actions := []struct {
		name   string
		call   func() error
		method string
		path   string
	}{
		{name: "archive", call: func() error { return client.ArchiveConversation(ctx, testCreds, "c1") }, method: http.MethodPost, path: "/conversations/c1/archive"},
		{name: "restore", call: func() error { return client.RestoreConversation(ctx, testCreds, "c1") }, method: http.MethodPost, path: "/conversations/c1/restore"},
		{name: "delete", call: func() error { return client.DeleteConversation(ctx, testCreds, "c1") }, method: http.MethodDelete, path: "/conversations/c1"},
	}
	for _, action := range actions {
		if err := action.call(); err != nil {
			t.Fatalf("%s error: %v", action.name, err)
		}
		last := fake.last()
		if last.Method != action.method || last.Path != action.path {
			t.Fatalf("%s sent %s %s, want %s %s", action.name, last.Method, last.Path, action.method, action.path)
		}
	}

	if err := client.ArchiveConversation(ctx, testCreds, " "); !errors.Is(err, ErrEmptyID) {
		t.Fatalf("ArchiveConversation(blank) error=%v, want ErrEmptyID", err)
	}
	if err := client.DeleteConversation(ctx, auth.Credentials{}, "c1"); !errors.Is(err, auth.ErrMissingCredentials) {
		t.Fatalf("DeleteConversation(no creds) error=%v, want ErrMissingCredentials", err)
	}
}

func TestSettingsTelemetryAndTraces(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/settings", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			var settings map[string]any
			_ = json.NewDecoder(r.Body).Decode(&settings)
			settings["saved"] = true
			writeJSON(w, http.StatusOK, settings)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"theme": "dark"})
	})
	mux.HandleFunc("/telemetry/query", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"echo":%s}`, body)
	})
	mux.HandleFunc("/traces/t1", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"runs":[{"run_id":"root","name":"Agent","run_type":"chain","children":[{"run_id":"llm","name":"model","run_type":"llm","total_tokens":12,"model":"gpt-4o"}]}]}`)
	})
	mux.HandleFunc("/runs/llm", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"run_id":"llm","name":"model","run_type":"llm"}`)
	})
	client, _ := newTestBackend(t, mux)
	ctx := context.Background()

	settings, err := client.GetSettings(ctx, testCreds)
	if err != nil || settings["theme"] != "dark" {
		t.Fatalf("GetSettings()=%v, %v", settings, err)
	}
	updated, err := client.UpdateSettings(ctx, testCreds, Settings{"theme": "light"})
	if err != nil || updated["saved"] != true || updated["theme"] != "light" {
		t.Fatalf("UpdateSettings()=%v, %v", updated, err)
	}

	result, err := client.QueryTelemetry(ctx, testCreds, json.RawMessage(`{ "metric": "latency" }`))
	if err != nil {
		t.Fatalf("QueryTelemetry() error: %v", err)
	}
	if string(result) != `{"echo":{"metric":"latency"}}` {
		t.Fatalf("telemetry result=%s", result)
	}

	nodes, err := client.GetTrace(ctx, testCreds, "t1")
	if err != nil {
		t.Fatalf("GetTrace() error: %v", err)
	}
	if len(nodes) != 1 || len(nodes[0].Children) != 1 || nodes[0].Children[0].TotalTokens != 12 {
		t.Fatalf("trace nodes=%+v", nodes)
	}
	run, err := client.GetRun(ctx, testCreds, "llm")
	if err != nil || len(run) != 1 || run[0].RunID != "llm" {
		t.Fatalf("GetRun()=%v, %v", run, err)
	}
}

func TestLoginReturnsCredentials(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["password"] != "hunter2" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "bad credentials"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"access_token": "fresh-token"})
	})
	client, fake := newTestBackend(t, mux)

	creds, err := client.Login(context.Background(), "ada", "hunter2")
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if creds.Token != "fresh-token" || creds.Method != auth.MethodCredentials || creds.Subject != "ada" {
		t.Fatalf("creds=%+v", creds)
	}
	if fake.last().Authorization != "" {
		t.Fatalf("login sent authorization header %q", fake.last().Authorization)
	}

	if _, err := client.Login(context.Background(), "ada", "wrong"); StatusCode(err) != http.StatusUnauthorized {
		t.Fatalf("Login(wrong) error=%v, want 401", err)
	}
}
