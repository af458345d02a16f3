package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	// HeaderName carries the request correlation id to the browser and the backend.
	HeaderName = "X-Correlation-ID"
	maxIDLen   = 128
)

type contextKey struct{}

// EnsureRequest returns req carrying a correlation id in both its context and
// headers, reusing an inbound id when one is acceptable.
func EnsureRequest(req *http.Request) (*http.Request, string) {
	if req == nil {
		return nil, ""
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if id, ok := FromContext(req.Context()); ok {
		req.Header.Set(HeaderName, id)
		return req, id
	}

	id := FromHeaders(req.Header)
	if id == "" {
		id = NewID()
	}
	req = req.WithContext(WithContext(req.Context(), id))
	req.Header.Set(HeaderName, id)
	return req, id
}

func WithContext(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if normalized := normalizeID(id); normalized != "" {
		return context.WithValue(ctx, contextKey{}, normalized)
	}
	return ctx
}

func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, _ := ctx.Value(contextKey{}).(string)
	value = normalizeID(value)
	return value, value != ""
}

// FromHeaders checks the canonical header first, then common request-id aliases.
func FromHeaders(headers http.Header) string {
	for _, header := range []string{HeaderName, "X-Request-ID"} {
		if id := normalizeID(headers.Get(header)); id != "" {
			return id
		}
	}
	return ""
}

func NewID() string {
	return uuid.NewString()
}

func normalizeID(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" || len(value) > maxIDLen {
		return ""
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return ""
		}
	}
	return value
}
