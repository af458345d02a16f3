package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type Method string

const (
	MethodCredentials Method = "credentials"
	MethodGoogle      Method = "google"
	MethodMicrosoft   Method = "microsoft"
)

func ParseMethod(raw string) (Method, bool) {
	switch Method(strings.ToLower(strings.TrimSpace(raw))) {
	case MethodCredentials:
		return MethodCredentials, true
	case MethodGoogle:
		return MethodGoogle, true
	case MethodMicrosoft:
		return MethodMicrosoft, true
	default:
		return "", false
	}
}

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidSession     = errors.New("invalid session")
)

// Credentials identify the caller to the backend. They are passed explicitly
// to every backend call.
type Credentials struct {
	Token   string `json:"-"`
	Method  Method `json:"method"`
	Subject string `json:"subject,omitempty"`
}

func (c Credentials) Valid() bool {
	return strings.TrimSpace(c.Token) != ""
}

// AuthorizationHeader returns the bearer header value for the backend.
func (c Credentials) AuthorizationHeader() string {
	return "Bearer " + strings.TrimSpace(c.Token)
}

type contextCredentialsKey struct{}

func WithCredentials(ctx context.Context, creds Credentials) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if !creds.Valid() {
		return ctx
	}
	return context.WithValue(ctx, contextCredentialsKey{}, creds)
}

func CredentialsFromContext(ctx context.Context) (Credentials, bool) {
	if ctx == nil {
		return Credentials{}, false
	}
	creds, ok := ctx.Value(contextCredentialsKey{}).(Credentials)
	return creds, ok && creds.Valid()
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

func cookieValue(r *http.Request, name string) string {
	if strings.TrimSpace(name) == "" {
		return ""
	}
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}
