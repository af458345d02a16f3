package auth

import (
	"errors"
	"net/http"
)

// ProviderCookie names a cookie that carries a token issued by an external
// sign-in provider.
type ProviderCookie struct {
	Name   string
	Method Method
}

// Resolver finds the caller's credentials. Sources are tried in order: the
// Authorization header, the console session cookie, then provider cookies.
type Resolver struct {
	SessionCookie   string
	Sessions        *Sessions
	ProviderCookies []ProviderCookie
}

// Resolve returns the first credentials found. A session cookie that fails to
// parse yields ErrInvalidSession unless a later source succeeds.
func (r *Resolver) Resolve(req *http.Request) (Credentials, error) {
	if req == nil {
		return Credentials{}, ErrMissingCredentials
	}
	if token := BearerToken(req.Header.Get("Authorization")); token != "" {
		return Credentials{Token: token, Method: MethodCredentials}, nil
	}

	var sessionErr error
	if r != nil && r.Sessions != nil {
		if raw := cookieValue(req, r.SessionCookie); raw != "" {
			creds, err := r.Sessions.Parse(raw)
			if err == nil {
				return creds, nil
			}
			sessionErr = err
		}
	}

	if r != nil {
		for _, provider := range r.ProviderCookies {
			if token := cookieValue(req, provider.Name); token != "" {
				return Credentials{Token: token, Method: provider.Method}, nil
			}
		}
	}

	if sessionErr != nil {
		return Credentials{}, sessionErr
	}
	return Credentials{}, ErrMissingCredentials
}

// IsCredentialError reports whether err came from missing or unusable
// credentials rather than an internal failure.
func IsCredentialError(err error) bool {
	return errors.Is(err, ErrMissingCredentials) || errors.Is(err, ErrInvalidSession)
}
