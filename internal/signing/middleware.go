package signing

import (
	"bytes"
	"io"
	"net/http"
	"strings"
)

const defaultMaxBodySize = 1 << 20

type MiddlewareOptions struct {
	// MaxBodySize bounds how much of the body is read for verification.
	MaxBodySize int
	// Skip reports requests that are exempt, such as health checks.
	Skip func(r *http.Request) bool
}

// Middleware rejects requests whose signature header does not match the
// body and bearer token they carry.
func Middleware(signer *Signer, options MiddlewareOptions, next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if signer == nil {
		return next
	}
	if options.MaxBodySize <= 0 {
		options.MaxBodySize = defaultMaxBodySize
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if options.Skip != nil && options.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		signature := strings.TrimSpace(r.Header.Get(signer.Header()))
		if signature == "" {
			writeSignatureError(w, "missing request signature")
			return
		}

		body := []byte(nil)
		if r.Body != nil {
			limited := &io.LimitedReader{R: r.Body, N: int64(options.MaxBodySize) + 1}
			read, err := io.ReadAll(limited)
			_ = r.Body.Close()
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			if len(read) > options.MaxBodySize {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			body = read
			r.Body = io.NopCloser(bytes.NewReader(read))
		}

		token := strings.TrimSpace(r.Header.Get("Authorization"))
		if !signer.VerifyRequest(body, token, signature) {
			writeSignatureError(w, "invalid request signature")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeSignatureError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}` + "\n"))
}
