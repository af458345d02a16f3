package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}

const (
	MessageSessionExpired = "Your session has expired. Please sign in again."
	MessageForbidden      = "You do not have permission to do that."
	MessageGeneric        = "Something went wrong while contacting the assistant. Please try again."
)

// StatusCode returns the backend status carried by err, or 0.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// UserMessage maps err to copy suitable for display.
func UserMessage(err error) string {
	switch StatusCode(err) {
	case http.StatusUnauthorized:
		return MessageSessionExpired
	case http.StatusForbidden:
		return MessageForbidden
	default:
		return MessageGeneric
	}
}

// IsAbort reports whether err came from the caller cancelling the request.
// Aborts are intentional and never shown to the user.
func IsAbort(err error) bool {
	return errors.Is(err, context.Canceled)
}

const maxErrorBody = 4 << 10

func readErrorBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(data))
}
