package tracecache

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Error classes attached to cache failure logs.
const (
	ErrorClassConnection = "connection"
	ErrorClassTimeout    = "timeout"
	ErrorClassContention = "contention"
	ErrorClassUnknown    = "unknown"
)

// ClassifyError maps a store error to a coarse class for logs.
func ClassifyError(err error) string {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return ErrorClassConnection
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "broken pipe"), strings.Contains(msg, "no such host"):
		return ErrorClassConnection
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return ErrorClassTimeout
	case strings.Contains(msg, "sqlite_busy"), strings.Contains(msg, "database is locked"):
		return ErrorClassContention
	default:
		return ErrorClassUnknown
	}
}
