package observability

import (
	"bufio"
	"io"
	"net"
	"net/http"
)

// StatusRecorder remembers the status written through it while keeping the
// optional writer interfaces streaming handlers rely on.
type StatusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	if recorder, ok := w.(*StatusRecorder); ok {
		return recorder
	}
	return &StatusRecorder{ResponseWriter: w}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *StatusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *StatusRecorder) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *StatusRecorder) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.written += int64(n)
	return n, err
}

// StatusCode returns the written status, or 200 when nothing was written.
func (w *StatusRecorder) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}

// Wrote reports whether a status line has gone out.
func (w *StatusRecorder) Wrote() bool {
	return w.statusCode != 0
}

func (w *StatusRecorder) BytesWritten() int64 {
	return w.written
}

func (w *StatusRecorder) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *StatusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hijacker.Hijack()
}

func (w *StatusRecorder) ReadFrom(r io.Reader) (int64, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := io.Copy(w.ResponseWriter, r)
	w.written += n
	return n, err
}
