package observability

import (
	"context"
	"log/slog"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ongoingai/agentconsole/internal/correlation"
)

// logHandler adds trace_id, span_id and, unless the record already has one,
// correlation_id from the context. String attributes are redacted.
type logHandler struct {
	inner slog.Handler
}

// NewLogHandler wraps inner. A nil inner uses the default slog handler.
func NewLogHandler(inner slog.Handler) slog.Handler {
	if inner == nil {
		inner = slog.Default().Handler()
	}
	return &logHandler{inner: inner}
}

func (h *logHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *logHandler) Handle(ctx context.Context, record slog.Record) error {
	out := slog.NewRecord(record.Time, record.Level, ScrubCredentials(record.Message), record.PC)
	hasCorrelation := false
	record.Attrs(func(attr slog.Attr) bool {
		hasCorrelation = hasCorrelation || attr.Key == "correlation_id"
		out.AddAttrs(scrubAttr(attr))
		return true
	})

	if span := oteltrace.SpanFromContext(ctx); span.SpanContext().IsValid() && span.IsRecording() {
		sc := span.SpanContext()
		out.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id, ok := correlation.FromContext(ctx); ok && !hasCorrelation {
		out.AddAttrs(slog.String("correlation_id", id))
	}
	return h.inner.Handle(ctx, out)
}

func (h *logHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		scrubbed[i] = scrubAttr(attr)
	}
	return &logHandler{inner: h.inner.WithAttrs(scrubbed)}
}

func (h *logHandler) WithGroup(name string) slog.Handler {
	return &logHandler{inner: h.inner.WithGroup(name)}
}

func scrubAttr(attr slog.Attr) slog.Attr {
	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindString:
		return slog.String(attr.Key, ScrubCredentials(value.String()))
	case slog.KindGroup:
		group := value.Group()
		scrubbed := make([]any, len(group))
		for i, inner := range group {
			scrubbed[i] = scrubAttr(inner)
		}
		return slog.Group(attr.Key, scrubbed...)
	case slog.KindAny:
		if err, ok := value.Any().(error); ok && err != nil {
			return slog.String(attr.Key, ScrubCredentials(err.Error()))
		}
	}
	return attr
}
