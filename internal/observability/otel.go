package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ongoingai/agentconsole/internal/auth"
	"github.com/ongoingai/agentconsole/internal/config"
	"github.com/ongoingai/agentconsole/internal/correlation"
	"github.com/ongoingai/agentconsole/internal/pathutil"
)

const instrumentationName = "agentconsole"

// Runtime holds the OpenTelemetry providers and the console's counters. A
// nil or disabled Runtime is a no-op.
type Runtime struct {
	enabled bool

	backendErrors metric.Int64Counter
	cacheLookups  metric.Int64Counter
	chatAborts    metric.Int64Counter
	shutdownFns   []func(context.Context) error
}

func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	runtime := &Runtime{}
	if !cfg.Enabled {
		return runtime, nil
	}

	exportTimeout := time.Duration(cfg.ExportTimeoutMS) * time.Millisecond
	endpoint, insecure, err := resolveEndpoint(cfg.Endpoint, cfg.Insecure)
	if err != nil {
		return nil, err
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	if cfg.TracesEnabled {
		options := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if insecure {
			options = append(options, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, options...)
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}
		provider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
			sdktrace.WithBatcher(newScrubbingExporter(exporter)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(provider)
		runtime.shutdownFns = append(runtime.shutdownFns, provider.Shutdown)
	}

	if cfg.MetricsEnabled {
		options := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithTimeout(exportTimeout),
		}
		if insecure {
			options = append(options, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(ctx, options...)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
		}
		provider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
				exporter,
				sdkmetric.WithInterval(time.Duration(cfg.MetricExportIntervalMS)*time.Millisecond),
				sdkmetric.WithTimeout(exportTimeout),
			)),
		)
		otel.SetMeterProvider(provider)
		runtime.shutdownFns = append(runtime.shutdownFns, provider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})
	runtime.initCounters(otel.Meter(instrumentationName), logger)
	runtime.enabled = true

	if logger != nil {
		logger.Info("opentelemetry enabled",
			"otel_endpoint", endpoint,
			"otel_traces_enabled", cfg.TracesEnabled,
			"otel_metrics_enabled", cfg.MetricsEnabled,
			"otel_sampling_ratio", cfg.SamplingRatio,
		)
	}
	return runtime, nil
}

func (r *Runtime) initCounters(meter metric.Meter, logger *slog.Logger) {
	counter := func(name, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description))
		if err != nil && logger != nil {
			logger.Warn("failed to create opentelemetry counter", "metric", name, "error", err)
		}
		return c
	}
	r.backendErrors = counter("agentconsole.backend.errors_total", "Backend calls that failed, by route and status.")
	r.cacheLookups = counter("agentconsole.trace_cache.lookups_total", "Trace cache lookups, by result.")
	r.chatAborts = counter("agentconsole.chat.aborted_total", "Chat replies abandoned by the client.")
}

func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// WrapHTTPHandler starts a server span per inbound request.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(next, "agentconsole.request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return normalizedMethod(req.Method) + " " + RoutePattern(req.URL.Path)
		}),
	)
}

// SpanEnrichmentMiddleware tags the active span with the correlation id and
// login method, and marks 5xx responses as errors.
func (r *Runtime) SpanEnrichmentMiddleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := NewStatusRecorder(w)
		next.ServeHTTP(recorder, req)

		span := oteltrace.SpanFromContext(req.Context())
		if !span.IsRecording() {
			return
		}
		if status := recorder.StatusCode(); status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("http %d", status))
		}
		if id, ok := correlation.FromContext(req.Context()); ok {
			span.SetAttributes(attribute.String("agentconsole.correlation_id", id))
		}
		if creds, ok := auth.CredentialsFromContext(req.Context()); ok {
			span.SetAttributes(attribute.String("agentconsole.auth_method", string(creds.Method)))
		}
	})
}

// WrapHTTPTransport starts a client span per backend call.
func (r *Runtime) WrapHTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !r.Enabled() {
		return base
	}
	return otelhttp.NewTransport(base,
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return "backend " + normalizedMethod(req.Method) + " " + req.URL.Path
		}),
	)
}

func (r *Runtime) RecordBackendError(path string, status int) {
	if !r.Enabled() || r.backendErrors == nil {
		return
	}
	r.backendErrors.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("route", RoutePattern(path)),
		attribute.Int("status_code", status),
	))
}

func (r *Runtime) RecordCacheLookup(hit bool) {
	if !r.Enabled() || r.cacheLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
}

func (r *Runtime) RecordChatAbort(route string) {
	if !r.Enabled() || r.chatAborts == nil {
		return
	}
	r.chatAborts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("route", RoutePattern(route))))
}

// Shutdown flushes providers in reverse setup order.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// resolveEndpoint accepts host:port or a URL. A URL scheme decides transport
// security and overrides the insecure flag.
func resolveEndpoint(raw string, insecure bool) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}
	if !strings.Contains(endpoint, "://") {
		return endpoint, insecure, nil
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https (got %q)", parsed.Scheme)
	}
}

// RoutePattern collapses ids out of console paths so they are safe as
// metric labels and span names.
func RoutePattern(path string) string {
	for _, prefix := range []string{
		"/api/chat/stream",
		"/api/chat",
		"/api/conversations",
		"/api/traces",
		"/api/runs",
		"/api/settings",
		"/api/telemetry",
		"/api/bootstrap",
		"/api/auth",
		"/api/health",
	} {
		if path == prefix {
			return prefix
		}
		if pathutil.HasPathPrefix(path, prefix) {
			return prefix + "/*"
		}
	}
	if pathutil.HasPathPrefix(path, "/api") {
		return "/api/*"
	}
	return "/other"
}

func normalizedMethod(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return "UNKNOWN"
	}
	return method
}
