package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/ongoingai/agentconsole/internal/api"
	"github.com/ongoingai/agentconsole/internal/auth"
	"github.com/ongoingai/agentconsole/internal/config"
	"github.com/ongoingai/agentconsole/internal/correlation"
	"github.com/ongoingai/agentconsole/internal/limits"
	"github.com/ongoingai/agentconsole/internal/observability"
	"github.com/ongoingai/agentconsole/internal/proxy"
	"github.com/ongoingai/agentconsole/internal/tracecache"
	"github.com/ongoingai/agentconsole/internal/version"
)

const defaultConfigPath = "agentconsole.yaml"

const otelShutdownTimeout = 5 * time.Second
const serverShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute
const cachePruneInterval = 10 * time.Minute

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve":
		return runServe(args[1:])
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	case "trace":
		return runTrace(args[1:], os.Stdout, os.Stderr)
	case "chat":
		return runChat(args[1:], os.Stdin, os.Stdout, os.Stderr)
	case "login":
		return runLogin(args[1:], os.Stdout, os.Stderr)
	case "sign":
		return runSign(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func runServe(args []string) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger := newLogger(os.Stdout, cfg.Log)
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
		otelRuntime = nil
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	cache, err := tracecache.Open(cfg.Cache, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize %s trace cache: %v\n", cfg.Cache.Driver, err)
		return 1
	}
	if cache != nil {
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Error("failed to close trace cache", "error", err)
			}
		}()
	}

	handler, err := newConsoleHandler(cfg, logger, otelRuntime, cache)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize console: %v\n", err)
		return 1
	}
	server := newConsoleServer(cfg, logger, otelRuntime.WrapHTTPHandler(handler))

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"port", cfg.Server.Port,
		"backend_url", cfg.Backend.BaseURL,
		"cache_driver", cacheDriverName(cfg.Cache),
		"chat_rate_limit_rpm", cfg.Limits.Chat.RequestsPerMinute,
		"config_path", *configPath,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cache != nil {
		go startCachePruner(ctx, cache, logger, cachePruneInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("console stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("console failed", "error", err)
			return 1
		}
		return 0
	}
}

// newConsoleHandler wires the backend client, sessions and limiter into the
// API router.
func newConsoleHandler(cfg config.Config, logger *slog.Logger, otelRuntime *observability.Runtime, cache *tracecache.Cache) (http.Handler, error) {
	transport := otelRuntime.WrapHTTPTransport(http.DefaultTransport)
	signer, client, err := newBackendClient(cfg, cfg.Backend.SigningSecret, transport)
	if err != nil {
		return nil, err
	}

	sessions, err := auth.NewSessions(cfg.Session.JWTSecret, cfg.Session.Issuer, cfg.Session.TTL())
	if err != nil {
		return nil, fmt.Errorf("initialize sessions: %w", err)
	}

	return api.NewRouter(api.RouterOptions{
		AppVersion:  version.String(),
		Client:      client,
		BackendURL:  cfg.Backend.BaseURL,
		Signer:      signer,
		BodyMaxSize: cfg.Backend.BodyMaxSize,
		Transport:   transport,
		Sessions:    sessions,
		Resolver:    newResolver(cfg.Session, sessions),
		Cookie: api.CookieOptions{
			Name:   cfg.Session.CookieName,
			Secure: cfg.Session.SecureCookie,
		},
		AuditRecorder: newAuthAuditRecorder(logger),
		Cache:         cache,
		CacheDriver:   cacheDriverName(cfg.Cache),
		Limiter: limits.NewChatLimiter(limits.Policy{
			RequestsPerMinute: cfg.Limits.Chat.RequestsPerMinute,
			Burst:             cfg.Limits.Chat.Burst,
		}),
		Telemetry:      otelRuntime,
		Logger:         logger,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
}

func newResolver(cfg config.SessionConfig, sessions *auth.Sessions) *auth.Resolver {
	resolver := &auth.Resolver{
		SessionCookie: cfg.CookieName,
		Sessions:      sessions,
	}
	if name := strings.TrimSpace(cfg.ProviderCookies.Google); name != "" {
		resolver.ProviderCookies = append(resolver.ProviderCookies, auth.ProviderCookie{Name: name, Method: auth.MethodGoogle})
	}
	if name := strings.TrimSpace(cfg.ProviderCookies.Microsoft); name != "" {
		resolver.ProviderCookies = append(resolver.ProviderCookies, auth.ProviderCookie{Name: name, Method: auth.MethodMicrosoft})
	}
	return resolver
}

func newLogger(out io.Writer, cfg config.LogConfig) *slog.Logger {
	return slog.New(observability.NewLogHandler(
		slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
}

func newConsoleServer(cfg config.Config, logger *slog.Logger, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           proxy.LoggingMiddleware(logger, handler),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

// startCachePruner removes expired snapshots until ctx is done. Stores that
// expire entries on their own make Prune a no-op.
func startCachePruner(ctx context.Context, cache *tracecache.Cache, logger *slog.Logger, interval time.Duration) {
	if interval <= 0 {
		interval = cachePruneInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := cache.Prune(ctx)
			if err != nil {
				if logger != nil && ctx.Err() == nil {
					logger.Warn("failed to prune trace cache", "error", err, "error_class", tracecache.ClassifyError(err))
				}
				continue
			}
			if removed > 0 && logger != nil {
				logger.Debug("pruned trace cache", "removed", removed)
			}
		}
	}
}

func newAuthAuditRecorder(logger *slog.Logger) auth.AuditRecorder {
	if logger == nil {
		return nil
	}
	return func(req *http.Request, event auth.AuditEvent) {
		logger.Warn(
			"audit console auth deny",
			"correlation_id", requestCorrelationID(req),
			"audit_action", strings.TrimSpace(event.Action),
			"audit_outcome", strings.TrimSpace(event.Outcome),
			"audit_reason", strings.TrimSpace(event.Reason),
			"status_code", event.StatusCode,
			"path", strings.TrimSpace(event.Path),
			"auth_method", string(event.Method),
		)
	}
}

func requestCorrelationID(req *http.Request) string {
	if req == nil {
		return ""
	}
	if id, ok := correlation.FromContext(req.Context()); ok {
		return id
	}
	return strings.TrimSpace(req.Header.Get(correlation.HeaderName))
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
		}
	}
}

func cacheDriverName(cfg config.CacheConfig) string {
	driver := strings.TrimSpace(cfg.Driver)
	if driver == "" {
		return config.CacheDriverNone
	}
	return driver
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  agentconsole serve [--config path/to/agentconsole.yaml]")
	fmt.Fprintln(out, "  agentconsole version")
	fmt.Fprintln(out, "  agentconsole config validate [--config path/to/agentconsole.yaml]")
	fmt.Fprintln(out, "  agentconsole trace [--config path/to/agentconsole.yaml] [--file PATH | --trace-id ID | --run-id ID] [--token TOKEN] [--format text|json]")
	fmt.Fprintln(out, "  agentconsole chat [--config path/to/agentconsole.yaml] [--token TOKEN] [--no-stream] [--raw]")
	fmt.Fprintln(out, "  agentconsole login [--config path/to/agentconsole.yaml] --username NAME")
	fmt.Fprintln(out, "  agentconsole sign [--config path/to/agentconsole.yaml] [--secret SECRET] --token TOKEN [--body @FILE|JSON]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  agentconsole config validate [--config path/to/agentconsole.yaml]")
}
