package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Backend       BackendConfig       `yaml:"backend"`
	Session       SessionConfig       `yaml:"session"`
	Cache         CacheConfig         `yaml:"cache"`
	Limits        LimitsConfig        `yaml:"limits"`
	Observability ObservabilityConfig `yaml:"observability"`
	Log           LogConfig           `yaml:"log"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type BackendConfig struct {
	BaseURL         string `yaml:"base_url"`
	TimeoutMS       int    `yaml:"timeout_ms"`
	SigningSecret   string `yaml:"signing_secret"`
	SignatureHeader string `yaml:"signature_header"`
	BodyMaxSize     int    `yaml:"body_max_size"`
}

func (c BackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

type SessionConfig struct {
	CookieName      string          `yaml:"cookie_name"`
	JWTSecret       string          `yaml:"jwt_secret"`
	Issuer          string          `yaml:"issuer"`
	TTLMinutes      int             `yaml:"ttl_minutes"`
	SecureCookie    bool            `yaml:"secure_cookie"`
	ProviderCookies ProviderCookies `yaml:"provider_cookies"`
}

func (c SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// ProviderCookies names the cookies holding tokens from external sign-in
// providers.
type ProviderCookies struct {
	Google    string `yaml:"google"`
	Microsoft string `yaml:"microsoft"`
}

const (
	CacheDriverNone     = "none"
	CacheDriverSQLite   = "sqlite"
	CacheDriverPostgres = "postgres"
	CacheDriverRedis    = "redis"
)

type CacheConfig struct {
	Driver     string `yaml:"driver"`
	Path       string `yaml:"path"`
	DSN        string `yaml:"dsn"`
	RedisAddr  string `yaml:"redis_addr"`
	RedisDB    int    `yaml:"redis_db"`
	TTLMinutes int    `yaml:"ttl_minutes"`
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

type LimitsConfig struct {
	Chat RateLimitConfig `yaml:"chat"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// SlogLevel maps the configured level name, defaulting to info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "agentconsole"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Backend: BackendConfig{
			BaseURL:         "http://localhost:8000",
			TimeoutMS:       120000,
			SignatureHeader: "X-Request-Signature",
			BodyMaxSize:     1 << 20,
		},
		Session: SessionConfig{
			CookieName: "agentconsole_session",
			Issuer:     "agentconsole",
			TTLMinutes: 12 * 60,
			ProviderCookies: ProviderCookies{
				Google:    "google_access_token",
				Microsoft: "microsoft_access_token",
			},
		},
		Cache: CacheConfig{
			Driver:     CacheDriverNone,
			Path:       "./data/agentconsole.db",
			TTLMinutes: 24 * 60,
		},
		Limits: LimitsConfig{
			Chat: RateLimitConfig{
				RequestsPerMinute: 30,
				Burst:             5,
			},
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
		Log: LogConfig{Level: "info"},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	if err := validateBaseURL(cfg.Backend.BaseURL); err != nil {
		return err
	}
	if cfg.Backend.TimeoutMS <= 0 {
		return fmt.Errorf("backend.timeout_ms must be > 0 (got %d)", cfg.Backend.TimeoutMS)
	}
	if strings.TrimSpace(cfg.Backend.SigningSecret) == "" {
		return errors.New("backend.signing_secret is required")
	}
	if strings.TrimSpace(cfg.Backend.SignatureHeader) == "" {
		return errors.New("backend.signature_header must not be empty")
	}
	if cfg.Backend.BodyMaxSize <= 0 {
		return fmt.Errorf("backend.body_max_size must be > 0 (got %d)", cfg.Backend.BodyMaxSize)
	}

	if strings.TrimSpace(cfg.Session.CookieName) == "" {
		return errors.New("session.cookie_name must not be empty")
	}
	if len(strings.TrimSpace(cfg.Session.JWTSecret)) < 32 {
		return errors.New("session.jwt_secret must be at least 32 characters")
	}
	if cfg.Session.TTLMinutes <= 0 {
		return fmt.Errorf("session.ttl_minutes must be > 0 (got %d)", cfg.Session.TTLMinutes)
	}

	if err := validateCache(cfg.Cache); err != nil {
		return err
	}

	if cfg.Limits.Chat.RequestsPerMinute < 0 {
		return fmt.Errorf("limits.chat.requests_per_minute must be >= 0 (got %d)", cfg.Limits.Chat.RequestsPerMinute)
	}
	if cfg.Limits.Chat.RequestsPerMinute > 0 && cfg.Limits.Chat.Burst <= 0 {
		return fmt.Errorf("limits.chat.burst must be > 0 when a rate is set (got %d)", cfg.Limits.Chat.Burst)
	}

	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Log.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error (got %q)", cfg.Log.Level)
	}

	return nil
}

func validateBaseURL(raw string) error {
	value := strings.TrimSpace(raw)
	if value == "" {
		return errors.New("backend.base_url is required")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("parse backend.base_url: %w", err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("backend.base_url must include scheme and host (got %q)", raw)
	}
	return nil
}

func validateCache(cfg CacheConfig) error {
	switch strings.TrimSpace(cfg.Driver) {
	case CacheDriverNone, "":
		return nil
	case CacheDriverSQLite:
		if strings.TrimSpace(cfg.Path) == "" {
			return errors.New("cache.path is required when cache.driver=sqlite")
		}
	case CacheDriverPostgres:
		if strings.TrimSpace(cfg.DSN) == "" {
			return errors.New("cache.dsn is required when cache.driver=postgres")
		}
	case CacheDriverRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("cache.redis_addr is required when cache.driver=redis")
		}
	default:
		return fmt.Errorf("cache.driver must be one of none, sqlite, postgres, redis (got %q)", cfg.Driver)
	}
	if cfg.TTLMinutes <= 0 {
		return fmt.Errorf("cache.ttl_minutes must be > 0 (got %d)", cfg.TTLMinutes)
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("AGENTCONSOLE_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("AGENTCONSOLE_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid AGENTCONSOLE_PORT: %w", err)
		}
		cfg.Server.Port = v
	}

	if baseURL := os.Getenv("AGENTCONSOLE_BACKEND_URL"); baseURL != "" {
		cfg.Backend.BaseURL = baseURL
	}
	if timeout := os.Getenv("AGENTCONSOLE_BACKEND_TIMEOUT_MS"); timeout != "" {
		v, err := strconv.Atoi(timeout)
		if err != nil {
			return fmt.Errorf("invalid AGENTCONSOLE_BACKEND_TIMEOUT_MS: %w", err)
		}
		cfg.Backend.TimeoutMS = v
	}
	if secret := os.Getenv("AGENTCONSOLE_SIGNING_SECRET"); secret != "" {
		cfg.Backend.SigningSecret = secret
	}
	if jwtSecret := os.Getenv("AGENTCONSOLE_JWT_SECRET"); jwtSecret != "" {
		cfg.Session.JWTSecret = jwtSecret
	}
	if secureCookie := os.Getenv("AGENTCONSOLE_SECURE_COOKIE"); secureCookie != "" {
		v, err := strconv.ParseBool(secureCookie)
		if err != nil {
			return fmt.Errorf("invalid AGENTCONSOLE_SECURE_COOKIE: %w", err)
		}
		cfg.Session.SecureCookie = v
	}

	if driver := os.Getenv("AGENTCONSOLE_CACHE_DRIVER"); driver != "" {
		cfg.Cache.Driver = driver
	}
	if path := os.Getenv("AGENTCONSOLE_CACHE_PATH"); path != "" {
		cfg.Cache.Path = path
	}
	if dsn := os.Getenv("AGENTCONSOLE_CACHE_DSN"); dsn != "" {
		cfg.Cache.DSN = dsn
	}
	if addr := os.Getenv("AGENTCONSOLE_REDIS_ADDR"); addr != "" {
		cfg.Cache.RedisAddr = addr
	}

	if level := os.Getenv("AGENTCONSOLE_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	return applyOTelEnv(&cfg.Observability.OTel)
}

func applyOTelEnv(cfg *OTelConfig) error {
	configured := false
	sdkDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Enabled = !v
		sdkDisabledSet = true
		configured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Endpoint = endpoint
		configured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Insecure = v
		configured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.ServiceName = serviceName
		configured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.TracesEnabled = enabled
		configured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.MetricsEnabled = enabled
		configured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.SamplingRatio = v
		configured = true
	}
	if configured && !sdkDisabledSet {
		cfg.Enabled = true
	}
	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
