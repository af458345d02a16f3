package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/ongoingai/agentconsole/internal/auth"
	"github.com/ongoingai/agentconsole/internal/backend"
	"github.com/ongoingai/agentconsole/internal/config"
	"github.com/ongoingai/agentconsole/internal/signing"
)

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

// tokenEnv supplies the bearer token for client commands when --token is unset.
const tokenEnv = "AGENTCONSOLE_TOKEN"

// normalizeTextJSONFormat validates command output format flags with shared semantics.
func normalizeTextJSONFormat(command, rawValue, defaultValue string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawValue))
	if normalized == "" {
		normalized = strings.TrimSpace(defaultValue)
	}
	switch normalized {
	case "text", "json":
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid %s format %q: expected text or json", strings.TrimSpace(command), rawValue)
	}
}

// loadAndValidateConfig resolves config and reports which stage failed.
func loadAndValidateConfig(configPath string) (config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

// newBackendClient builds a signing client. Client commands pass a secret from
// flags; serve passes the configured one.
func newBackendClient(cfg config.Config, secret string, transport http.RoundTripper) (*signing.Signer, *backend.Client, error) {
	signer, err := signing.NewSigner(secret, cfg.Backend.SignatureHeader)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize signer: %w", err)
	}
	options := backend.Options{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: cfg.Backend.Timeout(),
		Signer:  signer,
	}
	if transport != nil {
		options.HTTPClient = &http.Client{Transport: transport}
	}
	client, err := backend.New(options)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize backend client: %w", err)
	}
	return signer, client, nil
}

// commandCredentials resolves the token for a client command from the flag,
// then the environment.
func commandCredentials(rawToken string) (auth.Credentials, error) {
	token := auth.BearerToken(strings.TrimSpace(rawToken))
	if token == "" {
		token = strings.TrimSpace(rawToken)
	}
	if token == "" {
		token = strings.TrimSpace(os.Getenv(tokenEnv))
	}
	if token == "" {
		return auth.Credentials{}, errors.New("a token is required: pass --token or set " + tokenEnv)
	}
	return auth.Credentials{Token: token, Method: auth.MethodCredentials}, nil
}
