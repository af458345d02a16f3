package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ongoingai/agentconsole/internal/signing"
)

const (
	testSigningSecret = "cli-signing-secret"
	testJWTSecret     = "0123456789abcdef0123456789abcdef"
	testToken         = "header.payload.cli-token-signature"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "agentconsole.yaml")
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return configPath
}

// newSignedBackend serves mux behind signature verification and returns a
// config file pointing at it.
func newSignedBackend(t *testing.T, mux *http.ServeMux) string {
	t.Helper()
	signer, err := signing.NewSigner(testSigningSecret, "")
	if err != nil {
		t.Fatalf("NewSigner() error: %v", err)
	}
	server := httptest.NewServer(signing.Middleware(signer, signing.MiddlewareOptions{}, mux))
	t.Cleanup(server.Close)
	return writeConfig(t, "backend:\n  base_url: "+server.URL+"\n  signing_secret: "+testSigningSecret+"\n")
}

func TestNormalizeTextJSONFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		command       string
		raw           string
		defaultValue  string
		want          string
		wantErrSubstr string
	}{
		{
			name:         "default text",
			command:      "trace",
			raw:          "",
			defaultValue: "text",
			want:         "text",
		},
		{
			name:         "normalizes case and whitespace",
			command:      "sign",
			raw:          " JSON ",
			defaultValue: "text",
			want:         "json",
		},
		{
			name:          "rejects unsupported format",
			command:       "trace",
			raw:           "yaml",
			defaultValue:  "text",
			wantErrSubstr: `invalid trace format "yaml": expected text or json`,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := normalizeTextJSONFormat(tt.command, tt.raw, tt.defaultValue)
			if tt.wantErrSubstr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q", tt.wantErrSubstr)
				}
				if !strings.Contains(err.Error(), tt.wantErrSubstr) {
					t.Fatalf("error=%q, want substring %q", err.Error(), tt.wantErrSubstr)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeTextJSONFormat() error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("normalizeTextJSONFormat()=%q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadAndValidateConfigReportsStage(t *testing.T) {
	t.Parallel()

	_, stage, err := loadAndValidateConfig(writeConfig(t, "server: [\n"))
	if err == nil || stage != configStageLoad {
		t.Fatalf("stage=%q err=%v, want load failure", stage, err)
	}

	_, stage, err = loadAndValidateConfig(writeConfig(t, "server:\n  port: 70000\n"))
	if err == nil || stage != configStageValidate {
		t.Fatalf("stage=%q err=%v, want validate failure", stage, err)
	}

	valid := "backend:\n  signing_secret: s\nsession:\n  jwt_secret: " + testJWTSecret + "\n"
	cfg, stage, err := loadAndValidateConfig(writeConfig(t, valid))
	if err != nil || stage != "" {
		t.Fatalf("stage=%q err=%v, want success", stage, err)
	}
	if cfg.Session.JWTSecret != testJWTSecret {
		t.Fatalf("jwt secret=%q, want config value", cfg.Session.JWTSecret)
	}
}

func TestCommandCredentials(t *testing.T) {
	t.Setenv(tokenEnv, "")

	creds, err := commandCredentials("Bearer abc")
	if err != nil || creds.Token != "abc" {
		t.Fatalf("commandCredentials(Bearer)=%+v, %v, want abc", creds, err)
	}
	creds, err = commandCredentials(" raw-token ")
	if err != nil || creds.Token != "raw-token" {
		t.Fatalf("commandCredentials(raw)=%+v, %v, want raw-token", creds, err)
	}
	if _, err := commandCredentials(""); err == nil {
		t.Fatalf("commandCredentials(empty) error=nil")
	}

	t.Setenv(tokenEnv, "from-env")
	creds, err = commandCredentials("")
	if err != nil || creds.Token != "from-env" {
		t.Fatalf("commandCredentials(env)=%+v, %v, want from-env", creds, err)
	}
}
