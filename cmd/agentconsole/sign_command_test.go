package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ongoingai/agentconsole/internal/signing"
)

func TestRunSignPrintsMatchingSignatures(t *testing.T) {
	t.Parallel()

	bodyPath := filepath.Join(t.TempDir(), "body.json")
	if err := os.WriteFile(bodyPath, []byte("{\n  \"message\": \"<hi>\"\n}\n"), 0o644); err != nil {
		t.Fatalf("write body: %v", err)
	}

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runSign([]string{
		"--config", writeConfig(t, ""),
		"--secret", testSigningSecret,
		"--token", "Bearer " + testToken,
		"--body", "@" + bodyPath,
		"--format", "json",
	}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runSign() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}

	var got signOutput
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	wantMessage := `{"body":{"message":"<hi>"},"token":"` + signing.TokenFragment(testToken) + `"}`
	if got.Message != wantMessage {
		t.Fatalf("message=%q, want %q", got.Message, wantMessage)
	}
	if !got.Match || got.Signature != got.StreamSignature {
		t.Fatalf("signature=%q stream=%q, want equal", got.Signature, got.StreamSignature)
	}
	if !signing.Verify(got.Message, testSigningSecret, got.Signature) {
		t.Fatalf("Verify() rejected printed signature")
	}
	if got.Header != signing.DefaultHeader {
		t.Fatalf("header=%q, want %q", got.Header, signing.DefaultHeader)
	}
}

func TestRunSignTextUsesConfiguredSecret(t *testing.T) {
	t.Parallel()

	configPath := writeConfig(t, "backend:\n  signing_secret: "+testSigningSecret+"\n")

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runSign([]string{"--config", configPath, "--token", testToken}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runSign() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}
	message, err := signing.Message(nil, testToken)
	if err != nil {
		t.Fatalf("Message() error: %v", err)
	}
	out := stdout.String()
	if !strings.Contains(out, "message:          "+message) {
		t.Fatalf("stdout=%q, want message line", out)
	}
	if !strings.Contains(out, "signature:        "+signing.Sign(message, testSigningSecret)) {
		t.Fatalf("stdout=%q, want signature line", out)
	}
}

func TestRunSignRequiresTokenAndSecret(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	if code := runSign([]string{"--config", writeConfig(t, "")}, &stdout, &stderr); code != 2 {
		t.Fatalf("runSign(no token) code=%d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "requires --token") {
		t.Fatalf("stderr=%q", stderr.String())
	}

	stderr.Reset()
	if code := runSign([]string{"--config", writeConfig(t, ""), "--token", "t"}, &stdout, &stderr); code != 2 {
		t.Fatalf("runSign(no secret) code=%d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "signing secret is required") {
		t.Fatalf("stderr=%q", stderr.String())
	}
}
