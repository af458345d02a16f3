package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ongoingai/agentconsole/internal/config"
	"github.com/ongoingai/agentconsole/internal/signing"
)

type signOutput struct {
	Header          string `json:"header"`
	TokenFragment   string `json:"token_fragment"`
	Message         string `json:"message"`
	Signature       string `json:"signature"`
	StreamSignature string `json:"stream_signature"`
	Match           bool   `json:"match"`
}

func runSign(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("sign", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	secret := flagSet.String("secret", "", "Signing secret (defaults to backend.signing_secret)")
	token := flagSet.String("token", "", "Bearer token the request is sent with")
	bodyFlag := flagSet.String("body", "", "Request body as JSON, or @path to read it from a file")
	formatFlag := flagSet.String("format", "text", "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "sign does not accept positional arguments")
		return 2
	}
	format, err := normalizeTextJSONFormat("sign", *formatFlag, "text")
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(errOut, "sign requires --token")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		return 1
	}
	if strings.TrimSpace(*secret) == "" {
		*secret = cfg.Backend.SigningSecret
	}
	if strings.TrimSpace(*secret) == "" {
		fmt.Fprintln(errOut, "a signing secret is required: pass --secret or set backend.signing_secret")
		return 2
	}

	body, err := readSignBody(*bodyFlag)
	if err != nil {
		fmt.Fprintf(errOut, "failed to read body: %v\n", err)
		return 1
	}

	output, err := buildSignOutput(body, *token, *secret, cfg.Backend.SignatureHeader)
	if err != nil {
		fmt.Fprintf(errOut, "failed to sign: %v\n", err)
		return 1
	}

	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		encoder.SetEscapeHTML(false)
		if err := encoder.Encode(output); err != nil {
			fmt.Fprintf(errOut, "failed to write output: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Fprintf(out, "header:           %s\n", output.Header)
	fmt.Fprintf(out, "token fragment:   %s\n", output.TokenFragment)
	fmt.Fprintf(out, "message:          %s\n", output.Message)
	fmt.Fprintf(out, "signature:        %s\n", output.Signature)
	fmt.Fprintf(out, "stream signature: %s\n", output.StreamSignature)
	if !output.Match {
		fmt.Fprintln(errOut, "signatures differ")
		return 1
	}
	return 0
}

// buildSignOutput signs body both in one pass and through the chunked
// reader path so the two can be compared.
func buildSignOutput(body []byte, token, secret, header string) (signOutput, error) {
	message, err := signing.Message(body, token)
	if err != nil {
		return signOutput{}, err
	}
	streamed, err := signing.SignReader(strings.NewReader(message), secret)
	if err != nil {
		return signOutput{}, err
	}
	signature := signing.Sign(message, secret)
	if strings.TrimSpace(header) == "" {
		header = signing.DefaultHeader
	}
	return signOutput{
		Header:          header,
		TokenFragment:   signing.TokenFragment(token),
		Message:         message,
		Signature:       signature,
		StreamSignature: streamed,
		Match:           signature == streamed,
	}, nil
}

func readSignBody(raw string) ([]byte, error) {
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		return os.ReadFile(path)
	}
	return []byte(raw), nil
}
