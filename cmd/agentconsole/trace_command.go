package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ongoingai/agentconsole/internal/backend"
	"github.com/ongoingai/agentconsole/internal/config"
	"github.com/ongoingai/agentconsole/internal/runtree"
)

const traceFetchTimeout = 30 * time.Second

type traceOutput struct {
	Source   string          `json:"source"`
	ID       string          `json:"id,omitempty"`
	Complete bool            `json:"complete"`
	Summary  runtree.Summary `json:"summary"`
	Nodes    []*runtree.Node `json:"nodes"`
}

func runTrace(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("trace", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	filePath := flagSet.String("file", "", "Read the trace payload from a file")
	traceID := flagSet.String("trace-id", "", "Fetch a trace from the backend")
	runID := flagSet.String("run-id", "", "Fetch a single run subtree from the backend")
	token := flagSet.String("token", "", "Backend token (defaults to "+tokenEnv+")")
	secret := flagSet.String("secret", "", "Signing secret (defaults to backend.signing_secret)")
	formatFlag := flagSet.String("format", "text", "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "trace does not accept positional arguments")
		return 2
	}
	format, err := normalizeTextJSONFormat("trace", *formatFlag, "text")
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	sources := 0
	for _, value := range []string{*filePath, *traceID, *runID} {
		if strings.TrimSpace(value) != "" {
			sources++
		}
	}
	if sources != 1 {
		fmt.Fprintln(errOut, "trace needs exactly one of --file, --trace-id or --run-id")
		return 2
	}

	var output traceOutput
	switch {
	case strings.TrimSpace(*filePath) != "":
		data, err := os.ReadFile(*filePath)
		if err != nil {
			fmt.Fprintf(errOut, "failed to read trace file: %v\n", err)
			return 1
		}
		nodes, err := runtree.Decode(data)
		if err != nil {
			fmt.Fprintf(errOut, "failed to decode trace: %v\n", err)
			return 1
		}
		output = traceOutput{Source: "file", Nodes: nodes}
	default:
		nodes, source, id, err := fetchTrace(*configPath, *secret, *token, *traceID, *runID)
		if err != nil {
			fmt.Fprintf(errOut, "failed to fetch trace: %v\n", err)
			return 1
		}
		output = traceOutput{Source: source, ID: id, Nodes: nodes}
	}
	if len(output.Nodes) == 0 {
		fmt.Fprintln(errOut, "no runs recorded")
		return 1
	}
	output.Complete = runtree.IsComplete(output.Nodes)
	output.Summary = runtree.Summarize(output.Nodes)

	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(output); err != nil {
			fmt.Fprintf(errOut, "failed to write trace: %v\n", err)
			return 1
		}
		return 0
	}

	if err := runtree.Render(out, output.Nodes, runtree.RenderOptions{ShowCost: true, ShowStatus: true}); err != nil {
		fmt.Fprintf(errOut, "failed to render trace: %v\n", err)
		return 1
	}
	writeTraceSummary(out, output)
	return 0
}

func fetchTrace(configPath, secret, rawToken, traceID, runID string) ([]*runtree.Node, string, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", "", err
	}
	if strings.TrimSpace(secret) == "" {
		secret = cfg.Backend.SigningSecret
	}
	creds, err := commandCredentials(rawToken)
	if err != nil {
		return nil, "", "", err
	}
	_, client, err := newBackendClient(cfg, secret, nil)
	if err != nil {
		return nil, "", "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), traceFetchTimeout)
	defer cancel()

	if id := strings.TrimSpace(runID); id != "" {
		nodes, err := client.GetRun(ctx, creds, id)
		if err != nil {
			return nil, "", "", fetchError(err)
		}
		return nodes, "run", id, nil
	}
	id := strings.TrimSpace(traceID)
	nodes, err := client.GetTrace(ctx, creds, id)
	if err != nil {
		return nil, "", "", fetchError(err)
	}
	return nodes, "trace", id, nil
}

func writeTraceSummary(out io.Writer, output traceOutput) {
	summary := output.Summary
	state := "complete"
	if !output.Complete {
		state = "running"
	}
	fmt.Fprintf(out, "\n%d runs, depth %d, %d errors, %d model calls, %d model tokens (%s)\n",
		summary.Nodes, summary.MaxDepth, summary.Errors, summary.ModelCalls, summary.ModelTokens, state)
}

func fetchError(err error) error {
	if errors.Is(err, runtree.ErrEmptyPayload) {
		return errors.New("no runs recorded")
	}
	return errors.New(backend.UserMessage(err))
}
