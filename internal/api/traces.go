package api

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/ongoingai/agentconsole/internal/auth"
	"github.com/ongoingai/agentconsole/internal/backend"
	"github.com/ongoingai/agentconsole/internal/observability"
	"github.com/ongoingai/agentconsole/internal/pathutil"
	"github.com/ongoingai/agentconsole/internal/runtree"
	"github.com/ongoingai/agentconsole/internal/tracecache"
)

const (
	viewRows = "rows"
	viewText = "text"
)

type treeResponse struct {
	ID       string          `json:"id"`
	Kind     tracecache.Kind `json:"kind"`
	Cached   bool            `json:"cached"`
	Complete bool            `json:"complete"`
	Nodes    []*runtree.Node `json:"nodes"`
	Rows     []rowResponse   `json:"rows"`
	Costs    []costResponse  `json:"costs"`
	Summary  runtree.Summary `json:"summary"`
}

type rowResponse struct {
	RunID      string        `json:"run_id"`
	Name       string        `json:"name"`
	RunType    string        `json:"run_type"`
	Depth      int           `json:"depth"`
	IsLast     bool          `json:"is_last"`
	Prefix     string        `json:"prefix"`
	DurationMS float64       `json:"duration_ms"`
	Duration   string        `json:"duration"`
	TokenBadge string        `json:"token_badge,omitempty"`
	Style      runtree.Style `json:"style"`
	Status     string        `json:"status,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// costResponse percentages are null when the root recorded no cost.
type costResponse struct {
	RunID          string   `json:"run_id"`
	PromptCost     float64  `json:"prompt_cost"`
	CompletionCost float64  `json:"completion_cost"`
	TotalCost      float64  `json:"total_cost"`
	InputPercent   *float64 `json:"input_percent"`
	OutputPercent  *float64 `json:"output_percent"`
	Label          string   `json:"label"`
}

// TraceHandler serves /api/traces/{id} or /api/runs/{id}. Completed trees
// are served from cache when one is configured.
func TraceHandler(client *backend.Client, cache *tracecache.Cache, telemetry *observability.Runtime, kind tracecache.Kind, errs *errorWriter) http.Handler {
	prefix := "/api/traces"
	fetch := client.GetTrace
	if kind == tracecache.KindRun {
		prefix = "/api/runs"
		fetch = client.GetRun
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		segments, ok := pathutil.Segments(r.URL.Path, prefix)
		if !ok || len(segments) != 1 {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		view := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("view")))
		if view != "" && view != viewRows && view != viewText {
			writeError(w, http.StatusBadRequest, "view must be rows or text")
			return
		}

		id := segments[0]
		nodes, cached, err := loadTree(r.Context(), cache, telemetry, kind, id, fetch)
		if err != nil {
			errs.write(w, r, err)
			return
		}

		if view == viewText {
			var out bytes.Buffer
			if err := runtree.Render(&out, nodes, runtree.RenderOptions{ShowCost: true, ShowStatus: true}); err != nil {
				writeError(w, http.StatusInternalServerError, "failed to render run tree")
				return
			}
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(out.Bytes())
			return
		}
		writeJSON(w, http.StatusOK, buildTreeResponse(kind, id, cached, nodes))
	})
}

type treeFetcher func(ctx context.Context, creds auth.Credentials, id string) ([]*runtree.Node, error)

func loadTree(ctx context.Context, cache *tracecache.Cache, telemetry *observability.Runtime, kind tracecache.Kind, id string, fetch treeFetcher) ([]*runtree.Node, bool, error) {
	creds, _ := auth.CredentialsFromContext(ctx)
	caller := tracecache.CallerScope(creds.Token)
	if cache != nil && caller != "" {
		nodes, hit := cache.Lookup(ctx, caller, kind, id)
		telemetry.RecordCacheLookup(hit)
		if hit {
			return nodes, true, nil
		}
	}
	nodes, err := fetch(ctx, creds, id)
	if err != nil {
		return nil, false, err
	}
	cache.Remember(ctx, caller, kind, id, nodes)
	return nodes, false, nil
}

func buildTreeResponse(kind tracecache.Kind, id string, cached bool, nodes []*runtree.Node) treeResponse {
	out := treeResponse{
		ID:       id,
		Kind:     kind,
		Cached:   cached,
		Complete: runtree.IsComplete(nodes),
		Nodes:    nodes,
		Rows:     []rowResponse{},
		Costs:    make([]costResponse, 0, len(nodes)),
		Summary:  runtree.Summarize(nodes),
	}
	for _, row := range runtree.Rows(nodes) {
		node := row.Node
		out.Rows = append(out.Rows, rowResponse{
			RunID:      node.RunID,
			Name:       node.Name,
			RunType:    string(node.RunType),
			Depth:      row.Depth,
			IsLast:     row.IsLast,
			Prefix:     row.Prefix,
			DurationMS: node.DurationMS(),
			Duration:   row.Duration,
			TokenBadge: row.TokenBadge,
			Style:      row.Style,
			Status:     node.Status,
			Error:      node.Error,
		})
		if row.Depth == 0 {
			out.Costs = append(out.Costs, costFor(node))
		}
	}
	return out
}

func costFor(root *runtree.Node) costResponse {
	split := runtree.RootCostSplit(root)
	out := costResponse{
		RunID:          root.RunID,
		PromptCost:     split.PromptCost,
		CompletionCost: split.CompletionCost,
		TotalCost:      split.TotalCost,
		Label:          runtree.CostLine(split),
	}
	if split.Defined {
		input, output := split.InputPercent, split.OutputPercent
		out.InputPercent = &input
		out.OutputPercent = &output
	}
	return out
}
