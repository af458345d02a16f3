package runtree

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RunType identifies the kind of step a run recorded.
type RunType string

const (
	RunTypeChain     RunType = "chain"
	RunTypeLLM       RunType = "llm"
	RunTypeTool      RunType = "tool"
	RunTypeRetriever RunType = "retriever"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

var ErrEmptyPayload = errors.New("trace payload has no runs")

// Node is one recorded run in an agent execution graph. Token and cost
// fields belong to the run itself; nothing is rolled up from children.
type Node struct {
	RunID            string    `json:"run_id"`
	Name             string    `json:"name"`
	RunType          RunType   `json:"run_type"`
	StartTime        Timestamp `json:"start_time"`
	EndTime          Timestamp `json:"end_time"`
	TotalTokens      int64     `json:"total_tokens"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	PromptCost       float64   `json:"prompt_cost"`
	CompletionCost   float64   `json:"completion_cost"`
	Model            *string   `json:"model"`
	Status           string    `json:"status"`
	Error            string    `json:"error,omitempty"`
	Children         []*Node   `json:"children"`
}

// DurationMS returns end minus start in milliseconds, or 0 when either
// timestamp is missing.
func (n *Node) DurationMS() float64 {
	if n == nil || !n.StartTime.Valid || !n.EndTime.Valid {
		return 0
	}
	return float64(n.EndTime.Time.Sub(n.StartTime.Time)) / float64(time.Millisecond)
}

// ModelName returns the trimmed model or "" when the run has none.
func (n *Node) ModelName() string {
	if n == nil || n.Model == nil {
		return ""
	}
	return strings.TrimSpace(*n.Model)
}

func (n *Node) HasModel() bool {
	return n.ModelName() != ""
}

func (n *Node) Failed() bool {
	return n != nil && strings.EqualFold(strings.TrimSpace(n.Status), StatusError)
}

// Timestamp accepts RFC3339 values and the zone-less timestamps some trace
// backends emit. Null and empty strings decode to an invalid value.
type Timestamp struct {
	Time  time.Time
	Valid bool
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC(), Valid: true}
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*t = Timestamp{}
		return nil
	}

	var raw string
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*t = Timestamp{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			*t = NewTimestamp(parsed)
			return nil
		}
	}
	return fmt.Errorf("unsupported timestamp %q", raw)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if !t.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

// Decode parses a trace payload. It accepts a single run object, an array
// of root runs, or an envelope carrying "runs" or "trace".
func Decode(data []byte) ([]*Node, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, ErrEmptyPayload
	}

	if trimmed[0] == '[' {
		var roots []*Node
		if err := json.Unmarshal(trimmed, &roots); err != nil {
			return nil, fmt.Errorf("decode run list: %w", err)
		}
		return compact(roots), nil
	}

	var envelope struct {
		Runs  []*Node `json:"runs"`
		Trace *Node   `json:"trace"`
		Run   *Node   `json:"run"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("decode trace payload: %w", err)
	}
	switch {
	case envelope.Runs != nil:
		return compact(envelope.Runs), nil
	case envelope.Trace != nil:
		return []*Node{envelope.Trace}, nil
	case envelope.Run != nil:
		return []*Node{envelope.Run}, nil
	}

	var root Node
	if err := json.Unmarshal(trimmed, &root); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	if strings.TrimSpace(root.RunID) == "" && strings.TrimSpace(root.Name) == "" && len(root.Children) == 0 {
		return nil, ErrEmptyPayload
	}
	return []*Node{&root}, nil
}

func compact(nodes []*Node) []*Node {
	out := make([]*Node, 0, len(nodes))
	for _, node := range nodes {
		if node != nil {
			out = append(out, node)
		}
	}
	return out
}
