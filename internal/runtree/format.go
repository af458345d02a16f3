package runtree

import (
	"fmt"
	"math"
	"strings"
)

// Style is the visual treatment for a run type.
type Style struct {
	Icon  string `json:"icon"`
	Label string `json:"label"`
	Color string `json:"color"`
}

var defaultStyle = Style{Icon: "●", Label: "Run", Color: "gray"}

var runTypeStyles = map[RunType]Style{
	RunTypeChain:     {Icon: "⛓", Label: "Chain", Color: "blue"},
	RunTypeLLM:       {Icon: "✦", Label: "LLM", Color: "purple"},
	RunTypeTool:      {Icon: "⚒", Label: "Tool", Color: "orange"},
	RunTypeRetriever: {Icon: "⌕", Label: "Retriever", Color: "green"},
}

// DefaultStyle is used for missing or unrecognized run types.
func DefaultStyle() Style {
	return defaultStyle
}

func StyleFor(runType string) Style {
	style, ok := runTypeStyles[normalizeRunType(runType)]
	if !ok {
		return defaultStyle
	}
	return style
}

func normalizeRunType(runType string) RunType {
	return RunType(strings.ToLower(strings.TrimSpace(runType)))
}

func knownRunType(runType string) bool {
	_, ok := runTypeStyles[normalizeRunType(runType)]
	return ok
}

// FormatDuration renders milliseconds by magnitude: "Nms" below a second,
// then seconds, minutes and hours with two decimals.
func FormatDuration(ms float64) string {
	if math.IsNaN(ms) || ms < 0 {
		ms = 0
	}
	switch rounded := math.Round(ms); {
	case rounded < 1000:
		return fmt.Sprintf("%dms", int64(rounded))
	case ms < 60*1000:
		return fmt.Sprintf("%.2fs", ms/1000)
	case ms < 60*60*1000:
		return fmt.Sprintf("%.2fmin", ms/(60*1000))
	default:
		return fmt.Sprintf("%.2fh", ms/(60*60*1000))
	}
}

// TokenBadge is shown only for runs that name a model.
func TokenBadge(n *Node) string {
	if !n.HasModel() {
		return ""
	}
	return fmt.Sprintf("%d tokens", n.TotalTokens)
}

// CostSplit is the share of a run's cost spent on prompt and completion.
// Defined is false when the run recorded no cost; the percentages are then
// meaningless and left at zero.
type CostSplit struct {
	PromptCost     float64
	CompletionCost float64
	TotalCost      float64
	InputPercent   float64
	OutputPercent  float64
	Defined        bool
}

func RootCostSplit(root *Node) CostSplit {
	if root == nil {
		return CostSplit{}
	}
	split := CostSplit{
		PromptCost:     root.PromptCost,
		CompletionCost: root.CompletionCost,
		TotalCost:      root.PromptCost + root.CompletionCost,
	}
	if split.TotalCost == 0 || math.IsNaN(split.TotalCost) || math.IsInf(split.TotalCost, 0) {
		return split
	}
	split.InputPercent = root.PromptCost / split.TotalCost * 100
	split.OutputPercent = 100 - split.InputPercent
	split.Defined = true
	return split
}
