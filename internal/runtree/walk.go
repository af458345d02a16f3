package runtree

import "strings"

const (
	connectorMiddle = "├─ "
	connectorLast   = "└─ "
	guideOpen       = "│  "
	guideClosed     = "   "
)

// Row is one visited node together with its position in the hierarchy.
type Row struct {
	Node       *Node
	Depth      int
	IsLast     bool
	Prefix     string
	Duration   string
	TokenBadge string
	Style      Style
}

// Walk visits roots and their descendants in pre-order. Siblings keep their
// order, and IsLast is set only on the final entry of each sibling list.
// Returning false from fn stops the walk.
func Walk(roots []*Node, fn func(Row) bool) {
	if fn == nil {
		return
	}
	walkLevel(roots, 0, "", fn)
}

func walkLevel(nodes []*Node, depth int, guide string, fn func(Row) bool) bool {
	last := lastNonNil(nodes)
	for i, node := range nodes {
		if node == nil {
			continue
		}
		isLast := i == last

		prefix := ""
		childGuide := ""
		if depth > 0 {
			connector := connectorMiddle
			childGuide = guide + guideOpen
			if isLast {
				connector = connectorLast
				childGuide = guide + guideClosed
			}
			prefix = guide + connector
		}

		row := Row{
			Node:       node,
			Depth:      depth,
			IsLast:     isLast,
			Prefix:     prefix,
			Duration:   FormatDuration(node.DurationMS()),
			TokenBadge: TokenBadge(node),
			Style:      StyleFor(string(node.RunType)),
		}
		if !fn(row) {
			return false
		}
		if !walkLevel(node.Children, depth+1, childGuide, fn) {
			return false
		}
	}
	return true
}

func lastNonNil(nodes []*Node) int {
	for i := len(nodes) - 1; i >= 0; i-- {
		if nodes[i] != nil {
			return i
		}
	}
	return -1
}

// Rows flattens the hierarchy into visit order.
func Rows(roots []*Node) []Row {
	var rows []Row
	Walk(roots, func(row Row) bool {
		rows = append(rows, row)
		return true
	})
	return rows
}

// Find returns the first run with the given id, or nil.
func Find(roots []*Node, runID string) *Node {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil
	}
	var found *Node
	Walk(roots, func(row Row) bool {
		if row.Node.RunID == runID {
			found = row.Node
			return false
		}
		return true
	})
	return found
}

// IsComplete reports whether every run in the tree has finished.
func IsComplete(roots []*Node) bool {
	complete := len(roots) > 0
	Walk(roots, func(row Row) bool {
		if !row.Node.EndTime.Valid {
			complete = false
			return false
		}
		return true
	})
	return complete
}

// Summary describes a tree without changing it. Model totals sum only runs
// that name a model, so nested chains do not count the same call twice.
type Summary struct {
	Nodes       int            `json:"nodes"`
	MaxDepth    int            `json:"max_depth"`
	ByType      map[string]int `json:"by_type"`
	Errors      int            `json:"errors"`
	ModelCalls  int            `json:"model_calls"`
	ModelTokens int64          `json:"model_tokens"`
	ModelCost   float64        `json:"model_cost"`
}

func Summarize(roots []*Node) Summary {
	summary := Summary{ByType: map[string]int{}}
	Walk(roots, func(row Row) bool {
		node := row.Node
		summary.Nodes++
		if row.Depth > summary.MaxDepth {
			summary.MaxDepth = row.Depth
		}
		runType := string(normalizeRunType(string(node.RunType)))
		if !knownRunType(runType) {
			runType = "unknown"
		}
		summary.ByType[runType]++
		if node.Failed() {
			summary.Errors++
		}
		if node.HasModel() {
			summary.ModelCalls++
			summary.ModelTokens += node.TotalTokens
			summary.ModelCost += node.PromptCost + node.CompletionCost
		}
		return true
	})
	return summary
}
