package runtree

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

type RenderOptions struct {
	// ShowCost prints the prompt/completion split above each root.
	ShowCost bool
	// ShowStatus appends a marker to failed runs.
	ShowStatus bool
}

// Render writes the tree as aligned text using box-drawing connectors.
func Render(out io.Writer, roots []*Node, options RenderOptions) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	var writeErr error
	Walk(roots, func(row Row) bool {
		if row.Depth == 0 && options.ShowCost {
			if _, writeErr = fmt.Fprintf(tw, "%s\t\t\n", CostLine(RootCostSplit(row.Node))); writeErr != nil {
				return false
			}
		}
		_, writeErr = fmt.Fprintf(tw, "%s\t%s\t%s\n", rowLabel(row, options), row.Duration, rowDetail(row))
		return writeErr == nil
	})
	if writeErr != nil {
		return writeErr
	}
	return tw.Flush()
}

// CostLine formats a root cost split for display.
func CostLine(split CostSplit) string {
	if !split.Defined {
		return "cost n/a"
	}
	return fmt.Sprintf("cost $%.6f  input %.1f%%  output %.1f%%", split.TotalCost, split.InputPercent, split.OutputPercent)
}

func rowLabel(row Row, options RenderOptions) string {
	name := strings.TrimSpace(row.Node.Name)
	if name == "" {
		name = row.Node.RunID
	}
	if name == "" {
		name = "(unnamed)"
	}
	label := row.Prefix + row.Style.Icon + " " + name
	if options.ShowStatus && row.Node.Failed() {
		label += " ✗"
	}
	return label
}

func rowDetail(row Row) string {
	if row.TokenBadge == "" {
		return ""
	}
	return fmt.Sprintf("%s · %s", row.TokenBadge, row.Node.ModelName())
}
