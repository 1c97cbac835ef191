package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/grafana/linecov/pkg/output"
	"github.com/grafana/linecov/pkg/reporter"
)

var statusColor = map[output.Status]func(format string, a ...interface{}) string{
	output.StatusLow:    color.RedString,
	output.StatusMedium: color.YellowString,
	output.StatusHigh:   color.GreenString,
}

// printSummary writes the per-file table followed by the totals, colored by
// the limits.
func printSummary(out io.Writer, src output.Summarizer, limits output.Limits, stripLevel int) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"File", "Covered", "Lines", "Percent"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, fs := range src.FileSummaries() {
		table.Append([]string{
			output.StripPath(fs.Path, stripLevel),
			fmt.Sprintf("%d", fs.ExecutedLines),
			fmt.Sprintf("%d", fs.Lines),
			colorPercent(fs.Summary, limits),
		})
	}
	total := src.ExecutionSummary()
	table.SetFooter([]string{"Total", fmt.Sprintf("%d", total.ExecutedLines), fmt.Sprintf("%d", total.Lines), colorPercent(total, limits)})
	table.Render()
}

func colorPercent(s reporter.Summary, limits output.Limits) string {
	pct := s.Percent()
	return statusColor[limits.Status(pct)]("%.1f%%", pct)
}
