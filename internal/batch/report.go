package batch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Summary is the one-line verdict for a run
func (r Report) Summary() string {
	if r.Errors > 0 && r.Successes == 0 {
		return fmt.Sprintf("Error: Failed to enrich %d of %d images.", r.Errors, r.Total)
	}
	line := fmt.Sprintf("Enriched %d of %d images", r.Successes, r.Total)
	var extra []string
	if r.Skips > 0 {
		extra = append(extra, fmt.Sprintf("%d skipped", r.Skips))
	}
	if r.Errors > 0 {
		extra = append(extra, fmt.Sprintf("%d failed", r.Errors))
	}
	if len(extra) > 0 {
		line += " (" + strings.Join(extra, ", ") + ")"
	}
	if r.Errors > 0 {
		return "Warning: " + line + "."
	}
	return "Success: " + line + "."
}

// Table renders per-image results. plain drops box drawing for pipes.
func (r Report) Table(plain bool) string {
	tw := table.NewWriter()
	if plain {
		tw.SetStyle(table.StyleLight)
		tw.Style().Options.DrawBorder = false
		tw.Style().Options.SeparateColumns = false
		tw.Style().Options.SeparateHeader = false
	} else {
		tw.SetStyle(table.StyleRounded)
	}
	tw.Style().Format.Footer = text.FormatDefault

	tw.AppendHeader(table.Row{"Image", "Outcome", "Alt text / error"})
	for _, res := range r.Results {
		detail := res.AltText
		if res.Err != nil {
			detail = res.Err.Error()
		}
		tw.AppendRow(table.Row{"#" + strconv.FormatInt(res.ID, 10), res.Outcome.String(), detail})
	}
	tw.AppendFooter(table.Row{"", "total", fmt.Sprintf("%d enriched, %d skipped, %d failed", r.Successes, r.Skips, r.Errors)})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 3, WidthMax: 60},
	})
	return tw.Render()
}
