package scanner

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
)

// WriteSummary renders the run summary as a table.
func WriteSummary(w io.Writer, r Result) {
	s := r.Summary

	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.SetTitle("scan " + string(r.Status))
	tbl.AppendHeader(table.Row{"Metric", "Value"})
	tbl.AppendRows([]table.Row{
		{"entries seen", humanize.Comma(s.Seen)},
		{"directories", humanize.Comma(s.Directories)},
		{"hashed", humanize.Comma(s.Hashed)},
		{"bytes hashed", humanize.Bytes(uint64(max(s.Bytes, 0)))},
		{"skipped (known)", humanize.Comma(s.Known)},
		{"skipped (filter)", humanize.Comma(s.Filtered)},
		{"errors", humanize.Comma(s.Errored)},
		{"durable records", humanize.Comma(r.Writer.Durable)},
		{"elapsed", s.Elapsed.Round(10 * time.Millisecond).String()},
		{"throughput", fmt.Sprintf("%s/s", humanize.Bytes(uint64(max(s.BytesPerSecond, 0))))},
	})
	if r.Output != "" {
		tbl.AppendFooter(table.Row{"output", r.Output})
	}
	tbl.Render()
}
