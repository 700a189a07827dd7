package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/iore/iore/pkg/store"
)

var historyColumns = []string{"Experiment", "Time", "Run", "Rep", "Access", "API", "Policy", "Pattern", "Tasks", "Bytes", "Seconds", "MiB/s"}

// History writes archived records as a table or as CSV.
func History(w io.Writer, recs []store.Record, format string) error {
	switch format {
	case "", "table":
		if len(recs) == 0 {
			fmt.Fprintln(w, "no results")
			return nil
		}
		table := tablewriter.NewWriter(w)
		header := make([]any, len(historyColumns))
		for i, c := range historyColumns {
			header[i] = c
		}
		table.Header(header...)
		rows := make([][]string, len(recs))
		for i, r := range recs {
			rows[i] = historyRow(r, humanize.IBytes(uint64(r.Bytes)))
		}
		if err := table.Bulk(rows); err != nil {
			return fmt.Errorf("report.History: %w", err)
		}
		return table.Render()
	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write(historyColumns); err != nil {
			return fmt.Errorf("report.History: %w", err)
		}
		for _, r := range recs {
			if err := cw.Write(historyRow(r, strconv.FormatInt(r.Bytes, 10))); err != nil {
				return fmt.Errorf("report.History: %w", err)
			}
		}
		cw.Flush()
		return cw.Error()
	}
	return fmt.Errorf("report.History: unknown format %q", format)
}

func historyRow(r store.Record, bytes string) []string {
	return []string{
		r.Experiment,
		r.Timestamp.Format("2006-01-02 15:04:05"),
		strconv.Itoa(r.Run),
		strconv.Itoa(r.Repetition),
		r.Access,
		r.API,
		r.Policy,
		r.Pattern,
		strconv.Itoa(r.Tasks),
		bytes,
		strconv.FormatFloat(r.Seconds, 'f', 4, 64),
		strconv.FormatFloat(r.BandwidthMiB, 'f', 2, 64),
	}
}
