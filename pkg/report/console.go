package report

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"

	"github.com/iore/iore/pkg/engine"
	"github.com/iore/iore/pkg/results"
)

var (
	bold   = color.New(color.Bold)
	yellow = color.New(color.FgYellow)
	green  = color.New(color.FgGreen)
)

// Console is an engine sink that prints to a terminal.
type Console struct {
	w        io.Writer
	progress bool

	mu   sync.Mutex
	bar  *progressbar.ProgressBar
	rows [][]string
}

// NewConsole creates a console sink writing to w. With progress set a bar
// tracks repetitions while a run executes.
func NewConsole(w io.Writer, progress bool) *Console {
	return &Console{w: w, progress: progress}
}

func sizeList(sizes []int64) string {
	parts := make([]string, len(sizes))
	for i, s := range sizes {
		parts[i] = humanize.IBytes(uint64(s))
	}
	return strings.Join(parts, ",")
}

func (c *Console) RunStarted(run *engine.Run, info engine.RunInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := run.Params
	c.rows = nil

	bold.Fprintf(c.w, "\nRun %d: %s, %d tasks, %s, %s\n", run.ID, p.API, info.Tasks, p.SharingPolicy, p.AccessPattern)
	fmt.Fprintf(c.w, "  file:       %s\n", p.RootFileName)
	fmt.Fprintf(c.w, "  block:      %s\n", sizeList(p.Blocks()))
	fmt.Fprintf(c.w, "  transfer:   %s\n", sizeList(p.Transfers()))
	fmt.Fprintf(c.w, "  reps:       %d\n", p.NumRepetitions)
	fmt.Fprintf(c.w, "  clock skew: %.6f s\n", info.ClockSkew)
	if info.Clamped {
		yellow.Fprintf(c.w, "  warning: %d tasks requested, only %d available\n", info.Requested, info.Tasks)
	}

	if c.progress {
		c.bar = progressbar.NewOptions(p.NumRepetitions,
			progressbar.OptionSetWriter(c.w),
			progressbar.OptionSetDescription(fmt.Sprintf("run %d", run.ID)),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}
	return nil
}

func (c *Console) Repetition(run *engine.Run, rep int, write, read *results.Summary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range []*results.Summary{write, read} {
		if s == nil {
			continue
		}
		c.rows = append(c.rows, []string{
			s.Access.String(),
			fmt.Sprintf("%d", rep),
			fmt.Sprintf("%.2f", s.Bandwidth()),
			fmt.Sprintf("%.4f", s.OpenTime()),
			fmt.Sprintf("%.4f", s.XferTime()),
			fmt.Sprintf("%.4f", s.CloseTime()),
			fmt.Sprintf("%.4f", s.Elapsed()),
			humanize.IBytes(uint64(s.Bytes)),
		})
	}
	if c.bar != nil {
		return c.bar.Add(1)
	}
	return nil
}

func (c *Console) RunFinished(run *engine.Run, stats []results.Stats) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bar != nil {
		_ = c.bar.Finish()
		c.bar = nil
	}

	if len(c.rows) > 0 {
		table := tablewriter.NewWriter(c.w)
		table.Header("Access", "Rep", "MiB/s", "Open(s)", "Xfer(s)", "Close(s)", "Total(s)", "Bytes")
		_ = table.Bulk(c.rows)
		_ = table.Render()
	}

	var summary [][]string
	for _, st := range stats {
		if st.Repetitions == 0 {
			continue
		}
		summary = append(summary, []string{
			st.Access.String(),
			fmt.Sprintf("%.2f", st.MaxMiB),
			fmt.Sprintf("%.2f", st.MinMiB),
			fmt.Sprintf("%.2f", st.MeanMiB),
			fmt.Sprintf("%.2f", st.StdDevMiB),
			fmt.Sprintf("%.4f", st.MeanTime),
			humanize.IBytes(uint64(st.TotalBytes)),
			fmt.Sprintf("%d", st.Repetitions),
		})
	}
	if len(summary) == 0 {
		yellow.Fprintf(c.w, "Run %d produced no results\n", run.ID)
		return nil
	}
	green.Fprintf(c.w, "Summary of run %d\n", run.ID)
	table := tablewriter.NewWriter(c.w)
	table.Header("Access", "Max(MiB/s)", "Min(MiB/s)", "Mean(MiB/s)", "StdDev", "Mean(s)", "Total", "Reps")
	_ = table.Bulk(summary)
	_ = table.Render()
	c.rows = nil
	return nil
}
