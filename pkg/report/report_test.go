package report

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/iore/iore/pkg/backend"
	"github.com/iore/iore/pkg/config"
	"github.com/iore/iore/pkg/engine"
	"github.com/iore/iore/pkg/phase"
	"github.com/iore/iore/pkg/results"
	"github.com/iore/iore/pkg/store"
)

func summary(access backend.Access, bytes int64, elapsed float64) *results.Summary {
	return &results.Summary{
		Access: access, Valid: true, Bytes: bytes,
		Timers: [phase.NumTimers]float64{0, 0.5, 0.5, elapsed - 0.5, elapsed - 0.5, elapsed},
	}
}

func TestConsoleRun(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, false)

	p := config.DefaultRunParams()
	p.NumRepetitions = 2
	p.BlockSizes = []config.Size{1 << 20}
	p.TransferSizes = []config.Size{256 << 10}
	run := &engine.Run{ID: 3, Params: p, Tasks: 2}

	c.RunStarted(run, engine.RunInfo{Tasks: 2, Requested: 4, Clamped: true, ClockSkew: 0.001})
	c.Repetition(run, 0, summary(backend.Write, 2<<20, 2), summary(backend.Read, 2<<20, 1))
	c.Repetition(run, 1, summary(backend.Write, 2<<20, 4), nil)
	r := results.New(2)
	r.Summaries[backend.Write][0] = *summary(backend.Write, 2<<20, 2)
	r.Summaries[backend.Write][1] = *summary(backend.Write, 2<<20, 4)
	c.RunFinished(run, r.Stats())

	out := buf.String()
	for _, want := range []string{
		"Run 3: POSIX, 2 tasks, SHARED_FILE, SEQUENTIAL",
		"1.0 MiB",
		"256 KiB",
		"4 tasks requested, only 2 available",
		"1.00",   // write rep 0 bandwidth
		"2.00",   // read rep 0 bandwidth
		"0.50",   // write rep 1 bandwidth
		"0.75",   // mean write bandwidth
		"4.0 MiB", // total write bytes
		"Summary of run 3",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "produced no results") {
		t.Error("run with results reported as empty")
	}
}

func TestConsoleEmptyRun(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, true)
	run := &engine.Run{ID: 1, Params: config.DefaultRunParams()}
	c.RunStarted(run, engine.RunInfo{Tasks: 1})
	c.Repetition(run, 0, nil, nil)
	c.RunFinished(run, results.New(1).Stats())
	if !strings.Contains(buf.String(), "Run 1 produced no results") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

func historyRecords() []store.Record {
	ts := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	return []store.Record{
		{Experiment: "exp-a", Timestamp: ts, Run: 0, Repetition: 0, Access: "write", API: "POSIX",
			Policy: "SHARED_FILE", Pattern: "RANDOM", Tasks: 4, Bytes: 3 << 20, Seconds: 1.5, BandwidthMiB: 2},
		{Experiment: "exp-a", Timestamp: ts, Run: 0, Repetition: 0, Access: "read", API: "POSIX",
			Policy: "SHARED_FILE", Pattern: "RANDOM", Tasks: 4, Bytes: 3 << 20, Seconds: 0.75, BandwidthMiB: 4},
	}
}

func TestHistoryCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := History(&buf, historyRecords(), "csv"); err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header plus 2", len(rows))
	}
	want := []string{"exp-a", "2026-05-06 07:08:09", "0", "0", "read", "POSIX", "SHARED_FILE", "RANDOM", "4", "3145728", "0.7500", "4.00"}
	for i, v := range want {
		if rows[2][i] != v {
			t.Errorf("column %s = %q, want %q", rows[0][i], rows[2][i], v)
		}
	}
}

func TestHistoryTable(t *testing.T) {
	var buf bytes.Buffer
	if err := History(&buf, historyRecords(), "table"); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"exp-a", "3.0 MiB", "RANDOM", "4.00"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := History(&buf, nil, ""); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "no results") {
		t.Errorf("empty history output = %q", buf.String())
	}
}

func TestHistoryUnknownFormat(t *testing.T) {
	if err := History(&bytes.Buffer{}, nil, "xml"); err == nil {
		t.Error("unknown format should fail")
	}
}

func TestHostPrint(t *testing.T) {
	var buf bytes.Buffer
	Host{Hostname: "node9", OS: "linux", Arch: "amd64", Cores: 8, Threads: 16, MemoryBytes: 32 << 30}.Print(&buf)
	want := "Host: node9 (linux/amd64), 8 cores, 16 threads, 32 GiB memory\n"
	if buf.String() != want {
		t.Errorf("Print = %q, want %q", buf.String(), want)
	}

	buf.Reset()
	Host{OS: "linux", Arch: "arm64"}.Print(&buf)
	if !strings.Contains(buf.String(), "unknown (linux/arm64)") || !strings.Contains(buf.String(), "unknown memory") {
		t.Errorf("Print without details = %q", buf.String())
	}
}

func TestHostInfo(t *testing.T) {
	h := HostInfo()
	if h.OS == "" || h.Arch == "" {
		t.Errorf("HostInfo = %+v, want OS and arch", h)
	}
}
