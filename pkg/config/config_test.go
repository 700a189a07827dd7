package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	content := `
verbosity: verbose
results_db: /tmp/iore-results
metrics:
  enabled: true
  addr: ":9191"
rclone:
  type: local
  root: /scratch/iore
runs:
  - num_tasks: 8
    api: posix
    sharing_policy: file_per_process
    access_pattern: random
    block_sizes: [1m, 512k]
    transfer_sizes: [64k]
    write_test: true
    read_test: false
    ref_num: 7
    root_file_name: /scratch/iore/testfile
    num_repetitions: 3
    inter_test_delay: 2
    intra_test_barrier: true
    run_time_limit: 10
    keep_file: true
    reorder_tasks: true
    reorder_tasks_offset: 2
    single_io_attempt: true
  - api: rclone
`
	exp, err := Load(writeFile(t, "exp.yaml", content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if exp.Verbosity != Verbose {
		t.Errorf("Verbosity = %q, want VERBOSE", exp.Verbosity)
	}
	if !exp.Metrics.MetricsEnabled() || exp.Metrics.Addr != ":9191" {
		t.Errorf("Metrics = %+v", exp.Metrics)
	}
	if exp.Rclone == nil || exp.Rclone.Type != "local" {
		t.Fatalf("Rclone = %+v", exp.Rclone)
	}
	if len(exp.Runs) != 2 {
		t.Fatalf("Runs len = %d, want 2", len(exp.Runs))
	}

	r := exp.Runs[0]
	if r.NumTasks != 8 || r.API != "POSIX" {
		t.Errorf("NumTasks/API = %d/%q", r.NumTasks, r.API)
	}
	if r.SharingPolicy != FilePerProcess || r.AccessPattern != Random {
		t.Errorf("policy/pattern = %s/%s", r.SharingPolicy, r.AccessPattern)
	}
	blocks := r.Blocks()
	if len(blocks) != 2 || blocks[0] != 1<<20 || blocks[1] != 512<<10 {
		t.Errorf("Blocks = %v", blocks)
	}
	if xfers := r.Transfers(); len(xfers) != 1 || xfers[0] != 64<<10 {
		t.Errorf("Transfers = %v", xfers)
	}
	if !r.WriteEnabled() || r.ReadEnabled() {
		t.Errorf("WriteEnabled/ReadEnabled = %v/%v", r.WriteEnabled(), r.ReadEnabled())
	}
	if r.Reference() != 7 {
		t.Errorf("Reference = %d, want 7", r.Reference())
	}
	if r.TimeLimit() != 10*time.Minute || r.Delay() != 2*time.Second {
		t.Errorf("TimeLimit/Delay = %s/%s", r.TimeLimit(), r.Delay())
	}
	if !r.IntraTestBarrier || !r.KeepFile || !r.SingleIOAttempt || r.ReorderTasksOffset != 2 {
		t.Errorf("flags = %+v", r)
	}

	if exp.Runs[1].API != "RCLONE" {
		t.Errorf("second run API = %q, want RCLONE", exp.Runs[1].API)
	}
}

func TestLoad_Defaults(t *testing.T) {
	exp, err := Load(writeFile(t, "exp.yaml", "runs:\n  - {}\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if exp.Verbosity != Normal {
		t.Errorf("Verbosity = %q, want NORMAL", exp.Verbosity)
	}
	if exp.Metrics.MetricsEnabled() {
		t.Error("metrics should default to disabled")
	}

	want := DefaultRunParams()
	r := exp.Runs[0]
	if r.API != "POSIX" || r.SharingPolicy != SharedFile || r.AccessPattern != Sequential {
		t.Errorf("API/policy/pattern = %s/%s/%s", r.API, r.SharingPolicy, r.AccessPattern)
	}
	if r.Blocks()[0] != 4096 || r.Transfers()[0] != 4096 {
		t.Errorf("sizes = %v/%v, want 4096/4096", r.Blocks(), r.Transfers())
	}
	if !r.WriteEnabled() || !r.ReadEnabled() {
		t.Error("write and read should default to enabled")
	}
	if r.Reference() != -1 {
		t.Errorf("Reference = %d, want -1", r.Reference())
	}
	if r.RootFileName != want.RootFileName || r.RootFileName != "testfile" {
		t.Errorf("RootFileName = %q", r.RootFileName)
	}
	if r.NumRepetitions != 1 {
		t.Errorf("NumRepetitions = %d, want 1", r.NumRepetitions)
	}
}

func TestLoad_JSON(t *testing.T) {
	content := `{"runs": [{"num_tasks": 2, "block_sizes": [8192, "16k"], "transfer_sizes": ["4k"]}]}`
	exp, err := Load(writeFile(t, "exp.json", content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	blocks := exp.Runs[0].Blocks()
	if len(blocks) != 2 || blocks[0] != 8192 || blocks[1] != 16384 {
		t.Errorf("Blocks = %v", blocks)
	}
}

func TestLoad_TOML(t *testing.T) {
	content := `
verbosity = "debug"

[telemetry]
enabled = true
sink = "file"
flush_interval = "2s"

[[runs]]
num_tasks = 4
sharing_policy = "SHARED_FILE"
access_pattern = "RANDOM"
block_sizes = ["1m", 4096]
transfer_sizes = ["256k"]
num_repetitions = 2
`
	exp, err := Load(writeFile(t, "exp.toml", content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if exp.Verbosity != Debug {
		t.Errorf("Verbosity = %q, want DEBUG", exp.Verbosity)
	}
	if !exp.Telemetry.Enabled || exp.Telemetry.FlushInterval != 2*time.Second {
		t.Errorf("Telemetry = %+v", exp.Telemetry)
	}
	r := exp.Runs[0]
	if r.NumTasks != 4 || r.AccessPattern != Random || r.NumRepetitions != 2 {
		t.Errorf("run = %+v", r)
	}
	if b := r.Blocks(); len(b) != 2 || b[0] != 1<<20 || b[1] != 4096 {
		t.Errorf("Blocks = %v", b)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("IORE_TEST_ROOT", "/scratch/env")
	exp, err := Load(writeFile(t, "exp.yaml", "runs:\n  - root_file_name: ${IORE_TEST_ROOT}/file\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := exp.Runs[0].RootFileName; got != "/scratch/env/file" {
		t.Errorf("RootFileName = %q", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"bad policy", "runs: [{sharing_policy: striped}]", "sharing_policy"},
		{"bad pattern", "runs: [{access_pattern: strided}]", "access_pattern"},
		{"zero block", "runs: [{block_sizes: [0]}]", "block_sizes[0]"},
		{"negative transfer", "runs: [{transfer_sizes: [4096, -1]}]", "transfer_sizes[1]"},
		{"negative reps", "runs: [{num_repetitions: -2}]", "num_repetitions"},
		{"negative delay", "runs: [{inter_test_delay: -1}]", "inter_test_delay"},
		{"negative limit", "runs: [{run_time_limit: -1}]", "run_time_limit"},
		{"negative tasks", "runs: [{num_tasks: -1}]", "num_tasks"},
		{"nothing to do", "runs: [{write_test: false, read_test: false}]", "neither"},
		{"bad verbosity", "verbosity: loud", "verbosity"},
		{"rclone without section", "runs: [{api: rclone}]", "rclone"},
		{"bad size string", "runs: [{block_sizes: [4x]}]", "invalid size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.doc, ".yaml")
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"0", 0},
		{"1024", 1024},
		{"4k", 4 * 1024},
		{"4K", 4 * 1024},
		{"1m", 1024 * 1024},
		{"4MB", 4 * 1024 * 1024},
		{"3g", 3 * 1024 * 1024 * 1024},
		{"2TB", 2 * 1024 * 1024 * 1024 * 1024},
		{"500GB", 500 * 1024 * 1024 * 1024},
		{"1KB", 1024},
		{"1.5k", 1536},
		{"512B", 512},
	}

	for _, tt := range tests {
		got, err := ParseSize(tt.input)
		if err != nil {
			t.Errorf("ParseSize(%q) error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestParseSize_Invalid(t *testing.T) {
	for _, in := range []string{"invalid", "k", "1.2.3m"} {
		if _, err := ParseSize(in); err == nil {
			t.Errorf("ParseSize(%q) should return error", in)
		}
	}
}

func TestVerbosityLevel(t *testing.T) {
	if Quiet.Level() <= Normal.Level() {
		t.Error("QUIET should log less than NORMAL")
	}
	if Debug.Level() >= Verbose.Level() {
		t.Error("DEBUG should log more than VERBOSE")
	}
}
