package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Experiment is the top-level iore configuration: process-wide settings
// plus the ordered list of runs executed by every task.
type Experiment struct {
	Verbosity Verbosity       `yaml:"verbosity" toml:"verbosity"`
	ResultsDB string          `yaml:"results_db" toml:"results_db"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Rclone    *RcloneConfig   `yaml:"rclone" toml:"rclone"`
	Runs      []RunParams     `yaml:"runs" toml:"runs"`
}

// MetricsConfig configures the Prometheus metrics and health endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" toml:"enabled"` // pointer to distinguish unset from false; default false
	Addr    string `yaml:"addr" toml:"addr"`       // listen address; default ":9090"
}

// MetricsEnabled returns whether the metrics server should run.
func (m MetricsConfig) MetricsEnabled() bool {
	if m.Enabled == nil {
		return false
	}
	return *m.Enabled
}

// TelemetryConfig configures result telemetry emitted by the coordinator.
type TelemetryConfig struct {
	Enabled          bool          `yaml:"enabled" toml:"enabled"`
	Sink             string        `yaml:"sink" toml:"sink"` // "stdout", "file", "http", "nop"
	FilePath         string        `yaml:"file_path" toml:"file_path"`
	ControlPlaneAddr string        `yaml:"control_plane_addr" toml:"control_plane_addr"`
	BatchSize        int           `yaml:"batch_size" toml:"batch_size"`
	FlushInterval    time.Duration `yaml:"flush_interval" toml:"flush_interval"`
}

// RcloneConfig describes the remote used by the RCLONE backend.
type RcloneConfig struct {
	Type   string            `yaml:"type" toml:"type"` // rclone backend type, e.g. "local", "s3"
	Root   string            `yaml:"root" toml:"root"` // bucket/container + optional prefix
	Config map[string]string `yaml:"config" toml:"config"`
}

// SharingPolicy selects whether tasks share one file or own one each.
type SharingPolicy string

const (
	SharedFile     SharingPolicy = "SHARED_FILE"
	FilePerProcess SharingPolicy = "FILE_PER_PROCESS"
)

// AccessPattern selects the ordering of offsets within a task's region.
type AccessPattern string

const (
	Sequential AccessPattern = "SEQUENTIAL"
	Random     AccessPattern = "RANDOM"
)

// Verbosity is the experiment-wide output level.
type Verbosity string

const (
	Quiet       Verbosity = "QUIET"
	Normal      Verbosity = "NORMAL"
	Verbose     Verbosity = "VERBOSE"
	VeryVerbose Verbosity = "VERY_VERBOSE"
	Debug       Verbosity = "DEBUG"
)

// Level maps the verbosity onto a slog level.
func (v Verbosity) Level() slog.Level {
	switch v {
	case Quiet:
		return slog.LevelWarn
	case VeryVerbose, Debug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Detailed reports whether per-phase results should be logged.
func (v Verbosity) Detailed() bool {
	return v == Verbose || v == VeryVerbose || v == Debug
}

// RunParams is the immutable configuration of one run.
type RunParams struct {
	NumTasks           int           `yaml:"num_tasks" toml:"num_tasks"` // 0 = every task
	API                string        `yaml:"api" toml:"api"`
	SharingPolicy      SharingPolicy `yaml:"sharing_policy" toml:"sharing_policy"`
	AccessPattern      AccessPattern `yaml:"access_pattern" toml:"access_pattern"`
	BlockSizes         []Size        `yaml:"block_sizes" toml:"block_sizes"`
	TransferSizes      []Size        `yaml:"transfer_sizes" toml:"transfer_sizes"`
	WriteTest          *bool         `yaml:"write_test" toml:"write_test"`
	ReadTest           *bool         `yaml:"read_test" toml:"read_test"`
	RefNum             *int          `yaml:"ref_num" toml:"ref_num"`
	RootFileName       string        `yaml:"root_file_name" toml:"root_file_name"`
	NumRepetitions     int           `yaml:"num_repetitions" toml:"num_repetitions"`
	InterTestDelay     int           `yaml:"inter_test_delay" toml:"inter_test_delay"` // seconds
	IntraTestBarrier   bool          `yaml:"intra_test_barrier" toml:"intra_test_barrier"`
	RunTimeLimit       int           `yaml:"run_time_limit" toml:"run_time_limit"` // minutes, 0 = none
	KeepFile           bool          `yaml:"keep_file" toml:"keep_file"`
	UseExistingFile    bool          `yaml:"use_existing_file" toml:"use_existing_file"`
	UseRepInFileName   bool          `yaml:"use_rep_in_file_name" toml:"use_rep_in_file_name"`
	DirPerFile         bool          `yaml:"dir_per_file" toml:"dir_per_file"`
	ReorderTasks       bool          `yaml:"reorder_tasks" toml:"reorder_tasks"`
	ReorderTasksOffset int           `yaml:"reorder_tasks_offset" toml:"reorder_tasks_offset"`
	SingleIOAttempt    bool          `yaml:"single_io_attempt" toml:"single_io_attempt"`
	Fsync              bool          `yaml:"fsync" toml:"fsync"`
}

// DefaultRunParams returns a run with every default applied.
func DefaultRunParams() RunParams {
	var p RunParams
	p.applyDefaults()
	return p
}

// WriteEnabled reports whether the run has a write phase.
func (p RunParams) WriteEnabled() bool { return p.WriteTest == nil || *p.WriteTest }

// ReadEnabled reports whether the run has a read phase.
func (p RunParams) ReadEnabled() bool { return p.ReadTest == nil || *p.ReadTest }

// Reference returns the custom reference number, or -1 when unset.
func (p RunParams) Reference() int {
	if p.RefNum == nil {
		return -1
	}
	return *p.RefNum
}

// Blocks returns the block-size list in bytes.
func (p RunParams) Blocks() []int64 { return sizes(p.BlockSizes) }

// Transfers returns the transfer-size list in bytes.
func (p RunParams) Transfers() []int64 { return sizes(p.TransferSizes) }

// TimeLimit is the run deadline measured from run start; zero means none.
func (p RunParams) TimeLimit() time.Duration {
	return time.Duration(p.RunTimeLimit) * time.Minute
}

// Delay is the pause the coordinator takes before each phase.
func (p RunParams) Delay() time.Duration {
	return time.Duration(p.InterTestDelay) * time.Second
}

func sizes(in []Size) []int64 {
	out := make([]int64, len(in))
	for i, s := range in {
		out[i] = int64(s)
	}
	return out
}

func (p *RunParams) applyDefaults() {
	if p.API == "" {
		p.API = "POSIX"
	}
	p.API = strings.ToUpper(p.API)
	if p.SharingPolicy == "" {
		p.SharingPolicy = SharedFile
	}
	p.SharingPolicy = SharingPolicy(strings.ToUpper(string(p.SharingPolicy)))
	if p.AccessPattern == "" {
		p.AccessPattern = Sequential
	}
	p.AccessPattern = AccessPattern(strings.ToUpper(string(p.AccessPattern)))
	if len(p.BlockSizes) == 0 {
		p.BlockSizes = []Size{4096}
	}
	if len(p.TransferSizes) == 0 {
		p.TransferSizes = []Size{4096}
	}
	if p.RootFileName == "" {
		p.RootFileName = "testfile"
	}
	if p.NumRepetitions == 0 {
		p.NumRepetitions = 1
	}
	if p.ReorderTasks && p.ReorderTasksOffset == 0 {
		p.ReorderTasksOffset = 1
	}
}

// Validate checks one run for logical errors.
func (p *RunParams) Validate() error {
	if p.NumTasks < 0 {
		return fmt.Errorf("config: num_tasks must not be negative, got %d", p.NumTasks)
	}
	switch p.SharingPolicy {
	case SharedFile, FilePerProcess:
	default:
		return fmt.Errorf("config: unknown sharing_policy %q", p.SharingPolicy)
	}
	switch p.AccessPattern {
	case Sequential, Random:
	default:
		return fmt.Errorf("config: unknown access_pattern %q", p.AccessPattern)
	}
	for i, s := range p.BlockSizes {
		if s < 1 {
			return fmt.Errorf("config: block_sizes[%d] must be positive, got %d", i, s)
		}
	}
	for i, s := range p.TransferSizes {
		if s < 1 {
			return fmt.Errorf("config: transfer_sizes[%d] must be positive, got %d", i, s)
		}
	}
	if p.NumRepetitions < 1 {
		return fmt.Errorf("config: num_repetitions must be at least 1, got %d", p.NumRepetitions)
	}
	if p.InterTestDelay < 0 {
		return fmt.Errorf("config: inter_test_delay must not be negative, got %d", p.InterTestDelay)
	}
	if p.RunTimeLimit < 0 {
		return fmt.Errorf("config: run_time_limit must not be negative, got %d", p.RunTimeLimit)
	}
	if p.ReorderTasksOffset < 0 {
		return fmt.Errorf("config: reorder_tasks_offset must not be negative, got %d", p.ReorderTasksOffset)
	}
	if !p.WriteEnabled() && !p.ReadEnabled() {
		return fmt.Errorf("config: run has neither write_test nor read_test enabled")
	}
	return nil
}

func (e *Experiment) applyDefaults() {
	if e.Verbosity == "" {
		e.Verbosity = Normal
	}
	e.Verbosity = Verbosity(strings.ToUpper(string(e.Verbosity)))
	if e.Metrics.Addr == "" {
		e.Metrics.Addr = ":9090"
	}
	if e.Telemetry.Sink == "" {
		e.Telemetry.Sink = "stdout"
	}
	if e.Telemetry.BatchSize == 0 {
		e.Telemetry.BatchSize = 100
	}
	if e.Telemetry.FlushInterval == 0 {
		e.Telemetry.FlushInterval = 5 * time.Second
	}
	if len(e.Runs) == 0 {
		e.Runs = []RunParams{{}}
	}
	for i := range e.Runs {
		e.Runs[i].applyDefaults()
	}
}

// Validate checks the experiment for logical errors.
func (e *Experiment) Validate() error {
	switch e.Verbosity {
	case Quiet, Normal, Verbose, VeryVerbose, Debug:
	default:
		return fmt.Errorf("config: unknown verbosity %q", e.Verbosity)
	}
	if e.Rclone != nil && e.Rclone.Type == "" {
		return fmt.Errorf("config: rclone section has empty type")
	}
	for i := range e.Runs {
		if err := e.Runs[i].Validate(); err != nil {
			return fmt.Errorf("run %d: %w", i, err)
		}
		if e.Runs[i].API == "RCLONE" && e.Rclone == nil {
			return fmt.Errorf("run %d: config: api RCLONE requires an rclone section", i)
		}
	}
	return nil
}
