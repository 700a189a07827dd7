package engine

import (
	"log/slog"

	"github.com/iore/iore/pkg/results"
)

// RunInfo describes how a run's group was formed.
type RunInfo struct {
	Tasks     int
	Requested int
	Clamped   bool
	ClockSkew float64
}

// Sink consumes aggregated results. Sinks are only called on the
// coordinator.
type Sink interface {
	RunStarted(run *Run, info RunInfo) error
	// Repetition reports one repetition. A nil summary means the phase was
	// disabled or skipped.
	Repetition(run *Run, rep int, write, read *results.Summary) error
	RunFinished(run *Run, stats []results.Stats) error
}

// sinks fans out to every sink. A failing sink is logged and does not
// stop the run.
type sinks []Sink

func (s sinks) runStarted(run *Run, info RunInfo) {
	for _, k := range s {
		if err := k.RunStarted(run, info); err != nil {
			slog.Warn("sink failed", "component", "engine", "event", "run_started", "run", run.ID, "error", err)
		}
	}
}

func (s sinks) repetition(run *Run, rep int, w, r *results.Summary) {
	for _, k := range s {
		if err := k.Repetition(run, rep, w, r); err != nil {
			slog.Warn("sink failed", "component", "engine", "event", "repetition", "run", run.ID, "rep", rep, "error", err)
		}
	}
}

func (s sinks) runFinished(run *Run, stats []results.Stats) {
	for _, k := range s {
		if err := k.RunFinished(run, stats); err != nil {
			slog.Warn("sink failed", "component", "engine", "event", "run_finished", "run", run.ID, "error", err)
		}
	}
}
