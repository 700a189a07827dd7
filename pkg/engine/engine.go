package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iore/iore/pkg/backend"
	"github.com/iore/iore/pkg/comm"
	"github.com/iore/iore/pkg/config"
	"github.com/iore/iore/pkg/group"
	"github.com/iore/iore/pkg/metrics"
	"github.com/iore/iore/pkg/offset"
	"github.com/iore/iore/pkg/phase"
	"github.com/iore/iore/pkg/results"
	"github.com/iore/iore/pkg/task"
)

// Run is one configured run and, after execution, its results.
type Run struct {
	ID     int // ref_num when set, otherwise the run's index
	Params config.RunParams

	// Tasks is the size of the group that executed the run. Results is nil
	// on tasks outside the group.
	Tasks   int
	Results *results.Results
}

// NewRuns builds the run list of an experiment.
func NewRuns(exp *config.Experiment) []*Run {
	runs := make([]*Run, len(exp.Runs))
	for i, p := range exp.Runs {
		id := i
		if ref := p.Reference(); ref >= 0 {
			id = ref
		}
		runs[i] = &Run{ID: id, Params: p}
	}
	return runs
}

// Engine executes runs for one task of the population.
type Engine struct {
	Task      *task.Context
	Backends  *backend.Registry
	Sinks     []Sink
	Verbosity config.Verbosity
}

// Execute runs every run in order. Every task of the population must call
// it with the same runs. A failure on any task aborts the population.
func (e *Engine) Execute(ctx context.Context, runs []*Run) error {
	if e.Task.IsCoordinator() {
		metrics.ClockSkew.Set(e.Task.ClockSkew)
	}
	for _, r := range runs {
		if err := e.executeRun(ctx, r); err != nil {
			if !errors.Is(err, comm.ErrAborted) {
				slog.Error("run failed", "component", "engine", "rank", e.Task.Rank, "run", r.ID, "error", err)
				e.Task.World.Abort(err)
			}
			return fmt.Errorf("engine.Execute: run %d: %w", r.ID, err)
		}
	}
	return nil
}

func (e *Engine) executeRun(ctx context.Context, r *Run) error {
	p := r.Params
	b, err := e.Backends.Get(p.API)
	if err != nil {
		return task.Fatal("select backend", err)
	}

	g, err := group.Form(ctx, e.Task.World, p.NumTasks)
	if err != nil {
		return err
	}
	defer g.Release()
	r.Tasks = g.Size

	if p.SharingPolicy == config.SharedFile && g.Size > 1 && !backend.SupportsSharedFile(b) {
		return task.Fatal("select backend", fmt.Errorf("%s does not support %s with %d tasks", b.Name(), config.SharedFile, g.Size))
	}

	if e.Task.IsCoordinator() {
		slog.Info("run started", "component", "engine", "run", r.ID, "api", b.Name(),
			"tasks", g.Size, "policy", p.SharingPolicy, "pattern", p.AccessPattern,
			"repetitions", p.NumRepetitions)
		sinks(e.Sinks).runStarted(r, RunInfo{
			Tasks:     g.Size,
			Requested: p.NumTasks,
			Clamped:   g.Clamped,
			ClockSkew: e.Task.ClockSkew,
		})
	}

	if g.Member() {
		rr := &runner{
			task:    e.Task,
			group:   g.Comm,
			backend: b,
			params:  p,
			run:     r,
			layout:  offset.NewLayout(p),
			sinks:   sinks(e.Sinks),
			verbose: e.Verbosity.Detailed(),
		}
		r.Results = results.New(p.NumRepetitions)
		if err := rr.execute(ctx); err != nil {
			return err
		}
	}

	if err := e.Task.World.Barrier(ctx); err != nil {
		return task.Fatal("barrier after run", err)
	}

	if e.Task.IsCoordinator() {
		stats := r.Results.Stats()
		for _, st := range stats {
			if st.Repetitions == 0 {
				continue
			}
			slog.Info("run finished", "component", "engine", "run", r.ID, "access", st.Access.String(),
				"max_mib_s", st.MaxMiB, "mean_mib_s", st.MeanMiB, "repetitions", st.Repetitions)
		}
		sinks(e.Sinks).runFinished(r, stats)
	}
	return nil
}

// runner executes the repetitions of one run on a group member.
type runner struct {
	task    *task.Context
	group   comm.Comm
	backend backend.Backend
	params  config.RunParams
	run     *Run
	layout  offset.Layout
	sinks   sinks
	verbose bool

	buf      []byte
	deadline time.Time
}

func (rr *runner) leader() bool { return rr.group.Rank() == 0 }

func (rr *runner) execute(ctx context.Context) error {
	if err := rr.layout.Validate(); err != nil {
		return task.Fatal("layout", err)
	}
	var maxXfer int64
	for _, t := range rr.layout.TransferSizes {
		maxXfer = max(maxXfer, t)
	}
	rr.buf = make([]byte, maxXfer)
	if limit := rr.params.TimeLimit(); limit > 0 {
		rr.deadline = time.Now().Add(limit)
	}

	for rep := 0; rep < rr.params.NumRepetitions; rep++ {
		if err := rr.repetition(ctx, rep); err != nil {
			return err
		}
	}
	return nil
}

func (rr *runner) repetition(ctx context.Context, rep int) error {
	p := rr.params
	if err := rr.task.RefreshSignature(ctx, rr.group); err != nil {
		return err
	}

	var ws, rs *results.Summary
	if p.WriteEnabled() {
		s, err := rr.phase(ctx, backend.Write, rep)
		if err != nil {
			return err
		}
		ws = s
	}
	if p.ReadEnabled() {
		s, err := rr.phase(ctx, backend.Read, rep)
		if err != nil {
			return err
		}
		rs = s
	}
	if !p.KeepFile {
		if err := rr.remove(ctx, rep); err != nil {
			return err
		}
	}

	if rr.task.IsCoordinator() {
		metrics.Repetitions.Inc()
		rr.sinks.repetition(rr.run, rep, ws, rs)
	}
	return nil
}

// expired asks the group leader whether the run deadline has passed, so
// that every member skips or runs the next phase together.
func (rr *runner) expired(ctx context.Context) (bool, error) {
	var flag float64
	if rr.leader() && !rr.deadline.IsZero() && time.Now().After(rr.deadline) {
		flag = 1
	}
	out, err := rr.group.Bcast(ctx, 0, []float64{flag})
	if err != nil {
		return false, task.Fatal("broadcast deadline", err)
	}
	return out[0] != 0, nil
}

func (rr *runner) delay(ctx context.Context) error {
	d := rr.params.Delay()
	if d <= 0 || !rr.leader() {
		return nil
	}
	slog.Debug("delaying phase", "component", "engine", "rank", rr.task.Rank, "delay", d)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return task.Fatal("inter-test delay", ctx.Err())
	}
}

// phase runs and summarizes one write or read phase. It returns a nil
// summary when the phase was skipped or on non-coordinator tasks.
func (rr *runner) phase(ctx context.Context, access backend.Access, rep int) (*results.Summary, error) {
	p := rr.params
	expired, err := rr.expired(ctx)
	if err != nil {
		return nil, err
	}
	if expired {
		if rr.task.IsCoordinator() {
			metrics.PhasesSkipped.WithLabelValues(access.String()).Inc()
			slog.Warn("run time limit reached, skipping phase", "component", "engine",
				"run", rr.run.ID, "access", access.String(), "rep", rep)
		}
		return nil, nil
	}
	if err := rr.delay(ctx); err != nil {
		return nil, err
	}

	rank := rr.group.Rank()
	if access == backend.Read {
		rank = PretendRank(p, rank, rr.group.Size())
	}
	offsets, err := offset.Generate(p.AccessPattern, p.SharingPolicy, rank, rr.group.Size(), rr.layout, rr.task.DataSignature)
	if err != nil {
		return nil, task.Fatal("generate offsets", err)
	}
	if access == backend.Write {
		phase.FillBuffer(rr.buf, rank, rr.task.DataSignature)
	}

	plan := phase.Plan{
		Access:        access,
		Target:        backend.Target{Path: FileName(p, rank, rep), Fsync: p.Fsync},
		Offsets:       offsets,
		BlockSize:     rr.layout.BlockSize(rank),
		TransferSize:  rr.layout.TransferSize(rank),
		Buffer:        rr.buf,
		RemoveFirst:   !p.UseExistingFile,
		Shared:        p.SharingPolicy == config.SharedFile,
		IntraBarrier:  p.IntraTestBarrier,
		SingleAttempt: p.SingleIOAttempt,
	}
	ex := &phase.Executor{Task: rr.task, Group: rr.group, Backend: rr.backend}
	sample, err := ex.Run(ctx, plan)
	if err != nil {
		return nil, err
	}
	slog.Debug("phase complete", "component", "engine", "rank", rr.task.Rank, "access", access.String(),
		"rep", rep, "bytes", sample.Bytes, "path", plan.Target.Path)

	rr.run.Results.Record(access, rep, sample)
	sum, err := rr.run.Results.Summarize(ctx, rr.group, access, rep)
	if err != nil {
		return nil, err
	}
	if !sum.Valid {
		return nil, nil
	}
	metrics.PhaseDuration.WithLabelValues(access.String()).Observe(sum.Elapsed())
	metrics.PhaseBandwidth.WithLabelValues(access.String()).Set(sum.Bandwidth())
	metrics.BytesTransferred.WithLabelValues(access.String()).Add(float64(sum.Bytes))
	if rr.verbose {
		slog.Info("phase summary", "component", "engine", "run", rr.run.ID, "access", access.String(),
			"rep", rep, "bytes", sum.Bytes, "seconds", sum.Elapsed(), "mib_s", sum.Bandwidth())
	}
	return &sum, nil
}

// remove deletes the repetition's test files. Failures are warnings.
func (rr *runner) remove(ctx context.Context, rep int) error {
	p := rr.params
	start, err := rr.task.Now()
	if err != nil {
		return err
	}
	if p.SharingPolicy == config.FilePerProcess || rr.leader() {
		path := FileName(p, rr.group.Rank(), rep)
		if err := rr.backend.Delete(ctx, backend.Target{Path: path}); err != nil {
			slog.Warn("delete failed", "component", "engine", "rank", rr.task.Rank, "path", path, "error", err)
		}
	}
	stop, err := rr.task.Now()
	if err != nil {
		return err
	}
	rr.run.Results.RecordDelete(rep, start, stop)
	if err := rr.group.Barrier(ctx); err != nil {
		return task.Fatal("barrier after delete", err)
	}
	return nil
}
