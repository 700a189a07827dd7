package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iore/iore/pkg/backend"
	"github.com/iore/iore/pkg/comm"
	"github.com/iore/iore/pkg/config"
	"github.com/iore/iore/pkg/offset"
	"github.com/iore/iore/pkg/phase"
	"github.com/iore/iore/pkg/results"
	"github.com/iore/iore/pkg/task"
)

type repEvent struct {
	run         int
	rep         int
	write, read *results.Summary
}

// recorder is a Sink that keeps every event.
type recorder struct {
	mu       sync.Mutex
	started  []RunInfo
	reps     []repEvent
	finished [][]results.Stats
}

func (r *recorder) RunStarted(run *Run, info RunInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, info)
	return nil
}

func (r *recorder) Repetition(run *Run, rep int, w, rd *results.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reps = append(r.reps, repEvent{run: run.ID, rep: rep, write: w, read: rd})
	return nil
}

func (r *recorder) RunFinished(run *Run, stats []results.Stats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, stats)
	return nil
}

type failingSink struct{ recorder }

func (f *failingSink) Repetition(run *Run, rep int, w, rd *results.Summary) error {
	return errors.New("sink unavailable")
}

func posixRegistry(t *testing.T) *backend.Registry {
	t.Helper()
	reg := backend.NewRegistry()
	if err := reg.Register(backend.NewPosixBackend()); err != nil {
		t.Fatal(err)
	}
	return reg
}

func params(root string, mutate func(p *config.RunParams)) config.RunParams {
	p := config.DefaultRunParams()
	p.RootFileName = root
	p.BlockSizes = []config.Size{64 << 10}
	p.TransferSizes = []config.Size{16 << 10}
	if mutate != nil {
		mutate(&p)
	}
	return p
}

// execute runs the engine on n in-process tasks and returns the
// coordinator's runs.
func execute(t *testing.T, n int, reg *backend.Registry, sink Sink, ps ...config.RunParams) ([]*Run, error) {
	t.Helper()
	var coordRuns []*Run
	err := comm.RunLocal(context.Background(), n, func(ctx context.Context, c comm.Comm) error {
		tc, err := task.New(ctx, c, nil)
		if err != nil {
			return err
		}
		runs := NewRuns(&config.Experiment{Runs: ps})
		e := &Engine{Task: tc, Backends: reg, Verbosity: config.Verbose}
		if tc.IsCoordinator() {
			coordRuns = runs
			if sink != nil {
				e.Sinks = []Sink{sink}
			}
		}
		return e.Execute(ctx, runs)
	})
	return coordRuns, err
}

func TestSharedSequentialKeepFile(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "shared")
	rec := &recorder{}
	p := params(root, func(p *config.RunParams) {
		p.NumRepetitions = 2
		p.KeepFile = true
		p.IntraTestBarrier = true
	})

	runs, err := execute(t, 3, posixRegistry(t), rec, p)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	data, err := os.ReadFile(root)
	if err != nil {
		t.Fatalf("shared file missing: %v", err)
	}
	if len(data) != 3*64<<10 {
		t.Fatalf("file size = %d, want %d", len(data), 3*64<<10)
	}
	for rank := 0; rank < 3; rank++ {
		region := data[rank*64<<10:]
		for xfer := 0; xfer < 4; xfer++ {
			if got := binary.LittleEndian.Uint64(region[xfer*16<<10:]); got != uint64(rank) {
				t.Errorf("rank %d transfer %d starts with %d", rank, xfer, got)
			}
		}
	}

	if len(rec.started) != 1 || rec.started[0].Tasks != 3 {
		t.Errorf("started = %+v", rec.started)
	}
	if len(rec.reps) != 2 {
		t.Fatalf("got %d repetitions, want 2", len(rec.reps))
	}
	for _, ev := range rec.reps {
		if ev.write == nil || ev.read == nil {
			t.Fatalf("rep %d missing a summary", ev.rep)
		}
		if ev.write.Bytes != 3*64<<10 || ev.read.Bytes != 3*64<<10 {
			t.Errorf("rep %d bytes = %d/%d", ev.rep, ev.write.Bytes, ev.read.Bytes)
		}
		if ev.write.Elapsed() < 0 {
			t.Errorf("rep %d negative elapsed time", ev.rep)
		}
	}
	if len(rec.finished) != 1 || rec.finished[0][0].Repetitions != 2 || rec.finished[0][1].Repetitions != 2 {
		t.Errorf("finished = %+v", rec.finished)
	}
	if runs[0].Tasks != 3 {
		t.Errorf("run tasks = %d, want 3", runs[0].Tasks)
	}
}

func TestSharedFileRemoved(t *testing.T) {
	root := filepath.Join(t.TempDir(), "shared")
	if _, err := execute(t, 2, posixRegistry(t), nil, params(root, nil)); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Errorf("shared file should be deleted, stat err = %v", err)
	}
}

func TestFilePerProcessDirPerFile(t *testing.T) {
	dir := t.TempDir()
	p := params(filepath.Join(dir, "fpp"), func(p *config.RunParams) {
		p.SharingPolicy = config.FilePerProcess
		p.DirPerFile = true
		p.KeepFile = true
		p.Fsync = true
		p.BlockSizes = []config.Size{32 << 10, 48 << 10}
	})
	if _, err := execute(t, 3, posixRegistry(t), nil, p); err != nil {
		t.Fatal(err)
	}
	want := map[string]int64{
		"0/fpp.00000000": 32 << 10,
		"1/fpp.00000001": 48 << 10,
		"2/fpp.00000002": 32 << 10,
	}
	for name, size := range want {
		st, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if st.Size() != size {
			t.Errorf("%s size = %d, want %d", name, st.Size(), size)
		}
	}
}

func TestRandomReorderedRead(t *testing.T) {
	rec := &recorder{}
	p := params(filepath.Join(t.TempDir(), "rand"), func(p *config.RunParams) {
		p.AccessPattern = config.Random
		p.ReorderTasks = true
		p.ReorderTasksOffset = 1
		p.BlockSizes = []config.Size{40 << 10, 24 << 10}
		p.TransferSizes = []config.Size{16 << 10, 8 << 10}
		p.NumRepetitions = 3
		p.UseRepInFileName = true
	})
	if _, err := execute(t, 4, posixRegistry(t), rec, p); err != nil {
		t.Fatal(err)
	}
	total := offset.NewLayout(p).FileSize(4)
	for _, ev := range rec.reps {
		if ev.write.Bytes != total || ev.read.Bytes != total {
			t.Errorf("rep %d bytes = %d/%d, want %d", ev.rep, ev.write.Bytes, ev.read.Bytes, total)
		}
	}
}

func TestUseExistingFileReadOnly(t *testing.T) {
	root := filepath.Join(t.TempDir(), "existing")
	if err := os.WriteFile(root, make([]byte, 2*64<<10), 0644); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	p := params(root, func(p *config.RunParams) {
		off := false
		p.WriteTest = &off
		p.UseExistingFile = true
		p.KeepFile = true
	})
	if _, err := execute(t, 2, posixRegistry(t), rec, p); err != nil {
		t.Fatal(err)
	}
	if len(rec.reps) != 1 || rec.reps[0].write != nil || rec.reps[0].read == nil {
		t.Fatalf("reps = %+v", rec.reps)
	}
	if rec.reps[0].read.Bytes != 2*64<<10 {
		t.Errorf("read bytes = %d", rec.reps[0].read.Bytes)
	}
}

func TestGroupClampAndSubset(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	clamp := params(filepath.Join(dir, "clamp"), func(p *config.RunParams) { p.NumTasks = 8 })
	subset := params(filepath.Join(dir, "subset"), func(p *config.RunParams) {
		p.NumTasks = 1
		p.SharingPolicy = config.FilePerProcess
		p.KeepFile = true
	})
	runs, err := execute(t, 2, posixRegistry(t), rec, clamp, subset)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.started[0].Clamped || rec.started[0].Tasks != 2 || rec.started[0].Requested != 8 {
		t.Errorf("clamped run info = %+v", rec.started[0])
	}
	if runs[1].Tasks != 1 {
		t.Errorf("subset tasks = %d, want 1", runs[1].Tasks)
	}
	if _, err := os.Stat(filepath.Join(dir, "subset.00000000")); err != nil {
		t.Errorf("member file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "subset.00000001")); !os.IsNotExist(err) {
		t.Errorf("non-member wrote a file: %v", err)
	}
}

func TestRcloneSharedFileRejected(t *testing.T) {
	reg := posixRegistry(t)
	rb, err := backend.NewRcloneBackend("RCLONE", "local", t.TempDir(), map[string]string{"staging_dir": t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(rb); err != nil {
		t.Fatal(err)
	}

	shared := params("bench/shared", func(p *config.RunParams) { p.API = "RCLONE" })
	_, err = execute(t, 2, reg, nil, shared)
	if err == nil || !strings.Contains(err.Error(), "does not support") {
		t.Fatalf("err = %v, want shared-file rejection", err)
	}
	if !task.IsFatal(err) {
		t.Errorf("rejection should be fatal: %v", err)
	}

	fpp := params("bench/fpp", func(p *config.RunParams) {
		p.API = "RCLONE"
		p.SharingPolicy = config.FilePerProcess
	})
	if _, err := execute(t, 2, reg, nil, fpp); err != nil {
		t.Errorf("file-per-process over rclone: %v", err)
	}
}

func TestUnknownBackend(t *testing.T) {
	p := params(filepath.Join(t.TempDir(), "x"), func(p *config.RunParams) { p.API = "HDF5" })
	if _, err := execute(t, 2, posixRegistry(t), nil, p); err == nil {
		t.Fatal("unknown backend should fail")
	}
}

func TestFailingSinkDoesNotStopRun(t *testing.T) {
	p := params(filepath.Join(t.TempDir(), "s"), nil)
	if _, err := execute(t, 1, posixRegistry(t), &failingSink{}, p); err != nil {
		t.Fatal(err)
	}
}

func TestDeadlineSkipsPhase(t *testing.T) {
	dir := t.TempDir()
	p := params(filepath.Join(dir, "late"), nil)
	err := comm.RunLocal(context.Background(), 2, func(ctx context.Context, c comm.Comm) error {
		tc, err := task.New(ctx, c, nil)
		if err != nil {
			return err
		}
		rr := &runner{
			task:    tc,
			group:   c,
			backend: backend.NewPosixBackend(),
			params:  p,
			run:     &Run{Params: p, Results: results.New(1)},
			layout:  offset.NewLayout(p),
			buf:     make([]byte, 16<<10),
		}
		if c.Rank() == 0 {
			rr.deadline = time.Now().Add(-time.Second)
		}
		sum, err := rr.phase(ctx, backend.Write, 0)
		if err != nil {
			return err
		}
		if sum != nil {
			t.Errorf("rank %d: expired phase returned a summary", c.Rank())
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "late")); !os.IsNotExist(err) {
		t.Errorf("skipped phase created the file: %v", err)
	}
}

func TestInterTestDelay(t *testing.T) {
	dir := t.TempDir()
	p := params(filepath.Join(dir, "delayed"), func(p *config.RunParams) { p.InterTestDelay = 1 })
	err := comm.RunLocal(context.Background(), 2, func(ctx context.Context, c comm.Comm) error {
		tc, err := task.New(ctx, c, nil)
		if err != nil {
			return err
		}
		rr := &runner{
			task:    tc,
			group:   c,
			backend: backend.NewPosixBackend(),
			params:  p,
			run:     &Run{Params: p, Results: results.New(1)},
			layout:  offset.NewLayout(p),
			buf:     make([]byte, 16<<10),
		}
		before, err := tc.Now()
		if err != nil {
			return err
		}
		if _, err := rr.phase(ctx, backend.Write, 0); err != nil {
			return err
		}
		openStart := rr.run.Results.Timers[results.WriteBase+phase.OpenStart][0]
		if waited := openStart - before; waited < 0.9 {
			t.Errorf("rank %d opened %.3fs after entering the phase, want about 1s", c.Rank(), waited)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestNewRuns(t *testing.T) {
	ref := 42
	exp := &config.Experiment{Runs: []config.RunParams{
		config.DefaultRunParams(),
		{RefNum: &ref},
	}}
	runs := NewRuns(exp)
	if runs[0].ID != 0 || runs[1].ID != 42 {
		t.Errorf("ids = %d/%d, want 0/42", runs[0].ID, runs[1].ID)
	}
}

func TestFileName(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *config.RunParams)
		rank   int
		rep    int
		want   string
	}{
		{"shared", nil, 3, 0, "/d/testfile"},
		{"per process", func(p *config.RunParams) { p.SharingPolicy = config.FilePerProcess }, 3, 0, "/d/testfile.00000003"},
		{"dir per file", func(p *config.RunParams) {
			p.SharingPolicy = config.FilePerProcess
			p.DirPerFile = true
		}, 12, 0, "/d/12/testfile.00000012"},
		{"dir per file ignored when shared", func(p *config.RunParams) { p.DirPerFile = true }, 1, 0, "/d/testfile"},
		{"repetition", func(p *config.RunParams) { p.UseRepInFileName = true }, 0, 4, "/d/testfile.rep4"},
		{"per process repetition", func(p *config.RunParams) {
			p.SharingPolicy = config.FilePerProcess
			p.UseRepInFileName = true
		}, 1, 2, "/d/testfile.00000001.rep2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := config.DefaultRunParams()
			p.RootFileName = "/d/testfile"
			if tt.mutate != nil {
				tt.mutate(&p)
			}
			if got := FileName(p, tt.rank, tt.rep); got != tt.want {
				t.Errorf("FileName = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPretendRank(t *testing.T) {
	p := config.DefaultRunParams()
	if got := PretendRank(p, 2, 4); got != 2 {
		t.Errorf("without reorder = %d, want 2", got)
	}
	p.ReorderTasks = true
	p.ReorderTasksOffset = 1
	for rank, want := range []int{1, 2, 3, 0} {
		if got := PretendRank(p, rank, 4); got != want {
			t.Errorf("PretendRank(%d) = %d, want %d", rank, got, want)
		}
	}
	p.ReorderTasksOffset = 6
	if got := PretendRank(p, 3, 4); got != 1 {
		t.Errorf("offset above group size = %d, want 1", got)
	}
}
