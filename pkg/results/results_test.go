package results

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/iore/iore/pkg/backend"
	"github.com/iore/iore/pkg/comm"
	"github.com/iore/iore/pkg/phase"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestSummarizeTwoTasks(t *testing.T) {
	samples := []phase.Sample{
		{Timers: [phase.NumTimers]float64{1, 4, 5, 7, 8, 10}, Bytes: 1 << 20},
		{Timers: [phase.NumTimers]float64{2, 5, 6, 9, 9, 12}, Bytes: 2 << 20},
	}

	var mu sync.Mutex
	got := make([]Summary, 2)
	err := comm.RunLocal(context.Background(), 2, func(ctx context.Context, c comm.Comm) error {
		r := New(1)
		r.Record(backend.Write, 0, samples[c.Rank()])
		s, err := r.Summarize(ctx, c, backend.Write, 0)
		if err != nil {
			return err
		}
		mu.Lock()
		got[c.Rank()] = s
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	root := got[0]
	if !root.Valid {
		t.Fatal("coordinator summary should be valid")
	}
	if got[1].Valid {
		t.Error("non-coordinator summary should not be valid")
	}
	want := [phase.NumTimers]float64{1, 5, 5, 9, 8, 12}
	if root.Timers != want {
		t.Errorf("timers = %v, want %v", root.Timers, want)
	}
	if root.Bytes != 3145728 {
		t.Errorf("bytes = %d, want 3145728", root.Bytes)
	}
	if root.Tasks != 2 {
		t.Errorf("tasks = %d, want 2", root.Tasks)
	}
	if !approx(root.Elapsed(), 11) {
		t.Errorf("elapsed = %v, want 11", root.Elapsed())
	}
	if !approx(root.Bandwidth(), 3.0/11.0) {
		t.Errorf("bandwidth = %v, want %v", root.Bandwidth(), 3.0/11.0)
	}
	if !approx(root.OpenTime(), 4) || !approx(root.XferTime(), 4) || !approx(root.CloseTime(), 4) {
		t.Errorf("phase times = %v/%v/%v, want 4/4/4", root.OpenTime(), root.XferTime(), root.CloseTime())
	}
}

func TestWriteAndReadIndependent(t *testing.T) {
	err := comm.RunLocal(context.Background(), 1, func(ctx context.Context, c comm.Comm) error {
		r := New(2)
		r.Record(backend.Write, 1, phase.Sample{Timers: [phase.NumTimers]float64{0, 1, 1, 2, 2, 4}, Bytes: 4 << 20})
		r.Record(backend.Read, 1, phase.Sample{Timers: [phase.NumTimers]float64{5, 5, 5, 6, 6, 7}, Bytes: 8 << 20})
		r.RecordDelete(1, 8, 9)

		w, err := r.Summarize(ctx, c, backend.Write, 1)
		if err != nil {
			return err
		}
		rd, err := r.Summarize(ctx, c, backend.Read, 1)
		if err != nil {
			return err
		}
		if !approx(w.Bandwidth(), 1) {
			t.Errorf("write bandwidth = %v, want 1", w.Bandwidth())
		}
		if !approx(rd.Bandwidth(), 4) {
			t.Errorf("read bandwidth = %v, want 4", rd.Bandwidth())
		}
		if r.Timers[DeleteStart][1] != 8 || r.Timers[DeleteStop][1] != 9 {
			t.Errorf("delete timers = %v/%v", r.Timers[DeleteStart][1], r.Timers[DeleteStop][1])
		}
		if r.Summaries[backend.Write][0].Valid {
			t.Error("repetition 0 was never summarized")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestBandwidthZeroElapsed(t *testing.T) {
	s := Summary{Bytes: MiB, Valid: true}
	if bw := s.Bandwidth(); bw != 0 {
		t.Errorf("bandwidth = %v, want 0", bw)
	}
}

func TestAggregate(t *testing.T) {
	mk := func(bytes int64, elapsed float64) Summary {
		return Summary{Valid: true, Bytes: bytes, Timers: [phase.NumTimers]float64{0, 0, 0, 0, 0, elapsed}}
	}
	sums := []Summary{
		mk(2*MiB, 1), // 2 MiB/s
		mk(4*MiB, 1), // 4 MiB/s
		{},           // skipped phase
		mk(6*MiB, 2), // 3 MiB/s
	}
	st := Aggregate(backend.Read, sums)
	if st.Repetitions != 3 {
		t.Errorf("repetitions = %d, want 3", st.Repetitions)
	}
	if st.MaxMiB != 4 || st.MinMiB != 2 || !approx(st.MeanMiB, 3) {
		t.Errorf("max/min/mean = %v/%v/%v, want 4/2/3", st.MaxMiB, st.MinMiB, st.MeanMiB)
	}
	if !approx(st.StdDevMiB, math.Sqrt(2.0/3.0)) {
		t.Errorf("stddev = %v, want %v", st.StdDevMiB, math.Sqrt(2.0/3.0))
	}
	if !approx(st.MeanTime, 4.0/3.0) {
		t.Errorf("mean time = %v, want 4/3", st.MeanTime)
	}
	if st.TotalBytes != 12*MiB {
		t.Errorf("total bytes = %d, want %d", st.TotalBytes, 12*MiB)
	}

	empty := Aggregate(backend.Write, []Summary{{}, {}})
	if empty.Repetitions != 0 || empty.MeanMiB != 0 || math.IsInf(empty.MinMiB, 0) {
		t.Errorf("empty aggregate = %+v", empty)
	}
}
