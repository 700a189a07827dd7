package results

import (
	"context"
	"fmt"
	"math"

	"github.com/iore/iore/pkg/backend"
	"github.com/iore/iore/pkg/comm"
	"github.com/iore/iore/pkg/phase"
	"github.com/iore/iore/pkg/task"
)

// MiB is the throughput unit.
const MiB = 1 << 20

// Timer slots of one repetition: the write phase, the read phase, then
// the delete phase.
const (
	WriteBase   = 0
	ReadBase    = phase.NumTimers
	DeleteStart = 2 * phase.NumTimers
	DeleteStop  = DeleteStart + 1
	NumTimers   = DeleteStop + 1
)

// Results is owned by one task. Its timer and byte slices are indexed by
// repetition.
type Results struct {
	Timers    [NumTimers][]float64
	Bytes     [2][]int64
	Summaries [2][]Summary
}

// New allocates results for reps repetitions.
func New(reps int) *Results {
	r := &Results{}
	for i := range r.Timers {
		r.Timers[i] = make([]float64, reps)
	}
	for a := range r.Bytes {
		r.Bytes[a] = make([]int64, reps)
		r.Summaries[a] = make([]Summary, reps)
	}
	return r
}

func base(access backend.Access) int {
	if access == backend.Write {
		return WriteBase
	}
	return ReadBase
}

// Record stores this task's sample of one phase.
func (r *Results) Record(access backend.Access, rep int, s phase.Sample) {
	b := base(access)
	for i, v := range s.Timers {
		r.Timers[b+i][rep] = v
	}
	r.Bytes[access][rep] = s.Bytes
}

// RecordDelete stores the delete phase timers.
func (r *Results) RecordDelete(rep int, start, stop float64) {
	r.Timers[DeleteStart][rep] = start
	r.Timers[DeleteStop][rep] = stop
}

// Sample returns what this task recorded for a phase.
func (r *Results) Sample(access backend.Access, rep int) phase.Sample {
	var s phase.Sample
	b := base(access)
	for i := range s.Timers {
		s.Timers[i] = r.Timers[b+i][rep]
	}
	s.Bytes = r.Bytes[access][rep]
	return s
}

// Summary is the group-wide view of one phase of one repetition. Only the
// coordinator's copy is Valid.
type Summary struct {
	Access     backend.Access
	Repetition int
	Tasks      int
	Valid      bool
	Timers     [phase.NumTimers]float64
	Bytes      int64
}

// Elapsed is the span from the earliest open to the latest close.
func (s Summary) Elapsed() float64 {
	return s.Timers[phase.CloseStop] - s.Timers[phase.OpenStart]
}

// Bandwidth returns aggregate throughput in MiB/s.
func (s Summary) Bandwidth() float64 {
	el := s.Elapsed()
	if el <= 0 {
		return 0
	}
	return float64(s.Bytes) / MiB / el
}

func (s Summary) OpenTime() float64 {
	return s.Timers[phase.OpenStop] - s.Timers[phase.OpenStart]
}

func (s Summary) XferTime() float64 {
	return s.Timers[phase.XferStop] - s.Timers[phase.XferStart]
}

func (s Summary) CloseTime() float64 {
	return s.Timers[phase.CloseStop] - s.Timers[phase.CloseStart]
}

// Summarize reduces one phase across the group onto rank 0: start timers by
// minimum, stop timers by maximum and bytes by sum. Every member must call
// it. The returned summary is Valid on rank 0 only.
func (r *Results) Summarize(ctx context.Context, c comm.Comm, access backend.Access, rep int) (Summary, error) {
	s := r.Sample(access, rep)
	starts := []float64{s.Timers[phase.OpenStart], s.Timers[phase.XferStart], s.Timers[phase.CloseStart]}
	stops := []float64{s.Timers[phase.OpenStop], s.Timers[phase.XferStop], s.Timers[phase.CloseStop]}

	lo, err := c.Reduce(ctx, comm.OpMin, 0, starts)
	if err != nil {
		return Summary{}, task.Fatal("summarize: reduce start timers", err)
	}
	hi, err := c.Reduce(ctx, comm.OpMax, 0, stops)
	if err != nil {
		return Summary{}, task.Fatal("summarize: reduce stop timers", err)
	}
	sum, err := c.Reduce(ctx, comm.OpSum, 0, []float64{float64(s.Bytes)})
	if err != nil {
		return Summary{}, task.Fatal("summarize: reduce bytes", err)
	}

	out := Summary{Access: access, Repetition: rep, Tasks: c.Size()}
	if c.Rank() != 0 {
		return out, nil
	}
	if len(lo) != 3 || len(hi) != 3 || len(sum) != 1 {
		return Summary{}, task.Fatal("summarize", fmt.Errorf("unexpected reduction lengths %d/%d/%d", len(lo), len(hi), len(sum)))
	}
	out.Valid = true
	out.Timers = [phase.NumTimers]float64{lo[0], hi[0], lo[1], hi[1], lo[2], hi[2]}
	out.Bytes = int64(sum[0])
	r.Summaries[access][rep] = out
	return out, nil
}

// Stats summarizes one access direction over all repetitions of a run.
type Stats struct {
	Access      backend.Access
	Repetitions int
	MaxMiB      float64
	MinMiB      float64
	MeanMiB     float64
	StdDevMiB   float64
	MeanTime    float64
	TotalBytes  int64
}

// Aggregate computes run statistics from valid summaries. Invalid ones
// (skipped phases, non-coordinator copies) are ignored.
func Aggregate(access backend.Access, sums []Summary) Stats {
	st := Stats{Access: access}
	var bw []float64
	var elapsed float64
	for _, s := range sums {
		if !s.Valid {
			continue
		}
		bw = append(bw, s.Bandwidth())
		elapsed += s.Elapsed()
		st.TotalBytes += s.Bytes
	}
	st.Repetitions = len(bw)
	if len(bw) == 0 {
		return st
	}

	st.MinMiB = math.Inf(1)
	var total float64
	for _, v := range bw {
		st.MaxMiB = max(st.MaxMiB, v)
		st.MinMiB = min(st.MinMiB, v)
		total += v
	}
	n := float64(len(bw))
	st.MeanMiB = total / n
	st.MeanTime = elapsed / n

	var variance float64
	for _, v := range bw {
		d := v - st.MeanMiB
		variance += d * d
	}
	st.StdDevMiB = math.Sqrt(variance / n)
	return st
}

// Stats returns write and read statistics for the whole run.
func (r *Results) Stats() []Stats {
	return []Stats{
		Aggregate(backend.Write, r.Summaries[backend.Write]),
		Aggregate(backend.Read, r.Summaries[backend.Read]),
	}
}
