package task

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/iore/iore/pkg/comm"
)

// Coordinator is the rank that anchors the logical clock and collects results.
const Coordinator = 0

// Clock reads the local wall clock in seconds.
type Clock func() (float64, error)

// WallClock reads time.Now as fractional Unix seconds.
func WallClock() (float64, error) {
	return float64(time.Now().UnixNano()) / 1e9, nil
}

// Context is created once per process. Only DataSignature changes after
// calibration.
type Context struct {
	Rank  int
	Size  int
	World comm.Comm

	// ClockDelta is subtracted from every local reading so all tasks share
	// the coordinator's time origin.
	ClockDelta float64
	// ClockSkew is the spread of raw timestamps seen at calibration.
	ClockSkew float64
	// DataSignature seeds written content and random offsets; refreshed
	// every repetition.
	DataSignature uint64

	clock Clock
}

// New builds the task context for this process and calibrates its clock
// against the coordinator. A nil clock uses WallClock.
func New(ctx context.Context, world comm.Comm, clock Clock) (*Context, error) {
	if clock == nil {
		clock = WallClock
	}
	tc := &Context{
		Rank:  world.Rank(),
		Size:  world.Size(),
		World: world,
		clock: clock,
	}
	if err := tc.calibrate(ctx); err != nil {
		return nil, err
	}
	if tc.IsCoordinator() {
		slog.Debug("clock calibrated", "component", "task", "tasks", tc.Size, "skew_s", tc.ClockSkew)
	}
	return tc, nil
}

// calibrate runs the barrier / min-max reduce / broadcast protocol over the
// full population.
func (tc *Context) calibrate(ctx context.Context) error {
	if err := tc.World.Barrier(ctx); err != nil {
		return Fatal("calibrate: barrier", err)
	}
	local, err := tc.clock()
	if err != nil {
		return Fatal("calibrate: read clock", err)
	}
	lo, err := tc.World.Reduce(ctx, comm.OpMin, Coordinator, []float64{local})
	if err != nil {
		return Fatal("calibrate: reduce min", err)
	}
	hi, err := tc.World.Reduce(ctx, comm.OpMax, Coordinator, []float64{local})
	if err != nil {
		return Fatal("calibrate: reduce max", err)
	}
	var skew float64
	if tc.IsCoordinator() {
		skew = hi[0] - lo[0]
	}
	root, err := tc.World.Bcast(ctx, Coordinator, []float64{local, skew})
	if err != nil {
		return Fatal("calibrate: broadcast", err)
	}
	tc.ClockDelta = local - root[0]
	tc.ClockSkew = root[1]
	return nil
}

// Now returns the current time on the common logical clock.
func (tc *Context) Now() (float64, error) {
	t, err := tc.clock()
	if err != nil {
		return 0, Fatal("read clock", err)
	}
	return t - tc.ClockDelta, nil
}

// IsCoordinator reports whether this task is rank 0 of the population.
func (tc *Context) IsCoordinator() bool { return tc.Rank == Coordinator }

// RefreshSignature draws a new data signature on the group's rank 0 and
// broadcasts it to every member. Signatures are kept below 2^53 so they
// travel exactly through float64 collectives.
func (tc *Context) RefreshSignature(ctx context.Context, group comm.Comm) error {
	var sig float64
	if group.Rank() == Coordinator {
		sig = float64(rand.Uint64N(1 << 53))
	}
	out, err := group.Bcast(ctx, Coordinator, []float64{sig})
	if err != nil {
		return Fatal("broadcast data signature", err)
	}
	tc.DataSignature = uint64(out[0])
	return nil
}

func (tc *Context) String() string {
	return fmt.Sprintf("task %d/%d", tc.Rank, tc.Size)
}
