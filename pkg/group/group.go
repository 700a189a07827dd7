package group

import (
	"context"
	"log/slog"

	"github.com/iore/iore/pkg/comm"
	"github.com/iore/iore/pkg/task"
)

// Group is the participating set of a run: always ranks [0, Size-1] of
// the population. Comm is nil on tasks outside the group.
type Group struct {
	Comm      comm.Comm
	Size      int
	Requested int
	Clamped   bool
}

// Form collectively derives the run's group from the population. A
// requested count of zero means every task; a count above the population
// is clamped with a warning.
func Form(ctx context.Context, world comm.Comm, requested int) (*Group, error) {
	population := world.Size()
	n := requested
	clamped := false
	if n <= 0 {
		n = population
	}
	if n > population {
		if world.Rank() == task.Coordinator {
			slog.Warn("more tasks requested than available, clamping",
				"component", "group", "requested", requested, "available", population)
		}
		n = population
		clamped = true
	}

	c, err := world.Split(ctx, n)
	if err != nil {
		return nil, task.Fatal("form task group", err)
	}
	return &Group{Comm: c, Size: n, Requested: requested, Clamped: clamped}, nil
}

// Member reports whether this task participates in the run.
func (g *Group) Member() bool { return g.Comm != nil }

// Release frees the group communicator. It is safe to call more than once.
func (g *Group) Release() error {
	if g.Comm == nil {
		return nil
	}
	err := g.Comm.Free()
	g.Comm = nil
	return err
}
