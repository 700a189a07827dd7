package comm

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// World is an in-process population of ranks that communicate through
// shared memory. Each rank must be driven by its own goroutine.
type World struct {
	size int

	mu     sync.Mutex
	groups map[string]*localGroup

	abortOnce sync.Once
	abortCh   chan struct{}
	abortErr  error
}

type localGroup struct {
	id   string
	size int

	mu    sync.Mutex
	round *localRound
	freed int
}

type localRound struct {
	call    call
	arrived int
	contrib [][]float64
	result  []float64
	err     error
	done    chan struct{}
}

// NewWorld creates an in-process world of size ranks.
func NewWorld(size int) *World {
	w := &World{
		size:    size,
		groups:  make(map[string]*localGroup),
		abortCh: make(chan struct{}),
	}
	w.groups["world"] = &localGroup{id: "world", size: size}
	return w
}

// Size returns the population size.
func (w *World) Size() int { return w.size }

// Comm returns the world communicator for rank.
func (w *World) Comm(rank int) Comm {
	w.mu.Lock()
	g := w.groups["world"]
	w.mu.Unlock()
	return &localComm{world: w, group: g, rank: rank}
}

// Abort interrupts every rank blocked in (or later entering) a collective.
func (w *World) Abort(rank int, cause error) {
	w.abortOnce.Do(func() {
		w.abortErr = &AbortedError{Rank: rank, Cause: cause}
		close(w.abortCh)
	})
}

func (w *World) group(id string, size int) *localGroup {
	w.mu.Lock()
	defer w.mu.Unlock()
	g, ok := w.groups[id]
	if !ok {
		g = &localGroup{id: id, size: size}
		w.groups[id] = g
	}
	return g
}

func (w *World) release(g *localGroup) {
	w.mu.Lock()
	defer w.mu.Unlock()
	g.mu.Lock()
	g.freed++
	done := g.freed >= g.size
	g.mu.Unlock()
	if done && g.id != "world" {
		delete(w.groups, g.id)
	}
}

// RunLocal runs fn once per rank of a fresh in-process world of size n and
// waits for all of them. The first rank to fail aborts the world, so peers
// blocked in collectives return instead of hanging.
func RunLocal(ctx context.Context, n int, fn func(ctx context.Context, c Comm) error) error {
	if n < 1 {
		return fmt.Errorf("comm.RunLocal: need at least one rank, got %d", n)
	}
	w := NewWorld(n)
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < n; rank++ {
		c := w.Comm(rank)
		g.Go(func() error {
			err := fn(gctx, c)
			if err != nil {
				w.Abort(rank, err)
			}
			return err
		})
	}
	return g.Wait()
}

type localComm struct {
	world  *World
	group  *localGroup
	rank   int
	splits int
	freed  bool
}

func (c *localComm) Rank() int { return c.rank }
func (c *localComm) Size() int { return c.group.size }

func (c *localComm) Barrier(ctx context.Context) error {
	_, err := c.exchange(ctx, call{Kind: kindBarrier})
	return err
}

func (c *localComm) Reduce(ctx context.Context, op Op, root int, vals []float64) ([]float64, error) {
	if err := checkRoot(root, c.Size()); err != nil {
		return nil, err
	}
	out, err := c.exchange(ctx, call{Kind: kindReduce, Op: op, Root: root, Vals: vals})
	if err != nil || c.rank != root {
		return nil, err
	}
	return out, nil
}

func (c *localComm) Bcast(ctx context.Context, root int, vals []float64) ([]float64, error) {
	if err := checkRoot(root, c.Size()); err != nil {
		return nil, err
	}
	return c.exchange(ctx, call{Kind: kindBcast, Root: root, Vals: vals})
}

func (c *localComm) Split(ctx context.Context, n int) (Comm, error) {
	if err := checkSplit(n, c.Size()); err != nil {
		return nil, err
	}
	if _, err := c.exchange(ctx, call{Kind: kindSplit, Vals: []float64{float64(n)}}); err != nil {
		return nil, err
	}
	c.splits++
	if c.rank >= n {
		return nil, nil
	}
	id := fmt.Sprintf("%s/%d", c.group.id, c.splits)
	return &localComm{world: c.world, group: c.world.group(id, n), rank: c.rank}, nil
}

func (c *localComm) Free() error {
	if c.freed {
		return nil
	}
	c.freed = true
	c.world.release(c.group)
	return nil
}

func (c *localComm) Abort(cause error) { c.world.Abort(c.rank, cause) }

func (c *localComm) exchange(ctx context.Context, in call) ([]float64, error) {
	select {
	case <-c.world.abortCh:
		return nil, c.world.abortErr
	default:
	}

	g := c.group
	vals := make([]float64, len(in.Vals))
	copy(vals, in.Vals)

	g.mu.Lock()
	r := g.round
	if r == nil {
		r = &localRound{call: in, contrib: make([][]float64, g.size), done: make(chan struct{})}
		g.round = r
	}
	if !r.call.matches(in) {
		g.mu.Unlock()
		err := fmt.Errorf("comm: rank %d entered %s while group %s is in %s", c.rank, in.Kind, g.id, r.call.Kind)
		c.Abort(err)
		return nil, err
	}
	r.contrib[c.rank] = vals
	r.arrived++
	if r.arrived == g.size {
		r.result, r.err = combine(r.call, r.contrib)
		g.round = nil
		close(r.done)
	}
	g.mu.Unlock()

	select {
	case <-r.done:
		if r.err != nil {
			return nil, r.err
		}
		if r.result == nil {
			return nil, nil
		}
		out := make([]float64, len(r.result))
		copy(out, r.result)
		return out, nil
	case <-c.world.abortCh:
		return nil, c.world.abortErr
	case <-ctx.Done():
		select {
		case <-c.world.abortCh:
			return nil, c.world.abortErr
		default:
		}
		return nil, ctx.Err()
	}
}
