// Package comm provides the collective operations (barrier, reduce,
// broadcast, split) that keep a population of benchmark tasks in lockstep.
//
// Two substrates are available: an in-process world where every task is a
// goroutine (NewWorld, RunLocal) and a TCP world where every task is its own
// process and rank 0 hosts a hub (Hub, DialTCP).
package comm

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrAborted is matched (via errors.Is) by every error returned from a
// collective that was interrupted by an abort.
var ErrAborted = errors.New("comm: aborted")

// Op is a reduction operator.
type Op int

const (
	OpMin Op = iota
	OpMax
	OpSum
)

func (o Op) String() string {
	switch o {
	case OpMin:
		return "min"
	case OpMax:
		return "max"
	case OpSum:
		return "sum"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Comm is a communicator over an ordered group of ranks. Every collective
// must be entered by all ranks of the group in the same order.
type Comm interface {
	// Rank is this task's 0-based identity within the group.
	Rank() int
	// Size is the number of ranks in the group.
	Size() int
	// Barrier blocks until every rank of the group has entered it.
	Barrier(ctx context.Context) error
	// Reduce combines vals element-wise across the group. The result is
	// returned on root only; other ranks receive nil.
	Reduce(ctx context.Context, op Op, root int, vals []float64) ([]float64, error)
	// Bcast returns root's vals on every rank.
	Bcast(ctx context.Context, root int, vals []float64) ([]float64, error)
	// Split forms a sub-group of the first n ranks. Ranks >= n receive nil.
	Split(ctx context.Context, n int) (Comm, error)
	// Free releases the communicator. It is not collective.
	Free() error
	// Abort interrupts every rank of the whole population, including
	// ranks blocked in collectives on other communicators.
	Abort(cause error)
}

// AbortedError is returned from collectives interrupted by an abort.
type AbortedError struct {
	Rank  int // world rank that requested the abort, -1 if unknown
	Cause error
}

func (e *AbortedError) Error() string {
	if e.Rank < 0 {
		return fmt.Sprintf("comm: aborted: %v", e.Cause)
	}
	return fmt.Sprintf("comm: aborted by rank %d: %v", e.Rank, e.Cause)
}

func (e *AbortedError) Unwrap() error { return e.Cause }

func (e *AbortedError) Is(target error) bool { return target == ErrAborted }

type kind int

const (
	kindBarrier kind = iota
	kindReduce
	kindBcast
	kindSplit
)

func (k kind) String() string {
	switch k {
	case kindBarrier:
		return "barrier"
	case kindReduce:
		return "reduce"
	case kindBcast:
		return "bcast"
	case kindSplit:
		return "split"
	}
	return "unknown"
}

// call describes one rank's entry into a collective.
type call struct {
	Kind kind
	Op   Op
	Root int
	Vals []float64
}

func (c call) matches(o call) bool {
	return c.Kind == o.Kind && c.Op == o.Op && c.Root == o.Root
}

// combine computes the result of a completed collective from every rank's
// contribution, indexed by rank.
func combine(c call, contrib [][]float64) ([]float64, error) {
	switch c.Kind {
	case kindBarrier:
		return nil, nil
	case kindSplit:
		for _, v := range contrib {
			if len(v) != 1 || v[0] != contrib[0][0] {
				return nil, fmt.Errorf("comm: split size disagrees across ranks")
			}
		}
		return contrib[0], nil
	case kindBcast:
		out := make([]float64, len(contrib[c.Root]))
		copy(out, contrib[c.Root])
		return out, nil
	case kindReduce:
		n := len(contrib[0])
		out := make([]float64, n)
		switch c.Op {
		case OpMin:
			for i := range out {
				out[i] = math.Inf(1)
			}
		case OpMax:
			for i := range out {
				out[i] = math.Inf(-1)
			}
		}
		for rank, v := range contrib {
			if len(v) != n {
				return nil, fmt.Errorf("comm: reduce length mismatch: rank %d sent %d values, want %d", rank, len(v), n)
			}
			for i, x := range v {
				switch c.Op {
				case OpMin:
					out[i] = math.Min(out[i], x)
				case OpMax:
					out[i] = math.Max(out[i], x)
				case OpSum:
					out[i] += x
				}
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("comm: unknown collective %d", c.Kind)
}

func checkRoot(root, size int) error {
	if root < 0 || root >= size {
		return fmt.Errorf("comm: root %d out of range [0,%d)", root, size)
	}
	return nil
}

func checkSplit(n, size int) error {
	if n < 1 || n > size {
		return fmt.Errorf("comm: split size %d out of range [1,%d]", n, size)
	}
	return nil
}
