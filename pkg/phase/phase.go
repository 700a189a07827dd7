package phase

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/iore/iore/pkg/backend"
	"github.com/iore/iore/pkg/comm"
	"github.com/iore/iore/pkg/metrics"
	"github.com/iore/iore/pkg/task"
)

// MaxRetry bounds how often one request may come back short.
const MaxRetry = 10000

// Timer slots recorded per phase.
const (
	OpenStart = iota
	OpenStop
	XferStart
	XferStop
	CloseStart
	CloseStop
	NumTimers
)

// partialLog throttles retry logging per process.
var partialLog = rate.Sometimes{First: 5, Interval: time.Second}

var (
	// ErrPartialTransfer is returned when a short transfer occurs and
	// retries are disabled.
	ErrPartialTransfer = errors.New("partial transfer")
	// ErrRetryLimit is returned when a request stays short after MaxRetry retries.
	ErrRetryLimit = errors.New("retry limit exceeded")
)

// Plan describes one phase for this task.
type Plan struct {
	Access       backend.Access
	Target       backend.Target
	Offsets      []int64
	BlockSize    int64
	TransferSize int64
	Buffer       []byte // at least TransferSize bytes

	// RemoveFirst deletes the target before a write phase. With Shared set
	// only rank 0 of the group deletes.
	RemoveFirst   bool
	Shared        bool
	IntraBarrier  bool
	SingleAttempt bool
}

// Sample is what one task measured during a phase.
type Sample struct {
	Timers [NumTimers]float64
	Bytes  int64
}

// Executor drives phases for one task of a group.
type Executor struct {
	Task    *task.Context
	Group   comm.Comm
	Backend backend.Backend
}

// Run executes the phase and returns this task's timers and bytes moved.
// Every error it returns is fatal for the population.
func (e *Executor) Run(ctx context.Context, p Plan) (Sample, error) {
	var s Sample
	if int64(len(p.Buffer)) < p.TransferSize {
		return s, task.Fatal("allocate transfer buffer", fmt.Errorf("buffer of %d bytes is smaller than transfer size %d", len(p.Buffer), p.TransferSize))
	}

	if p.Access == backend.Write && p.RemoveFirst && (!p.Shared || e.Group.Rank() == 0) {
		if err := e.Backend.Delete(ctx, p.Target); err != nil {
			slog.Warn("remove before write failed", "component", "phase", "rank", e.Task.Rank, "path", p.Target.Path, "error", err)
		}
	}

	if err := e.barrier(ctx, "before open"); err != nil {
		return s, err
	}

	if err := e.stamp(&s.Timers[OpenStart]); err != nil {
		return s, err
	}
	var h backend.Handle
	var err error
	if p.Access == backend.Write {
		h, err = e.Backend.Create(ctx, p.Target)
	} else {
		h, err = e.Backend.Open(ctx, p.Target)
	}
	if err != nil {
		op := "open"
		if p.Access == backend.Write {
			op = "create"
		}
		return s, task.Fatal(fmt.Sprintf("%s %s", op, p.Target.Path), err)
	}
	open := true
	defer func() {
		if open {
			e.Backend.Close(ctx, h)
		}
	}()
	if err := e.stamp(&s.Timers[OpenStop]); err != nil {
		return s, err
	}

	if p.IntraBarrier {
		if err := e.barrier(ctx, "before transfer"); err != nil {
			return s, err
		}
	}

	if err := e.stamp(&s.Timers[XferStart]); err != nil {
		return s, err
	}
	s.Bytes, err = e.transferAll(ctx, h, p)
	if err != nil {
		return s, err
	}
	if err := e.stamp(&s.Timers[XferStop]); err != nil {
		return s, err
	}

	if p.IntraBarrier {
		if err := e.barrier(ctx, "after transfer"); err != nil {
			return s, err
		}
	}

	if err := e.stamp(&s.Timers[CloseStart]); err != nil {
		return s, err
	}
	open = false
	if err := e.Backend.Close(ctx, h); err != nil {
		return s, task.Fatal(fmt.Sprintf("close %s", p.Target.Path), err)
	}
	if err := e.stamp(&s.Timers[CloseStop]); err != nil {
		return s, err
	}

	if err := e.barrier(ctx, "after close"); err != nil {
		return s, err
	}
	return s, nil
}

func (e *Executor) transferAll(ctx context.Context, h backend.Handle, p Plan) (int64, error) {
	remaining := p.BlockSize
	var total int64
	for _, off := range p.Offsets {
		if remaining <= 0 {
			break
		}
		n := min(remaining, p.TransferSize)
		if err := e.transfer(ctx, h, p, off, p.Buffer[:n]); err != nil {
			return total, err
		}
		remaining -= n
		total += n
	}
	return total, nil
}

// transfer moves buf at off, re-issuing the remainder after a short
// transfer.
func (e *Executor) transfer(ctx context.Context, h backend.Handle, p Plan, off int64, buf []byte) error {
	done := 0
	for retries := 0; ; retries++ {
		n, err := e.Backend.IO(ctx, h, buf[done:], off+int64(done), p.Access)
		if err != nil {
			return task.Fatal(fmt.Sprintf("%s %s at offset %d", p.Access, p.Target.Path, off+int64(done)), err)
		}
		done += n
		if done >= len(buf) {
			return nil
		}

		metrics.PartialTransfers.WithLabelValues(p.Access.String()).Inc()
		if p.SingleAttempt {
			return task.Fatal(fmt.Sprintf("%s %s at offset %d", p.Access, p.Target.Path, off),
				fmt.Errorf("%w: moved %d of %d bytes", ErrPartialTransfer, done, len(buf)))
		}
		if retries >= MaxRetry {
			return task.Fatal(fmt.Sprintf("%s %s at offset %d", p.Access, p.Target.Path, off),
				fmt.Errorf("%w: %d bytes outstanding after %d retries", ErrRetryLimit, len(buf)-done, retries))
		}
		partialLog.Do(func() {
			slog.Debug("partial transfer, retrying", "component", "phase", "rank", e.Task.Rank,
				"access", p.Access.String(), "offset", off, "moved", done, "requested", len(buf))
		})
	}
}

func (e *Executor) barrier(ctx context.Context, where string) error {
	if err := e.Group.Barrier(ctx); err != nil {
		return task.Fatal("barrier "+where, err)
	}
	return nil
}

func (e *Executor) stamp(slot *float64) error {
	t, err := e.Task.Now()
	if err != nil {
		return err
	}
	*slot = t
	return nil
}

// FillBuffer writes the verifiable pattern: 64-bit little-endian words
// alternating the (pretend) rank and the data signature.
func FillBuffer(buf []byte, rank int, signature uint64) {
	var word [8]byte
	for i, w := 0, 0; i < len(buf); i, w = i+8, w+1 {
		v := uint64(rank)
		if w%2 == 1 {
			v = signature
		}
		binary.LittleEndian.PutUint64(word[:], v)
		copy(buf[i:], word[:])
	}
}
