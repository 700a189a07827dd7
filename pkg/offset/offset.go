// Package offset computes the byte offsets each task accesses during a
// phase. Under SHARED_FILE the offsets of all tasks tile the file exactly;
// under FILE_PER_PROCESS each task's file is addressed from zero.
package offset

import (
	"fmt"
	"math/rand/v2"

	"github.com/iore/iore/pkg/config"
)

// Layout holds the per-rank size lists of a run. Both lists are applied
// cyclically by rank.
type Layout struct {
	BlockSizes    []int64
	TransferSizes []int64
}

// NewLayout builds the layout of a run.
func NewLayout(p config.RunParams) Layout {
	return Layout{BlockSizes: p.Blocks(), TransferSizes: p.Transfers()}
}

// Validate rejects empty lists and non-positive sizes.
func (l Layout) Validate() error {
	if len(l.BlockSizes) == 0 || len(l.TransferSizes) == 0 {
		return fmt.Errorf("offset: block and transfer size lists must not be empty")
	}
	for i, b := range l.BlockSizes {
		if b < 1 {
			return fmt.Errorf("offset: block size %d at index %d must be positive", b, i)
		}
	}
	for i, t := range l.TransferSizes {
		if t < 1 {
			return fmt.Errorf("offset: transfer size %d at index %d must be positive", t, i)
		}
	}
	return nil
}

// BlockSize is the number of bytes rank moves per phase.
func (l Layout) BlockSize(rank int) int64 { return l.BlockSizes[rank%len(l.BlockSizes)] }

// TransferSize is the request granularity of rank.
func (l Layout) TransferSize(rank int) int64 { return l.TransferSizes[rank%len(l.TransferSizes)] }

// Count is the number of requests rank issues per phase.
func (l Layout) Count(rank int) int {
	b, t := l.BlockSize(rank), l.TransferSize(rank)
	return int((b + t - 1) / t)
}

// RegionStart is where rank's contiguous region begins in a shared file
// laid out sequentially.
func (l Layout) RegionStart(rank int) int64 {
	var cycle int64
	for _, b := range l.BlockSizes {
		cycle += b
	}
	start := int64(rank/len(l.BlockSizes)) * cycle
	for _, b := range l.BlockSizes[:rank%len(l.BlockSizes)] {
		start += b
	}
	return start
}

// FileSize is the size of a shared file written by numTasks tasks.
func (l Layout) FileSize(numTasks int) int64 {
	var total int64
	for r := 0; r < numTasks; r++ {
		total += l.BlockSize(r)
	}
	return total
}

// Generate returns the offsets rank visits, in visit order. numTasks is the
// size of the run's group and seed the value broadcast by the coordinator;
// both only matter for SHARED_FILE with RANDOM.
//
// Requests are min(remaining, transfer size) bytes, so the last offset of
// the list is the one that may carry a short request.
func Generate(pattern config.AccessPattern, policy config.SharingPolicy, rank, numTasks int, l Layout, seed uint64) ([]int64, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if rank < 0 || rank >= numTasks {
		return nil, fmt.Errorf("offset: rank %d out of range [0,%d)", rank, numTasks)
	}

	switch policy {
	case config.FilePerProcess:
		return strided(0, l.TransferSize(rank), l.Count(rank)), nil
	case config.SharedFile:
	default:
		return nil, fmt.Errorf("offset: unknown sharing policy %q", policy)
	}

	switch pattern {
	case config.Sequential:
		return strided(l.RegionStart(rank), l.TransferSize(rank), l.Count(rank)), nil
	case config.Random:
		return random(rank, numTasks, l, seed), nil
	}
	return nil, fmt.Errorf("offset: unknown access pattern %q", pattern)
}

func strided(start, step int64, n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = start + int64(i)*step
	}
	return out
}

// random replays the global chunk assignment shared by every task, keeps
// the chunks that belong to rank, then shuffles rank's full-size chunks.
func random(rank, numTasks int, l Layout, seed uint64) []int64 {
	remaining := make([]int64, numTasks)
	active := make([]int, numTasks)
	for r := range remaining {
		remaining[r] = l.BlockSize(r)
		active[r] = r
	}

	global := rand.New(rand.NewPCG(seed, 0))
	out := make([]int64, 0, l.Count(rank))
	var o int64
	for len(active) > 0 {
		i := global.IntN(len(active))
		r := active[i]
		chunk := min(l.TransferSize(r), remaining[r])
		if r == rank {
			out = append(out, o)
		}
		o += chunk
		remaining[r] -= chunk
		if remaining[r] == 0 {
			last := len(active) - 1
			active[i] = active[last]
			active = active[:last]
		}
	}

	// A short final chunk stays last so the executor's shrinking request
	// lands on it.
	n := len(out)
	if l.BlockSize(rank)%l.TransferSize(rank) != 0 {
		n--
	}
	local := rand.New(rand.NewPCG(seed, uint64(rank)+1))
	local.Shuffle(n, func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
