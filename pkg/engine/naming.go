package engine

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/iore/iore/pkg/config"
)

// FileName returns the test file a task accesses in a repetition. rank is
// the pretend rank for reads.
func FileName(p config.RunParams, rank, rep int) string {
	name := p.RootFileName
	if p.SharingPolicy == config.FilePerProcess {
		if p.DirPerFile {
			name = filepath.Join(filepath.Dir(name), strconv.Itoa(rank), filepath.Base(name))
		}
		name = fmt.Sprintf("%s.%08d", name, rank)
	}
	if p.UseRepInFileName {
		name = fmt.Sprintf("%s.rep%d", name, rep)
	}
	return name
}

// PretendRank is the rank whose data a task reads back. Writes always use
// the real rank.
func PretendRank(p config.RunParams, rank, groupSize int) int {
	if !p.ReorderTasks || groupSize < 1 {
		return rank
	}
	r := (rank + p.ReorderTasksOffset) % groupSize
	if r < 0 {
		r += groupSize
	}
	return r
}
