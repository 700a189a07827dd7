package report

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/jaypipes/ghw"
)

// Host describes the machine the coordinator runs on. Zero fields were
// not available.
type Host struct {
	Hostname    string
	OS          string
	Arch        string
	Cores       uint32
	Threads     uint32
	MemoryBytes int64
}

// HostInfo collects host diagnostics. Lookup failures are logged and leave
// the corresponding fields empty.
func HostInfo() Host {
	h := Host{OS: runtime.GOOS, Arch: runtime.GOARCH}
	name, err := os.Hostname()
	if err != nil {
		slog.Warn("hostname lookup failed", "component", "report", "error", err)
	}
	h.Hostname = name

	if cpu, err := ghw.CPU(); err != nil {
		slog.Warn("cpu lookup failed", "component", "report", "error", err)
	} else {
		h.Cores = cpu.TotalCores
		h.Threads = cpu.TotalHardwareThreads
	}
	if mem, err := ghw.Memory(); err != nil {
		slog.Warn("memory lookup failed", "component", "report", "error", err)
	} else {
		h.MemoryBytes = mem.TotalPhysicalBytes
	}
	return h
}

// Print writes a one-line host summary.
func (h Host) Print(w io.Writer) {
	host := h.Hostname
	if host == "" {
		host = "unknown"
	}
	mem := "unknown"
	if h.MemoryBytes > 0 {
		mem = humanize.IBytes(uint64(h.MemoryBytes))
	}
	fmt.Fprintf(w, "Host: %s (%s/%s), %d cores, %d threads, %s memory\n", host, h.OS, h.Arch, h.Cores, h.Threads, mem)
}
