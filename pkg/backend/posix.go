package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/iore/iore/pkg/metrics"
)

// PosixBackend issues positional reads and writes on local or mounted
// file systems.
type PosixBackend struct{}

type posixFile struct {
	fd     int
	path   string
	access Access
	fsync  bool
}

// NewPosixBackend creates the POSIX backend.
func NewPosixBackend() *PosixBackend { return &PosixBackend{} }

func (b *PosixBackend) Name() string { return "POSIX" }

// Create opens the target for writing, creating it and any missing parent
// directories. Existing content is kept so concurrent writers of a shared
// file do not truncate each other.
func (b *PosixBackend) Create(ctx context.Context, t Target) (Handle, error) {
	start := time.Now()
	defer observe(b.Name(), "create", start)
	if dir := filepath.Dir(t.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			metrics.BackendErrors.WithLabelValues(b.Name(), "create").Inc()
			return nil, fmt.Errorf("backend %s: Create %q: %w", b.Name(), t.Path, err)
		}
	}
	fd, err := unix.Open(t.Path, unix.O_CREAT|unix.O_WRONLY|unix.O_CLOEXEC, 0o644)
	if err != nil {
		metrics.BackendErrors.WithLabelValues(b.Name(), "create").Inc()
		return nil, fmt.Errorf("backend %s: Create %q: %w", b.Name(), t.Path, err)
	}
	return &posixFile{fd: fd, path: t.Path, access: Write, fsync: t.Fsync}, nil
}

// Open opens an existing target for reading.
func (b *PosixBackend) Open(ctx context.Context, t Target) (Handle, error) {
	start := time.Now()
	defer observe(b.Name(), "open", start)
	fd, err := unix.Open(t.Path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		metrics.BackendErrors.WithLabelValues(b.Name(), "open").Inc()
		if errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("backend %s: Open %q: %w: %w", b.Name(), t.Path, ErrNotFound, err)
		}
		return nil, fmt.Errorf("backend %s: Open %q: %w", b.Name(), t.Path, err)
	}
	return &posixFile{fd: fd, path: t.Path, access: Read}, nil
}

// IO issues one pwrite or pread. Interrupted calls report zero bytes so the
// caller retries them like any other short transfer.
func (b *PosixBackend) IO(ctx context.Context, h Handle, buf []byte, off int64, access Access) (int, error) {
	f, ok := h.(*posixFile)
	if !ok {
		return 0, fmt.Errorf("backend %s: IO: foreign handle %T", b.Name(), h)
	}
	var n int
	var err error
	if access == Write {
		n, err = unix.Pwrite(f.fd, buf, off)
	} else {
		n, err = unix.Pread(f.fd, buf, off)
	}
	if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
		return 0, nil
	}
	if err != nil {
		metrics.BackendErrors.WithLabelValues(b.Name(), access.String()).Inc()
		return 0, fmt.Errorf("backend %s: %s %q at %d: %w", b.Name(), access, f.path, off, err)
	}
	return n, nil
}

// Close flushes (when requested) and closes the descriptor.
func (b *PosixBackend) Close(ctx context.Context, h Handle) error {
	start := time.Now()
	defer observe(b.Name(), "close", start)
	f, ok := h.(*posixFile)
	if !ok {
		return fmt.Errorf("backend %s: Close: foreign handle %T", b.Name(), h)
	}
	if f.access == Write && f.fsync {
		if err := unix.Fsync(f.fd); err != nil {
			unix.Close(f.fd)
			metrics.BackendErrors.WithLabelValues(b.Name(), "fsync").Inc()
			return fmt.Errorf("backend %s: fsync %q: %w", b.Name(), f.path, err)
		}
	}
	if err := unix.Close(f.fd); err != nil {
		metrics.BackendErrors.WithLabelValues(b.Name(), "close").Inc()
		return fmt.Errorf("backend %s: Close %q: %w", b.Name(), f.path, err)
	}
	return nil
}

// Delete unlinks the target; a missing file is not an error.
func (b *PosixBackend) Delete(ctx context.Context, t Target) error {
	start := time.Now()
	defer observe(b.Name(), "delete", start)
	err := unix.Unlink(t.Path)
	if err == nil || errors.Is(err, unix.ENOENT) {
		return nil
	}
	metrics.BackendErrors.WithLabelValues(b.Name(), "delete").Inc()
	return fmt.Errorf("backend %s: Delete %q: %w", b.Name(), t.Path, err)
}

// Shutdown is a no-op for POSIX.
func (b *PosixBackend) Shutdown() error {
	slog.Debug("backend closed", "component", "backend", "name", b.Name())
	return nil
}

func observe(name, op string, start time.Time) {
	metrics.BackendRequestDuration.WithLabelValues(name, op).Observe(time.Since(start).Seconds())
}
