package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/iore/iore/pkg/metrics"

	// Register rclone backends via blank imports.
	_ "github.com/rclone/rclone/backend/azureblob"
	_ "github.com/rclone/rclone/backend/googlecloudstorage"
	_ "github.com/rclone/rclone/backend/local"
	_ "github.com/rclone/rclone/backend/s3"
	_ "github.com/rclone/rclone/backend/sftp"

	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/config/configmap"
	"github.com/rclone/rclone/fs/object"
)

// RcloneBackend runs phases against an rclone remote (object stores, sftp,
// local directories). Objects are written whole: writes are staged in a
// local temporary file and uploaded on Close. Reads use ranged GETs.
type RcloneBackend struct {
	name       string
	backType   string
	rfs        fs.Fs
	stagingDir string
}

type rcloneWriter struct {
	path    string
	staging *os.File
}

type rcloneReader struct {
	path string
	obj  fs.Object
}

// NewRcloneBackend creates a backend from config.
// backendType is the rclone backend name (e.g. "azureblob", "s3", "local").
// remotePath is the bucket/container + optional prefix.
// params maps rclone config keys to values.
func NewRcloneBackend(name, backendType, remotePath string, params map[string]string) (*RcloneBackend, error) {
	m := configmap.Simple(params)

	regInfo, err := fs.Find(backendType)
	if err != nil {
		return nil, fmt.Errorf("backend.NewRcloneBackend: unknown type %q: %w", backendType, err)
	}

	rfs, err := regInfo.NewFs(context.Background(), name, remotePath, m)
	if err != nil {
		return nil, fmt.Errorf("backend.NewRcloneBackend: create %q (%s): %w", name, backendType, err)
	}

	slog.Info("backend created",
		"component", "backend", "name", name,
		"type", backendType, "path", remotePath,
	)

	return &RcloneBackend{name: name, backType: backendType, rfs: rfs, stagingDir: params["staging_dir"]}, nil
}

func (b *RcloneBackend) Name() string { return b.name }

// Type returns the rclone backend type.
func (b *RcloneBackend) Type() string { return b.backType }

// SupportsSharedFile is false: each Close uploads a whole object, so
// concurrent writers would replace each other's data.
func (b *RcloneBackend) SupportsSharedFile() bool { return false }

func remote(path string) string { return strings.TrimPrefix(path, "/") }

// Create stages a new object locally.
func (b *RcloneBackend) Create(ctx context.Context, t Target) (Handle, error) {
	f, err := os.CreateTemp(b.stagingDir, "iore-stage-*")
	if err != nil {
		metrics.BackendErrors.WithLabelValues(b.name, "create").Inc()
		return nil, fmt.Errorf("backend %s: Create %q: staging: %w", b.name, t.Path, err)
	}
	return &rcloneWriter{path: remote(t.Path), staging: f}, nil
}

// Open looks up an existing object for ranged reads.
func (b *RcloneBackend) Open(ctx context.Context, t Target) (Handle, error) {
	start := time.Now()
	defer observe(b.name, "open", start)
	obj, err := b.rfs.NewObject(ctx, remote(t.Path))
	if err != nil {
		metrics.BackendErrors.WithLabelValues(b.name, "open").Inc()
		if errors.Is(err, fs.ErrorObjectNotFound) {
			return nil, fmt.Errorf("backend %s: Open %q: %w", b.name, t.Path, ErrNotFound)
		}
		return nil, fmt.Errorf("backend %s: Open %q: %w", b.name, t.Path, err)
	}
	return &rcloneReader{path: remote(t.Path), obj: obj}, nil
}

// IO writes into the staging file or reads a byte range of the object.
func (b *RcloneBackend) IO(ctx context.Context, h Handle, buf []byte, off int64, access Access) (int, error) {
	switch f := h.(type) {
	case *rcloneWriter:
		if access != Write {
			return 0, fmt.Errorf("backend %s: read on write handle %q", b.name, f.path)
		}
		n, err := f.staging.WriteAt(buf, off)
		if err != nil {
			metrics.BackendErrors.WithLabelValues(b.name, "write").Inc()
			return n, fmt.Errorf("backend %s: write %q at %d: %w", b.name, f.path, off, err)
		}
		return n, nil
	case *rcloneReader:
		if access != Read {
			return 0, fmt.Errorf("backend %s: write on read handle %q", b.name, f.path)
		}
		return b.readAt(ctx, f, buf, off)
	}
	return 0, fmt.Errorf("backend %s: IO: foreign handle %T", b.name, h)
}

func (b *RcloneBackend) readAt(ctx context.Context, f *rcloneReader, p []byte, off int64) (int, error) {
	start := time.Now()
	defer observe(b.name, "read", start)

	size := f.obj.Size()
	if off >= size || len(p) == 0 {
		return 0, nil
	}
	end := off + int64(len(p)) - 1
	if end >= size {
		end = size - 1
	}

	rc, err := f.obj.Open(ctx, &fs.RangeOption{Start: off, End: end})
	if err != nil {
		metrics.BackendErrors.WithLabelValues(b.name, "read").Inc()
		return 0, fmt.Errorf("backend %s: read %q open: %w", b.name, f.path, err)
	}
	defer rc.Close()

	n, err := io.ReadFull(rc, p[:end-off+1])
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		metrics.BackendErrors.WithLabelValues(b.name, "read").Inc()
		return n, fmt.Errorf("backend %s: read %q at %d: %w", b.name, f.path, off, err)
	}
	return n, nil
}

// Close uploads a staged object; read handles need no cleanup.
func (b *RcloneBackend) Close(ctx context.Context, h Handle) error {
	f, ok := h.(*rcloneWriter)
	if !ok {
		return nil
	}
	start := time.Now()
	defer observe(b.name, "upload", start)
	defer os.Remove(f.staging.Name())
	defer f.staging.Close()

	st, err := f.staging.Stat()
	if err != nil {
		return fmt.Errorf("backend %s: Close %q: %w", b.name, f.path, err)
	}
	if _, err := f.staging.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("backend %s: Close %q: %w", b.name, f.path, err)
	}
	info := object.NewStaticObjectInfo(f.path, time.Now(), st.Size(), true, nil, nil)
	if _, err := b.rfs.Put(ctx, f.staging, info); err != nil {
		metrics.BackendErrors.WithLabelValues(b.name, "upload").Inc()
		return fmt.Errorf("backend %s: Close %q: upload: %w", b.name, f.path, err)
	}
	return nil
}

// Delete removes an object; a missing object is not an error.
func (b *RcloneBackend) Delete(ctx context.Context, t Target) error {
	start := time.Now()
	defer observe(b.name, "delete", start)
	obj, err := b.rfs.NewObject(ctx, remote(t.Path))
	if err != nil {
		if errors.Is(err, fs.ErrorObjectNotFound) {
			return nil
		}
		return fmt.Errorf("backend %s: Delete %q: %w", b.name, t.Path, err)
	}
	if err := obj.Remove(ctx); err != nil {
		metrics.BackendErrors.WithLabelValues(b.name, "delete").Inc()
		return fmt.Errorf("backend %s: Delete %q: %w", b.name, t.Path, err)
	}
	return nil
}

// Shutdown releases resources.
func (b *RcloneBackend) Shutdown() error {
	slog.Info("backend closed", "component", "backend", "name", b.name)
	return nil
}
