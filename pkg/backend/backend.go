package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNotFound is returned when a file or object does not exist.
var ErrNotFound = errors.New("not found")

// Access is the direction of a phase.
type Access int

const (
	Write Access = iota
	Read
)

func (a Access) String() string {
	if a == Write {
		return "write"
	}
	return "read"
}

// Target identifies the file a phase operates on.
type Target struct {
	Path  string
	Fsync bool // flush written data before close
}

// Handle is an open file returned by Create or Open. Its concrete type
// belongs to the backend that produced it.
type Handle any

// Backend is the I/O contract the phase executor drives.
type Backend interface {
	// Name returns the API name runs select this backend by (e.g. "POSIX").
	Name() string

	// Create creates or opens the target for writing.
	Create(ctx context.Context, t Target) (Handle, error)

	// Open opens an existing target for reading.
	Open(ctx context.Context, t Target) (Handle, error)

	// IO moves len(buf) bytes at offset off and returns the number of bytes
	// actually moved, which may be fewer than requested.
	IO(ctx context.Context, h Handle, buf []byte, off int64, access Access) (int, error)

	// Close releases the handle.
	Close(ctx context.Context, h Handle) error

	// Delete removes the target. A missing target is not an error.
	Delete(ctx context.Context, t Target) error

	// Shutdown releases resources held by this backend.
	Shutdown() error
}

// SharedFileChecker is implemented by backends that cannot let several
// tasks write one file concurrently.
type SharedFileChecker interface {
	SupportsSharedFile() bool
}

// SupportsSharedFile reports whether b tolerates concurrent writers to one file.
func SupportsSharedFile(b Backend) bool {
	if c, ok := b.(SharedFileChecker); ok {
		return c.SupportsSharedFile()
	}
	return true
}

// Registry manages named backends. Names are case-insensitive.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register adds a backend to the registry, keyed by its Name().
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := strings.ToUpper(b.Name())
	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("backend.Registry: backend %q already registered", name)
	}
	r.backends[name] = b
	return nil
}

// Get returns a backend by name.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[strings.ToUpper(name)]
	if !ok {
		return nil, fmt.Errorf("backend.Registry: backend %q not found", name)
	}
	return b, nil
}

// All returns a copy of all registered backends.
func (r *Registry) All() map[string]Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := make(map[string]Backend, len(r.backends))
	for k, v := range r.backends {
		m[k] = v
	}
	return m
}

// Close shuts down all registered backends.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, b := range r.backends {
		if err := b.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("backend %s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
