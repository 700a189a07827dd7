package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Emitter sends batches of events to a destination.
type Emitter interface {
	Emit(events []ResultEvent) error
	Close() error
}

// WriterEmitter writes JSON lines to an io.Writer.
type WriterEmitter struct {
	mu      sync.Mutex
	encoder *json.Encoder
	closers []io.Closer // closed in order
}

// NewWriterEmitter creates an emitter over w. If w is an io.Closer it is
// closed by Close.
func NewWriterEmitter(w io.Writer) *WriterEmitter {
	e := &WriterEmitter{encoder: json.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		e.closers = append(e.closers, c)
	}
	return e
}

// NewStdoutEmitter writes JSON lines to stdout.
func NewStdoutEmitter() *WriterEmitter {
	return &WriterEmitter{encoder: json.NewEncoder(os.Stdout)}
}

// NewFileEmitter appends JSON lines to the file at path. A path ending in
// ".zst" gets a zstd stream; each Close ends one frame, so appended runs
// still decode as a single stream.
func NewFileEmitter(path string) (*WriterEmitter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry.NewFileEmitter: %w", err)
	}
	if !strings.HasSuffix(path, ".zst") {
		return NewWriterEmitter(f), nil
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("telemetry.NewFileEmitter: zstd: %w", err)
	}
	return &WriterEmitter{encoder: json.NewEncoder(zw), closers: []io.Closer{zw, f}}, nil
}

// Emit writes one line per event.
func (e *WriterEmitter) Emit(events []ResultEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, evt := range events {
		if err := e.encoder.Encode(evt); err != nil {
			return fmt.Errorf("telemetry.WriterEmitter: %w", err)
		}
	}
	return nil
}

func (e *WriterEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c.Close())
	}
	e.closers = nil
	return errors.Join(errs...)
}

// HTTPEmitter posts batches to a results service.
type HTTPEmitter struct {
	addr   string
	client *http.Client
}

// NewHTTPEmitter creates an emitter that POSTs to addr + /api/v1/results.
func NewHTTPEmitter(addr string) *HTTPEmitter {
	return &HTTPEmitter{
		addr: addr,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Emit sends events as one JSON array.
func (e *HTTPEmitter) Emit(events []ResultEvent) error {
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("telemetry.HTTPEmitter: marshal: %w", err)
	}

	resp, err := e.client.Post(e.addr+"/api/v1/results", "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("telemetry.HTTPEmitter: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("telemetry.HTTPEmitter: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (e *HTTPEmitter) Close() error { return nil }

// NopEmitter discards all events.
type NopEmitter struct{}

func (NopEmitter) Emit([]ResultEvent) error { return nil }
func (NopEmitter) Close() error             { return nil }

// MemoryEmitter keeps events in memory.
type MemoryEmitter struct {
	mu     sync.Mutex
	events []ResultEvent
}

func NewMemoryEmitter() *MemoryEmitter {
	return &MemoryEmitter{}
}

func (e *MemoryEmitter) Emit(events []ResultEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, events...)
	return nil
}

func (e *MemoryEmitter) Close() error { return nil }

// Events returns a copy of the stored events.
func (e *MemoryEmitter) Events() []ResultEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ResultEvent, len(e.events))
	copy(out, e.events)
	return out
}

func (e *MemoryEmitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}
