package telemetry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/iore/iore/pkg/config"
)

// DefaultFilePath is used by the file sink when no path is configured.
const DefaultFilePath = "iore-results.jsonl"

// Collector batches result events and flushes them to an emitter in the
// background.
type Collector struct {
	cfg     config.TelemetryConfig
	emitter Emitter

	mu    sync.Mutex
	batch []ResultEvent

	flushCh chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewCollector creates a collector for the configured sink: "stdout",
// "file", "http" or "nop".
func NewCollector(cfg config.TelemetryConfig) (*Collector, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	var emitter Emitter
	switch cfg.Sink {
	case "stdout":
		emitter = NewStdoutEmitter()
	case "file":
		path := cfg.FilePath
		if path == "" {
			path = DefaultFilePath
		}
		fe, err := NewFileEmitter(path)
		if err != nil {
			return nil, err
		}
		emitter = fe
	case "http":
		addr := cfg.ControlPlaneAddr
		if addr == "" {
			addr = "http://localhost:8080"
		}
		emitter = NewHTTPEmitter(addr)
	default:
		emitter = NopEmitter{}
	}
	return newCollector(cfg, emitter), nil
}

func newCollector(cfg config.TelemetryConfig, emitter Emitter) *Collector {
	c := &Collector{
		cfg:     cfg,
		emitter: emitter,
		batch:   make([]ResultEvent, 0, cfg.BatchSize),
		flushCh: make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.flushLoop()
	return c
}

// Record queues an event. It never blocks on the emitter.
func (c *Collector) Record(evt ResultEvent) {
	if !c.cfg.Enabled {
		return
	}

	c.mu.Lock()
	c.batch = append(c.batch, evt)
	full := len(c.batch) >= c.cfg.BatchSize
	c.mu.Unlock()

	if full {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// Flush sends the current batch synchronously.
func (c *Collector) Flush() {
	c.flush()
}

// Close flushes remaining events and closes the emitter.
func (c *Collector) Close() error {
	close(c.closeCh)
	c.wg.Wait()
	return c.emitter.Close()
}

// Pending returns the events not yet flushed.
func (c *Collector) Pending() []ResultEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ResultEvent, len(c.batch))
	copy(out, c.batch)
	return out
}

func (c *Collector) flushLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			c.flush()
			return
		case <-c.flushCh:
			c.flush()
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.batch) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.batch
	c.batch = make([]ResultEvent, 0, c.cfg.BatchSize)
	c.mu.Unlock()

	// Dropped on error; results are also on the console and in the store.
	if err := c.emitter.Emit(batch); err != nil {
		slog.Warn("telemetry flush failed", "component", "telemetry", "count", len(batch), "error", err)
	}
}
