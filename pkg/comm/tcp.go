package comm

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

type msgKind int

const (
	msgHello msgKind = iota
	msgCollective
	msgResult
	msgAbort
	msgLeave
)

// message is the single gob-encoded frame exchanged between ranks and hub.
type message struct {
	Kind  msgKind
	Comm  string
	Rank  int
	Size  int
	Call  call
	Vals  []float64
	Err   string
	Cause string
}

// Hub routes collectives between the ranks of a TCP world. It runs inside
// the rank 0 process.
type Hub struct {
	ln   net.Listener
	size int

	mu     sync.Mutex
	conns  map[int]*hubConn
	rounds map[string]*hubRound
	hello  int
	gone   int
	closed bool
	done   chan struct{}

	// aborted is the first abort seen; ranks registering or entering a
	// collective after it get it immediately.
	aborted *message
}

type hubConn struct {
	rank int
	conn net.Conn
	mu   sync.Mutex
	enc  *gob.Encoder
	left bool // sent msgLeave before disconnecting
}

func (c *hubConn) send(m message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(m)
}

type hubRound struct {
	call    call
	size    int
	arrived int
	contrib [][]float64
	conns   []*hubConn
}

// NewHub creates a hub for a world of size ranks accepting on ln.
func NewHub(ln net.Listener, size int) *Hub {
	return &Hub{
		ln:     ln,
		size:   size,
		conns:  make(map[int]*hubConn),
		rounds: make(map[string]*hubRound),
		done:   make(chan struct{}),
	}
}

// Addr returns the listening address.
func (h *Hub) Addr() net.Addr { return h.ln.Addr() }

// Serve accepts the world's connections and routes collectives until every
// rank has disconnected or ctx is cancelled.
func (h *Hub) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
		case <-h.done:
		}
		h.ln.Close()
	}()

	accepted := 0
	for accepted < h.size {
		conn, err := h.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("comm.Hub: accept: %w", err)
		}
		accepted++
		go h.handle(conn)
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		h.abortAll(-1, "hub shutting down")
		return ctx.Err()
	}
}

func (h *Hub) handle(conn net.Conn) {
	defer conn.Close()
	dec := gob.NewDecoder(conn)
	hc := &hubConn{rank: -1, conn: conn, enc: gob.NewEncoder(conn)}

	var hello message
	if err := dec.Decode(&hello); err != nil || hello.Kind != msgHello {
		slog.Warn("comm hub: bad handshake", "component", "comm", "remote", conn.RemoteAddr(), "error", err)
		h.disconnect(hc, false)
		return
	}
	aborted, err := h.register(hc, hello)
	if err != nil {
		slog.Warn("comm hub: rejected rank", "component", "comm", "rank", hello.Rank, "error", err)
		hc.send(message{Kind: msgHello, Rank: hello.Rank, Err: err.Error()})
		h.disconnect(hc, false)
		return
	}
	if aborted != nil {
		hc.send(*aborted)
	} else if err := hc.send(message{Kind: msgHello, Rank: hello.Rank}); err != nil {
		h.disconnect(hc, true)
		return
	}

	for {
		var m message
		if err := dec.Decode(&m); err != nil {
			if !hc.left && !errors.Is(err, io.EOF) {
				slog.Warn("comm hub: read failed", "component", "comm", "rank", hc.rank, "error", err)
			}
			h.disconnect(hc, !hc.left)
			return
		}
		switch m.Kind {
		case msgCollective:
			h.collect(hc, m)
		case msgAbort:
			h.abortAll(m.Rank, m.Cause)
		case msgLeave:
			hc.left = true
		}
	}
}

// register adds the rank to the world. It returns the recorded abort when
// the world was already aborted.
func (h *Hub) register(hc *hubConn, hello message) (*message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hello.Size != h.size {
		return nil, fmt.Errorf("world size %d does not match hub size %d", hello.Size, h.size)
	}
	if hello.Rank < 0 || hello.Rank >= h.size {
		return nil, fmt.Errorf("rank %d out of range", hello.Rank)
	}
	if _, dup := h.conns[hello.Rank]; dup {
		return nil, fmt.Errorf("rank %d already connected", hello.Rank)
	}
	hc.rank = hello.Rank
	h.conns[hello.Rank] = hc
	h.hello++
	slog.Debug("comm hub: rank connected", "component", "comm", "rank", hello.Rank, "connected", h.hello, "size", h.size)
	return h.aborted, nil
}

func (h *Hub) collect(hc *hubConn, m message) {
	h.mu.Lock()
	if h.aborted != nil {
		abort := *h.aborted
		h.mu.Unlock()
		hc.send(abort)
		return
	}
	r, ok := h.rounds[m.Comm]
	if !ok {
		r = &hubRound{
			call:    m.Call,
			size:    m.Size,
			contrib: make([][]float64, m.Size),
			conns:   make([]*hubConn, m.Size),
		}
		h.rounds[m.Comm] = r
	}
	if !r.call.matches(m.Call) || r.size != m.Size || m.Rank < 0 || m.Rank >= r.size {
		h.mu.Unlock()
		h.abortAll(hc.rank, fmt.Sprintf("collective mismatch on %s: rank %d sent %s", m.Comm, m.Rank, m.Call.Kind))
		return
	}
	r.contrib[m.Rank] = m.Call.Vals
	r.conns[m.Rank] = hc
	r.arrived++
	if r.arrived < r.size {
		h.mu.Unlock()
		return
	}
	delete(h.rounds, m.Comm)
	h.mu.Unlock()

	res := message{Kind: msgResult, Comm: m.Comm}
	vals, err := combine(r.call, r.contrib)
	if err != nil {
		res.Err = err.Error()
	}
	res.Vals = vals
	for _, c := range r.conns {
		if err := c.send(res); err != nil {
			slog.Warn("comm hub: send result failed", "component", "comm", "rank", c.rank, "error", err)
		}
	}
}

// abortAll records the first abort and sends it to every connected rank.
// Later aborts are dropped.
func (h *Hub) abortAll(rank int, cause string) {
	h.mu.Lock()
	if h.aborted != nil {
		h.mu.Unlock()
		return
	}
	abort := message{Kind: msgAbort, Rank: rank, Cause: cause}
	h.aborted = &abort
	conns := make([]*hubConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	slog.Warn("comm hub: aborting world", "component", "comm", "rank", rank, "cause", cause)
	for _, c := range conns {
		c.send(abort)
	}
}

// disconnect drops a rank. A registered rank that goes away without
// leaving aborts the rest of the world.
func (h *Hub) disconnect(hc *hubConn, unexpected bool) {
	h.mu.Lock()
	if hc.rank >= 0 {
		delete(h.conns, hc.rank)
	}
	h.gone++
	if h.gone >= h.size && !h.closed {
		h.closed = true
		close(h.done)
	}
	h.mu.Unlock()

	if unexpected && hc.rank >= 0 {
		h.abortAll(hc.rank, "connection lost")
	}
}

// tcpWorld is one rank's connection to the hub.
type tcpWorld struct {
	rank int
	size int
	conn net.Conn

	encMu sync.Mutex
	enc   *gob.Encoder

	results chan message

	abortOnce sync.Once
	abortCh   chan struct{}
	abortErr  error
}

// DialTCP connects rank to the hub at addr, retrying until the hub is up
// or ctx is done, and returns the world communicator once the hub has
// registered the rank. Joining a world that was already aborted succeeds,
// and the first collective reports the abort.
func DialTCP(ctx context.Context, addr string, rank, size int) (Comm, error) {
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("comm.DialTCP: rank %d out of range [0,%d)", rank, size)
	}
	var d net.Dialer
	var conn net.Conn
	backoff := 50 * time.Millisecond
	for {
		var err error
		conn, err = d.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("comm.DialTCP: %s: %w", addr, err)
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}

	w := &tcpWorld{
		rank:    rank,
		size:    size,
		conn:    conn,
		enc:     gob.NewEncoder(conn),
		results: make(chan message, 1),
		abortCh: make(chan struct{}),
	}
	if err := w.send(message{Kind: msgHello, Rank: rank, Size: size}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("comm.DialTCP: hello: %w", err)
	}

	dec := gob.NewDecoder(conn)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	var ack message
	err := dec.Decode(&ack)
	if !stop() {
		conn.Close()
		return nil, fmt.Errorf("comm.DialTCP: waiting for hub: %w", ctx.Err())
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("comm.DialTCP: waiting for hub: %w", err)
	}

	switch {
	case ack.Kind == msgAbort:
		w.abort(&AbortedError{Rank: ack.Rank, Cause: errors.New(ack.Cause)})
		slog.Debug("comm: joined aborted world", "component", "comm", "rank", rank, "addr", addr)
	case ack.Kind == msgHello && ack.Err == "":
		go w.readLoop(dec)
		slog.Debug("comm: connected to hub", "component", "comm", "rank", rank, "addr", addr)
	default:
		conn.Close()
		return nil, fmt.Errorf("comm.DialTCP: hub rejected rank %d: %s", rank, ack.Err)
	}
	return &tcpComm{world: w, id: "world", rank: rank, size: size}, nil
}

func (w *tcpWorld) send(m message) error {
	w.encMu.Lock()
	defer w.encMu.Unlock()
	return w.enc.Encode(m)
}

func (w *tcpWorld) readLoop(dec *gob.Decoder) {
	for {
		var m message
		if err := dec.Decode(&m); err != nil {
			w.abort(&AbortedError{Rank: -1, Cause: fmt.Errorf("hub connection: %w", err)})
			return
		}
		switch m.Kind {
		case msgResult:
			w.results <- m
		case msgAbort:
			w.abort(&AbortedError{Rank: m.Rank, Cause: errors.New(m.Cause)})
			return
		}
	}
}

func (w *tcpWorld) abort(err error) {
	w.abortOnce.Do(func() {
		w.abortErr = err
		close(w.abortCh)
	})
}

type tcpComm struct {
	world  *tcpWorld
	id     string
	rank   int
	size   int
	splits int
}

func (c *tcpComm) Rank() int { return c.rank }
func (c *tcpComm) Size() int { return c.size }

func (c *tcpComm) Barrier(ctx context.Context) error {
	_, err := c.exchange(ctx, call{Kind: kindBarrier})
	return err
}

func (c *tcpComm) Reduce(ctx context.Context, op Op, root int, vals []float64) ([]float64, error) {
	if err := checkRoot(root, c.size); err != nil {
		return nil, err
	}
	out, err := c.exchange(ctx, call{Kind: kindReduce, Op: op, Root: root, Vals: vals})
	if err != nil || c.rank != root {
		return nil, err
	}
	return out, nil
}

func (c *tcpComm) Bcast(ctx context.Context, root int, vals []float64) ([]float64, error) {
	if err := checkRoot(root, c.size); err != nil {
		return nil, err
	}
	return c.exchange(ctx, call{Kind: kindBcast, Root: root, Vals: vals})
}

func (c *tcpComm) Split(ctx context.Context, n int) (Comm, error) {
	if err := checkSplit(n, c.size); err != nil {
		return nil, err
	}
	if _, err := c.exchange(ctx, call{Kind: kindSplit, Vals: []float64{float64(n)}}); err != nil {
		return nil, err
	}
	c.splits++
	if c.rank >= n {
		return nil, nil
	}
	return &tcpComm{world: c.world, id: fmt.Sprintf("%s/%d", c.id, c.splits), rank: c.rank, size: n}, nil
}

// Free leaves the world and closes the hub connection when called on the
// world communicator. A connection that closes without leaving aborts the
// other ranks.
func (c *tcpComm) Free() error {
	if c.id != "world" {
		return nil
	}
	if err := c.world.send(message{Kind: msgLeave, Rank: c.rank}); err != nil {
		slog.Debug("comm: leave could not reach hub", "component", "comm", "rank", c.rank, "error", err)
	}
	return c.world.conn.Close()
}

func (c *tcpComm) Abort(cause error) {
	msg := "aborted"
	if cause != nil {
		msg = cause.Error()
	}
	if err := c.world.send(message{Kind: msgAbort, Rank: c.world.rank, Cause: msg}); err != nil {
		slog.Warn("comm: abort could not reach hub", "component", "comm", "error", err)
	}
	c.world.abort(&AbortedError{Rank: c.world.rank, Cause: cause})
}

func (c *tcpComm) exchange(ctx context.Context, in call) ([]float64, error) {
	w := c.world
	select {
	case <-w.abortCh:
		return nil, w.abortErr
	default:
	}
	m := message{Kind: msgCollective, Comm: c.id, Rank: c.rank, Size: c.size, Call: in}
	if err := w.send(m); err != nil {
		return nil, fmt.Errorf("comm: send %s: %w", in.Kind, err)
	}
	select {
	case res := <-w.results:
		if res.Comm != c.id {
			return nil, fmt.Errorf("comm: result for %s while waiting on %s", res.Comm, c.id)
		}
		if res.Err != "" {
			return nil, errors.New(res.Err)
		}
		return res.Vals, nil
	case <-w.abortCh:
		return nil, w.abortErr
	case <-ctx.Done():
		select {
		case <-w.abortCh:
			return nil, w.abortErr
		default:
		}
		return nil, ctx.Err()
	}
}
