// Package agent is the ingestion worker. It listens on the dataset hotspot,
// parses incoming streams into records, batches them and writes the batches
// to storage.
//
// A single event loop owns the parsers, the batch buffer and the inactivity
// timer. Connections only read bytes and hand them to the loop; one writer
// goroutine performs the inserts in order.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/spachava753/buda/internal/docstore"
	"github.com/spachava753/buda/internal/models"
)

const (
	DefaultInactivity      = 2000 * time.Millisecond
	DefaultShutdownTimeout = 5 * time.Second
	DefaultBatch           = 5

	readBufferSize = 32 << 10
)

// Config configures a Runtime.
type Config struct {
	Data models.Data
	// Home holds unix sockets when the hotspot has no explicit location.
	Home string
	// Inactivity is how long the stream may stay quiet before the current
	// flow is ended and the buffer flushed.
	Inactivity      time.Duration
	ShutdownTimeout time.Duration
	WriteTimeout    time.Duration
	Clock           clockwork.Clock
	Store           docstore.Store
	// Parsers overrides the parser chosen by format.
	Parsers   ParserFactory
	Transform Transform
	Observer  Observer
	// Cleanup runs after the last batch was written. It defaults to closing
	// the store.
	Cleanup func() error
}

type eventKind int

const (
	eventOpen eventKind = iota
	eventData
	eventClose
)

type event struct {
	kind eventKind
	conn uint64
	c    net.Conn
	data []byte
}

type stream struct {
	conn   net.Conn
	parser Parser
}

// Runtime is a running agent.
type Runtime struct {
	cfg      Config
	coll     docstore.Collection
	observer Observer
	state    *stateTracker

	events chan event
	done   chan struct{}
	ready  chan struct{}
	addr   net.Addr

	// Owned by the event loop.
	streams  map[uint64]*stream
	buf      []Record
	flow     string
	flowRecs int64
	flowBats int64
	timer    clockwork.Timer
	armed    bool
	writer   *writer
}

// New validates cfg and prepares a runtime. Nothing is bound until Run.
func New(cfg Config) (*Runtime, error) {
	if cfg.Store == nil {
		return nil, errors.New("agent needs a store")
	}
	if cfg.Data.Storage.Collection == "" {
		return nil, errors.New("agent needs a storage collection")
	}
	if cfg.Data.Storage.Batch <= 0 {
		cfg.Data.Storage.Batch = DefaultBatch
	}
	if cfg.Inactivity <= 0 {
		cfg.Inactivity = DefaultInactivity
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Parsers == nil {
		f, err := ParserFor(cfg.Data)
		if err != nil {
			return nil, err
		}
		cfg.Parsers = f
	}
	if cfg.Transform == nil {
		cfg.Transform = TransformFor(cfg.Data.Format)
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Cleanup == nil {
		cfg.Cleanup = cfg.Store.Close
	}
	if !validCompression(cfg.Data.Compression) {
		return nil, fmt.Errorf("unsupported compression: %s", cfg.Data.Compression)
	}

	return &Runtime{
		cfg:      cfg,
		coll:     cfg.Store.Collection(cfg.Data.Storage.Collection),
		observer: logObserver{next: cfg.Observer},
		state:    newStateTracker(cfg.Clock),
		events:   make(chan event),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
		streams:  make(map[uint64]*stream),
	}, nil
}

// State returns a snapshot of the runtime counters.
func (r *Runtime) State() models.RuntimeState {
	return r.state.snapshot()
}

// Ready is closed once the hotspot is bound.
func (r *Runtime) Ready() <-chan struct{} {
	return r.ready
}

// Addr returns the bound hotspot address. It is valid after Ready.
func (r *Runtime) Addr() net.Addr {
	return r.addr
}

// Endpoint returns the network and address the hotspot binds.
func (r *Runtime) Endpoint() (network, address string, err error) {
	h := r.cfg.Data.Hotspot
	switch h.Type {
	case models.HotspotTCP:
		port := h.Port()
		if port < 0 || (port == 0 && h.Location != "0") {
			return "", "", fmt.Errorf("invalid tcp hotspot location %q", h.Location)
		}
		return "tcp", ":" + strconv.Itoa(port), nil
	case models.HotspotUnix:
		if h.Location != "" {
			return "unix", h.Location, nil
		}
		if r.cfg.Data.ID == "" {
			return "", "", errors.New("unix hotspot needs a location or a dataset id")
		}
		return "unix", filepath.Join(r.cfg.Home, r.cfg.Data.ID), nil
	default:
		return "", "", fmt.Errorf("unsupported hotspot type %q", h.Type)
	}
}

// Run binds the hotspot and ingests until ctx is done, then drains and
// runs the cleanup hook.
func (r *Runtime) Run(ctx context.Context) error {
	network, address, err := r.Endpoint()
	if err != nil {
		return err
	}
	if network == "unix" {
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale socket: %w", err)
		}
	}

	l, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("binding hotspot %s %s: %w", network, address, err)
	}
	r.addr = l.Addr()
	close(r.ready)
	slog.Info("agent ready",
		"dataset_id", r.cfg.Data.ID,
		"format", r.cfg.Data.Format,
		"endpoint", r.addr.String(),
		"batch", r.cfg.Data.Storage.Batch)

	r.writer = newWriter(r.coll, r.cfg.WriteTimeout, r.observer, r.state)
	go r.writer.run()

	r.timer = r.cfg.Clock.NewTimer(r.cfg.Inactivity)
	r.timer.Stop()

	var wg sync.WaitGroup
	wg.Go(func() { r.accept(l) })

	r.loop(ctx)

	l.Close()
	close(r.done)
	for _, s := range r.streams {
		s.conn.Close()
	}
	wg.Wait()

	return r.drain(network, address)
}

func (r *Runtime) accept(l net.Listener) {
	var next uint64
	for {
		c, err := l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Warn("accept failed", "error", err)
			}
			return
		}
		next++
		id := next
		if !r.send(event{kind: eventOpen, conn: id, c: c}) {
			c.Close()
			return
		}
		go r.read(id, c)
	}
}

// read forwards the decompressed bytes of one connection to the loop.
func (r *Runtime) read(id uint64, c net.Conn) {
	defer r.send(event{kind: eventClose, conn: id})

	rd, release, err := decompress(c, r.cfg.Data.Compression)
	if err != nil {
		slog.Warn("rejecting stream", "conn", id, "error", err)
		return
	}
	defer release()

	buf := make([]byte, readBufferSize)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !r.send(event{kind: eventData, conn: id, data: data}) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Warn("stream read failed", "conn", id, "error", err)
			}
			return
		}
	}
}

func (r *Runtime) send(ev event) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.done:
		return false
	}
}

func (r *Runtime) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.events:
			r.handle(ev)
		case <-r.timer.Chan():
			r.armed = false
			r.inactive()
		}
	}
}

func (r *Runtime) handle(ev event) {
	switch ev.kind {
	case eventOpen:
		r.streams[ev.conn] = &stream{conn: ev.c, parser: r.cfg.Parsers()}
		slog.Debug("stream opened", "conn", ev.conn, "remote", ev.c.RemoteAddr().String())

	case eventData:
		s, ok := r.streams[ev.conn]
		if !ok {
			return
		}
		recs, err := s.parser.Feed(ev.data)
		if err != nil {
			slog.Warn("parser failed, discarding stream state", "conn", ev.conn, "error", err)
			s.parser = r.cfg.Parsers()
		}
		r.push(recs)

	case eventClose:
		s, ok := r.streams[ev.conn]
		if !ok {
			return
		}
		delete(r.streams, ev.conn)
		s.conn.Close()
		r.end(ev.conn, s)
		r.flush()
		slog.Debug("stream closed", "conn", ev.conn)
	}
	r.state.setPending(len(r.buf))
}

// end signals end of stream to a parser and buffers what it still held.
func (r *Runtime) end(id uint64, s *stream) {
	recs, err := s.parser.End()
	if err != nil {
		slog.Warn("parser failed at end of stream", "conn", id, "error", err)
	}
	r.push(recs)
}

// push transforms records into the buffer, flushing whenever it reaches
// the batch size.
func (r *Runtime) push(recs []Record) {
	for _, rec := range recs {
		out, ok := r.cfg.Transform(rec)
		if !ok || len(out) == 0 {
			CounterDroppedRecords.Inc()
			r.state.dropped()
			continue
		}
		if r.flow == "" {
			r.startFlow()
		}
		r.buf = append(r.buf, out)
		r.arm()
		if len(r.buf) >= r.cfg.Data.Storage.Batch {
			r.flush()
		}
	}
}

func (r *Runtime) flush() {
	if len(r.buf) == 0 {
		return
	}
	b := batch{flow: r.flow, records: r.buf}
	r.buf = nil
	r.flowBats++
	r.flowRecs += int64(len(b.records))
	r.writer.queue <- b
}

// inactive ends every parser, flushes and closes the current flow. Streams
// stay open and start over with a fresh parser.
func (r *Runtime) inactive() {
	for id, s := range r.streams {
		r.end(id, s)
		s.parser = r.cfg.Parsers()
	}
	r.flush()
	r.endFlow()
	r.disarm()
	r.state.setPending(len(r.buf))
}

// arm restarts the inactivity timer. It runs for every accepted record.
func (r *Runtime) arm() {
	if r.armed && !r.timer.Stop() {
		select {
		case <-r.timer.Chan():
		default:
		}
	}
	r.timer.Reset(r.cfg.Inactivity)
	r.armed = true
}

func (r *Runtime) disarm() {
	if r.armed && !r.timer.Stop() {
		select {
		case <-r.timer.Chan():
		default:
		}
	}
	r.armed = false
}

func (r *Runtime) startFlow() {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	r.flow = id.String()
	r.flowBats, r.flowRecs = 0, 0
	r.state.setFlow(r.flow)
	r.observer.FlowStart(r.flow)
}

func (r *Runtime) endFlow() {
	if r.flow == "" {
		return
	}
	r.observer.FlowEnd(r.flow, r.flowBats, r.flowRecs)
	r.flow = ""
	r.state.setFlow("")
}

// drain flushes what is left after the loop stopped, waits for the writer
// and runs the cleanup hook.
func (r *Runtime) drain(network, address string) error {
	for id, s := range r.streams {
		r.end(id, s)
		delete(r.streams, id)
	}
	r.flush()
	r.endFlow()
	r.state.setPending(0)
	r.timer.Stop()

	var errs []error
	if !r.writer.close(r.cfg.ShutdownTimeout) {
		errs = append(errs, errors.New("timed out waiting for pending batches"))
	}
	if err := r.cfg.Cleanup(); err != nil {
		errs = append(errs, fmt.Errorf("cleanup: %w", err))
	}
	if network == "unix" {
		os.Remove(address)
	}
	slog.Info("agent stopped", "dataset_id", r.cfg.Data.ID)
	return errors.Join(errs...)
}
