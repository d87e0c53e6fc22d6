// Package supervisor starts and stops one ingestion worker per dataset and
// tracks the live handles. Handles are never persisted.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/spachava753/buda/internal/environment"
	"github.com/spachava753/buda/internal/models"
	"github.com/spachava753/buda/internal/util"
)

var (
	// ErrPortExhausted is returned when no bindable port was found within
	// the allowed retries.
	ErrPortExhausted = errors.New("no free port in range")
	// ErrNotRunning is returned by Stop for datasets without a worker.
	ErrNotRunning = errors.New("no worker for dataset")
	// errStartupExit marks a worker that died before it was considered up.
	errStartupExit = errors.New("worker exited during startup")
)

const (
	DefaultAgentBinary  = "buda-agent"
	DefaultPortRetries  = 8
	DefaultSpawnTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
	DefaultStartupGrace = 300 * time.Millisecond
	formatBinaryPrefix  = "buda-agent-"
)

// Options configures a Supervisor. Zero values take the defaults above.
type Options struct {
	// Home holds unix sockets, named by dataset id.
	Home         string
	Range        util.PortRange
	PortRetries  int
	SpawnTimeout time.Duration
	StopTimeout  time.Duration
	// StartupGrace is how long a worker that can report its exit is watched
	// before it counts as started.
	StartupGrace time.Duration
	// AgentBinary runs formats with no dedicated buda-agent-<format>.
	AgentBinary string
	// CanBind reports whether a tcp port can be bound on this host.
	CanBind func(port int) bool
	// LookPath resolves format-specific agent binaries.
	LookPath func(file string) (string, error)
}

// HostPortRuntime is implemented by container runtimes that cannot pick a
// published port themselves.
type HostPortRuntime interface {
	NeedsHostPort() bool
}

type entry struct {
	handle models.WorkerHandle
	worker environment.Worker
	socket string
}

// Supervisor owns the running workers.
type Supervisor struct {
	runtime environment.Runtime
	opts    Options

	mu      sync.Mutex
	workers map[string]*entry
}

func New(rt environment.Runtime, opts Options) *Supervisor {
	if opts.PortRetries <= 0 {
		opts.PortRetries = DefaultPortRetries
	}
	if opts.SpawnTimeout <= 0 {
		opts.SpawnTimeout = DefaultSpawnTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.StartupGrace <= 0 {
		opts.StartupGrace = DefaultStartupGrace
	}
	if opts.AgentBinary == "" {
		opts.AgentBinary = DefaultAgentBinary
	}
	if opts.CanBind == nil {
		opts.CanBind = canBind
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	return &Supervisor{
		runtime: rt,
		opts:    opts,
		workers: make(map[string]*entry),
	}
}

// Runtime returns the runtime workers are launched with.
func (s *Supervisor) Runtime() environment.Runtime {
	return s.runtime
}

// plan is one start attempt: the worker configuration plus where it will
// listen.
type plan struct {
	opts environment.StartOptions
	// random is true when the tcp port was drawn from the range and a
	// failure may be retried with a new candidate.
	random bool
	socket string
}

// Start launches a worker for rec, replacing any worker already tracked
// for the same id.
func (s *Supervisor) Start(ctx context.Context, rec *models.DatasetRecord) (*models.WorkerHandle, error) {
	id := rec.Extras.ID
	if id == "" {
		return nil, fmt.Errorf("starting worker: record has no id")
	}

	if err := s.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotRunning) {
		slog.Warn("failed to stop previous worker", "dataset_id", id, "error", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.SpawnTimeout)
	defer cancel()

	if s.runtime.Containerized() {
		if err := s.runtime.Remove(ctx, rec.Data.Storage.Collection); err != nil {
			slog.Warn("failed to remove stale container", "dataset_id", id, "error", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < s.opts.PortRetries; attempt++ {
		p, err := s.plan(rec)
		if err != nil {
			if errors.Is(err, ErrPortExhausted) {
				CounterPortRetries.Inc()
				lastErr = err
				continue
			}
			CounterWorkerStarts.WithLabelValues("error").Inc()
			return nil, err
		}

		w, err := s.launch(ctx, p)
		if err == nil {
			CounterWorkerStarts.WithLabelValues("ok").Inc()
			return s.track(id, p, w), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if !p.random || !errors.Is(err, errStartupExit) {
			CounterWorkerStarts.WithLabelValues("error").Inc()
			return nil, err
		}
		CounterPortRetries.Inc()
		slog.Debug("worker failed on port candidate, retrying",
			"dataset_id", id,
			"endpoint", p.opts.Endpoint,
			"attempt", attempt+1)
	}

	CounterWorkerStarts.WithLabelValues("error").Inc()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("starting worker for %s: %w", id, err)
	}
	if errors.Is(lastErr, errStartupExit) {
		return nil, fmt.Errorf("starting worker for %s: gave up after %d attempts: %w", id, s.opts.PortRetries, lastErr)
	}
	return nil, fmt.Errorf("starting worker for %s after %d attempts: %w", id, s.opts.PortRetries, lastErr)
}

// launch starts the worker and, when the runtime can report exits, waits
// out the startup grace so an immediate bind failure is caught here.
func (s *Supervisor) launch(ctx context.Context, p plan) (environment.Worker, error) {
	w, err := s.runtime.Start(ctx, p.opts)
	if err != nil {
		return nil, err
	}
	if w.Output() != nil {
		go relay(p.opts.DatasetID, w.Output())
	}

	done := w.Done()
	if done == nil {
		return w, nil
	}
	timer := time.NewTimer(s.opts.StartupGrace)
	defer timer.Stop()
	select {
	case <-done:
		return nil, fmt.Errorf("%w: %s", errStartupExit, p.opts.Endpoint)
	case <-timer.C:
		return w, nil
	case <-ctx.Done():
		w.Stop(context.WithoutCancel(ctx))
		return nil, ctx.Err()
	}
}

func (s *Supervisor) track(id string, p plan, w environment.Worker) *models.WorkerHandle {
	h := models.WorkerHandle{
		DatasetID: id,
		Kind:      w.Kind(),
		Ref:       w.ID(),
		Endpoint:  w.Endpoint(),
		StartedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.workers[id] = &entry{handle: h, worker: w, socket: p.socket}
	n := len(s.workers)
	s.mu.Unlock()
	GaugeWorkersRunning.Set(float64(n))

	if done := w.Done(); done != nil {
		go s.watch(id, w, done)
	}

	slog.Info("worker started",
		"dataset_id", id,
		"kind", h.Kind,
		"ref", h.Ref,
		"endpoint", h.Endpoint)
	return &h
}

// watch forgets a worker that exits on its own.
func (s *Supervisor) watch(id string, w environment.Worker, done <-chan struct{}) {
	<-done
	s.mu.Lock()
	e, ok := s.workers[id]
	if ok && e.worker == w {
		delete(s.workers, id)
	}
	n := len(s.workers)
	s.mu.Unlock()
	if ok && e.worker == w {
		GaugeWorkersRunning.Set(float64(n))
		slog.Warn("worker exited", "dataset_id", id, "ref", w.ID())
	}
}

// plan resolves endpoint, command and configuration for one attempt.
func (s *Supervisor) plan(rec *models.DatasetRecord) (plan, error) {
	id := rec.Extras.ID
	data := rec.Data
	data.ID = id

	p := plan{opts: environment.StartOptions{
		DatasetID: id,
		Name:      rec.Data.Storage.Collection,
		Command:   rec.Extras.Handler,
		Env: map[string]string{
			"BUDA_DATASET_ID": id,
			"BUDA_HOME":       s.opts.Home,
		},
	}}
	if rec.Extras.Docker != nil {
		p.opts.Image = rec.Extras.Docker.Image
		p.opts.Links = rec.Extras.Docker.Links
	}
	containerized := s.runtime.Containerized()

	switch data.Hotspot.Type {
	case models.HotspotUnix:
		if s.opts.Home == "" {
			return p, fmt.Errorf("unix hotspot needs a home directory")
		}
		p.socket = filepath.Join(s.opts.Home, id)
		if err := os.Remove(p.socket); err != nil && !os.IsNotExist(err) {
			return p, fmt.Errorf("removing stale socket %s: %w", p.socket, err)
		}
		data.Hotspot.Location = p.socket
		p.opts.Endpoint = p.socket
		if containerized {
			p.opts.Mounts = []string{s.opts.Home + ":" + s.opts.Home}
		}

	case models.HotspotTCP:
		if containerized {
			data.Hotspot.Location = strconv.Itoa(environment.AgentPort)
			if hp, ok := s.runtime.(HostPortRuntime); ok && hp.NeedsHostPort() {
				port, random, err := s.pickPort(rec.Data.Hotspot.Port())
				if err != nil {
					return p, err
				}
				p.opts.HostPort, p.random = port, random
			}
			break
		}
		port, random, err := s.pickPort(rec.Data.Hotspot.Port())
		if err != nil {
			return p, err
		}
		data.Hotspot.Location = strconv.Itoa(port)
		p.opts.Endpoint = net.JoinHostPort("localhost", strconv.Itoa(port))
		p.random = random

	default:
		return p, fmt.Errorf("unsupported hotspot type %q", data.Hotspot.Type)
	}

	conf, err := json.Marshal(data)
	if err != nil {
		return p, fmt.Errorf("encoding worker configuration: %w", err)
	}
	p.opts.Args = []string{"--conf", string(conf)}
	if !containerized {
		p.opts.Command = s.command(rec)
		if s.opts.Home != "" {
			p.opts.Args = append(p.opts.Args, "--home", s.opts.Home)
		}
	}
	return p, nil
}

// pickPort returns the explicit port when one is declared, otherwise a
// bindable candidate from the range.
func (s *Supervisor) pickPort(explicit int) (port int, random bool, err error) {
	if explicit > 0 {
		return explicit, false, nil
	}
	if s.opts.Range.Size() <= 0 {
		return 0, false, fmt.Errorf("no port range configured")
	}
	candidate := s.opts.Range.Random()
	if !s.opts.CanBind(candidate) {
		return 0, true, fmt.Errorf("%w: port %d busy", ErrPortExhausted, candidate)
	}
	return candidate, true, nil
}

// command picks the executable for a process worker: an explicit handler,
// a format-specific agent on PATH, or the generic agent.
func (s *Supervisor) command(rec *models.DatasetRecord) string {
	if rec.Extras.Handler != "" {
		return rec.Extras.Handler
	}
	if path, err := s.opts.LookPath(formatBinaryPrefix + rec.Data.Format); err == nil {
		return path
	}
	return s.opts.AgentBinary
}

// Stop terminates the worker for id. The stop is bounded by the stop
// timeout even if ctx has none.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.workers[id]
	delete(s.workers, id)
	n := len(s.workers)
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	GaugeWorkersRunning.Set(float64(n))

	ctx, cancel := context.WithTimeout(ctx, s.opts.StopTimeout)
	defer cancel()

	err := e.worker.Stop(ctx)
	if e.socket != "" {
		if rmErr := os.Remove(e.socket); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Debug("could not remove socket", "path", e.socket, "error", rmErr)
		}
	}
	if err != nil {
		return fmt.Errorf("stopping worker for %s: %w", id, err)
	}
	slog.Info("worker stopped", "dataset_id", id, "ref", e.handle.Ref)
	return nil
}

// StopAll stops every worker concurrently. Individual failures are
// collected and do not prevent the other stops.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		wg.Go(func() {
			if err := s.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotRunning) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Handle returns the live handle for id.
func (s *Supervisor) Handle(id string) (models.WorkerHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.workers[id]
	if !ok {
		return models.WorkerHandle{}, false
	}
	return e.handle, true
}

// Handles returns all live handles sorted by dataset id.
func (s *Supervisor) Handles() []models.WorkerHandle {
	s.mu.Lock()
	out := make([]models.WorkerHandle, 0, len(s.workers))
	for _, e := range s.workers {
		out = append(out, e.handle)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DatasetID < out[j].DatasetID })
	return out
}

// canBind reports whether a tcp port is free on all interfaces.
func canBind(port int) bool {
	l, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
