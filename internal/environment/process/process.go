// Package process runs agents as child processes of the manager.
package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spachava753/buda/internal/environment"
	"github.com/spachava753/buda/internal/models"
)

// DefaultStopTimeout is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopTimeout = 5 * time.Second

// Runtime starts agents with os/exec.
type Runtime struct {
	StopTimeout time.Duration
}

func NewRuntime() *Runtime {
	return &Runtime{StopTimeout: DefaultStopTimeout}
}

func (r *Runtime) Name() string {
	return models.RuntimeProcess
}

func (r *Runtime) Containerized() bool {
	return false
}

// Start launches opts.Command with opts.Args. The child is not bound to ctx:
// it outlives the request that started it and ends only through Stop.
func (r *Runtime) Start(ctx context.Context, opts environment.StartOptions) (environment.Worker, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("starting worker: no command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	out, err := environment.StartPiped(cmd)
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", opts.Command, err)
	}

	w := &Worker{
		cmd:         cmd,
		endpoint:    opts.Endpoint,
		output:      out,
		done:        make(chan struct{}),
		stopTimeout: r.StopTimeout,
	}
	go w.wait()

	slog.Debug("worker process started",
		"dataset_id", opts.DatasetID,
		"pid", cmd.Process.Pid,
		"command", opts.Command)
	return w, nil
}

// Remove is a no-op: processes never survive the manager that started them.
func (r *Runtime) Remove(ctx context.Context, name string) error {
	return nil
}

// Worker is a running child process.
type Worker struct {
	cmd         *exec.Cmd
	endpoint    string
	output      io.ReadCloser
	done        chan struct{}
	stopTimeout time.Duration

	mu      sync.Mutex
	exitErr error
}

func (w *Worker) wait() {
	err := w.cmd.Wait()
	w.mu.Lock()
	w.exitErr = err
	w.mu.Unlock()
	close(w.done)
}

func (w *Worker) ID() string {
	return strconv.Itoa(w.cmd.Process.Pid)
}

func (w *Worker) Kind() models.WorkerKind {
	return models.WorkerProcess
}

func (w *Worker) Endpoint() string {
	return w.endpoint
}

func (w *Worker) Output() io.Reader {
	return w.output
}

func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// ExitErr returns the result of Wait once the process has exited.
func (w *Worker) ExitErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitErr
}

// Stop sends SIGTERM and waits for exit, escalating to SIGKILL after the
// stop timeout or when ctx ends.
func (w *Worker) Stop(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	default:
	}

	if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		select {
		case <-w.done:
			return nil
		default:
		}
		return fmt.Errorf("signalling pid %d: %w", w.cmd.Process.Pid, err)
	}

	timeout := w.stopTimeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	slog.Warn("worker did not exit after SIGTERM, killing", "pid", w.cmd.Process.Pid)
	if err := w.cmd.Process.Kill(); err != nil {
		select {
		case <-w.done:
			return nil
		default:
		}
		return fmt.Errorf("killing pid %d: %w", w.cmd.Process.Pid, err)
	}
	<-w.done
	return nil
}
