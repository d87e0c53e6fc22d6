// Package apple runs agents with Apple's container CLI on macOS.
package apple

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/spachava753/buda/internal/environment"
	"github.com/spachava753/buda/internal/models"
)

// Runtime shells out to the container CLI. Unlike docker it cannot publish
// to an arbitrary port, so the host port comes from the caller.
type Runtime struct {
	config ProviderConfig
	// Binary is the CLI to invoke, "container" unless overridden.
	Binary string
	Host   string
}

// NewRuntime checks that the container CLI is installed.
func NewRuntime(cfg ProviderConfig) (*Runtime, error) {
	if _, err := exec.LookPath("container"); err != nil {
		return nil, fmt.Errorf("apple container CLI not found: install from https://github.com/apple/container or run: brew install container")
	}
	return &Runtime{config: cfg, Binary: "container", Host: "localhost"}, nil
}

func (r *Runtime) Name() string {
	return models.RuntimeApple
}

func (r *Runtime) Containerized() bool {
	return true
}

// NeedsHostPort is true: the container CLI publishes only explicit ports.
func (r *Runtime) NeedsHostPort() bool {
	return true
}

func (r *Runtime) runArgs(opts environment.StartOptions) ([]string, error) {
	if opts.HostPort <= 0 {
		return nil, fmt.Errorf("apple runtime needs a host port")
	}
	args := []string{
		"run",
		"-d",
		"--name", opts.Name,
		"-p", fmt.Sprintf("%d:%d", opts.HostPort, environment.AgentPort),
	}

	cpus, memoryMB := opts.CPUs, opts.MemoryMB
	if cpus <= 0 {
		cpus = r.config.CPUs
	}
	if memoryMB <= 0 {
		memoryMB = r.config.MemoryMB
	}
	if cpus > 0 {
		args = append(args, "--cpus", strconv.Itoa(cpus))
	}
	if memoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", memoryMB))
	}
	if r.config.RuntimeUser != "" {
		args = append(args, "--user", r.config.RuntimeUser)
	}

	for _, m := range opts.Mounts {
		if err := validateMount(m); err != nil {
			return nil, err
		}
		args = append(args, "-v", m)
	}
	for k, v := range opts.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	if len(opts.Links) > 0 {
		slog.Warn("apple runtime ignores container links", "dataset_id", opts.DatasetID, "links", opts.Links)
	}

	args = append(args, opts.Image)
	return append(args, opts.Args...), nil
}

// Start creates the container. A name collision with a stale container is
// resolved by removing it and retrying once.
func (r *Runtime) Start(ctx context.Context, opts environment.StartOptions) (environment.Worker, error) {
	if opts.Image == "" {
		return nil, fmt.Errorf("starting container: no image")
	}
	args, err := r.runArgs(opts)
	if err != nil {
		return nil, err
	}

	slog.Debug("creating apple container",
		"dataset_id", opts.DatasetID,
		"name", opts.Name,
		"image", opts.Image,
		"host_port", opts.HostPort)

	containerID, err := environment.Run(ctx, r.Binary, args...)
	if err != nil {
		if !strings.Contains(err.Error(), "already in use") && !strings.Contains(err.Error(), "already exists") {
			return nil, fmt.Errorf("creating apple container: %w", err)
		}
		slog.Debug("removing stale container before retry", "name", opts.Name)
		if err := r.Remove(ctx, opts.Name); err != nil {
			return nil, err
		}
		if containerID, err = environment.Run(ctx, r.Binary, args...); err != nil {
			return nil, fmt.Errorf("creating apple container: %w", err)
		}
	}
	if containerID == "" {
		containerID = opts.Name // Some versions return empty, use name
	}

	w := &Worker{
		binary:      r.Binary,
		containerID: containerID,
		endpoint:    fmt.Sprintf("%s:%d", r.Host, opts.HostPort),
	}

	logs := exec.Command(r.Binary, "logs", "--follow", containerID)
	if rc, err := environment.StartPiped(logs); err != nil {
		slog.Warn("could not follow container logs", "container_id", containerID, "error", err)
	} else {
		w.logs, w.output = logs, rc
	}

	slog.Debug("apple container created", "container_id", containerID)
	return w, nil
}

func (r *Runtime) Remove(ctx context.Context, name string) error {
	if _, err := environment.Run(ctx, r.Binary, "rm", "--force", name); err != nil && !environment.IsNotFound(err) {
		return fmt.Errorf("removing container %s: %w", name, err)
	}
	return nil
}

// Worker represents a running Apple Container.
type Worker struct {
	binary      string
	containerID string
	endpoint    string
	output      io.Reader
	logs        *exec.Cmd
	stopOnce    sync.Once
	stopErr     error
}

// ID returns the container ID.
func (w *Worker) ID() string {
	return w.containerID
}

func (w *Worker) Kind() models.WorkerKind {
	return models.WorkerContainer
}

func (w *Worker) Endpoint() string {
	return w.endpoint
}

func (w *Worker) Output() io.Reader {
	return w.output
}

func (w *Worker) Done() <-chan struct{} {
	return nil
}

// Stop force-removes the container.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		slog.Debug("destroying apple container", "container_id", w.containerID)
		if _, err := environment.Run(ctx, w.binary, "rm", "--force", w.containerID); err != nil && !environment.IsNotFound(err) {
			w.stopErr = fmt.Errorf("removing container: %w", err)
		}
		if w.logs != nil {
			w.logs.Process.Kill()
			go w.logs.Wait()
		}
	})
	return w.stopErr
}
