// Package docker runs agents as containers through the docker CLI.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"

	"github.com/spachava753/buda/internal/environment"
	"github.com/spachava753/buda/internal/models"
)

// Runtime shells out to the docker CLI.
type Runtime struct {
	// Binary is the CLI to invoke, "docker" unless overridden.
	Binary string
	// Host is the address published ports are reachable on.
	Host string
}

func NewRuntime() *Runtime {
	return &Runtime{Binary: "docker", Host: "localhost"}
}

func (r *Runtime) Name() string {
	return models.RuntimeDocker
}

func (r *Runtime) Containerized() bool {
	return true
}

func (r *Runtime) runArgs(opts environment.StartOptions) []string {
	args := []string{
		"run",
		"-d",
		"-P",
		"--name", opts.Name,
		"--log-opt", "max-size=20m",
		"--log-opt", "max-file=5",
		"--expose", strconv.Itoa(environment.AgentPort),
	}
	for _, link := range opts.Links {
		args = append(args, "--link", link)
	}
	for _, m := range opts.Mounts {
		args = append(args, "-v", m)
	}
	for k, v := range opts.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	if opts.CPUs > 0 {
		args = append(args, "--cpus", strconv.Itoa(opts.CPUs))
	}
	if opts.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", opts.MemoryMB))
	}
	args = append(args, opts.Image)
	return append(args, opts.Args...)
}

// Start runs the image detached and reads back the host port docker
// published for the agent port.
func (r *Runtime) Start(ctx context.Context, opts environment.StartOptions) (environment.Worker, error) {
	if opts.Image == "" {
		return nil, fmt.Errorf("starting container: no image")
	}

	slog.Debug("creating docker container",
		"dataset_id", opts.DatasetID,
		"name", opts.Name,
		"image", opts.Image)

	containerID, err := environment.Run(ctx, r.Binary, r.runArgs(opts)...)
	if err != nil {
		return nil, fmt.Errorf("creating docker container: %w", err)
	}
	if containerID == "" {
		containerID = opts.Name
	}

	w := &Worker{binary: r.Binary, containerID: containerID}

	out, err := environment.Run(ctx, r.Binary, "port", containerID, fmt.Sprintf("%d/tcp", environment.AgentPort))
	if err != nil {
		w.Stop(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("reading published port: %w", err)
	}
	port, err := environment.ParsePublishedPort(out)
	if err != nil {
		w.Stop(context.WithoutCancel(ctx))
		return nil, err
	}
	w.endpoint = fmt.Sprintf("%s:%d", r.Host, port)

	logs := exec.Command(r.Binary, "logs", "-f", containerID)
	if rc, err := environment.StartPiped(logs); err != nil {
		slog.Warn("could not follow container logs", "container_id", containerID, "error", err)
	} else {
		w.logs, w.output = logs, rc
	}

	slog.Debug("docker container started", "container_id", containerID, "endpoint", w.endpoint)
	return w, nil
}

// Remove force-removes a container left over under name.
func (r *Runtime) Remove(ctx context.Context, name string) error {
	if _, err := environment.Run(ctx, r.Binary, "rm", "-f", name); err != nil && !environment.IsNotFound(err) {
		return fmt.Errorf("removing container %s: %w", name, err)
	}
	return nil
}

// Worker is a running container.
type Worker struct {
	binary      string
	containerID string
	endpoint    string
	output      io.Reader
	logs        *exec.Cmd
	stopOnce    sync.Once
	stopErr     error
}

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
		slog.Debug("removing docker container", "container_id", w.containerID)
		if _, err := environment.Run(ctx, w.binary, "rm", "-f", w.containerID); err != nil && !environment.IsNotFound(err) {
			w.stopErr = fmt.Errorf("removing container: %w", err)
		}
		if w.logs != nil {
			w.logs.Process.Kill()
			go w.logs.Wait()
		}
	})
	return w.stopErr
}
