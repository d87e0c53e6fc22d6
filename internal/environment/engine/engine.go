// Package engine runs agents as containers through the Docker Engine API.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/spachava753/buda/internal/environment"
	"github.com/spachava753/buda/internal/models"
)

var agentPort = nat.Port(strconv.Itoa(environment.AgentPort) + "/tcp")

// Runtime talks to the daemon named by DOCKER_HOST and friends.
type Runtime struct {
	client *client.Client
	// Host is the address published ports are reachable on.
	Host string
}

func NewRuntime() (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Runtime{client: cli, Host: "localhost"}, nil
}

func (r *Runtime) Name() string {
	return models.RuntimeEngine
}

func (r *Runtime) Containerized() bool {
	return true
}

func (r *Runtime) Start(ctx context.Context, opts environment.StartOptions) (environment.Worker, error) {
	if opts.Image == "" {
		return nil, fmt.Errorf("starting container: no image")
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	hostConfig := &container.HostConfig{
		PublishAllPorts: true,
		Links:           opts.Links,
		Binds:           opts.Mounts,
		LogConfig: container.LogConfig{
			Type:   "json-file",
			Config: map[string]string{"max-size": "20m", "max-file": "5"},
		},
	}
	if opts.CPUs > 0 {
		hostConfig.Resources.NanoCPUs = int64(opts.CPUs) * 1e9
	}
	if opts.MemoryMB > 0 {
		hostConfig.Resources.Memory = int64(opts.MemoryMB) << 20
	}

	slog.Debug("creating container",
		"dataset_id", opts.DatasetID,
		"name", opts.Name,
		"image", opts.Image)

	resp, err := r.client.ContainerCreate(ctx,
		&container.Config{
			Image:        opts.Image,
			Cmd:          strslice.StrSlice(opts.Args),
			Env:          env,
			ExposedPorts: nat.PortSet{agentPort: struct{}{}},
		},
		hostConfig,
		&network.NetworkingConfig{}, nil, opts.Name)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	w := &Worker{client: r.client, containerID: resp.ID}
	if err := r.client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		w.Stop(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("starting container: %w", err)
	}

	info, err := r.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		w.Stop(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("inspecting container: %w", err)
	}
	port, err := publishedPort(info)
	if err != nil {
		w.Stop(context.WithoutCancel(ctx))
		return nil, err
	}
	w.endpoint = fmt.Sprintf("%s:%d", r.Host, port)
	w.output = r.follow(resp.ID)

	slog.Debug("container started", "container_id", resp.ID, "endpoint", w.endpoint)
	return w, nil
}

func publishedPort(info types.ContainerJSON) (int, error) {
	if info.NetworkSettings == nil {
		return 0, fmt.Errorf("container %s has no network settings", info.ID)
	}
	bindings := info.NetworkSettings.Ports[agentPort]
	for _, b := range bindings {
		if port, err := strconv.Atoi(b.HostPort); err == nil && port > 0 {
			return port, nil
		}
	}
	return 0, fmt.Errorf("container %s published no port for %s", info.ID, agentPort)
}

// follow demultiplexes the container log stream into a single reader.
func (r *Runtime) follow(containerID string) io.Reader {
	logs, err := r.client.ContainerLogs(context.Background(), containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		slog.Warn("could not follow container logs", "container_id", containerID, "error", err)
		return nil
	}
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, logs)
		logs.Close()
		pw.CloseWithError(err)
	}()
	return pr
}

func (r *Runtime) Remove(ctx context.Context, name string) error {
	err := r.client.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing container %s: %w", name, err)
	}
	return nil
}

// Worker is a running container.
type Worker struct {
	client      *client.Client
	containerID string
	endpoint    string
	output      io.Reader
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
		err := w.client.ContainerRemove(ctx, w.containerID, types.ContainerRemoveOptions{Force: true})
		if err != nil && !client.IsErrNotFound(err) {
			w.stopErr = fmt.Errorf("removing container: %w", err)
		}
	})
	return w.stopErr
}
