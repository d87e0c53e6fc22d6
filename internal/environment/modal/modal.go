// Package modal runs agents in Modal sandboxes reached through an
// unencrypted tcp tunnel.
package modal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/modal-labs/libmodal/modal-go"

	"github.com/spachava753/buda/internal/environment"
	"github.com/spachava753/buda/internal/models"
	"github.com/spachava753/buda/internal/util"
)

const (
	defaultAppName      = "buda"
	defaultAgentCommand = "buda-agent"
	tunnelTimeout       = 30 * time.Second
	// Longest sandbox lifetime Modal allows.
	sandboxTimeout = 24 * time.Hour
)

// ProviderConfig holds Modal-specific configuration.
type ProviderConfig struct {
	// AppName is the Modal app sandboxes are created under.
	AppName string
	// Regions specifies the Modal regions (e.g., "us-east", "us-west").
	Regions []string
	// Verbose enables detailed sandbox logging.
	Verbose bool
	// Image is used when a dataset does not name one.
	Image string
	// AgentCommand is executed inside the sandbox when the dataset has no handler.
	AgentCommand string
	CPUs         int
	MemoryMB     int
}

// ParseProviderConfig extracts Modal-specific config from the generic
// runtime_config map.
func ParseProviderConfig(config map[string]any) (ProviderConfig, error) {
	pc := ProviderConfig{AppName: defaultAppName, AgentCommand: defaultAgentCommand, CPUs: 1, MemoryMB: 1024}
	if config == nil {
		return pc, nil
	}
	if v, ok := config["app_name"].(string); ok && v != "" {
		pc.AppName = v
	}
	if v, ok := config["region"].(string); ok {
		pc.Regions = []string{v}
	}
	if v, ok := config["regions"].([]any); ok {
		for _, r := range v {
			if s, ok := r.(string); ok {
				pc.Regions = append(pc.Regions, s)
			}
		}
	}
	if v, ok := config["verbose"].(bool); ok {
		pc.Verbose = v
	}
	if v, ok := config["image"].(string); ok {
		pc.Image = v
	}
	if v, ok := config["agent_command"].(string); ok && v != "" {
		pc.AgentCommand = v
	}
	switch v := config["cpus"].(type) {
	case int:
		pc.CPUs = v
	case float64:
		pc.CPUs = int(v)
	}
	if v, ok := config["memory"].(string); ok {
		mb, err := util.ParseMemory(v)
		if err != nil {
			return pc, fmt.Errorf("modal runtime memory: %w", err)
		}
		pc.MemoryMB = mb
	}
	return pc, nil
}

// Runtime creates one sandbox per dataset.
type Runtime struct {
	client *modal.Client
	config ProviderConfig
}

func NewRuntime(config ProviderConfig) (*Runtime, error) {
	slog.Debug("initializing modal client")
	client, err := modal.NewClient()
	if err != nil {
		return nil, fmt.Errorf("creating modal client: %w", err)
	}
	return &Runtime{client: client, config: config}, nil
}

func (r *Runtime) Name() string {
	return models.RuntimeModal
}

func (r *Runtime) Containerized() bool {
	return true
}

// Start creates a sandbox exposing AgentPort, runs the agent in it and
// resolves the tunnel address.
func (r *Runtime) Start(ctx context.Context, opts environment.StartOptions) (environment.Worker, error) {
	if len(opts.Mounts) > 0 {
		return nil, fmt.Errorf("modal sandboxes cannot share host sockets: %w", environment.ErrUnsupported)
	}
	imageRef := opts.Image
	if imageRef == "" {
		imageRef = r.config.Image
	}
	if imageRef == "" {
		return nil, fmt.Errorf("starting sandbox: no image")
	}

	app, err := r.client.Apps.FromName(ctx, r.config.AppName, &modal.AppFromNameParams{
		CreateIfMissing: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating modal app: %w", err)
	}

	var image *modal.Image
	if isDockerContextPath(imageRef) {
		slog.Debug("building modal image from dockerfile", "context", imageRef)
		image, err = r.buildImageFromDockerfile(ctx, app, imageRef)
		if err != nil {
			return nil, fmt.Errorf("building image from dockerfile: %w", err)
		}
	} else {
		image = r.client.Images.FromRegistry(imageRef, nil)
	}

	cpus, memoryMiB := opts.CPUs, opts.MemoryMB
	if cpus <= 0 {
		cpus = r.config.CPUs
	}
	if memoryMiB <= 0 {
		memoryMiB = r.config.MemoryMB
	}

	slog.Debug("creating modal sandbox",
		"dataset_id", opts.DatasetID,
		"app", r.config.AppName,
		"cpus", cpus,
		"memory_mib", memoryMiB,
		"regions", r.config.Regions)

	sandbox, err := r.client.Sandboxes.Create(ctx, app, image, &modal.SandboxCreateParams{
		CPU:              float64(cpus),
		MemoryMiB:        memoryMiB,
		Env:              opts.Env,
		Timeout:          sandboxTimeout,
		Verbose:          r.config.Verbose,
		Regions:          r.config.Regions,
		UnencryptedPorts: []int{environment.AgentPort},
	})
	if err != nil {
		return nil, fmt.Errorf("creating modal sandbox: %w", err)
	}

	w := &Worker{sandbox: sandbox, done: make(chan struct{})}

	command := opts.Command
	if command == "" {
		command = r.config.AgentCommand
	}
	process, err := sandbox.Exec(ctx, append([]string{command}, opts.Args...), &modal.SandboxExecParams{
		Env: opts.Env,
	})
	if err != nil {
		w.Stop(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("starting agent in sandbox: %w", err)
	}

	tunnels, err := sandbox.Tunnels(ctx, tunnelTimeout)
	if err != nil {
		w.Stop(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("resolving sandbox tunnel: %w", err)
	}
	tunnel, ok := tunnels[environment.AgentPort]
	if !ok {
		w.Stop(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("sandbox %s has no tunnel for port %d", sandbox.SandboxID, environment.AgentPort)
	}
	w.endpoint = fmt.Sprintf("%s:%d", tunnel.UnencryptedHost, tunnel.UnencryptedPort)

	pr, pw := io.Pipe()
	w.output = pr
	go func() {
		var wg sync.WaitGroup
		wg.Go(func() { io.Copy(pw, process.Stdout) })
		wg.Go(func() { io.Copy(pw, process.Stderr) })
		wg.Wait()
		exitCode, err := process.Wait(context.Background())
		if err == nil && exitCode != 0 {
			err = fmt.Errorf("agent exited with code %d", exitCode)
		}
		pw.CloseWithError(err)
		close(w.done)
	}()

	slog.Debug("modal sandbox started", "sandbox_id", sandbox.SandboxID, "endpoint", w.endpoint)
	return w, nil
}

// Remove is a no-op: a sandbox ends with the process that created it or at
// its timeout.
func (r *Runtime) Remove(ctx context.Context, name string) error {
	return nil
}

// buildImageFromDockerfile creates a Modal image from a Dockerfile.
func (r *Runtime) buildImageFromDockerfile(ctx context.Context, app *modal.App, contextDir string) (*modal.Image, error) {
	content, err := os.ReadFile(filepath.Join(contextDir, "Dockerfile"))
	if err != nil {
		return nil, fmt.Errorf("reading Dockerfile: %w", err)
	}

	baseImage, commands, err := parseDockerfile(string(content))
	if err != nil {
		return nil, fmt.Errorf("parsing Dockerfile: %w", err)
	}

	image := r.client.Images.FromRegistry(baseImage, nil)
	if len(commands) > 0 {
		image = image.DockerfileCommands(commands, nil)
	}

	// Build eagerly so build errors fail the registration.
	builtImage, err := image.Build(ctx, app)
	if err != nil {
		return nil, fmt.Errorf("building image: %w", err)
	}
	return builtImage, nil
}

// isDockerContextPath checks if the image reference is a local directory.
func isDockerContextPath(imageRef string) bool {
	info, err := os.Stat(imageRef)
	return err == nil && info.IsDir()
}

// parseDockerfile extracts the base image and the instructions Modal can
// replay. COPY and ADD need a build context the SDK cannot upload.
func parseDockerfile(content string) (baseImage string, commands []string, err error) {
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			commands = append(commands, current.String())
			current.Reset()
		}
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		continued := strings.HasSuffix(trimmed, "\\")
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, "\\"))

		if current.Len() > 0 {
			current.WriteString(" ")
			current.WriteString(trimmed)
			if !continued {
				flush()
			}
			continue
		}

		fields := strings.Fields(trimmed)
		switch strings.ToUpper(fields[0]) {
		case "FROM":
			if len(fields) >= 2 {
				baseImage = fields[1]
			}
			commands = nil
		case "COPY", "ADD":
			return "", nil, fmt.Errorf("COPY and ADD instructions are not supported: %s", trimmed)
		case "RUN", "WORKDIR", "ENV", "USER", "EXPOSE", "LABEL", "ENTRYPOINT", "CMD":
			current.WriteString(trimmed)
			if !continued {
				flush()
			}
		}
	}
	flush()

	if baseImage == "" {
		return "", nil, fmt.Errorf("no FROM instruction found in Dockerfile")
	}
	return baseImage, commands, nil
}

// Worker is a running sandbox.
type Worker struct {
	sandbox  *modal.Sandbox
	endpoint string
	output   io.Reader
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

func (w *Worker) ID() string {
	return w.sandbox.SandboxID
}

func (w *Worker) Kind() models.WorkerKind {
	return models.WorkerSandbox
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

// Stop terminates the sandbox.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		slog.Debug("terminating modal sandbox", "sandbox_id", w.sandbox.SandboxID)
		if err := w.sandbox.Terminate(ctx); err != nil &&
			!strings.Contains(err.Error(), "already terminated") &&
			!strings.Contains(err.Error(), "not found") {
			w.stopErr = fmt.Errorf("terminating sandbox: %w", err)
		}
	})
	return w.stopErr
}
