package environment

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/spachava753/buda/internal/models"
)

// AgentPort is the port an agent listens on inside a container. Container
// runtimes publish it to a host port.
const AgentPort = 8200

// ErrUnsupported is returned when a runtime cannot honor a start option,
// such as a unix socket hotspot on a remote sandbox.
var ErrUnsupported = errors.New("not supported by runtime")

// Worker is a running ingestion agent.
type Worker interface {
	// ID returns the pid or container identifier.
	ID() string

	Kind() models.WorkerKind

	// Endpoint returns where the agent accepts data: a unix socket path or
	// host:port. For container runtimes it is only known after start.
	Endpoint() string

	// Output streams the agent's stdout. It may be nil.
	Output() io.Reader

	// Done is closed when the worker exits on its own. Runtimes that cannot
	// observe exit return nil.
	Done() <-chan struct{}

	// Stop terminates the worker. It is best-effort and idempotent.
	Stop(ctx context.Context) error
}

// Runtime launches workers.
type Runtime interface {
	// Name returns the runtime name (e.g., "process", "docker", "modal").
	Name() string

	// Containerized reports whether the agent runs isolated from the host
	// network. Such agents listen on AgentPort and the runtime maps it to
	// a host endpoint.
	Containerized() bool

	// Start launches a worker and returns once it has been started.
	Start(ctx context.Context, opts StartOptions) (Worker, error)

	// Remove deletes a stale worker left by a previous manager by name.
	// A missing worker is not an error.
	Remove(ctx context.Context, name string) error
}

// StartOptions configures a worker launch.
type StartOptions struct {
	DatasetID string
	// Name identifies the worker to the runtime, the storage collection
	// for containers.
	Name string
	// Command is the executable for process runtimes.
	Command string
	// Args are passed to the command or to the image entrypoint.
	Args  []string
	Image string
	Links []string
	Env   map[string]string
	// Mounts are host:container path pairs, used to expose unix sockets.
	Mounts []string
	// HostPort is a free host port drawn by the caller, used by runtimes
	// that cannot pick one themselves.
	HostPort int
	// Endpoint is the address already allocated for process runtimes.
	Endpoint string
	CPUs     int
	MemoryMB int
	Timeout  time.Duration
}
