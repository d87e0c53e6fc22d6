package supervisor

import (
	"fmt"

	"github.com/spachava753/buda/internal/environment"
	"github.com/spachava753/buda/internal/environment/apple"
	"github.com/spachava753/buda/internal/environment/docker"
	"github.com/spachava753/buda/internal/environment/engine"
	"github.com/spachava753/buda/internal/environment/modal"
	"github.com/spachava753/buda/internal/environment/process"
	"github.com/spachava753/buda/internal/models"
)

// NewRuntime builds the worker runtime named in the manager configuration.
func NewRuntime(name string, config map[string]any) (environment.Runtime, error) {
	switch name {
	case "", models.RuntimeProcess:
		return process.NewRuntime(), nil
	case models.RuntimeDocker:
		return docker.NewRuntime(), nil
	case models.RuntimeEngine:
		return engine.NewRuntime()
	case models.RuntimeApple:
		cfg, err := apple.ParseProviderConfig(config)
		if err != nil {
			return nil, err
		}
		return apple.NewRuntime(cfg)
	case models.RuntimeModal:
		cfg, err := modal.ParseProviderConfig(config)
		if err != nil {
			return nil, err
		}
		return modal.NewRuntime(cfg)
	default:
		return nil, fmt.Errorf("unsupported runtime: %s", name)
	}
}
