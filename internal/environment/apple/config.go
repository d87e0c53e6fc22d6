package apple

import (
	"fmt"

	"github.com/spachava753/buda/internal/util"
)

// ProviderConfig holds Apple Container-specific configuration.
type ProviderConfig struct {
	// CPUs limits each agent container. Zero leaves the runtime default.
	CPUs int
	// MemoryMB limits each agent container. Zero leaves the runtime default.
	MemoryMB int
	// RuntimeUser runs the agent as this uid (or uid:gid) instead of the
	// image default.
	RuntimeUser string
}

// ParseProviderConfig extracts Apple Container-specific config from the
// generic runtime_config map.
func ParseProviderConfig(config map[string]any) (ProviderConfig, error) {
	pc := ProviderConfig{}
	if config == nil {
		return pc, nil
	}
	switch v := config["cpus"].(type) {
	case int:
		pc.CPUs = v
	case int64:
		pc.CPUs = int(v)
	case float64:
		pc.CPUs = int(v)
	}
	if v, ok := config["memory"].(string); ok {
		mb, err := util.ParseMemory(v)
		if err != nil {
			return pc, fmt.Errorf("apple runtime memory: %w", err)
		}
		pc.MemoryMB = mb
	}
	if v, ok := config["runtime_user"].(string); ok {
		if !validUser(v) {
			return pc, fmt.Errorf("apple runtime_user must be numeric uid or uid:gid, got %q", v)
		}
		pc.RuntimeUser = v
	}
	return pc, nil
}
