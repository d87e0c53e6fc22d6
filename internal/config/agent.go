package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spachava753/buda/internal/models"
)

const (
	DefaultAgentBatch      = 5
	DefaultAgentInactivity = 2000 * time.Millisecond
)

// AgentConfig is what a worker needs to run, derived from the data section
// it receives on the command line.
type AgentConfig struct {
	Data models.Data
	// Inactivity ends a flow after this much silence. data.options.inactivity
	// (milliseconds) overrides the default.
	Inactivity time.Duration
}

// LoadAgentConfig parses the JSON passed to a worker as --conf.
func LoadAgentConfig(conf string) (AgentConfig, error) {
	cfg := AgentConfig{Inactivity: DefaultAgentInactivity}
	if strings.TrimSpace(conf) == "" {
		return cfg, fmt.Errorf("missing agent configuration")
	}
	if err := json.Unmarshal([]byte(conf), &cfg.Data); err != nil {
		return cfg, fmt.Errorf("parsing agent configuration: %w", err)
	}

	d := &cfg.Data
	if d.Storage.Batch <= 0 {
		d.Storage.Batch = DefaultAgentBatch
	}
	if d.Compression == "" {
		d.Compression = models.CompressionNone
	}
	if v, ok := d.Options["inactivity"].(float64); ok && v > 0 {
		cfg.Inactivity = time.Duration(v) * time.Millisecond
	}

	if d.Format == "" {
		return cfg, fmt.Errorf("agent configuration: missing format")
	}
	if d.Storage.Collection == "" {
		return cfg, fmt.Errorf("agent configuration: missing storage.collection")
	}
	switch d.Hotspot.Type {
	case models.HotspotTCP, models.HotspotUnix:
	default:
		return cfg, fmt.Errorf("agent configuration: unsupported hotspot type %q", d.Hotspot.Type)
	}
	return cfg, nil
}
