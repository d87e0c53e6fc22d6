package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/spachava753/buda/internal/models"
	"github.com/spachava753/buda/internal/util"
)

var runtimes = []string{
	models.RuntimeProcess,
	models.RuntimeDocker,
	models.RuntimeEngine,
	models.RuntimeApple,
	models.RuntimeModal,
}

// DefaultManagerConfig returns a ManagerConfig with default values.
func DefaultManagerConfig() models.ManagerConfig {
	return models.ManagerConfig{
		Home:            "/var/run/buda",
		Port:            8100,
		Runtime:         models.RuntimeProcess,
		Range:           "2810-2890",
		Storage:         "mongodb://localhost:27017/buda",
		LogLevel:        "info",
		LogFormat:       "text",
		AgentBinary:     "buda-agent",
		ShutdownTimeout: 10 * time.Second,
		SpawnTimeout:    15 * time.Second,
		CertTimeout:     5 * time.Second,
		PortRetries:     8,
	}
}

// LoadManagerConfig loads a manager config file over the defaults. Files
// ending in .toml are read as TOML, anything else as YAML.
func LoadManagerConfig(path string) (models.ManagerConfig, error) {
	cfg := DefaultManagerConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading manager config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return cfg, fmt.Errorf("parsing manager config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing manager config: %w", err)
		}
	}

	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values, which a file or an empty flag may leave behind.
func ApplyDefaults(cfg *models.ManagerConfig) {
	def := DefaultManagerConfig()
	if cfg.Home == "" {
		cfg.Home = def.Home
	}
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.Runtime == "" {
		cfg.Runtime = def.Runtime
	}
	if cfg.Range == "" {
		cfg.Range = def.Range
	}
	if cfg.Storage == "" {
		cfg.Storage = def.Storage
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}
	if cfg.AgentBinary == "" {
		cfg.AgentBinary = def.AgentBinary
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.SpawnTimeout == 0 {
		cfg.SpawnTimeout = def.SpawnTimeout
	}
	if cfg.CertTimeout == 0 {
		cfg.CertTimeout = def.CertTimeout
	}
	if cfg.PortRetries == 0 {
		cfg.PortRetries = def.PortRetries
	}
}

// Validate checks the fields that cannot be fixed by a default.
func Validate(cfg models.ManagerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	if _, err := util.ParsePortRange(cfg.Range); err != nil {
		return fmt.Errorf("range: %w", err)
	}
	if !slices.Contains(runtimes, cfg.Runtime) {
		return fmt.Errorf("unsupported runtime %q (want one of %s)", cfg.Runtime, strings.Join(runtimes, ", "))
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	if cfg.PortRetries < 0 {
		return fmt.Errorf("port_retries must not be negative")
	}
	if cfg.ShutdownTimeout < 0 || cfg.SpawnTimeout < 0 || cfg.CertTimeout < 0 || cfg.CertCacheTTL < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// CheckHome verifies the home directory exists and that the manager can
// create and remove files in it.
func CheckHome(home string) error {
	info, err := os.Stat(home)
	if err != nil {
		return fmt.Errorf("home directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("home directory: %s is not a directory", home)
	}
	f, err := os.CreateTemp(home, ".buda-check-*")
	if err != nil {
		return fmt.Errorf("home directory %s is not writable: %w", home, err)
	}
	name := f.Name()
	return errors.Join(f.Close(), os.Remove(name))
}
