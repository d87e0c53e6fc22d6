package models

import "time"

// Runtime names accepted by ManagerConfig.Runtime.
const (
	RuntimeProcess = "process"
	RuntimeDocker  = "docker"
	RuntimeEngine  = "engine"
	RuntimeApple   = "apple"
	RuntimeModal   = "modal"
)

// ManagerConfig is the buda-manager configuration, read from a YAML or TOML
// file and overridden by flags and BUDA_* environment variables.
type ManagerConfig struct {
	Home        string `yaml:"home" toml:"home" mapstructure:"home" json:"home"`
	Port        int    `yaml:"port" toml:"port" mapstructure:"port" json:"port"`
	Runtime     string `yaml:"runtime" toml:"runtime" mapstructure:"runtime" json:"runtime"`
	Range       string `yaml:"range" toml:"range" mapstructure:"range" json:"range"`
	Storage     string `yaml:"storage" toml:"storage" mapstructure:"storage" json:"storage"`
	CA          string `yaml:"ca,omitempty" toml:"ca" mapstructure:"ca" json:"ca,omitempty"`
	Schemas     string `yaml:"schemas,omitempty" toml:"schemas" mapstructure:"schemas" json:"schemas,omitempty"`
	MetricsAddr string `yaml:"metrics_addr,omitempty" toml:"metrics_addr" mapstructure:"metrics_addr" json:"metrics_addr,omitempty"`
	LogLevel    string `yaml:"log_level,omitempty" toml:"log_level" mapstructure:"log_level" json:"log_level,omitempty"`
	LogFormat   string `yaml:"log_format,omitempty" toml:"log_format" mapstructure:"log_format" json:"log_format,omitempty"`
	// AgentBinary is the fallback worker executable when no format-specific one is installed.
	AgentBinary string `yaml:"agent_binary,omitempty" toml:"agent_binary" mapstructure:"agent_binary" json:"agent_binary,omitempty"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
	SpawnTimeout    time.Duration `yaml:"spawn_timeout" toml:"spawn_timeout" mapstructure:"spawn_timeout" json:"spawn_timeout"`
	CertTimeout     time.Duration `yaml:"cert_timeout" toml:"cert_timeout" mapstructure:"cert_timeout" json:"cert_timeout"`
	CertCacheTTL    time.Duration `yaml:"cert_cache_ttl,omitempty" toml:"cert_cache_ttl" mapstructure:"cert_cache_ttl" json:"cert_cache_ttl,omitempty"`
	PortRetries     int           `yaml:"port_retries" toml:"port_retries" mapstructure:"port_retries" json:"port_retries"`

	// RuntimeConfig carries runtime-specific settings (modal app name, apple cpus).
	RuntimeConfig map[string]any `yaml:"runtime_config,omitempty" toml:"runtime_config" mapstructure:"runtime_config" json:"runtime_config,omitempty"`
}

// Secure reports whether the certificate gate is active.
func (c ManagerConfig) Secure() bool {
	return c.CA != ""
}
