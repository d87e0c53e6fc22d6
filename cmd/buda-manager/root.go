package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/spachava753/buda/internal/config"
	"github.com/spachava753/buda/internal/models"
)

const envPrefix = "BUDA"

// configKeys maps flag names onto ManagerConfig keys where they differ.
var configKeys = map[string]string{
	"metrics-addr": "metrics_addr",
	"log-level":    "log_level",
	"log-format":   "log_format",
	"agent-binary": "agent_binary",
}

func newRootCommand() *cobra.Command {
	rc := &cobra.Command{
		Use:           "buda-manager",
		Short:         "Register datasets and supervise their ingestion workers.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rc.PersistentFlags()
	flags.StringP("config", "c", "", "Configuration file (.yaml, .yml or .toml).")
	flags.String("home", "", "Directory for unix sockets and worker state (default /var/run/buda).")
	flags.Int("port", 0, "Control API port (default 8100).")
	flags.String("runtime", "", "Worker runtime: process, docker, engine, apple or modal (default process).")
	flags.String("range", "", "Inclusive port range for tcp workers (default 2810-2890).")
	flags.String("storage", "", "Storage location (default mongodb://localhost:27017/buda).")
	flags.String("ca", "", "CA certificate; enables client certificate checks.")
	flags.String("schemas", "", "Directory with additional dataset-<version>.json schemas.")
	flags.String("metrics-addr", "", "Serve prometheus metrics on this address.")
	flags.String("log-level", "", "Log level: debug, info, warn or error (default info).")
	flags.String("log-format", "", "Log format: text or json (default text).")
	flags.String("agent-binary", "", "Fallback worker executable (default buda-agent).")

	rc.AddCommand(newServeCommand())
	rc.AddCommand(newValidateCommand())
	rc.AddCommand(newIDCommand())
	return rc
}

// resolveConfig layers the config file, BUDA_* environment variables and
// flags, in increasing priority, over the defaults.
func resolveConfig(flags *pflag.FlagSet) (models.ManagerConfig, error) {
	path, err := flags.GetString("config")
	if err != nil {
		return models.ManagerConfig{}, err
	}
	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}

	base := config.DefaultManagerConfig()
	if path != "" {
		if base, err = config.LoadManagerConfig(path); err != nil {
			return base, err
		}
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("home", base.Home)
	v.SetDefault("port", base.Port)
	v.SetDefault("runtime", base.Runtime)
	v.SetDefault("range", base.Range)
	v.SetDefault("storage", base.Storage)
	v.SetDefault("ca", base.CA)
	v.SetDefault("schemas", base.Schemas)
	v.SetDefault("metrics_addr", base.MetricsAddr)
	v.SetDefault("log_level", base.LogLevel)
	v.SetDefault("log_format", base.LogFormat)
	v.SetDefault("agent_binary", base.AgentBinary)
	v.SetDefault("shutdown_timeout", base.ShutdownTimeout)
	v.SetDefault("spawn_timeout", base.SpawnTimeout)
	v.SetDefault("cert_timeout", base.CertTimeout)
	v.SetDefault("cert_cache_ttl", base.CertCacheTTL)
	v.SetDefault("port_retries", base.PortRetries)

	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || bindErr != nil {
			return
		}
		key := f.Name
		if k, ok := configKeys[key]; ok {
			key = k
		}
		bindErr = v.BindPFlag(key, f)
	})
	if bindErr != nil {
		return base, bindErr
	}

	var cfg models.ManagerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return base, fmt.Errorf("decoding configuration: %w", err)
	}
	cfg.RuntimeConfig = base.RuntimeConfig

	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// newLogHandler builds the manager log handler from the configured level and format.
func newLogHandler(w io.Writer, level, format string) (slog.Handler, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.NewJSONHandler(w, opts), nil
	}
	return slog.NewTextHandler(w, opts), nil
}
