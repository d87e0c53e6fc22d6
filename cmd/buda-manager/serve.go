package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/spachava753/buda/internal/api"
	"github.com/spachava753/buda/internal/config"
	"github.com/spachava753/buda/internal/dataset"
	"github.com/spachava753/buda/internal/docstore"
	"github.com/spachava753/buda/internal/models"
	"github.com/spachava753/buda/internal/orchestrator"
	"github.com/spachava753/buda/internal/registry"
	"github.com/spachava753/buda/internal/schema"
	"github.com/spachava753/buda/internal/security"
	"github.com/spachava753/buda/internal/supervisor"
	"github.com/spachava753/buda/internal/util"
)

func newServeCommand() *cobra.Command {
	var seed string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API and restart the registered workers.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Flags())
			if err != nil {
				return err
			}
			h, err := newLogHandler(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(slog.New(h))
			return serve(cmd.Context(), cfg, seed)
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "", "Register the dataset definitions in this file or directory at boot if absent.")
	return cmd
}

func serve(ctx context.Context, cfg models.ManagerConfig, seed string) error {
	if err := config.CheckHome(cfg.Home); err != nil {
		return err
	}

	var gate *security.Gate
	if cfg.Secure() {
		ca, err := security.LoadCA(cfg.CA)
		if err != nil {
			return fmt.Errorf("loading ca: %w", err)
		}
		gate = security.NewGate(ca, security.Options{Timeout: cfg.CertTimeout, CacheTTL: cfg.CertCacheTTL})
		slog.Info("secure mode enabled", "ca", cfg.CA, "subject", ca.Subject.String())
	} else {
		slog.Warn("no ca configured, control api accepts unauthenticated requests")
	}

	schemas, err := schema.New(cfg.Schemas)
	if err != nil {
		return fmt.Errorf("loading schemas: %w", err)
	}

	store, err := docstore.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	reg := registry.New(store)

	rt, err := supervisor.NewRuntime(cfg.Runtime, cfg.RuntimeConfig)
	if err != nil {
		reg.Close()
		return err
	}
	ports, err := util.ParsePortRange(cfg.Range)
	if err != nil {
		reg.Close()
		return err
	}
	sup := supervisor.New(rt, supervisor.Options{
		Home:         cfg.Home,
		Range:        ports,
		PortRetries:  cfg.PortRetries,
		SpawnTimeout: cfg.SpawnTimeout,
		AgentBinary:  cfg.AgentBinary,
	})

	opts := orchestratorOptions(cfg)
	if opts.StorageHost == "" {
		slog.Warn("storage cannot be shared with workers, datasets must set data.storage.host",
			"storage", docstore.Host(cfg.Storage))
	}
	orch := orchestrator.New(schemas, reg, sup, opts)
	defer func() {
		if err := orch.Shutdown(context.Background()); err != nil {
			slog.Error("shutdown incomplete", "error", err)
		}
	}()

	slog.Info("starting buda-manager",
		"home", cfg.Home, "port", cfg.Port, "runtime", rt.Name(),
		"range", ports.String(), "storage", docstore.Host(cfg.Storage), "schemas", schemas.Versions())

	if err := orch.Boot(ctx); err != nil {
		slog.Warn("some workers did not restart", "error", err)
	}
	if seed != "" {
		if err := seedDatasets(ctx, orch, seed); err != nil {
			return err
		}
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := api.ServeMetrics(ctx, cfg.MetricsAddr); err != nil {
				slog.Error("metrics listener failed", "error", err)
			}
		}()
	}

	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.Port)))
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", cfg.Port, err)
	}
	slog.Info("control api listening", "addr", l.Addr().String())

	return api.NewServer(orch, gate).Serve(ctx, l, cfg.ShutdownTimeout)
}

func seedDatasets(ctx context.Context, orch *orchestrator.Orchestrator, location string) error {
	sources, err := dataset.NewLoader().Load(ctx, location)
	if err != nil {
		return fmt.Errorf("loading seed datasets: %w", err)
	}
	docs := make([][]byte, 0, len(sources))
	for _, src := range sources {
		docs = append(docs, src.JSON)
	}
	if err := orch.Seed(ctx, docs); err != nil {
		slog.Warn("some seed datasets were not registered", "error", err)
	}
	slog.Info("seed datasets processed", "location", location, "count", len(docs))
	return nil
}

// orchestratorOptions hands workers the manager's own storage location,
// credentials included, unless only the manager can open it.
func orchestratorOptions(cfg models.ManagerConfig) orchestrator.Options {
	return orchestrator.Options{
		StorageHost:     docstore.WorkerStorage(cfg.Storage),
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
}
