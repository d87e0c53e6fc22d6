package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/spachava753/buda/internal/agent"
	"github.com/spachava753/buda/internal/api"
	"github.com/spachava753/buda/internal/config"
	"github.com/spachava753/buda/internal/docstore"
)

func main() {
	flags := pflag.NewFlagSet("buda-agent", pflag.ExitOnError)
	conf := flags.String("conf", "", "JSON data section of the dataset definition.")
	home := flags.String("home", "", "Directory for the unix socket when the hotspot has no location.")
	inactivity := flags.Duration("inactivity", 0, "End a flow after this much silence (default 2s).")
	metricsAddr := flags.String("metrics-addr", "", "Serve prometheus metrics on this address.")
	logLevel := flags.String("log-level", "info", "Log level: debug, info, warn or error.")
	flags.Parse(os.Args[1:])

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "buda-agent: %v\n", err)
		os.Exit(2)
	}
	slog.SetDefault(slog.New(agent.NewLogHandler(os.Stdout, level)))

	if err := run(*conf, *home, *inactivity, *metricsAddr); err != nil {
		slog.Error("agent failed", "error", err)
		os.Exit(1)
	}
}

func run(conf, home string, inactivity time.Duration, metricsAddr string) error {
	cfg, err := config.LoadAgentConfig(conf)
	if err != nil {
		return err
	}
	if inactivity > 0 {
		cfg.Inactivity = inactivity
	}
	if home == "" {
		home = os.Getenv("BUDA_HOME")
	}
	if home == "" {
		if home, err = os.Getwd(); err != nil {
			return err
		}
	}

	// Setup context with manual signal handling
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer func() {
		signal.Stop(sigChan)
		cancel()
	}()
	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("signal received, draining", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	store, err := docstore.Open(ctx, cfg.Data.Storage.Host)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}

	rt, err := agent.New(agent.Config{
		Data:       cfg.Data,
		Home:       home,
		Inactivity: cfg.Inactivity,
		Store:      store,
	})
	if err != nil {
		store.Close()
		return err
	}

	if metricsAddr != "" {
		go func() {
			if err := api.ServeMetrics(ctx, metricsAddr); err != nil {
				slog.Error("metrics listener failed", "error", err)
			}
		}()
	}

	return rt.Run(ctx)
}
