// SPDX-License-Identifier: MIT

// Command telemetryd runs the local telemetry collector: the HTTP receiver
// the pipeline's beacon and keepalive channels submit to, with Prometheus
// metrics, health probes and hot-reloaded configuration.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/toolary/telemetry/internal/collector"
	"github.com/toolary/telemetry/internal/config"
	"github.com/toolary/telemetry/internal/log"
)

var (
	version   = "v1.2.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	listen := flag.String("listen", "", "listen address override")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	log.Configure(log.Config{Service: "telemetryd"})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().Err(err).Str("event", "config.load_failed").Msg("failed to load configuration")
	}
	if *listen != "" {
		cfg.Collector.Listen = *listen
	}

	log.Configure(log.Config{Level: cfg.LogLevel})

	holder := config.NewHolder(cfg, loader)
	if err := holder.Watch(ctx); err != nil {
		logger.Warn().Err(err).Str("event", "config.watch_failed").Msg("config hot reload disabled")
	}
	updates := make(chan config.Config, 1)
	holder.Subscribe(updates)

	archive, err := collector.NewArchive(filepath.Join(cfg.Collector.DataDir, "batches"))
	if err != nil {
		logger.Fatal().Err(err).Str("event", "archive.init_failed").Msg("failed to create batch archive")
	}

	srv := collector.New(cfg.Collector, archive)
	httpServer := &http.Server{
		Addr:              cfg.Collector.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("listen", cfg.Collector.Listen).
			Str("archive", archive.Dir()).
			Str("version", version).
			Str("event", "daemon.started").
			Msg("collector listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		// Applies hot-reloaded settings: log level and the collector's
		// request-path knobs. Listen address and data dir stay bound until a
		// restart.
		for {
			select {
			case <-gctx.Done():
				return nil
			case next := <-updates:
				log.Configure(log.Config{Level: next.LogLevel})
				srv.Apply(next.Collector)
				logger.Info().Str("event", "daemon.config_applied").Msg("reloaded configuration applied")
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.failed").Msg("collector exited with error")
	}
	logger.Info().Str("event", "daemon.stopped").Msg("collector stopped")
}
