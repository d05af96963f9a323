// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/annolab/taskbridge/internal/api"
	"github.com/annolab/taskbridge/internal/config"
	"github.com/annolab/taskbridge/internal/dispatch"
	"github.com/annolab/taskbridge/internal/health"
	"github.com/annolab/taskbridge/internal/lease"
	tblog "github.com/annolab/taskbridge/internal/log"
	"github.com/annolab/taskbridge/internal/media"
	"github.com/annolab/taskbridge/internal/queue"
	"github.com/annolab/taskbridge/internal/reconcile"
	"github.com/annolab/taskbridge/internal/stats"
	"github.com/annolab/taskbridge/internal/telemetry"
	"github.com/annolab/taskbridge/internal/upstream"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("taskbridge %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if *configPath == "" {
		*configPath = os.Getenv("TB_CONFIG")
	}

	if err := run(*configPath); err != nil {
		logger := tblog.Base()
		logger.Fatal().Err(err).Msg("daemon exited")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath, version)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tblog.Configure(tblog.Config{
		Level:   cfg.LogLevel,
		Service: "taskbridge",
		Version: version,
	})
	logger := tblog.Base()

	logger.Info().
		Str("version", version).
		Str("upstream", cfg.MaskedUpstream()).
		Int("project_id", cfg.ProjectID).
		Str("redis", cfg.RedisAddr).
		Str("media_root", cfg.MediaRoot).
		Str("listen", cfg.ListenAddr).
		Dur("lease_ttl", cfg.LeaseTTL).
		Dur("cooldown_ttl", cfg.CooldownTTL).
		Dur("sync_interval", cfg.SyncInterval).
		Msg("starting taskbridge")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.OTELEnabled,
		ServiceName:    "taskbridge",
		ServiceVersion: version,
		ExporterType:   cfg.OTELExporter,
		Endpoint:       cfg.OTELEndpoint,
		SamplingRate:   cfg.OTELSample,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	leases, err := lease.New(lease.Config{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		LeaseTTL:    cfg.LeaseTTL,
		CooldownTTL: cfg.CooldownTTL,
		CallTimeout: cfg.KVTimeout,
	}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = leases.Close() }()

	tasks, err := queue.New(queue.Config{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		CallTimeout: cfg.KVTimeout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tasks.Close() }()

	store, err := stats.New(cfg.SQLURL, cfg.SQLTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	up := upstream.New(cfg.UpstreamBase, upstream.Options{
		Token:     cfg.UpstreamToken,
		ProjectID: cfg.ProjectID,
		Timeout:   cfg.UpstreamTimeout,
	})

	disp := dispatch.New(leases, up, store, tasks, dispatch.Config{
		RatePerSecond: cfg.RatePerSecond,
		PublicBaseURL: cfg.PublicBaseURL,
	}, logger.With().Str("component", "dispatch").Logger())

	streamer := media.New(cfg.MediaRoot, leases, up, logger.With().Str("component", "media").Logger())

	runner := reconcile.New(up, tasks, leases, cfg.SyncInterval,
		logger.With().Str("component", "reconcile").Logger())

	hm := health.NewManager(5 * time.Second)
	hm.Register(health.CheckFunc{CheckerName: "redis", Fn: leases.HealthCheck})
	hm.Register(health.CheckFunc{CheckerName: "postgres", Fn: store.HealthCheck})
	hm.Register(health.CheckFunc{CheckerName: "label_studio", Fn: up.HealthCheck})

	srv := api.New(&cfg, disp, streamer, hm, runner.Ready()).HTTPServer()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := runner.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var metricsSrv *http.Server
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", cfg.MetricsListen).Msg("metrics server listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown failed")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("metrics shutdown failed")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
