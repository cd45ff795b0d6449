package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/hermesosint/hermes/internal/gateway"
	"github.com/hermesosint/hermes/internal/gateway/httpapi"
	"github.com/hermesosint/hermes/internal/sandbox"
)

// maintenanceSchedule drives limiter pruning and cache expiry.
const maintenanceSchedule = "@every 1h"

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API with the fetch pipeline, execution strategy and
priority scheduler. When proxy.auto_refresh is set the proxy pool is
refreshed on proxy.refresh_schedule.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Info("starting hermes", slog.String("config", configPath), slog.String("version", version))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Orphaned containers from a previous crash.
	if sc.Sandbox != nil {
		if _, err := sc.Sandbox.Sweep(ctx); err != nil {
			logger.Warn("sandbox sweep skipped", slog.String("error", err.Error()))
		}
	}

	// Proxy refresher (optional).
	if cfg.Proxy != nil && cfg.Proxy.AutoRefresh {
		refresher := newRefresher(sc)
		if err := refresher.Start(ctx, cfg.Proxy.Schedule()); err != nil {
			return err
		}
		defer refresher.Stop()
		if sc.Proxies.Len() == 0 {
			go func() {
				if _, err := refresher.Refresh(ctx); err != nil {
					logger.Warn("initial proxy refresh failed", slog.String("error", err.Error()))
				}
			}()
		}
	}

	// Periodic housekeeping.
	maintenance := cron.New()
	if _, err := maintenance.AddFunc(maintenanceSchedule, func() { runMaintenance(ctx, sc) }); err != nil {
		return fmt.Errorf("scheduling maintenance: %w", err)
	}
	maintenance.Start()
	defer func() { <-maintenance.Stop().Done() }()

	var gw gateway.Gateway = buildGateway(sc)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	return nil
}

// buildGateway wires the HTTP API onto the shared components.
func buildGateway(sc *SharedComponents) *httpapi.Gateway {
	cfg := sc.Config
	gwCfg := httpapi.Config{ListenAddr: cfg.API.Addr()}
	if serveAddr != "" {
		gwCfg.ListenAddr = serveAddr
	}
	if cfg.API != nil {
		gwCfg.EnableDocs = cfg.API.EnableDocs
		gwCfg.APIKeys = cfg.API.APIKeys
		gwCfg.MaxRequestSize = cfg.API.MaxRequestSizeBytes
	}
	if len(gwCfg.APIKeys) == 0 {
		sc.Logger.Warn("no API keys configured, every /v1 request will be rejected")
	}

	gwCfg.HealthChecker = sc.Obs.Health
	gwCfg.Tracer = sc.Obs.HTTPTracer()
	if m := sc.Obs.Metrics; m != nil {
		gwCfg.Metrics = m
		gwCfg.MetricsRegistry = m.Registry
		if o := cfg.Observability; o != nil && o.Metrics != nil {
			gwCfg.MetricsPath = o.Metrics.Path
		}
	}

	gw := httpapi.NewGateway(gwCfg, sc.Fetcher, sc.Strategy, sc.Scheduler, sc.Limiter, sc.Logger).
		WithTools(sc.Adapters, sc.Cache)
	// /v1/run only accepts catalog and adapter tools, so native mode
	// still needs the catalog.
	if sc.Sandbox != nil {
		gw.WithCatalog(sc.Sandbox.Catalog())
	} else if catalog, err := sandbox.CatalogFrom(cfg.Sandbox); err == nil {
		gw.WithCatalog(catalog)
	} else {
		sc.Logger.Warn("sandbox catalog invalid, /v1/run limited to adapters", slog.String("error", err.Error()))
	}
	if sc.Proxies != nil {
		gw.WithProxyPool(sc.Proxies)
	}
	return gw
}

// runMaintenance prunes expired rate-limit events and cache entries.
func runMaintenance(ctx context.Context, sc *SharedComponents) {
	if n, err := sc.Limiter.Prune(ctx); err != nil {
		sc.Logger.Warn("rate limit prune failed", slog.String("error", err.Error()))
	} else if n > 0 {
		sc.Logger.Debug("rate limit events pruned", slog.Int64("deleted", n))
	}
	if sc.Cache == nil {
		return
	}
	if n, err := sc.Cache.Purge(ctx); err != nil {
		sc.Logger.Warn("cache purge failed", slog.String("error", err.Error()))
	} else if n > 0 {
		sc.Logger.Debug("expired cache entries purged", slog.Int64("deleted", n))
	}
}
