package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ki2go/internal/catalog"
	"github.com/jkaninda/ki2go/internal/config"
	"github.com/jkaninda/ki2go/internal/gateway"
	"github.com/jkaninda/ki2go/internal/gateway/httpapi"
	"github.com/jkaninda/ki2go/internal/ratelimit"
	"github.com/jkaninda/ki2go/internal/reaper"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, catalog poller and reaper",
	RunE:  runServe,
}

func init() {
	// Registered on root too, so `ki2go --port :9090` works.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &config.HTTPConfig{}
		}
		cfg.HTTP.ListenAddr = servePort
	}
	if cfg.HTTP == nil {
		return fmt.Errorf("http section is required for serve")
	}

	logger := newLogger(slog.LevelInfo)
	logger.Info("starting", slog.String("config", configPath), slog.String("version", version))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Template catalog.
	if cfg.Catalog != nil {
		poller := catalog.NewPoller(catalog.PollerConfig{
			Dirs:         cfg.Catalog.TemplateDirs,
			PollInterval: cfg.Catalog.PollInterval(),
		}, sc.Publisher, logger)
		if cfg.Catalog.PollInterval() > 0 {
			go func() { _ = poller.Run(ctx) }()
		} else {
			n := poller.Sync(ctx)
			logger.Info("catalog published", slog.Int("templates", n))
		}
	}

	// Stale pending-record reaper.
	if cfg.Reaper != nil && cfg.Reaper.Enabled {
		rp, err := reaper.New(sc.Recorder, sc.Ledger, sc.Obs.MetricsOrNil(), logger, cfg.Reaper)
		if err != nil {
			return fmt.Errorf("initializing reaper: %w", err)
		}
		cancelReaper := rp.Start(ctx)
		defer cancelReaper()
	}

	// Rate limiter, with idle buckets pruned periodically.
	var limiter *ratelimit.Limiter
	if cfg.HTTP.RateLimit.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.HTTP.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.HTTP.RateLimit.BurstSize,
		})
		go pruneLimiter(ctx, limiter, logger)
	}

	httpCfg := httpapi.Config{
		ListenAddr:     cfg.HTTP.Addr(),
		EnableDocs:     cfg.HTTP.EnableDocs,
		APIKeys:        cfg.HTTP.APIKeys,
		MaxRequestSize: cfg.HTTP.MaxRequestSizeBytes,
	}
	if sc.Obs != nil {
		httpCfg.HealthChecker = sc.Obs.Health
		httpCfg.Metrics = sc.Obs.Metrics
		httpCfg.Tracer = sc.Obs.Tracer
		if sc.Obs.Metrics != nil {
			httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
	}
	if len(httpCfg.APIKeys) == 0 {
		logger.Warn("no API keys configured; every /v1 request will be rejected")
	}

	gateways := []gateway.Gateway{
		httpapi.NewGateway(httpCfg, sc.Engine, limiter, logger),
	}

	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return nil
}

func pruneLimiter(ctx context.Context, l *ratelimit.Limiter, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Prune(); n > 0 {
				logger.Debug("rate limiter pruned", slog.Int("callers", n))
			}
		}
	}
}
