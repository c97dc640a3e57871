package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/spf13/cobra"

	"github.com/hazz-dev/healthgate/internal/alert"
	"github.com/hazz-dev/healthgate/internal/checker"
	"github.com/hazz-dev/healthgate/internal/config"
	"github.com/hazz-dev/healthgate/internal/logging"
	"github.com/hazz-dev/healthgate/internal/metrics"
	"github.com/hazz-dev/healthgate/internal/probe"
	"github.com/hazz-dev/healthgate/internal/scheduler"
	"github.com/hazz-dev/healthgate/internal/server"
	"github.com/hazz-dev/healthgate/internal/storage"
	"github.com/hazz-dev/healthgate/internal/version"
)

// pruneInterval is how often rows older than storage.retention are deleted.
const pruneInterval = time.Hour

func runServe(cmd *cobra.Command, _ []string) error {
	// 1. Load config
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// 2. Logger
	logger, logCloser, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return fmt.Errorf("configuring logger: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	return serve(ctx, cfg, logger)
}

// serve runs until ctx is cancelled, then drains: /readyz fails for
// drain_delay while probes keep running, probes stop and record Terminated,
// and finally the listener shuts down.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	vi := version.Get()
	logger.Info("starting healthgate", "version", vi.Version, "commit", vi.Commit, "probes", len(cfg.Probes))

	// 3. Open SQLite
	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	logger.Info("storage opened", "path", cfg.Storage.Path, "instance", db.Instance())

	// 4. Metrics
	m := metrics.New()
	m.SetBuildInfo(vi)

	// 5. Build alerter (if configured)
	var alerter *alert.Alerter
	if cfg.Alerts.Webhook.URL != "" {
		alerter = alert.New(alert.Options{
			URL:       cfg.Alerts.Webhook.URL,
			Cooldown:  cfg.Alerts.Webhook.Cooldown.Duration,
			RateLimit: cfg.Alerts.Webhook.RateLimit,
		}, logger)
		alerter.SetOnOutcome(m.IncAlert)
	}

	// 6. Build scheduler
	clk := clock.NewClock()
	sched, err := scheduler.New(cfg.Probes, db, checker.New, clk, logger)
	if err != nil {
		return fmt.Errorf("building scheduler: %w", err)
	}
	for _, p := range cfg.Probes {
		m.RegisterProbe(scheduler.ProbeConfig(p))
	}
	sched.SetOnObservation(m.ObserveCheck)
	sched.SetOnSkip(m.IncSkipped)
	sched.SetOnTransition(func(t probe.Transition) {
		m.ObserveTransition(t)
		if alerter != nil {
			alerter.Notify(t)
		}
	})

	// 7. Build HTTP server
	srv := server.New(db, sched, cfg.Probes, logger, server.WithMetrics(m))
	httpServer := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 8. Start probes on their own context so they keep reporting while the
	// gate drains.
	probeCtx, stopProbes := context.WithCancel(context.Background())
	defer stopProbes()
	sched.Start(probeCtx)
	logger.Info("probes started", "probes", len(cfg.Probes))

	pruneCtx, stopPrune := context.WithCancel(context.Background())
	defer stopPrune()
	go prune(pruneCtx, db, clk, cfg.Storage.Retention.Duration, logger)

	// 9. Start HTTP server in background
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", cfg.Server.Address)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// 10. Wait for signal or server error
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		runErr = fmt.Errorf("HTTP server: %w", err)
	}

	// 11. Graceful shutdown
	srv.Gate().Close("shutting down")
	if d := cfg.Server.DrainDelay.Duration; d > 0 && runErr == nil {
		logger.Info("draining", "delay", d)
		time.Sleep(d)
	}

	stopProbes()
	sched.Wait()
	stopPrune()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown", "error", err)
	}

	if alerter != nil {
		alerter.Wait()
	}

	logger.Info("shutdown complete")
	return runErr
}

type pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// prune deletes history older than retention once at start and then every
// pruneInterval until ctx is done.
func prune(ctx context.Context, db pruner, clk clock.Clock, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	run := func() {
		n, err := db.Prune(ctx, clk.Now().Add(-retention))
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("pruning history", "error", err)
			}
			return
		}
		if n > 0 {
			logger.Info("pruned history", "rows", n, "retention", retention)
		}
	}

	run()
	ticker := clk.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			run()
		}
	}
}
