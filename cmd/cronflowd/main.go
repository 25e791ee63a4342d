package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"cronflow/internal/api"
	"cronflow/internal/config"
	"cronflow/internal/core"
	"cronflow/internal/lease"
	"cronflow/internal/logging"
	cronflowmcp "cronflow/internal/mcp"
	"cronflow/internal/notify"
	"cronflow/internal/observe"
	"cronflow/internal/service"
	"cronflow/internal/store"
)

var version = "dev"

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	// In MCP mode stdout carries the protocol.
	var out io.Writer = os.Stdout
	if cfg.Server.Mode != config.ModeHTTP {
		out = os.Stderr
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, out)

	if err := run(cfg, logger, out); err != nil {
		logger.Error("cronflowd exited", "err", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, logger *slog.Logger, out io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.StateDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	location := time.Local
	if cfg.UseUTC {
		location = time.UTC
	}

	checks := []service.Check{{Name: "store", Ping: st.Ping}}
	var runLease core.Lease
	switch cfg.Lease.Backend {
	case config.LeaseRedis:
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Lease.RedisAddr},
			Password: cfg.Lease.RedisPassword,
			DB:       cfg.Lease.RedisDB,
		})
		defer rdb.Close()
		rl := lease.NewRedis(rdb, "")
		checks = append(checks, service.Check{Name: "redis", Ping: rl.Ping})
		runLease = rl
		logger.Info("using redis leases", "addr", cfg.Lease.RedisAddr, "holder", rl.Holder())
	default:
		sl := st.NewLease("")
		runLease = sl
		logger.Info("using sqlite leases", "holder", sl.Holder())
	}

	var traceOut io.Writer
	if cfg.Trace.Stdout {
		traceOut = out
	}
	tp, shutdownTracing, err := observe.SetupTracing(version, traceOut)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}

	var notifier notify.Notifier = &notify.NoOpNotifier{}
	if cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
		if err != nil {
			return fmt.Errorf("bark notifier: %w", err)
		}
		notifier = bark
	}
	failures := notify.NewSink(notifier, logger)

	executor := observe.NewTracingExecutor(core.KindRouter{
		core.KindEmpty:   core.NoopExecutor{},
		core.KindCommand: core.NewCommandExecutor(st, logger),
	}, tp)

	registry := core.NewRegistry(st, logger)
	if err := registry.Load(ctx); err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}

	scheduler := core.NewScheduler(st, registry, executor, logger,
		core.WithLease(runLease),
		core.WithSecrets(core.EnvSecretResolver{Prefix: cfg.Secrets.Prefix}),
		core.WithEvents(core.MultiSink{core.LogSink{Logger: logger}, failures}),
		core.WithWorkers(cfg.Scheduler.Workers),
		core.WithLeaseTTL(cfg.Scheduler.LeaseTTL),
		core.WithReconcileInterval(cfg.Scheduler.ReconcileInterval),
		core.WithRetention(cfg.Scheduler.RunRetention),
	)
	clk := clock.New()
	trigger := core.NewTrigger(registry, core.NewMaterializer(st, clk), scheduler, logger, location, clk)
	svc := service.New(registry, trigger, scheduler, st, st, location, logger, checks...)

	scheduler.Start(ctx)
	trigger.Start(ctx)
	if err := trigger.Sync(ctx); err != nil {
		logger.Error("initial sync", "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	janitor := store.NewJanitor(st, cfg.Log.Retention, 0, clk, logger)
	g.Go(func() error { return janitor.Run(gctx) })

	mcpServer := cronflowmcp.NewServer(svc, logger, version)

	if cfg.Server.Mode == config.ModeHTTP || cfg.Server.Mode == config.ModeBoth {
		httpServer := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, svc, mcpServer.Handler(), logger)
		g.Go(func() error {
			if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	if cfg.Server.Mode == config.ModeMCP || cfg.Server.Mode == config.ModeBoth {
		g.Go(func() error {
			err := mcpServer.ServeStdio(gctx)
			if cfg.Server.Mode == config.ModeMCP {
				// The client went away; nothing else to serve.
				stop()
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("mcp server: %w", err)
			}
			return nil
		})
	}

	<-gctx.Done()
	logger.Info("shutting down")
	runErr := g.Wait()

	select {
	case <-trigger.Stop().Done():
	case <-time.After(cfg.ShutdownGrace):
		logger.Warn("trigger stop timed out")
	}
	scheduler.Stop()
	failures.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		logger.Warn("flush traces", "err", err)
	}
	return runErr
}
