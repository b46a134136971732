package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/songzhibin97/approval-engine/config"
	"github.com/songzhibin97/approval-engine/definition"
	"github.com/songzhibin97/approval-engine/directory"
	"github.com/songzhibin97/approval-engine/domain"
	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/logging"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/workflow"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "approvald: %v\n", err)
		os.Exit(1)
	}
}

// run wires the engine and blocks until a signal arrives or the metrics
// server fails. Every deferred cleanup runs before it returns.
func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting approval engine",
		zap.String("storage", cfg.Storage.Driver),
		zap.Strings("definitions", cfg.Workflow.DefinitionsDirs))

	store, closeStore, err := openStorage(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer closeStore()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := loadDefinitions(ctx, cfg.Workflow.DefinitionsDirs, store, logger); err != nil {
		return fmt.Errorf("failed to load workflow definitions: %w", err)
	}

	dir := directory.New()
	if err := dir.LoadFile(cfg.Directory.Path); err != nil {
		return fmt.Errorf("failed to load user directory: %w", err)
	}

	bus := events.NewEventBus(events.WithBufferSize(cfg.Workflow.EventBuffer), events.WithLogger(logger))
	defer bus.Stop()
	bus.Subscribe(events.AllEvents, events.LogHandler(logger))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine, err := workflow.NewEngine(
		generator.NewSnowflake(time.Now().Add(-1*time.Second), 1),
		store,
		dir,
		workflow.WithLogger(logger),
		workflow.WithNotifier(events.NewDispatcher(bus, logger)),
		workflow.WithMetrics(workflow.NewMetrics(reg)),
		workflow.WithAppetites(dir),
	)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	srv := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     newMux(cfg.Server.MetricsPath, reg),
		ReadTimeout: cfg.Server.ReadTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Metrics server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	runSweeper(ctx, engine, cfg.Workflow.SweepInterval, logger)

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server forced to shutdown", zap.Error(err))
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("metrics server failed: %w", err)
	default:
		return nil
	}
}

func openStorage(cfg *config.Config, logger *zap.Logger) (storage.Storage, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverRedis:
		s, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			IdleTimeout:  cfg.Redis.IdleTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, closer(s, logger), nil
	case config.DriverSQLite:
		s, err := storage.NewSQLiteStorage(storage.SQLiteOptions{
			Path:            cfg.Database.Path,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, closer(s, logger), nil
	default:
		return storage.NewMemoryStorage(), func() {}, nil
	}
}

func closer(c io.Closer, logger *zap.Logger) func() {
	return func() {
		if err := c.Close(); err != nil {
			logger.Error("Failed to close storage", zap.Error(err))
		}
	}
}

// loadDefinitions reads, validates and stores every definition under dirs.
func loadDefinitions(ctx context.Context, dirs []string, store storage.Storage, logger *zap.Logger) error {
	defs, err := definition.NewLoader().LoadAll(dirs)
	if err != nil {
		return err
	}
	if verrs := definition.NewValidator(domain.NewRegistry()).Validate(defs); len(verrs) > 0 {
		for _, v := range verrs {
			logger.Error("Invalid workflow definition",
				zap.String("path", v.Path),
				zap.String("code", v.Code),
				zap.String("message", v.Message))
		}
		return fmt.Errorf("%d definition errors", len(verrs))
	}
	if err := storage.SaveDefinitions(ctx, store, defs); err != nil {
		return err
	}
	logger.Info("Workflow definitions loaded", zap.Int("count", len(defs)))
	return nil
}

func newMux(metricsPath string, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","time":%q}`, time.Now().Format(time.RFC3339))
	})
	return mux
}

// runSweeper notifies overdue approvers and applies elapsed timers until ctx ends.
func runSweeper(ctx context.Context, engine *workflow.Engine, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			overdue, err := engine.NotifyOverdue(ctx)
			if err != nil {
				logger.Error("Overdue sweep failed", zap.Error(err))
			}
			moved, err := engine.ProcessTimed(ctx)
			if err != nil {
				logger.Error("Timed sweep failed", zap.Error(err))
			}
			if overdue > 0 || moved > 0 {
				logger.Info("Sweep finished", zap.Int("overdue_notified", overdue), zap.Int("timed_progressed", moved))
			}
		}
	}
}
