// Command readside runs the projection worker: it tails the event log,
// keeps the registered read models current and serves the admin API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/authapp/readside/internal/admin"
	"github.com/authapp/readside/internal/config"
	"github.com/authapp/readside/internal/migrations"
	"github.com/authapp/readside/internal/readmodel"
	"github.com/authapp/readside/pkg/eventlog"
	"github.com/authapp/readside/pkg/projection"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		migrate    = flag.Bool("migrate", true, "run schema migrations on startup")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*configPath, *migrate, logger); err != nil {
		logger.Fatal("readside exited", zap.Error(err))
	}
}

func run(configPath string, migrate bool, logger *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if migrate {
		if err := migrations.Up(ctx, cfg.Database.URL); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("schema migrations applied")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("parse database url: %w", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		poolCfg.MaxConns = cfg.Database.MaxOpenConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	registry, err := projection.NewRegistry(ctx, projection.Options{
		DB:         pool,
		Log:        eventlog.NewPGReader(pool),
		Logger:     logger,
		Metrics:    projection.NewMetrics(prometheus.DefaultRegisterer),
		InstanceID: cfg.Projection.InstanceID,
	})
	if err != nil {
		return err
	}
	logger.Info("projection worker ready", zap.String("instance", registry.InstanceID()))

	base := projection.Config{
		BatchSize:     cfg.Projection.BatchSize,
		Interval:      cfg.Projection.Interval,
		MaxRetries:    cfg.Projection.MaxRetries,
		RetryDelay:    cfg.Projection.RetryDelay,
		EnableLocking: cfg.Projection.EnableLocking,
		LockTTL:       cfg.Projection.LockTTL,
	}
	for _, p := range []projection.Projection{
		readmodel.NewOrg(),
		readmodel.NewSession(),
	} {
		if err := registry.Register(base, p); err != nil {
			return err
		}
	}

	if err := registry.StartAll(ctx); err != nil {
		return fmt.Errorf("start projections: %w", err)
	}

	server := admin.New(cfg.Admin.Addr, registry, logger)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("admin server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin shutdown", zap.Error(err))
	}
	if err := registry.StopAll(shutdownCtx); err != nil {
		logger.Warn("projection shutdown", zap.Error(err))
	}
	logger.Info("readside stopped")
	return nil
}
