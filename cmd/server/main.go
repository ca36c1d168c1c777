package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/betterbobcats/email-outbox/internal/api"
	"github.com/betterbobcats/email-outbox/internal/bootstrap"
	"github.com/betterbobcats/email-outbox/internal/config"
	"github.com/betterbobcats/email-outbox/internal/metrics"
	"github.com/betterbobcats/email-outbox/internal/pkg/distlock"
	"github.com/betterbobcats/email-outbox/internal/pkg/logger"
	"github.com/betterbobcats/email-outbox/internal/worker"
)

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "", "Path to config file (optional)")
	pflag.Parse()

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		fatal("failed to load config", err)
	}
	if err := bootstrap.ConfigureLogger(cfg.Logging); err != nil {
		fatal("invalid logging config", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("configuration invalid", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := bootstrap.OpenDB(ctx, cfg.Database)
	if err != nil {
		fatal("database unavailable", err)
	}
	defer db.Close()
	logger.Info("connected to database")

	redisClient, err := bootstrap.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		logger.Warn("redis unavailable, falling back to postgres advisory locks", "error", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	repo, err := bootstrap.NewOutboxRepo(db, cfg.Database)
	if err != nil {
		fatal("invalid claim mode", err)
	}

	obs := metrics.NewOutbox()
	dispatcher, err := bootstrap.NewDispatcher(ctx, cfg, repo, obs)
	if err != nil {
		fatal("failed to build dispatcher", err)
	}

	if cfg.Monitor.Enabled {
		lock := distlock.NewLock(redisClient, db, "email-outbox:stale-monitor", cfg.Monitor.Interval())
		monitor := worker.NewStaleMonitor(repo, lock, obs, cfg.Monitor.Interval(), cfg.Monitor.StaleAfter())
		go monitor.Start(ctx)
	}

	server := api.NewServer(api.Dependencies{
		Dispatcher: dispatcher,
		DB:         db,
		Metrics:    obs.Handler(),
	}, api.ServerOptions{
		ReadTimeout:    cfg.Server.ReadTimeout(),
		WriteTimeout:   cfg.Server.WriteTimeout(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("email outbox server listening",
			"addr", cfg.Server.Addr(), "provider", cfg.Email.Provider,
			"batch_size", cfg.Dispatch.BatchSize, "concurrency", cfg.Dispatch.Concurrency)
		errCh <- server.ListenAndServe(cfg.Server.Addr())
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("server error", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatch.SendTimeout()+10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func fatal(msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
