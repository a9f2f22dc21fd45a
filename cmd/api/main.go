package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stakeordie/jobqueue/internal/broker"
	"github.com/stakeordie/jobqueue/internal/config"
	"github.com/stakeordie/jobqueue/internal/connhub"
	"github.com/stakeordie/jobqueue/internal/eventbus"
	"github.com/stakeordie/jobqueue/internal/fanout"
	httpx "github.com/stakeordie/jobqueue/internal/http"
	"github.com/stakeordie/jobqueue/internal/janitor"
	"github.com/stakeordie/jobqueue/internal/observability"
	"github.com/stakeordie/jobqueue/internal/registry"
	"github.com/stakeordie/jobqueue/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, "jobqueue-api", "")
	if err != nil {
		log.Fatalf("otel init failed: %v", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	logger := observability.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	s := store.New(store.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer s.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	err = s.Ping(pingCtx)
	cancel()
	if err != nil {
		logger.Error("redis connection failed", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	prom := observability.NewProm(reg)

	workerRegistry := registry.New(s, logger)
	jobBroker := broker.New(s, workerRegistry, prom)
	hub := connhub.New(logger, jobBroker)
	bus := eventbus.New(s, logger)
	router := fanout.New(hub, logger)
	jan := janitor.New(s, jobBroker, workerRegistry, janitor.Config{
		SweepInterval: time.Duration(cfg.SweepIntervalSeconds) * time.Second,
		StaleAge:      time.Duration(cfg.StaleAgeHours) * time.Hour,
	}, logger)

	go func() {
		if err := bus.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("event bus stopped unexpectedly", "err", err)
		}
	}()
	go router.Run(ctx, bus.Events())
	go jan.Run(ctx)

	r := httpx.NewRouter(httpx.Deps{
		Store:    s,
		Broker:   jobBroker,
		Registry: workerRegistry,
		Hub:      hub,
		Janitor:  jan,
		Prom:     prom,
		Cfg:      cfg,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// WriteTimeout is intentionally unset: websocket/SSE connections are
		// long-lived and a fixed write deadline would sever them.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server graceful shutdown failed", "err", err)
		_ = srv.Close()
	} else {
		logger.Info("server stopped gracefully")
	}
}
