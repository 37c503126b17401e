package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/stateledger/internal/app"
	"github.com/jmerrifield20/stateledger/internal/handler"
	"github.com/jmerrifield20/stateledger/internal/health"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Configuration ────────────────────────────────────────────────────────
	v := viper.GetViper()
	if err := app.Load(v, "ledgerd", os.Getenv("LEDGERD_CONFIG"), logger); err != nil {
		return err
	}

	// ── Ledger ───────────────────────────────────────────────────────────────
	l, err := app.Open(ctx, v, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	l.Hooks.SetMetricsRecorder(handler.RecordWebhookDelivery)

	// ── Integrity checker ────────────────────────────────────────────────────
	checker := health.New(l.Service, health.Config{
		CheckInterval: v.GetDuration("ledgerd.check_interval"),
		FailThreshold: v.GetInt("ledgerd.check_fail_threshold"),
	}, logger)
	checker.SetMetricsRecord(handler.RecordChainCheck)
	checker.SetDispatch(l.Hooks.Dispatch)

	// Failures are logged and counted; the daemon still starts so operators
	// can inspect the damage.
	if v.GetBool("ledgerd.verify_on_start") {
		if _, err := checker.CheckAll(ctx); err != nil {
			logger.Warn("startup chain verification aborted", zap.Error(err))
		}
	}
	if v.GetDuration("ledgerd.check_interval") > 0 {
		go checker.Start(ctx)
	}

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := v.GetStringSlice("ledgerd.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	if rps := v.GetInt("ledgerd.rate_limit_rps"); rps > 0 {
		router.Use(handler.RateLimiter(ctx, rps, rps*2))
	}
	router.Use(handler.PrometheusMiddleware())
	router.Use(handler.RequestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		if err := l.Pool.Ping(c.Request.Context()); err != nil {
			logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "failing_contexts": checker.Failing()})
	})
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	handler.NewLedgerHandler(l.Service, logger).Register(v1)

	port := v.GetInt("ledgerd.port")
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ledgerd HTTP listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http listen: %w", err)
	}
	logger.Info("shutting down ledgerd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("ledgerd stopped")
	return nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
