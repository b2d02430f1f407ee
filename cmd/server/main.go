package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"CertMailer/internal/api"
	"CertMailer/internal/batch"
	"CertMailer/internal/config"
	"CertMailer/internal/metrics"
	"CertMailer/internal/queue"
	"CertMailer/internal/vault"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Redis
	// ------------------------------------------------
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer rdb.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	pingCancel()

	// ------------------------------------------------
	// Vault
	// ------------------------------------------------
	vlt, err := newVault(cfg, logger)
	if err != nil {
		logger.Fatal("vault init failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Queue + Batch Coordinator
	// ------------------------------------------------
	q := queue.New(rdb, logger,
		cfg.MaxAttempts,
		time.Duration(cfg.BackoffBaseMS)*time.Millisecond,
		time.Duration(cfg.BatchTTLHours)*time.Hour,
	)

	coordinator := batch.NewCoordinator(rdb, q, vlt,
		time.Duration(cfg.BatchTTLHours)*time.Hour,
		logger,
	)

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Coordinator: coordinator,
		Log:         logger,
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /send", apiHandler.Send)
	apiMux.HandleFunc("GET /jobs/{batchId}", apiHandler.BatchStatus)

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: apiMux,
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}

// newVault builds the vault from the configured key, falling back to a
// random per-process key for keyless dev runs.
func newVault(cfg *config.Config, logger *zap.Logger) (*vault.Vault, error) {
	if cfg.EncryptionKey != "" {
		return vault.New(cfg.EncryptionKey)
	}
	logger.Warn("ENCRYPTION_KEY not set, using a random key; encrypted bundles will not survive a restart")
	return vault.NewRandom()
}
