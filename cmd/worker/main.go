package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"CertMailer/internal/config"
	"CertMailer/internal/mailer"
	"CertMailer/internal/metrics"
	"CertMailer/internal/models"
	"CertMailer/internal/queue"
	"CertMailer/internal/ratelimit"
	"CertMailer/internal/render"
	"CertMailer/internal/vault"
	"CertMailer/internal/worker"
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
	var vlt *vault.Vault
	if cfg.EncryptionKey != "" {
		vlt, err = vault.New(cfg.EncryptionKey)
	} else {
		logger.Warn("ENCRYPTION_KEY not set, using a random key; bundles encrypted by other processes cannot be decrypted")
		vlt, err = vault.NewRandom()
	}
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
	// Queue
	// ------------------------------------------------
	q := queue.New(rdb, logger,
		cfg.MaxAttempts,
		time.Duration(cfg.BackoffBaseMS)*time.Millisecond,
		time.Duration(cfg.BatchTTLHours)*time.Hour,
	)

	go q.RunPromoter(ctx, 250*time.Millisecond)

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if depth, err := q.Depth(ctx); err == nil {
					metrics.QueueDepth.Set(float64(depth))
				}
			}
		}
	}()

	// ------------------------------------------------
	// Mail Providers
	// ------------------------------------------------
	providers := map[string]mailer.Provider{
		models.ProviderSMTP: mailer.NewSMTPProvider(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom),
	}
	if cfg.GoogleClientID != "" {
		providers[models.ProviderGmail] = mailer.NewGmailProvider(cfg.GoogleClientID, cfg.GoogleClientSecret)
	}
	if cfg.OutlookClientID != "" {
		providers[models.ProviderOutlook] = mailer.NewOutlookProvider(cfg.OutlookClientID, cfg.OutlookClientSecret, cfg.OutlookTokenURL)
	}

	// ------------------------------------------------
	// Rate Limiter
	// ------------------------------------------------
	// The provider's rate limit spans every worker process, so the shared
	// Redis limiter is the default; the local one is for single-process runs.
	window := time.Duration(cfg.RateLimitWindowMS) * time.Millisecond
	var limiter ratelimit.Limiter
	if cfg.RateLimitShared {
		limiter = ratelimit.NewRedis(rdb, "ratelimit:dispatch", cfg.RateLimitMax, window)
	} else {
		limiter = ratelimit.NewLocal(cfg.RateLimitMax, window)
	}

	// ------------------------------------------------
	// Worker Pool
	// ------------------------------------------------
	var wg sync.WaitGroup

	pool := &worker.Pool{
		Queue:     q,
		Vault:     vlt,
		Renderer:  render.New(cfg.PageWidth, cfg.PageHeight),
		Providers: providers,
		Limiter:   limiter,
		Log:       logger,
	}
	pool.Start(ctx, &wg, cfg.WorkerCount)

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down workers...")

	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("worker shutdown complete")
}
