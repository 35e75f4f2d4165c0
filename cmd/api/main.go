package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/voxmux/voxmux/internal/api"
	"github.com/voxmux/voxmux/internal/artifact"
	"github.com/voxmux/voxmux/internal/config"
	"github.com/voxmux/voxmux/internal/queue"
	"github.com/voxmux/voxmux/internal/ratelimit"
	"github.com/voxmux/voxmux/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "voxmux-api",
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatalf("setup tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	q, closeQueue, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		logger.Fatalf("open queue: %v", err)
	}
	defer func() {
		if err := closeQueue(); err != nil {
			logger.Printf("queue close error: %v", err)
		}
	}()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		logger.Fatalf("open artifact store: %v", err)
	}

	var limiter api.RateLimiter
	if cfg.RateLimit.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.RedisAddr,
			Password: cfg.RateLimit.RedisPassword,
			DB:       cfg.RateLimit.RedisDB,
		})
		limiter, err = ratelimit.NewRedisTokenBucket(rdb, cfg.RateLimit.Capacity, cfg.RateLimit.Window, "")
		if err != nil {
			logger.Fatalf("build rate limiter: %v", err)
		}
	}

	app := api.NewServer(logger, q, store, api.Options{
		RateLimiter:    limiter,
		MaxUploadBytes: cfg.API.MaxUploadBytes,
		Tracer:         otel.Tracer("voxmux/api"),
	})

	// No WriteTimeout: range streaming of large artifacts outlives any
	// fixed deadline.
	httpServer := &http.Server{
		Addr:        cfg.API.Addr,
		Handler:     app.Handler(),
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (queue.Queue, func() error, error) {
	policy := queue.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
	}

	switch cfg.Driver {
	case "sqlite":
		q, err := queue.OpenSQLite(ctx, cfg.SQLitePath, policy)
		if err != nil {
			return nil, nil, err
		}
		return q, q.Close, nil
	case "postgres":
		q, err := queue.OpenPostgres(ctx, cfg.PostgresDSN, policy)
		if err != nil {
			return nil, nil, err
		}
		return q, q.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported queue driver: %s", cfg.Driver)
	}
}

func openStore(ctx context.Context, cfg config.StorageConfig) (artifact.Store, error) {
	switch cfg.Backend {
	case "fs":
		return artifact.NewFSStore(cfg.DataDir)
	case "minio":
		store, err := artifact.NewObjectStore(artifact.ObjectConfig{
			Endpoint: cfg.Endpoint,
			Access:   cfg.AccessKey,
			Secret:   cfg.SecretKey,
			Bucket:   cfg.Bucket,
			UseSSL:   cfg.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}
