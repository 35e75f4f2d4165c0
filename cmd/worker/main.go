package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/voxmux/voxmux/internal/artifact"
	"github.com/voxmux/voxmux/internal/config"
	"github.com/voxmux/voxmux/internal/pipeline"
	"github.com/voxmux/voxmux/internal/queue"
	"github.com/voxmux/voxmux/internal/telemetry"
	"github.com/voxmux/voxmux/internal/transcoder"
	"github.com/voxmux/voxmux/internal/transcription"
	"github.com/voxmux/voxmux/internal/webhook"
	"github.com/voxmux/voxmux/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "voxmux-worker",
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

	ffmpeg := transcoder.New(transcoder.Config{
		FFmpegPath:  cfg.Transcoder.FFmpegPath,
		FFprobePath: cfg.Transcoder.FFprobePath,
		Timeout:     cfg.Transcoder.Timeout,
	})

	transcriber, err := transcription.NewClient(transcription.Config{
		Endpoint:       cfg.Transcription.Endpoint,
		APIKey:         cfg.Transcription.APIKey,
		Model:          cfg.Transcription.Model,
		BaseTimeout:    cfg.Transcription.BaseTimeout,
		TimeoutCeiling: cfg.Transcription.TimeoutCeiling,
	})
	if err != nil {
		logger.Fatalf("build transcription client: %v", err)
	}

	executor, err := pipeline.NewExecutor(logger, q, store, ffmpeg, transcriber, pipeline.Options{
		ScratchDir:             cfg.Worker.ScratchDir,
		TranscriptionRetries:   cfg.Transcription.Retries,
		TranscriptionRetryWait: cfg.Transcription.RetryWait,
	})
	if err != nil {
		logger.Fatalf("build pipeline executor: %v", err)
	}

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
	})

	srv, err := worker.NewServer(logger, q, executor, webhookClient, worker.Config{
		Concurrency:   cfg.Worker.Concurrency,
		MaxActiveJobs: cfg.Worker.MaxActiveJobs,
		PollInterval:  cfg.Worker.PollInterval,
		JobTimeout:    cfg.Worker.JobTimeout,
	})
	if err != nil {
		logger.Fatalf("build worker: %v", err)
	}

	if cfg.Worker.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("GET /metrics", srv.MetricsHandler())
			if err := http.ListenAndServe(cfg.Worker.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
				logger.Printf("metrics server failed: %v", err)
			}
		}()
	}

	logger.Printf(
		"starting worker concurrency=%d max_active_jobs=%d queue_driver=%s",
		cfg.Worker.Concurrency,
		cfg.Worker.MaxActiveJobs,
		cfg.Queue.Driver,
	)

	if err := srv.Run(ctx); err != nil {
		logger.Fatalf("worker failed: %v", err)
	}
	logger.Println("worker stopped")
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
