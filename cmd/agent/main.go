package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/frameagent/frameagent/internal/analysis"
	"github.com/frameagent/frameagent/internal/api"
	"github.com/frameagent/frameagent/internal/artifacts"
	"github.com/frameagent/frameagent/internal/config"
	"github.com/frameagent/frameagent/internal/db"
	"github.com/frameagent/frameagent/internal/ffmpeg"
	"github.com/frameagent/frameagent/internal/frames"
	"github.com/frameagent/frameagent/internal/gemini"
	"github.com/frameagent/frameagent/internal/jobs"
	"github.com/frameagent/frameagent/internal/logging"
	"github.com/frameagent/frameagent/internal/metrics"
	"github.com/frameagent/frameagent/internal/source"
	"github.com/frameagent/frameagent/internal/tracing"
	"github.com/frameagent/frameagent/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	if err := config.LoadDotEnv(); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.WorkDir(), 0755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel(), cfg.LogFormat())
	logger.Info("starting frame agent",
		"version", config.Version,
		"data_dir", logging.SanitizePath(cfg.DataDir()),
		"model", cfg.GeminiModel(),
		"webhook", logging.SanitizeURL(cfg.WebhookURL()),
		"stride", cfg.SamplerStride(),
		"max_concurrent_jobs", cfg.MaxConcurrentJobs(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.InitTracer(ctx, cfg.OTLPEndpoint(), config.Version)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	if tp != nil {
		logger.Info("tracing enabled", "endpoint", logging.SanitizeURL(cfg.OTLPEndpoint()))
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			tp.Shutdown(shutdownCtx)
		}()
	}

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := jobs.NewRepository(database.Conn())

	decoder, err := ffmpeg.New(ffmpeg.Config{
		FFmpegPath:  cfg.FFmpegPath(),
		FFprobePath: cfg.FFprobePath(),
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to locate ffmpeg: %w", err)
	}
	if v, err := decoder.Version(ctx); err != nil {
		logger.Warn("ffmpeg version check failed", "error", err)
	} else {
		logger.Info("ffmpeg detected", "version", v)
	}

	sampler, err := frames.NewSampler(decoder, frames.SamplerConfig{
		Stride:  cfg.SamplerStride(),
		Quality: cfg.JPEGQuality(),
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create sampler: %w", err)
	}

	genClient, err := gemini.New(ctx, cfg.GeminiAPIKey(), cfg.GeminiModel(), logger)
	if err != nil {
		return fmt.Errorf("failed to create gemini client: %w", err)
	}
	defer genClient.Close()

	pipeline := jobs.NewPipeline(jobs.PipelineConfig{
		Resolver:      source.NewResolver(cfg.HTTPTimeout(), logger),
		Sampler:       sampler,
		Uploader:      analysis.NewUploader(genClient, logger),
		Requester:     analysis.NewRequester(genClient, cfg.EndMarker(), logger),
		Dispatcher:    webhook.NewDispatcher(cfg.WebhookURL(), cfg.HTTPTimeout(), logger),
		Repo:          repo,
		WorkDir:       cfg.WorkDir(),
		KeepArtifacts: cfg.KeepArtifacts(),
		Logger:        logger,
	})

	// Tasks run on a context that is never cancelled; they are not drained on
	// shutdown and the ledger marks them interrupted on the next start.
	onComplete := func(t *jobs.Task) {
		logging.WithJob(logger, t.JobID, t.RecordID).Debug("task finished", "state", t.State())
	}
	runner := jobs.NewRunner(context.Background(), pipeline, repo, jobs.RunnerConfig{
		MaxConcurrent: cfg.MaxConcurrentJobs(),
		OnComplete:    onComplete,
		Logger:        logger,
	})

	var frameStore api.ArtifactStore
	if cfg.KeepArtifacts() {
		frameStore = artifacts.NewStore(cfg.WorkDir(), logger)
	}

	apiServer := api.NewServer(api.ServerConfig{
		BindAddr:       cfg.BindAddr(),
		Port:           cfg.Port(),
		Submitter:      runner,
		Jobs:           repo,
		DefaultPrompt:  cfg.DefaultPrompt(),
		Artifacts:      frameStore,
		MetricsHandler: metrics.Handler(),
		Logger:         logger,
		StartTime:      startTime,
		Version:        config.Version,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown", "active_jobs", runner.Active())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
