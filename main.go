package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fraudflow/config"
	"fraudflow/internal/batch"
	"fraudflow/internal/cache"
	"fraudflow/internal/channel"
	"fraudflow/internal/feature"
	"fraudflow/internal/history"
	"fraudflow/internal/metrics"
	"fraudflow/internal/optimizer"
	"fraudflow/internal/pipeline"
	"fraudflow/internal/recovery"
	"fraudflow/internal/scorer"
	"fraudflow/logger"
	"fraudflow/models"
	"fraudflow/reader"
	"fraudflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	replayPath := flag.String("replay", "", "Path to a JSON file of transactions to replay instead of streaming")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Fraudflow.Name,
		"version":     cfg.Fraudflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting fraudflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(
		cfg.Channels.RawBuffer,
		cfg.Channels.ResultBuffer,
	)

	go channels.StartMetricsReporting(ctx)

	store := history.NewStore()
	features := feature.NewProcessor(store, cfg.Features.LookbackDays)

	cacheStore, err := buildCache(cfg)
	if err != nil {
		log.WithError(err).Error("failed to initialize cache backend")
		os.Exit(1)
	}
	defer cacheStore.Close()

	httpScorer := scorer.NewHTTPScorer(cfg.Scorer.URL, cfg.Scorer.Timeout)

	opt := optimizer.New(
		optimizer.Limits{
			CPUHighPercent:    cfg.Optimizer.CPUHighPercent,
			MemoryHighPercent: cfg.Optimizer.MemoryHighPercent,
			BatchSizeMin:      cfg.Optimizer.BatchSizeMin,
			BatchSizeMax:      cfg.Optimizer.BatchSizeMax,
			WorkerCountMin:    cfg.Optimizer.WorkerCountMin,
			WorkerCountMax:    cfg.Optimizer.WorkerCountMax,
		},
		optimizer.State{
			BatchSize:   cfg.Optimizer.InitialBatchSize,
			WorkerCount: cfg.Optimizer.InitialWorkers,
		},
		nil,
		cfg.Optimizer.Interval,
	)
	opt.Start(ctx)

	collector := metrics.NewCollector()
	if cfg.Metrics.Enabled {
		collector.Serve(ctx, cfg.Metrics.Addr)
		collector.StartSystemSampling(ctx, cfg.Metrics.SampleInterval)
	}

	coordinator := recovery.NewCoordinator(
		recovery.Config{
			MaxConnectionAttempts: cfg.Recovery.MaxConnectionAttempts,
			ConnectionBaseDelay:   cfg.Recovery.ConnectionBaseDelay,
			TimeoutMultiplier:     cfg.Recovery.TimeoutMultiplier,
		},
		recovery.Actions{
			Reconnect:     probeDependencies(cfg.Scorer.URL, cacheStore),
			ExtendTimeout: httpScorer.ExtendTimeout,
			FreeMemory: func() bool {
				evicted := features.EvictExpired(time.Now())
				runtime.GC()
				log.WithComponent("recovery").WithFields(logger.Fields{
					"evicted_entries": evicted,
				}).Info("reclaimed memory")
				return true
			},
			ReduceLoad: opt.ReduceLoad,
			RecoverCorruptData: func(fc recovery.Failure) bool {
				// Corrupt records are quarantined by skipping them.
				log.WithComponent("recovery").WithError(fc.Err).Warn("corrupt data skipped")
				return true
			},
			RecoverMissingData: func(fc recovery.Failure) bool {
				log.WithComponent("recovery").WithError(fc.Err).Warn("missing data defaulted")
				return true
			},
		},
	)

	orchestrator := pipeline.NewOrchestrator(
		pipeline.Config{
			PredictionTTL:    cfg.Cache.PredictionTTL,
			ProfileTTL:       cfg.Cache.ProfileTTL,
			EvictionInterval: cfg.Pipeline.EvictionInterval,
		},
		pipeline.Deps{
			Features:  features,
			Cache:     cacheStore,
			Scorer:    httpScorer,
			Optimizer: opt,
			Recovery:  coordinator,
			Metrics:   collector,
			Channels:  channels,
		},
	)

	if *replayPath != "" {
		runReplay(ctx, log, *replayPath, orchestrator, opt)
		opt.Stop()
		return
	}

	var archiveWriter *writer.ArchiveWriter

	if cfg.Storage.S3.Enabled {
		archiveWriter, err = writer.NewArchiveWriter(writer.Config{
			Bucket:          cfg.Storage.S3.Bucket,
			Region:          cfg.Storage.S3.Region,
			Endpoint:        cfg.Storage.S3.Endpoint,
			PathStyle:       cfg.Storage.S3.PathStyle,
			AccessKeyID:     cfg.Storage.S3.AccessKeyID,
			SecretAccessKey: cfg.Storage.S3.SecretAccessKey,
			Compression:     cfg.Writer.Compression,
			FlushInterval:   cfg.Writer.FlushInterval,
			AppVersion:      cfg.Fraudflow.Version,
		}, channels.Results)
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; results are not archived")
		go drainResults(ctx, channels)
	}

	ingestReader := reader.NewIngest(reader.Config{
		URL:               cfg.Ingest.URL,
		Source:            cfg.Ingest.Source,
		RequestsPerSecond: cfg.Ingest.RateLimit.RequestsPerSecond,
		BurstSize:         cfg.Ingest.RateLimit.BurstSize,
		ReconnectDelay:    cfg.Ingest.ReconnectDelay,
	}, channels)

	ingestCtx, ingestCancel := context.WithCancel(ctx)
	defer ingestCancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := orchestrator.Start(ctx); err != nil {
			log.WithError(err).Warn("orchestrator failed to start")
		}
	}()

	if archiveWriter != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := archiveWriter.Start(ctx); err != nil {
				log.WithError(err).Warn("archive writer failed to start")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ingestReader.Start(ingestCtx); err != nil {
			log.WithError(err).Warn("ingest reader failed to start")
		}
	}()

	time.Sleep(2 * time.Second)
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	// Intake stops first so in-flight transactions drain through the pipeline
	// and the archive flushes before anything else is torn down.
	log.Info("stopping ingest reader")
	ingestCancel()
	ingestReader.Stop()
	channels.CloseRaw()

	log.Info("stopping orchestrator")
	orchestrator.Stop()
	channels.CloseResults()

	if archiveWriter != nil {
		log.Info("stopping archive writer")
		archiveWriter.Stop()
	}

	opt.Stop()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("fraudflow stopped")
}

// buildCache selects the configured cache backend.
func buildCache(cfg *config.Config) (cache.Store, error) {
	if cfg.Cache.Backend == "redis" {
		return cache.NewRedisStore(cfg.Cache.RedisURL, os.Getenv("REDIS_PASSWORD"))
	}
	return cache.NewMemoryStore(), nil
}

// probeDependencies builds the reconnect hook for the recovery coordinator:
// the scoring endpoint must answer, and so must Redis when it is the cache
// backend.
func probeDependencies(scorerURL string, store cache.Store) func(ctx context.Context) error {
	client := &http.Client{Timeout: 5 * time.Second}

	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, scorerURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()

		if redisStore, ok := store.(*cache.RedisStore); ok {
			return redisStore.Ping(ctx)
		}
		return nil
	}
}

// drainResults consumes the result channel when no archive writer is
// configured so the pipeline never stalls on a full buffer.
func drainResults(ctx context.Context, channels *channel.Channels) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-channels.Results:
			if !ok {
				return
			}
		}
	}
}

// runReplay pushes a historical transaction file through the pipeline in
// optimizer-sized chunks and logs the aggregate outcome.
func runReplay(ctx context.Context, log *logger.Log, path string, orchestrator *pipeline.Orchestrator, opt *optimizer.Optimizer) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.WithError(err).Error("failed to read replay file")
		os.Exit(1)
	}

	var txs []models.Transaction
	if err := json.Unmarshal(data, &txs); err != nil {
		log.WithError(err).Error("failed to parse replay file")
		os.Exit(1)
	}

	summary := batch.NewProcessor(orchestrator, opt).Replay(ctx, txs)
	log.WithComponent("main").WithFields(logger.Fields{
		"run_id":       summary.RunID,
		"total":        summary.Total,
		"succeeded":    summary.Succeeded,
		"failed":       summary.Failed,
		"flagged":      summary.Flagged,
		"avg_duration": summary.AvgDuration.String(),
	}).Info("replay completed")
}
