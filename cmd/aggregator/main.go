// Package main wires together the aggregator service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/prismnote/aggregator/internal/analysis"
	"github.com/prismnote/aggregator/internal/api"
	"github.com/prismnote/aggregator/internal/clock/system"
	"github.com/prismnote/aggregator/internal/config"
	"github.com/prismnote/aggregator/internal/content"
	"github.com/prismnote/aggregator/internal/dispatcher"
	"github.com/prismnote/aggregator/internal/feed"
	"github.com/prismnote/aggregator/internal/id/uuid"
	"github.com/prismnote/aggregator/internal/logging"
	"github.com/prismnote/aggregator/internal/metrics"
	"github.com/prismnote/aggregator/internal/pipeline"
	memorypublisher "github.com/prismnote/aggregator/internal/publisher/memory"
	gcppublisher "github.com/prismnote/aggregator/internal/publisher/pubsub"
	queuemem "github.com/prismnote/aggregator/internal/queue/memory"
	storemem "github.com/prismnote/aggregator/internal/store/memory"
	storepg "github.com/prismnote/aggregator/internal/store/postgres"
	"github.com/prismnote/aggregator/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	clock := system.New()
	idGen := uuid.NewUUIDGenerator()

	jobs := storemem.NewJobStore(clock,
		storemem.WithRetention(cfg.Pipeline.JobRetention),
		storemem.WithMaxFailures(cfg.Pipeline.MaxJobFailures),
	)

	var (
		items   pipeline.ItemStore
		sources pipeline.SourceRegistry
		pgItems *storepg.ItemStore
	)
	switch cfg.DB.Provider {
	case "postgres":
		pool, poolErr := storepg.NewPool(ctx, storepg.PoolConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxConns),
		})
		if poolErr != nil {
			logger.Fatal("postgres pool init failed", zap.Error(poolErr))
		}
		pgItems, err = storepg.NewItemStore(pool, clock, idGen)
		if err != nil {
			logger.Fatal("item store init failed", zap.Error(err))
		}
		items = pgItems
		sources, err = storepg.NewSourceStore(pool)
		if err != nil {
			logger.Fatal("source store init failed", zap.Error(err))
		}
		logger.Info("using postgres stores", zap.Int("max_conns", cfg.DB.MaxConns))
	default:
		items = storemem.NewItemStore(clock, idGen)
		sources = storemem.NewSourceRegistry()
		logger.Info("using in-memory stores")
	}

	feedFetcher := feed.NewFetcher(feed.FetcherConfig{
		UserAgent:    cfg.Fetch.UserAgent,
		Timeout:      cfg.Fetch.Timeout,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
	}, logger.Named("feed"))
	parser := feed.NewParser()
	contentFetcher := content.NewFetcher(content.FetcherConfig{
		UserAgent:       cfg.Fetch.UserAgent,
		Timeout:         cfg.Fetch.Timeout,
		MaxBodyBytes:    cfg.Fetch.MaxBodyBytes,
		MaxContentChars: cfg.Fetch.MaxContentChars,
	}, logger.Named("content"))

	llmClient, err := analysis.NewClient(analysis.Config{
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		APIKey:        cfg.LLM.APIKey,
		BaseURL:       cfg.LLM.BaseURL,
		Timeout:       cfg.LLM.Timeout,
		MaxRetries:    cfg.LLM.MaxRetries,
		PromptVersion: cfg.LLM.PromptVersion,
	}, logger.Named("llm"))
	if err != nil {
		logger.Fatal("llm client init failed", zap.Error(err))
	}
	engine := analysis.NewEngine(llmClient, logger.Named("analysis"))

	var (
		publisher    pipeline.Publisher
		pubsubClient *gcppubsub.Client
		gcpPublisher *gcppublisher.Publisher
	)
	switch cfg.Publisher.Provider {
	case "pubsub":
		pubsubClient, err = gcppubsub.NewClient(ctx, cfg.Publisher.ProjectID)
		if err != nil {
			logger.Fatal("pubsub client init failed", zap.Error(err))
		}
		gcpPublisher = gcppublisher.New(pubsubClient)
		publisher = gcpPublisher
		logger.Info("pubsub publisher initialized",
			zap.String("project", cfg.Publisher.ProjectID),
			zap.String("topic", cfg.Publisher.Topic),
		)
	default:
		publisher = memorypublisher.New()
		logger.Info("using in-memory publisher")
	}

	queue := queuemem.NewQueue(cfg.Pipeline.QueueDepth)
	workerCfg := worker.Config{
		MaxItemsPerSource: cfg.Pipeline.MaxItemsPerSource,
		SourceConcurrency: cfg.Pipeline.SourceConcurrency,
		Topic:             cfg.Publisher.Topic,
	}
	var workers []*worker.Worker
	for i := 0; i < cfg.Pipeline.WorkerCount; i++ {
		workers = append(workers, worker.New(
			queue,
			jobs,
			sources,
			items,
			feedFetcher,
			parser,
			contentFetcher,
			engine,
			publisher,
			clock,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(queue, workers)

	apiServer := api.NewServer(jobs, items, sources, dispatch, idGen, clock, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("workers", cfg.Pipeline.WorkerCount))
		dispatch.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	if gcpPublisher != nil {
		if err := gcpPublisher.Close(); err != nil {
			logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if pgItems != nil {
		pgItems.Close()
	}
	logger.Info("shutdown complete")
}
