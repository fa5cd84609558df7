// Package worker implements the refresh pipeline execution loop.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prismnote/aggregator/internal/feed"
	"github.com/prismnote/aggregator/internal/metrics"
	"github.com/prismnote/aggregator/internal/pipeline"
)

// Config controls Worker behavior.
type Config struct {
	MaxItemsPerSource int
	SourceConcurrency int
	Topic             string
}

// Worker consumes queue tasks and executes the aggregation pipeline:
// feed fetch, parse, per-item content fetch, analysis, and persistence.
type Worker struct {
	queue     pipeline.Queue
	jobs      pipeline.JobStore
	sources   pipeline.SourceRegistry
	items     pipeline.ItemStore
	feeds     pipeline.FeedFetcher
	parser    pipeline.FeedParser
	content   pipeline.ContentFetcher
	analyzer  pipeline.Analyzer
	publisher pipeline.Publisher
	clock     pipeline.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue pipeline.Queue,
	jobs pipeline.JobStore,
	sources pipeline.SourceRegistry,
	items pipeline.ItemStore,
	feeds pipeline.FeedFetcher,
	parser pipeline.FeedParser,
	content pipeline.ContentFetcher,
	analyzer pipeline.Analyzer,
	publisher pipeline.Publisher,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.MaxItemsPerSource <= 0 {
		cfg.MaxItemsPerSource = 20
	}
	if cfg.SourceConcurrency <= 0 {
		cfg.SourceConcurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		jobs:      jobs,
		sources:   sources,
		items:     items,
		feeds:     feeds,
		parser:    parser,
		content:   content,
		analyzer:  analyzer,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue tasks until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task",
			zap.String("kind", string(task.Kind)),
			zap.String("job_id", task.JobID),
			zap.String("item_id", task.ItemID),
		)

		metrics.IncActiveWorkers()
		switch task.Kind {
		case pipeline.TaskReanalyze:
			w.processReanalyze(ctx, task)
		default:
			w.processRefresh(ctx, task)
		}
		metrics.DecActiveWorkers()
	}
}

// processRefresh runs one refresh job end to end. Per-source and per-item
// failures become failure records on the job; only an inability to run the
// pipeline at all marks the job failed.
func (w *Worker) processRefresh(ctx context.Context, task pipeline.QueueItem) {
	if err := w.jobs.MarkRunning(ctx, task.JobID, w.clock.Now()); err != nil {
		w.logger.Error("mark job running failed", zap.String("job_id", task.JobID), zap.Error(err))
		return
	}

	sources, err := w.resolveSources(ctx, task)
	if err != nil {
		w.completeJob(ctx, task.JobID, pipeline.JobStatusFailed, err.Error())
		return
	}
	if err := w.jobs.SetTotalSources(ctx, task.JobID, len(sources)); err != nil {
		w.logger.Error("set total sources failed", zap.String("job_id", task.JobID), zap.Error(err))
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(w.cfg.SourceConcurrency)
	for _, src := range sources {
		src := src
		group.Go(func() error {
			w.processSource(groupCtx, task.JobID, src)
			return nil
		})
	}
	_ = group.Wait()

	if ctx.Err() != nil {
		w.completeJob(ctx, task.JobID, pipeline.JobStatusFailed, "shutdown before completion")
		return
	}
	w.completeJob(ctx, task.JobID, pipeline.JobStatusSucceeded, "")
}

func (w *Worker) completeJob(ctx context.Context, jobID string, status pipeline.JobStatus, errMsg string) {
	// Completion must land even when the run context is gone.
	if err := w.jobs.CompleteJob(context.WithoutCancel(ctx), jobID, status, errMsg, w.clock.Now()); err != nil {
		w.logger.Error("complete job failed",
			zap.String("job_id", jobID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return
	}
	metrics.ObserveJob(string(status))
	w.logger.Info("job finished", zap.String("job_id", jobID), zap.String("status", string(status)))
}

func (w *Worker) resolveSources(ctx context.Context, task pipeline.QueueItem) ([]pipeline.Source, error) {
	if task.Scope == pipeline.JobScopeSource {
		// An explicit source scope may target an inactive source; only the
		// "all" scope filters on the active flag.
		src, err := w.sources.GetSource(ctx, task.SourceID)
		if err != nil {
			return nil, fmt.Errorf("resolve source %s: %w", task.SourceID, err)
		}
		return []pipeline.Source{src}, nil
	}
	sources, err := w.sources.ActiveSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active sources: %w", err)
	}
	return sources, nil
}

// processSource fetches and parses one feed, then walks its entries in feed
// order. Items run sequentially inside a source; sources run concurrently.
func (w *Worker) processSource(ctx context.Context, jobID string, src pipeline.Source) {
	start := w.clock.Now()
	raw, err := w.feeds.Fetch(ctx, src.FeedURL)
	metrics.ObserveStageDuration(string(pipeline.StageFeedFetch), w.clock.Now().Sub(start))
	if err != nil {
		w.recordFailure(ctx, jobID, src, "", src.FeedURL, err, w.clock.Now().Sub(start))
		return
	}

	entries, err := w.parser.Parse(raw)
	if err != nil {
		w.recordFailure(ctx, jobID, src, "", src.FeedURL, err, 0)
		return
	}
	selected := feed.SelectEntries(entries, src, w.cfg.MaxItemsPerSource)
	if len(selected) == 0 {
		w.recordFailure(ctx, jobID, src, "", src.FeedURL, pipeline.NewStageError(
			pipeline.StageFeedParse, "NoUsableEntries", false,
			fmt.Errorf("feed for %s yielded no usable entries", src.Slug)), 0)
		return
	}

	for _, entry := range selected {
		if ctx.Err() != nil {
			return
		}
		if w.processItem(ctx, jobID, src, entry) {
			w.addCounts(ctx, jobID, 1, 0)
			metrics.ObserveItem("refreshed")
		} else {
			w.addCounts(ctx, jobID, 0, 1)
			metrics.ObserveItem("failed")
		}
	}
}

func (w *Worker) addCounts(ctx context.Context, jobID string, refreshed, failed int) {
	if err := w.jobs.AddCounts(ctx, jobID, refreshed, failed); err != nil {
		w.logger.Error("add job counts failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// processItem runs one entry through upsert, content fetch, analysis, and
// persistence. It reports whether the item counts as refreshed.
func (w *Worker) processItem(ctx context.Context, jobID string, src pipeline.Source, entry pipeline.FeedEntry) bool {
	item, err := w.items.UpsertItem(ctx, pipeline.ItemUpsert{
		SourceID:      src.ID,
		SourceURL:     entry.URL,
		NormalizedURL: entry.URL,
		SourceDomain:  src.SourceDomain,
		SourceTitle:   entry.Title,
		PublishedAt:   entry.PublishedAt,
		Tags:          []string{src.Slug},
	})
	if err != nil {
		w.recordFailure(ctx, jobID, src, "", entry.URL, pipeline.NewStageError(
			pipeline.StageDBWrite, "StorageError", true, err), 0)
		return false
	}

	if item.AnalysisStatus == pipeline.AnalysisSucceeded {
		// Already analyzed; discovery metadata was refreshed by the upsert.
		return true
	}
	if item.AnalysisStatus == pipeline.AnalysisRunning {
		w.logger.Debug("item already running, skipping",
			zap.String("job_id", jobID),
			zap.String("item_id", item.ID),
		)
		return true
	}

	if err := w.items.SetStatus(ctx, item.ID, pipeline.AnalysisRunning, ""); err != nil {
		w.recordFailure(ctx, jobID, src, item.ID, entry.URL, pipeline.NewStageError(
			pipeline.StageDBWrite, "StorageError", true, err), 0)
		return false
	}

	started := w.clock.Now()
	if err := w.analyzeItem(ctx, src, item, entry.URL); err != nil {
		w.recordItemFailure(ctx, jobID, src, item, entry.URL, err, w.clock.Now().Sub(started))
		return false
	}
	return true
}

// analyzeItem runs content fetch, analysis, persistence, and the advisory
// event publish for one item whose status is already running.
func (w *Worker) analyzeItem(ctx context.Context, src pipeline.Source, item pipeline.AggregateItem, url string) error {
	started := w.clock.Now()

	doc, err := w.content.Fetch(ctx, url)
	metrics.ObserveStageDuration(string(pipeline.StageContentFetch), w.clock.Now().Sub(started))
	if err != nil {
		return err
	}

	analysisStart := w.clock.Now()
	analysis, err := w.analyzer.Analyze(ctx, pipeline.AnalysisInput{
		SourceURL:    url,
		SourceDomain: src.SourceDomain,
		SourceTitle:  firstNonEmpty(item.SourceTitle, doc.Title),
		SourceSlug:   src.Slug,
		Content:      doc.Text,
	})
	metrics.ObserveStageDuration(string(pipeline.StageLLMRequest), w.clock.Now().Sub(analysisStart))
	if err != nil {
		return err
	}

	now := w.clock.Now()
	analysis.Tags = withSlugTag(analysis.Tags, src.Slug)
	result := pipeline.AnalysisResult{
		ItemID:        item.ID,
		Status:        pipeline.AnalysisSucceeded,
		Title:         firstNonEmpty(analysis.Title, doc.Title, item.SourceTitle),
		SummaryShort:  analysis.SummaryShort,
		SummaryLong:   analysis.SummaryLong,
		Tags:          analysis.Tags,
		ModelProvider: analysis.ModelProvider,
		ModelName:     analysis.ModelName,
		ModelVersion:  analysis.ModelVersion,
		AnalyzedAt:    now,
		ElapsedMs:     now.Sub(started).Milliseconds(),
	}
	if err := w.items.RecordResult(ctx, result); err != nil {
		// Roll the item back so it is never stranded in running.
		if stErr := w.items.SetStatus(ctx, item.ID, pipeline.AnalysisFailed, "result write failed"); stErr != nil {
			w.logger.Error("item rollback failed", zap.String("item_id", item.ID), zap.Error(stErr))
		}
		return pipeline.NewStageError(pipeline.StageDBWrite, "StorageError", true, err)
	}

	w.publishAnalyzed(ctx, src, item, url, analysis, now)
	return nil
}

// withSlugTag keeps the source slug present in an item's tags, falling back
// to just the slug when the model produced none.
func withSlugTag(tags []string, slug string) []string {
	if slug == "" {
		return tags
	}
	for _, tag := range tags {
		if tag == slug {
			return tags
		}
	}
	return append(append([]string(nil), tags...), slug)
}

// recordItemFailure persists a failed analysis result and attaches the
// failure to the job.
func (w *Worker) recordItemFailure(ctx context.Context, jobID string, src pipeline.Source, item pipeline.AggregateItem, url string, cause error, elapsed time.Duration) {
	now := w.clock.Now()
	failure := pipeline.Failure(cause, elapsed, now)

	result := pipeline.AnalysisResult{
		ItemID:       item.ID,
		Status:       pipeline.AnalysisFailed,
		AnalyzedAt:   now,
		ElapsedMs:    elapsed.Milliseconds(),
		ErrorCode:    string(failure.Stage),
		ErrorMessage: failure.ErrorMessage,
	}
	if err := w.items.RecordResult(ctx, result); err != nil {
		w.logger.Error("record failed result", zap.String("item_id", item.ID), zap.Error(err))
		if stErr := w.items.SetStatus(ctx, item.ID, pipeline.AnalysisFailed, failure.ErrorMessage); stErr != nil {
			w.logger.Error("item rollback failed", zap.String("item_id", item.ID), zap.Error(stErr))
		}
	}
	w.recordFailure(ctx, jobID, src, item.ID, url, cause, elapsed)
}

// recordFailure classifies an error and appends it to the job record.
func (w *Worker) recordFailure(ctx context.Context, jobID string, src pipeline.Source, itemID, url string, cause error, elapsed time.Duration) {
	failure := pipeline.Failure(cause, elapsed, w.clock.Now())
	failure.SourceID = src.ID
	failure.SourceSlug = src.Slug
	failure.ItemID = itemID
	failure.SourceURL = url

	metrics.ObserveStageFailure(string(failure.Stage), failure.Retryable)
	w.logger.Warn("pipeline failure",
		zap.String("job_id", jobID),
		zap.String("source", src.Slug),
		zap.String("stage", string(failure.Stage)),
		zap.String("class", failure.ErrorClass),
		zap.Bool("retryable", failure.Retryable),
		zap.String("url", url),
	)

	if err := w.jobs.AppendFailure(context.WithoutCancel(ctx), jobID, failure); err != nil {
		w.logger.Error("append failure record", zap.String("job_id", jobID), zap.Error(err))
	}
}

// processReanalyze re-runs content fetch and analysis for a single existing
// item, appending a fresh result. Items currently running are left alone.
func (w *Worker) processReanalyze(ctx context.Context, task pipeline.QueueItem) {
	item, err := w.items.GetItem(ctx, task.ItemID)
	if err != nil {
		w.logger.Error("reanalyze item lookup failed", zap.String("item_id", task.ItemID), zap.Error(err))
		return
	}
	if item.AnalysisStatus == pipeline.AnalysisRunning {
		w.logger.Info("item already running, reanalyze skipped", zap.String("item_id", item.ID))
		return
	}

	src, err := w.sources.GetSource(ctx, item.SourceID)
	if err != nil {
		// Keep going with what the item row carries.
		src = pipeline.Source{ID: item.SourceID, SourceDomain: item.SourceDomain}
	}

	if err := w.items.SetStatus(ctx, item.ID, pipeline.AnalysisRunning, ""); err != nil {
		w.logger.Error("mark item running failed", zap.String("item_id", item.ID), zap.Error(err))
		return
	}

	started := w.clock.Now()
	if err := w.analyzeItem(ctx, src, item, item.SourceURL); err != nil {
		now := w.clock.Now()
		elapsed := now.Sub(started)
		failure := pipeline.Failure(err, elapsed, now)
		metrics.ObserveStageFailure(string(failure.Stage), failure.Retryable)
		if recErr := w.items.RecordResult(ctx, pipeline.AnalysisResult{
			ItemID:       item.ID,
			Status:       pipeline.AnalysisFailed,
			AnalyzedAt:   now,
			ElapsedMs:    elapsed.Milliseconds(),
			ErrorCode:    string(failure.Stage),
			ErrorMessage: failure.ErrorMessage,
		}); recErr != nil {
			w.logger.Error("record failed result", zap.String("item_id", item.ID), zap.Error(recErr))
		}
		metrics.ObserveItem("failed")
		return
	}
	metrics.ObserveItem("reanalyzed")
}

func (w *Worker) publishAnalyzed(ctx context.Context, src pipeline.Source, item pipeline.AggregateItem, url string, analysis pipeline.Analysis, analyzedAt time.Time) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	payload := map[string]any{
		"item_id":     item.ID,
		"source_id":   src.ID,
		"source_slug": src.Slug,
		"url":         url,
		"analyzed_at": analyzedAt.UTC().Format(time.RFC3339),
		"tags":        analysis.Tags,
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		// Events are advisory; the item stays succeeded.
		w.logger.Warn("publish analyzed event failed", zap.String("item_id", item.ID), zap.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
