package pipeline

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by store implementations.
var (
	ErrJobNotFound    = errors.New("job not found")
	ErrSourceNotFound = errors.New("source not found")
	ErrItemNotFound   = errors.New("item not found")
	ErrBadTransition  = errors.New("illegal analysis status transition")
)

// JobStore persists job metadata. The job record is mutated only by the
// worker executing it; terminal status is written at most once.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	MarkRunning(ctx context.Context, jobID string, startedAt time.Time) error
	SetTotalSources(ctx context.Context, jobID string, total int) error
	AddCounts(ctx context.Context, jobID string, refreshed, failed int) error
	AppendFailure(ctx context.Context, jobID string, failure FailureRecord) error
	CompleteJob(ctx context.Context, jobID string, status JobStatus, errMsg string, finishedAt time.Time) error
	GetJob(ctx context.Context, jobID string) (Job, error)
}

// SourceRegistry reads feed sources owned by admin CRUD.
type SourceRegistry interface {
	// ActiveSources returns active, non-deleted sources ordered by slug.
	ActiveSources(ctx context.Context) ([]Source, error)
	// GetSource returns a source by id regardless of its active/deleted flags.
	GetSource(ctx context.Context, id string) (Source, error)
}

// ItemUpsert carries the dedup key and discovery metadata for an item write.
type ItemUpsert struct {
	SourceID      string
	SourceURL     string
	NormalizedURL string
	SourceDomain  string
	SourceTitle   string
	PublishedAt   *time.Time
	Tags          []string
}

// ItemStore persists aggregate items and their analysis history.
type ItemStore interface {
	// UpsertItem inserts or updates by (source_id, normalized_url); the
	// normalized URL never yields two rows.
	UpsertItem(ctx context.Context, up ItemUpsert) (AggregateItem, error)
	GetItem(ctx context.Context, itemID string) (AggregateItem, error)
	// SetStatus enforces pending|failed -> running -> succeeded|failed.
	SetStatus(ctx context.Context, itemID string, status AnalysisStatus, analysisErr string) error
	// RecordResult appends one analysis attempt and syncs the owning item's
	// status, error, and (on success) title/tags/published_at.
	RecordResult(ctx context.Context, result AnalysisResult) error
	LatestResult(ctx context.Context, itemID string) (AnalysisResult, error)
	ListResults(ctx context.Context, itemID string) ([]AnalysisResult, error)
}

// FeedFetcher retrieves a raw feed payload.
type FeedFetcher interface {
	Fetch(ctx context.Context, feedURL string) ([]byte, error)
}

// FeedParser turns a raw payload into ordered candidate entries.
type FeedParser interface {
	Parse(raw []byte) ([]FeedEntry, error)
}

// ContentFetcher retrieves an item URL and extracts its readable text.
type ContentFetcher interface {
	Fetch(ctx context.Context, itemURL string) (Document, error)
}

// Analyzer calls the language-model backend and validates its output.
type Analyzer interface {
	Analyze(ctx context.Context, input AnalysisInput) (Analysis, error)
}

// Publisher pushes item-analyzed events downstream. Events are advisory;
// publish failures never fail the item.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for pipeline work.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job/item/result IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
