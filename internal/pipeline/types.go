// Package pipeline defines core types shared across subsystems.
package pipeline

import (
	"time"
)

// JobScope selects which sources a refresh job covers.
type JobScope string

// Job scope values accepted at submission.
const (
	JobScopeAll    JobScope = "all"
	JobScopeSource JobScope = "source"
)

// JobStatus represents the lifecycle state of a refresh job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// AnalysisStatus tracks where an item sits in the analysis lifecycle.
type AnalysisStatus string

// Analysis status values persisted on aggregate items.
const (
	AnalysisPending   AnalysisStatus = "pending"
	AnalysisRunning   AnalysisStatus = "running"
	AnalysisSucceeded AnalysisStatus = "succeeded"
	AnalysisFailed    AnalysisStatus = "failed"
)

// Source is a registered feed origin. The pipeline never mutates sources;
// admin CRUD owns them.
type Source struct {
	ID           string     `json:"id"`
	Slug         string     `json:"slug"`
	DisplayName  string     `json:"display_name"`
	SourceDomain string     `json:"source_domain"`
	FeedURL      string     `json:"feed_url"`
	HomepageURL  string     `json:"homepage_url"`
	IsActive     bool       `json:"is_active"`
	IsDeleted    bool       `json:"is_deleted"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// FeedEntry is one candidate item discovered in a feed payload, in feed order.
type FeedEntry struct {
	URL         string
	Title       string
	PublishedAt *time.Time
}

// AggregateItem is one discovered piece of content tied to a Source.
type AggregateItem struct {
	ID             string         `json:"id"`
	SourceID       string         `json:"source_id"`
	SourceURL      string         `json:"source_url"`
	NormalizedURL  string         `json:"source_url_normalized"`
	SourceDomain   string         `json:"source_domain"`
	SourceTitle    string         `json:"source_title,omitempty"`
	Tags           []string       `json:"tags"`
	AnalysisStatus AnalysisStatus `json:"analysis_status"`
	AnalysisError  string         `json:"analysis_error,omitempty"`
	PublishedAt    *time.Time     `json:"published_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// AnalysisResult is one analysis attempt for an item. Results are append-only;
// the newest AnalyzedAt is the current result.
type AnalysisResult struct {
	ID            string         `json:"id"`
	ItemID        string         `json:"item_id"`
	Status        AnalysisStatus `json:"status"`
	Title         string         `json:"title,omitempty"`
	SummaryShort  string         `json:"summary_short_text,omitempty"`
	SummaryLong   string         `json:"summary_long_text,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	ModelProvider string         `json:"model_provider,omitempty"`
	ModelName     string         `json:"model_name,omitempty"`
	ModelVersion  string         `json:"model_version,omitempty"`
	AnalyzedAt    time.Time      `json:"analyzed_at"`
	ErrorCode     string         `json:"error_code,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	ElapsedMs     int64          `json:"elapsed_ms"`
}

// Job represents one execution instance of the refresh pipeline.
type Job struct {
	ID             string          `json:"job_id"`
	Scope          JobScope        `json:"scope"`
	SourceID       string          `json:"source_id,omitempty"`
	SourceSlug     string          `json:"source_slug,omitempty"`
	Status         JobStatus       `json:"status"`
	TotalSources   int             `json:"total_sources"`
	RefreshedItems int             `json:"refreshed_items"`
	FailedItems    int             `json:"failed_items"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	Failures       []FailureRecord `json:"failures"`
}

// FailureRecord captures one failed work unit with enough context for an
// operator to decide whether to retry or fix configuration first.
type FailureRecord struct {
	SourceID     string    `json:"source_id,omitempty"`
	SourceSlug   string    `json:"source_slug,omitempty"`
	ItemID       string    `json:"item_id,omitempty"`
	SourceURL    string    `json:"source_url,omitempty"`
	Stage        Stage     `json:"stage"`
	ErrorClass   string    `json:"error_class"`
	ErrorMessage string    `json:"error_message"`
	ElapsedMs    int64     `json:"elapsed_ms"`
	Retryable    bool      `json:"retryable"`
	CreatedAt    time.Time `json:"created_at"`
}

// TaskKind distinguishes queue entries.
type TaskKind string

// Task kinds carried on the work queue.
const (
	TaskRefresh   TaskKind = "refresh"
	TaskReanalyze TaskKind = "reanalyze"
)

// QueueItem wraps a unit of work ready to run.
type QueueItem struct {
	Kind      TaskKind
	JobID     string
	Scope     JobScope
	SourceID  string
	ItemID    string
	Submitted int64
}

// Document is the readable form of a fetched item URL.
type Document struct {
	Title       string
	Text        string
	ResolvedURL string
	PublishedAt *time.Time
}

// AnalysisInput is everything the analysis engine needs to build a prompt.
type AnalysisInput struct {
	SourceURL    string
	SourceDomain string
	SourceTitle  string
	SourceSlug   string
	Content      string
}

// Analysis is the validated output of the language-model backend.
type Analysis struct {
	Title         string
	SummaryShort  string
	SummaryLong   string
	Tags          []string
	PublishedAt   *time.Time
	ModelProvider string
	ModelName     string
	ModelVersion  string
}
