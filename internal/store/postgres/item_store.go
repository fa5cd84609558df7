// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prismnote/aggregator/internal/pipeline"
)

// PoolConfig controls the Postgres connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// NewPool builds a pgx pool from config.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// ItemStore persists aggregate items and analysis results in Postgres.
type ItemStore struct {
	pool  pgxPool
	clock pipeline.Clock
	ids   pipeline.IDGenerator
}

// NewItemStore constructs an ItemStore over an existing pool. Tests pass a
// pgxmock pool here.
func NewItemStore(pool pgxPool, clock pipeline.Clock, ids pipeline.IDGenerator) (*ItemStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ItemStore{pool: pool, clock: clock, ids: ids}, nil
}

// Close releases the underlying pool.
func (s *ItemStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

const itemColumns = `id, source_id, source_url, source_url_normalized, source_domain,
	source_title, tags, analysis_status, COALESCE(analysis_error, ''),
	published_at, created_at, updated_at`

const upsertItemQuery = `
INSERT INTO aggregate_items (
	id, source_id, source_url, source_url_normalized, source_domain,
	source_title, tags, analysis_status, published_at, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
ON CONFLICT (source_id, source_url_normalized) DO UPDATE SET
	source_url = EXCLUDED.source_url,
	source_domain = EXCLUDED.source_domain,
	source_title = COALESCE(NULLIF(EXCLUDED.source_title, ''), aggregate_items.source_title),
	published_at = GREATEST(EXCLUDED.published_at, aggregate_items.published_at),
	updated_at = EXCLUDED.updated_at
RETURNING ` + itemColumns

// UpsertItem inserts or refreshes the row keyed by (source_id,
// source_url_normalized). Concurrent upserts of the same URL resolve to one
// row inside Postgres.
func (s *ItemStore) UpsertItem(ctx context.Context, up pipeline.ItemUpsert) (pipeline.AggregateItem, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return pipeline.AggregateItem{}, fmt.Errorf("generate item id: %w", err)
	}
	now := s.clock.Now().UTC()
	tags := up.Tags
	if tags == nil {
		tags = []string{}
	}

	row := s.pool.QueryRow(ctx, upsertItemQuery,
		id, up.SourceID, up.SourceURL, up.NormalizedURL, up.SourceDomain,
		up.SourceTitle, tags, pipeline.AnalysisPending, up.PublishedAt, now,
	)
	item, err := scanItem(row)
	if err != nil {
		return pipeline.AggregateItem{}, fmt.Errorf("upsert item: %w", err)
	}
	return item, nil
}

// GetItem fetches an item by ID.
func (s *ItemStore) GetItem(ctx context.Context, itemID string) (pipeline.AggregateItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM aggregate_items WHERE id = $1`, itemID)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.AggregateItem{}, pipeline.ErrItemNotFound
	}
	if err != nil {
		return pipeline.AggregateItem{}, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// SetStatus moves the item through the analysis lifecycle. The legal-source
// predicate rides in the UPDATE so concurrent writers cannot race past it.
func (s *ItemStore) SetStatus(ctx context.Context, itemID string, status pipeline.AnalysisStatus, analysisErr string) error {
	from := legalFrom(status)
	if len(from) == 0 {
		return fmt.Errorf("%w: -> %s", pipeline.ErrBadTransition, status)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE aggregate_items
SET analysis_status = $2, analysis_error = $3, updated_at = $4
WHERE id = $1 AND analysis_status = ANY($5)`,
		itemID, status, analysisErr, s.clock.Now().UTC(), from,
	)
	if err != nil {
		return fmt.Errorf("set item status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current pipeline.AnalysisStatus
	err = s.pool.QueryRow(ctx,
		`SELECT analysis_status FROM aggregate_items WHERE id = $1`, itemID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.ErrItemNotFound
	}
	if err != nil {
		return fmt.Errorf("set item status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", pipeline.ErrBadTransition, current, status)
}

func legalFrom(to pipeline.AnalysisStatus) []string {
	switch to {
	case pipeline.AnalysisRunning:
		return []string{string(pipeline.AnalysisPending), string(pipeline.AnalysisFailed)}
	case pipeline.AnalysisSucceeded, pipeline.AnalysisFailed:
		return []string{string(pipeline.AnalysisRunning)}
	default:
		return nil
	}
}

const insertResultQuery = `
INSERT INTO analysis_results (
	id, item_id, status, title, summary_short_text, summary_long_text, tags,
	model_provider, model_name, model_version, analyzed_at, error_code,
	error_message, elapsed_ms
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

// RecordResult appends one analysis attempt and syncs the owning item row.
func (s *ItemStore) RecordResult(ctx context.Context, result pipeline.AnalysisResult) error {
	if result.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return fmt.Errorf("generate result id: %w", err)
		}
		result.ID = id
	}
	tags := result.Tags
	if tags == nil {
		tags = []string{}
	}

	if _, err := s.pool.Exec(ctx, insertResultQuery,
		result.ID, result.ItemID, result.Status, result.Title,
		result.SummaryShort, result.SummaryLong, tags,
		result.ModelProvider, result.ModelName, result.ModelVersion,
		result.AnalyzedAt.UTC(), result.ErrorCode, result.ErrorMessage,
		result.ElapsedMs,
	); err != nil {
		return fmt.Errorf("insert analysis result: %w", err)
	}

	query := `
UPDATE aggregate_items
SET analysis_status = $2, analysis_error = $3, updated_at = $4
WHERE id = $1`
	args := []any{result.ItemID, result.Status, result.ErrorMessage, s.clock.Now().UTC()}
	if result.Status == pipeline.AnalysisSucceeded {
		query = `
UPDATE aggregate_items
SET analysis_status = $2, analysis_error = $3, updated_at = $4,
	source_title = COALESCE(NULLIF($5, ''), source_title),
	tags = CASE WHEN cardinality($6::text[]) > 0 THEN $6::text[] ELSE tags END
WHERE id = $1`
		args = append(args, result.Title, tags)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sync item after result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrItemNotFound
	}
	return nil
}

const resultColumns = `id, item_id, status, COALESCE(title, ''),
	COALESCE(summary_short_text, ''), COALESCE(summary_long_text, ''), tags,
	COALESCE(model_provider, ''), COALESCE(model_name, ''),
	COALESCE(model_version, ''), analyzed_at, COALESCE(error_code, ''),
	COALESCE(error_message, ''), elapsed_ms`

// LatestResult returns the newest analysis result for an item.
func (s *ItemStore) LatestResult(ctx context.Context, itemID string) (pipeline.AnalysisResult, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+resultColumns+`
FROM analysis_results WHERE item_id = $1
ORDER BY analyzed_at DESC LIMIT 1`, itemID)
	result, err := scanResult(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.AnalysisResult{}, pipeline.ErrItemNotFound
	}
	if err != nil {
		return pipeline.AnalysisResult{}, fmt.Errorf("latest result: %w", err)
	}
	return result, nil
}

// ListResults returns the full analysis history, oldest first.
func (s *ItemStore) ListResults(ctx context.Context, itemID string) ([]pipeline.AnalysisResult, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+resultColumns+`
FROM analysis_results WHERE item_id = $1
ORDER BY analyzed_at ASC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var results []pipeline.AnalysisResult
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return results, nil
}

func scanItem(row pgx.Row) (pipeline.AggregateItem, error) {
	var item pipeline.AggregateItem
	err := row.Scan(
		&item.ID, &item.SourceID, &item.SourceURL, &item.NormalizedURL,
		&item.SourceDomain, &item.SourceTitle, &item.Tags,
		&item.AnalysisStatus, &item.AnalysisError, &item.PublishedAt,
		&item.CreatedAt, &item.UpdatedAt,
	)
	return item, err
}

func scanResult(row pgx.Row) (pipeline.AnalysisResult, error) {
	var result pipeline.AnalysisResult
	err := row.Scan(
		&result.ID, &result.ItemID, &result.Status, &result.Title,
		&result.SummaryShort, &result.SummaryLong, &result.Tags,
		&result.ModelProvider, &result.ModelName, &result.ModelVersion,
		&result.AnalyzedAt, &result.ErrorCode, &result.ErrorMessage,
		&result.ElapsedMs,
	)
	return result, err
}
