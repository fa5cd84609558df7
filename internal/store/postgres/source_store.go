package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/prismnote/aggregator/internal/pipeline"
)

// SourceStore reads registered sources from Postgres. The pipeline never
// writes sources; admin CRUD owns the table.
type SourceStore struct {
	pool pgxPool
}

// NewSourceStore constructs a SourceStore over an existing pool.
func NewSourceStore(pool pgxPool) (*SourceStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SourceStore{pool: pool}, nil
}

const sourceColumns = `id, slug, display_name, source_domain, feed_url,
	COALESCE(homepage_url, ''), is_active, is_deleted, deleted_at`

// ActiveSources returns active, non-deleted sources ordered by slug.
func (s *SourceStore) ActiveSources(ctx context.Context) ([]pipeline.Source, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+sourceColumns+`
FROM sources
WHERE is_active AND NOT is_deleted
ORDER BY slug ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active sources: %w", err)
	}
	defer rows.Close()

	var sources []pipeline.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active sources: %w", err)
	}
	return sources, nil
}

// GetSource returns a source by ID regardless of its active/deleted flags.
func (s *SourceStore) GetSource(ctx context.Context, id string) (pipeline.Source, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id)
	src, err := scanSource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Source{}, pipeline.ErrSourceNotFound
	}
	if err != nil {
		return pipeline.Source{}, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

func scanSource(row pgx.Row) (pipeline.Source, error) {
	var src pipeline.Source
	err := row.Scan(
		&src.ID, &src.Slug, &src.DisplayName, &src.SourceDomain,
		&src.FeedURL, &src.HomepageURL, &src.IsActive, &src.IsDeleted,
		&src.DeletedAt,
	)
	return src, err
}
