package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prismnote/aggregator/internal/pipeline"
)

type seqIDs struct{ n int }

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

func newItemFixture() (*ItemStore, *fixedClock) {
	clock := &fixedClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewItemStore(clock, &seqIDs{}), clock
}

func upsertFixture() pipeline.ItemUpsert {
	return pipeline.ItemUpsert{
		SourceID:      "src-1",
		SourceURL:     "https://blog.example.com/posts/a?utm_source=rss",
		NormalizedURL: "https://blog.example.com/posts/a",
		SourceDomain:  "blog.example.com",
		SourceTitle:   "Post A",
	}
}

func TestItemStoreUpsertDedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newItemFixture()

	first, err := store.UpsertItem(ctx, upsertFixture())
	require.NoError(t, err)
	require.Equal(t, pipeline.AnalysisPending, first.AnalysisStatus)

	second, err := store.UpsertItem(ctx, upsertFixture())
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID, "same (source, normalized URL) never makes a second row")

	otherSource := upsertFixture()
	otherSource.SourceID = "src-2"
	third, err := store.UpsertItem(ctx, otherSource)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, third.ID, "dedup key includes the source")
}

func TestItemStoreUpsertRefreshesMetadata(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, clock := newItemFixture()

	first, err := store.UpsertItem(ctx, upsertFixture())
	require.NoError(t, err)

	clock.now = clock.now.Add(time.Minute)
	published := time.Date(2024, 5, 30, 8, 0, 0, 0, time.UTC)
	up := upsertFixture()
	up.SourceTitle = "Post A (updated)"
	up.PublishedAt = &published

	second, err := store.UpsertItem(ctx, up)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "Post A (updated)", second.SourceTitle)
	require.NotNil(t, second.PublishedAt)
	require.True(t, second.UpdatedAt.After(first.UpdatedAt))
	require.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestItemStorePublishedAtOnlyMovesForward(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newItemFixture()

	newer := time.Date(2024, 5, 30, 8, 0, 0, 0, time.UTC)
	up := upsertFixture()
	up.PublishedAt = &newer
	_, err := store.UpsertItem(ctx, up)
	require.NoError(t, err)

	// A feed re-serving an older timestamp for the same entry must not
	// rewind it.
	older := newer.Add(-24 * time.Hour)
	up.PublishedAt = &older
	got, err := store.UpsertItem(ctx, up)
	require.NoError(t, err)
	require.NotNil(t, got.PublishedAt)
	require.Equal(t, newer, *got.PublishedAt)

	// A genuinely newer timestamp still wins.
	newest := newer.Add(time.Hour)
	up.PublishedAt = &newest
	got, err = store.UpsertItem(ctx, up)
	require.NoError(t, err)
	require.Equal(t, newest, *got.PublishedAt)
}

func TestItemStoreStatusTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newItemFixture()

	item, err := store.UpsertItem(ctx, upsertFixture())
	require.NoError(t, err)

	// pending -> succeeded skips running and is rejected.
	err = store.SetStatus(ctx, item.ID, pipeline.AnalysisSucceeded, "")
	require.ErrorIs(t, err, pipeline.ErrBadTransition)

	require.NoError(t, store.SetStatus(ctx, item.ID, pipeline.AnalysisRunning, ""))
	require.NoError(t, store.SetStatus(ctx, item.ID, pipeline.AnalysisFailed, "timeout"))

	// failed -> running allows reanalysis.
	require.NoError(t, store.SetStatus(ctx, item.ID, pipeline.AnalysisRunning, ""))
	require.NoError(t, store.SetStatus(ctx, item.ID, pipeline.AnalysisSucceeded, ""))

	got, err := store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.AnalysisSucceeded, got.AnalysisStatus)
	require.Empty(t, got.AnalysisError)
}

func TestItemStoreResultHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, clock := newItemFixture()

	item, err := store.UpsertItem(ctx, upsertFixture())
	require.NoError(t, err)

	require.NoError(t, store.RecordResult(ctx, pipeline.AnalysisResult{
		ItemID:       item.ID,
		Status:       pipeline.AnalysisFailed,
		ErrorCode:    "llm_request",
		ErrorMessage: "backend down",
		AnalyzedAt:   clock.now,
	}))

	clock.now = clock.now.Add(time.Minute)
	require.NoError(t, store.RecordResult(ctx, pipeline.AnalysisResult{
		ItemID:       item.ID,
		Status:       pipeline.AnalysisSucceeded,
		Title:        "Post A, Analyzed",
		SummaryShort: "short",
		SummaryLong:  "long",
		Tags:         []string{"go", "compilers"},
		AnalyzedAt:   clock.now,
	}))

	results, err := store.ListResults(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, results, 2, "reanalysis keeps history")

	latest, err := store.LatestResult(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.AnalysisSucceeded, latest.Status)
	require.Equal(t, "Post A, Analyzed", latest.Title)

	got, err := store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.AnalysisSucceeded, got.AnalysisStatus)
	require.Equal(t, "Post A, Analyzed", got.SourceTitle)
	require.Equal(t, []string{"go", "compilers"}, got.Tags)
}

func TestItemStoreUnknownItem(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newItemFixture()

	_, err := store.GetItem(ctx, "missing")
	require.ErrorIs(t, err, pipeline.ErrItemNotFound)
	require.ErrorIs(t, store.SetStatus(ctx, "missing", pipeline.AnalysisRunning, ""), pipeline.ErrItemNotFound)
	_, err = store.LatestResult(ctx, "missing")
	require.ErrorIs(t, err, pipeline.ErrItemNotFound)
}

func TestSourceRegistry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	registry := NewSourceRegistry(
		pipeline.Source{ID: "s1", Slug: "zeta", IsActive: true},
		pipeline.Source{ID: "s2", Slug: "alpha", IsActive: true},
		pipeline.Source{ID: "s3", Slug: "gone", IsActive: true, IsDeleted: true},
		pipeline.Source{ID: "s4", Slug: "paused", IsActive: false},
	)

	active, err := registry.ActiveSources(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, "alpha", active[0].Slug)
	require.Equal(t, "zeta", active[1].Slug)

	paused, err := registry.GetSource(ctx, "s4")
	require.NoError(t, err)
	require.False(t, paused.IsActive, "lookup ignores flags")

	_, err = registry.GetSource(ctx, "missing")
	require.ErrorIs(t, err, pipeline.ErrSourceNotFound)
}
