package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/prismnote/aggregator/internal/pipeline"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct{ n int }

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newMockItemStore(t *testing.T) (*ItemStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewItemStore(mock, fixedClock{now: testNow}, &seqIDs{})
	require.NoError(t, err)
	return store, mock
}

func itemRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "source_id", "source_url", "source_url_normalized",
		"source_domain", "source_title", "tags", "analysis_status",
		"analysis_error", "published_at", "created_at", "updated_at",
	})
}

func TestUpsertItemReturnsRow(t *testing.T) {
	t.Parallel()
	store, mock := newMockItemStore(t)

	up := pipeline.ItemUpsert{
		SourceID:      "src-1",
		SourceURL:     "https://blog.example.com/posts/a?utm_source=rss",
		NormalizedURL: "https://blog.example.com/posts/a",
		SourceDomain:  "blog.example.com",
		SourceTitle:   "Post A",
	}

	mock.ExpectQuery("INSERT INTO aggregate_items").
		WithArgs("id-1", up.SourceID, up.SourceURL, up.NormalizedURL,
			up.SourceDomain, up.SourceTitle, []string{},
			pipeline.AnalysisPending, up.PublishedAt, testNow).
		WillReturnRows(itemRows().AddRow(
			"id-1", up.SourceID, up.SourceURL, up.NormalizedURL,
			up.SourceDomain, up.SourceTitle, []string{},
			pipeline.AnalysisPending, "", (*time.Time)(nil), testNow, testNow,
		))

	item, err := store.UpsertItem(context.Background(), up)
	require.NoError(t, err)
	require.Equal(t, "id-1", item.ID)
	require.Equal(t, pipeline.AnalysisPending, item.AnalysisStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetItemNotFound(t *testing.T) {
	t.Parallel()
	store, mock := newMockItemStore(t)

	mock.ExpectQuery("SELECT (.+) FROM aggregate_items WHERE id").
		WithArgs("missing").
		WillReturnRows(itemRows())

	_, err := store.GetItem(context.Background(), "missing")
	require.ErrorIs(t, err, pipeline.ErrItemNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatusGuardsTransitions(t *testing.T) {
	t.Parallel()
	store, mock := newMockItemStore(t)

	mock.ExpectExec("UPDATE aggregate_items").
		WithArgs("item-1", pipeline.AnalysisRunning, "", testNow,
			[]string{"pending", "failed"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.SetStatus(context.Background(), "item-1", pipeline.AnalysisRunning, "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatusRejectsIllegalTransition(t *testing.T) {
	t.Parallel()
	store, mock := newMockItemStore(t)

	mock.ExpectExec("UPDATE aggregate_items").
		WithArgs("item-1", pipeline.AnalysisSucceeded, "", testNow,
			[]string{"running"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT analysis_status FROM aggregate_items").
		WithArgs("item-1").
		WillReturnRows(pgxmock.NewRows([]string{"analysis_status"}).
			AddRow(pipeline.AnalysisPending))

	err := store.SetStatus(context.Background(), "item-1", pipeline.AnalysisSucceeded, "")
	require.ErrorIs(t, err, pipeline.ErrBadTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordResultSyncsItem(t *testing.T) {
	t.Parallel()
	store, mock := newMockItemStore(t)

	result := pipeline.AnalysisResult{
		ItemID:        "item-1",
		Status:        pipeline.AnalysisSucceeded,
		Title:         "Post A, Analyzed",
		SummaryShort:  "short",
		SummaryLong:   "long",
		Tags:          []string{"go"},
		ModelProvider: "openai",
		ModelName:     "gpt-test-1",
		AnalyzedAt:    testNow,
		ElapsedMs:     1200,
	}

	mock.ExpectExec("INSERT INTO analysis_results").
		WithArgs("id-1", result.ItemID, result.Status, result.Title,
			result.SummaryShort, result.SummaryLong, result.Tags,
			result.ModelProvider, result.ModelName, "", testNow, "", "",
			result.ElapsedMs).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE aggregate_items").
		WithArgs(result.ItemID, result.Status, "", testNow, result.Title,
			result.Tags).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.RecordResult(context.Background(), result)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestResult(t *testing.T) {
	t.Parallel()
	store, mock := newMockItemStore(t)

	mock.ExpectQuery("SELECT (.+) FROM analysis_results").
		WithArgs("item-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "item_id", "status", "title", "summary_short_text",
			"summary_long_text", "tags", "model_provider", "model_name",
			"model_version", "analyzed_at", "error_code", "error_message",
			"elapsed_ms",
		}).AddRow(
			"res-2", "item-1", pipeline.AnalysisSucceeded, "T", "s", "l",
			[]string{"go"}, "openai", "gpt-test-1", "", testNow, "", "",
			int64(900),
		))

	result, err := store.LatestResult(context.Background(), "item-1")
	require.NoError(t, err)
	require.Equal(t, "res-2", result.ID)
	require.Equal(t, pipeline.AnalysisSucceeded, result.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSourceStoreActiveSources(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSourceStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM sources").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "slug", "display_name", "source_domain", "feed_url",
			"homepage_url", "is_active", "is_deleted", "deleted_at",
		}).AddRow(
			"s1", "alpha", "Alpha Blog", "alpha.example.com",
			"https://alpha.example.com/feed.xml", "", true, false,
			(*time.Time)(nil),
		))

	sources, err := store.ActiveSources(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 1)
	require.Equal(t, "alpha", sources[0].Slug)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSourceStoreNotFound(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSourceStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM sources WHERE id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "slug", "display_name", "source_domain", "feed_url",
			"homepage_url", "is_active", "is_deleted", "deleted_at",
		}))

	_, err = store.GetSource(context.Background(), "missing")
	require.ErrorIs(t, err, pipeline.ErrSourceNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
