package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prismnote/aggregator/internal/clock/system"
	"github.com/prismnote/aggregator/internal/config"
	"github.com/prismnote/aggregator/internal/dispatcher"
	"github.com/prismnote/aggregator/internal/id/uuid"
	"github.com/prismnote/aggregator/internal/metrics"
	"github.com/prismnote/aggregator/internal/pipeline"
	queuemem "github.com/prismnote/aggregator/internal/queue/memory"
	storemem "github.com/prismnote/aggregator/internal/store/memory"
	"go.uber.org/zap"
)

const testSourceID = "0198c2f4-1111-7000-8000-000000000001"

type apiHarness struct {
	server  *Server
	queue   *queuemem.Queue
	jobs    *storemem.JobStore
	items   *storemem.ItemStore
	sources *storemem.SourceRegistry
}

func newAPIHarness(t *testing.T, cfg config.Config) *apiHarness {
	t.Helper()
	metrics.Init()

	clk := system.New()
	jobs := storemem.NewJobStore(clk)
	items := storemem.NewItemStore(clk, uuid.NewUUIDGenerator())
	sources := storemem.NewSourceRegistry(pipeline.Source{
		ID:           testSourceID,
		Slug:         "example-news",
		DisplayName:  "Example News",
		SourceDomain: "example.com",
		FeedURL:      "https://example.com/feed.xml",
		IsActive:     true,
	})
	queue := queuemem.NewQueue(8)
	dispatch := dispatcher.New(queue, nil)

	srv := NewServer(jobs, items, sources, dispatch, uuid.NewUUIDGenerator(), clk, cfg, zap.NewNop())
	return &apiHarness{server: srv, queue: queue, jobs: jobs, items: items, sources: sources}
}

func (h *apiHarness) do(t *testing.T, method, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func (h *apiHarness) dequeue(t *testing.T) pipeline.QueueItem {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	item, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)
	return item
}

func TestSubmitRefreshAllScope(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, config.Config{})

	rec := h.do(t, http.MethodPost, "/v1/aggregates/refresh", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody[refreshResponse](t, rec)
	require.NotEmpty(t, body.JobID)
	require.Equal(t, "queued", body.Status)
	require.Equal(t, "all", body.Scope)
	require.Empty(t, body.SourceID)

	job, err := h.jobs.GetJob(context.Background(), body.JobID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusQueued, job.Status)

	queued := h.dequeue(t)
	require.Equal(t, pipeline.TaskRefresh, queued.Kind)
	require.Equal(t, body.JobID, queued.JobID)
	require.Equal(t, pipeline.JobScopeAll, queued.Scope)
}

func TestSubmitRefreshSourceScope(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, config.Config{})

	rec := h.do(t, http.MethodPost, "/v1/aggregates/refresh?source_id="+testSourceID, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody[refreshResponse](t, rec)
	require.Equal(t, "source", body.Scope)
	require.Equal(t, testSourceID, body.SourceID)
	require.Equal(t, "example-news", body.SourceSlug)

	queued := h.dequeue(t)
	require.Equal(t, pipeline.JobScopeSource, queued.Scope)
	require.Equal(t, testSourceID, queued.SourceID)
}

func TestSubmitRefreshMalformedSourceID(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, config.Config{})

	rec := h.do(t, http.MethodPost, "/v1/aggregates/refresh?source_id=not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitRefreshUnknownSource(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, config.Config{})

	rec := h.do(t, http.MethodPost, "/v1/aggregates/refresh?source_id=0198c2f4-2222-7000-8000-00000000dead", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, config.Config{})

	rec := h.do(t, http.MethodGet, "/v1/aggregates/refresh/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	body := decodeBody[map[string]string](t, rec)
	require.Equal(t, "not_found", body["status"])
}

func TestGetJobReturnsFullRecord(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, config.Config{})

	submit := h.do(t, http.MethodPost, "/v1/aggregates/refresh", nil)
	body := decodeBody[refreshResponse](t, submit)

	rec := h.do(t, http.MethodGet, "/v1/aggregates/refresh/"+body.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	job := decodeBody[pipeline.Job](t, rec)
	require.Equal(t, body.JobID, job.ID)
	require.Equal(t, pipeline.JobStatusQueued, job.Status)
}

func TestSubmitReanalyze(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, config.Config{})

	item, err := h.items.UpsertItem(context.Background(), pipeline.ItemUpsert{
		SourceID:      testSourceID,
		SourceURL:     "https://example.com/a",
		NormalizedURL: "https://example.com/a",
		SourceDomain:  "example.com",
	})
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/v1/items/"+item.ID+"/reanalyze", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody[map[string]string](t, rec)
	require.Equal(t, item.ID, body["item_id"])

	queued := h.dequeue(t)
	require.Equal(t, pipeline.TaskReanalyze, queued.Kind)
	require.Equal(t, item.ID, queued.ItemID)
}

func TestSubmitReanalyzeRunningItem(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, config.Config{})

	item, err := h.items.UpsertItem(context.Background(), pipeline.ItemUpsert{
		SourceID:      testSourceID,
		SourceURL:     "https://example.com/b",
		NormalizedURL: "https://example.com/b",
		SourceDomain:  "example.com",
	})
	require.NoError(t, err)
	require.NoError(t, h.items.SetStatus(context.Background(), item.ID, pipeline.AnalysisRunning, ""))

	rec := h.do(t, http.MethodPost, "/v1/items/"+item.ID+"/reanalyze", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	body := decodeBody[map[string]string](t, rec)
	require.Contains(t, body["message"], "already running")
}

func TestSubmitReanalyzeUnknownItem(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, config.Config{})

	rec := h.do(t, http.MethodPost, "/v1/items/missing/reanalyze", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "s3cret"}})

	rec := h.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodGet, "/healthz", map[string]string{"X-API-Key": "s3cret"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/healthz?api_key=s3cret", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, config.Config{})

	rec := h.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
