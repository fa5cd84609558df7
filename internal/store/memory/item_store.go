package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/prismnote/aggregator/internal/pipeline"
)

// ItemStore keeps aggregate items and their analysis history in memory.
// Items are deduplicated on (source_id, normalized_url); analysis results
// are append-only.
type ItemStore struct {
	mu      sync.RWMutex
	items   map[string]*pipeline.AggregateItem
	byKey   map[string]string
	results map[string][]pipeline.AnalysisResult
	clock   pipeline.Clock
	ids     pipeline.IDGenerator
}

// NewItemStore constructs an ItemStore.
func NewItemStore(clock pipeline.Clock, ids pipeline.IDGenerator) *ItemStore {
	return &ItemStore{
		items:   make(map[string]*pipeline.AggregateItem),
		byKey:   make(map[string]string),
		results: make(map[string][]pipeline.AnalysisResult),
		clock:   clock,
		ids:     ids,
	}
}

func dedupKey(sourceID, normalizedURL string) string {
	return sourceID + "\x00" + normalizedURL
}

// UpsertItem inserts a new item or refreshes discovery metadata on the
// existing row for the same (source_id, normalized_url).
func (s *ItemStore) UpsertItem(_ context.Context, up pipeline.ItemUpsert) (pipeline.AggregateItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	key := dedupKey(up.SourceID, up.NormalizedURL)

	if id, ok := s.byKey[key]; ok {
		item := s.items[id]
		item.SourceURL = up.SourceURL
		item.SourceDomain = up.SourceDomain
		if up.SourceTitle != "" {
			item.SourceTitle = up.SourceTitle
		}
		if up.PublishedAt != nil && (item.PublishedAt == nil || up.PublishedAt.After(*item.PublishedAt)) {
			// Published timestamps only move forward; stale feed entries
			// never rewind an item.
			item.PublishedAt = up.PublishedAt
		}
		item.UpdatedAt = now
		return copyItem(item), nil
	}

	id, err := s.ids.NewID()
	if err != nil {
		return pipeline.AggregateItem{}, fmt.Errorf("generate item id: %w", err)
	}
	item := &pipeline.AggregateItem{
		ID:             id,
		SourceID:       up.SourceID,
		SourceURL:      up.SourceURL,
		NormalizedURL:  up.NormalizedURL,
		SourceDomain:   up.SourceDomain,
		SourceTitle:    up.SourceTitle,
		Tags:           append([]string(nil), up.Tags...),
		AnalysisStatus: pipeline.AnalysisPending,
		PublishedAt:    up.PublishedAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.items[id] = item
	s.byKey[key] = id
	return copyItem(item), nil
}

// GetItem fetches a copy of an item by ID.
func (s *ItemStore) GetItem(_ context.Context, itemID string) (pipeline.AggregateItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[itemID]
	if !ok {
		return pipeline.AggregateItem{}, pipeline.ErrItemNotFound
	}
	return copyItem(item), nil
}

// SetStatus moves an item through the analysis lifecycle, rejecting
// transitions outside pending|failed -> running -> succeeded|failed.
func (s *ItemStore) SetStatus(_ context.Context, itemID string, status pipeline.AnalysisStatus, analysisErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return pipeline.ErrItemNotFound
	}
	if !legalTransition(item.AnalysisStatus, status) {
		return fmt.Errorf("%w: %s -> %s", pipeline.ErrBadTransition, item.AnalysisStatus, status)
	}
	item.AnalysisStatus = status
	item.AnalysisError = analysisErr
	item.UpdatedAt = s.clock.Now().UTC()
	return nil
}

func legalTransition(from, to pipeline.AnalysisStatus) bool {
	switch to {
	case pipeline.AnalysisRunning:
		return from == pipeline.AnalysisPending || from == pipeline.AnalysisFailed
	case pipeline.AnalysisSucceeded, pipeline.AnalysisFailed:
		return from == pipeline.AnalysisRunning
	default:
		return false
	}
}

// RecordResult appends one analysis attempt and syncs the owning item.
func (s *ItemStore) RecordResult(_ context.Context, result pipeline.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[result.ItemID]
	if !ok {
		return pipeline.ErrItemNotFound
	}
	if result.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return fmt.Errorf("generate result id: %w", err)
		}
		result.ID = id
	}
	s.results[result.ItemID] = append(s.results[result.ItemID], result)

	item.AnalysisStatus = result.Status
	item.AnalysisError = result.ErrorMessage
	item.UpdatedAt = s.clock.Now().UTC()
	if result.Status == pipeline.AnalysisSucceeded {
		if result.Title != "" {
			item.SourceTitle = result.Title
		}
		if len(result.Tags) > 0 {
			item.Tags = append([]string(nil), result.Tags...)
		}
	}
	return nil
}

// LatestResult returns the newest analysis result for an item.
func (s *ItemStore) LatestResult(_ context.Context, itemID string) (pipeline.AnalysisResult, error) {
	results, err := s.ListResults(context.Background(), itemID)
	if err != nil {
		return pipeline.AnalysisResult{}, err
	}
	if len(results) == 0 {
		return pipeline.AnalysisResult{}, pipeline.ErrItemNotFound
	}
	return results[len(results)-1], nil
}

// ListResults returns the full analysis history, oldest first.
func (s *ItemStore) ListResults(_ context.Context, itemID string) ([]pipeline.AnalysisResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.items[itemID]; !ok {
		return nil, pipeline.ErrItemNotFound
	}
	results := append([]pipeline.AnalysisResult(nil), s.results[itemID]...)
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].AnalyzedAt.Before(results[j].AnalyzedAt)
	})
	return results, nil
}

func copyItem(item *pipeline.AggregateItem) pipeline.AggregateItem {
	out := *item
	out.Tags = append([]string(nil), item.Tags...)
	return out
}
