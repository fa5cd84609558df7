package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/prismnote/aggregator/internal/pipeline"
)

// SourceRegistry keeps registered sources in memory. The pipeline only reads
// sources; Put exists for seeding and tests.
type SourceRegistry struct {
	mu      sync.RWMutex
	sources map[string]pipeline.Source
}

// NewSourceRegistry constructs a SourceRegistry, optionally pre-seeded.
func NewSourceRegistry(seed ...pipeline.Source) *SourceRegistry {
	r := &SourceRegistry{sources: make(map[string]pipeline.Source, len(seed))}
	for _, src := range seed {
		r.sources[src.ID] = src
	}
	return r
}

// Put inserts or replaces a source.
func (r *SourceRegistry) Put(src pipeline.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[src.ID] = src
}

// ActiveSources returns active, non-deleted sources ordered by slug.
func (r *SourceRegistry) ActiveSources(_ context.Context) ([]pipeline.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]pipeline.Source, 0, len(r.sources))
	for _, src := range r.sources {
		if src.IsActive && !src.IsDeleted {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// GetSource returns a source by ID regardless of its flags.
func (r *SourceRegistry) GetSource(_ context.Context, id string) (pipeline.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[id]
	if !ok {
		return pipeline.Source{}, pipeline.ErrSourceNotFound
	}
	return src, nil
}
