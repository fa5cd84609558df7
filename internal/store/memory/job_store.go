// Package memory provides in-memory store implementations for development
// and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prismnote/aggregator/internal/pipeline"
)

const defaultMaxFailures = 120

// JobStore keeps refresh jobs in memory. Terminal status is written at most
// once; finished jobs age out after the retention window.
type JobStore struct {
	mu          sync.RWMutex
	jobs        map[string]*pipeline.Job
	clock       pipeline.Clock
	retention   time.Duration
	maxFailures int
}

// JobStoreOption tweaks store construction.
type JobStoreOption func(*JobStore)

// WithRetention bounds how long finished jobs stay queryable.
func WithRetention(d time.Duration) JobStoreOption {
	return func(s *JobStore) { s.retention = d }
}

// WithMaxFailures caps the failure records kept per job.
func WithMaxFailures(n int) JobStoreOption {
	return func(s *JobStore) { s.maxFailures = n }
}

// NewJobStore constructs a JobStore.
func NewJobStore(clock pipeline.Clock, opts ...JobStoreOption) *JobStore {
	s := &JobStore{
		jobs:        make(map[string]*pipeline.Job),
		clock:       clock,
		retention:   time.Hour,
		maxFailures: defaultMaxFailures,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateJob stores a new job in queued status.
func (s *JobStore) CreateJob(_ context.Context, job pipeline.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	stored := job
	stored.Failures = append([]pipeline.FailureRecord(nil), job.Failures...)
	s.jobs[job.ID] = &stored
	return nil
}

// MarkRunning transitions a queued job to running.
func (s *JobStore) MarkRunning(_ context.Context, jobID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pipeline.ErrJobNotFound
	}
	if job.Status != pipeline.JobStatusQueued {
		return fmt.Errorf("%w: %s -> running", pipeline.ErrBadTransition, job.Status)
	}
	job.Status = pipeline.JobStatusRunning
	started := startedAt.UTC()
	job.StartedAt = &started
	return nil
}

// SetTotalSources records how many sources the job resolved.
func (s *JobStore) SetTotalSources(_ context.Context, jobID string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pipeline.ErrJobNotFound
	}
	job.TotalSources = total
	return nil
}

// AddCounts increments the refreshed/failed item counters.
func (s *JobStore) AddCounts(_ context.Context, jobID string, refreshed, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pipeline.ErrJobNotFound
	}
	job.RefreshedItems += refreshed
	job.FailedItems += failed
	return nil
}

// AppendFailure attaches one failure record, capped per job.
func (s *JobStore) AppendFailure(_ context.Context, jobID string, failure pipeline.FailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pipeline.ErrJobNotFound
	}
	if len(job.Failures) >= s.maxFailures {
		return nil
	}
	job.Failures = append(job.Failures, failure)
	return nil
}

// CompleteJob writes the terminal status exactly once.
func (s *JobStore) CompleteJob(_ context.Context, jobID string, status pipeline.JobStatus, errMsg string, finishedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", pipeline.ErrBadTransition, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pipeline.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: job %s already %s", pipeline.ErrBadTransition, jobID, job.Status)
	}
	job.Status = status
	job.ErrorMessage = errMsg
	finished := finishedAt.UTC()
	job.FinishedAt = &finished
	return nil
}

// GetJob fetches a copy of a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (pipeline.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pipeline.Job{}, pipeline.ErrJobNotFound
	}
	out := *job
	out.Failures = append([]pipeline.FailureRecord(nil), job.Failures...)
	return out, nil
}

// pruneLocked drops finished jobs older than the retention window.
func (s *JobStore) pruneLocked() {
	if s.retention <= 0 || s.clock == nil {
		return
	}
	cutoff := s.clock.Now().Add(-s.retention)
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
		}
	}
}
