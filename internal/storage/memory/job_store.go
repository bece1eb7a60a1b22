// Package memory provides in-process stores. Job records live only in process
// memory and are lost on restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
)

// JobStore keeps job records in a map guarded by one RWMutex. Every mutation
// runs under the write lock; readers receive deep copies.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]consulta.Job
	clock consulta.Clock
}

// NewJobStore constructs a JobStore. A nil clock uses time.Now in UTC.
func NewJobStore(clock consulta.Clock) *JobStore {
	return &JobStore{
		jobs:  make(map[string]consulta.Job),
		clock: clock,
	}
}

// Create stores a new job. CreatedAt and UpdatedAt default to now.
func (s *JobStore) Create(_ context.Context, job consulta.Job) error {
	if job.ID == "" {
		return fmt.Errorf("create job: empty id")
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: %w", job.ID, consulta.ErrJobExists)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(_ context.Context, jobID string) (consulta.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return consulta.Job{}, fmt.Errorf("get job %s: %w", jobID, consulta.ErrJobNotFound)
	}
	return job.Clone(), nil
}

// Update runs mutate against a copy of the job and commits it only when mutate
// succeeds. A job that was deleted is never recreated.
func (s *JobStore) Update(_ context.Context, jobID string, mutate func(*consulta.Job) error) (consulta.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[jobID]
	if !ok {
		return consulta.Job{}, fmt.Errorf("update job %s: %w", jobID, consulta.ErrJobNotFound)
	}
	next := current.Clone()
	if err := mutate(&next); err != nil {
		return consulta.Job{}, fmt.Errorf("update job %s: %w", jobID, err)
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = s.now()
	if next.UpdatedAt.Before(current.UpdatedAt) {
		next.UpdatedAt = current.UpdatedAt
	}
	s.jobs[jobID] = next
	return next.Clone(), nil
}

// List returns a snapshot of all jobs ordered by creation time.
func (s *JobStore) List(_ context.Context) ([]consulta.Job, error) {
	s.mu.RLock()
	out := make([]consulta.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes a job. Deleting an unknown id returns ErrJobNotFound.
func (s *JobStore) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("delete job %s: %w", jobID, consulta.ErrJobNotFound)
	}
	delete(s.jobs, jobID)
	return nil
}

func (s *JobStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}
