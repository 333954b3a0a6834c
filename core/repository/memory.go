package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"charlora/core/models"
)

// MemoryStore is a Store kept in process memory. It is used when no
// database is configured; everything is lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	nextID    int64
	events    map[string][]models.JobEvent
	artifacts map[string][]models.JobArtifact
	archive   map[string]models.JobSnapshot
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:    make(map[string][]models.JobEvent),
		artifacts: make(map[string][]models.JobArtifact),
		archive:   make(map[string]models.JobSnapshot),
	}
}

func (s *MemoryStore) CreateJobEvent(_ context.Context, event models.JobEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	event.ID = s.nextID
	if event.At.IsZero() {
		event.At = time.Now()
	}
	s.events[event.JobID] = append(s.events[event.JobID], event)
	return nil
}

func (s *MemoryStore) GetJobEvents(_ context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[jobID]
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return append([]models.JobEvent(nil), events...), nil
}

func (s *MemoryStore) CreateArtifact(_ context.Context, jobID string, artifactType models.ArtifactType, uri string, meta map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.artifacts[jobID] = append(s.artifacts[jobID], models.JobArtifact{
		ID:        s.nextID,
		JobID:     jobID,
		Type:      artifactType,
		URI:       uri,
		CreatedAt: time.Now(),
		MetaJSON:  meta,
	})
	return nil
}

// GetJobArtifacts returns artifacts newest first, like the Postgres store
func (s *MemoryStore) GetJobArtifacts(_ context.Context, jobID string, artifactType *models.ArtifactType) ([]models.JobArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.artifacts[jobID]
	out := make([]models.JobArtifact, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if artifactType == nil || all[i].Type == *artifactType {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) ArchiveJob(_ context.Context, snap models.JobSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archive[snap.ID] = snap
	return nil
}

func (s *MemoryStore) GetArchivedJob(_ context.Context, id string) (*models.JobSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.archive[id]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return &snap, nil
}

func (s *MemoryStore) ListArchivedJobs(_ context.Context, limit int) ([]models.JobSnapshot, error) {
	s.mu.RLock()
	jobs := make([]models.JobSnapshot, 0, len(s.archive))
	for _, snap := range s.archive {
		jobs = append(jobs, snap)
	}
	s.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}
