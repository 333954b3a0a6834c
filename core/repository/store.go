package repository

import (
	"context"

	"charlora/core/models"
)

// EventStore records stage transitions
type EventStore interface {
	CreateJobEvent(ctx context.Context, event models.JobEvent) error
	GetJobEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error)
}

// ArtifactStore records files a job produced
type ArtifactStore interface {
	CreateArtifact(ctx context.Context, jobID string, artifactType models.ArtifactType, uri string, meta map[string]interface{}) error
	GetJobArtifacts(ctx context.Context, jobID string, artifactType *models.ArtifactType) ([]models.JobArtifact, error)
}

// JobArchive keeps snapshots of jobs retired from memory
type JobArchive interface {
	ArchiveJob(ctx context.Context, snap models.JobSnapshot) error
	GetArchivedJob(ctx context.Context, id string) (*models.JobSnapshot, error)
	ListArchivedJobs(ctx context.Context, limit int) ([]models.JobSnapshot, error)
}

// Store is everything the service persists
type Store interface {
	EventStore
	ArtifactStore
	JobArchive
}

// PostgresStore is a Store backed by Postgres
type PostgresStore struct {
	*EventRepository
	*ArtifactRepository
	*JobRepository
}

// NewPostgresStore creates the Postgres repositories over db
func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{
		EventRepository:    NewEventRepository(db),
		ArtifactRepository: NewArtifactRepository(db),
		JobRepository:      NewJobRepository(db),
	}
}
