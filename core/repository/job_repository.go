package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"charlora/core/models"

	"github.com/google/uuid"
)

// JobRepository keeps snapshots of retired jobs
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

// ArchiveJob stores the final snapshot of a job. Archiving twice keeps the
// newer snapshot.
func (r *JobRepository) ArchiveJob(ctx context.Context, snap models.JobSnapshot) error {
	if _, err := uuid.Parse(snap.ID); err != nil {
		return fmt.Errorf("archive job %q: %w", snap.ID, err)
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs_archive (id, name, stage, snapshot_json, created_at, finished_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE
		SET stage = EXCLUDED.stage, snapshot_json = EXCLUDED.snapshot_json,
			finished_at = EXCLUDED.finished_at, archived_at = NOW()
	`
	_, err = r.db.ExecContext(ctx, query, snap.ID, snap.CharacterName, string(snap.Stage), string(body), snap.CreatedAt, snap.FinishedAt)
	return err
}

// GetArchivedJob retrieves an archived job by ID
func (r *JobRepository) GetArchivedJob(ctx context.Context, id string) (*models.JobSnapshot, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, models.ErrJobNotFound
	}

	var body []byte
	err := r.db.QueryRowContext(ctx, `SELECT snapshot_json FROM jobs_archive WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	var snap models.JobSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("decode archived job %s: %w", id, err)
	}
	return &snap, nil
}

// ListArchivedJobs lists archived jobs, newest first
func (r *JobRepository) ListArchivedJobs(ctx context.Context, limit int) ([]models.JobSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT snapshot_json
		FROM jobs_archive
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.JobSnapshot
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var snap models.JobSnapshot
		if err := json.Unmarshal(body, &snap); err != nil {
			continue
		}
		jobs = append(jobs, snap)
	}
	return jobs, rows.Err()
}
