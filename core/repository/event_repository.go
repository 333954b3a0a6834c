package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"charlora/core/models"
)

// EventRepository handles database operations for job events
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// CreateJobEvent creates a job event
func (r *EventRepository) CreateJobEvent(ctx context.Context, event models.JobEvent) error {
	query := `
		INSERT INTO job_events (job_id, at, from_stage, to_stage, reason, meta_json)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	var fromStage *string
	if event.FromStage != nil {
		s := string(*event.FromStage)
		fromStage = &s
	}

	_, err := r.db.ExecContext(ctx, query, event.JobID, event.At, fromStage, event.ToStage, event.Reason, marshalMeta(event.MetaJSON))
	return err
}

// GetJobEvents retrieves events for a job, oldest first
func (r *EventRepository) GetJobEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	query := `
		SELECT id, job_id, at, from_stage, to_stage, reason, meta_json
		FROM job_events
		WHERE job_id = $1
		ORDER BY at ASC, id ASC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.JobEvent
	for rows.Next() {
		var event models.JobEvent
		var fromStage sql.NullString
		var metaJSON []byte

		err := rows.Scan(
			&event.ID,
			&event.JobID,
			&event.At,
			&fromStage,
			&event.ToStage,
			&event.Reason,
			&metaJSON,
		)
		if err != nil {
			return nil, err
		}

		if fromStage.Valid {
			stage := models.Stage(fromStage.String)
			event.FromStage = &stage
		}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &event.MetaJSON)
		}

		events = append(events, event)
	}

	return events, rows.Err()
}

func marshalMeta(meta map[string]interface{}) string {
	if meta == nil {
		return "{}"
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(b)
}
