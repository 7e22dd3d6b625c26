// ABOUTME: Job status persistence for the SQLite store
// ABOUTME: Backs the finished-job check made before a kill is delivered

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertJobStatus records the latest status of a job.
func (s *SQLiteStore) UpsertJobStatus(ctx context.Context, jobID string, status JobStatus, message string) error {
	if _, err := ParseJobStatus(string(status)); err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (id, status, status_message, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			status_message = excluded.status_message,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		jobID,
		string(status),
		message,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting job status: %w", err)
	}
	return nil
}

// ChangeJobStatus moves a job from current to next. It returns ErrJobNotFound
// for an unknown job and ErrStatusMismatch when the job is not in current.
func (s *SQLiteStore) ChangeJobStatus(ctx context.Context, jobID string, current, next JobStatus, message string) error {
	for _, st := range []JobStatus{current, next} {
		if _, err := ParseJobStatus(string(st)); err != nil {
			return err
		}
	}

	query := `
		UPDATE jobs
		SET status = ?, status_message = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		string(next),
		message,
		time.Now().UTC().Format(time.RFC3339),
		jobID,
		string(current),
	)
	if err != nil {
		return fmt.Errorf("changing job status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("job %s: %w", jobID, err)
	}
	return fmt.Errorf("job %s is %s, expected %s: %w", jobID, job.Status, current, ErrStatusMismatch)
}

// GetJob retrieves the last known status of a job.
// Returns ErrJobNotFound if the job has never been recorded.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	query := `
		SELECT id, status, status_message, updated_at
		FROM jobs
		WHERE id = ?
	`

	var job Job
	var status, updatedAtStr string
	err := s.db.QueryRowContext(ctx, query, jobID).Scan(&job.ID, &status, &job.StatusMessage, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying job: %w", err)
	}

	job.Status = JobStatus(status)
	job.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &job, nil
}

// IsJobFinished reports whether the job reached a final status. A job that
// was never recorded is not finished.
func (s *SQLiteStore) IsJobFinished(ctx context.Context, jobID string) (bool, error) {
	job, err := s.GetJob(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return job.Status.IsFinished(), nil
}
