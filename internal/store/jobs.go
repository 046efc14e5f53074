package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"genrelay/internal/jobs"
)

const jobColumns = "id, prompt, parameters_json, status, progress_current, progress_total, resume_point, error_message, created_at, updated_at, paused_at"

// JobRow is a tracked job together with its last recorded error.
type JobRow struct {
	jobs.Job
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// UpsertJob inserts job or replaces the stored copy. CreatedAt is kept from
// the first insert.
func (s *Store) UpsertJob(ctx context.Context, job jobs.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}
	var params any
	if len(job.Parameters) > 0 {
		encoded, err := json.Marshal(job.Parameters)
		if err != nil {
			return fmt.Errorf("encode parameters: %w", err)
		}
		params = string(encoded)
	}
	_, err := s.exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   prompt = excluded.prompt,
		   parameters_json = excluded.parameters_json,
		   status = excluded.status,
		   progress_current = excluded.progress_current,
		   progress_total = excluded.progress_total,
		   resume_point = excluded.resume_point,
		   updated_at = excluded.updated_at,
		   paused_at = excluded.paused_at`,
		job.ID,
		job.Prompt,
		params,
		string(job.Status),
		job.Progress.Current,
		job.Progress.Total,
		nullText(string(job.ResumePoint)),
		stamp(job.CreatedAt),
		stamp(job.UpdatedAt),
		nullStamp(job.PausedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob fetches a job by id. It returns nil without error when absent.
func (s *Store) GetJob(ctx context.Context, id string) (*JobRow, error) {
	ctx = orBackground(ctx)
	var row *JobRow
	err := s.attempt(ctx, func() error {
		r := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
		scanned, scanErr := scanJob(r)
		if scanErr != nil {
			return scanErr
		}
		row = scanned
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return row, nil
}

// ListJobs returns tracked jobs, newest first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, statuses ...jobs.Status) ([]JobRow, error) {
	ctx = orBackground(ctx)
	query := "SELECT " + jobColumns + " FROM jobs"
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += " WHERE status IN (" + statusList(len(statuses)) + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY created_at DESC, id"

	var result []JobRow
	err := s.attempt(ctx, func() error {
		result = result[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			row, err := scanJob(rows)
			if err != nil {
				return err
			}
			result = append(result, *row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return result, nil
}

// UpdateProgress records the latest progress for id.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress jobs.Progress) error {
	if progress.Current > progress.Total {
		return fmt.Errorf("%w: progress %d exceeds total %d", jobs.ErrInvalidJob, progress.Current, progress.Total)
	}
	res, err := s.exec(ctx,
		"UPDATE jobs SET progress_current = ?, progress_total = ?, updated_at = ? WHERE id = ?",
		progress.Current, progress.Total, stamp(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("update progress %s: %w", id, err)
	}
	return requireAffected(res, id)
}

// UpdateStatus moves id to status, recording errMsg for error states. The
// move must be allowed by the job state machine.
func (s *Store) UpdateStatus(ctx context.Context, id string, status jobs.Status, errMsg string) error {
	current, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("update status %s: %w", id, ErrNotFound)
	}
	next, err := current.Transition(status, time.Now().UTC())
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		"UPDATE jobs SET status = ?, error_message = ?, resume_point = ?, updated_at = ?, paused_at = ? WHERE id = ?",
		string(next.Status),
		nullText(strings.TrimSpace(errMsg)),
		nullText(string(next.ResumePoint)),
		stamp(next.UpdatedAt),
		nullStamp(next.PausedAt),
		id,
	)
	if err != nil {
		return fmt.Errorf("update status %s: %w", id, err)
	}
	return nil
}

// DeleteJob removes id. Deleting an unknown job is not an error.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, "DELETE FROM jobs WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*JobRow, error) {
	var (
		row         JobRow
		params      sql.NullString
		status      string
		resumePoint sql.NullString
		errMsg      sql.NullString
		createdAt   string
		updatedAt   string
		pausedAt    sql.NullString
	)
	if err := r.Scan(
		&row.ID,
		&row.Prompt,
		&params,
		&status,
		&row.Progress.Current,
		&row.Progress.Total,
		&resumePoint,
		&errMsg,
		&createdAt,
		&updatedAt,
		&pausedAt,
	); err != nil {
		return nil, err
	}
	row.Status = jobs.Status(status)
	row.ResumePoint = jobs.ResumePoint(resumePoint.String)
	row.ErrorMessage = errMsg.String
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &row.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters for %s: %w", row.ID, err)
		}
	}
	if t, err := parseStamp(createdAt); err == nil {
		row.CreatedAt = t
	}
	if t, err := parseStamp(updatedAt); err == nil {
		row.UpdatedAt = t
	}
	if pausedAt.Valid {
		if t, err := parseStamp(pausedAt.String); err == nil {
			row.PausedAt = &t
		}
	}
	return &row, nil
}
