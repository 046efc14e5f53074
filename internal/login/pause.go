package login

import (
	"context"
	"fmt"
	"strings"
	"time"

	"genrelay/internal/jobs"
	"genrelay/internal/logging"
	"genrelay/internal/messages"
	"genrelay/internal/retry"
	"genrelay/internal/store"
)

const (
	warnMemoryOnly = "Storage failed, job state kept in memory only"

	msgInvalidJobData = "saved job data is invalid; start the job again"
	msgStorageAccess  = "storage access failed"
)

// Save outcomes reported in JOB_SAVE_RESULT.
const (
	StorageSuccess = "success"
	StorageFailed  = "failed"
	FallbackMemory = "memory_only"
)

// Resume actions reported in JOB_RESUME_RESULT.
const (
	ActionNoJobs       = "no_jobs_to_resume"
	ActionSkip         = "skip_restoration"
	ActionStorageError = "storage_error"
)

// PauseRunningJob moves a running job to paused. Progress, resume point and
// id are preserved; the pause and update times are stamped with now.
func (m *Manager) PauseRunningJob(job jobs.Job) (jobs.Job, error) {
	if strings.TrimSpace(job.ID) == "" {
		return job, invalid("pause job", "job id is required")
	}
	if _, ok := jobs.ParseStatus(string(job.Status)); !ok {
		return job, invalid("pause job", "unknown status %q", job.Status)
	}
	if job.Status != jobs.StatusRunning {
		return job, invalid("pause job", "job %s is %s, not running", job.ID, job.Status)
	}
	paused, err := job.Transition(jobs.StatusPaused, m.clock.Now())
	if err != nil {
		return job, invalid("pause job", "%v", err)
	}
	m.logger.Info("job paused for login",
		logging.JobID(job.ID),
		logging.String(logging.FieldEventType, "job_paused"),
		logging.String("resume_point", string(paused.ResumePoint)),
		logging.Int("progress_current", paused.Progress.Current),
		logging.Int("progress_total", paused.Progress.Total),
	)
	return paused, nil
}

// SaveJobState appends a paused job to the persisted list. Storage failures
// are retried with a linearly growing wait; when every attempt fails the
// record is kept in memory and a degraded result is returned instead of an
// error. The error return is reserved for invalid input.
func (m *Manager) SaveJobState(ctx context.Context, job jobs.Job) (messages.JobSaveResult, error) {
	if strings.TrimSpace(job.ID) == "" {
		return messages.JobSaveResult{}, invalid("save job state", "job id is required")
	}
	if job.PausedAt == nil {
		return messages.JobSaveResult{}, invalid("save job state", "job %s has no pause time", job.ID)
	}
	rec := jobs.NewPausedRecord(job, m.clock.Now())

	var lastErr error
	if m.kv == nil {
		lastErr = fmt.Errorf("no paused job storage configured")
	} else {
		for attempt := 1; attempt <= m.opts.StorageRetries; attempt++ {
			lastErr = store.AppendPaused(ctx, m.kv, rec)
			if lastErr == nil {
				m.forgetInMemory(rec.ID)
				m.logger.Debug("paused job persisted",
					logging.JobID(rec.ID),
					logging.Int("attempt", attempt),
				)
				return messages.JobSaveResult{StorageResult: StorageSuccess}, nil
			}
			if attempt == m.opts.StorageRetries {
				break
			}
			m.logger.Debug("paused job persistence failed; retrying",
				logging.JobID(rec.ID),
				logging.Int("attempt", attempt),
				logging.Error(lastErr),
			)
			if err := sleep(ctx, m.clock, m.opts.StorageRetryDelay*time.Duration(attempt)); err != nil {
				lastErr = err
				break
			}
		}
	}

	m.rememberInMemory(rec)
	logging.WarnWithContext(m.logger, "paused job kept in memory only", "login_storage_fallback",
		logging.JobID(rec.ID),
		logging.Error(lastErr),
		logging.String(logging.FieldErrorHint, "check the storage backend; the job is lost if the daemon restarts"),
		logging.String(logging.FieldImpact, "paused job survives only until restart"),
	)
	return messages.JobSaveResult{
		StorageResult:  StorageFailed,
		FallbackResult: FallbackMemory,
		Warning:        warnMemoryOnly,
		MemoryState: &messages.MemoryState{
			JobID:      rec.ID,
			TempStatus: string(rec.Status),
		},
	}, nil
}

// ResumeSavedJob resumes the oldest persisted paused job. A corrupt first
// record is removed and reported as a validation failure. When storage is
// empty a job held only in memory is resumed instead.
func (m *Manager) ResumeSavedJob(ctx context.Context) messages.JobResumeResult {
	records, err := m.loadPaused(ctx)
	if err != nil {
		m.logger.Warn("paused job storage unreadable",
			logging.Error(err),
			logging.String(logging.FieldEventType, "login_resume_storage_error"),
			logging.String(logging.FieldErrorHint, "check the storage backend"),
		)
		return messages.JobResumeResult{
			Success: messages.Bool(false),
			Action:  ActionStorageError,
			Detail:  fmt.Sprintf("%s: %v", msgStorageAccess, err),
		}
	}

	source := "storage"
	if len(records) == 0 {
		mem := m.MemoryState()
		if len(mem) == 0 {
			return messages.JobResumeResult{Success: messages.Bool(false), Action: ActionNoJobs}
		}
		records = mem
		source = "memory"
	}

	first := records[0]
	if err := first.Validate(); err != nil {
		cleanup := "corrupted_data_removed"
		if source == "storage" {
			if cerr := store.SavePausedList(ctx, m.kv, records[1:]); cerr != nil {
				cleanup = "cleanup_failed"
			}
		} else {
			m.forgetInMemory(first.ID)
		}
		m.logger.Warn("corrupt paused job discarded",
			logging.JobID(first.ID),
			logging.Error(err),
			logging.String("cleanup", cleanup),
			logging.String(logging.FieldEventType, "login_resume_corrupt"),
			logging.String(logging.FieldErrorHint, "start the job again"),
		)
		return messages.JobResumeResult{
			Success:          messages.Bool(false),
			ValidationResult: "failed",
			Action:           ActionSkip,
			Detail:           msgInvalidJobData,
			CleanupResult:    cleanup,
			Source:           source,
		}
	}

	point := jobs.NormalizeResumePoint(string(first.ResumePoint))
	if source == "storage" {
		if _, err := store.RemovePaused(ctx, m.kv, first.ID); err != nil {
			m.logger.Debug("resumed job left in storage", logging.JobID(first.ID), logging.Error(err))
		}
	} else {
		m.forgetInMemory(first.ID)
	}
	m.logger.Info("job resumed after login",
		logging.JobID(first.ID),
		logging.String(logging.FieldEventType, "job_resumed"),
		logging.String("resume_point", string(point)),
		logging.String("source", source),
	)
	return messages.JobResumeResult{
		Success:    messages.Bool(true),
		ResumedJob: &messages.ResumedJob{ID: first.ID, ResumePoint: string(point)},
		Message:    &messages.ResumeJob{JobID: first.ID, ResumePoint: string(point)},
		Source:     source,
	}
}

func (m *Manager) loadPaused(ctx context.Context) ([]jobs.PausedRecord, error) {
	if m.kv == nil {
		return nil, nil
	}
	return store.LoadPausedList(ctx, m.kv)
}

// TabFailure guides the user when no worker page could be activated.
type TabFailure struct {
	TabResult    string   `json:"tabResult"`
	UserAction   string   `json:"userAction"`
	Message      string   `json:"message"`
	Instructions []string `json:"instructions"`
	JobID        string   `json:"jobId,omitempty"`
}

// HandleTabActivationFailure returns manual instructions for a worker page
// that could not be focused.
func (m *Manager) HandleTabActivationFailure(tabID int, jobID string) (TabFailure, error) {
	if tabID <= 0 {
		return TabFailure{}, invalid("tab activation failure", "invalid tab id %d", tabID)
	}
	m.logger.Warn("worker page could not be activated",
		logging.Int("tab_id", tabID),
		logging.JobID(jobID),
		logging.String(logging.FieldEventType, "tab_activation_failed"),
		logging.String(logging.FieldErrorHint, "open the target page manually and log in"),
	)
	return TabFailure{
		TabResult:  "failed",
		UserAction: "manual_required",
		Message:    "Open the target page manually and log in",
		Instructions: []string{
			"Open " + m.opts.MainURL,
			"After logging in, start the job again",
		},
		JobID: jobID,
	}, nil
}

// sleep waits d on clock or until ctx is done.
func sleep(ctx context.Context, clock retry.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	done := make(chan struct{})
	timer := clock.AfterFunc(d, func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	}
}
