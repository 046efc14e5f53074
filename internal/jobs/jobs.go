// Package jobs models generation jobs and their lifecycle.
package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"genrelay/internal/messages"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// ParseStatus converts s into a known Status.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusRunning, StatusPaused, StatusCancelled, StatusCompleted, StatusError:
		return st, true
	}
	return "", false
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusError
}

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusPaused, StatusCompleted, StatusError, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusCancelled, StatusError},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ResumePoint is where a resumed job picks up.
type ResumePoint string

const (
	ResumePromptApplication ResumePoint = "prompt_application"
	ResumeGenerationStart   ResumePoint = "generation_start"
	ResumeDownloadStart     ResumePoint = "download_start"

	DefaultResumePoint = ResumeGenerationStart
)

// NormalizeResumePoint returns p when known, else the default.
func NormalizeResumePoint(p string) ResumePoint {
	switch rp := ResumePoint(p); rp {
	case ResumePromptApplication, ResumeGenerationStart, ResumeDownloadStart:
		return rp
	}
	return DefaultResumePoint
}

// Progress counts generated images.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Job is one user-requested unit of batch work.
type Job struct {
	ID          string         `json:"id"`
	Prompt      string         `json:"prompt"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Status      Status         `json:"status"`
	Progress    Progress       `json:"progress"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	PausedAt    *time.Time     `json:"pausedAt,omitempty"`
	ResumePoint ResumePoint    `json:"resumePoint,omitempty"`
}

var (
	// ErrInvalidJob marks a job that fails structural validation.
	ErrInvalidJob = errors.New("invalid job")
	// ErrInvalidTransition marks a lifecycle move the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Validate checks id format, progress bounds and status.
func (j Job) Validate() error {
	if !messages.ValidJobID(j.ID) {
		return fmt.Errorf("%w: id %q", ErrInvalidJob, j.ID)
	}
	if _, ok := ParseStatus(string(j.Status)); !ok {
		return fmt.Errorf("%w: status %q", ErrInvalidJob, j.Status)
	}
	if j.Progress.Current < 0 || j.Progress.Total < 0 {
		return fmt.Errorf("%w: negative progress", ErrInvalidJob)
	}
	if j.Progress.Current > j.Progress.Total {
		return fmt.Errorf("%w: progress %d exceeds total %d", ErrInvalidJob, j.Progress.Current, j.Progress.Total)
	}
	return nil
}

// Transition returns a copy of j moved to status to at now.
func (j Job) Transition(to Status, now time.Time) (Job, error) {
	if !CanTransition(j.Status, to) {
		return j, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	next := j
	next.Status = to
	next.UpdatedAt = now
	switch to {
	case StatusPaused:
		at := now
		next.PausedAt = &at
		if next.ResumePoint == "" {
			next.ResumePoint = DefaultResumePoint
		}
	case StatusRunning:
		next.PausedAt = nil
	}
	return next, nil
}

// PausedRecord is the persisted subset of a paused job. PausedAt is in
// epoch milliseconds.
type PausedRecord struct {
	ID          string         `json:"id"`
	Status      Status         `json:"status"`
	Prompt      string         `json:"prompt"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Progress    Progress       `json:"progress"`
	ResumePoint ResumePoint    `json:"resumePoint"`
	PausedAt    int64          `json:"pausedAt"`
}

// NewPausedRecord captures j for persistence. A job without a pause time
// is stamped with now.
func NewPausedRecord(j Job, now time.Time) PausedRecord {
	pausedAt := now
	if j.PausedAt != nil {
		pausedAt = *j.PausedAt
	}
	return PausedRecord{
		ID:          j.ID,
		Status:      j.Status,
		Prompt:      j.Prompt,
		Parameters:  j.Parameters,
		Progress:    j.Progress,
		ResumePoint: NormalizeResumePoint(string(j.ResumePoint)),
		PausedAt:    pausedAt.UnixMilli(),
	}
}

// Validate checks the fields required to resume from r.
func (r PausedRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidJob)
	}
	if _, ok := ParseStatus(string(r.Status)); !ok {
		return fmt.Errorf("%w: status %q", ErrInvalidJob, r.Status)
	}
	if r.PausedAt <= 0 {
		return fmt.Errorf("%w: missing pausedAt", ErrInvalidJob)
	}
	return nil
}

// Job rebuilds a paused job from r.
func (r PausedRecord) Job() Job {
	pausedAt := time.UnixMilli(r.PausedAt)
	return Job{
		ID:          r.ID,
		Prompt:      r.Prompt,
		Parameters:  r.Parameters,
		Status:      r.Status,
		Progress:    r.Progress,
		UpdatedAt:   pausedAt,
		PausedAt:    &pausedAt,
		ResumePoint: NormalizeResumePoint(string(r.ResumePoint)),
	}
}
