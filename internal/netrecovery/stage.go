package netrecovery

import (
	"context"
	"fmt"
	"time"

	"genrelay/internal/jobs"
	"genrelay/internal/logging"
	"genrelay/internal/retry"
)

// StageOptions shapes a staged resume. MaxConcurrent zero means every job
// resumes in the first batch.
type StageOptions struct {
	BaseDelay     time.Duration
	Factor        float64
	MaxConcurrent int
}

// StageOptions returns the handler's configured staging.
func (h *Handler) StageOptions() StageOptions {
	return StageOptions{
		BaseDelay:     h.opts.StageBaseDelay,
		Factor:        h.opts.StageFactor,
		MaxConcurrent: h.opts.MaxConcurrent,
	}
}

// ScheduledResume is one entry of a staged resume plan.
type ScheduledResume struct {
	JobID   string `json:"jobId"`
	DelayMS int64  `json:"delayMs"`
}

// Delay returns the entry's delay as a duration.
func (s ScheduledResume) Delay() time.Duration {
	return time.Duration(s.DelayMS) * time.Millisecond
}

// StagePlan is the result of StageResume.
type StagePlan struct {
	Success        bool              `json:"success"`
	ResumeSchedule []ScheduledResume `json:"resumeSchedule"`
	TotalJobs      int               `json:"totalJobs"`
	Immediate      int               `json:"immediate"`
	Queued         int               `json:"queued"`
	BatchCount     int               `json:"batchCount"`
}

// StageResume spreads the resumption of list over time. The first job
// resumes at once and job i waits BaseDelay*Factor^(i-1). Jobs past
// MaxConcurrent wait an extra BaseDelay*Factor^(i-MaxConcurrent).
func (h *Handler) StageResume(list []jobs.Job, opts StageOptions) (StagePlan, error) {
	if len(list) > maxBatchSize {
		return StagePlan{}, fmt.Errorf("%w: batch of %d jobs exceeds %d", ErrInvalidInput, len(list), maxBatchSize)
	}
	if opts.BaseDelay < 0 || opts.Factor <= 0 || opts.MaxConcurrent < 0 {
		return StagePlan{}, fmt.Errorf("%w: stage options base=%s factor=%g max=%d",
			ErrInvalidInput, opts.BaseDelay, opts.Factor, opts.MaxConcurrent)
	}

	n := len(list)
	limit := opts.MaxConcurrent
	if limit == 0 || limit > n {
		limit = n
	}
	plan := StagePlan{
		Success:        true,
		ResumeSchedule: make([]ScheduledResume, 0, n),
		TotalJobs:      n,
		Immediate:      limit,
		Queued:         n - limit,
	}
	if limit > 0 {
		plan.BatchCount = (n + limit - 1) / limit
	}
	for i, job := range list {
		id, err := ValidateJobID(job.ID)
		if err != nil {
			return StagePlan{}, err
		}
		var delay time.Duration
		if i > 0 {
			delay = retry.Delay(opts.BaseDelay, opts.Factor, i-1)
		}
		if opts.MaxConcurrent > 0 && i >= opts.MaxConcurrent {
			delay += retry.Delay(opts.BaseDelay, opts.Factor, i-opts.MaxConcurrent)
		}
		plan.ResumeSchedule = append(plan.ResumeSchedule, ScheduledResume{JobID: id, DelayMS: delay.Milliseconds()})
	}
	return plan, nil
}

type stagedResume struct {
	timer retry.Timer
	done  bool
}

// ResumeStaged plans list with the configured staging and resumes each job
// when its delay elapses. A job whose turn comes while the signal reports
// offline stays paused.
func (h *Handler) ResumeStaged(ctx context.Context, list []jobs.Job) (StagePlan, error) {
	plan, err := h.StageResume(list, h.StageOptions())
	if err != nil {
		return plan, err
	}
	byID := make(map[string]jobs.Job, len(list))
	for _, job := range list {
		byID[job.ID] = job
	}
	base := context.WithoutCancel(ctx)
	for _, entry := range plan.ResumeSchedule {
		h.schedule(base, byID[entry.JobID], entry.Delay())
	}
	h.logger.Info("staged resume scheduled",
		logging.String(logging.FieldEventType, "network_resume_staged"),
		logging.Int("jobs", plan.TotalJobs),
		logging.Int("immediate", plan.Immediate),
		logging.Int("queued", plan.Queued),
	)
	return plan, nil
}

func (h *Handler) schedule(ctx context.Context, job jobs.Job, delay time.Duration) {
	entry := &stagedResume{}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if prev := h.staged[job.ID]; prev != nil && prev.timer != nil && prev.timer.Stop() {
		h.wg.Done()
	}
	h.staged[job.ID] = entry
	h.wg.Add(1)
	h.mu.Unlock()

	timer := h.clock.AfterFunc(delay, func() {
		defer h.wg.Done()
		h.mu.Lock()
		current := h.staged[job.ID] == entry
		if current {
			delete(h.staged, job.ID)
		}
		entry.done = true
		closed := h.closed
		h.mu.Unlock()
		if !current || closed {
			return
		}
		h.resumeOne(ctx, job)
	})

	h.mu.Lock()
	if !entry.done {
		entry.timer = timer
	}
	h.mu.Unlock()
}

func (h *Handler) resumeOne(ctx context.Context, job jobs.Job) {
	online := true
	if sig := h.currentSignal(); sig != nil {
		if on, available := sig.Online(ctx); available {
			online = on
		}
	}
	if !online {
		h.logger.Debug("staged resume skipped while offline", logging.JobID(job.ID))
		return
	}
	h.ResumeJobsOnOnline(ctx, []jobs.Job{job}, &State{IsOnline: true})
}

// PendingResumes returns the number of staged resumes not yet fired.
func (h *Handler) PendingResumes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.staged)
}
