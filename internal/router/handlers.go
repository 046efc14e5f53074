package router

import (
	"context"
	"strings"

	"genrelay/internal/jobs"
	"genrelay/internal/logging"
	"genrelay/internal/messages"
	"genrelay/internal/textutil"
)

// targetTab returns the worker page for job traffic, or false when none is open.
func (r *Router) targetTab(ctx context.Context) (Tab, bool, error) {
	tabs, err := r.tabs.Query(ctx, r.pattern)
	if err != nil {
		return Tab{}, false, err
	}
	if len(tabs) == 0 {
		return Tab{}, false, nil
	}
	return tabs[0], true, nil
}

func (r *Router) handleStartGeneration(ctx context.Context, msg messages.Message) Outcome {
	payload, err := messages.Decode[messages.StartGeneration](msg)
	if err != nil {
		return r.reject(ctx, msg, messages.CodeInvalidPayload, err.Error(), "", nil)
	}
	tab, ok, err := r.targetTab(ctx)
	if err != nil {
		return r.tabFailure(ctx, msg, "query", err, "")
	}
	if !ok {
		r.logger.Debug("no worker page for start; ignoring",
			logging.String("pattern", r.pattern),
			logging.String(logging.FieldEventType, "start_no_target"),
		)
		return Outcome{Effect: EffectNoop, Detail: "no target worker page"}
	}

	forward := messages.MustNew(messages.TypeApplyAndGenerate, messages.ApplyAndGenerate{Job: payload.Job}).
		WithRequestID(msg.RequestID)
	job, tracked := decodeJob(payload.Job, r.clock.Now())
	if err := r.tabs.Send(ctx, tab.ID, forward); err != nil {
		return r.tabFailure(ctx, msg, "send", err, job.ID)
	}

	if tracked && r.tracker != nil {
		if err := r.tracker.JobStarted(ctx, job); err != nil {
			logging.WarnWithContext(r.logger, "job tracking failed", "job_track_failed",
				logging.JobID(job.ID),
				logging.Error(err),
				logging.String(logging.FieldImpact, "job list may omit this job"),
				logging.String(logging.FieldErrorHint, "check the database path and permissions"),
			)
		}
	}
	r.logger.Info("generation forwarded",
		logging.JobID(job.ID),
		logging.Int("tab_id", tab.ID),
		logging.String(logging.FieldEventType, "generation_forwarded"),
	)
	return Outcome{Effect: EffectForwarded, TabID: tab.ID}
}

func (r *Router) handleOpenOrFocusTab(ctx context.Context, msg messages.Message) Outcome {
	payload, err := messages.Decode[messages.OpenOrFocusTab](msg)
	if err != nil {
		return r.reject(ctx, msg, messages.CodeInvalidPayload, err.Error(), "", nil)
	}
	tabs, err := r.tabs.Query(ctx, payload.URL)
	if err != nil {
		return r.tabFailure(ctx, msg, "query", err, "")
	}
	if len(tabs) > 0 {
		if err := r.tabs.Focus(ctx, tabs[0].ID); err != nil {
			out := r.tabFailure(ctx, msg, "focus", err, "")
			out.TabID = tabs[0].ID
			out.Detail = r.focusFailed(ctx, tabs[0].ID, err)
			return out
		}
		return Outcome{Effect: EffectFocused, TabID: tabs[0].ID}
	}

	openURL := strings.TrimSuffix(payload.URL, "*")
	if !messages.IsSafeURL(openURL) {
		return r.reject(ctx, msg, messages.CodeInvalidURL, "refusing to open "+openURL, "", &messages.ErrorContext{URL: openURL})
	}
	tab, err := r.tabs.Create(ctx, openURL)
	if err != nil {
		return r.tabFailure(ctx, msg, "create", err, "")
	}
	var guidance string
	if err := r.tabs.Focus(ctx, tab.ID); err != nil {
		r.logger.Debug("focus after create failed", logging.Int("tab_id", tab.ID), logging.Error(err))
		guidance = r.focusFailed(ctx, tab.ID, err)
	}
	r.logger.Info("worker page opened",
		logging.String("url", openURL),
		logging.Int("tab_id", tab.ID),
		logging.String(logging.FieldEventType, "tab_created"),
	)
	return Outcome{Effect: EffectCreated, TabID: tab.ID, Detail: guidance}
}

func (r *Router) handleCancelJob(ctx context.Context, msg messages.Message) Outcome {
	payload, err := messages.Decode[messages.CancelJob](msg)
	if err != nil || strings.TrimSpace(payload.JobID) == "" {
		return r.reject(ctx, msg, messages.CodeInvalidPayload, "jobId is required", "", nil)
	}
	tab, ok, err := r.targetTab(ctx)
	if err != nil {
		return r.tabFailure(ctx, msg, "query", err, payload.JobID)
	}
	if !ok {
		r.logger.Debug("no worker page for cancel; ignoring",
			logging.JobID(payload.JobID),
			logging.String(logging.FieldEventType, "cancel_no_target"),
		)
		return Outcome{Effect: EffectNoop, Detail: "no target worker page"}
	}
	if err := r.tabs.Send(ctx, tab.ID, msg); err != nil {
		return r.tabFailure(ctx, msg, "send", err, payload.JobID)
	}
	r.finish(ctx, payload.JobID, jobs.StatusCancelled, "cancelled by user")
	return Outcome{Effect: EffectForwarded, TabID: tab.ID}
}

func (r *Router) handleProgressUpdate(ctx context.Context, msg messages.Message) Outcome {
	payload, err := messages.Decode[messages.ProgressUpdate](msg)
	if err != nil {
		return r.reject(ctx, msg, messages.CodeInvalidPayload, err.Error(), "", nil)
	}
	if !payload.Consistent() {
		return r.reject(ctx, msg, messages.CodeProgressInconsistent,
			"progress current exceeds total", payload.JobID, nil)
	}

	current, total := payload.Progress.Steps()
	if err := r.emitter.Emit(ctx, msg); err != nil {
		r.logger.Debug("progress broadcast had no listener", logging.JobID(payload.JobID), logging.Error(err))
	}
	if r.tracker != nil {
		if err := r.tracker.JobProgress(ctx, payload.JobID, jobs.Progress{Current: current, Total: total}); err != nil {
			r.logger.Debug("progress tracking skipped", logging.JobID(payload.JobID), logging.Error(err))
		}
	}
	if r.sampler(payload.JobID).ShouldLog(current, total, payload.Status) {
		r.logger.Info("job progress",
			logging.JobID(payload.JobID),
			logging.String("status", payload.Status),
			logging.String("progress", progressLabel(current, total)),
		)
	}
	return Outcome{Effect: EffectBroadcast}
}

func (r *Router) handleImageReady(ctx context.Context, msg messages.Message) Outcome {
	payload, err := messages.Decode[messages.ImageReady](msg)
	if err != nil {
		return r.reject(ctx, msg, messages.CodeInvalidPayload, err.Error(), "", nil)
	}
	if !messages.IsSafeURL(payload.URL) {
		return r.reject(ctx, msg, messages.CodeInvalidURL, "image url must be http or https",
			payload.JobID, &messages.ErrorContext{URL: payload.URL, FileName: payload.FileName})
	}
	fileName := textutil.SanitizeFileName(payload.FileName, r.maxFileName)
	out := messages.MustNew(messages.TypeDownloadImage, messages.DownloadImage{URL: payload.URL, FileName: fileName}).
		WithRequestID(msg.RequestID)
	if err := r.emitter.Emit(ctx, out); err != nil {
		r.logger.Debug("download request had no listener", logging.JobID(payload.JobID), logging.Error(err))
	}
	return Outcome{Effect: EffectEmitted, Detail: fileName}
}

func (r *Router) handleError(ctx context.Context, msg messages.Message) Outcome {
	payload, err := messages.Decode[messages.ErrorPayload](msg)
	if err != nil {
		return r.reject(ctx, msg, messages.CodeInvalidPayload, err.Error(), "", nil)
	}
	if payload.Error.Code == messages.CodeDownloadFailed && payload.Context != nil {
		return r.scheduleDownloadRetry(ctx, payload)
	}
	if err := r.emitter.Emit(ctx, msg); err != nil {
		r.logger.Debug("error pass-through had no listener", logging.Error(err))
	}
	return Outcome{Effect: EffectBroadcast, Code: payload.Error.Code}
}

func (r *Router) handleGenerationComplete(ctx context.Context, msg messages.Message) Outcome {
	payload, err := messages.Decode[messages.GenerationComplete](msg)
	if err != nil {
		return r.reject(ctx, msg, messages.CodeInvalidPayload, err.Error(), "", nil)
	}
	r.finish(ctx, payload.JobID, jobs.StatusCompleted, "")
	if err := r.emitter.Emit(ctx, msg); err != nil {
		r.logger.Debug("completion broadcast had no listener", logging.Error(err))
	}
	r.logger.Info("generation complete",
		logging.JobID(payload.JobID),
		logging.Int("count", *payload.Count),
		logging.String(logging.FieldEventType, "generation_complete"),
	)
	return Outcome{Effect: EffectBroadcast}
}

func (r *Router) handleGenerationError(ctx context.Context, msg messages.Message) Outcome {
	payload, err := messages.Decode[messages.GenerationError](msg)
	if err != nil {
		return r.reject(ctx, msg, messages.CodeInvalidPayload, err.Error(), "", nil)
	}
	r.finish(ctx, payload.JobID, jobs.StatusError, payload.Error)
	if err := r.emitter.Emit(ctx, msg); err != nil {
		r.logger.Debug("generation error broadcast had no listener", logging.Error(err))
	}
	logging.WarnWithContext(r.logger, "generation failed on worker", "generation_error",
		logging.JobID(payload.JobID),
		logging.String("error", payload.Error),
		logging.String(logging.FieldImpact, "job stopped before all images were produced"),
		logging.String(logging.FieldErrorHint, "check the worker page and start the job again"),
	)
	return Outcome{Effect: EffectBroadcast}
}

func (r *Router) finish(ctx context.Context, jobID string, status jobs.Status, detail string) {
	r.mu.Lock()
	delete(r.samplers, jobID)
	r.mu.Unlock()
	if r.tracker == nil || jobID == "" {
		return
	}
	if err := r.tracker.JobFinished(ctx, jobID, status, detail); err != nil {
		r.logger.Debug("finish tracking skipped", logging.JobID(jobID), logging.Error(err))
	}
}

func (r *Router) sampler(jobID string) *logging.ProgressSampler {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.samplers[jobID]
	if !ok {
		s = logging.NewProgressSampler(0)
		r.samplers[jobID] = s
	}
	return s
}

func progressLabel(current, total int) string {
	return itoa(current) + "/" + itoa(total)
}
