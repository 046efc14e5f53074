package login

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"genrelay/internal/jobs"
	"genrelay/internal/logging"
	"genrelay/internal/messages"
)

// ResumeRateKey is the attempt window consulted before auto resume.
const ResumeRateKey = "auto_resume"

const warnLatencyBudget = "Login detection exceeded its latency budget"

// Emitter delivers replies to the requester.
type Emitter interface {
	Emit(ctx context.Context, msg messages.Message) error
}

// Result is what Channel.Handle did with a message.
type Result struct {
	Handled bool
	Replies []messages.Message
}

// Channel answers coordination requests with their result messages.
type Channel struct {
	manager *Manager
	emitter Emitter
	logger  *slog.Logger
}

// NewChannel binds a Manager to an Emitter. A nil emitter only collects
// replies in the Result.
func NewChannel(manager *Manager, emitter Emitter, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Channel{
		manager: manager,
		emitter: emitter,
		logger:  logging.NewComponentLogger(logger, "login-channel"),
	}
}

// Handles reports whether t is a request the channel answers.
func Handles(t messages.Type) bool {
	switch t {
	case messages.TypeLoginRequiredCheck, messages.TypeLoginCompletedCheck,
		messages.TypePauseRunningJob, messages.TypeSaveJobState,
		messages.TypeResumeSavedJob, messages.TypeLoginCacheReset:
		return true
	}
	return false
}

// Handle answers msg. Unrelated types are left unhandled. Bad payloads and
// failing operations are answered with LOGIN_DETECTION_ERROR.
func (c *Channel) Handle(ctx context.Context, msg messages.Message) (res Result) {
	if !Handles(msg.Type) {
		return Result{}
	}
	requestID := msg.RequestID
	if requestID == "" {
		requestID = messages.PayloadRequestID(msg)
	}
	res.Handled = true

	defer func() {
		if r := recover(); r != nil {
			res.Replies = nil
			c.fail(ctx, &res, requestID, messages.CodeHandlerException, fmt.Sprint(r))
		}
	}()

	switch msg.Type {
	case messages.TypeLoginRequiredCheck:
		p, err := messages.Decode[messages.LoginRequiredCheck](msg)
		if err != nil {
			c.fail(ctx, &res, requestID, string(messages.CodeInvalidPayload), err.Error())
			return res
		}
		if p.SignalDurationMS != nil && *p.SignalDurationMS < 0 {
			c.fail(ctx, &res, requestID, string(messages.CodeInvalidPayload), "signalDurationMs must not be negative")
			return res
		}
		var reported time.Duration
		if p.SignalDurationMS != nil {
			reported = time.Duration(*p.SignalDurationMS) * time.Millisecond
		}
		started := c.manager.clock.Now()
		result := c.manager.DetectLoginRequiredAfter(ctx, p.CurrentJobID, reported)
		if result.Detected != nil && *result.Detected {
			if timing, err := c.manager.DetectWithTimeout(c.manager.clock.Now().Sub(started)); err == nil && timing.Warning {
				result.Warning = warnLatencyBudget
			}
		}
		c.reply(ctx, &res, messages.TypeLoginRequiredResult, requestID, result)

	case messages.TypeLoginCompletedCheck:
		p, err := messages.Decode[messages.LoginCompletedCheck](msg)
		if err != nil || p.PageTransition == nil {
			c.fail(ctx, &res, requestID, string(messages.CodeInvalidPayload), "pageTransition is required")
			return res
		}
		c.reply(ctx, &res, messages.TypeLoginCompletedResult, requestID, c.manager.DetectLoginCompleted(p.PageTransition))

	case messages.TypePauseRunningJob:
		p, err := messages.Decode[messages.PauseRunningJob](msg)
		job, ok := decodeWireJob(p.Job)
		if err != nil || !ok {
			c.fail(ctx, &res, requestID, string(messages.CodeInvalidPayload), "job is required")
			return res
		}
		paused, err := c.manager.PauseRunningJob(job)
		if err != nil {
			c.fail(ctx, &res, requestID, messages.CodeHandlerException, err.Error())
			return res
		}
		c.reply(ctx, &res, messages.TypeJobPauseResult, requestID, messages.JobPauseResult{
			Success:   messages.Bool(true),
			PausedJob: encodeWireJob(paused),
		})

	case messages.TypeSaveJobState:
		p, err := messages.Decode[messages.SaveJobState](msg)
		job, ok := decodeWireJob(p.PausedJob)
		if err != nil || !ok {
			c.fail(ctx, &res, requestID, string(messages.CodeInvalidPayload), "pausedJob is required")
			return res
		}
		result, err := c.manager.SaveJobState(ctx, job)
		if err != nil {
			c.fail(ctx, &res, requestID, messages.CodeHandlerException, err.Error())
			return res
		}
		c.reply(ctx, &res, messages.TypeJobSaveResult, requestID, result)

	case messages.TypeResumeSavedJob:
		if limit := c.manager.CheckRateLimit(ResumeRateKey); limit.Blocked {
			c.reply(ctx, &res, messages.TypeJobResumeResult, requestID, messages.JobResumeResult{
				Success: messages.Bool(false),
				Action:  limit.Reason,
				Detail:  "automatic resume disabled after repeated attempts",
			})
			return res
		}
		c.manager.RecordAttempt(ResumeRateKey)
		result := c.manager.ResumeSavedJob(ctx)
		c.reply(ctx, &res, messages.TypeJobResumeResult, requestID, result)
		if result.Message != nil {
			c.reply(ctx, &res, messages.TypeResumeJob, requestID, *result.Message)
		}

	case messages.TypeLoginCacheReset:
		c.manager.InvalidateCache()
		c.reply(ctx, &res, messages.TypeLoginCacheCleared, requestID, nil)
	}
	return res
}

func (c *Channel) reply(ctx context.Context, res *Result, t messages.Type, requestID string, payload any) {
	out, err := messages.New(t, payload)
	if err != nil {
		c.fail(ctx, res, requestID, messages.CodeHandlerException, err.Error())
		return
	}
	c.send(ctx, res, out.WithRequestID(requestID))
}

func (c *Channel) fail(ctx context.Context, res *Result, requestID, code, detail string) {
	c.logger.Debug("coordination request failed",
		logging.RequestID(requestID),
		logging.String(logging.FieldErrorCode, code),
		logging.String("detail", detail),
	)
	out := messages.MustNew(messages.TypeLoginDetectionError, messages.LoginDetectionError{Code: code, Message: detail})
	c.send(ctx, res, out.WithRequestID(requestID))
}

func (c *Channel) send(ctx context.Context, res *Result, out messages.Message) {
	res.Replies = append(res.Replies, out)
	if c.emitter == nil {
		return
	}
	if err := c.emitter.Emit(ctx, out); err != nil {
		c.logger.Debug("coordination reply had no listener",
			logging.MessageType(out.Type),
			logging.Error(err),
		)
	}
}

// wireJob is a job as workers exchange it, with epoch millisecond times.
type wireJob struct {
	ID          string           `json:"id"`
	Status      jobs.Status      `json:"status"`
	Prompt      string           `json:"prompt,omitempty"`
	Parameters  map[string]any   `json:"parameters,omitempty"`
	Progress    jobs.Progress    `json:"progress"`
	ResumePoint jobs.ResumePoint `json:"resumePoint,omitempty"`
	CreatedAt   int64            `json:"createdAt,omitempty"`
	UpdatedAt   int64            `json:"updatedAt,omitempty"`
	PausedAt    *int64           `json:"pausedAt,omitempty"`
}

func decodeWireJob(raw json.RawMessage) (jobs.Job, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return jobs.Job{}, false
	}
	var w wireJob
	if err := json.Unmarshal(raw, &w); err != nil {
		return jobs.Job{}, false
	}
	job := jobs.Job{
		ID:          w.ID,
		Status:      w.Status,
		Prompt:      w.Prompt,
		Parameters:  w.Parameters,
		Progress:    w.Progress,
		ResumePoint: w.ResumePoint,
	}
	if w.CreatedAt > 0 {
		job.CreatedAt = time.UnixMilli(w.CreatedAt)
	}
	if w.UpdatedAt > 0 {
		job.UpdatedAt = time.UnixMilli(w.UpdatedAt)
	}
	if w.PausedAt != nil {
		at := time.UnixMilli(*w.PausedAt)
		job.PausedAt = &at
	}
	return job, true
}

func encodeWireJob(j jobs.Job) json.RawMessage {
	w := wireJob{
		ID:          j.ID,
		Status:      j.Status,
		Prompt:      j.Prompt,
		Parameters:  j.Parameters,
		Progress:    j.Progress,
		ResumePoint: j.ResumePoint,
	}
	if !j.CreatedAt.IsZero() {
		w.CreatedAt = j.CreatedAt.UnixMilli()
	}
	if !j.UpdatedAt.IsZero() {
		w.UpdatedAt = j.UpdatedAt.UnixMilli()
	}
	if j.PausedAt != nil {
		ms := j.PausedAt.UnixMilli()
		w.PausedAt = &ms
	}
	raw, _ := json.Marshal(w)
	return raw
}
