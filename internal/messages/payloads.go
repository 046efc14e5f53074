package messages

import (
	"encoding/json"
	"math"
)

// StartGeneration asks the coordinator to start a job on a worker page.
type StartGeneration struct {
	Job json.RawMessage `json:"job" validate:"required,jsonobject"`
}

// ApplyAndGenerate is forwarded to a worker with the job unchanged.
type ApplyAndGenerate struct {
	Job json.RawMessage `json:"job" validate:"required,jsonobject"`
}

// ApplyPrompt asks a worker to fill its prompt without generating.
type ApplyPrompt struct {
	Prompt     string         `json:"prompt" validate:"required"`
	Parameters map[string]any `json:"parameters" validate:"required"`
}

// CancelJob cancels the job running on a worker.
type CancelJob struct {
	JobID string `json:"jobId" validate:"required"`
}

// Progress is the numeric progress of a job. Workers may report fractional
// steps.
type Progress struct {
	Current    *float64 `json:"current" validate:"required"`
	Total      *float64 `json:"total" validate:"required"`
	ETASeconds *float64 `json:"etaSeconds,omitempty"`
}

// Steps returns the completed and total steps rounded down for job records.
func (p Progress) Steps() (current, total int) {
	if p.Current != nil {
		current = int(math.Floor(*p.Current))
	}
	if p.Total != nil {
		total = int(math.Floor(*p.Total))
	}
	return current, total
}

// ProgressUpdate reports job progress from a worker.
type ProgressUpdate struct {
	JobID    string    `json:"jobId" validate:"required"`
	Status   string    `json:"status" validate:"required"`
	Progress *Progress `json:"progress" validate:"required"`
	Message  string    `json:"message,omitempty"`
}

// Consistent reports whether current does not exceed total.
func (p ProgressUpdate) Consistent() bool {
	if p.Progress == nil || p.Progress.Current == nil || p.Progress.Total == nil {
		return false
	}
	return *p.Progress.Current <= *p.Progress.Total
}

// ImageReady announces a generated image that should be downloaded.
type ImageReady struct {
	JobID    string `json:"jobId" validate:"required"`
	URL      string `json:"url" validate:"required"`
	Index    *int   `json:"index" validate:"required"`
	FileName string `json:"fileName" validate:"required"`
}

// DownloadImage instructs the download executor.
type DownloadImage struct {
	URL      string `json:"url" validate:"required,safeurl"`
	FileName string `json:"fileName" validate:"required"`
}

// OpenOrFocusTab asks for a worker page to be focused or opened.
type OpenOrFocusTab struct {
	URL string `json:"url" validate:"required"`
}

// ErrorDetail is the code and message of an ERROR payload.
type ErrorDetail struct {
	Code    ErrorCode `json:"code" validate:"required"`
	Message string    `json:"message,omitempty"`
}

// ErrorContext identifies the download an ERROR refers to.
type ErrorContext struct {
	URL      string `json:"url"`
	FileName string `json:"fileName"`
}

// ErrorPayload is the body of an ERROR message.
type ErrorPayload struct {
	JobID   string        `json:"jobId,omitempty"`
	Error   ErrorDetail   `json:"error"`
	Context *ErrorContext `json:"context,omitempty"`
}

// GenerationComplete reports that a worker finished a job.
type GenerationComplete struct {
	JobID           string   `json:"jobId,omitempty"`
	Count           *int     `json:"count" validate:"required"`
	DownloadedFiles []string `json:"downloadedFiles" validate:"required"`
}

// GenerationError reports that a worker gave up on a job.
type GenerationError struct {
	JobID string `json:"jobId,omitempty"`
	Error string `json:"error" validate:"required"`
}

// PageState is the worker's view of the page it drives.
type PageState struct {
	IsLoggedIn       bool   `json:"isLoggedIn"`
	HasPromptInput   bool   `json:"hasPromptInput"`
	IsTargetPage     bool   `json:"isTargetPage"`
	CurrentURL       string `json:"currentUrl"`
	HasLoginForm     bool   `json:"hasLoginForm"`
	HasEmailInput    bool   `json:"hasEmailInput"`
	HasPasswordInput bool   `json:"hasPasswordInput"`
}

// LoginRequiredCheck asks whether the page currently demands a login.
type LoginRequiredCheck struct {
	CurrentJobID *string `json:"currentJobId,omitempty"`
	RequestID    string  `json:"requestId,omitempty"`
	// SignalDurationMS is how long the worker has seen the login form.
	SignalDurationMS *int64 `json:"signalDurationMs,omitempty" validate:"omitempty,min=0"`
}

// LoginRequired is the notice embedded in a positive detection.
type LoginRequired struct {
	Type         string `json:"type"`
	CurrentJobID string `json:"currentJobId"`
	DetectedAt   int64  `json:"detectedAt"`
	RedirectURL  string `json:"redirectUrl"`
}

// LoginRequiredResult answers LOGIN_REQUIRED_CHECK.
type LoginRequiredResult struct {
	Detected       *bool          `json:"detected" validate:"required"`
	Message        *LoginRequired `json:"message,omitempty"`
	Handled        bool           `json:"handled,omitempty"`
	Fallback       string         `json:"fallback,omitempty"`
	FallbackResult string         `json:"fallbackResult,omitempty"`
	Warning        string         `json:"warning,omitempty"`
	Reason         string         `json:"reason,omitempty"`
}

// TransitionState holds the page flags captured after a navigation.
type TransitionState struct {
	IsLoggedIn     *bool `json:"isLoggedIn" validate:"required"`
	HasPromptInput bool  `json:"hasPromptInput"`
	IsTargetPage   bool  `json:"isTargetPage"`
}

// PageTransition is a before/after URL pair plus page flags.
type PageTransition struct {
	PreviousURL *string          `json:"previousUrl" validate:"required"`
	CurrentURL  *string          `json:"currentUrl" validate:"required"`
	PageState   *TransitionState `json:"pageState" validate:"required"`
}

// LoginCompletedCheck asks whether a navigation completed a login.
type LoginCompletedCheck struct {
	PageTransition *PageTransition `json:"pageTransition" validate:"required"`
	RequestID      string          `json:"requestId,omitempty"`
}

// LoginCompleted is the notice embedded in a completion result.
type LoginCompleted struct {
	Type               string `json:"type"`
	DetectedAt         int64  `json:"detectedAt"`
	AvailableForResume bool   `json:"availableForResume"`
}

// LoginCompletedResult answers LOGIN_COMPLETED_CHECK.
type LoginCompletedResult struct {
	Completed *bool           `json:"completed" validate:"required"`
	Message   *LoginCompleted `json:"message" validate:"required"`
	Handled   bool            `json:"handled,omitempty"`
	Fallback  string          `json:"fallback,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// PauseRunningJob asks the coordinator to pause a running job.
type PauseRunningJob struct {
	Job       json.RawMessage `json:"job" validate:"required,jsonobject"`
	RequestID string          `json:"requestId,omitempty"`
}

// JobPauseResult answers PAUSE_RUNNING_JOB.
type JobPauseResult struct {
	Success   *bool           `json:"success" validate:"required"`
	PausedJob json.RawMessage `json:"pausedJob" validate:"required,jsonobject"`
}

// SaveJobState asks the coordinator to persist a paused job.
type SaveJobState struct {
	PausedJob json.RawMessage `json:"pausedJob" validate:"required,jsonobject"`
	RequestID string          `json:"requestId,omitempty"`
}

// MemoryState describes a paused job held only in memory.
type MemoryState struct {
	JobID      string `json:"jobId"`
	TempStatus string `json:"tempStatus"`
}

// JobSaveResult answers SAVE_JOB_STATE.
type JobSaveResult struct {
	StorageResult  string       `json:"storageResult" validate:"required"`
	FallbackResult string       `json:"fallbackResult,omitempty"`
	Warning        string       `json:"warning,omitempty"`
	MemoryState    *MemoryState `json:"memoryState,omitempty"`
}

// ResumedJob identifies the job a resume applies to.
type ResumedJob struct {
	ID          string `json:"id"`
	ResumePoint string `json:"resumePoint"`
}

// JobResumeResult answers RESUME_SAVED_JOB.
type JobResumeResult struct {
	Success          *bool       `json:"success" validate:"required"`
	ResumedJob       *ResumedJob `json:"resumedJob,omitempty"`
	Message          *ResumeJob  `json:"message,omitempty"`
	Detail           string      `json:"detail,omitempty"`
	ValidationResult string      `json:"validationResult,omitempty"`
	Action           string      `json:"action,omitempty"`
	CleanupResult    string      `json:"cleanupResult,omitempty"`
	Source           string      `json:"source,omitempty"`
}

// ResumeJob tells a worker where to continue a paused job.
type ResumeJob struct {
	JobID       string `json:"jobId" validate:"required,jobid"`
	ResumePoint string `json:"resumePoint" validate:"required,oneof=prompt_application generation_start download_start"`
}

// LoginDetectionError reports a failed coordination request.
type LoginDetectionError struct {
	Code    string `json:"code" validate:"required"`
	Message string `json:"message" validate:"required"`
}

// NetworkStateChanged announces a connectivity transition.
type NetworkStateChanged struct {
	IsOnline     *bool    `json:"isOnline" validate:"required"`
	Timestamp    *int64   `json:"timestamp" validate:"required"`
	AffectedJobs []string `json:"affectedJobs,omitempty"`
}

// JobPaused announces that a job was paused.
type JobPaused struct {
	JobID    string `json:"jobId" validate:"required"`
	Reason   string `json:"reason" validate:"required"`
	PausedAt *int64 `json:"pausedAt" validate:"required"`
}

// JobResumed announces that a job was resumed.
type JobResumed struct {
	JobID     string `json:"jobId" validate:"required"`
	Reason    string `json:"reason" validate:"required"`
	ResumedAt *int64 `json:"resumedAt" validate:"required"`
}

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// Int returns a pointer to n.
func Int(n int) *int { return &n }

// Int64 returns a pointer to n.
func Int64(n int64) *int64 { return &n }

// Float64 returns a pointer to n.
func Float64(n float64) *float64 { return &n }

// String returns a pointer to s.
func String(s string) *string { return &s }
