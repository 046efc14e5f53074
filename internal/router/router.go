package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"genrelay/internal/jobs"
	"genrelay/internal/logging"
	"genrelay/internal/messages"
	"genrelay/internal/retry"
	"genrelay/internal/textutil"
)

// Tab is a worker page known to the tab provider.
type Tab struct {
	ID     int    `json:"id"`
	URL    string `json:"url"`
	Active bool   `json:"active"`
}

// Tabs is the worker page lifecycle provider.
type Tabs interface {
	Query(ctx context.Context, pattern string) ([]Tab, error)
	Create(ctx context.Context, url string) (Tab, error)
	Focus(ctx context.Context, id int) error
	Send(ctx context.Context, id int, msg messages.Message) error
}

// Emitter delivers outbound messages to the control surface and other
// listeners. An error means nobody received the message.
type Emitter interface {
	Emit(ctx context.Context, msg messages.Message) error
}

// Tracker records job lifecycle as the router observes it.
type Tracker interface {
	JobStarted(ctx context.Context, job jobs.Job) error
	JobProgress(ctx context.Context, jobID string, progress jobs.Progress) error
	JobFinished(ctx context.Context, jobID string, status jobs.Status, detail string) error
}

// Effect is the single outbound consequence of handling a message.
type Effect string

const (
	EffectForwarded Effect = "forwarded"
	EffectFocused   Effect = "focused"
	EffectCreated   Effect = "created"
	EffectBroadcast Effect = "broadcast"
	EffectEmitted   Effect = "emitted"
	EffectScheduled Effect = "scheduled"
	EffectNoop      Effect = "noop"
	EffectRejected  Effect = "rejected"
	// EffectFailed means a valid message could not reach its worker page.
	// No ERROR is emitted; the Outcome carries the cause.
	EffectFailed Effect = "failed"
)

// Outcome describes what Handle did.
type Outcome struct {
	Effect Effect             `json:"effect"`
	Code   messages.ErrorCode `json:"code,omitempty"`
	Detail string             `json:"detail,omitempty"`
	TabID  int                `json:"tabId,omitempty"`
	Delay  time.Duration      `json:"delay,omitempty"`
}

// FocusFailureFunc turns a worker page that refused focus into guidance for
// the user.
type FocusFailureFunc func(ctx context.Context, tabID int, err error) string

// Backoff configures download retry scheduling.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
}

// DefaultBackoff yields retry delays of 500ms, 1s and 2s before giving up.
var DefaultBackoff = Backoff{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Factor: 2}

// DefaultTargetPattern matches worker pages when no pattern is configured.
const DefaultTargetPattern = "https://novelai.net/*"

// Option customizes a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTracker records job lifecycle events.
func WithTracker(t Tracker) Option {
	return func(r *Router) { r.tracker = t }
}

// WithScheduler replaces the clock used for download retry timers.
func WithScheduler(clock retry.Clock) Option {
	return func(r *Router) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithDownloadBackoff overrides download retry scheduling.
func WithDownloadBackoff(b Backoff) Option {
	return func(r *Router) {
		if b.MaxAttempts >= 0 && b.BaseDelay >= 0 && b.Factor > 0 {
			r.backoff = b
		}
	}
}

// WithTargetPattern sets the URL pattern used to find worker pages.
func WithTargetPattern(pattern string) Option {
	return func(r *Router) {
		if pattern != "" {
			r.pattern = pattern
		}
	}
}

// WithFocusFailure sets the handler consulted when focusing a worker page
// fails.
func WithFocusFailure(fn FocusFailureFunc) Option {
	return func(r *Router) { r.focusFailure = fn }
}

// WithMaxFileNameLength bounds sanitized download file names.
func WithMaxFileNameLength(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxFileName = n
		}
	}
}

// Router validates and routes inbound messages.
type Router struct {
	tabs        Tabs
	emitter     Emitter
	tracker     Tracker
	logger      *slog.Logger
	clock       retry.Clock
	backoff     Backoff
	pattern      string
	maxFileName  int
	focusFailure FocusFailureFunc

	mu       sync.Mutex
	attempts map[string]int
	pending  map[string]*pendingRetry
	samplers map[string]*logging.ProgressSampler
	closed   bool
}

type pendingRetry struct {
	timer retry.Timer
}

// New constructs a Router.
func New(tabs Tabs, emitter Emitter, opts ...Option) *Router {
	r := &Router{
		tabs:        tabs,
		emitter:     emitter,
		logger:      logging.NewNop(),
		clock:       retry.SystemClock{},
		backoff:     DefaultBackoff,
		pattern:     DefaultTargetPattern,
		maxFileName: textutil.DefaultMaxFileNameLength,
		attempts:    make(map[string]int),
		pending:     make(map[string]*pendingRetry),
		samplers:    make(map[string]*logging.ProgressSampler),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.NewComponentLogger(r.logger, "router")
	return r
}

// Handle routes msg and reports the single effect it produced.
func (r *Router) Handle(ctx context.Context, msg messages.Message) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := messages.Validate(msg); err != nil {
		code := messages.CodeFor(err)
		r.logger.DebugContext(ctx, "message rejected",
			logging.MessageType(msg.Type),
			logging.String(logging.FieldErrorCode, string(code)),
			logging.Error(err),
		)
		return r.reject(ctx, msg, code, err.Error(), "", nil)
	}

	switch msg.Type {
	case messages.TypeStartGeneration:
		return r.handleStartGeneration(ctx, msg)
	case messages.TypeOpenOrFocusTab:
		return r.handleOpenOrFocusTab(ctx, msg)
	case messages.TypeCancelJob:
		return r.handleCancelJob(ctx, msg)
	case messages.TypeProgressUpdate:
		return r.handleProgressUpdate(ctx, msg)
	case messages.TypeImageReady:
		return r.handleImageReady(ctx, msg)
	case messages.TypeError:
		return r.handleError(ctx, msg)
	case messages.TypeGenerationComplete:
		return r.handleGenerationComplete(ctx, msg)
	case messages.TypeGenerationError:
		return r.handleGenerationError(ctx, msg)
	default:
		return r.reject(ctx, msg, messages.CodeUnknownMessage, "no route for "+string(msg.Type), "", nil)
	}
}

// reject emits one ERROR describing why msg was not processed.
func (r *Router) reject(ctx context.Context, msg messages.Message, code messages.ErrorCode, detail, jobID string, errCtx *messages.ErrorContext) Outcome {
	env := &messages.ErrorEnvelope{Code: code, Message: detail, Context: errCtx, JobID: jobID}
	out := env.Outbound().WithRequestID(msg.RequestID)
	if err := r.emitter.Emit(ctx, out); err != nil {
		r.logger.Debug("error message had no listener",
			logging.MessageType(msg.Type),
			logging.String(logging.FieldErrorCode, string(code)),
			logging.Error(err),
		)
	}
	return Outcome{Effect: EffectRejected, Code: code, Detail: detail}
}

// tabFailure reports a worker page operation that failed after msg passed
// validation.
func (r *Router) tabFailure(ctx context.Context, msg messages.Message, op string, err error, jobID string) Outcome {
	logging.WarnWithContext(r.logger, "worker page "+op+" failed", "tab_"+op+"_failed",
		logging.MessageType(msg.Type),
		logging.JobID(jobID),
		logging.Error(err),
		logging.String(logging.FieldImpact, "message did not reach a worker page"),
		logging.String(logging.FieldErrorHint, "check that the worker page is connected"),
	)
	return Outcome{Effect: EffectFailed, Detail: op + ": " + err.Error()}
}

// focusFailed asks the focus failure handler for guidance. It returns the
// plain error text when no handler is set.
func (r *Router) focusFailed(ctx context.Context, tabID int, err error) string {
	if r.focusFailure == nil {
		return err.Error()
	}
	return r.focusFailure(ctx, tabID, err)
}

// Close stops pending download retries. Handle keeps working afterwards but
// no longer schedules timers.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for key, p := range r.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(r.pending, key)
	}
}

type trackedJob struct {
	ID         string         `json:"id"`
	Prompt     string         `json:"prompt"`
	Parameters map[string]any `json:"parameters"`
	Progress   *jobs.Progress `json:"progress"`
}

func decodeJob(raw json.RawMessage, now time.Time) (jobs.Job, bool) {
	var tj trackedJob
	if err := json.Unmarshal(raw, &tj); err != nil {
		return jobs.Job{}, false
	}
	job := jobs.Job{
		ID:         tj.ID,
		Prompt:     tj.Prompt,
		Parameters: tj.Parameters,
		Status:     jobs.StatusRunning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if tj.Progress != nil {
		job.Progress = *tj.Progress
	}
	if job.Validate() != nil {
		return jobs.Job{}, false
	}
	return job, true
}
