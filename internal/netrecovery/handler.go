package netrecovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"genrelay/internal/config"
	"genrelay/internal/jobs"
	"genrelay/internal/logging"
	"genrelay/internal/messages"
	"genrelay/internal/notifications"
	"genrelay/internal/retry"
	"genrelay/internal/store"
)

// Reasons carried by JOB_PAUSED and JOB_RESUMED.
const (
	ReasonOffline  = "network_offline"
	ReasonRestored = "network_restored"
)

// Tracker persists job status changes.
type Tracker interface {
	UpdateStatus(ctx context.Context, id string, status jobs.Status, detail string) error
}

// Emitter delivers a message to every listener.
type Emitter interface {
	Emit(ctx context.Context, msg messages.Message) error
}

// Broadcaster delivers a message to one logical destination such as the
// control surface or the workers.
type Broadcaster interface {
	EmitTo(ctx context.Context, target string, msg messages.Message) error
}

// Signal reports connectivity. available is false when no signal exists.
type Signal interface {
	Online(ctx context.Context) (online bool, available bool)
}

// State is the connectivity state a bulk operation acts on.
type State struct {
	IsOnline bool
}

// Options configures a Handler.
type Options struct {
	FlappingThreshold time.Duration
	MaxConcurrent     int
	ResumeMaxRetries  int
	StageBaseDelay    time.Duration
	StageFactor       float64
	MonitorInterval   time.Duration
	Destinations      []string
}

// OptionsFromConfig reads the [network] section.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		FlappingThreshold: cfg.Network.FlappingThreshold(),
		MaxConcurrent:     cfg.Network.MaxConcurrent,
		ResumeMaxRetries:  cfg.Network.ResumeMaxRetries,
		StageBaseDelay:    cfg.Network.StageBaseDelay(),
		StageFactor:       cfg.Network.StageFactor,
		MonitorInterval:   cfg.Network.MonitorInterval(),
		Destinations:      append([]string(nil), cfg.Network.Destinations...),
	}
}

// Option customizes a Handler.
type Option func(*Handler)

// WithTracker persists pause and resume transitions.
func WithTracker(t Tracker) Option { return func(h *Handler) { h.tracker = t } }

// WithEmitter sets the direct delivery path.
func WithEmitter(e Emitter) Option { return func(h *Handler) { h.emitter = e } }

// WithBroadcaster sets the routed delivery path used by Broadcast.
func WithBroadcaster(b Broadcaster) Option { return func(h *Handler) { h.routes = b } }

// WithNotifier publishes pause and resume notices.
func WithNotifier(n notifications.Service) Option { return func(h *Handler) { h.notifier = n } }

// WithSignal sets the ambient connectivity signal.
func WithSignal(s Signal) Option { return func(h *Handler) { h.signal = s } }

// WithClock replaces the clock used for timestamps and staged resumes.
func WithClock(c retry.Clock) Option {
	return func(h *Handler) {
		if c != nil {
			h.clock = c
		}
	}
}

// WithLogger sets the handler logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// Handler applies connectivity transitions to jobs.
type Handler struct {
	opts     Options
	tracker  Tracker
	emitter  Emitter
	routes   Broadcaster
	notifier notifications.Service
	signal   Signal
	clock    retry.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	interval time.Duration
	runs     map[string]*retry.Run
	staged   map[string]*stagedResume
	wg       sync.WaitGroup
	closed   bool
}

// New constructs a Handler. Zero options fall back to defaults except
// MaxConcurrent, where zero means no limit.
func New(opts Options, options ...Option) *Handler {
	def := config.Default()
	d := OptionsFromConfig(&def)
	if opts.FlappingThreshold <= 0 {
		opts.FlappingThreshold = d.FlappingThreshold
	}
	if opts.MaxConcurrent < 0 {
		opts.MaxConcurrent = d.MaxConcurrent
	}
	if opts.ResumeMaxRetries <= 0 {
		opts.ResumeMaxRetries = d.ResumeMaxRetries
	}
	if opts.StageBaseDelay <= 0 {
		opts.StageBaseDelay = d.StageBaseDelay
	}
	if opts.StageFactor <= 0 {
		opts.StageFactor = d.StageFactor
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = d.MonitorInterval
	}
	if len(opts.Destinations) == 0 {
		opts.Destinations = d.Destinations
	}
	h := &Handler{
		opts:   opts,
		clock:  retry.SystemClock{},
		logger: logging.NewNop(),
		runs:   make(map[string]*retry.Run),
		staged: make(map[string]*stagedResume),
	}
	for _, opt := range options {
		opt(h)
	}
	h.logger = logging.NewComponentLogger(h.logger, "netrecovery")
	h.interval = h.SetMonitoringInterval(opts.MonitorInterval).Applied
	return h
}

// EventKind is the type of a connectivity event.
type EventKind string

const (
	EventOnline  EventKind = "online"
	EventOffline EventKind = "offline"
)

// Event is an observed connectivity change. A zero Timestamp means now.
type Event struct {
	Kind      EventKind
	Timestamp int64
	JobID     string
}

// Detection is the result of DetectNetworkStateChange.
type Detection struct {
	Detected           bool                          `json:"detected"`
	Message            *messages.NetworkStateChanged `json:"message,omitempty"`
	FallbackMode       bool                          `json:"fallbackMode,omitempty"`
	AssumedState       string                        `json:"assumedState,omitempty"`
	MonitoringDisabled bool                          `json:"monitoringDisabled,omitempty"`
	Warning            string                        `json:"warning,omitempty"`
}

// DetectNetworkStateChange maps ev, or the ambient signal when ev carries
// no kind, to a NETWORK_STATE_CHANGED payload listing the running jobs it
// affects. Without any signal it assumes online and disables monitoring.
func (h *Handler) DetectNetworkStateChange(ctx context.Context, ev *Event, running []jobs.Job) (Detection, error) {
	now := h.clock.Now()
	ts := now.UnixMilli()
	var eventJob string
	if ev != nil {
		if ev.Timestamp != 0 {
			valid, err := ValidateTimestamp(ev.Timestamp, now)
			if err != nil {
				return Detection{}, err
			}
			ts = valid
		}
		if ev.JobID != "" {
			id, err := ValidateJobID(ev.JobID)
			if err != nil {
				return Detection{}, err
			}
			eventJob = id
		}
	}

	online, available := true, false
	if sig := h.currentSignal(); sig != nil {
		online, available = sig.Online(ctx)
	}
	if ev != nil && ev.Kind != "" {
		online, available = ev.Kind == EventOnline, true
	}
	if !available {
		h.logger.Debug("no connectivity signal; assuming online")
		return Detection{
			FallbackMode:       true,
			AssumedState:       "online",
			MonitoringDisabled: true,
			Warning:            "Network detection not available",
		}, nil
	}

	affected := make([]string, 0, len(running)+1)
	if eventJob != "" {
		affected = append(affected, eventJob)
	}
	for _, j := range running {
		if j.Status == jobs.StatusRunning && j.ID != eventJob {
			affected = append(affected, j.ID)
		}
	}
	return Detection{
		Detected: true,
		Message: &messages.NetworkStateChanged{
			IsOnline:     messages.Bool(online),
			Timestamp:    messages.Int64(ts),
			AffectedJobs: affected,
		},
	}, nil
}

// PauseResult summarizes a bulk pause.
type PauseResult struct {
	Success          bool               `json:"success"`
	PausedJobs       []jobs.Job         `json:"pausedJobs"`
	Messages         []messages.Message `json:"messages"`
	PauseResult      string             `json:"pauseResult"`
	ForceStopped     []string           `json:"forceStopped,omitempty"`
	FallbackAction   string             `json:"fallbackAction,omitempty"`
	ErrorLog         string             `json:"errorLog,omitempty"`
	JobStatus        string             `json:"jobStatus,omitempty"`
	Handled          bool               `json:"handled,omitempty"`
	Fallback         string             `json:"fallback,omitempty"`
	UserNotification string             `json:"userNotification,omitempty"`
}

// PauseJobsOnOffline pauses every running job in list and emits JOB_PAUSED
// for each. A job whose pause cannot be persisted is force-stopped into the
// error state. A nil state is treated as online.
func (h *Handler) PauseJobsOnOffline(ctx context.Context, list []jobs.Job, state *State) PauseResult {
	if state == nil {
		return PauseResult{
			Success:          true,
			PauseResult:      "success",
			Handled:          true,
			Fallback:         "online",
			UserNotification: "Network state assumed online",
		}
	}
	if state.IsOnline {
		return PauseResult{Success: true, PauseResult: "success", UserNotification: "Network is online, no pause needed"}
	}
	if len(list) > maxBatchSize {
		return PauseResult{PauseResult: "failed", ErrorLog: fmt.Sprintf("batch of %d jobs exceeds %d", len(list), maxBatchSize)}
	}

	now := h.clock.Now()
	res := PauseResult{Success: true, PauseResult: "success"}
	var failures []error
	for _, job := range list {
		if job.Status != jobs.StatusRunning {
			continue
		}
		paused, err := job.Transition(jobs.StatusPaused, now)
		if err == nil {
			err = h.persist(ctx, job.ID, jobs.StatusPaused, ReasonOffline)
		}
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", job.ID, err))
			h.forceStop(ctx, job.ID, err)
			res.ForceStopped = append(res.ForceStopped, job.ID)
			continue
		}
		msg := messages.MustNew(messages.TypeJobPaused, messages.JobPaused{
			JobID:    job.ID,
			Reason:   ReasonOffline,
			PausedAt: messages.Int64(now.UnixMilli()),
		})
		h.emit(ctx, msg)
		res.PausedJobs = append(res.PausedJobs, paused)
		res.Messages = append(res.Messages, msg)
	}
	res.JobStatus = fmt.Sprintf("Paused %d jobs due to network offline", len(res.PausedJobs))

	if len(failures) > 0 {
		res.Success = false
		res.PauseResult = "failed"
		res.FallbackAction = "force_stop"
		res.ErrorLog = TruncateError(errors.Join(failures...).Error())
		res.JobStatus = string(jobs.StatusError)
		res.UserNotification = "Pausing jobs failed; affected jobs were stopped"
		h.publish(ctx, notifications.EventError, notifications.Payload{"context": "network pause", "error": res.ErrorLog})
	}
	if len(res.PausedJobs) > 0 {
		h.logger.Info("jobs paused for network outage",
			logging.String(logging.FieldEventType, "network_jobs_paused"),
			logging.Int("count", len(res.PausedJobs)),
		)
		h.publish(ctx, notifications.EventJobsPaused, notifications.Payload{"count": len(res.PausedJobs)})
	}
	return res
}

func (h *Handler) forceStop(ctx context.Context, id string, cause error) {
	logging.ErrorWithContext(h.logger, "job pause failed; forcing stop", "network_force_stop",
		logging.JobID(id),
		logging.Error(cause),
		logging.Alert("force_stop"),
		logging.String(logging.FieldErrorHint, "check the job store; restart the job once online"),
	)
	if h.tracker == nil {
		return
	}
	if err := h.tracker.UpdateStatus(ctx, id, jobs.StatusError, TruncateError("pause failed: "+cause.Error())); err != nil {
		h.logger.Debug("force stop not persisted", logging.JobID(id), logging.Error(err))
	}
}

// ResumeResult summarizes a bulk resume.
type ResumeResult struct {
	Success        bool               `json:"success"`
	ResumedJobs    []jobs.Job         `json:"resumedJobs"`
	Messages       []messages.Message `json:"messages"`
	ResumeResult   string             `json:"resumeResult"`
	DelegatedTo    string             `json:"delegatedTo,omitempty"`
	RetryScheduled bool               `json:"retryScheduled,omitempty"`
	Retrying       []string           `json:"retrying,omitempty"`
	MaxRetries     int                `json:"maxRetries,omitempty"`
	UserMessage    string             `json:"userMessage,omitempty"`
}

// ResumeJobsOnOnline moves paused jobs back to running and emits
// JOB_RESUMED for each. A job that cannot be resumed is handed to a retry
// engine bounded by the configured retry count.
func (h *Handler) ResumeJobsOnOnline(ctx context.Context, list []jobs.Job, state *State) ResumeResult {
	if state == nil || !state.IsOnline {
		return ResumeResult{ResumeResult: "failed", UserMessage: "Network is still offline, cannot resume jobs"}
	}
	if len(list) > maxBatchSize {
		return ResumeResult{ResumeResult: "failed", UserMessage: fmt.Sprintf("batch of %d jobs exceeds %d", len(list), maxBatchSize)}
	}

	now := h.clock.Now()
	res := ResumeResult{Success: true, ResumeResult: "success"}
	for _, job := range list {
		resumed, err := job.Transition(jobs.StatusRunning, now)
		if err == nil {
			err = h.persist(ctx, job.ID, jobs.StatusRunning, ReasonRestored)
		}
		if err != nil {
			if h.delegateResume(ctx, job.ID, err) {
				res.Retrying = append(res.Retrying, job.ID)
			}
			continue
		}
		msg := h.resumedMessage(job.ID, now)
		h.emit(ctx, msg)
		res.ResumedJobs = append(res.ResumedJobs, resumed)
		res.Messages = append(res.Messages, msg)
	}

	if len(res.Retrying) > 0 {
		res.Success = false
		res.ResumeResult = "failed"
		res.DelegatedTo = "retry_engine"
		res.RetryScheduled = true
		res.MaxRetries = h.opts.ResumeMaxRetries
		res.UserMessage = "Starting automatic retry"
	} else {
		res.UserMessage = fmt.Sprintf("Resumed %d jobs after network restoration", len(res.ResumedJobs))
	}
	if len(res.ResumedJobs) > 0 {
		h.logger.Info("jobs resumed after network restoration",
			logging.String(logging.FieldEventType, "network_jobs_resumed"),
			logging.Int("count", len(res.ResumedJobs)),
		)
		h.publish(ctx, notifications.EventJobsResumed, notifications.Payload{"count": len(res.ResumedJobs)})
	}
	return res
}

func (h *Handler) resumedMessage(id string, at time.Time) messages.Message {
	return messages.MustNew(messages.TypeJobResumed, messages.JobResumed{
		JobID:     id,
		Reason:    ReasonRestored,
		ResumedAt: messages.Int64(at.UnixMilli()),
	})
}

// delegateResume retries persisting a resume in the background. It reports
// whether a retry run was started.
func (h *Handler) delegateResume(ctx context.Context, id string, cause error) bool {
	if h.tracker == nil {
		return false
	}
	engine, err := retry.New(retry.Config{
		MaxRetries: h.opts.ResumeMaxRetries,
		BaseDelay:  h.opts.StageBaseDelay,
		Factor:     h.opts.StageFactor,
	}, retry.WithClock(h.clock))
	if err != nil {
		return false
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	if prev, ok := h.runs[id]; ok {
		prev.Cancel()
	}
	h.wg.Add(1)
	h.mu.Unlock()

	h.logger.Debug("resume delegated to retry engine", logging.JobID(id), logging.Error(cause))
	run := engine.RunWithRetry(context.WithoutCancel(ctx), func(ctx context.Context) error {
		err := h.tracker.UpdateStatus(ctx, id, jobs.StatusRunning, ReasonRestored)
		if errors.Is(err, jobs.ErrInvalidTransition) || errors.Is(err, jobs.ErrInvalidJob) || errors.Is(err, store.ErrNotFound) {
			return retry.NonRetryable(err)
		}
		return err
	})

	h.mu.Lock()
	h.runs[id] = run
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		err := run.Wait()
		h.mu.Lock()
		if h.runs[id] == run {
			delete(h.runs, id)
		}
		h.mu.Unlock()
		if err != nil {
			logging.WarnWithContext(h.logger, "job resume abandoned", "network_resume_abandoned",
				logging.JobID(id),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "restart the job manually"),
				logging.String(logging.FieldImpact, "job stays paused"),
			)
			return
		}
		h.emit(context.Background(), h.resumedMessage(id, h.clock.Now()))
	}()
	return true
}

// Wait blocks until every delegated resume has finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Close cancels staged resumes and delegated retries and waits for them.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	for id, run := range h.runs {
		run.Cancel()
		delete(h.runs, id)
	}
	for id, entry := range h.staged {
		if entry.timer != nil && entry.timer.Stop() {
			h.wg.Done()
		}
		delete(h.staged, id)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// FlappingResult reports whether a state change lasted long enough.
type FlappingResult struct {
	Detected bool   `json:"detected"`
	Reason   string `json:"reason"`
}

// HandleFlappingPrevention treats a state that held for less than the
// flapping threshold as noise.
func (h *Handler) HandleFlappingPrevention(jobID string, d time.Duration) FlappingResult {
	if _, err := ValidateJobID(jobID); err != nil || ValidateDuration(d) != nil || d < h.opts.FlappingThreshold {
		return FlappingResult{Reason: "flapping_prevention"}
	}
	return FlappingResult{Detected: true, Reason: "stable_state"}
}

// IntervalResult reports the applied monitoring interval.
type IntervalResult struct {
	Applied    time.Duration `json:"applied"`
	Acceptable bool          `json:"acceptable"`
	Capped     bool          `json:"capped,omitempty"`
	Warning    string        `json:"warning,omitempty"`
}

// SetMonitoringInterval applies d capped at one second. A non-positive
// value falls back to one second.
func (h *Handler) SetMonitoringInterval(d time.Duration) IntervalResult {
	limit := time.Duration(config.MaxMonitorIntervalMS) * time.Millisecond
	var res IntervalResult
	switch {
	case d <= 0:
		res = IntervalResult{Applied: limit, Warning: "Invalid interval provided, using default 1000ms"}
	case d > limit:
		res = IntervalResult{Applied: limit, Capped: true, Warning: "Interval capped to 1000ms"}
	default:
		res = IntervalResult{Applied: d, Acceptable: true}
	}
	if res.Warning != "" {
		h.logger.Debug("monitoring interval adjusted",
			logging.Duration("requested", d),
			logging.Duration("applied", res.Applied),
		)
	}
	h.mu.Lock()
	h.interval = res.Applied
	h.mu.Unlock()
	return res
}

// MonitoringInterval returns the applied interval.
func (h *Handler) MonitoringInterval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interval
}

func (h *Handler) currentSignal() Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.signal
}

func (h *Handler) setSignal(s Signal) {
	h.mu.Lock()
	h.signal = s
	h.mu.Unlock()
}

func (h *Handler) persist(ctx context.Context, id string, status jobs.Status, reason string) error {
	if h.tracker == nil {
		return nil
	}
	return h.tracker.UpdateStatus(ctx, id, status, reason)
}

func (h *Handler) emit(ctx context.Context, msg messages.Message) {
	if h.emitter == nil {
		return
	}
	if err := h.emitter.Emit(ctx, msg); err != nil {
		h.logger.Debug("network message had no listener", logging.MessageType(msg.Type), logging.Error(err))
	}
}

func (h *Handler) publish(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Publish(ctx, event, payload); err != nil {
		h.logger.Debug("network notification failed", logging.String("event", string(event)), logging.Error(err))
	}
}
