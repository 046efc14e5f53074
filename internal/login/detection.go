package login

import (
	"context"
	"net/url"
	"strings"
	"time"

	"genrelay/internal/logging"
	"genrelay/internal/messages"
)

const (
	warnLoginElementsMissing = "Login detection elements not found, assuming logged in state"

	fallbackDefaultState   = "default-state"
	fallbackAssumeLoggedIn = "assume_logged_in"
)

// DetectLoginRequired probes the page and reports whether it shows a login
// form. A nil jobID is answered with a fallback without probing. Missing
// login elements, or a page that cannot be probed, assume the user is
// still logged in. A form counts only once it has been visible for the
// minimum signal duration, measured from its first observation here.
func (m *Manager) DetectLoginRequired(ctx context.Context, jobID *string) messages.LoginRequiredResult {
	return m.DetectLoginRequiredAfter(ctx, jobID, 0)
}

// DetectLoginRequiredAfter is DetectLoginRequired for a form the worker
// has already watched for reported; the longer of reported and the local
// observation decides whether the signal is genuine.
func (m *Manager) DetectLoginRequiredAfter(ctx context.Context, jobID *string, reported time.Duration) messages.LoginRequiredResult {
	if jobID == nil {
		return messages.LoginRequiredResult{
			Detected: messages.Bool(false),
			Handled:  true,
			Fallback: DefaultJobID,
		}
	}
	id := strings.TrimSpace(*jobID)
	if id == "" {
		id = DefaultJobID
	}

	state, err := m.pageState(ctx)
	if err != nil {
		m.logger.Warn("page state unavailable; assuming logged in",
			logging.JobID(id),
			logging.Error(err),
			logging.String(logging.FieldEventType, "login_probe_failed"),
			logging.String(logging.FieldErrorHint, "check that a worker page is connected"),
		)
		return messages.LoginRequiredResult{
			Detected:       messages.Bool(false),
			FallbackResult: fallbackAssumeLoggedIn,
			Warning:        warnLoginElementsMissing,
			Reason:         "page_state_unavailable",
		}
	}

	if state.HasLoginForm && state.HasEmailInput && state.HasPasswordInput {
		persisted := m.formPersisted()
		if reported > persisted {
			persisted = reported
		}
		signal, _ := m.DetectWithDuration(persisted)
		if !signal.Detected {
			m.logger.Debug("login form not yet persistent",
				logging.JobID(id),
				logging.Duration("visible", persisted),
				logging.Duration("minimum", m.opts.MinSignal),
			)
			return messages.LoginRequiredResult{
				Detected: messages.Bool(false),
				Reason:   string(signal.Reason),
			}
		}
		m.logger.Info("login required",
			logging.JobID(id),
			logging.String(logging.FieldEventType, "login_required"),
			logging.String("redirect_url", m.opts.LoginURL),
		)
		return messages.LoginRequiredResult{
			Detected: messages.Bool(true),
			Message: &messages.LoginRequired{
				Type:         "LOGIN_REQUIRED",
				CurrentJobID: id,
				DetectedAt:   m.nowMillis(),
				RedirectURL:  m.opts.LoginURL,
			},
		}
	}
	m.forgetForm()
	return messages.LoginRequiredResult{
		Detected:       messages.Bool(false),
		FallbackResult: fallbackAssumeLoggedIn,
		Warning:        warnLoginElementsMissing,
	}
}

// formPersisted records the first sighting of a login form and returns how
// long it has been visible since.
func (m *Manager) formPersisted() time.Duration {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.formSeen.IsZero() {
		m.formSeen = now
	}
	return now.Sub(m.formSeen)
}

func (m *Manager) forgetForm() {
	m.mu.Lock()
	m.formSeen = time.Time{}
	m.mu.Unlock()
}

// DetectLoginCompleted reports whether a navigation moved from the login
// page to the main page of the trusted host with the user logged in.
func (m *Manager) DetectLoginCompleted(t *messages.PageTransition) messages.LoginCompletedResult {
	if t == nil || t.PreviousURL == nil || t.CurrentURL == nil || t.PageState == nil || t.PageState.IsLoggedIn == nil {
		return messages.LoginCompletedResult{
			Completed: messages.Bool(false),
			Handled:   true,
			Fallback:  fallbackDefaultState,
			Message:   m.completedNotice(false),
		}
	}
	prev, cur := *t.PreviousURL, *t.CurrentURL
	if !m.trusted(prev) || !m.trusted(cur) {
		m.logger.Warn("login transition outside trusted host ignored",
			logging.String("previous_url", prev),
			logging.String("current_url", cur),
			logging.String(logging.FieldEventType, "login_untrusted_url"),
			logging.String(logging.FieldErrorHint, "only "+m.opts.TrustedHost+" navigations count as login completion"),
		)
		return messages.LoginCompletedResult{
			Completed: messages.Bool(false),
			Message:   m.completedNotice(false),
			Reason:    "untrusted_url",
		}
	}

	st := t.PageState
	completed := prev == m.opts.LoginURL &&
		cur == m.opts.MainURL &&
		*st.IsLoggedIn && st.HasPromptInput && st.IsTargetPage
	if completed {
		m.logger.Info("login completed",
			logging.String(logging.FieldEventType, "login_completed"),
			logging.String("current_url", cur),
		)
	}
	return messages.LoginCompletedResult{
		Completed: messages.Bool(completed),
		Message:   m.completedNotice(completed),
	}
}

func (m *Manager) completedNotice(resumable bool) *messages.LoginCompleted {
	return &messages.LoginCompleted{
		Type:               "LOGIN_COMPLETED",
		DetectedAt:         m.nowMillis(),
		AvailableForResume: resumable,
	}
}

// trusted reports whether raw is a URL on the trusted host or one of its
// subdomains.
func (m *Manager) trusted(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	want := strings.ToLower(m.opts.TrustedHost)
	return host == want || strings.HasSuffix(host, "."+want)
}

// DurationClass is how a signal duration compares to the minimum.
type DurationClass string

const (
	BelowThreshold DurationClass = "below_threshold"
	ThresholdMet   DurationClass = "threshold_met"
	AboveThreshold DurationClass = "above_threshold"
)

// DurationResult classifies how long a login signal persisted.
type DurationResult struct {
	Detected bool          `json:"detected"`
	Reason   DurationClass `json:"reason"`
	Duration time.Duration `json:"duration"`
}

// DetectWithDuration accepts a login signal only when it persisted for at
// least the configured minimum.
func (m *Manager) DetectWithDuration(d time.Duration) (DurationResult, error) {
	if d < 0 {
		return DurationResult{}, invalid("detect with duration", "negative duration %s", d)
	}
	res := DurationResult{Duration: d}
	switch {
	case d < m.opts.MinSignal:
		res.Reason = BelowThreshold
	case d == m.opts.MinSignal:
		res.Detected = true
		res.Reason = ThresholdMet
	default:
		res.Detected = true
		res.Reason = AboveThreshold
	}
	return res, nil
}

// TimeoutResult reports whether a detection met its latency budget.
type TimeoutResult struct {
	Completed bool          `json:"completed"`
	WithinSLA bool          `json:"withinSLA"`
	Warning   bool          `json:"warning"`
	Elapsed   time.Duration `json:"elapsed"`
}

// DetectWithTimeout classifies the time from detection to notification.
// Exceeding the budget is a warning, never a failure.
func (m *Manager) DetectWithTimeout(elapsed time.Duration) (TimeoutResult, error) {
	if elapsed < 0 {
		return TimeoutResult{}, invalid("detect with timeout", "negative elapsed time %s", elapsed)
	}
	within := elapsed <= m.opts.LatencyBudget
	if !within {
		m.logger.Warn("login detection exceeded latency budget",
			logging.Duration("elapsed", elapsed),
			logging.Duration("budget", m.opts.LatencyBudget),
			logging.String(logging.FieldEventType, "login_latency_budget"),
			logging.String(logging.FieldErrorHint, "worker page may be slow to report state"),
		)
	}
	return TimeoutResult{Completed: true, WithinSLA: within, Warning: !within, Elapsed: elapsed}, nil
}

// URLChangeResult acknowledges a navigation.
type URLChangeResult struct {
	Handled  bool   `json:"handled"`
	Fallback string `json:"fallback"`
}

// HandleURLChange invalidates the presence cache after a navigation. A nil
// URL is accepted and reported with an empty fallback.
func (m *Manager) HandleURLChange(u *string) URLChangeResult {
	m.InvalidateCache()
	if u == nil {
		return URLChangeResult{Handled: true}
	}
	return URLChangeResult{Handled: true, Fallback: DefaultJobID}
}
