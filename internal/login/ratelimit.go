package login

import (
	"time"

	"genrelay/internal/logging"
)

// RateLimit reports whether automatic resumption is still allowed for a
// key.
type RateLimit struct {
	Blocked           bool   `json:"blocked"`
	AutoResumeEnabled bool   `json:"autoResumeEnabled"`
	Reason            string `json:"reason,omitempty"`
	Attempts          int    `json:"attempts"`
}

// RecordAttempt counts one detection or resume attempt for key inside the
// sliding window and returns the attempts currently in the window.
func (m *Manager) RecordAttempt(key string) int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	window := m.pruneLocked(key, now)
	window = append(window, now)
	m.attempts[key] = window
	return len(window)
}

// CheckRateLimit blocks auto resume once key reached the maximum number of
// attempts within the window.
func (m *Manager) CheckRateLimit(key string) RateLimit {
	now := m.clock.Now()
	m.mu.Lock()
	n := len(m.pruneLocked(key, now))
	m.mu.Unlock()

	if n >= m.opts.MaxAttempts {
		m.logger.Warn("login auto resume rate limited",
			logging.String("key", key),
			logging.Int("attempts", n),
			logging.Duration("window", m.opts.Window),
			logging.String(logging.FieldEventType, "login_rate_limited"),
			logging.Alert("manual_resume"),
			logging.String(logging.FieldErrorHint, "resume the job manually"),
		)
		return RateLimit{Blocked: true, AutoResumeEnabled: false, Reason: "rate_limit_exceeded", Attempts: n}
	}
	return RateLimit{AutoResumeEnabled: true, Attempts: n}
}

// ResetAttempts clears the window for key.
func (m *Manager) ResetAttempts(key string) {
	m.mu.Lock()
	delete(m.attempts, key)
	m.mu.Unlock()
}

func (m *Manager) pruneLocked(key string, now time.Time) []time.Time {
	cutoff := now.Add(-m.opts.Window)
	window := m.attempts[key]
	kept := window[:0]
	for _, at := range window {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) == 0 {
		delete(m.attempts, key)
		return nil
	}
	m.attempts[key] = kept
	return kept
}
