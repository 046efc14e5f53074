package login

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"genrelay/internal/config"
	"genrelay/internal/jobs"
	"genrelay/internal/logging"
	"genrelay/internal/messages"
	"genrelay/internal/retry"
	"genrelay/internal/store"
)

// DefaultJobID replaces missing or blank job ids.
const DefaultJobID = "default-job-id"

// Prober reports the state of the page the active worker drives.
type Prober interface {
	PageState(ctx context.Context) (messages.PageState, error)
}

// Options holds the detection thresholds and target URLs.
type Options struct {
	LoginURL          string
	MainURL           string
	TrustedHost       string
	MinSignal         time.Duration
	MaxAttempts       int
	Window            time.Duration
	LatencyBudget     time.Duration
	StorageRetries    int
	StorageRetryDelay time.Duration
	CacheTTL          time.Duration
}

// OptionsFromConfig reads the [login] and [target] sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		LoginURL:          cfg.Target.LoginURL,
		MainURL:           cfg.Target.MainURL,
		TrustedHost:       cfg.Target.TrustedHost,
		MinSignal:         cfg.Login.MinSignal(),
		MaxAttempts:       cfg.Login.MaxAttempts,
		Window:            cfg.Login.Window(),
		LatencyBudget:     cfg.Login.LatencyBudget(),
		StorageRetries:    cfg.Login.StorageRetries,
		StorageRetryDelay: cfg.Login.StorageRetryDelay(),
		CacheTTL:          cfg.Login.CacheTTL(),
	}
}

// DefaultOptions returns the options of a default configuration.
func DefaultOptions() Options {
	cfg := config.Default()
	return OptionsFromConfig(&cfg)
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces the clock used for timestamps, caching and storage
// retry waits.
func WithClock(clock retry.Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager detects login transitions and pauses or resumes jobs around them.
type Manager struct {
	opts   Options
	prober Prober
	kv     store.KV
	clock  retry.Clock
	logger *slog.Logger

	mu       sync.Mutex
	cached   *cachedState
	formSeen time.Time
	memory   []jobs.PausedRecord
	attempts map[string][]time.Time
}

type cachedState struct {
	state messages.PageState
	at    time.Time
}

// NewManager constructs a Manager. Zero option values fall back to the
// defaults.
func NewManager(opts Options, prober Prober, kv store.KV, options ...Option) *Manager {
	m := &Manager{
		opts:     withDefaults(opts),
		prober:   prober,
		kv:       kv,
		clock:    retry.SystemClock{},
		logger:   logging.NewNop(),
		attempts: make(map[string][]time.Time),
	}
	for _, opt := range options {
		opt(m)
	}
	m.logger = logging.NewComponentLogger(m.logger, "login")
	return m
}

func withDefaults(opts Options) Options {
	def := config.Default()
	d := OptionsFromConfig(&def)
	if opts.LoginURL == "" {
		opts.LoginURL = d.LoginURL
	}
	if opts.MainURL == "" {
		opts.MainURL = d.MainURL
	}
	if opts.TrustedHost == "" {
		opts.TrustedHost = d.TrustedHost
	}
	if opts.MinSignal <= 0 {
		opts.MinSignal = d.MinSignal
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = d.MaxAttempts
	}
	if opts.Window <= 0 {
		opts.Window = d.Window
	}
	if opts.LatencyBudget <= 0 {
		opts.LatencyBudget = d.LatencyBudget
	}
	if opts.StorageRetries <= 0 {
		opts.StorageRetries = d.StorageRetries
	}
	if opts.StorageRetryDelay < 0 {
		opts.StorageRetryDelay = d.StorageRetryDelay
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = d.CacheTTL
	}
	return opts
}

// Options returns the effective options.
func (m *Manager) Options() Options {
	return m.opts
}

// InvalidateCache drops the cached page state so the next detection probes
// the page again.
func (m *Manager) InvalidateCache() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
}

// MemoryState returns the paused records that could not be persisted, most
// recent last.
func (m *Manager) MemoryState() []jobs.PausedRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]jobs.PausedRecord(nil), m.memory...)
}

func (m *Manager) pageState(ctx context.Context) (messages.PageState, error) {
	now := m.clock.Now()
	m.mu.Lock()
	if c := m.cached; c != nil && now.Sub(c.at) < m.opts.CacheTTL {
		state := c.state
		m.mu.Unlock()
		return state, nil
	}
	m.mu.Unlock()

	if m.prober == nil {
		return messages.PageState{}, errNoProber
	}
	state, err := m.prober.PageState(ctx)
	if err != nil {
		return messages.PageState{}, err
	}
	m.mu.Lock()
	m.cached = &cachedState{state: state, at: now}
	m.mu.Unlock()
	return state, nil
}

func (m *Manager) rememberInMemory(rec jobs.PausedRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.memory[:0]
	for _, existing := range m.memory {
		if existing.ID != rec.ID {
			kept = append(kept, existing)
		}
	}
	m.memory = append(kept, rec)
	if len(m.memory) > store.MaxPausedRecords {
		m.memory = m.memory[len(m.memory)-store.MaxPausedRecords:]
	}
}

func (m *Manager) forgetInMemory(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.memory[:0]
	for _, existing := range m.memory {
		if existing.ID != id {
			kept = append(kept, existing)
		}
	}
	m.memory = kept
}

func (m *Manager) nowMillis() int64 {
	return m.clock.Now().UnixMilli()
}
