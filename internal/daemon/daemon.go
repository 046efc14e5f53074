package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"genrelay/internal/config"
	"genrelay/internal/jobs"
	"genrelay/internal/logging"
	"genrelay/internal/login"
	"genrelay/internal/messages"
	"genrelay/internal/netrecovery"
	"genrelay/internal/notifications"
	"genrelay/internal/preflight"
	"genrelay/internal/retry"
	"genrelay/internal/router"
	"genrelay/internal/store"
)

// ErrNotRunning is returned by Dispatch while the daemon is stopped.
var ErrNotRunning = errors.New("daemon is not running")

// Outbound delivers messages to connected clients. The hub server
// implements it.
type Outbound interface {
	Emit(ctx context.Context, msg messages.Message) error
	EmitTo(ctx context.Context, target string, msg messages.Message) error
}

// Downloader saves images. The download executor implements it.
type Downloader interface {
	Download(ctx context.Context, url, fileName string) (string, error)
}

// Deps are the collaborators a Daemon coordinates. Store, Tabs and Outbound
// are required.
type Deps struct {
	Store      *store.Store
	KV         store.KV
	Tabs       router.Tabs
	Outbound   Outbound
	PageState  login.Prober
	Downloader Downloader
	NetProber  netrecovery.Prober
	Notifier   notifications.Service
	Clock      retry.Clock
	Logger     *slog.Logger
}

// Daemon coordinates message routing, login and network recovery, and
// enforces single-instance execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	kv       store.KV
	notifier notifications.Service

	router   *router.Router
	manager  *login.Manager
	channel  *login.Channel
	network  *netrecovery.Handler
	monitor  *netrecovery.Monitor
	outbound Outbound
	fetcher  Downloader

	lockPath string
	lock     *flock.Flock

	dispatchMu sync.Mutex
	lastReport reportedState
	lastError  atomic.Value

	dlMu      sync.Mutex
	dlClosed  bool
	downloads sync.WaitGroup

	running atomic.Bool
	ctxMu   sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running        bool                      `json:"running"`
	PID            int                       `json:"pid"`
	LockPath       string                    `json:"lockPath"`
	DatabasePath   string                    `json:"databasePath"`
	StorageBackend string                    `json:"storageBackend"`
	JobCounts      map[string]int            `json:"jobCounts"`
	Network        netrecovery.MonitorStatus `json:"network"`
	DownloadState  string                    `json:"downloadState,omitempty"`
	LastError      string                    `json:"lastError,omitempty"`
}

// New constructs a daemon and its message handling components.
func New(cfg *config.Config, deps Deps) (*Daemon, error) {
	if cfg == nil || deps.Store == nil || deps.Tabs == nil || deps.Outbound == nil {
		return nil, errors.New("daemon requires config, store, tabs, and outbound transport")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = retry.SystemClock{}
	}
	kv := deps.KV
	if kv == nil {
		kv = deps.Store
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    deps.Store,
		kv:       kv,
		notifier: notifier,
		outbound: deps.Outbound,
		fetcher:  deps.Downloader,
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
	}
	emitter := relayEmitter{d: d}

	d.router = router.New(deps.Tabs, emitter,
		router.WithLogger(logger),
		router.WithTracker(jobTracker{store: deps.Store, kv: kv, logger: d.logger}),
		router.WithScheduler(clock),
		router.WithDownloadBackoff(router.Backoff{
			MaxAttempts: cfg.Download.MaxAttempts,
			BaseDelay:   cfg.Download.BaseDelay(),
			Factor:      cfg.Download.Factor,
		}),
		router.WithTargetPattern(cfg.Target.TabPattern),
		router.WithMaxFileNameLength(cfg.Download.MaxFileNameLength),
		router.WithFocusFailure(d.focusFailed),
	)
	d.manager = login.NewManager(login.OptionsFromConfig(cfg), deps.PageState, kv,
		login.WithClock(clock),
		login.WithLogger(logger),
	)
	d.channel = login.NewChannel(d.manager, emitter, logger)
	d.network = netrecovery.New(netrecovery.OptionsFromConfig(cfg),
		netrecovery.WithTracker(deps.Store),
		netrecovery.WithEmitter(emitter),
		netrecovery.WithBroadcaster(deps.Outbound),
		netrecovery.WithNotifier(notifier),
		netrecovery.WithClock(clock),
		netrecovery.WithLogger(logger),
	)
	d.monitor = netrecovery.NewMonitor(cfg, d.network, deps.NetProber, deps.Store, logger)
	return d, nil
}

// Start acquires the instance lock and launches the network monitor.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another genrelay instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.ctxMu.Lock()
	d.ctx = runCtx
	d.cancel = cancel
	d.ctxMu.Unlock()
	d.dlMu.Lock()
	d.dlClosed = false
	d.dlMu.Unlock()

	if err := d.monitor.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start network monitor: %w", err)
	}
	d.running.Store(true)
	d.logger.Info("genrelay daemon started",
		logging.String(logging.FieldEventType, "daemon_start"),
		logging.String("lock", d.lockPath),
	)
	return nil
}

// Stop halts the monitor, cancels in-flight downloads and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	d.monitor.Stop()
	d.ctxMu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.ctxMu.Unlock()
	d.dlMu.Lock()
	d.dlClosed = true
	d.dlMu.Unlock()
	d.downloads.Wait()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_lock_release_failed"),
			logging.String(logging.FieldErrorHint, "remove the lock file manually if the daemon cannot restart"),
		)
	}
	d.running.Store(false)
	d.logger.Info("genrelay daemon stopped", logging.String(logging.FieldEventType, "daemon_stop"))
}

// Close stops the daemon and releases pending timers.
func (d *Daemon) Close() error {
	d.Stop()
	d.router.Close()
	d.network.Close()
	return nil
}

// Running reports whether Start succeeded and Stop has not been called.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	st := Status{
		Running:        d.running.Load(),
		PID:            os.Getpid(),
		LockPath:       d.lockPath,
		DatabasePath:   d.store.Path(),
		StorageBackend: d.cfg.Storage.Backend,
		Network:        d.monitor.Status(),
	}
	counts, err := d.store.StatusCounts(ctx)
	if err != nil {
		d.logger.Warn("job counts unavailable",
			logging.Error(err),
			logging.String(logging.FieldEventType, "status_counts_failed"),
			logging.String(logging.FieldErrorHint, "check the job database"),
		)
	}
	st.JobCounts = counts
	if s, ok := d.fetcher.(interface{ State() string }); ok {
		st.DownloadState = s.State()
	}
	if v, ok := d.lastError.Load().(string); ok {
		st.LastError = v
	}
	return st
}

// ListJobs returns tracked jobs, optionally filtered by status.
func (d *Daemon) ListJobs(ctx context.Context, statuses ...jobs.Status) ([]store.JobRow, error) {
	return d.store.ListJobs(ctx, statuses...)
}

// PausedView holds the persisted paused list and the in-memory fallback.
type PausedView struct {
	Stored []jobs.PausedRecord `json:"stored"`
	Memory []jobs.PausedRecord `json:"memory"`
}

// PausedJobs returns the saved paused jobs.
func (d *Daemon) PausedJobs(ctx context.Context) (PausedView, error) {
	stored, err := store.LoadPausedList(ctx, d.kv)
	if err != nil {
		return PausedView{Memory: d.manager.MemoryState()}, fmt.Errorf("load paused jobs: %w", err)
	}
	return PausedView{Stored: stored, Memory: d.manager.MemoryState()}, nil
}

// NetworkStatus reports the connectivity monitor state.
func (d *Daemon) NetworkStatus() netrecovery.MonitorStatus {
	return d.monitor.Status()
}

// TestNotification publishes a test notification.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if d.cfg.Notifications.NtfyTopic == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := d.notifier.Publish(ctx, notifications.EventTest, nil); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

// Preflight runs the environment checks against the active storage backend.
func (d *Daemon) Preflight(ctx context.Context, skipNetwork bool) []preflight.Result {
	return preflight.RunAll(ctx, d.cfg, d.kv, skipNetwork)
}

func (d *Daemon) runContext() context.Context {
	d.ctxMu.Lock()
	defer d.ctxMu.Unlock()
	if d.ctx == nil {
		return context.Background()
	}
	return d.ctx
}

func (d *Daemon) recordError(err error) {
	if err != nil {
		d.lastError.Store(err.Error())
	}
}
