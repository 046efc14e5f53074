package netrecovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"genrelay/internal/config"
	"genrelay/internal/jobs"
	"genrelay/internal/logging"
	"genrelay/internal/messages"
	"genrelay/internal/store"
)

const monitorSubject = "network-monitor"

// Prober checks whether the upstream service is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// TCPProber dials Addr and treats a completed handshake as online.
type TCPProber struct {
	Addr    string
	Timeout time.Duration
}

// Probe dials the configured address.
func (p TCPProber) Probe(ctx context.Context) error {
	if p.Addr == "" {
		return fmt.Errorf("probe address not configured")
	}
	dialer := net.Dialer{Timeout: p.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// JobSource lists tracked jobs by status.
type JobSource interface {
	ListJobs(ctx context.Context, statuses ...jobs.Status) ([]store.JobRow, error)
}

// MonitorStatus is a snapshot of the monitor state.
type MonitorStatus struct {
	Running         bool          `json:"running"`
	Probed          bool          `json:"probed"`
	Online          bool          `json:"online"`
	ProbeAddress    string        `json:"probeAddress,omitempty"`
	LastChange      time.Time     `json:"lastChange"`
	PendingSince    *time.Time    `json:"pendingSince,omitempty"`
	Interval        time.Duration `json:"interval"`
	PausedByNetwork []string      `json:"pausedByNetwork,omitempty"`
	Netlink         bool          `json:"netlink"`
}

// Monitor polls connectivity and drives the Handler on stable changes.
type Monitor struct {
	handler *Handler
	prober  Prober
	source  JobSource
	addr    string
	logger  *slog.Logger
	netlink *netlinkWatcher

	mu           sync.Mutex
	probed       bool
	online       bool
	lastChange   time.Time
	pendingSince time.Time
	paused       map[string]struct{}
	running      bool
	quit         chan struct{}
	done         chan struct{}
	kick         chan struct{}
}

// NewMonitor builds a Monitor for cfg and registers it as the handler's
// connectivity signal. A nil prober dials the configured probe address.
func NewMonitor(cfg *config.Config, handler *Handler, prober Prober, source JobSource, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = logging.NewNop()
	}
	addr := cfg.Network.ProbeAddress
	if prober == nil {
		prober = TCPProber{Addr: addr, Timeout: cfg.Network.ProbeTimeout()}
	}
	m := &Monitor{
		handler:    handler,
		prober:     prober,
		source:     source,
		addr:       addr,
		logger:     logging.NewComponentLogger(logger, monitorSubject),
		online:     true,
		lastChange: handler.clock.Now(),
		paused:     make(map[string]struct{}),
		kick:       make(chan struct{}, 1),
	}
	if cfg.Network.Netlink {
		m.netlink = newNetlinkWatcher(m.logger, m.Kick)
	}
	handler.setSignal(m)
	return m
}

// Online reports the last committed state. It is unavailable until the
// first probe completes.
func (m *Monitor) Online(context.Context) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online, m.probed
}

// Kick requests an immediate probe.
func (m *Monitor) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Start launches the poll loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.quit = make(chan struct{})
	m.done = make(chan struct{})
	quit, done := m.quit, m.done
	m.mu.Unlock()

	if m.netlink != nil {
		m.netlink.Start(ctx)
	}
	go m.loop(ctx, quit, done)

	m.logger.Info("network monitor started",
		logging.String(logging.FieldEventType, "network_monitor_started"),
		logging.String("probe_address", m.addr),
		logging.Duration("interval", m.handler.MonitoringInterval()),
	)
	return nil
}

// Stop halts the poll loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.quit)
	done := m.done
	m.mu.Unlock()

	if m.netlink != nil {
		m.netlink.Stop()
	}
	<-done
	m.logger.Info("network monitor stopped",
		logging.String(logging.FieldEventType, "network_monitor_stopped"),
	)
}

func (m *Monitor) loop(ctx context.Context, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	m.Check(ctx)
	for {
		timer := time.NewTimer(m.handler.MonitoringInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-quit:
			timer.Stop()
			return
		case <-m.kick:
			timer.Stop()
		case <-timer.C:
		}
		m.Check(ctx)
	}
}

// Check runs one probe cycle. It reports whether a stable transition was
// committed and the state after the cycle.
func (m *Monitor) Check(ctx context.Context) (changed bool, online bool) {
	probeErr := m.prober.Probe(ctx)
	observed := probeErr == nil
	now := m.handler.clock.Now()

	m.mu.Lock()
	if !m.probed {
		m.probed = true
		if observed {
			m.lastChange = now
			m.mu.Unlock()
			return false, true
		}
	}
	if observed == m.online {
		m.pendingSince = time.Time{}
		m.mu.Unlock()
		return false, observed
	}
	if m.pendingSince.IsZero() {
		m.pendingSince = now
	}
	held := now.Sub(m.pendingSince)
	if !m.handler.HandleFlappingPrevention(monitorSubject, held).Detected {
		m.mu.Unlock()
		m.logger.Debug("connectivity change not yet stable",
			logging.Bool("observed_online", observed),
			logging.Duration("held", held),
			logging.Error(probeErr),
		)
		return false, !observed
	}
	m.online = observed
	m.lastChange = now
	m.pendingSince = time.Time{}
	m.mu.Unlock()

	if observed {
		m.applyOnline(ctx)
	} else {
		m.applyOffline(ctx, probeErr)
	}
	return true, observed
}

func (m *Monitor) applyOffline(ctx context.Context, cause error) {
	logging.WarnWithContext(m.logger, "network offline", "network_offline",
		logging.String("probe_address", m.addr),
		logging.Error(cause),
		logging.String(logging.FieldErrorHint, "check connectivity to the generation service"),
		logging.String(logging.FieldImpact, "running jobs are paused until the network returns"),
	)
	running := m.list(ctx, jobs.StatusRunning)
	m.announce(ctx, EventOffline, running)

	res := m.handler.PauseJobsOnOffline(ctx, running, &State{IsOnline: false})
	m.mu.Lock()
	for _, job := range res.PausedJobs {
		m.paused[job.ID] = struct{}{}
	}
	m.mu.Unlock()
}

func (m *Monitor) applyOnline(ctx context.Context) {
	m.logger.Info("network restored",
		logging.String(logging.FieldEventType, "network_online"),
		logging.String("probe_address", m.addr),
	)
	m.announce(ctx, EventOnline, nil)

	m.mu.Lock()
	ours := m.paused
	m.paused = make(map[string]struct{})
	m.mu.Unlock()
	if len(ours) == 0 {
		return
	}
	var resume []jobs.Job
	for _, job := range m.list(ctx, jobs.StatusPaused) {
		if _, ok := ours[job.ID]; ok {
			resume = append(resume, job)
		}
	}
	for len(resume) > 0 {
		batch := resume
		if len(batch) > maxBatchSize {
			batch = batch[:maxBatchSize]
		}
		resume = resume[len(batch):]
		if _, err := m.handler.ResumeStaged(ctx, batch); err != nil {
			m.logger.Warn("staged resume rejected",
				logging.Error(err),
				logging.String(logging.FieldEventType, "network_resume_rejected"),
				logging.String(logging.FieldErrorHint, "resume the affected jobs manually"),
				logging.String(logging.FieldImpact, "jobs stay paused"),
			)
		}
	}
}

func (m *Monitor) announce(ctx context.Context, kind EventKind, running []jobs.Job) {
	det, err := m.handler.DetectNetworkStateChange(ctx, &Event{Kind: kind}, running)
	if err != nil || det.Message == nil {
		return
	}
	msg, err := messages.New(messages.TypeNetworkStateChanged, *det.Message)
	if err != nil {
		return
	}
	if _, err := m.handler.Broadcast(ctx, msg, nil); err != nil {
		m.logger.Debug("network state broadcast failed", logging.Error(err))
	}
}

func (m *Monitor) list(ctx context.Context, status jobs.Status) []jobs.Job {
	if m.source == nil {
		return nil
	}
	rows, err := m.source.ListJobs(ctx, status)
	if err != nil {
		m.logger.Warn("job listing failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "network_job_list_failed"),
			logging.String(logging.FieldErrorHint, "check the job store"),
			logging.String(logging.FieldImpact, "jobs are not paused or resumed for this transition"),
		)
		return nil
	}
	out := make([]jobs.Job, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Job)
	}
	return out
}

// Status returns a snapshot for status reporting.
func (m *Monitor) Status() MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := MonitorStatus{
		Running:      m.running,
		Probed:       m.probed,
		Online:       m.online,
		ProbeAddress: m.addr,
		LastChange:   m.lastChange,
		Interval:     m.handler.MonitoringInterval(),
		Netlink:      m.netlink != nil && m.netlink.Running(),
	}
	if !m.pendingSince.IsZero() {
		since := m.pendingSince
		st.PendingSince = &since
	}
	for id := range m.paused {
		st.PausedByNetwork = append(st.PausedByNetwork, id)
	}
	slices.Sort(st.PausedByNetwork)
	return st
}
