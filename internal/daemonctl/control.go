package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"genrelay/internal/config"
	"genrelay/internal/ipc"
	"genrelay/internal/preflight"
	"genrelay/internal/store"
)

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	ConfigPath string
	Diagnostic bool
}

type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
	StartStateRequested      StartState = "start_requested"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State    StartState
	Launched bool
	Message  string
}

// ErrDaemonNotRunning indicates daemon IPC is unavailable.
var ErrDaemonNotRunning = errors.New("daemon not running")

// StopResult captures daemon stop/termination outcome.
type StopResult struct {
	StopAcknowledged bool
	ForcedKill       bool
	PID              int
}

// StatusLine is one labelled row of the status report.
type StatusLine struct {
	Label    string `json:"label"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// Snapshot is the daemon status plus checks resolved by the CLI.
type Snapshot struct {
	ipc.StatusResponse
	SystemChecks []StatusLine       `json:"systemChecks"`
	Preflight    []preflight.Result `json:"preflight"`
}

// Launch starts a detached genrelay daemon process.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}

	args := []string{"daemon"}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if opts.Diagnostic {
		args = append(args, "--diagnostic")
	}

	proc := exec.Command(executablePath, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// WaitForClient waits for IPC socket availability and returns a connected client.
func WaitForClient(socketPath string, timeout time.Duration) (*ipc.Client, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := ipc.Dial(socketPath)
		if err == nil {
			return client, nil
		}
		lastErr = err
		time.Sleep(200 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for daemon")
	}
	return nil, fmt.Errorf("daemon failed to start: %w", lastErr)
}

// EnsureStarted launches the daemon process when its socket is absent and
// asks it to start handling messages.
func EnsureStarted(socketPath, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	client, err := ipc.Dial(socketPath)
	launched := false
	if err != nil {
		if launchErr := Launch(executablePath, opts); launchErr != nil {
			return StartResult{}, launchErr
		}
		client, err = WaitForClient(socketPath, waitTimeout)
		if err != nil {
			return StartResult{}, err
		}
		launched = true
	}
	defer client.Close()

	if status, statusErr := client.Status(); statusErr == nil && status.Running {
		if launched {
			return StartResult{State: StartStateStarted, Launched: true}, nil
		}
		return StartResult{State: StartStateAlreadyRunning}, nil
	}

	resp, err := client.Start()
	if err != nil {
		return StartResult{}, err
	}
	message := strings.TrimSpace(resp.Message)
	if resp.Started {
		return StartResult{State: StartStateStarted, Launched: launched, Message: message}, nil
	}
	if message == "" {
		message = "Start request sent"
	}
	return StartResult{State: StartStateRequested, Launched: launched, Message: message}, nil
}

// WaitForShutdown waits for the daemon socket to disappear.
func WaitForShutdown(socketPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		client, err := ipc.Dial(socketPath)
		if err != nil {
			if isDaemonUnavailable(err) {
				return nil
			}
		} else {
			_ = client.Close()
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not stop within %s", timeout)
}

// ReadPID returns the pid recorded in pidPath.
func ReadPID(pidPath string) (int, error) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %q", pidPath)
	}
	return pid, nil
}

// ForceKillProcess sends SIGKILL to the daemon process and cleans pid/lock files.
func ForceKillProcess(pidPath, lockPath string, fallbackPID int) (int, error) {
	pid := fallbackPID
	if parsed, err := ReadPID(pidPath); err == nil {
		pid = parsed
	} else if !errors.Is(err, os.ErrNotExist) && pid <= 0 {
		return 0, fmt.Errorf("read daemon pid file %q: %w", pidPath, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("unable to determine daemon pid (pid file: %s)", pidPath)
	}
	if pid == os.Getpid() {
		return 0, fmt.Errorf("refusing to kill current process (pid %d)", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("locate daemon process %d: %w", pid, err)
	}
	if err := proc.Kill(); err != nil {
		return 0, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	if err := os.Remove(pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("remove pid file %q: %w", pidPath, err)
	}
	if lockPath != "" {
		_ = os.Remove(lockPath)
	}
	return pid, nil
}

// StopAndTerminate stops the daemon and then terminates its process. The
// process gets gracePeriod to exit on SIGTERM before it is killed.
func StopAndTerminate(cfg *config.Config, gracePeriod time.Duration) (StopResult, error) {
	if cfg == nil {
		return StopResult{}, errors.New("configuration not available")
	}
	socketPath := cfg.SocketPath()
	client, err := ipc.Dial(socketPath)
	if err != nil {
		if isDaemonUnavailable(err) {
			return StopResult{}, ErrDaemonNotRunning
		}
		return StopResult{}, err
	}
	pid := 0
	if status, statusErr := client.Status(); statusErr == nil {
		pid = status.PID
	}
	resp, err := client.Stop()
	_ = client.Close()
	if err != nil {
		return StopResult{}, err
	}
	result := StopResult{PID: pid, StopAcknowledged: resp.Stopped}

	if pid > 0 && pid != os.Getpid() {
		if proc, findErr := os.FindProcess(pid); findErr == nil {
			_ = proc.Signal(syscall.SIGTERM)
		}
	}
	if err := WaitForShutdown(socketPath, gracePeriod); err == nil {
		return result, nil
	}

	killedPID, killErr := ForceKillProcess(cfg.PIDPath(), cfg.LockPath(), pid)
	if killErr != nil {
		return result, fmt.Errorf("failed to stop daemon process: %w", killErr)
	}
	_ = os.Remove(socketPath)
	result.ForcedKill = true
	result.PID = killedPID
	return result, nil
}

// BuildStatusSnapshot collects daemon status, falling back to reading the
// job store directly when the daemon is unreachable.
func BuildStatusSnapshot(ctx context.Context, cfg *config.Config) (*Snapshot, error) {
	if cfg == nil {
		return nil, errors.New("configuration not available")
	}
	snap := &Snapshot{}
	reachable := false

	client, err := ipc.Dial(cfg.SocketPath())
	if err == nil {
		defer client.Close()
		if resp, statusErr := client.Status(); statusErr == nil {
			snap.StatusResponse = *resp
			reachable = true
		}
		if checks, checkErr := client.Preflight(false); checkErr == nil {
			snap.Preflight = checks.Results
		}
	}

	if !reachable {
		queryCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		snap.StorageBackend = cfg.Storage.Backend
		snap.DatabasePath = cfg.DatabasePath()
		if jobStore, openErr := store.Open(cfg); openErr == nil {
			if counts, countErr := jobStore.StatusCounts(queryCtx); countErr == nil {
				snap.JobCounts = counts
			}
			snap.Preflight = preflight.RunAll(queryCtx, cfg, jobStore, true)
			_ = jobStore.Close()
		}
	}

	snap.SystemChecks = BuildSystemChecks(cfg, reachable, snap.StatusResponse)
	return snap, nil
}

// BuildSystemChecks resolves status lines that combine runtime state and config checks.
func BuildSystemChecks(cfg *config.Config, reachable bool, status ipc.StatusResponse) []StatusLine {
	lines := make([]StatusLine, 0, 5)
	switch {
	case !reachable:
		lines = append(lines, StatusLine{Label: "genrelay", Severity: "warn", Detail: "Not running (run `genrelay start`)"})
	case status.Running:
		lines = append(lines, StatusLine{Label: "genrelay", Severity: "ok", Detail: fmt.Sprintf("Running (pid %d)", status.PID)})
	default:
		lines = append(lines, StatusLine{Label: "genrelay", Severity: "warn", Detail: "Process up, message handling stopped"})
	}

	lines = append(lines, StatusLine{Label: "Storage", Severity: "ok", Detail: cfg.Storage.Backend})

	if reachable {
		network := status.Network
		switch {
		case !network.Running:
			lines = append(lines, StatusLine{Label: "Network", Severity: "info", Detail: "Monitor inactive"})
		case !network.Probed:
			lines = append(lines, StatusLine{Label: "Network", Severity: "info", Detail: "Waiting for first probe"})
		case network.Online:
			lines = append(lines, StatusLine{Label: "Network", Severity: "ok", Detail: "Online via " + network.ProbeAddress})
		default:
			lines = append(lines, StatusLine{Label: "Network", Severity: "error", Detail: "Offline (" + network.ProbeAddress + " unreachable)"})
		}
		if status.LastError != "" {
			lines = append(lines, StatusLine{Label: "Last Error", Severity: "warn", Detail: status.LastError})
		}
	}

	if strings.TrimSpace(cfg.Notifications.NtfyTopic) != "" {
		lines = append(lines, StatusLine{Label: "Notifications", Severity: "ok", Detail: "Configured"})
	} else {
		lines = append(lines, StatusLine{Label: "Notifications", Severity: "warn", Detail: "Not configured"})
	}
	return lines
}

func isDaemonUnavailable(err error) bool {
	return os.IsNotExist(err) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}
