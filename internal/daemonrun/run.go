package daemonrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"genrelay/internal/config"
	"genrelay/internal/daemon"
	"genrelay/internal/download"
	"genrelay/internal/hub"
	"genrelay/internal/ipc"
	"genrelay/internal/logging"
	"genrelay/internal/messages"
	"genrelay/internal/notifications"
	"genrelay/internal/store"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	Diagnostic  bool
}

// Run starts the genrelay daemon and blocks until the context is cancelled
// or the process receives SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	sessionID := uuid.NewString()
	level := cfg.Logging.Level
	if strings.TrimSpace(opts.LogLevel) != "" {
		level = opts.LogLevel
	}
	loggerOpts := logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", filepath.Join(cfg.Paths.LogDir, logging.LogFileName)},
		Development: opts.Development,
		SessionID:   sessionID,
	}
	debugDir := filepath.Join(cfg.Paths.LogDir, "debug")
	var debugPath string
	if opts.Diagnostic {
		if err := os.MkdirAll(debugDir, 0o755); err != nil {
			return fmt.Errorf("create debug log directory: %w", err)
		}
		debugPath = filepath.Join(debugDir, fmt.Sprintf("genrelay-%s.json", runID))
		loggerOpts.DebugJSONPath = debugPath
	}
	logger, err := logging.New(loggerOpts)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if opts.Diagnostic {
		logger.Info("diagnostic mode enabled",
			logging.String(logging.FieldEventType, "diagnostic_mode_enabled"),
			logging.String("debug_log_path", debugPath),
		)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: debugDir, Pattern: "genrelay-*.json", Exclude: []string{debugPath}},
	)

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	jobStore, err := store.Open(cfg)
	if err != nil {
		logger.Error("open job store", logging.Error(err))
		return err
	}
	defer jobStore.Close()

	kv, closeKV, err := openKV(cfg, jobStore)
	if err != nil {
		return err
	}
	defer closeKV()

	hubServer := hub.New(cfg, hub.WithLogger(logger))
	d, err := daemon.New(cfg, daemon.Deps{
		Store:      jobStore,
		KV:         kv,
		Tabs:       hubServer,
		Outbound:   hubServer,
		PageState:  hubServer,
		Downloader: download.New(cfg, download.WithLogger(logger)),
		Notifier:   notifications.NewService(cfg),
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()
	hubServer.SetNavigator(d.PageNavigated)
	hubServer.SetDispatcher(func(ctx context.Context, msg messages.Message) {
		if _, err := d.Dispatch(ctx, msg); err != nil {
			logger.Debug("inbound message dropped",
				logging.MessageType(msg.Type),
				logging.Error(err),
			)
		}
	})

	ipcServer, err := ipc.NewServer(signalCtx, cfg.SocketPath(), d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if err := hubServer.Start(signalCtx); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}
	defer hubServer.Stop()

	if err := d.Start(signalCtx); err != nil {
		logger.Warn("daemon start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_start_failed"),
			logging.String(logging.FieldErrorHint, "check configuration and job database access"),
			logging.String(logging.FieldImpact, "inbound messages are dropped until the daemon starts"),
		)
	}
	logger.Info("genrelay daemon ready",
		logging.String(logging.FieldEventType, "daemon_ready"),
		logging.String("hub", hubServer.Addr()),
		logging.String("socket", cfg.SocketPath()),
		logging.String("storage", cfg.Storage.Backend),
	)

	<-signalCtx.Done()
	logger.Info("genrelay daemon shutting down")
	return nil
}

// openKV selects the paused-job backend. The sqlite store doubles as the
// key-value store unless redis is configured.
func openKV(cfg *config.Config, jobStore *store.Store) (store.KV, func(), error) {
	if !strings.EqualFold(cfg.Storage.Backend, "redis") {
		return jobStore, func() {}, nil
	}
	kv, err := store.NewRedisKV(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open redis storage: %w", err)
	}
	return kv, func() { _ = kv.Close() }, nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
