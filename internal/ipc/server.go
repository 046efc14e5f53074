package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"
	"time"

	"genrelay/internal/daemon"
	"genrelay/internal/jobs"
	"genrelay/internal/logging"
	"genrelay/internal/store"
)

// ServiceName is the RPC service the daemon registers.
const ServiceName = "Relay"

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logger, ctx: ctx}
	if err := rpcServer.RegisterName(ServiceName, srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "Check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "Remove the socket file manually or rerun genrelay stop"))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) Start(_ StartRequest, resp *StartResponse) error {
	s.logger.Debug("daemon start requested")
	if err := s.daemon.Start(s.ctx); err != nil {
		resp.Started = false
		resp.Message = err.Error()
		return nil
	}
	resp.Started = true
	resp.Message = "daemon started"
	s.logger.Info("daemon started via IPC",
		logging.String(logging.FieldEventType, "daemon_start"))
	return nil
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.logger.Debug("daemon stop requested")
	s.daemon.Stop()
	resp.Stopped = true
	s.logger.Info("daemon stopped via IPC",
		logging.String(logging.FieldEventType, "daemon_stop"))
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	*resp = s.daemon.Status(s.ctx)
	return nil
}

func (s *service) Dispatch(req DispatchRequest, resp *DispatchResponse) error {
	s.logger.Debug("message injected via IPC", logging.MessageType(req.Message.Type))
	result, err := s.daemon.Dispatch(s.ctx, req.Message)
	if err != nil {
		return err
	}
	resp.Result = result
	return nil
}

func (s *service) ListJobs(req JobListRequest, resp *JobListResponse) error {
	statuses := make([]jobs.Status, 0, len(req.Statuses))
	for _, raw := range req.Statuses {
		status, ok := jobs.ParseStatus(raw)
		if !ok {
			return fmt.Errorf("unknown job status %q", raw)
		}
		statuses = append(statuses, status)
	}
	rows, err := s.daemon.ListJobs(s.ctx, statuses...)
	if err != nil {
		return err
	}
	resp.Jobs = make([]Job, 0, len(rows))
	for _, row := range rows {
		resp.Jobs = append(resp.Jobs, fromRow(row))
	}
	return nil
}

func (s *service) PausedJobs(_ PausedJobsRequest, resp *PausedJobsResponse) error {
	view, err := s.daemon.PausedJobs(s.ctx)
	*resp = view
	return err
}

func (s *service) NetworkStatus(_ NetworkStatusRequest, resp *NetworkStatusResponse) error {
	*resp = s.daemon.NetworkStatus()
	return nil
}

func (s *service) TestNotification(_ TestNotificationRequest, resp *TestNotificationResponse) error {
	sent, message, err := s.daemon.TestNotification(s.ctx)
	resp.Sent = sent
	resp.Message = message
	return err
}

func (s *service) Preflight(req PreflightRequest, resp *PreflightResponse) error {
	resp.Results = s.daemon.Preflight(s.ctx, req.SkipNetwork)
	return nil
}

func fromRow(row store.JobRow) Job {
	job := Job{
		ID:           row.ID,
		Prompt:       row.Prompt,
		Status:       string(row.Status),
		Progress:     row.Progress,
		ResumePoint:  string(row.ResumePoint),
		ErrorMessage: row.ErrorMessage,
		CreatedAt:    formatTime(row.CreatedAt),
		UpdatedAt:    formatTime(row.UpdatedAt),
	}
	if row.PausedAt != nil {
		job.PausedAt = formatTime(*row.PausedAt)
	}
	return job
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
