package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"genrelay/internal/config"
	"genrelay/internal/logging"
	"genrelay/internal/messages"
	"genrelay/internal/retry"
)

// Roles a websocket client may connect with.
const (
	RoleWorker  = "worker"
	RoleControl = "control"
)

var (
	// ErrNoListener reports that an emitted message reached nobody.
	ErrNoListener = errors.New("no connected listener")
	// ErrUnknownTab reports a tab id with no worker behind it.
	ErrUnknownTab = errors.New("unknown tab")
	// ErrNoOpener reports that tab creation is not configured.
	ErrNoOpener = errors.New("no opener command configured")
	// ErrNoWorker reports that no worker can answer a page-state request.
	ErrNoWorker = errors.New("no worker connected")
)

// DispatchFunc receives every inbound frame that is not hub housekeeping.
type DispatchFunc func(ctx context.Context, msg messages.Message)

// NavigateFunc is told when a worker reports a new page URL.
type NavigateFunc func(url string)

// Options tunes timing. Zero values use the defaults.
type Options struct {
	PingInterval   time.Duration
	PingAttempts   int
	SendRetries    int
	SendBaseDelay  time.Duration
	StateStaleness time.Duration
	StateTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = time.Second
	}
	if o.PingAttempts <= 0 {
		o.PingAttempts = 3
	}
	if o.SendRetries <= 0 {
		o.SendRetries = 5
	}
	if o.SendBaseDelay <= 0 {
		o.SendBaseDelay = 500 * time.Millisecond
	}
	if o.StateStaleness <= 0 {
		o.StateStaleness = 2 * time.Second
	}
	if o.StateTimeout <= 0 {
		o.StateTimeout = 3 * time.Second
	}
	return o
}

// Option customizes a Server.
type Option func(*Server)

// WithOptions overrides hub timing.
func WithOptions(o Options) Option { return func(s *Server) { s.opts = o.withDefaults() } }

// WithClock replaces the clock used by send retries and state staleness.
func WithClock(c retry.Clock) Option {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the hub logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDispatcher sets the inbound frame handler.
func WithDispatcher(fn DispatchFunc) Option { return func(s *Server) { s.dispatch = fn } }

// Server is the websocket hub.
type Server struct {
	bind   string
	token  string
	opener []string
	opts   Options
	clock  retry.Clock
	logger *slog.Logger

	upgrader websocket.Upgrader
	dispatch DispatchFunc
	navigate NavigateFunc

	mu       sync.Mutex
	nextTab  int
	workers  map[int]*client
	pending  map[int]string
	controls map[*client]struct{}
	active   int
	state    *cachedState
	waiters  []chan messages.PageState

	baseCtx  context.Context
	listener net.Listener
	server   *http.Server
}

type cachedState struct {
	state messages.PageState
	at    time.Time
}

// New builds a hub from the [server] section.
func New(cfg *config.Config, options ...Option) *Server {
	s := &Server{
		bind:     strings.TrimSpace(cfg.Server.Listen),
		token:    cfg.Server.Token,
		opener:   strings.Fields(cfg.Server.OpenerCommand),
		opts:     Options{}.withDefaults(),
		clock:    retry.SystemClock{},
		logger:   logging.NewNop(),
		workers:  make(map[int]*client),
		pending:  make(map[int]string),
		controls: make(map[*client]struct{}),
		baseCtx:  context.Background(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = logging.NewComponentLogger(s.logger, "hub")
	return s
}

// SetDispatcher replaces the inbound frame handler.
func (s *Server) SetDispatcher(fn DispatchFunc) {
	s.mu.Lock()
	s.dispatch = fn
	s.mu.Unlock()
}

// SetNavigator sets the handler told about worker page navigations.
func (s *Server) SetNavigator(fn NavigateFunc) {
	s.mu.Lock()
	s.navigate = fn
	s.mu.Unlock()
}

// Handler returns the HTTP routes served by the hub.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", authMiddleware(s.token, s.handleWS))
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Start listens on the configured address.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("hub listen: %w", err)
	}
	s.mu.Lock()
	s.baseCtx = ctx
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	server := s.server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("hub server error", logging.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("hub listening",
		logging.String(logging.FieldEventType, "hub_listening"),
		logging.String("address", listener.Addr().String()),
		logging.Bool("auth", s.token != ""),
	)
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every client.
func (s *Server) Stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	clients := make([]*client, 0, len(s.workers)+len(s.controls))
	for _, c := range s.workers {
		clients = append(clients, c)
	}
	for c := range s.controls {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
	for _, c := range clients {
		c.close()
	}
}

// Stats counts connected clients.
type Stats struct {
	Workers  int `json:"workers"`
	Pending  int `json:"pending"`
	Controls int `json:"controls"`
}

// Stats returns current client counts.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Workers: len(s.workers), Pending: len(s.pending), Controls: len(s.controls)}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
		Stats
	}{Status: "ok", Stats: s.Stats()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	role := q.Get("role")
	if role != RoleWorker && role != RoleControl {
		http.Error(w, `{"error":"role must be worker or control"}`, http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", logging.Error(err))
		return
	}
	c := newClient(s, conn, role)
	if role == RoleWorker {
		claim, _ := strconv.Atoi(q.Get("tab"))
		s.registerWorker(c, claim, q.Get("url"))
	} else {
		s.mu.Lock()
		s.controls[c] = struct{}{}
		s.mu.Unlock()
	}
	s.logger.Info("client connected",
		logging.String(logging.FieldEventType, "hub_client_connected"),
		logging.String("role", role),
		logging.Int("tab_id", c.tabID),
		logging.String("remote", r.RemoteAddr),
	)

	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	go c.writePump()
	go c.readPump(ctx)
}

// registerWorker assigns c a tab id, claiming a pending tab when the
// worker names one or reports the url a pending tab was opened for.
func (s *Server) registerWorker(c *client, claim int, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := 0
	if _, ok := s.pending[claim]; ok {
		id = claim
	} else if url != "" {
		for pid, purl := range s.pending {
			if strings.HasPrefix(url, purl) {
				id = pid
				break
			}
		}
	}
	if id == 0 {
		s.nextTab++
		id = s.nextTab
	}
	if url == "" {
		url = s.pending[id]
	}
	delete(s.pending, id)
	c.tabID = id
	c.setURL(url)
	s.workers[id] = c
	if s.active == 0 {
		s.active = id
	}
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	if c.role == RoleWorker {
		if s.workers[c.tabID] == c {
			delete(s.workers, c.tabID)
		}
		if s.active == c.tabID {
			s.active = 0
		}
	} else {
		delete(s.controls, c)
	}
	s.mu.Unlock()
	s.logger.Info("client disconnected",
		logging.String(logging.FieldEventType, "hub_client_disconnected"),
		logging.String("role", c.role),
		logging.Int("tab_id", c.tabID),
	)
}

// inbound handles one decoded frame from c.
func (s *Server) inbound(ctx context.Context, c *client, msg messages.Message) {
	if msg.Type == messages.TypePageState && c.role == RoleWorker {
		state, err := messages.Decode[messages.PageState](msg)
		if err != nil {
			s.logger.Debug("malformed page state", logging.Int("tab_id", c.tabID), logging.Error(err))
			return
		}
		s.recordState(c, state)
		return
	}
	s.mu.Lock()
	dispatch := s.dispatch
	s.mu.Unlock()
	if dispatch == nil {
		s.logger.Debug("frame dropped without dispatcher", logging.MessageType(msg.Type))
		return
	}
	dispatch(ctx, msg)
}
