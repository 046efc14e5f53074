package netrecovery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"genrelay/internal/logging"
)

// netlinkWatcher turns kernel network interface uevents into immediate
// probes so outages are noticed before the next poll.
type netlinkWatcher struct {
	logger *slog.Logger
	kick   func()

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

func newNetlinkWatcher(logger *slog.Logger, kick func()) *netlinkWatcher {
	return &netlinkWatcher{logger: logger, kick: kick}
}

// Start connects to the kernel uevent socket. Failure leaves polling as the
// only detection path.
func (w *netlinkWatcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.KernelEvent); err != nil {
		w.logger.Warn("netlink unavailable; relying on polling",
			logging.Error(err),
			logging.String(logging.FieldEventType, "netlink_connect_failed"),
			logging.String(logging.FieldErrorHint, "ensure the daemon may open netlink sockets"),
			logging.String(logging.FieldImpact, "connectivity changes are seen on the next poll"),
		)
		return
	}
	w.conn = conn
	w.quit = make(chan struct{})
	w.running = true
	go w.loop(ctx, conn, w.quit)
	w.logger.Debug("netlink watcher started")
}

// Stop closes the uevent socket.
func (w *netlinkWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.quit)
	w.quit = nil
	_ = w.conn.Close()
	w.conn = nil
	w.running = false
}

// Running reports whether the watcher is connected.
func (w *netlinkWatcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *netlinkWatcher) loop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, interfaceMatcher())
	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case ev := <-queue:
			w.logger.Debug("interface event",
				logging.String("action", string(ev.Action)),
				logging.String("kobj", ev.KObj),
			)
			w.kick()
		case err := <-errs:
			w.logger.Debug("netlink read error", logging.Error(err))
		}
	}
}

// interfaceMatcher selects SUBSYSTEM=net add, remove, change and move events.
func interfaceMatcher() netlink.Matcher {
	action := "add|remove|change|move"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env:    map[string]string{"SUBSYSTEM": "net"},
	})
	return rules
}
