package hub

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"genrelay/internal/logging"
	"genrelay/internal/messages"
	"genrelay/internal/retry"
	"genrelay/internal/router"
)

// TypeFocus asks a worker to bring its page to the front. It is a hub
// control frame and never reaches the router.
const TypeFocus messages.Type = "FOCUS"

// matchPattern treats a trailing '*' as a prefix wildcard.
func matchPattern(pattern, url string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(url, prefix)
	}
	return url == pattern
}

// Query lists connected and pending workers whose url matches pattern.
func (s *Server) Query(_ context.Context, pattern string) ([]router.Tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tabs []router.Tab
	for id, c := range s.workers {
		if url := c.currentURL(); matchPattern(pattern, url) {
			tabs = append(tabs, router.Tab{ID: id, URL: url, Active: id == s.active})
		}
	}
	for id, url := range s.pending {
		if matchPattern(pattern, url) {
			tabs = append(tabs, router.Tab{ID: id, URL: url, Active: id == s.active})
		}
	}
	sort.Slice(tabs, func(i, j int) bool { return tabs[i].ID < tabs[j].ID })
	return tabs, nil
}

// Create runs the opener command for url and returns a pending tab that
// the next worker reporting that url will claim.
func (s *Server) Create(ctx context.Context, url string) (router.Tab, error) {
	if len(s.opener) == 0 {
		return router.Tab{}, ErrNoOpener
	}
	s.mu.Lock()
	s.nextTab++
	id := s.nextTab
	s.pending[id] = url
	s.mu.Unlock()

	args := append(append([]string{}, s.opener[1:]...), url)
	cmd := exec.CommandContext(ctx, s.opener[0], args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return router.Tab{}, fmt.Errorf("open %s: %w: %s", url, err, strings.TrimSpace(string(out)))
	}
	s.logger.Info("worker page requested",
		logging.String(logging.FieldEventType, "hub_tab_created"),
		logging.Int("tab_id", id),
		logging.String("url", url),
	)
	return router.Tab{ID: id, URL: url}, nil
}

// Focus marks id active and asks its worker to come forward. A pending tab
// is marked active and focused once it connects.
func (s *Server) Focus(_ context.Context, id int) error {
	s.mu.Lock()
	c, connected := s.workers[id]
	_, pending := s.pending[id]
	if !connected && !pending {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownTab, id)
	}
	s.active = id
	s.mu.Unlock()
	if !connected {
		return nil
	}
	return c.enqueue(messages.Message{Type: TypeFocus})
}

// Send writes msg to the worker behind id. A tab that is still pending or
// not answering is pinged first, then the send is retried with backoff.
func (s *Server) Send(ctx context.Context, id int, msg messages.Message) error {
	s.mu.Lock()
	c, connected := s.workers[id]
	_, pending := s.pending[id]
	s.mu.Unlock()
	if !connected && !pending {
		return fmt.Errorf("%w: %d", ErrUnknownTab, id)
	}
	if connected {
		if err := c.enqueue(msg); err == nil {
			return nil
		}
	}
	return s.sendWithRetry(ctx, id, msg)
}

func (s *Server) sendWithRetry(ctx context.Context, id int, msg messages.Message) error {
	pinger, err := retry.New(retry.Config{
		MaxRetries: s.opts.PingAttempts - 1,
		BaseDelay:  s.opts.PingInterval,
		Factor:     1,
	}, retry.WithClock(s.clock))
	if err != nil {
		return err
	}
	err = pinger.ExecuteWithRetry(ctx, func(ctx context.Context) error {
		c, err := s.worker(id)
		if err != nil {
			return err
		}
		return c.ping(ctx, s.opts.PingInterval)
	})
	if err != nil {
		return fmt.Errorf("tab %d not responding: %w", id, err)
	}

	sender, err := retry.New(retry.Config{
		MaxRetries: s.opts.SendRetries - 1,
		BaseDelay:  s.opts.SendBaseDelay,
		Factor:     2,
	}, retry.WithClock(s.clock))
	if err != nil {
		return err
	}
	return sender.ExecuteWithRetry(ctx, func(context.Context) error {
		c, err := s.worker(id)
		if err != nil {
			return err
		}
		if err := c.enqueue(msg); err != nil {
			if errors.Is(err, errClientGone) {
				return retry.NonRetryable(err)
			}
			return err
		}
		return nil
	})
}

func (s *Server) worker(id int) (*client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.workers[id]; ok {
		return c, nil
	}
	if _, ok := s.pending[id]; ok {
		return nil, fmt.Errorf("tab %d not connected yet", id)
	}
	return nil, retry.NonRetryable(fmt.Errorf("%w: %d", ErrUnknownTab, id))
}
