package hub

import (
	"context"
	"time"

	"genrelay/internal/logging"
	"genrelay/internal/messages"
)

func (s *Server) recordState(c *client, state messages.PageState) {
	moved := state.CurrentURL != "" && state.CurrentURL != c.currentURL()
	if moved {
		c.setURL(state.CurrentURL)
	}
	s.mu.Lock()
	s.state = &cachedState{state: state, at: s.clock.Now()}
	waiters := s.waiters
	s.waiters = nil
	navigate := s.navigate
	s.mu.Unlock()
	for _, w := range waiters {
		w <- state
	}
	if moved && navigate != nil {
		navigate(state.CurrentURL)
	}
}

// PageState returns the latest state pushed by a worker. A stale or
// missing state is requested from the active worker.
func (s *Server) PageState(ctx context.Context) (messages.PageState, error) {
	s.mu.Lock()
	if s.state != nil && s.clock.Now().Sub(s.state.at) < s.opts.StateStaleness {
		state := s.state.state
		s.mu.Unlock()
		return state, nil
	}
	target, ok := s.workers[s.active]
	if !ok {
		for _, c := range s.workers {
			target = c
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return messages.PageState{}, ErrNoWorker
	}
	reply := make(chan messages.PageState, 1)
	s.waiters = append(s.waiters, reply)
	s.mu.Unlock()

	if err := target.enqueue(messages.Message{Type: messages.TypeGetPageState}); err != nil {
		s.dropWaiter(reply)
		return messages.PageState{}, err
	}
	timer := time.NewTimer(s.opts.StateTimeout)
	defer timer.Stop()
	select {
	case state := <-reply:
		return state, nil
	case <-ctx.Done():
		s.dropWaiter(reply)
		return messages.PageState{}, ctx.Err()
	case <-timer.C:
		s.dropWaiter(reply)
		s.logger.Debug("page state request timed out", logging.Int("tab_id", target.tabID))
		return messages.PageState{}, context.DeadlineExceeded
	}
}

func (s *Server) dropWaiter(reply chan messages.PageState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waiters {
		if w == reply {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}
