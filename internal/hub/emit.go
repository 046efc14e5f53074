package hub

import (
	"context"
	"fmt"

	"genrelay/internal/messages"
)

// workerBound types are also delivered to every worker by Emit.
var workerBound = map[messages.Type]struct{}{
	messages.TypeResumeJob:           {},
	messages.TypeNetworkStateChanged: {},
	messages.TypeJobPaused:           {},
	messages.TypeJobResumed:          {},
	messages.TypeLoginCacheCleared:   {},
}

// Emit delivers msg to every control client, and to workers for the
// types they act on. It fails only when nobody received it.
func (s *Server) Emit(_ context.Context, msg messages.Message) error {
	targets := s.controlClients()
	if _, ok := workerBound[msg.Type]; ok {
		targets = append(targets, s.workerClients()...)
	}
	if deliverAll(targets, msg) == 0 {
		return fmt.Errorf("%s: %w", msg.Type, ErrNoListener)
	}
	return nil
}

// EmitTo delivers msg to one logical destination: "control" or "worker".
func (s *Server) EmitTo(_ context.Context, target string, msg messages.Message) error {
	var targets []*client
	switch target {
	case RoleControl:
		targets = s.controlClients()
	case RoleWorker:
		targets = s.workerClients()
	default:
		return fmt.Errorf("unknown destination %q", target)
	}
	if deliverAll(targets, msg) == 0 {
		return fmt.Errorf("%s to %s: %w", msg.Type, target, ErrNoListener)
	}
	return nil
}

func deliverAll(targets []*client, msg messages.Message) int {
	delivered := 0
	for _, c := range targets {
		if c.enqueue(msg) == nil {
			delivered++
		}
	}
	return delivered
}

func (s *Server) controlClients() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*client, 0, len(s.controls))
	for c := range s.controls {
		out = append(out, c)
	}
	return out
}

func (s *Server) workerClients() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*client, 0, len(s.workers))
	for _, c := range s.workers {
		out = append(out, c)
	}
	return out
}
