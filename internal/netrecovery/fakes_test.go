package netrecovery_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"genrelay/internal/jobs"
	"genrelay/internal/messages"
)

var errDown = errors.New("unreachable")

type recordingEmitter struct {
	mu   sync.Mutex
	msgs []messages.Message
	err  error
}

func (e *recordingEmitter) Emit(_ context.Context, msg messages.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.msgs = append(e.msgs, msg)
	return nil
}

func (e *recordingEmitter) ofType(t messages.Type) []messages.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []messages.Message
	for _, m := range e.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	failed map[string]bool
	sent   map[string][]messages.Message
}

func (b *fakeBroadcaster) EmitTo(_ context.Context, target string, msg messages.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failed[target] {
		return errDown
	}
	if b.sent == nil {
		b.sent = make(map[string][]messages.Message)
	}
	b.sent[target] = append(b.sent[target], msg)
	return nil
}

func (b *fakeBroadcaster) count(target string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent[target])
}

type flakyTracker struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string][]jobs.Status
}

func (f *flakyTracker) UpdateStatus(_ context.Context, id string, status jobs.Status, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string][]jobs.Status)
	}
	f.calls[id] = append(f.calls[id], status)
	if f.failures[id] > 0 {
		f.failures[id]--
		return errDown
	}
	return nil
}

func (f *flakyTracker) statuses(id string) []jobs.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]jobs.Status(nil), f.calls[id]...)
}

type staticSignal struct {
	online, available bool
}

func (s staticSignal) Online(context.Context) (bool, bool) { return s.online, s.available }

type switchProber struct {
	mu   sync.Mutex
	down bool
}

func (p *switchProber) set(down bool) {
	p.mu.Lock()
	p.down = down
	p.mu.Unlock()
}

func (p *switchProber) Probe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return errDown
	}
	return nil
}

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func runningJob(id string) jobs.Job {
	return jobs.Job{
		ID:        id,
		Prompt:    "a lighthouse at dusk",
		Status:    jobs.StatusRunning,
		Progress:  jobs.Progress{Current: 1, Total: 4},
		CreatedAt: epoch,
		UpdatedAt: epoch,
	}
}

func pausedJob(id string) jobs.Job {
	j := runningJob(id)
	at := epoch
	j.Status = jobs.StatusPaused
	j.PausedAt = &at
	j.ResumePoint = jobs.DefaultResumePoint
	return j
}
