package router_test

import (
	"context"
	"errors"
	"strings"
	"sync"

	"genrelay/internal/jobs"
	"genrelay/internal/messages"
	"genrelay/internal/router"
)

type sentMessage struct {
	tabID int
	msg   messages.Message
}

type fakeTabs struct {
	mu        sync.Mutex
	tabs      []router.Tab
	nextID    int
	sent      []sentMessage
	focused   []int
	created   []string
	sendErr   error
	createErr error
	focusErr  error
}

func (f *fakeTabs) Query(_ context.Context, pattern string) ([]router.Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var out []router.Tab
	for _, t := range f.tabs {
		if strings.HasPrefix(t.URL, prefix) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTabs) Create(_ context.Context, url string) (router.Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return router.Tab{}, f.createErr
	}
	f.nextID++
	tab := router.Tab{ID: 100 + f.nextID, URL: url}
	f.tabs = append(f.tabs, tab)
	f.created = append(f.created, url)
	return tab, nil
}

func (f *fakeTabs) Focus(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.focusErr != nil {
		return f.focusErr
	}
	f.focused = append(f.focused, id)
	return nil
}

func (f *fakeTabs) Send(_ context.Context, id int, msg messages.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{tabID: id, msg: msg})
	return nil
}

type recordingEmitter struct {
	mu   sync.Mutex
	msgs []messages.Message
	err  error
}

func (e *recordingEmitter) Emit(_ context.Context, msg messages.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgs = append(e.msgs, msg)
	return e.err
}

func (e *recordingEmitter) all() []messages.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]messages.Message(nil), e.msgs...)
}

func (e *recordingEmitter) ofType(t messages.Type) []messages.Message {
	var out []messages.Message
	for _, m := range e.all() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type trackerCall struct {
	kind   string
	jobID  string
	status jobs.Status
	prog   jobs.Progress
}

type recordingTracker struct {
	mu    sync.Mutex
	calls []trackerCall
}

func (r *recordingTracker) JobStarted(_ context.Context, job jobs.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, trackerCall{kind: "start", jobID: job.ID, status: job.Status})
	return nil
}

func (r *recordingTracker) JobProgress(_ context.Context, id string, p jobs.Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, trackerCall{kind: "progress", jobID: id, prog: p})
	return nil
}

func (r *recordingTracker) JobFinished(_ context.Context, id string, status jobs.Status, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, trackerCall{kind: "finish", jobID: id, status: status})
	return nil
}

var errNoListener = errors.New("no listener")
