package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// Config holds backoff parameters.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	Factor     float64
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.BaseDelay < 0:
		return errors.New("retry: base delay must be >= 0")
	case math.IsNaN(c.Factor) || math.IsInf(c.Factor, 0) || c.Factor <= 0:
		return errors.New("retry: factor must be a finite number > 0")
	case c.MaxRetries < 0:
		return errors.New("retry: max retries must be >= 0")
	}
	return nil
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the system clock.
func WithClock(clock Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// Engine is a single retry state machine. The zero value is not usable;
// construct with New.
type Engine struct {
	cfg   Config
	clock Clock

	mu        sync.Mutex
	attempts  int
	cancelled bool
	cancelCh  chan struct{}
	timers    map[*scheduled]struct{}
}

type scheduled struct {
	timer Timer
}

// New validates cfg and returns an Engine.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		clock:    SystemClock{},
		cancelCh: make(chan struct{}),
		timers:   make(map[*scheduled]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine parameters.
func (e *Engine) Config() Config {
	return e.cfg
}

// CalculateDelay returns the backoff before the retry following attempt.
func (e *Engine) CalculateDelay(attempt int) time.Duration {
	return Delay(e.cfg.BaseDelay, e.cfg.Factor, attempt)
}

// ShouldRetry reports whether another attempt is allowed after attempt
// failures. It is always false once the engine is cancelled.
func (e *Engine) ShouldRetry(attempt int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled {
		return false
	}
	return attempt < e.cfg.MaxRetries
}

// ExecuteWithDelay runs callback after delay unless the engine is cancelled
// first.
func (e *Engine) ExecuteWithDelay(delay time.Duration, callback func()) {
	e.mu.Lock()
	if e.cancelled {
		e.mu.Unlock()
		return
	}
	entry := &scheduled{}
	e.timers[entry] = struct{}{}
	e.mu.Unlock()

	timer := e.clock.AfterFunc(delay, func() {
		e.mu.Lock()
		_, live := e.timers[entry]
		delete(e.timers, entry)
		cancelled := e.cancelled
		e.mu.Unlock()
		if live && !cancelled {
			callback()
		}
	})

	e.mu.Lock()
	if _, live := e.timers[entry]; live {
		entry.timer = timer
	}
	e.mu.Unlock()
}

// RecordFailure increments the manual attempt counter.
func (e *Engine) RecordFailure() {
	e.mu.Lock()
	e.attempts++
	e.mu.Unlock()
}

// CurrentAttempts returns the manual attempt counter.
func (e *Engine) CurrentAttempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts
}

// Reset clears the attempt counter, the cancelled flag, and pending timers.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts = 0
	e.stopTimersLocked()
	if e.cancelled {
		e.cancelled = false
		e.cancelCh = make(chan struct{})
	}
}

// Cancel stops pending timers and makes every later ShouldRetry false.
// Waits inside ExecuteWithRetry return ErrAborted.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopTimersLocked()
	if !e.cancelled {
		e.cancelled = true
		close(e.cancelCh)
	}
}

// Cancelled reports whether Cancel was called since the last Reset.
func (e *Engine) Cancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

func (e *Engine) stopTimersLocked() {
	for entry := range e.timers {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(e.timers, entry)
	}
}

// PreviewDelays returns the next delays the engine would use, starting at
// the manual attempt counter. remaining <= 0 means all remaining retries.
func (e *Engine) PreviewDelays(remaining int) []time.Duration {
	e.mu.Lock()
	start, cancelled := e.attempts, e.cancelled
	e.mu.Unlock()
	if cancelled {
		return nil
	}
	count := max(0, e.cfg.MaxRetries-start)
	if remaining > 0 {
		count = min(count, remaining)
	}
	out := make([]time.Duration, 0, count)
	for i := range count {
		out = append(out, e.CalculateDelay(start+i))
	}
	return out
}

// Operation is one attempt of a retried unit of work. It should observe
// ctx; an attempt already in flight is not interrupted.
type Operation func(ctx context.Context) error

// ExecuteWithRetry runs op up to MaxRetries+1 times. It returns nil on the
// first success, ErrAborted when ctx or the engine is cancelled, the error
// itself when marked NonRetryable, and otherwise the last error once
// attempts are exhausted.
func (e *Engine) ExecuteWithRetry(ctx context.Context, op Operation) error {
	if ctx.Err() != nil {
		return aborted(ctx)
	}
	var last error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return aborted(ctx)
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		last = err
		if ctx.Err() != nil {
			return aborted(ctx)
		}
		if IsNonRetryable(err) || !e.ShouldRetry(attempt) {
			return last
		}
		if err := e.wait(ctx, e.CalculateDelay(attempt)); err != nil {
			return err
		}
	}
	return last
}

func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	e.mu.Lock()
	cancelCh := e.cancelCh
	e.mu.Unlock()

	fired := make(chan struct{})
	var once sync.Once
	timer := e.clock.AfterFunc(d, func() { once.Do(func() { close(fired) }) })
	defer timer.Stop()

	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		return aborted(ctx)
	case <-cancelCh:
		return ErrAborted
	}
}

func aborted(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrAborted, context.Cause(ctx))
}

// Run is a handle on an asynchronous ExecuteWithRetry.
type Run struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// RunWithRetry starts ExecuteWithRetry in a goroutine. The run's context is
// derived from ctx, so cancelling ctx aborts the run while Run.Cancel never
// affects ctx.
func (e *Engine) RunWithRetry(ctx context.Context, op Operation) *Run {
	runCtx, cancel := context.WithCancel(ctx)
	r := &Run{ctx: runCtx, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		defer cancel()
		r.err = e.ExecuteWithRetry(runCtx, op)
	}()
	return r
}

// Cancel aborts the run.
func (r *Run) Cancel() { r.cancel() }

// Done is closed when the run finishes.
func (r *Run) Done() <-chan struct{} { return r.done }

// Context is the run's internal context.
func (r *Run) Context() context.Context { return r.ctx }

// Wait blocks until the run finishes and returns its result.
func (r *Run) Wait() error {
	<-r.done
	return r.err
}
