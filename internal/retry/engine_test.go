package retry_test

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"genrelay/internal/retry"
	"genrelay/internal/testsupport"
)

func newEngine(t *testing.T, cfg retry.Config, clock retry.Clock) *retry.Engine {
	t.Helper()
	engine, err := retry.New(cfg, retry.WithClock(clock))
	if err != nil {
		t.Fatalf("retry.New: %v", err)
	}
	return engine
}

func ms(values ...int) []time.Duration {
	out := make([]time.Duration, len(values))
	for i, v := range values {
		out[i] = time.Duration(v) * time.Millisecond
	}
	return out
}

func TestCalculateDelaySequence(t *testing.T) {
	engine := newEngine(t, retry.Config{BaseDelay: 500 * time.Millisecond, Factor: 2.0, MaxRetries: 5}, nil)
	var got []time.Duration
	for attempt := range 5 {
		got = append(got, engine.CalculateDelay(attempt))
	}
	if want := ms(500, 1000, 2000, 4000, 8000); !reflect.DeepEqual(got, want) {
		t.Fatalf("delays = %v, want %v", got, want)
	}
	if engine.CalculateDelay(-3) != 500*time.Millisecond {
		t.Fatalf("negative attempt should behave as zero, got %v", engine.CalculateDelay(-3))
	}
}

func TestDelayRounds(t *testing.T) {
	if got := retry.Delay(100*time.Millisecond, 1.5, 3); got != 338*time.Millisecond {
		t.Fatalf("Delay = %v, want 338ms", got)
	}
	if got := retry.Delay(time.Second, 10, 400); got != time.Duration(math.MaxInt64) {
		t.Fatalf("overflow should clamp, got %v", got)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	bad := []retry.Config{
		{BaseDelay: -1, Factor: 2, MaxRetries: 1},
		{BaseDelay: 1, Factor: 0, MaxRetries: 1},
		{BaseDelay: 1, Factor: math.NaN(), MaxRetries: 1},
		{BaseDelay: 1, Factor: math.Inf(1), MaxRetries: 1},
		{BaseDelay: 1, Factor: 2, MaxRetries: -1},
	}
	for _, cfg := range bad {
		if _, err := retry.New(cfg); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}

func TestShouldRetryBoundsAndCancel(t *testing.T) {
	engine := newEngine(t, retry.Config{BaseDelay: time.Millisecond, Factor: 2, MaxRetries: 3}, nil)
	for attempt := range 3 {
		if !engine.ShouldRetry(attempt) {
			t.Fatalf("ShouldRetry(%d) = false", attempt)
		}
	}
	if engine.ShouldRetry(3) || engine.ShouldRetry(10) {
		t.Fatal("ShouldRetry must be false at and beyond max")
	}
	engine.Cancel()
	if engine.ShouldRetry(0) {
		t.Fatal("ShouldRetry must be false after Cancel")
	}
	engine.Reset()
	if !engine.ShouldRetry(0) {
		t.Fatal("Reset should clear cancellation")
	}
}

func TestExecuteWithRetrySucceedsAfterFailures(t *testing.T) {
	clock := testsupport.NewInstantClock(time.Unix(0, 0))
	engine := newEngine(t, retry.Config{BaseDelay: 500 * time.Millisecond, Factor: 2, MaxRetries: 5}, clock)

	var calls int
	err := engine.ExecuteWithRetry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithRetry: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if got := clock.Delays(); !reflect.DeepEqual(got, ms(500, 1000)) {
		t.Fatalf("waits = %v", got)
	}
}

func TestExecuteWithRetryExhaustsWithLastError(t *testing.T) {
	clock := testsupport.NewInstantClock(time.Unix(0, 0))
	engine := newEngine(t, retry.Config{BaseDelay: 10 * time.Millisecond, Factor: 2, MaxRetries: 2}, clock)

	var calls int
	err := engine.ExecuteWithRetry(context.Background(), func(context.Context) error {
		calls++
		return errors.New("failure " + string(rune('0'+calls)))
	})
	if err == nil || err.Error() != "failure 3" {
		t.Fatalf("err = %v, want last error", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want maxRetries+1", calls)
	}
	if errors.Is(err, retry.ErrAborted) {
		t.Fatal("exhaustion must not be reported as abort")
	}
}

func TestExecuteWithRetryStopsOnNonRetryable(t *testing.T) {
	clock := testsupport.NewInstantClock(time.Unix(0, 0))
	engine := newEngine(t, retry.Config{BaseDelay: 10 * time.Millisecond, Factor: 2, MaxRetries: 5}, clock)
	permission := errors.New("permission denied")

	var calls int
	err := engine.ExecuteWithRetry(context.Background(), func(context.Context) error {
		calls++
		return retry.NonRetryable(permission)
	})
	if !errors.Is(err, permission) || !retry.IsNonRetryable(err) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestExecuteWithRetryAbortsOnCancelledContext(t *testing.T) {
	engine := newEngine(t, retry.Config{BaseDelay: time.Millisecond, Factor: 2, MaxRetries: 5}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int
	err := engine.ExecuteWithRetry(ctx, func(context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, retry.ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
	if calls != 0 {
		t.Fatalf("operation ran %d times after abort", calls)
	}
}

func TestExecuteWithRetryAbortDuringWait(t *testing.T) {
	clock := testsupport.NewManualClock(time.Unix(0, 0))
	engine := newEngine(t, retry.Config{BaseDelay: time.Hour, Factor: 2, MaxRetries: 5}, clock)
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- engine.ExecuteWithRetry(ctx, func(context.Context) error {
			calls.Add(1)
			return errors.New("transient")
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for clock.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("retry loop never started waiting")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, retry.ErrAborted) {
			t.Fatalf("err = %v, want ErrAborted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not interrupt the wait")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
	if clock.Pending() != 0 {
		t.Fatal("wait timer should be stopped after abort")
	}
}

func TestEngineCancelInterruptsWait(t *testing.T) {
	clock := testsupport.NewManualClock(time.Unix(0, 0))
	engine := newEngine(t, retry.Config{BaseDelay: time.Hour, Factor: 2, MaxRetries: 5}, clock)

	done := make(chan error, 1)
	go func() {
		done <- engine.ExecuteWithRetry(context.Background(), func(context.Context) error {
			return errors.New("transient")
		})
	}()
	deadline := time.Now().Add(2 * time.Second)
	for clock.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("retry loop never started waiting")
		}
		time.Sleep(time.Millisecond)
	}
	engine.Cancel()

	select {
	case err := <-done:
		if !errors.Is(err, retry.ErrAborted) {
			t.Fatalf("err = %v, want ErrAborted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel did not interrupt the wait")
	}
}

func TestRunWithRetryCancelDoesNotTouchCallerContext(t *testing.T) {
	clock := testsupport.NewManualClock(time.Unix(0, 0))
	engine := newEngine(t, retry.Config{BaseDelay: time.Hour, Factor: 2, MaxRetries: 5}, clock)
	parent, cancelParent := context.WithCancel(context.Background())
	defer cancelParent()

	run := engine.RunWithRetry(parent, func(context.Context) error {
		return errors.New("transient")
	})
	run.Cancel()
	if err := run.Wait(); !errors.Is(err, retry.ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
	if parent.Err() != nil {
		t.Fatal("Run.Cancel must not cancel the caller context")
	}
	if run.Context().Err() == nil {
		t.Fatal("run context should be cancelled")
	}
}

func TestRunWithRetryFollowsCallerContext(t *testing.T) {
	clock := testsupport.NewManualClock(time.Unix(0, 0))
	engine := newEngine(t, retry.Config{BaseDelay: time.Hour, Factor: 2, MaxRetries: 5}, clock)
	parent, cancelParent := context.WithCancel(context.Background())

	run := engine.RunWithRetry(parent, func(context.Context) error {
		return errors.New("transient")
	})
	cancelParent()
	select {
	case <-run.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after caller cancellation")
	}
	if err := run.Wait(); !errors.Is(err, retry.ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
}

func TestExecuteWithDelayCancelledNeverFires(t *testing.T) {
	clock := testsupport.NewManualClock(time.Unix(0, 0))
	engine := newEngine(t, retry.Config{BaseDelay: time.Millisecond, Factor: 2, MaxRetries: 1}, clock)

	var fired atomic.Bool
	engine.ExecuteWithDelay(time.Second, func() { fired.Store(true) })
	engine.Cancel()
	clock.Advance(time.Minute)
	if fired.Load() {
		t.Fatal("callback fired after Cancel")
	}

	engine.Reset()
	engine.ExecuteWithDelay(time.Second, func() { fired.Store(true) })
	clock.Advance(time.Second)
	if !fired.Load() {
		t.Fatal("callback should fire after Reset")
	}
}

func TestPreviewDelays(t *testing.T) {
	engine := newEngine(t, retry.Config{BaseDelay: 500 * time.Millisecond, Factor: 2, MaxRetries: 4}, nil)
	if got := engine.PreviewDelays(0); !reflect.DeepEqual(got, ms(500, 1000, 2000, 4000)) {
		t.Fatalf("preview = %v", got)
	}
	engine.RecordFailure()
	engine.RecordFailure()
	if engine.CurrentAttempts() != 2 {
		t.Fatalf("attempts = %d", engine.CurrentAttempts())
	}
	if got := engine.PreviewDelays(1); !reflect.DeepEqual(got, ms(2000)) {
		t.Fatalf("preview after failures = %v", got)
	}
	if got := engine.PreviewDelays(10); !reflect.DeepEqual(got, ms(2000, 4000)) {
		t.Fatalf("preview capped = %v", got)
	}
	engine.Cancel()
	if got := engine.PreviewDelays(0); len(got) != 0 {
		t.Fatalf("cancelled preview = %v", got)
	}
	engine.Reset()
	if engine.CurrentAttempts() != 0 {
		t.Fatal("Reset should clear attempts")
	}
}
