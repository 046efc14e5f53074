package daemon_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"genrelay/internal/config"
	"genrelay/internal/daemon"
	"genrelay/internal/jobs"
	"genrelay/internal/messages"
	"genrelay/internal/router"
	"genrelay/internal/store"
	"genrelay/internal/testsupport"
)

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeTabs struct {
	mu       sync.Mutex
	tabs     []router.Tab
	sent     []messages.Message
	focusErr error
}

func (f *fakeTabs) Query(context.Context, string) ([]router.Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]router.Tab(nil), f.tabs...), nil
}

func (f *fakeTabs) Create(_ context.Context, url string) (router.Tab, error) {
	return router.Tab{}, errors.New("no opener")
}

func (f *fakeTabs) Focus(context.Context, int) error { return f.focusErr }

type countingPages struct {
	mu    sync.Mutex
	state messages.PageState
	calls int
}

func (p *countingPages) PageState(context.Context) (messages.PageState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.state, nil
}

func (p *countingPages) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (f *fakeTabs) Send(_ context.Context, _ int, msg messages.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

type fakeOutbound struct {
	mu   sync.Mutex
	msgs []messages.Message
}

func (o *fakeOutbound) Emit(_ context.Context, msg messages.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
	return nil
}

func (o *fakeOutbound) EmitTo(ctx context.Context, _ string, msg messages.Message) error {
	return o.Emit(ctx, msg)
}

func (o *fakeOutbound) ofType(t messages.Type) []messages.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []messages.Message
	for _, m := range o.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// fakeDownloader fails the first failures calls.
type fakeDownloader struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *fakeDownloader) Download(context.Context, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return "", errors.New("connection reset")
	}
	return "dl-1", nil
}

func (f *fakeDownloader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type upProber struct{}

func (upProber) Probe(context.Context) error { return nil }

type harness struct {
	cfg      *config.Config
	store    *store.Store
	tabs     *fakeTabs
	outbound *fakeOutbound
	fetcher  *fakeDownloader
	pages    *countingPages
	daemon   *daemon.Daemon
}

func newHarness(t *testing.T, failures int) *harness {
	t.Helper()
	return newHarnessWithKV(t, failures, nil)
}

func newHarnessWithKV(t *testing.T, failures int, kv store.KV) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	h := &harness{
		cfg:      cfg,
		store:    testsupport.MustOpenStore(t, cfg),
		tabs:     &fakeTabs{tabs: []router.Tab{{ID: 3, URL: "https://novelai.net/image", Active: true}}},
		outbound: &fakeOutbound{},
		fetcher:  &fakeDownloader{failures: failures},
		pages:    &countingPages{state: messages.PageState{IsLoggedIn: true, CurrentURL: "https://novelai.net/image"}},
	}
	d, err := daemon.New(cfg, daemon.Deps{
		Store:      h.store,
		KV:         kv,
		Tabs:       h.tabs,
		Outbound:   h.outbound,
		Downloader: h.fetcher,
		PageState:  h.pages,
		NetProber:  upProber{},
		Clock:      testsupport.NewInstantClock(epoch),
	})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	h.daemon = d
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.daemon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func mustMessage(t *testing.T, typ messages.Type, payload any) messages.Message {
	t.Helper()
	msg, err := messages.New(typ, payload)
	if err != nil {
		t.Fatalf("messages.New: %v", err)
	}
	return msg
}

func TestDaemonStartStop(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.start(t)

	status := h.daemon.Status(ctx)
	if !status.Running {
		t.Fatal("expected daemon to report running")
	}
	if status.LockPath != h.cfg.LockPath() || status.DatabasePath != h.cfg.DatabasePath() {
		t.Fatalf("unexpected paths %+v", status)
	}

	if err := h.daemon.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	h.daemon.Stop()
	if h.daemon.Status(ctx).Running {
		t.Fatal("expected daemon to be stopped")
	}
}

func TestSecondInstanceIsLockedOut(t *testing.T) {
	h := newHarness(t, 0)
	h.start(t)

	other, err := daemon.New(h.cfg, daemon.Deps{Store: h.store, Tabs: h.tabs, Outbound: h.outbound, NetProber: upProber{}})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { other.Close() })
	if err := other.Start(context.Background()); err == nil {
		t.Fatal("expected lock contention error")
	}
}

func TestDispatchRequiresRunningDaemon(t *testing.T) {
	h := newHarness(t, 0)
	msg := mustMessage(t, messages.TypeLoginCacheReset, nil)
	if _, err := h.daemon.Dispatch(context.Background(), msg); !errors.Is(err, daemon.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestDispatchForwardsGenerationAndTracksJob(t *testing.T) {
	h := newHarness(t, 0)
	h.start(t)
	ctx := context.Background()

	msg := messages.Message{
		Type:    messages.TypeStartGeneration,
		Payload: []byte(`{"job":{"id":"job-1","prompt":"a lighthouse at dusk"}}`),
	}
	res, err := h.daemon.Dispatch(ctx, msg)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Route != daemon.RouteRouter || res.Outcome == nil || res.Outcome.Effect != router.EffectForwarded {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(h.tabs.sent) != 1 || h.tabs.sent[0].Type != messages.TypeApplyAndGenerate {
		t.Fatalf("expected APPLY_AND_GENERATE forward, got %+v", h.tabs.sent)
	}
	row, err := h.store.GetJob(ctx, "job-1")
	if err != nil || row == nil {
		t.Fatalf("GetJob: %v", err)
	}
	if row.Status != jobs.StatusRunning {
		t.Fatalf("expected running job, got %s", row.Status)
	}

	rows, err := h.daemon.ListJobs(ctx, jobs.StatusRunning)
	if err != nil || len(rows) != 1 {
		t.Fatalf("ListJobs: %v %+v", err, rows)
	}
}

func TestJobFinishedSurvivesPausedCleanupFailure(t *testing.T) {
	kv := testsupport.NewMemoryKV()
	h := newHarnessWithKV(t, 0, kv)
	h.start(t)
	ctx := context.Background()

	start := messages.Message{
		Type:    messages.TypeStartGeneration,
		Payload: []byte(`{"job":{"id":"job-1","prompt":"a lighthouse at dusk"}}`),
	}
	if _, err := h.daemon.Dispatch(ctx, start); err != nil {
		t.Fatalf("Dispatch start: %v", err)
	}
	kv.FailGets = 1
	done := messages.Message{
		Type:    messages.TypeGenerationComplete,
		Payload: []byte(`{"jobId":"job-1","count":1,"downloadedFiles":["a.png"]}`),
	}
	if _, err := h.daemon.Dispatch(ctx, done); err != nil {
		t.Fatalf("Dispatch complete: %v", err)
	}
	row, err := h.store.GetJob(ctx, "job-1")
	if err != nil || row == nil {
		t.Fatalf("GetJob: %v", err)
	}
	if row.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed status despite cleanup failure, got %s", row.Status)
	}
}

func TestDispatchUnknownTypeIsRejected(t *testing.T) {
	h := newHarness(t, 0)
	h.start(t)

	res, err := h.daemon.Dispatch(context.Background(), messages.Message{Type: "NOPE"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Handled || res.Outcome.Code != messages.CodeUnknownMessage {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(h.outbound.ofType(messages.TypeError)) != 1 {
		t.Fatal("expected one ERROR emitted")
	}
}

func TestDispatchCoordinationGoesToLoginChannel(t *testing.T) {
	h := newHarness(t, 0)
	h.start(t)

	msg := mustMessage(t, messages.TypeLoginCacheReset, nil).WithRequestID("req-9")
	res, err := h.daemon.Dispatch(context.Background(), msg)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Route != daemon.RouteLogin || !res.Handled || len(res.Replies) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	cleared := h.outbound.ofType(messages.TypeLoginCacheCleared)
	if len(cleared) != 1 || cleared[0].RequestID != "req-9" {
		t.Fatalf("expected LOGIN_CACHE_CLEARED echoing the request id, got %+v", cleared)
	}
}

func TestPageNavigationInvalidatesLoginCache(t *testing.T) {
	h := newHarness(t, 0)
	h.start(t)
	ctx := context.Background()
	check := mustMessage(t, messages.TypeLoginRequiredCheck, messages.LoginRequiredCheck{CurrentJobID: messages.String("job-1")})

	for i := 0; i < 2; i++ {
		if _, err := h.daemon.Dispatch(ctx, check); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	if h.pages.count() != 1 {
		t.Fatalf("expected cached page state, got %d reads", h.pages.count())
	}
	h.daemon.PageNavigated("https://novelai.net/login")
	if _, err := h.daemon.Dispatch(ctx, check); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if h.pages.count() != 2 {
		t.Fatalf("expected navigation to force a fresh read, got %d reads", h.pages.count())
	}
}

func TestFocusFailureReturnsManualGuidance(t *testing.T) {
	h := newHarness(t, 0)
	h.tabs.focusErr = errors.New("window minimized")
	h.start(t)

	msg := mustMessage(t, messages.TypeOpenOrFocusTab, messages.OpenOrFocusTab{URL: "https://novelai.net/*"})
	res, err := h.daemon.Dispatch(context.Background(), msg)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Handled || res.Outcome == nil || res.Outcome.Effect != router.EffectFailed {
		t.Fatalf("expected failed outcome, got %+v", res)
	}
	if !strings.Contains(res.Outcome.Detail, "manually") || !strings.Contains(res.Outcome.Detail, h.cfg.Target.MainURL) {
		t.Fatalf("expected manual guidance, got %q", res.Outcome.Detail)
	}
	if len(h.outbound.ofType(messages.TypeError)) != 0 {
		t.Fatal("focus failure must not emit ERROR")
	}
}

func imageReady(t *testing.T) messages.Message {
	return mustMessage(t, messages.TypeImageReady, messages.ImageReady{
		JobID:    "job-1",
		URL:      "http://127.0.0.1/img/1.png",
		Index:    messages.Int(0),
		FileName: "fox: night.png",
	})
}

func TestDownloadFailuresRetryUntilExhausted(t *testing.T) {
	h := newHarness(t, 100)
	h.start(t)

	res, err := h.daemon.Dispatch(context.Background(), imageReady(t))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Outcome.Effect != router.EffectEmitted {
		t.Fatalf("unexpected outcome %+v", res.Outcome)
	}

	want := h.cfg.Download.MaxAttempts + 1
	waitFor(t, "terminal download error", func() bool {
		return len(h.outbound.ofType(messages.TypeError)) == 1
	})
	h.daemon.Stop()
	if got := h.fetcher.count(); got != want {
		t.Fatalf("expected %d download attempts, got %d", want, got)
	}
	env, err := messages.Decode[messages.ErrorPayload](h.outbound.ofType(messages.TypeError)[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Error.Code != messages.CodeDownloadFailed || env.Context == nil || env.Context.FileName != "fox night.png" {
		t.Fatalf("unexpected terminal error %+v", env)
	}
	if h.daemon.Status(context.Background()).LastError == "" {
		t.Fatal("expected last error to be recorded")
	}
}

func TestDownloadSuccessAfterRetry(t *testing.T) {
	h := newHarness(t, 1)
	h.start(t)

	if _, err := h.daemon.Dispatch(context.Background(), imageReady(t)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitFor(t, "second download attempt", func() bool { return h.fetcher.count() == 2 })
	h.daemon.Stop()

	if got := h.fetcher.count(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
	if errs := h.outbound.ofType(messages.TypeError); len(errs) != 0 {
		t.Fatalf("expected no terminal error, got %+v", errs)
	}
	if got := len(h.outbound.ofType(messages.TypeDownloadImage)); got != 2 {
		t.Fatalf("expected 2 observed download requests, got %d", got)
	}
}

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

func TestNetworkReportPausesAndResumes(t *testing.T) {
	h := newHarness(t, 0)
	testsupport.MustUpsertJob(t, h.store, runningJob("job-1"))
	h.start(t)
	ctx := context.Background()

	offline := mustMessage(t, messages.TypeNetworkStateChanged, messages.NetworkStateChanged{
		IsOnline:  messages.Bool(false),
		Timestamp: messages.Int64(epoch.UnixMilli()),
	})
	res, err := h.daemon.Dispatch(ctx, offline)
	if err != nil {
		t.Fatalf("Dispatch offline: %v", err)
	}
	if res.Route != daemon.RouteNetwork || res.Paused == nil || len(res.Paused.PausedJobs) != 1 {
		t.Fatalf("unexpected offline result %+v", res)
	}
	row, _ := h.store.GetJob(ctx, "job-1")
	if row == nil || row.Status != jobs.StatusPaused {
		t.Fatalf("expected paused job, got %+v", row)
	}
	if len(h.outbound.ofType(messages.TypeJobPaused)) != 1 {
		t.Fatal("expected JOB_PAUSED")
	}

	online := mustMessage(t, messages.TypeNetworkStateChanged, messages.NetworkStateChanged{
		IsOnline:     messages.Bool(true),
		Timestamp:    messages.Int64(epoch.Add(5 * time.Second).UnixMilli()),
		AffectedJobs: []string{"job-1"},
	})
	res, err = h.daemon.Dispatch(ctx, online)
	if err != nil {
		t.Fatalf("Dispatch online: %v", err)
	}
	if res.Resume == nil || res.Resume.TotalJobs != 1 {
		t.Fatalf("unexpected online result %+v", res)
	}
	row, _ = h.store.GetJob(ctx, "job-1")
	if row == nil || row.Status != jobs.StatusRunning {
		t.Fatalf("expected resumed job, got %+v", row)
	}
	if len(h.outbound.ofType(messages.TypeJobResumed)) != 1 {
		t.Fatal("expected JOB_RESUMED")
	}
}

func networkReport(t *testing.T, online bool, at time.Time, affected ...string) messages.Message {
	t.Helper()
	return mustMessage(t, messages.TypeNetworkStateChanged, messages.NetworkStateChanged{
		IsOnline:     messages.Bool(online),
		Timestamp:    messages.Int64(at.UnixMilli()),
		AffectedJobs: affected,
	})
}

func TestNetworkReportIgnoresShortLivedChange(t *testing.T) {
	h := newHarness(t, 0)
	testsupport.MustUpsertJob(t, h.store, runningJob("job-1"))
	h.start(t)
	ctx := context.Background()

	if _, err := h.daemon.Dispatch(ctx, networkReport(t, false, epoch)); err != nil {
		t.Fatalf("Dispatch offline: %v", err)
	}

	res, err := h.daemon.Dispatch(ctx, networkReport(t, true, epoch.Add(4999*time.Millisecond), "job-1"))
	if err != nil {
		t.Fatalf("Dispatch online: %v", err)
	}
	if res.Flapping == nil || res.Flapping.Reason != "flapping_prevention" || res.Resume != nil {
		t.Fatalf("expected flapping report to be ignored, got %+v", res)
	}
	row, _ := h.store.GetJob(ctx, "job-1")
	if row == nil || row.Status != jobs.StatusPaused {
		t.Fatalf("expected job to stay paused, got %+v", row)
	}
	if len(h.outbound.ofType(messages.TypeJobResumed)) != 0 {
		t.Fatal("flapping report must not resume jobs")
	}

	res, err = h.daemon.Dispatch(ctx, networkReport(t, true, epoch.Add(5000*time.Millisecond), "job-1"))
	if err != nil {
		t.Fatalf("Dispatch online: %v", err)
	}
	if res.Flapping != nil || res.Resume == nil || res.Resume.TotalJobs != 1 {
		t.Fatalf("expected stable report to resume, got %+v", res)
	}
	row, _ = h.store.GetJob(ctx, "job-1")
	if row == nil || row.Status != jobs.StatusRunning {
		t.Fatalf("expected resumed job, got %+v", row)
	}
}

func TestNetworkReportShortOfflineBlipKeepsJobsRunning(t *testing.T) {
	h := newHarness(t, 0)
	h.start(t)
	ctx := context.Background()

	if _, err := h.daemon.Dispatch(ctx, networkReport(t, true, epoch)); err != nil {
		t.Fatalf("Dispatch online: %v", err)
	}
	testsupport.MustUpsertJob(t, h.store, runningJob("job-2"))
	res, err := h.daemon.Dispatch(ctx, networkReport(t, false, epoch.Add(100*time.Millisecond)))
	if err != nil {
		t.Fatalf("Dispatch offline: %v", err)
	}
	if res.Flapping == nil || res.Paused != nil {
		t.Fatalf("expected blip to be ignored, got %+v", res)
	}
	row, _ := h.store.GetJob(ctx, "job-2")
	if row == nil || row.Status != jobs.StatusRunning {
		t.Fatalf("expected job to keep running, got %+v", row)
	}
}

func TestNetworkReportRejectsMissingFields(t *testing.T) {
	h := newHarness(t, 0)
	h.start(t)

	msg := messages.Message{Type: messages.TypeNetworkStateChanged, Payload: []byte(`{"timestamp":1}`)}
	res, err := h.daemon.Dispatch(context.Background(), msg)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Handled {
		t.Fatalf("expected rejection, got %+v", res)
	}
	if len(h.outbound.ofType(messages.TypeError)) != 1 {
		t.Fatal("expected ERROR emitted")
	}
}

func TestPausedJobsAndNotificationWithoutTopic(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	rec := jobs.PausedRecord{ID: "job-2", Status: jobs.StatusPaused, PausedAt: epoch.UnixMilli()}
	if err := store.AppendPaused(ctx, h.store, rec); err != nil {
		t.Fatalf("AppendPaused: %v", err)
	}
	view, err := h.daemon.PausedJobs(ctx)
	if err != nil {
		t.Fatalf("PausedJobs: %v", err)
	}
	if len(view.Stored) != 1 || view.Stored[0].ID != "job-2" {
		t.Fatalf("unexpected paused view %+v", view)
	}

	sent, message, err := h.daemon.TestNotification(ctx)
	if err != nil || sent || message == "" {
		t.Fatalf("expected unsent notification, got %v %q %v", sent, message, err)
	}
}
