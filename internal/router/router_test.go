package router_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"genrelay/internal/jobs"
	"genrelay/internal/messages"
	"genrelay/internal/router"
	"genrelay/internal/testsupport"
	"genrelay/internal/textutil"
)

func raw(t *testing.T, typ messages.Type, payload string) messages.Message {
	t.Helper()
	msg := messages.Message{Type: typ}
	if payload != "" {
		msg.Payload = json.RawMessage(payload)
	}
	return msg
}

func errorCode(t *testing.T, msg messages.Message) messages.ErrorCode {
	t.Helper()
	p, err := messages.Decode[messages.ErrorPayload](msg)
	if err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return p.Error.Code
}

func newRouter(tabs *fakeTabs, em *recordingEmitter, opts ...router.Option) *router.Router {
	r := router.New(tabs, em, opts...)
	return r
}

func TestUnknownTypeRejected(t *testing.T) {
	em := &recordingEmitter{}
	r := newRouter(&fakeTabs{}, em)
	out := r.Handle(context.Background(), raw(t, "NOT_A_TYPE", `{}`))
	if out.Effect != router.EffectRejected || out.Code != messages.CodeUnknownMessage {
		t.Fatalf("unexpected outcome %+v", out)
	}
	errs := em.ofType(messages.TypeError)
	if len(errs) != 1 || errorCode(t, errs[0]) != messages.CodeUnknownMessage {
		t.Fatalf("expected one UNKNOWN_MESSAGE error, got %+v", em.all())
	}
}

func TestKnownButUnroutedTypeRejected(t *testing.T) {
	em := &recordingEmitter{}
	r := newRouter(&fakeTabs{}, em)
	out := r.Handle(context.Background(), raw(t, messages.TypeDownloadImage, `{"url":"https://x/y.png","fileName":"y.png"}`))
	if out.Code != messages.CodeUnknownMessage {
		t.Fatalf("expected UNKNOWN_MESSAGE, got %+v", out)
	}
}

func TestStartGenerationForwardsJobUnchanged(t *testing.T) {
	tabs := &fakeTabs{tabs: []router.Tab{{ID: 7, URL: "https://novelai.net/image"}}}
	em := &recordingEmitter{}
	tracker := &recordingTracker{}
	r := newRouter(tabs, em, router.WithTracker(tracker))

	job := `{"id":"job-1","prompt":"cat","parameters":{"seed":-1}}`
	msg := raw(t, messages.TypeStartGeneration, `{"job":`+job+`}`).WithRequestID("req-1")
	out := r.Handle(context.Background(), msg)
	if out.Effect != router.EffectForwarded || out.TabID != 7 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(tabs.sent) != 1 {
		t.Fatalf("expected one forwarded message, got %d", len(tabs.sent))
	}
	fwd := tabs.sent[0].msg
	if fwd.Type != messages.TypeApplyAndGenerate || fwd.RequestID != "req-1" {
		t.Fatalf("unexpected forward %+v", fwd)
	}
	payload, _ := messages.Decode[messages.ApplyAndGenerate](fwd)
	if string(payload.Job) != job {
		t.Fatalf("job changed in transit: %s", payload.Job)
	}
	if len(em.all()) != 0 {
		t.Fatalf("forwarding should not emit, got %+v", em.all())
	}
	if len(tracker.calls) != 1 || tracker.calls[0].kind != "start" || tracker.calls[0].status != jobs.StatusRunning {
		t.Fatalf("unexpected tracker calls %+v", tracker.calls)
	}
}

func TestStartGenerationWithoutWorkerIsNoop(t *testing.T) {
	em := &recordingEmitter{}
	r := newRouter(&fakeTabs{}, em)
	out := r.Handle(context.Background(), raw(t, messages.TypeStartGeneration, `{"job":{"id":"j"}}`))
	if out.Effect != router.EffectNoop {
		t.Fatalf("expected noop, got %+v", out)
	}
	if len(em.all()) != 0 {
		t.Fatalf("noop must not emit, got %+v", em.all())
	}
}

func TestStartGenerationRequiresJob(t *testing.T) {
	em := &recordingEmitter{}
	tabs := &fakeTabs{tabs: []router.Tab{{ID: 1, URL: "https://novelai.net/"}}}
	r := newRouter(tabs, em)
	out := r.Handle(context.Background(), raw(t, messages.TypeStartGeneration, `{}`))
	if out.Code != messages.CodeInvalidPayload {
		t.Fatalf("expected INVALID_PAYLOAD, got %+v", out)
	}
	if len(tabs.sent) != 0 {
		t.Fatal("invalid payload must not reach the worker")
	}
}

func TestStartGenerationSendFailureReported(t *testing.T) {
	em := &recordingEmitter{}
	tabs := &fakeTabs{tabs: []router.Tab{{ID: 1, URL: "https://novelai.net/"}}, sendErr: errors.New("worker gone")}
	r := newRouter(tabs, em)
	out := r.Handle(context.Background(), raw(t, messages.TypeStartGeneration, `{"job":{"id":"j"}}`))
	if out.Effect != router.EffectFailed || out.Code != "" || !strings.Contains(out.Detail, "worker gone") {
		t.Fatalf("expected failed outcome, got %+v", out)
	}
	if len(em.ofType(messages.TypeError)) != 0 {
		t.Fatalf("tab failures must not emit ERROR, got %+v", em.all())
	}
}

func TestTabFailuresStayInsideErrorCodeSet(t *testing.T) {
	known := map[messages.ErrorCode]bool{
		messages.CodeUnknownMessage:       true,
		messages.CodeInvalidPayload:       true,
		messages.CodeProgressInconsistent: true,
		messages.CodeInvalidURL:           true,
		messages.CodeDownloadFailed:       true,
	}
	em := &recordingEmitter{}
	tabs := &fakeTabs{
		tabs:      []router.Tab{{ID: 1, URL: "https://novelai.net/"}},
		sendErr:   errors.New("worker gone"),
		focusErr:  errors.New("window minimized"),
		createErr: errors.New("no opener"),
	}
	r := newRouter(tabs, em)
	ctx := context.Background()
	inputs := []messages.Message{
		raw(t, messages.TypeCancelJob, `{"jobId":"j"}`),
		raw(t, messages.TypeStartGeneration, `{"job":{"id":"j"}}`),
		raw(t, messages.TypeOpenOrFocusTab, `{"url":"https://novelai.net/*"}`),
		raw(t, messages.TypeOpenOrFocusTab, `{"url":"https://example.com/"}`),
	}
	for _, msg := range inputs {
		out := r.Handle(ctx, msg)
		if out.Effect != router.EffectFailed {
			t.Fatalf("%s: expected failed outcome, got %+v", msg.Type, out)
		}
	}
	for _, msg := range em.ofType(messages.TypeError) {
		p, err := messages.Decode[messages.ErrorPayload](msg)
		if err != nil || !known[p.Error.Code] {
			t.Fatalf("ERROR code %q outside the known set", p.Error.Code)
		}
	}
}

func TestOpenOrFocusTabFocusFailureGivesGuidance(t *testing.T) {
	tabs := &fakeTabs{tabs: []router.Tab{{ID: 3, URL: "https://novelai.net/image"}}, focusErr: errors.New("window minimized")}
	var gotTab int
	r := router.New(tabs, &recordingEmitter{}, router.WithFocusFailure(func(_ context.Context, tabID int, err error) string {
		gotTab = tabID
		return "Open the target page manually"
	}))
	out := r.Handle(context.Background(), raw(t, messages.TypeOpenOrFocusTab, `{"url":"https://novelai.net/*"}`))
	if out.Effect != router.EffectFailed || out.TabID != 3 || out.Detail != "Open the target page manually" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if gotTab != 3 {
		t.Fatalf("focus failure handler got tab %d", gotTab)
	}

	tabs.tabs = nil
	out = r.Handle(context.Background(), raw(t, messages.TypeOpenOrFocusTab, `{"url":"https://novelai.net/"}`))
	if out.Effect != router.EffectCreated || out.Detail != "Open the target page manually" {
		t.Fatalf("expected created tab with guidance, got %+v", out)
	}
}

func TestOpenOrFocusTabFocusesExisting(t *testing.T) {
	tabs := &fakeTabs{tabs: []router.Tab{{ID: 3, URL: "https://novelai.net/image"}}}
	r := newRouter(tabs, &recordingEmitter{})
	out := r.Handle(context.Background(), raw(t, messages.TypeOpenOrFocusTab, `{"url":"https://novelai.net/*"}`))
	if out.Effect != router.EffectFocused || out.TabID != 3 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(tabs.created) != 0 {
		t.Fatal("existing page must not trigger a create")
	}
}

func TestOpenOrFocusTabCreatesWithoutWildcard(t *testing.T) {
	tabs := &fakeTabs{}
	r := newRouter(tabs, &recordingEmitter{})
	out := r.Handle(context.Background(), raw(t, messages.TypeOpenOrFocusTab, `{"url":"https://novelai.net/*"}`))
	if out.Effect != router.EffectCreated {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(tabs.created) != 1 || tabs.created[0] != "https://novelai.net/" {
		t.Fatalf("expected wildcard stripped, got %v", tabs.created)
	}
	if len(tabs.focused) != 1 || tabs.focused[0] != out.TabID {
		t.Fatalf("created page should be focused, got %v", tabs.focused)
	}
}

func TestOpenOrFocusTabRejectsUnsafeURL(t *testing.T) {
	tabs := &fakeTabs{}
	em := &recordingEmitter{}
	r := newRouter(tabs, em)
	out := r.Handle(context.Background(), raw(t, messages.TypeOpenOrFocusTab, `{"url":"javascript:alert(1)"}`))
	if out.Code != messages.CodeInvalidURL {
		t.Fatalf("expected INVALID_URL, got %+v", out)
	}
	if len(tabs.created) != 0 {
		t.Fatal("unsafe url must not be opened")
	}
}

func TestCancelJob(t *testing.T) {
	tracker := &recordingTracker{}
	tabs := &fakeTabs{tabs: []router.Tab{{ID: 9, URL: "https://novelai.net/"}}}
	em := &recordingEmitter{}
	r := newRouter(tabs, em, router.WithTracker(tracker))

	if out := r.Handle(context.Background(), raw(t, messages.TypeCancelJob, `{"jobId":""}`)); out.Code != messages.CodeInvalidPayload {
		t.Fatalf("empty jobId should be INVALID_PAYLOAD, got %+v", out)
	}
	out := r.Handle(context.Background(), raw(t, messages.TypeCancelJob, `{"jobId":"job-2"}`))
	if out.Effect != router.EffectForwarded || len(tabs.sent) != 1 || tabs.sent[0].msg.Type != messages.TypeCancelJob {
		t.Fatalf("cancel not forwarded: %+v sent=%+v", out, tabs.sent)
	}
	last := tracker.calls[len(tracker.calls)-1]
	if last.kind != "finish" || last.status != jobs.StatusCancelled {
		t.Fatalf("cancel not tracked: %+v", tracker.calls)
	}

	none := newRouter(&fakeTabs{}, &recordingEmitter{})
	if out := none.Handle(context.Background(), raw(t, messages.TypeCancelJob, `{"jobId":"job-2"}`)); out.Effect != router.EffectNoop {
		t.Fatalf("cancel without worker should be noop, got %+v", out)
	}
}

func TestProgressUpdate(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		effect    router.Effect
		code      messages.ErrorCode
		broadcast bool
	}{
		{"consistent", `{"jobId":"j","status":"running","progress":{"current":3,"total":10}}`, router.EffectBroadcast, "", true},
		{"equal", `{"jobId":"j","status":"running","progress":{"current":10,"total":10}}`, router.EffectBroadcast, "", true},
		{"fractional", `{"jobId":"j","status":"running","progress":{"current":2.5,"total":4}}`, router.EffectBroadcast, "", true},
		{"fractional over total", `{"jobId":"j","status":"running","progress":{"current":4.5,"total":4}}`, router.EffectRejected, messages.CodeProgressInconsistent, false},
		{"inconsistent", `{"jobId":"j","status":"running","progress":{"current":5,"total":3}}`, router.EffectRejected, messages.CodeProgressInconsistent, false},
		{"missing total", `{"jobId":"j","status":"running","progress":{"current":1}}`, router.EffectRejected, messages.CodeInvalidPayload, false},
		{"missing status", `{"jobId":"j","progress":{"current":1,"total":2}}`, router.EffectRejected, messages.CodeInvalidPayload, false},
		{"string progress", `{"jobId":"j","status":"running","progress":{"current":"1","total":2}}`, router.EffectRejected, messages.CodeInvalidPayload, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			em := &recordingEmitter{}
			r := newRouter(&fakeTabs{}, em)
			out := r.Handle(context.Background(), raw(t, messages.TypeProgressUpdate, tt.payload))
			if out.Effect != tt.effect || out.Code != tt.code {
				t.Fatalf("outcome = %+v, want effect %s code %q", out, tt.effect, tt.code)
			}
			all := em.all()
			if len(all) != 1 {
				t.Fatalf("expected exactly one outbound message, got %d", len(all))
			}
			if tt.broadcast && all[0].Type != messages.TypeProgressUpdate {
				t.Fatalf("expected broadcast, got %s", all[0].Type)
			}
			if !tt.broadcast && errorCode(t, all[0]) != tt.code {
				t.Fatalf("expected error %s, got %s", tt.code, errorCode(t, all[0]))
			}
		})
	}
}

func TestProgressBroadcastFailureSwallowed(t *testing.T) {
	em := &recordingEmitter{err: errNoListener}
	tracker := &recordingTracker{}
	r := newRouter(&fakeTabs{}, em, router.WithTracker(tracker))
	out := r.Handle(context.Background(), raw(t, messages.TypeProgressUpdate, `{"jobId":"j","status":"running","progress":{"current":1,"total":2}}`))
	if out.Effect != router.EffectBroadcast {
		t.Fatalf("broadcast failure must not surface, got %+v", out)
	}
	if len(em.ofType(messages.TypeError)) != 0 {
		t.Fatal("broadcast failure must not produce an ERROR")
	}
	if len(tracker.calls) != 1 || tracker.calls[0].prog != (jobs.Progress{Current: 1, Total: 2}) {
		t.Fatalf("progress not tracked: %+v", tracker.calls)
	}
}

func TestFractionalProgressTrackedInWholeSteps(t *testing.T) {
	tracker := &recordingTracker{}
	r := newRouter(&fakeTabs{}, &recordingEmitter{}, router.WithTracker(tracker))
	out := r.Handle(context.Background(), raw(t, messages.TypeProgressUpdate, `{"jobId":"j","status":"running","progress":{"current":2.5,"total":4}}`))
	if out.Effect != router.EffectBroadcast {
		t.Fatalf("fractional progress must be accepted, got %+v", out)
	}
	if len(tracker.calls) != 1 || tracker.calls[0].prog != (jobs.Progress{Current: 2, Total: 4}) {
		t.Fatalf("expected whole steps 2 of 4, got %+v", tracker.calls)
	}
}

func TestImageReadySanitizesFileName(t *testing.T) {
	em := &recordingEmitter{}
	r := newRouter(&fakeTabs{}, em)
	name := strings.Repeat("a", 300) + `:/\*?"<>|.png`
	payload, _ := json.Marshal(map[string]any{"jobId": "j", "url": "https://x/y.png", "index": 0, "fileName": name})
	out := r.Handle(context.Background(), messages.Message{Type: messages.TypeImageReady, Payload: payload})
	if out.Effect != router.EffectEmitted {
		t.Fatalf("unexpected outcome %+v", out)
	}
	downloads := em.ofType(messages.TypeDownloadImage)
	if len(downloads) != 1 {
		t.Fatalf("expected one DOWNLOAD_IMAGE, got %+v", em.all())
	}
	dl, _ := messages.Decode[messages.DownloadImage](downloads[0])
	if !strings.HasSuffix(dl.FileName, ".png") || len(dl.FileName) > 128 || textutil.ContainsUnsafeFileNameChars(dl.FileName) {
		t.Fatalf("bad sanitized name %q (%d)", dl.FileName, len(dl.FileName))
	}
	if dl.URL != "https://x/y.png" {
		t.Fatalf("url changed: %s", dl.URL)
	}
}

func TestImageReadyRejectsUnsafeURL(t *testing.T) {
	em := &recordingEmitter{}
	r := newRouter(&fakeTabs{}, em)
	out := r.Handle(context.Background(), raw(t, messages.TypeImageReady, `{"jobId":"j","url":"file:///etc/passwd","index":0,"fileName":"a.png"}`))
	if out.Code != messages.CodeInvalidURL {
		t.Fatalf("expected INVALID_URL, got %+v", out)
	}
	if len(em.ofType(messages.TypeDownloadImage)) != 0 {
		t.Fatal("unsafe url must not be downloaded")
	}
}

func downloadFailed(t *testing.T) messages.Message {
	return raw(t, messages.TypeError, `{"error":{"code":"DOWNLOAD_FAILED","message":"net"},"context":{"url":"https://x/y.png","fileName":"y.png"}}`)
}

func TestDownloadRetryBackoffAndTerminalFailure(t *testing.T) {
	clock := testsupport.NewManualClock(time.Unix(0, 0))
	em := &recordingEmitter{}
	r := newRouter(&fakeTabs{}, em, router.WithScheduler(clock))
	ctx := context.Background()

	wantDelays := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}
	for i, want := range wantDelays {
		out := r.Handle(ctx, downloadFailed(t))
		if out.Effect != router.EffectScheduled || out.Delay != want {
			t.Fatalf("failure %d: outcome %+v, want delay %s", i+1, out, want)
		}
		clock.Advance(want - time.Millisecond)
		if got := len(em.ofType(messages.TypeDownloadImage)); got != i {
			t.Fatalf("failure %d: download re-emitted early (%d)", i+1, got)
		}
		clock.Advance(time.Millisecond)
		if got := len(em.ofType(messages.TypeDownloadImage)); got != i+1 {
			t.Fatalf("failure %d: expected %d re-emits, got %d", i+1, i+1, got)
		}
	}

	out := r.Handle(ctx, downloadFailed(t))
	if out.Effect != router.EffectRejected || out.Code != messages.CodeDownloadFailed {
		t.Fatalf("fourth failure should be terminal, got %+v", out)
	}
	clock.Advance(time.Hour)
	if got := len(em.ofType(messages.TypeDownloadImage)); got != 3 {
		t.Fatalf("terminal failure must not re-emit, got %d", got)
	}
	errs := em.ofType(messages.TypeError)
	if len(errs) != 1 || errorCode(t, errs[0]) != messages.CodeDownloadFailed {
		t.Fatalf("expected one terminal DOWNLOAD_FAILED, got %+v", errs)
	}
	p, _ := messages.Decode[messages.ErrorPayload](errs[0])
	if p.Context == nil || p.Context.URL != "https://x/y.png" || p.Context.FileName != "y.png" {
		t.Fatalf("terminal error lost its context: %+v", p)
	}
}

func TestClearDownloadRetryResetsAttempts(t *testing.T) {
	clock := testsupport.NewManualClock(time.Unix(0, 0))
	em := &recordingEmitter{}
	r := newRouter(&fakeTabs{}, em, router.WithScheduler(clock))

	r.Handle(context.Background(), downloadFailed(t))
	if r.DownloadAttempts("https://x/y.png", "y.png") != 1 {
		t.Fatal("expected one attempt recorded")
	}
	r.ClearDownloadRetry("https://x/y.png", "y.png")
	if clock.Pending() != 0 {
		t.Fatal("clear should stop the pending timer")
	}
	out := r.Handle(context.Background(), downloadFailed(t))
	if out.Delay != 500*time.Millisecond {
		t.Fatalf("attempts not reset, delay %s", out.Delay)
	}
}

func TestCloseStopsPendingRetries(t *testing.T) {
	clock := testsupport.NewManualClock(time.Unix(0, 0))
	em := &recordingEmitter{}
	r := newRouter(&fakeTabs{}, em, router.WithScheduler(clock))
	r.Handle(context.Background(), downloadFailed(t))
	r.Close()
	clock.Advance(time.Minute)
	if got := len(em.ofType(messages.TypeDownloadImage)); got != 0 {
		t.Fatalf("closed router re-emitted %d downloads", got)
	}
}

func TestInstantSchedulerReEmitsImmediately(t *testing.T) {
	clock := testsupport.NewInstantClock(time.Unix(0, 0))
	em := &recordingEmitter{}
	r := newRouter(&fakeTabs{}, em, router.WithScheduler(clock))
	r.Handle(context.Background(), downloadFailed(t))
	if got := len(em.ofType(messages.TypeDownloadImage)); got != 1 {
		t.Fatalf("expected immediate re-emit, got %d", got)
	}
}

func TestNonDownloadErrorPassesThrough(t *testing.T) {
	em := &recordingEmitter{}
	r := newRouter(&fakeTabs{}, em)
	out := r.Handle(context.Background(), raw(t, messages.TypeError, `{"error":{"code":"INVALID_URL","message":"bad"}}`))
	if out.Effect != router.EffectBroadcast || out.Code != messages.CodeInvalidURL {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(em.ofType(messages.TypeError)) != 1 {
		t.Fatal("expected pass-through")
	}
}

func TestGenerationCompleteAndErrorTracked(t *testing.T) {
	tracker := &recordingTracker{}
	em := &recordingEmitter{}
	r := newRouter(&fakeTabs{}, em, router.WithTracker(tracker))

	r.Handle(context.Background(), raw(t, messages.TypeGenerationComplete, `{"jobId":"a","count":2,"downloadedFiles":["x.png","y.png"]}`))
	r.Handle(context.Background(), raw(t, messages.TypeGenerationError, `{"jobId":"b","error":"quota"}`))

	if len(tracker.calls) != 2 {
		t.Fatalf("expected two tracker calls, got %+v", tracker.calls)
	}
	if tracker.calls[0].status != jobs.StatusCompleted || tracker.calls[1].status != jobs.StatusError {
		t.Fatalf("unexpected statuses %+v", tracker.calls)
	}
	if len(em.all()) != 2 {
		t.Fatalf("expected both broadcast, got %+v", em.all())
	}
}
