package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"genrelay/internal/jobs"
	"genrelay/internal/logging"
	"genrelay/internal/login"
	"genrelay/internal/messages"
	"genrelay/internal/netrecovery"
	"genrelay/internal/notifications"
	"genrelay/internal/router"
)

// Route names the component that handled a dispatched message.
type Route string

const (
	RouteLogin   Route = "login"
	RouteNetwork Route = "network"
	RouteRouter  Route = "router"
)

// DispatchResult describes how one inbound message was handled.
type DispatchResult struct {
	Route     Route                       `json:"route"`
	Handled   bool                        `json:"handled"`
	Replies   []messages.Message          `json:"replies,omitempty"`
	Outcome   *router.Outcome             `json:"outcome,omitempty"`
	Detection *netrecovery.Detection      `json:"detection,omitempty"`
	Paused    *netrecovery.PauseResult    `json:"paused,omitempty"`
	Resume    *netrecovery.StagePlan      `json:"resume,omitempty"`
	Flapping  *netrecovery.FlappingResult `json:"flapping,omitempty"`
}

// reportSubject identifies worker connectivity reports in flapping checks.
const reportSubject = "network-report"

// reportedState is the last connectivity transition a worker reported.
type reportedState struct {
	set    bool
	online bool
	at     int64
}

// Dispatch handles one inbound message. Calls are serialized. Coordination
// requests go to the login channel, NETWORK_STATE_CHANGED reports go to
// network recovery and everything else goes to the router.
func (d *Daemon) Dispatch(ctx context.Context, msg messages.Message) (DispatchResult, error) {
	if !d.running.Load() {
		return DispatchResult{}, ErrNotRunning
	}
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if msg.RequestID != "" {
		ctx = logging.WithRequestID(ctx, msg.RequestID)
	}

	if login.Handles(msg.Type) {
		res := d.channel.Handle(ctx, msg)
		d.afterLogin(ctx, res.Replies)
		return DispatchResult{Route: RouteLogin, Handled: res.Handled, Replies: res.Replies}, nil
	}
	if msg.Type == messages.TypeNetworkStateChanged {
		return d.handleNetwork(ctx, msg), nil
	}
	out := d.router.Handle(ctx, msg)
	d.logger.DebugContext(ctx, "message routed",
		logging.MessageType(msg.Type),
		logging.String("effect", string(out.Effect)),
	)
	handled := out.Effect != router.EffectRejected && out.Effect != router.EffectFailed
	return DispatchResult{Route: RouteRouter, Handled: handled, Outcome: &out}, nil
}

// PageNavigated drops cached page state after a worker page changed URL.
func (d *Daemon) PageNavigated(url string) {
	d.manager.HandleURLChange(&url)
	d.logger.Debug("worker page navigated", logging.String("url", url))
}

// focusFailed turns a worker page that refused focus into manual steps.
func (d *Daemon) focusFailed(_ context.Context, tabID int, err error) string {
	guide, gerr := d.manager.HandleTabActivationFailure(tabID, "")
	if gerr != nil {
		return err.Error()
	}
	return guide.Message + ": " + strings.Join(guide.Instructions, "; ")
}

// afterLogin mirrors coordination results into the job store.
func (d *Daemon) afterLogin(ctx context.Context, replies []messages.Message) {
	for _, reply := range replies {
		switch reply.Type {
		case messages.TypeLoginRequiredResult:
			p, err := messages.Decode[messages.LoginRequiredResult](reply)
			if err != nil || p.Detected == nil || !*p.Detected {
				continue
			}
			payload := notifications.Payload{}
			if p.Message != nil {
				payload["jobId"] = p.Message.CurrentJobID
			}
			if err := d.notifier.Publish(ctx, notifications.EventLoginRequired, payload); err != nil {
				d.logger.Debug("login notification failed", logging.Error(err))
			}
		case messages.TypeJobPauseResult:
			p, err := messages.Decode[messages.JobPauseResult](reply)
			if err != nil || p.Success == nil || !*p.Success {
				continue
			}
			d.mirrorStatus(ctx, jobIDOf(p.PausedJob), jobs.StatusPaused, "login_required")
		case messages.TypeResumeJob:
			p, err := messages.Decode[messages.ResumeJob](reply)
			if err != nil {
				continue
			}
			d.mirrorStatus(ctx, p.JobID, jobs.StatusRunning, "login_completed")
		}
	}
}

// mirrorStatus records a status change for a tracked job. Jobs the store
// does not know are ignored.
func (d *Daemon) mirrorStatus(ctx context.Context, id string, status jobs.Status, reason string) {
	if id == "" {
		return
	}
	row, err := d.store.GetJob(ctx, id)
	if err != nil || row == nil || row.Status == status {
		return
	}
	if err := d.store.UpdateStatus(ctx, id, status, ""); err != nil {
		d.logger.Debug("job status not mirrored",
			logging.JobID(id),
			logging.String("status", string(status)),
			logging.String("reason", reason),
			logging.Error(err),
		)
	}
}

// handleNetwork applies a connectivity report from a worker. Offline pauses
// running jobs; online stages a resume of the paused jobs the report names.
func (d *Daemon) handleNetwork(ctx context.Context, msg messages.Message) DispatchResult {
	res := DispatchResult{Route: RouteNetwork}
	if err := messages.Validate(msg); err != nil {
		d.rejectNetwork(ctx, messages.CodeFor(err), err.Error())
		return res
	}
	p, err := messages.Decode[messages.NetworkStateChanged](msg)
	if err != nil {
		d.rejectNetwork(ctx, messages.CodeInvalidPayload, err.Error())
		return res
	}
	d.monitor.Kick()

	kind := netrecovery.EventOffline
	if *p.IsOnline {
		kind = netrecovery.EventOnline
	}
	if flap, ok := d.acceptReport(*p.IsOnline, *p.Timestamp); !ok {
		d.logger.DebugContext(ctx, "network report ignored as flapping",
			logging.Bool("online", *p.IsOnline),
			logging.String("reason", flap.Reason),
		)
		res.Handled = true
		res.Flapping = &flap
		return res
	}
	ev := &netrecovery.Event{Kind: kind, Timestamp: *p.Timestamp}
	if len(p.AffectedJobs) > 0 {
		ev.JobID = p.AffectedJobs[0]
	}
	running := d.jobsWith(ctx, jobs.StatusRunning)
	det, err := d.network.DetectNetworkStateChange(ctx, ev, running)
	if err != nil {
		d.rejectNetwork(ctx, messages.CodeInvalidPayload, err.Error())
		return res
	}
	res.Handled = true
	res.Detection = &det
	if det.Message != nil {
		if out, err := messages.New(messages.TypeNetworkStateChanged, det.Message); err == nil {
			if _, err := d.network.Broadcast(ctx, out, nil); err != nil {
				d.logger.Debug("network state broadcast failed", logging.Error(err))
			}
		}
	}

	if kind == netrecovery.EventOffline {
		paused := d.network.PauseJobsOnOffline(ctx, running, &netrecovery.State{IsOnline: false})
		res.Paused = &paused
		return res
	}

	var resumable []jobs.Job
	for _, id := range p.AffectedJobs {
		row, err := d.store.GetJob(ctx, id)
		if err != nil || row == nil || row.Status != jobs.StatusPaused {
			continue
		}
		resumable = append(resumable, row.Job)
	}
	if len(resumable) == 0 {
		return res
	}
	plan, err := d.network.ResumeStaged(ctx, resumable)
	if err != nil {
		d.logger.Warn("staged resume rejected",
			logging.Error(err),
			logging.String(logging.FieldEventType, "network_resume_rejected"),
			logging.String(logging.FieldErrorHint, "resume the jobs from the control surface"),
		)
		return res
	}
	res.Resume = &plan
	return res
}

// acceptReport gates a reported transition on how long the previous state
// held. Repeats of the current state always pass. Callers hold dispatchMu.
func (d *Daemon) acceptReport(online bool, at int64) (netrecovery.FlappingResult, bool) {
	last := d.lastReport
	if last.set && last.online == online {
		return netrecovery.FlappingResult{Detected: true, Reason: "same_state"}, true
	}
	if last.set {
		held := time.Duration(at-last.at) * time.Millisecond
		flap := d.network.HandleFlappingPrevention(reportSubject, held)
		if !flap.Detected {
			return flap, false
		}
	}
	d.lastReport = reportedState{set: true, online: online, at: at}
	return netrecovery.FlappingResult{Detected: true, Reason: "stable_state"}, true
}

func (d *Daemon) rejectNetwork(ctx context.Context, code messages.ErrorCode, detail string) {
	d.logger.Debug("network report rejected", logging.String(logging.FieldErrorCode, string(code)), logging.String("detail", detail))
	if err := d.outbound.Emit(ctx, messages.NewError(code, detail, nil)); err != nil {
		d.logger.Debug("network rejection had no listener", logging.Error(err))
	}
}

func (d *Daemon) jobsWith(ctx context.Context, status jobs.Status) []jobs.Job {
	rows, err := d.store.ListJobs(ctx, status)
	if err != nil {
		d.recordError(fmt.Errorf("list %s jobs: %w", status, err))
		return nil
	}
	out := make([]jobs.Job, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Job)
	}
	return out
}

func jobIDOf(raw []byte) string {
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	return head.ID
}
