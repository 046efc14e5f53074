package ipc

import (
	"genrelay/internal/daemon"
	"genrelay/internal/jobs"
	"genrelay/internal/messages"
	"genrelay/internal/netrecovery"
	"genrelay/internal/preflight"
)

// StartRequest triggers daemon startup.
type StartRequest struct{}

// StartResponse indicates whether the daemon was started.
type StartResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

// StopRequest stops the daemon.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse is the daemon status snapshot.
type StatusResponse = daemon.Status

// DispatchRequest injects one message as if a client had sent it.
type DispatchRequest struct {
	Message messages.Message `json:"message"`
}

// DispatchResponse reports how the message was handled.
type DispatchResponse struct {
	Result daemon.DispatchResult `json:"result"`
}

// JobListRequest filters job listing by status.
type JobListRequest struct {
	Statuses []string `json:"statuses"`
}

// Job is a tracked job as reported over IPC.
type Job struct {
	ID           string        `json:"id"`
	Prompt       string        `json:"prompt"`
	Status       string        `json:"status"`
	Progress     jobs.Progress `json:"progress"`
	ResumePoint  string        `json:"resumePoint,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	CreatedAt    string        `json:"createdAt"`
	UpdatedAt    string        `json:"updatedAt"`
	PausedAt     string        `json:"pausedAt,omitempty"`
}

// JobListResponse contains tracked jobs.
type JobListResponse struct {
	Jobs []Job `json:"jobs"`
}

// PausedJobsRequest fetches saved paused jobs.
type PausedJobsRequest struct{}

// PausedJobsResponse lists persisted and in-memory paused records.
type PausedJobsResponse = daemon.PausedView

// NetworkStatusRequest fetches the connectivity monitor state.
type NetworkStatusRequest struct{}

// NetworkStatusResponse is the connectivity monitor state.
type NetworkStatusResponse = netrecovery.MonitorStatus

// TestNotificationRequest triggers a notification test.
type TestNotificationRequest struct{}

// TestNotificationResponse reports notification test outcome.
type TestNotificationResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}

// PreflightRequest runs environment checks inside the daemon.
type PreflightRequest struct {
	SkipNetwork bool `json:"skipNetwork"`
}

// PreflightResponse lists check results.
type PreflightResponse struct {
	Results []preflight.Result `json:"results"`
}
