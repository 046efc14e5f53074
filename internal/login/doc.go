// Package login detects when the target page demands authentication,
// pauses the job that was running, persists it, and resumes it once the
// user has logged back in.
//
// Manager owns the detection thresholds, the page-state presence cache and
// the per-key attempt windows. Channel adapts Manager to the coordination
// message types so the daemon can answer CHECK requests with RESULT
// replies.
package login
