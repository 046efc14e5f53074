// Package main hosts the genrelay CLI entrypoint and command graph.
//
// The Cobra command tree translates terminal invocations into IPC calls
// against the relay daemon: lifecycle control, message injection, job and
// paused-job listings, network monitor state, and configuration scaffolding.
// The `daemon` command runs the relay in the foreground; `start` launches it
// detached and waits for its socket.
//
// Keep this package lean: behavior lives in the internal packages and is
// surfaced here through dedicated commands or flags.
package main
