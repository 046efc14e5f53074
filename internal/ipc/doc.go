// Package ipc exposes the daemon over JSON-RPC Unix sockets and ships the
// matching client used by the CLI.
//
// It owns socket lifecycle management and the request/response DTOs. Most
// responses reuse the daemon's own snapshot types so the CLI renders exactly
// what the daemon reports.
package ipc
