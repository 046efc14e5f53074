// Package notifications delivers relay events via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and gracefully degrades to a no-op when notifications are
// disabled. Enumerated event types cover login interruptions, connectivity
// pauses and resumes, and download failures so callers can emit consistent,
// user-friendly messages without duplicating HTTP glue. Each event family can
// be switched off in the [notifications] section.
package notifications
