// Package router is the single inbound entry point of the coordinator.
//
// Handle validates a message against its variant, then performs exactly one
// outbound effect: forward to a worker page, focus or create a page,
// broadcast, emit a derived message, schedule a download retry, do nothing
// (documented no-ops only), or reject with an ERROR message. Router
// failures never surface as Go errors to the caller.
//
// Download retries are tracked per url|fileName key with the shared backoff
// formula and are fired by an injectable scheduler.
package router
