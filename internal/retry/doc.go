// Package retry implements exponential backoff with cooperative
// cancellation.
//
// Delay is the single backoff formula shared by every retrying component.
// Engine wraps it with attempt bookkeeping and an ExecuteWithRetry loop that
// stops on context cancellation, on errors marked NonRetryable, or once the
// configured retries are exhausted, in which case the last operation error
// is returned unchanged. Cancellation always surfaces as ErrAborted so
// callers can tell it apart from the operation's own failures.
//
// Each Engine owns its attempt counter; do not share one Engine between
// independent retry loops.
package retry
