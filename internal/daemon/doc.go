// Package daemon coordinates the long-running genrelay process.
//
// It wires the message router, the login coordination channel and network
// recovery into a single lifecycle with flock-based locking to prevent
// multiple instances. Every inbound message passes through Dispatch, which
// serializes handling so job state transitions observed by the router, the
// login channel and the network handler never interleave.
//
// Image downloads requested by the router run in the background; a failed
// attempt is fed back through Dispatch as a DOWNLOAD_FAILED error so the
// router's backoff decides whether another attempt follows.
package daemon
