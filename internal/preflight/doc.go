// Package preflight provides readiness checks for the directories,
// storage, and remote endpoints genrelay depends on.
//
// The daemon runs them on demand for `genrelay status`; the
// individual check functions are also usable on their own.
package preflight
