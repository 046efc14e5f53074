// Package textutil holds small text helpers shared by the router and the
// download executor.
//
// SanitizeFileName is the single place that decides what an image file name
// may look like on disk: unsafe characters are stripped, the extension is
// preserved, and the total length is bounded. The function is idempotent so
// names can be re-sanitized safely at every hop.
package textutil
