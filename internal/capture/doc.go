// Package capture turns a role's live stream into a single still-image
// artifact, or a clearly-marked synthetic placeholder when no live
// source is available.
//
// Capture failure is local and silent to the caller: a failed grab
// yields a nil artifact, never an error, so one bad frame cannot abort
// a trial's progression.
package capture
