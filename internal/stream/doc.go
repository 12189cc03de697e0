// Package stream keeps one live capture stream per logical role
// aligned with the selected device, detects failure, and recovers
// without operator intervention.
//
// Per-role state machine:
//
//	Inactive → Starting → Live ⇄ Degraded → Failed
//
// with Degraded/Failed → Starting on restart attempts and any state →
// Inactive on explicit detach. Automatic restarts are bounded by the
// configured retry schedule; once exhausted, a persistent-failure
// signal is raised and capture continues in synthetic mode upstream.
package stream
