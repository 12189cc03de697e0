// Package session is the single source of truth for one experiment
// session's trial, response, and capture history.
//
// History is append-only: a trial is never mutated after it is
// appended, only new responses and captures may reference it. Appends
// are totally ordered per session; sessions for different
// participants are independent and share no lock.
package session
