package queue

import (
	"context"
	"errors"
	"time"

	"github.com/ipfsnut/nstplusd/internal/capture"
)

// ErrQueueSaturated is returned by Enqueue when a depth-capped queue
// is full.
var ErrQueueSaturated = errors.New("queue: saturated")

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue: closed")

// Request is one capture trigger emitted by the trial engine.
// Immutable once enqueued.
type Request struct {
	// SessionID is the participant session the capture belongs to.
	SessionID string `json:"session_id"`

	// TrialNumber is the 1-based trial index within the task.
	TrialNumber int `json:"trial_number"`

	// Position is the 0-based digit index (or trial-level slot) that
	// triggered the capture.
	Position int `json:"position"`

	// TriggeringResponse is the response key that fired the capture
	// policy, if any.
	TriggeringResponse string `json:"triggering_response,omitempty"`

	// RequestedAt is when the trial engine emitted the request.
	RequestedAt time.Time `json:"requested_at"`
}

// Capturer produces the artifact pair for one request.
type Capturer interface {
	CaptureBoth(ctx context.Context, mainLabel, secondaryLabel string) capture.Pair
}

// Uploader durably stores an artifact pair with its trial linkage.
type Uploader interface {
	UploadCapture(ctx context.Context, req Request, pair capture.Pair) error
}

// Policy decides which response events trigger a capture: the first
// event always does, then every Nth after it.
type Policy struct {
	// EveryN is the capture cadence after the first event. Zero or
	// one captures every event.
	EveryN int
}

// ShouldCapture reports whether the 0-based event index fires the
// policy.
func (p Policy) ShouldCapture(eventIndex int) bool {
	if eventIndex < 0 {
		return false
	}
	if p.EveryN <= 1 {
		return true
	}
	return eventIndex%p.EveryN == 0
}
