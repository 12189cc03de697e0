package session

import (
	"context"
)

// Store is the persistence boundary for session state. Any engine
// providing append and point-read semantics suffices; the service
// layer owns all validation.
type Store interface {
	// CreateSession persists a new session record.
	CreateSession(ctx context.Context, state *State) error

	// GetSession loads a full session by ID.
	GetSession(ctx context.Context, id string) (*State, error)

	// ListSessions returns every session, ordered by creation time.
	ListSessions(ctx context.Context) ([]*State, error)

	// AppendTrial appends one trial to the session's ordered trial
	// list.
	AppendTrial(ctx context.Context, id string, trial Trial) error

	// AppendResponse appends one response event.
	AppendResponse(ctx context.Context, id string, event ResponseEvent) error

	// AppendCapture appends one capture reference.
	AppendCapture(ctx context.Context, id string, ref CaptureRef) error

	// UpsertCompletion inserts or updates the completion record for
	// the given task type.
	UpsertCompletion(ctx context.Context, id string, completion Completion) error

	// SetStatus updates the derived session status.
	SetStatus(ctx context.Context, id string, status Status) error

	// Close releases store resources.
	Close() error
}
