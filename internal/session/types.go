package session

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a participant session.
type Status string

const (
	StatusRegistered Status = "registered"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusIncomplete Status = "incomplete"
)

// TaskType identifies one of the experiment's tasks.
type TaskType string

const (
	// TaskNeutral is the neutral baseline block.
	TaskNeutral TaskType = "neutral"
	// TaskNST is the digit-categorization (number switching) task.
	TaskNST TaskType = "nst"
	// TaskGrip is the handgrip physical-effort task.
	TaskGrip TaskType = "grip"
)

// RequiredTasks is the completed-task set that moves a session to
// StatusCompleted.
var RequiredTasks = []TaskType{TaskNeutral, TaskNST, TaskGrip}

// Validation errors, rejected at the store boundary. The session
// remains usable for subsequent trials after either.
var (
	ErrSessionNotFound   = errors.New("session: not found")
	ErrInvalidPosition   = errors.New("session: response position out of range")
	ErrUnknownTrial      = errors.New("session: response references unknown trial")
	ErrDuplicateResponse = errors.New("session: response already recorded for trial position")
	ErrDigitMismatch     = errors.New("session: response digit does not match presented digit")
	ErrDuplicateCapture  = errors.New("session: capture already linked to trial position")
)

// KeyMapping assigns response keys to digit parity.
type KeyMapping struct {
	Odd  string `json:"odd"`
	Even string `json:"even"`
}

// Trial is one scheduled unit of task content. Immutable once
// appended.
type Trial struct {
	// Number is the 1-based trial index.
	Number int `json:"number"`

	// Task is the task this trial belongs to.
	Task TaskType `json:"task"`

	// Digits is the digit sequence presented, for digit tasks.
	Digits []int `json:"digits,omitempty"`

	// EffortLevel is the instructed grip effort, for effort trials.
	EffortLevel int `json:"effort_level,omitempty"`

	// PresentedAt is when the trial was shown.
	PresentedAt time.Time `json:"presented_at"`
}

// Length is the number of response positions the trial expects.
func (t Trial) Length() int {
	if len(t.Digits) > 0 {
		return len(t.Digits)
	}
	// Effort trials take a single response slot.
	return 1
}

// ResponseEvent is one participant response, correlated to its trial
// by (trial number, position). Append-only, never mutated.
type ResponseEvent struct {
	TrialNumber    int       `json:"trial_number"`
	Position       int       `json:"position"`
	Digit          int       `json:"digit"`
	Response       string    `json:"response"`
	ResponseTimeMs int       `json:"response_time_ms"`
	At             time.Time `json:"at"`
}

// ArtifactRef points at one stored capture image.
type ArtifactRef struct {
	ID        string `json:"id"`
	Synthetic bool   `json:"synthetic"`
}

// CaptureRef links a stored artifact pair to a trial position. At
// most one capture may link to any (trial, position).
type CaptureRef struct {
	TrialNumber int          `json:"trial_number"`
	Position    int          `json:"position"`
	Main        *ArtifactRef `json:"main,omitempty"`
	Secondary   *ArtifactRef `json:"secondary,omitempty"`
	StoredAt    time.Time    `json:"stored_at"`
}

// Completion marks one task as finished. At most one record per task
// type; repeated completion updates the metadata in place.
type Completion struct {
	Task        TaskType          `json:"task"`
	CompletedAt time.Time         `json:"completed_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// State is the authoritative record of one participant session.
type State struct {
	ID            string     `json:"id"`
	ParticipantID string     `json:"participant_id"`
	KeyMapping    KeyMapping `json:"key_mapping"`
	Status        Status     `json:"status"`

	Trials      []Trial         `json:"trials"`
	Responses   []ResponseEvent `json:"responses"`
	Captures    []CaptureRef    `json:"captures"`
	Completions []Completion    `json:"completions"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TrialByNumber returns the trial with the given number, if present.
func (s *State) TrialByNumber(n int) (Trial, bool) {
	for _, t := range s.Trials {
		if t.Number == n {
			return t, true
		}
	}
	return Trial{}, false
}

// DeriveStatus computes session status as a pure function of the
// completed-task set.
func DeriveStatus(completions []Completion) Status {
	if len(completions) == 0 {
		return StatusRegistered
	}
	done := make(map[TaskType]bool, len(completions))
	for _, c := range completions {
		done[c.Task] = true
	}
	for _, task := range RequiredTasks {
		if !done[task] {
			return StatusInProgress
		}
	}
	return StatusCompleted
}
