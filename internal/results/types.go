package results

import (
	"errors"
	"time"

	"github.com/ipfsnut/nstplusd/internal/session"
)

// ErrChecksumMismatch indicates an exported result set no longer
// matches the session state it was derived from. Fatal for that
// export only; the live session is unaffected.
var ErrChecksumMismatch = errors.New("results: checksum mismatch")

// PositionResult joins one expected response slot with whatever the
// participant actually did. Missing responses and captures stay nil,
// never omitted, so "never responded" is distinguishable from
// "responded incorrectly".
type PositionResult struct {
	Position       int                 `json:"position"`
	Digit          *int                `json:"digit"`
	Response       *string             `json:"response"`
	ResponseTimeMs *int                `json:"response_time_ms"`
	Correct        *bool               `json:"correct"`
	Capture        *session.CaptureRef `json:"capture"`
}

// TrialResult is one trial with all of its position results.
type TrialResult struct {
	Number      int              `json:"number"`
	Task        session.TaskType `json:"task"`
	EffortLevel int              `json:"effort_level,omitempty"`
	Positions   []PositionResult `json:"positions"`
}

// Summary holds the aggregate metrics over a session.
type Summary struct {
	TotalPositions     int     `json:"total_positions"`
	AnsweredPositions  int     `json:"answered_positions"`
	CorrectResponses   int     `json:"correct_responses"`
	Accuracy           float64 `json:"accuracy"`
	MeanResponseTimeMs float64 `json:"mean_response_time_ms"`
	CompletionRatio    float64 `json:"completion_ratio"`
}

// FullResults is the exportable, derived view of one session. Always
// recomputed from the session store, never persisted as truth.
type FullResults struct {
	SessionID     string               `json:"session_id"`
	ParticipantID string               `json:"participant_id"`
	Status        session.Status       `json:"status"`
	KeyMapping    session.KeyMapping   `json:"key_mapping"`
	Trials        []TrialResult        `json:"trials"`
	Completions   []session.Completion `json:"completions"`
	Summary       Summary              `json:"summary"`
	Checksum      string               `json:"checksum"`
	GeneratedAt   time.Time            `json:"generated_at"`
}
