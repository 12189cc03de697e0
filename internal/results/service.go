package results

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ipfsnut/nstplusd/internal/session"
)

const instrumentationName = "github.com/ipfsnut/nstplusd/internal/results"

// Service derives results views from the session store.
type Service struct {
	store  session.Store
	logger *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	exportCounter metric.Int64Counter
}

// NewService creates a results service.
func NewService(store session.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		store:  store,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	var err error
	s.exportCounter, err = s.meter.Int64Counter(
		"nstplusd.results.exports_total",
		metric.WithDescription("Total number of results views generated"),
		metric.WithUnit("{export}"),
	)
	if err != nil {
		s.logger.Warn("failed to create export counter", zap.Error(err))
	}
	return s, nil
}

// FullResults joins a session's trials with responses by (trial,
// position), derives correctness from the key mapping, attaches
// capture references, and stamps the view with a content checksum.
func (s *Service) FullResults(ctx context.Context, sessionID string) (*FullResults, error) {
	ctx, span := s.tracer.Start(ctx, "results.full_results")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	state, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	view := Derive(state)
	checksum, err := GenerateChecksum(state)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("generate checksum: %w", err)
	}
	view.Checksum = checksum
	view.GeneratedAt = time.Now()

	if s.exportCounter != nil {
		s.exportCounter.Add(ctx, 1)
	}
	s.logger.Debug("generated results view",
		zap.String("session_id", sessionID),
		zap.Int("trials", len(view.Trials)),
		zap.Float64("accuracy", view.Summary.Accuracy))
	return view, nil
}

// Derive builds the denormalized results view from a session state.
// Pure: no clock reads, no I/O; checksum and timestamp are attached
// by the caller.
func Derive(state *session.State) *FullResults {
	view := &FullResults{
		SessionID:     state.ID,
		ParticipantID: state.ParticipantID,
		Status:        state.Status,
		KeyMapping:    state.KeyMapping,
		Trials:        make([]TrialResult, 0, len(state.Trials)),
		Completions:   append([]session.Completion(nil), state.Completions...),
	}

	responses := indexResponses(state.Responses)
	captures := indexCaptures(state.Captures)

	var answered, correct, rtSum int
	totalPositions := 0

	for _, trial := range state.Trials {
		tr := TrialResult{
			Number:      trial.Number,
			Task:        trial.Task,
			EffortLevel: trial.EffortLevel,
			Positions:   make([]PositionResult, trial.Length()),
		}
		for pos := 0; pos < trial.Length(); pos++ {
			pr := PositionResult{Position: pos}
			if pos < len(trial.Digits) {
				digit := trial.Digits[pos]
				pr.Digit = &digit
			}
			if event, ok := responses[posKey{trial.Number, pos}]; ok {
				resp := event.Response
				rt := event.ResponseTimeMs
				pr.Response = &resp
				pr.ResponseTimeMs = &rt
				answered++
				rtSum += rt
				if pr.Digit != nil {
					c := isCorrect(*pr.Digit, resp, state.KeyMapping)
					pr.Correct = &c
					if c {
						correct++
					}
				}
			}
			if ref, ok := captures[posKey{trial.Number, pos}]; ok {
				refCopy := ref
				pr.Capture = &refCopy
			}
			tr.Positions[pos] = pr
		}
		totalPositions += trial.Length()
		view.Trials = append(view.Trials, tr)
	}

	view.Summary = Summary{
		TotalPositions:    totalPositions,
		AnsweredPositions: answered,
		CorrectResponses:  correct,
	}
	if totalPositions > 0 {
		view.Summary.Accuracy = float64(correct) / float64(totalPositions)
	}
	if answered > 0 {
		view.Summary.MeanResponseTimeMs = float64(rtSum) / float64(answered)
	}
	view.Summary.CompletionRatio = float64(len(state.Completions)) / float64(len(session.RequiredTasks))
	return view
}

// isCorrect applies the parity key mapping: an odd digit is correct
// iff the response is the odd key.
func isCorrect(digit int, response string, mapping session.KeyMapping) bool {
	isOdd := digit%2 != 0
	return isOdd == (response == mapping.Odd)
}

type posKey struct {
	trial    int
	position int
}

// indexResponses keeps the first response per (trial, position); the
// event log is append-only, so the first entry is authoritative.
func indexResponses(events []session.ResponseEvent) map[posKey]session.ResponseEvent {
	out := make(map[posKey]session.ResponseEvent, len(events))
	for _, e := range events {
		k := posKey{e.TrialNumber, e.Position}
		if _, seen := out[k]; !seen {
			out[k] = e
		}
	}
	return out
}

func indexCaptures(refs []session.CaptureRef) map[posKey]session.CaptureRef {
	out := make(map[posKey]session.CaptureRef, len(refs))
	for _, r := range refs {
		out[posKey{r.TrialNumber, r.Position}] = r
	}
	return out
}

// canonicalState is the subset of session state that determines
// experimental validity. Timestamps and other volatile fields are
// excluded so hashing is reproducible for unchanged state.
type canonicalState struct {
	Trials     []canonicalTrial    `json:"trials"`
	Responses  []canonicalResponse `json:"responses"`
	KeyMapping session.KeyMapping  `json:"key_mapping"`
}

type canonicalTrial struct {
	Number      int              `json:"number"`
	Task        session.TaskType `json:"task"`
	Digits      []int            `json:"digits"`
	EffortLevel int              `json:"effort_level"`
}

type canonicalResponse struct {
	TrialNumber    int    `json:"trial_number"`
	Position       int    `json:"position"`
	Digit          int    `json:"digit"`
	Response       string `json:"response"`
	ResponseTimeMs int    `json:"response_time_ms"`
}

// GenerateChecksum hashes the canonical JSON encoding of the state
// subset that determines experimental validity. Idempotent: repeated
// calls on unchanged state produce the same hex digest, and any
// appended trial or response changes it. Trials and responses are
// sorted by (trial, position) so the digest can be recomputed from an
// export that lost the original append interleaving.
func GenerateChecksum(state *session.State) (string, error) {
	canonical := canonicalState{
		Trials:     make([]canonicalTrial, 0, len(state.Trials)),
		Responses:  make([]canonicalResponse, 0, len(state.Responses)),
		KeyMapping: state.KeyMapping,
	}
	for _, t := range state.Trials {
		canonical.Trials = append(canonical.Trials, canonicalTrial{
			Number:      t.Number,
			Task:        t.Task,
			Digits:      t.Digits,
			EffortLevel: t.EffortLevel,
		})
	}
	for _, e := range state.Responses {
		canonical.Responses = append(canonical.Responses, canonicalResponse{
			TrialNumber:    e.TrialNumber,
			Position:       e.Position,
			Digit:          e.Digit,
			Response:       e.Response,
			ResponseTimeMs: e.ResponseTimeMs,
		})
	}

	sort.Slice(canonical.Trials, func(i, j int) bool {
		return canonical.Trials[i].Number < canonical.Trials[j].Number
	})
	sort.Slice(canonical.Responses, func(i, j int) bool {
		a, b := canonical.Responses[i], canonical.Responses[j]
		if a.TrialNumber != b.TrialNumber {
			return a.TrialNumber < b.TrialNumber
		}
		return a.Position < b.Position
	})

	encoded, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("encode canonical state: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChecksum recomputes the checksum for a session state and
// compares it to an expected value from an earlier export.
func VerifyChecksum(state *session.State, expected string) error {
	actual, err := GenerateChecksum(state)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("%w: expected %s, computed %s", ErrChecksumMismatch, expected, actual)
	}
	return nil
}
