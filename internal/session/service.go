package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ipfsnut/nstplusd/internal/capture"
	"github.com/ipfsnut/nstplusd/internal/events"
)

const instrumentationName = "github.com/ipfsnut/nstplusd/internal/session"

// Service provides session state operations. Appends are validated
// here; the Store below it is a dumb append/point-read engine.
//
// One writer per session is assumed: the trial engine, capture queue,
// and completion handler all act on behalf of the same participant in
// sequence. Concurrent sessions for different participants are
// independent.
type Service struct {
	store     Store
	blobs     BlobStore
	publisher events.Publisher
	logger    *zap.Logger

	tracer            trace.Tracer
	meter             metric.Meter
	responseCounter   metric.Int64Counter
	captureCounter    metric.Int64Counter
	completionCounter metric.Int64Counter
}

// NewService creates a session service. blobs and publisher may be
// nil; capture images are then dropped after reference extraction and
// events are not emitted.
func NewService(store Store, blobs BlobStore, publisher events.Publisher, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		store:     store,
		blobs:     blobs,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *Service) initMetrics() {
	var err error

	s.responseCounter, err = s.meter.Int64Counter(
		"nstplusd.session.responses_total",
		metric.WithDescription("Total number of response events appended"),
		metric.WithUnit("{response}"),
	)
	if err != nil {
		s.logger.Warn("failed to create response counter", zap.Error(err))
	}

	s.captureCounter, err = s.meter.Int64Counter(
		"nstplusd.session.captures_total",
		metric.WithDescription("Total number of capture references stored"),
		metric.WithUnit("{capture}"),
	)
	if err != nil {
		s.logger.Warn("failed to create capture counter", zap.Error(err))
	}

	s.completionCounter, err = s.meter.Int64Counter(
		"nstplusd.session.completions_total",
		metric.WithDescription("Total number of task completions recorded"),
		metric.WithUnit("{completion}"),
	)
	if err != nil {
		s.logger.Warn("failed to create completion counter", zap.Error(err))
	}
}

// Register creates a new session for a participant.
func (s *Service) Register(ctx context.Context, participantID string, mapping KeyMapping) (*State, error) {
	ctx, span := s.tracer.Start(ctx, "session.register")
	defer span.End()

	if participantID == "" {
		return nil, errors.New("participant id is required")
	}

	now := time.Now()
	state := &State{
		ID:            uuid.New().String(),
		ParticipantID: participantID,
		KeyMapping:    mapping,
		Status:        StatusRegistered,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateSession(ctx, state); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.logger.Info("registered session",
		zap.String("session_id", state.ID),
		zap.String("participant_id", participantID))
	s.publisher.Publish(ctx, events.SubjectRegistered, state.ID, nil)

	span.SetAttributes(attribute.String("session_id", state.ID))
	return state, nil
}

// Get loads a session by ID.
func (s *Service) Get(ctx context.Context, id string) (*State, error) {
	return s.store.GetSession(ctx, id)
}

// List returns every session ordered by creation time.
func (s *Service) List(ctx context.Context) ([]*State, error) {
	return s.store.ListSessions(ctx)
}

// AppendTrial appends one trial. Trials are immutable once appended;
// a duplicate trial number is rejected.
func (s *Service) AppendTrial(ctx context.Context, id string, trial Trial) error {
	ctx, span := s.tracer.Start(ctx, "session.append_trial")
	defer span.End()

	state, err := s.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if trial.Number <= 0 {
		return fmt.Errorf("trial number must be positive, got %d", trial.Number)
	}
	if _, exists := state.TrialByNumber(trial.Number); exists {
		return fmt.Errorf("trial %d already appended", trial.Number)
	}
	if trial.PresentedAt.IsZero() {
		trial.PresentedAt = time.Now()
	}

	if err := s.store.AppendTrial(ctx, id, trial); err != nil {
		span.RecordError(err)
		return fmt.Errorf("append trial: %w", err)
	}
	return nil
}

// AppendResponse validates the event against its trial and appends
// it, returning the event's 0-based ordinal within the session's
// response log. Out-of-range positions are rejected with
// ErrInvalidPosition, a second response at the same (trial, position)
// with ErrDuplicateResponse, and a digit that differs from what the
// trial presented with ErrDigitMismatch; the session stays usable
// after any rejection. Each position holds at most one response, so
// the response log always reproduces from a results export.
func (s *Service) AppendResponse(ctx context.Context, id string, event ResponseEvent) (int, error) {
	ctx, span := s.tracer.Start(ctx, "session.append_response")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", id),
		attribute.Int("trial", event.TrialNumber),
		attribute.Int("position", event.Position),
	)

	state, err := s.store.GetSession(ctx, id)
	if err != nil {
		return 0, err
	}

	trial, ok := state.TrialByNumber(event.TrialNumber)
	if !ok {
		return 0, fmt.Errorf("%w: trial %d", ErrUnknownTrial, event.TrialNumber)
	}
	if event.Position < 0 || event.Position >= trial.Length() {
		return 0, fmt.Errorf("%w: position %d, trial length %d",
			ErrInvalidPosition, event.Position, trial.Length())
	}
	for _, r := range state.Responses {
		if r.TrialNumber == event.TrialNumber && r.Position == event.Position {
			return 0, fmt.Errorf("%w: trial %d position %d",
				ErrDuplicateResponse, event.TrialNumber, event.Position)
		}
	}
	presented := 0
	if len(trial.Digits) > 0 {
		presented = trial.Digits[event.Position]
	}
	if event.Digit != presented {
		return 0, fmt.Errorf("%w: got %d, trial %d position %d presented %d",
			ErrDigitMismatch, event.Digit, event.TrialNumber, event.Position, presented)
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	if err := s.store.AppendResponse(ctx, id, event); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("append response: %w", err)
	}

	if s.responseCounter != nil {
		s.responseCounter.Add(ctx, 1)
	}
	s.publisher.Publish(ctx, events.SubjectResponse, id, event)
	return len(state.Responses), nil
}

// StoreCapture persists an artifact pair and links it to a trial
// position. At most one capture per (trial, position); duplicates are
// rejected with ErrDuplicateCapture.
func (s *Service) StoreCapture(ctx context.Context, id string, trialNumber, position int, pair capture.Pair) error {
	ctx, span := s.tracer.Start(ctx, "session.store_capture")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", id),
		attribute.Int("trial", trialNumber),
		attribute.Int("position", position),
	)

	state, err := s.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if _, ok := state.TrialByNumber(trialNumber); !ok {
		return fmt.Errorf("%w: trial %d", ErrUnknownTrial, trialNumber)
	}
	for _, c := range state.Captures {
		if c.TrialNumber == trialNumber && c.Position == position {
			return fmt.Errorf("%w: trial %d position %d",
				ErrDuplicateCapture, trialNumber, position)
		}
	}

	ref := CaptureRef{
		TrialNumber: trialNumber,
		Position:    position,
		StoredAt:    time.Now(),
	}
	if pair.Main != nil {
		ref.Main = &ArtifactRef{ID: pair.Main.ID, Synthetic: pair.Main.IsSynthetic}
		if err := s.putBlob(id, pair.Main); err != nil {
			span.RecordError(err)
			return err
		}
	}
	if pair.Secondary != nil {
		ref.Secondary = &ArtifactRef{ID: pair.Secondary.ID, Synthetic: pair.Secondary.IsSynthetic}
		if err := s.putBlob(id, pair.Secondary); err != nil {
			span.RecordError(err)
			return err
		}
	}

	if err := s.store.AppendCapture(ctx, id, ref); err != nil {
		span.RecordError(err)
		return fmt.Errorf("append capture: %w", err)
	}

	if s.captureCounter != nil {
		s.captureCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("synthetic", ref.Main == nil || ref.Main.Synthetic),
		))
	}
	s.publisher.Publish(ctx, events.SubjectCaptureStored, id, ref)
	return nil
}

// MarkTaskComplete records a task completion. Idempotent: repeating a
// task type updates its metadata without duplicating the record.
// Session status is recomputed as a pure function of the
// completed-task set.
func (s *Service) MarkTaskComplete(ctx context.Context, id string, task TaskType, metadata map[string]string) (Status, error) {
	ctx, span := s.tracer.Start(ctx, "session.mark_task_complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", id),
		attribute.String("task", string(task)),
	)

	completion := Completion{
		Task:        task,
		CompletedAt: time.Now(),
		Metadata:    metadata,
	}
	if err := s.store.UpsertCompletion(ctx, id, completion); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("upsert completion: %w", err)
	}

	state, err := s.store.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	status := DeriveStatus(state.Completions)
	if err := s.store.SetStatus(ctx, id, status); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("set status: %w", err)
	}

	if s.completionCounter != nil {
		s.completionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("task", string(task)),
		))
	}
	s.logger.Info("task completed",
		zap.String("session_id", id),
		zap.String("task", string(task)),
		zap.String("status", string(status)))
	s.publisher.Publish(ctx, events.SubjectTaskComplete, id, completion)

	return status, nil
}

// CaptureImage returns the stored image bytes for an artifact, if a
// blob store is configured.
func (s *Service) CaptureImage(id, artifactID string) ([]byte, error) {
	if s.blobs == nil {
		return nil, errors.New("no blob store configured")
	}
	return s.blobs.Get(id, artifactID)
}

func (s *Service) putBlob(sessionID string, art *capture.Artifact) error {
	if s.blobs == nil || len(art.Image) == 0 {
		return nil
	}
	if err := s.blobs.Put(sessionID, art.ID, art.Image); err != nil {
		return fmt.Errorf("store capture image: %w", err)
	}
	return nil
}
