package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ipfsnut/nstplusd/internal/capture"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(NewMemoryStore(), nil, nil, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func registerWithTrial(t *testing.T, svc *Service, digits []int) *State {
	t.Helper()
	ctx := context.Background()
	state, err := svc.Register(ctx, "participant-1", KeyMapping{Odd: "f", Even: "j"})
	require.NoError(t, err)
	require.NoError(t, svc.AppendTrial(ctx, state.ID, Trial{
		Number: 1,
		Task:   TaskNST,
		Digits: digits,
	}))
	return state
}

func TestNewService_RequiresStore(t *testing.T) {
	_, err := NewService(nil, nil, nil, nil)
	require.Error(t, err)
}

func TestRegister_NewSessionIsRegistered(t *testing.T) {
	svc := newTestService(t)
	state, err := svc.Register(context.Background(), "p42", KeyMapping{Odd: "f", Even: "j"})
	require.NoError(t, err)
	assert.NotEmpty(t, state.ID)
	assert.Equal(t, StatusRegistered, state.Status)
	assert.Equal(t, "p42", state.ParticipantID)
}

func TestRegister_EmptyParticipantRejected(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Register(context.Background(), "", KeyMapping{})
	require.Error(t, err)
}

func TestAppendTrial_DuplicateNumberRejected(t *testing.T) {
	svc := newTestService(t)
	state := registerWithTrial(t, svc, []int{1, 2, 3, 4, 5})
	err := svc.AppendTrial(context.Background(), state.ID, Trial{Number: 1, Task: TaskNST, Digits: []int{6, 7, 8, 9, 0}})
	require.Error(t, err)
}

func TestAppendResponse_ValidPosition(t *testing.T) {
	svc := newTestService(t)
	state := registerWithTrial(t, svc, []int{1, 3, 5, 7, 9})
	ctx := context.Background()

	ordinal, err := svc.AppendResponse(ctx, state.ID, ResponseEvent{
		TrialNumber:    1,
		Position:       4,
		Digit:          9,
		Response:       "f",
		ResponseTimeMs: 412,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, ordinal)

	got, err := svc.Get(ctx, state.ID)
	require.NoError(t, err)
	require.Len(t, got.Responses, 1)
	assert.Equal(t, 4, got.Responses[0].Position)
	assert.False(t, got.Responses[0].At.IsZero())
}

func TestAppendResponse_InvalidPosition(t *testing.T) {
	svc := newTestService(t)
	state := registerWithTrial(t, svc, []int{1, 3, 5, 7, 9})
	ctx := context.Background()

	for _, pos := range []int{-1, 5, 100} {
		_, err := svc.AppendResponse(ctx, state.ID, ResponseEvent{TrialNumber: 1, Position: pos, Response: "f"})
		assert.ErrorIs(t, err, ErrInvalidPosition, "position %d", pos)
	}

	// session remains usable after rejections
	_, err := svc.AppendResponse(ctx, state.ID, ResponseEvent{TrialNumber: 1, Position: 0, Digit: 1, Response: "j"})
	require.NoError(t, err)
}

func TestAppendResponse_DuplicatePositionRejected(t *testing.T) {
	svc := newTestService(t)
	state := registerWithTrial(t, svc, []int{1, 3, 5, 7, 9})
	ctx := context.Background()

	_, err := svc.AppendResponse(ctx, state.ID, ResponseEvent{TrialNumber: 1, Position: 2, Digit: 5, Response: "f"})
	require.NoError(t, err)

	// A second answer for the same position never enters the log, so
	// per-position results and the stored responses stay in lockstep.
	_, err = svc.AppendResponse(ctx, state.ID, ResponseEvent{TrialNumber: 1, Position: 2, Digit: 5, Response: "j"})
	assert.ErrorIs(t, err, ErrDuplicateResponse)

	got, err := svc.Get(ctx, state.ID)
	require.NoError(t, err)
	require.Len(t, got.Responses, 1)
	assert.Equal(t, "f", got.Responses[0].Response)

	// Other positions are unaffected.
	_, err = svc.AppendResponse(ctx, state.ID, ResponseEvent{TrialNumber: 1, Position: 3, Digit: 7, Response: "f"})
	require.NoError(t, err)
}

func TestAppendResponse_DigitMismatchRejected(t *testing.T) {
	svc := newTestService(t)
	state := registerWithTrial(t, svc, []int{1, 3, 5, 7, 9})
	ctx := context.Background()

	_, err := svc.AppendResponse(ctx, state.ID, ResponseEvent{TrialNumber: 1, Position: 0, Digit: 8, Response: "j"})
	assert.ErrorIs(t, err, ErrDigitMismatch)

	// Non-digit trials take a zero digit only.
	require.NoError(t, svc.AppendTrial(ctx, state.ID, Trial{Number: 2, Task: TaskGrip, EffortLevel: 3}))
	_, err = svc.AppendResponse(ctx, state.ID, ResponseEvent{TrialNumber: 2, Position: 0, Digit: 4, Response: "squeeze"})
	assert.ErrorIs(t, err, ErrDigitMismatch)
	_, err = svc.AppendResponse(ctx, state.ID, ResponseEvent{TrialNumber: 2, Position: 0, Response: "squeeze"})
	require.NoError(t, err)
}

func TestAppendResponse_UnknownTrial(t *testing.T) {
	svc := newTestService(t)
	state := registerWithTrial(t, svc, []int{1, 3, 5, 7, 9})
	_, err := svc.AppendResponse(context.Background(), state.ID, ResponseEvent{TrialNumber: 7, Position: 0, Response: "f"})
	assert.ErrorIs(t, err, ErrUnknownTrial)
}

func TestStoreCapture_DuplicatePositionRejected(t *testing.T) {
	svc := newTestService(t)
	state := registerWithTrial(t, svc, []int{1, 3, 5, 7, 9})
	ctx := context.Background()

	pair := capture.Pair{Main: &capture.Artifact{ID: "art-1", IsSynthetic: true}}
	require.NoError(t, svc.StoreCapture(ctx, state.ID, 1, 2, pair))

	err := svc.StoreCapture(ctx, state.ID, 1, 2, capture.Pair{Main: &capture.Artifact{ID: "art-2"}})
	assert.ErrorIs(t, err, ErrDuplicateCapture)

	got, err := svc.Get(ctx, state.ID)
	require.NoError(t, err)
	require.Len(t, got.Captures, 1)
	assert.Equal(t, "art-1", got.Captures[0].Main.ID)
	assert.True(t, got.Captures[0].Main.Synthetic)
}

func TestStoreCapture_WritesBlobs(t *testing.T) {
	blobs, err := NewFSBlobStore(t.TempDir())
	require.NoError(t, err)
	svc, err := NewService(NewMemoryStore(), blobs, nil, zap.NewNop())
	require.NoError(t, err)
	state := registerWithTrial(t, svc, []int{1, 3, 5, 7, 9})
	ctx := context.Background()

	pair := capture.Pair{
		Main:      &capture.Artifact{ID: "main-1", Image: []byte("jpeg-bytes-main")},
		Secondary: &capture.Artifact{ID: "sec-1", Image: []byte("jpeg-bytes-sec")},
	}
	require.NoError(t, svc.StoreCapture(ctx, state.ID, 1, 0, pair))

	img, err := svc.CaptureImage(state.ID, "main-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes-main"), img)

	img, err = svc.CaptureImage(state.ID, "sec-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes-sec"), img)
}

func TestMarkTaskComplete_StatusProgression(t *testing.T) {
	svc := newTestService(t)
	state := registerWithTrial(t, svc, []int{1, 3, 5, 7, 9})
	ctx := context.Background()

	status, err := svc.MarkTaskComplete(ctx, state.ID, TaskNeutral, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, status)

	status, err = svc.MarkTaskComplete(ctx, state.ID, TaskNST, map[string]string{"trials": "15"})
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, status)

	status, err = svc.MarkTaskComplete(ctx, state.ID, TaskGrip, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
}

func TestMarkTaskComplete_Idempotent(t *testing.T) {
	svc := newTestService(t)
	state := registerWithTrial(t, svc, []int{1, 3, 5, 7, 9})
	ctx := context.Background()

	_, err := svc.MarkTaskComplete(ctx, state.ID, TaskNST, map[string]string{"run": "1"})
	require.NoError(t, err)
	_, err = svc.MarkTaskComplete(ctx, state.ID, TaskNST, map[string]string{"run": "2"})
	require.NoError(t, err)

	got, err := svc.Get(ctx, state.ID)
	require.NoError(t, err)
	require.Len(t, got.Completions, 1)
	assert.Equal(t, "2", got.Completions[0].Metadata["run"])
	assert.Equal(t, StatusInProgress, got.Status)
}
