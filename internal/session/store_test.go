package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both store implementations run through the same conformance tests.
func storeImpls(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func seedSession(t *testing.T, store Store, id string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, store.CreateSession(context.Background(), &State{
		ID:            id,
		ParticipantID: "p-" + id,
		KeyMapping:    KeyMapping{Odd: "f", Even: "j"},
		Status:        StatusRegistered,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))
}

func TestStore_GetMissingSession(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.GetSession(context.Background(), "nope")
			assert.ErrorIs(t, err, ErrSessionNotFound)
		})
	}
}

func TestStore_RoundTripsFullState(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedSession(t, store, "s1")

			trial := Trial{Number: 1, Task: TaskNST, Digits: []int{4, 7, 2}, PresentedAt: time.Now()}
			require.NoError(t, store.AppendTrial(ctx, "s1", trial))
			require.NoError(t, store.AppendResponse(ctx, "s1", ResponseEvent{
				TrialNumber: 1, Position: 0, Digit: 4, Response: "j", ResponseTimeMs: 530, At: time.Now(),
			}))
			require.NoError(t, store.AppendCapture(ctx, "s1", CaptureRef{
				TrialNumber: 1, Position: 0,
				Main:     &ArtifactRef{ID: "a1", Synthetic: true},
				StoredAt: time.Now(),
			}))
			require.NoError(t, store.UpsertCompletion(ctx, "s1", Completion{
				Task: TaskNST, CompletedAt: time.Now(), Metadata: map[string]string{"trials": "1"},
			}))
			require.NoError(t, store.SetStatus(ctx, "s1", StatusInProgress))

			got, err := store.GetSession(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, "p-s1", got.ParticipantID)
			assert.Equal(t, KeyMapping{Odd: "f", Even: "j"}, got.KeyMapping)
			assert.Equal(t, StatusInProgress, got.Status)

			require.Len(t, got.Trials, 1)
			assert.Equal(t, []int{4, 7, 2}, got.Trials[0].Digits)
			assert.Equal(t, TaskNST, got.Trials[0].Task)

			require.Len(t, got.Responses, 1)
			assert.Equal(t, 4, got.Responses[0].Digit)
			assert.Equal(t, "j", got.Responses[0].Response)
			assert.Equal(t, 530, got.Responses[0].ResponseTimeMs)

			require.Len(t, got.Captures, 1)
			require.NotNil(t, got.Captures[0].Main)
			assert.True(t, got.Captures[0].Main.Synthetic)
			assert.Nil(t, got.Captures[0].Secondary)

			require.Len(t, got.Completions, 1)
			assert.Equal(t, "1", got.Completions[0].Metadata["trials"])
		})
	}
}

func TestStore_AppendPreservesOrder(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedSession(t, store, "s1")

			for i := 1; i <= 5; i++ {
				require.NoError(t, store.AppendTrial(ctx, "s1", Trial{
					Number: i, Task: TaskNST, Digits: []int{i}, PresentedAt: time.Now(),
				}))
				require.NoError(t, store.AppendResponse(ctx, "s1", ResponseEvent{
					TrialNumber: i, Position: 0, Digit: i, Response: "f", At: time.Now(),
				}))
			}

			got, err := store.GetSession(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, got.Trials, 5)
			require.Len(t, got.Responses, 5)
			for i := 0; i < 5; i++ {
				assert.Equal(t, i+1, got.Trials[i].Number)
				assert.Equal(t, i+1, got.Responses[i].TrialNumber)
			}
		})
	}
}

func TestStore_UpsertCompletionReplacesByTask(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedSession(t, store, "s1")

			require.NoError(t, store.UpsertCompletion(ctx, "s1", Completion{
				Task: TaskGrip, CompletedAt: time.Now(), Metadata: map[string]string{"v": "1"},
			}))
			require.NoError(t, store.UpsertCompletion(ctx, "s1", Completion{
				Task: TaskGrip, CompletedAt: time.Now(), Metadata: map[string]string{"v": "2"},
			}))

			got, err := store.GetSession(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, got.Completions, 1)
			assert.Equal(t, "2", got.Completions[0].Metadata["v"])
		})
	}
}

func TestStore_AppendToMissingSession(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			assert.ErrorIs(t, store.AppendTrial(ctx, "nope", Trial{Number: 1}), ErrSessionNotFound)
			assert.ErrorIs(t, store.AppendResponse(ctx, "nope", ResponseEvent{}), ErrSessionNotFound)
			assert.ErrorIs(t, store.AppendCapture(ctx, "nope", CaptureRef{}), ErrSessionNotFound)
			assert.ErrorIs(t, store.UpsertCompletion(ctx, "nope", Completion{Task: TaskNST}), ErrSessionNotFound)
			assert.ErrorIs(t, store.SetStatus(ctx, "nope", StatusCompleted), ErrSessionNotFound)
		})
	}
}

func TestStore_ListOrdersByCreation(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now()
			for i, id := range []string{"a", "b", "c"} {
				require.NoError(t, store.CreateSession(ctx, &State{
					ID:            id,
					ParticipantID: "p-" + id,
					Status:        StatusRegistered,
					CreatedAt:     base.Add(time.Duration(i) * time.Second),
					UpdatedAt:     base.Add(time.Duration(i) * time.Second),
				}))
			}
			got, err := store.ListSessions(ctx)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "a", got[0].ID)
			assert.Equal(t, "c", got[2].ID)
		})
	}
}

func TestMemoryStore_ReadIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedSession(t, store, "s1")
	require.NoError(t, store.AppendTrial(ctx, "s1", Trial{Number: 1, Digits: []int{1, 2}}))

	first, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	first.Trials[0].Digits[0] = 99

	second, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, second.Trials[0].Digits[0], "stored history must not be reachable through returned copies")
}

func TestFSBlobStore_PutGetList(t *testing.T) {
	blobs, err := NewFSBlobStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, blobs.Put("sess-1", "art-a", []byte("aaa")))
	require.NoError(t, blobs.Put("sess-1", "art-b", []byte("bbb")))

	data, err := blobs.Get("sess-1", "art-a")
	require.NoError(t, err)
	assert.Equal(t, []byte("aaa"), data)

	ids, err := blobs.List("sess-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"art-a", "art-b"}, ids)

	_, err = blobs.Get("sess-1", "missing")
	assert.Error(t, err)
}

func TestFSBlobStore_SanitizesIDs(t *testing.T) {
	root := t.TempDir()
	blobs, err := NewFSBlobStore(root)
	require.NoError(t, err)

	require.NoError(t, blobs.Put("../escape", "../../etc/passwd", []byte("x")))

	// nothing may land outside the root
	matches, err := filepath.Glob(filepath.Join(root, "*", "*.jpg"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}
