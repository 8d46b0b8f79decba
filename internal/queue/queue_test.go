package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEnqueueAndClaimFIFO(t *testing.T) {
	store := newTestQueue(t)
	ctx := context.Background()

	first, err := store.Enqueue(ctx, "run-1", "PA-1")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = store.Enqueue(ctx, "run-2", "PA-2")
	require.NoError(t, err)

	job, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, first.ID, job.ID)
	assert.Equal(t, StateActive, job.State)
	assert.Equal(t, 1, job.Attempts)

	job2, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, job2)
	assert.Equal(t, "run-2", job2.RunID)

	empty, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestTransitions(t *testing.T) {
	store := newTestQueue(t)
	ctx := context.Background()

	job, err := store.Enqueue(ctx, "run-1", "PA-1")
	require.NoError(t, err)

	require.NoError(t, store.Complete(ctx, job.ID))
	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)

	require.NoError(t, store.Fail(ctx, job.ID, "model unreachable"))
	got, err = store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "model unreachable", got.LastError)

	assert.Error(t, store.Complete(ctx, "nope"))
}

func TestDelayAndPromote(t *testing.T) {
	store := newTestQueue(t)
	ctx := context.Background()

	job, err := store.Enqueue(ctx, "run-1", "PA-1")
	require.NoError(t, err)

	require.NoError(t, store.Delay(ctx, job.ID, time.Now().Add(time.Hour), "case busy"))
	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, got.State)
	require.NotNil(t, got.NextAttemptAt)

	// Not due yet.
	n, err := store.PromoteDelayed(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Due.
	n, err = store.PromoteDelayed(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, got.State)
	assert.Nil(t, got.NextAttemptAt)
}

func TestCounts(t *testing.T) {
	store := newTestQueue(t)
	ctx := context.Background()

	a, err := store.Enqueue(ctx, "run-1", "PA-1")
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "run-2", "PA-2")
	require.NoError(t, err)
	b, err := store.Enqueue(ctx, "run-3", "PA-3")
	require.NoError(t, err)

	require.NoError(t, store.Complete(ctx, a.ID))
	require.NoError(t, store.Delay(ctx, b.ID, time.Now().Add(time.Minute), "busy"))

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StateWaiting])
	assert.Equal(t, 0, counts[StateActive])
	assert.Equal(t, 1, counts[StateCompleted])
	assert.Equal(t, 0, counts[StateFailed])
	assert.Equal(t, 1, counts[StateDelayed])
}

func TestForRun(t *testing.T) {
	store := newTestQueue(t)
	ctx := context.Background()

	job, err := store.Enqueue(ctx, "run-1", "PA-1")
	require.NoError(t, err)

	got, err := store.ForRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.ID)

	missing, err := store.ForRun(ctx, "run-unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
