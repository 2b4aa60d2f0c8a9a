package syncer

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragsync/ragsync/internal/store"
)

func newFSMFixture(t *testing.T) (*FSM, store.MetadataStore, *store.SyncJob) {
	t.Helper()
	s, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	job := &store.SyncJob{DocID: "doc-1", Status: store.SyncStateNew}
	require.NoError(t, s.UpsertSyncJob(context.Background(), job))
	return NewFSM(s, slog.Default()), s, job
}

func TestFSM_HappyPathWritesLog(t *testing.T) {
	fsm, s, job := newFSMFixture(t)
	ctx := context.Background()

	require.NoError(t, fsm.Fire(ctx, job, EventChunksSaved, "3 chunks"))
	assert.Equal(t, store.SyncStateSplitOK, job.Status)
	require.NoError(t, fsm.Fire(ctx, job, EventVectorsInserted, "3 points"))
	require.NoError(t, fsm.Fire(ctx, job, EventMetaUpdated, "done"))
	assert.Equal(t, store.SyncStateSynced, job.Status)
	assert.True(t, job.Status.Terminal())

	// Exactly one log entry per accepted transition, in order.
	trs, err := s.ListTransitions(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, trs, 3)
	assert.Equal(t, store.SyncStateNew, trs[0].From)
	assert.Equal(t, store.SyncStateSplitOK, trs[0].To)
	assert.Equal(t, string(EventMetaUpdated), trs[2].Event)

	// Persisted state matches the in-memory job.
	got, err := s.GetSyncJob(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, store.SyncStateSynced, got.Status)
}

func TestFSM_RejectsEventsOutsideTable(t *testing.T) {
	fsm, s, job := newFSMFixture(t)
	ctx := context.Background()

	tests := []struct {
		state store.SyncState
		event Event
	}{
		{store.SyncStateNew, EventVectorsInserted},
		{store.SyncStateNew, EventMetaUpdated},
		{store.SyncStateNew, EventRetry},
		{store.SyncStateSplitOK, EventChunksSaved},
		{store.SyncStateEmbedOK, EventVectorsInserted},
		{store.SyncStateSynced, EventError},
		{store.SyncStateSynced, EventRetry},
		{store.SyncStateDead, EventRetry},
		{store.SyncStateFailed, EventChunksSaved},
		{store.SyncStateFailed, EventError},
	}
	for _, tt := range tests {
		job.Status = tt.state
		err := fsm.Fire(ctx, job, tt.event, "")
		require.Error(t, err, "state %s must reject %s", tt.state, tt.event)
		// Rejection leaves the state untouched.
		assert.Equal(t, tt.state, job.Status)
	}

	// No log entries were written for rejected events.
	trs, err := s.ListTransitions(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, trs)
}

func TestFSM_RetryLoop(t *testing.T) {
	fsm, _, job := newFSMFixture(t)
	ctx := context.Background()

	require.NoError(t, fsm.Fire(ctx, job, EventChunksSaved, ""))
	require.NoError(t, fsm.Fire(ctx, job, EventError, "embed timeout"))
	assert.Equal(t, store.SyncStateFailed, job.Status)
	require.NoError(t, fsm.Fire(ctx, job, EventRetry, "retry 1"))
	assert.Equal(t, store.SyncStateRetrying, job.Status)

	// RETRYING accepts any forward event.
	require.NoError(t, fsm.Fire(ctx, job, EventVectorsInserted, ""))
	assert.Equal(t, store.SyncStateEmbedOK, job.Status)
}

func TestFSM_RetriesExceeded(t *testing.T) {
	fsm, _, job := newFSMFixture(t)
	ctx := context.Background()

	job.Status = store.SyncStateFailed
	require.NoError(t, fsm.Fire(ctx, job, EventRetriesExceeded, "gave up"))
	assert.Equal(t, store.SyncStateDead, job.Status)
	assert.True(t, job.Status.Terminal())
}

func TestCanFire(t *testing.T) {
	assert.True(t, CanFire(store.SyncStateNew, EventChunksSaved))
	assert.True(t, CanFire(store.SyncStateRetrying, EventMetaUpdated))
	assert.False(t, CanFire(store.SyncStateSynced, EventError))
	assert.False(t, CanFire(store.SyncStateDead, EventRetriesExceeded))
}
