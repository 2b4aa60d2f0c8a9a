// Package syncer drives documents through the split, embed, finalise
// pipeline: a durable per-doc state machine, a bounded worker pool, and
// a backoff scheduler for failed jobs.
package syncer

import (
	"context"
	"fmt"
	"log/slog"

	ragerr "github.com/ragsync/ragsync/internal/errors"
	"github.com/ragsync/ragsync/internal/store"
)

// Event is a sync state machine input.
type Event string

const (
	EventChunksSaved     Event = "CHUNKS_SAVED"
	EventVectorsInserted Event = "VECTORS_INSERTED"
	EventMetaUpdated     Event = "META_UPDATED"
	EventError           Event = "ERROR"
	EventRetry           Event = "RETRY"
	EventRetriesExceeded Event = "RETRIES_EXCEEDED"
)

// transitions is the complete transition table. Any (state, event) pair
// absent here is rejected; there are no implicit transitions.
var transitions = map[store.SyncState]map[Event]store.SyncState{
	store.SyncStateNew: {
		EventChunksSaved: store.SyncStateSplitOK,
		EventError:       store.SyncStateFailed,
	},
	store.SyncStateSplitOK: {
		EventVectorsInserted: store.SyncStateEmbedOK,
		EventError:           store.SyncStateFailed,
	},
	store.SyncStateEmbedOK: {
		EventMetaUpdated: store.SyncStateSynced,
		EventError:       store.SyncStateFailed,
	},
	store.SyncStateFailed: {
		EventRetry:           store.SyncStateRetrying,
		EventRetriesExceeded: store.SyncStateDead,
	},
	store.SyncStateRetrying: {
		EventChunksSaved:     store.SyncStateSplitOK,
		EventVectorsInserted: store.SyncStateEmbedOK,
		EventMetaUpdated:     store.SyncStateSynced,
		EventError:           store.SyncStateFailed,
	},
}

// FSM applies events to sync jobs. Every accepted transition persists
// the job row and one transition-log entry in the same transaction.
type FSM struct {
	meta   store.MetadataStore
	logger *slog.Logger
}

// NewFSM creates the state machine over the metadata store.
func NewFSM(meta store.MetadataStore, logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSM{meta: meta, logger: logger}
}

// Fire applies event to the job. On acceptance the job's Status is
// updated in place and persisted with its log entry; a (state, event)
// pair not in the table is rejected without side effects.
func (f *FSM) Fire(ctx context.Context, job *store.SyncJob, event Event, detail string) error {
	next, ok := transitions[job.Status][event]
	if !ok {
		f.logger.Warn("rejected sync transition",
			slog.String("doc_id", job.DocID),
			slog.String("state", string(job.Status)),
			slog.String("event", string(event)))
		return ragerr.New(ragerr.CodeSyncFailed,
			fmt.Sprintf("event %s not allowed in state %s", event, job.Status), nil)
	}

	from := job.Status
	job.Status = next
	err := f.meta.UpdateJobWithTransition(ctx, job, &store.Transition{
		JobID:   job.ID,
		From:    from,
		To:      next,
		Event:   string(event),
		Context: detail,
	})
	if err != nil {
		job.Status = from
		return err
	}

	f.logger.Debug("sync transition",
		slog.String("doc_id", job.DocID),
		slog.String("from", string(from)),
		slog.String("to", string(next)),
		slog.String("event", string(event)))
	return nil
}

// CanFire reports whether the table accepts event in the given state.
func CanFire(state store.SyncState, event Event) bool {
	_, ok := transitions[state][event]
	return ok
}
