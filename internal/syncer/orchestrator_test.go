package syncer

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragsync/ragsync/internal/config"
	"github.com/ragsync/ragsync/internal/embed"
	ragerr "github.com/ragsync/ragsync/internal/errors"
	"github.com/ragsync/ragsync/internal/id"
	"github.com/ragsync/ragsync/internal/split"
	"github.com/ragsync/ragsync/internal/store"
	"github.com/ragsync/ragsync/internal/vector"
)

const testDims = 16

type pipelineFixture struct {
	meta    *store.SQLiteStore
	vectors *vector.HNSWStore
	orch    *Orchestrator
	sched   *Scheduler
	col     *store.Collection
}

func newPipeline(t *testing.T, embedder embed.Embedder, maxAttempts int) *pipelineFixture {
	t.Helper()

	meta, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	vectors, err := vector.NewHNSWStore(testDims)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	col, err := meta.CreateCollection(context.Background(), "docs", "")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Ingestion.Parallelism = 2
	cfg.Ingestion.EmbedBatchSize = 2

	fsm := NewFSM(meta, slog.Default())
	orch := NewOrchestrator(cfg, meta, vectors, embedder, fsm, slog.Default())
	sched := NewScheduler(SchedulerConfig{
		Base:         2 * time.Millisecond,
		Cap:          20 * time.Millisecond,
		MaxAttempts:  maxAttempts,
		ScanInterval: time.Hour,
	}, meta, fsm, SystemClock, orch.EnqueueRetry, slog.Default())
	orch.SetScheduler(sched)
	orch.Start()
	t.Cleanup(func() {
		sched.Stop()
		orch.Stop()
	})

	return &pipelineFixture{meta: meta, vectors: vectors, orch: orch, sched: sched, col: col}
}

func makeDoc(colID, key, content string) *store.Document {
	return &store.Document{
		DocID:        id.MakeDocID([]byte(content)),
		CollectionID: colID,
		Key:          key,
		Name:         key,
		MIME:         "text/markdown",
		SizeBytes:    int64(len(content)),
		Content:      []byte(content),
		Status:       store.DocStatusNew,
	}
}

func waitDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish in time")
		return nil
	}
}

func eventSequence(t *testing.T, meta store.MetadataStore, jobID string) []string {
	t.Helper()
	trs, err := meta.ListTransitions(context.Background(), jobID)
	require.NoError(t, err)
	events := make([]string, len(trs))
	for i, tr := range trs {
		events[i] = tr.Event
	}
	return events
}

const threeSectionDoc = `## Install

Download the release archive and unpack it somewhere on your PATH.

## Configure

Write a minimal YAML config and point the data directory at fast disk.

## Run

Start the daemon and watch the log for the ready line before ingesting.
`

func TestPipeline_HappyPath(t *testing.T) {
	f := newPipeline(t, embed.NewStaticEmbedder(testDims), 5)
	ctx := context.Background()

	doc := makeDoc(f.col.ID, "guide.md", threeSectionDoc)
	done := f.orch.Done(doc.DocID)
	require.NoError(t, f.orch.Submit(ctx, doc, split.Options{
		Strategy: split.StrategyMarkdown,
		BaseName: "guide.md",
	}))
	require.NoError(t, waitDone(t, done))

	// Job reached SYNCED through the expected transitions.
	job, err := f.meta.GetSyncJob(ctx, doc.DocID)
	require.NoError(t, err)
	assert.Equal(t, store.SyncStateSynced, job.Status)
	assert.Equal(t, []string{"CHUNKS_SAVED", "VECTORS_INSERTED", "META_UPDATED"},
		eventSequence(t, f.meta, job.ID))

	// Three sections, each chunk carrying [baseName, section title].
	page, err := f.meta.GetChunksByDocIDPaginated(ctx, doc.DocID, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Data, 3)
	assert.Equal(t, []string{"guide.md", "Install"}, page.Data[0].TitleChain)
	assert.Equal(t, []string{"guide.md", "Configure"}, page.Data[1].TitleChain)
	assert.Equal(t, []string{"guide.md", "Run"}, page.Data[2].TitleChain)
	for _, c := range page.Data {
		assert.Equal(t, store.ChunkStatusSynced, c.Status)
	}

	// Vector store holds exactly one point per chunk with the payload
	// contract intact.
	assert.Equal(t, 3, f.vectors.Count())
	payload, ok := f.vectors.GetPayload(doc.DocID + "#0")
	require.True(t, ok)
	assert.Equal(t, doc.DocID, payload.DocID)
	assert.Equal(t, f.col.ID, payload.CollectionID)
	assert.Equal(t, "guide.md > Install", payload.TitleChain)

	got, err := f.meta.GetDoc(ctx, doc.DocID)
	require.NoError(t, err)
	assert.Equal(t, store.DocStatusCompleted, got.Status)
}

// flakyEmbedder fails the first failFor EmbedBatch calls.
type flakyEmbedder struct {
	embed.Embedder
	calls   atomic.Int64
	failFor int64
}

func (f *flakyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.calls.Add(1) <= f.failFor {
		return nil, ragerr.External(ragerr.CodeNetworkTimeout, "provider flake", nil)
	}
	return f.Embedder.EmbedBatch(ctx, texts)
}

func TestPipeline_EmbedFlakeRetriesToSynced(t *testing.T) {
	flaky := &flakyEmbedder{Embedder: embed.NewStaticEmbedder(testDims), failFor: 1}
	f := newPipeline(t, flaky, 5)
	ctx := context.Background()

	content := "One short sentence about storage. Another about indexing and search quality overall."
	doc := makeDoc(f.col.ID, "note.txt", content)
	done := f.orch.Done(doc.DocID)
	require.NoError(t, f.orch.Submit(ctx, doc, split.Options{Strategy: split.StrategySentence}))
	require.NoError(t, waitDone(t, done))

	job, err := f.meta.GetSyncJob(ctx, doc.DocID)
	require.NoError(t, err)
	assert.Equal(t, store.SyncStateSynced, job.Status)
	assert.Equal(t, 1, job.Retries)
	assert.Equal(t,
		[]string{"CHUNKS_SAVED", "ERROR", "RETRY", "VECTORS_INSERTED", "META_UPDATED"},
		eventSequence(t, f.meta, job.ID))

	// Final vector count equals chunk count.
	page, err := f.meta.GetChunksByDocIDPaginated(ctx, doc.DocID, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, len(page.Data), f.vectors.Count())
}

func TestPipeline_PermanentFailureGoesDead(t *testing.T) {
	broken := &flakyEmbedder{Embedder: embed.NewStaticEmbedder(testDims), failFor: 1 << 30}
	f := newPipeline(t, broken, 2)
	ctx := context.Background()

	doc := makeDoc(f.col.ID, "doomed.md", "# Doomed\n\nThis document will never embed successfully.")
	done := f.orch.Done(doc.DocID)
	require.NoError(t, f.orch.Submit(ctx, doc, split.Options{Strategy: split.StrategyMarkdown}))
	require.Error(t, waitDone(t, done))

	job, err := f.meta.GetSyncJob(ctx, doc.DocID)
	require.NoError(t, err)
	assert.Equal(t, store.SyncStateDead, job.Status)
	assert.Equal(t, 2, job.Retries)

	// Exactly max_attempts RETRY events occurred, then nothing more.
	var retries int
	for _, ev := range eventSequence(t, f.meta, job.ID) {
		if ev == "RETRY" {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
	embedCalls := broken.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, embedCalls, broken.calls.Load(), "no embedding calls after DEAD")

	// Doc stays FAILED with its chunks; no vectors landed.
	got, err := f.meta.GetDoc(ctx, doc.DocID)
	require.NoError(t, err)
	assert.Equal(t, store.DocStatusFailed, got.Status)
	page, err := f.meta.GetChunksByDocIDPaginated(ctx, doc.DocID, 1, 100)
	require.NoError(t, err)
	assert.NotEmpty(t, page.Data)
	assert.Equal(t, 0, f.vectors.Count())
}

func TestPipeline_DuplicateUploadIsIdempotent(t *testing.T) {
	f := newPipeline(t, embed.NewStaticEmbedder(testDims), 5)
	ctx := context.Background()

	doc := makeDoc(f.col.ID, "dup.md", threeSectionDoc)
	done := f.orch.Done(doc.DocID)
	require.NoError(t, f.orch.Submit(ctx, doc, split.Options{Strategy: split.StrategyMarkdown}))
	require.NoError(t, waitDone(t, done))

	chunksBefore, err := f.meta.GetChunksByDocIDPaginated(ctx, doc.DocID, 1, 100)
	require.NoError(t, err)
	vectorsBefore := f.vectors.Count()

	// Same bytes again: early return, nothing re-runs.
	again := makeDoc(f.col.ID, "dup.md", threeSectionDoc)
	require.NoError(t, f.orch.Submit(ctx, again, split.Options{Strategy: split.StrategyMarkdown}))
	require.NoError(t, waitDone(t, done))

	chunksAfter, err := f.meta.GetChunksByDocIDPaginated(ctx, doc.DocID, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, chunksBefore.Total, chunksAfter.Total)
	assert.Equal(t, vectorsBefore, f.vectors.Count())
}

func TestPipeline_ResyncRevivesDeadDoc(t *testing.T) {
	flaky := &flakyEmbedder{Embedder: embed.NewStaticEmbedder(testDims), failFor: 1 << 30}
	f := newPipeline(t, flaky, 1)
	ctx := context.Background()

	doc := makeDoc(f.col.ID, "revive.md", "# Revive\n\nFails at first, succeeds after resync.")
	done := f.orch.Done(doc.DocID)
	require.NoError(t, f.orch.Submit(ctx, doc, split.Options{Strategy: split.StrategyMarkdown}))
	require.Error(t, waitDone(t, done))

	// Provider recovers; operator triggers a resync.
	flaky.failFor = 0
	require.NoError(t, f.orch.Resync(ctx, doc.DocID))
	require.NoError(t, waitDone(t, done))

	job, err := f.meta.GetSyncJob(ctx, doc.DocID)
	require.NoError(t, err)
	assert.Equal(t, store.SyncStateSynced, job.Status)
}

// blockingEmbedder parks until its context is cancelled.
type blockingEmbedder struct {
	embed.Embedder
	started chan struct{}
}

func (b *blockingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ragerr.Wrap(ragerr.CodeCancelled, ctx.Err())
}

func TestPipeline_CancellationMarksFailure(t *testing.T) {
	blocking := &blockingEmbedder{Embedder: embed.NewStaticEmbedder(testDims), started: make(chan struct{}, 1)}
	f := newPipeline(t, blocking, 0) // no retries: first failure goes DEAD
	ctx := context.Background()

	doc := makeDoc(f.col.ID, "cancel.md", "# Cancel\n\nLong enough content to produce a chunk.")
	done := f.orch.Done(doc.DocID)
	require.NoError(t, f.orch.Submit(ctx, doc, split.Options{Strategy: split.StrategyMarkdown}))

	<-blocking.started
	f.orch.Cancel(doc.DocID)
	require.Error(t, waitDone(t, done))

	job, err := f.meta.GetSyncJob(ctx, doc.DocID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(job.LastError, "cancelled=true:"), "lastError = %q", job.LastError)
}

func TestPipeline_QueueBackpressureRespectsContext(t *testing.T) {
	f := newPipeline(t, embed.NewStaticEmbedder(testDims), 5)

	// A cancelled submit context returns instead of blocking forever.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	doc := makeDoc(f.col.ID, "late.md", "# Late\n\nThis submission races a cancelled context.")
	err := f.orch.Submit(ctx, doc, split.Options{Strategy: split.StrategyMarkdown})
	// Either it slipped into the queue before the cancellation check or
	// it reports cancellation; both are valid, blocking is not.
	if err != nil {
		assert.Equal(t, ragerr.CodeCancelled, ragerr.GetCode(err))
	}
}

func optsCount(o *Orchestrator) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.splitOpts)
}

func TestPipeline_DropsSplitOptionsAtTerminalStates(t *testing.T) {
	ctx := context.Background()

	f := newPipeline(t, embed.NewStaticEmbedder(testDims), 5)
	doc := makeDoc(f.col.ID, "done.md", threeSectionDoc)
	done := f.orch.Done(doc.DocID)
	require.NoError(t, f.orch.Submit(ctx, doc, split.Options{Strategy: split.StrategyMarkdown}))
	require.NoError(t, waitDone(t, done))
	assert.Zero(t, optsCount(f.orch), "SYNCED must release per-doc options")

	broken := &flakyEmbedder{Embedder: embed.NewStaticEmbedder(testDims), failFor: 1 << 30}
	g := newPipeline(t, broken, 0)
	dead := makeDoc(g.col.ID, "dead.md", "# Dead\n\nThis one never embeds.")
	deadDone := g.orch.Done(dead.DocID)
	require.NoError(t, g.orch.Submit(ctx, dead, split.Options{Strategy: split.StrategyMarkdown}))
	require.Error(t, waitDone(t, deadDone))
	assert.Zero(t, optsCount(g.orch), "DEAD must release per-doc options")
}
