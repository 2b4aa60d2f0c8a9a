package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ragsync/ragsync/internal/config"
	"github.com/ragsync/ragsync/internal/embed"
	ragerr "github.com/ragsync/ragsync/internal/errors"
	"github.com/ragsync/ragsync/internal/id"
	"github.com/ragsync/ragsync/internal/split"
	"github.com/ragsync/ragsync/internal/store"
	"github.com/ragsync/ragsync/internal/vector"
)

// queueFactor sizes the bounded ingestion queue relative to the worker
// pool. Submit blocks when the queue is full.
const queueFactor = 4

// Orchestrator runs the split, embed, finalise pipeline on a bounded
// worker pool. Retries re-enter through a separate channel so timer
// fires are never blocked by ingestion back-pressure.
type Orchestrator struct {
	cfg      *config.Config
	meta     store.MetadataStore
	vectors  vector.Store
	embedder embed.Embedder
	fsm      *FSM
	logger   *slog.Logger

	scheduler *Scheduler

	queue      chan string
	retryQueue chan string
	stop       chan struct{}
	wg         sync.WaitGroup

	mu        sync.Mutex
	cancels   map[string]context.CancelFunc
	waiters   map[string]chan error
	splitOpts map[string]split.Options
	started   bool
}

// NewOrchestrator wires the pipeline. Call SetScheduler before Start.
func NewOrchestrator(cfg *config.Config, meta store.MetadataStore, vectors vector.Store, embedder embed.Embedder, fsm *FSM, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	n := cfg.Ingestion.Parallelism
	return &Orchestrator{
		cfg:        cfg,
		meta:       meta,
		vectors:    vectors,
		embedder:   embedder,
		fsm:        fsm,
		logger:     logger,
		queue:      make(chan string, queueFactor*n),
		retryQueue: make(chan string, 256),
		stop:       make(chan struct{}),
		cancels:    make(map[string]context.CancelFunc),
		waiters:    make(map[string]chan error),
		splitOpts:  make(map[string]split.Options),
	}
}

// SetScheduler attaches the retry scheduler. Wired after construction
// because the scheduler's resume callback points back here.
func (o *Orchestrator) SetScheduler(s *Scheduler) { o.scheduler = s }

// Start launches the worker pool.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	for i := 0; i < o.cfg.Ingestion.Parallelism; i++ {
		o.wg.Add(1)
		go o.worker()
	}
}

// Stop cancels in-flight pipelines and waits for workers to drain.
func (o *Orchestrator) Stop() {
	close(o.stop)
	o.mu.Lock()
	for _, cancel := range o.cancels {
		cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stop:
			return
		case docID := <-o.retryQueue:
			o.process(docID)
		case docID := <-o.queue:
			o.process(docID)
		}
	}
}

// Submit registers the document and queues it for ingestion. The docID
// must already be content-addressed. If the doc is already SYNCED this
// is an idempotent no-op. Blocks while the queue is full.
func (o *Orchestrator) Submit(ctx context.Context, doc *store.Document, opts split.Options) error {
	// Idempotent re-upload: same bytes, already fully synced.
	if job, err := o.meta.GetSyncJob(ctx, doc.DocID); err == nil && job.Status == store.SyncStateSynced {
		o.notify(doc.DocID, nil)
		return nil
	}

	if err := o.meta.CreateDoc(ctx, doc); err != nil {
		return err
	}
	if err := o.meta.UpsertSyncJob(ctx, &store.SyncJob{
		DocID:  doc.DocID,
		Status: store.SyncStateNew,
	}); err != nil {
		return err
	}

	o.mu.Lock()
	o.splitOpts[doc.DocID] = opts
	o.mu.Unlock()

	select {
	case o.queue <- doc.DocID:
		return nil
	case <-ctx.Done():
		return ragerr.Wrap(ragerr.CodeCancelled, ctx.Err())
	case <-o.stop:
		return ragerr.New(ragerr.CodeSyncFailed, "orchestrator stopped", nil)
	}
}

// Resync resets the job to NEW and re-queues the document. Used by the
// operator surface to revive DEAD docs.
func (o *Orchestrator) Resync(ctx context.Context, docID string) error {
	if _, err := o.meta.GetDoc(ctx, docID); err != nil {
		return err
	}
	if err := o.meta.UpsertSyncJob(ctx, &store.SyncJob{
		DocID:  docID,
		Status: store.SyncStateNew,
	}); err != nil {
		return err
	}
	select {
	case o.queue <- docID:
		return nil
	case <-ctx.Done():
		return ragerr.Wrap(ragerr.CodeCancelled, ctx.Err())
	case <-o.stop:
		return ragerr.New(ragerr.CodeSyncFailed, "orchestrator stopped", nil)
	}
}

// EnqueueRetry re-admits a RETRYING doc, bypassing the bounded queue so
// timer fires cannot deadlock against ingestion back-pressure.
func (o *Orchestrator) EnqueueRetry(docID string) {
	select {
	case o.retryQueue <- docID:
	case <-o.stop:
	}
}

// Cancel requests cooperative cancellation of an in-flight pipeline.
func (o *Orchestrator) Cancel(docID string) {
	o.mu.Lock()
	cancel, ok := o.cancels[docID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// Done returns the completion channel for a doc: one value when the job
// reaches SYNCED (nil) or DEAD (the final error). Single-consumer.
func (o *Orchestrator) Done(docID string) <-chan error {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch, ok := o.waiters[docID]
	if !ok {
		ch = make(chan error, 1)
		o.waiters[docID] = ch
	}
	return ch
}

// clearSplitOpts drops the per-request split options once a doc reaches
// a terminal outcome. Options survive retries, so the drop happens only
// at SYNCED, DEAD, or delete.
func (o *Orchestrator) clearSplitOpts(docID string) {
	o.mu.Lock()
	delete(o.splitOpts, docID)
	o.mu.Unlock()
}

func (o *Orchestrator) notify(docID string, err error) {
	o.mu.Lock()
	ch, ok := o.waiters[docID]
	o.mu.Unlock()
	if ok {
		select {
		case ch <- err:
		default:
		}
	}
}

// process runs the pipeline for one doc, resuming from the earliest
// step whose post-condition is not observably satisfied.
func (o *Orchestrator) process(docID string) {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[docID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.cancels, docID)
		o.mu.Unlock()
	}()

	// Stop cancels all registered pipelines; also honor a stop that
	// lands between dequeue and registration.
	select {
	case <-o.stop:
		return
	default:
	}

	job, err := o.meta.GetSyncJob(ctx, docID)
	if err != nil {
		o.logger.Error("pipeline: load job", slog.String("doc_id", docID), slog.String("error", err.Error()))
		return
	}
	if job.Status.Terminal() {
		o.clearSplitOpts(docID)
		return
	}
	doc, err := o.meta.GetDoc(ctx, docID)
	if err != nil {
		o.logger.Error("pipeline: load doc", slog.String("doc_id", docID), slog.String("error", err.Error()))
		return
	}
	if doc.Status == store.DocStatusDeleted {
		o.clearSplitOpts(docID)
		return
	}

	if doc.Status != store.DocStatusProcessing {
		if err := o.meta.UpdateDocStatus(ctx, docID, store.DocStatusProcessing); err != nil {
			o.fail(job, err)
			return
		}
	}

	if err := o.runSteps(ctx, doc, job); err != nil {
		o.fail(job, err)
		return
	}

	o.logger.Info("doc synced", slog.String("doc_id", docID))
	o.clearSplitOpts(docID)
	o.notify(docID, nil)
}

// runSteps decides the resume point from the job state and the
// observable post-conditions, then runs the remaining steps in order.
func (o *Orchestrator) runSteps(ctx context.Context, doc *store.Document, job *store.SyncJob) error {
	needSplit, needEmbed := true, true
	switch job.Status {
	case store.SyncStateSplitOK:
		needSplit = false
	case store.SyncStateEmbedOK:
		needSplit, needEmbed = false, false
	case store.SyncStateRetrying:
		// RETRYING accepts any forward event, so skip steps whose
		// post-conditions already hold.
		chunks, err := o.loadChunks(ctx, doc.DocID)
		if err != nil {
			return err
		}
		if len(chunks) > 0 {
			needSplit = false
			needEmbed = !o.allIndexed(chunks)
		}
	}

	if needSplit {
		if err := o.stepSplit(ctx, doc, job); err != nil {
			return err
		}
	}
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	if needEmbed {
		if err := o.stepEmbed(ctx, doc, job); err != nil {
			return err
		}
	}
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	return o.stepFinalize(ctx, doc, job)
}

// stepSplit chunks the content and persists chunk rows plus the FTS
// mirror. Re-running with identical content is a no-op because pointIDs
// are deterministic.
func (o *Orchestrator) stepSplit(ctx context.Context, doc *store.Document, job *store.SyncJob) error {
	o.mu.Lock()
	opts, ok := o.splitOpts[doc.DocID]
	o.mu.Unlock()
	if !ok {
		// Restart lost the per-request options; fall back to config.
		opts = split.Options{
			Strategy: split.Strategy(o.cfg.Ingestion.SplitterDefault),
			BaseName: doc.Name,
		}
	}

	pieces, err := split.Split(string(doc.Content), opts)
	if err != nil {
		return err
	}

	chunks := make([]*store.Chunk, len(pieces))
	for i, p := range pieces {
		pointID, err := id.MakePointID(doc.DocID, p.Index)
		if err != nil {
			return err
		}
		chunks[i] = &store.Chunk{
			PointID:      pointID,
			DocID:        doc.DocID,
			CollectionID: doc.CollectionID,
			ChunkIndex:   p.Index,
			Title:        p.Title,
			TitleChain:   p.TitleChain,
			Content:      p.Content,
			ContentHash:  id.HashContent(p.Content),
			Status:       store.ChunkStatusNew,
		}
	}
	if err := o.meta.AddChunks(ctx, doc.DocID, chunks); err != nil {
		return err
	}
	return o.fsm.Fire(ctx, job, EventChunksSaved, fmt.Sprintf("%d chunks", len(chunks)))
}

// stepEmbed embeds chunk batches and upserts points into the vector
// store. Cancellation is checked between batches.
func (o *Orchestrator) stepEmbed(ctx context.Context, doc *store.Document, job *store.SyncJob) error {
	chunks, err := o.loadChunks(ctx, doc.DocID)
	if err != nil {
		return err
	}

	batchSize := o.cfg.Ingestion.EmbedBatchSize
	for start := 0; start < len(chunks); start += batchSize {
		if err := checkCancelled(ctx); err != nil {
			return err
		}
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}

		embedCtx, cancelEmbed := context.WithTimeout(ctx, o.cfg.EmbedTimeout())
		vecs, err := o.embedder.EmbedBatch(embedCtx, texts)
		cancelEmbed()
		if err != nil {
			return err
		}
		if len(vecs) != len(batch) {
			return ragerr.New(ragerr.CodeEmbeddingFailed,
				fmt.Sprintf("embedder returned %d vectors for %d chunks", len(vecs), len(batch)), nil)
		}

		points := make([]vector.Point, len(batch))
		for i, c := range batch {
			points[i] = vector.Point{
				ID:     c.PointID,
				Vector: vecs[i],
				Payload: vector.Payload{
					DocID:        c.DocID,
					CollectionID: c.CollectionID,
					ChunkIndex:   c.ChunkIndex,
					Title:        c.Title,
					TitleChain:   strings.Join(c.TitleChain, store.TitleChainSep),
				},
			}
		}

		indexCtx, cancelIndex := context.WithTimeout(ctx, o.cfg.IndexTimeout())
		err = o.vectors.UpsertBatch(indexCtx, points)
		cancelIndex()
		if err != nil {
			return err
		}
	}
	return o.fsm.Fire(ctx, job, EventVectorsInserted, fmt.Sprintf("%d points", len(chunks)))
}

// stepFinalize marks doc and chunks synced in one transaction.
func (o *Orchestrator) stepFinalize(ctx context.Context, doc *store.Document, job *store.SyncJob) error {
	if err := o.meta.FinalizeDoc(ctx, doc.DocID); err != nil {
		return err
	}
	return o.fsm.Fire(ctx, job, EventMetaUpdated, "doc completed")
}

// loadChunks pages through all of a doc's chunks in index order.
func (o *Orchestrator) loadChunks(ctx context.Context, docID string) ([]*store.Chunk, error) {
	var all []*store.Chunk
	for page := 1; ; page++ {
		p, err := o.meta.GetChunksByDocIDPaginated(ctx, docID, page, store.MaxPageLimit)
		if err != nil {
			return nil, err
		}
		all = append(all, p.Data...)
		if !p.HasNext {
			return all, nil
		}
	}
}

// allIndexed reports whether every chunk's point is present in the
// vector store.
func (o *Orchestrator) allIndexed(chunks []*store.Chunk) bool {
	for _, c := range chunks {
		if _, ok := o.vectors.GetPayload(c.PointID); !ok {
			return false
		}
	}
	return true
}

// fail records the error, fires ERROR, marks the doc FAILED, and hands
// the job to the retry scheduler. A DEAD outcome resolves the waiter.
func (o *Orchestrator) fail(job *store.SyncJob, cause error) {
	ctx := context.Background()

	msg := cause.Error()
	if isCancellation(cause) {
		msg = "cancelled=true: " + msg
	}
	job.LastError = msg

	o.logger.Warn("pipeline step failed",
		slog.String("doc_id", job.DocID),
		slog.String("state", string(job.Status)),
		slog.String("error", msg))

	if CanFire(job.Status, EventError) {
		if err := o.fsm.Fire(ctx, job, EventError, msg); err != nil {
			o.logger.Error("record failure", slog.String("doc_id", job.DocID), slog.String("error", err.Error()))
			return
		}
	}
	if err := o.meta.UpdateDocStatus(ctx, job.DocID, store.DocStatusFailed); err != nil {
		o.logger.Error("mark doc failed", slog.String("doc_id", job.DocID), slog.String("error", err.Error()))
	}

	if o.scheduler != nil {
		if err := o.scheduler.NotifyFailure(ctx, job); err != nil {
			o.logger.Error("schedule retry", slog.String("doc_id", job.DocID), slog.String("error", err.Error()))
		}
	}
	if job.Status == store.SyncStateDead {
		o.clearSplitOpts(job.DocID)
		o.notify(job.DocID, cause)
	}
}

func checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return ragerr.Wrap(ragerr.CodeCancelled, err)
	}
	return nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) ||
		ragerr.GetCode(err) == ragerr.CodeCancelled
}
