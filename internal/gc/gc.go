// Package gc reconciles the metadata store and the vector store. The
// two stores are updated without a shared transaction, so crashes and
// cancelled pipelines can leave points on one side only; GC converges
// both sides by set difference and finalizes soft-deleted documents.
package gc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	ragerr "github.com/ragsync/ragsync/internal/errors"
	"github.com/ragsync/ragsync/internal/store"
	"github.com/ragsync/ragsync/internal/vector"
)

// terminalJobRetention is how long SYNCED/DEAD jobs keep their
// transition logs before compaction.
const terminalJobRetention = 24 * time.Hour

// Report summarises one reconciliation round.
type Report struct {
	Collections   int
	OrphanVectors int // points removed from the vector store
	OrphanChunks  int // chunk rows removed from the metadata store
	DocsFinalized int // soft-deleted docs fully purged
	JobsCompacted int // terminal jobs whose transition log was dropped
	Elapsed       time.Duration
}

// Collector runs the periodic reconciliation. Rounds are single-flight:
// a round that starts while another is running returns a conflict.
type Collector struct {
	interval time.Duration
	meta     store.MetadataStore
	vectors  vector.Store
	logger   *slog.Logger

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewCollector wires a collector. interval <= 0 defaults to one hour.
func NewCollector(interval time.Duration, meta store.MetadataStore, vectors vector.Store, logger *slog.Logger) *Collector {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		interval: interval,
		meta:     meta,
		vectors:  vectors,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start launches the periodic loop. The first round runs after one
// interval, not immediately, so boot is not serialised behind a scan.
func (c *Collector) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				if _, err := c.RunOnce(context.Background()); err != nil {
					c.logger.Error("gc round", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight round.
func (c *Collector) Stop() {
	close(c.stop)
	c.wg.Wait()
}

// RunOnce executes a full reconciliation round: per-collection orphan
// sweep, delete finalization, and transition-log compaction.
func (c *Collector) RunOnce(ctx context.Context) (*Report, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, ragerr.Conflict("gc round already running")
	}
	defer c.running.Store(false)

	start := time.Now()
	report := &Report{}

	cols, err := c.meta.ListAllCollections(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(cols))
	for _, col := range cols {
		known[col.ID] = true
		if err := c.reconcileCollection(ctx, col.ID, report); err != nil {
			return nil, err
		}
		report.Collections++
	}

	if err := c.sweepUnknownCollections(ctx, known, report); err != nil {
		return nil, err
	}
	if err := c.finalizeDeletedDocs(ctx, report); err != nil {
		return nil, err
	}

	compacted, err := c.meta.CompactTerminalJobs(ctx, time.Now().Add(-terminalJobRetention))
	if err != nil {
		return nil, err
	}
	report.JobsCompacted = compacted

	report.Elapsed = time.Since(start)
	c.logger.Info("gc round complete",
		slog.Int("collections", report.Collections),
		slog.Int("orphan_vectors", report.OrphanVectors),
		slog.Int("orphan_chunks", report.OrphanChunks),
		slog.Int("docs_finalized", report.DocsFinalized),
		slog.Int("jobs_compacted", report.JobsCompacted),
		slog.Duration("elapsed", report.Elapsed))
	return report, nil
}

// reconcileCollection snapshots both sides and deletes the differences.
// Points added after the snapshot appear on neither difference, so
// concurrent ingestion is safe; a point caught mid-pipeline shows up on
// both sides next round.
func (c *Collector) reconcileCollection(ctx context.Context, collectionID string, report *Report) error {
	sqlitePoints, err := c.meta.ListPointIDsByCollection(ctx, collectionID)
	if err != nil {
		return err
	}
	vectorPoints, err := c.vectors.ListPointIDs(ctx, collectionID)
	if err != nil {
		return err
	}

	inMeta := toSet(sqlitePoints)
	inVectors := toSet(vectorPoints)

	orphanVectors := diff(vectorPoints, inMeta)
	if len(orphanVectors) > 0 {
		if err := c.vectors.DeletePoints(ctx, orphanVectors); err != nil {
			return err
		}
		report.OrphanVectors += len(orphanVectors)
		c.logger.Warn("gc removed orphan vectors",
			slog.String("collection_id", collectionID),
			slog.Int("count", len(orphanVectors)))
	}

	// Only SYNCED chunks promise a matching vector. Chunks of docs that
	// are mid-pipeline or dead-lettered legitimately have none yet, and
	// their rows must survive for resume and resync.
	syncedPoints, err := c.meta.ListSyncedPointIDsByCollection(ctx, collectionID)
	if err != nil {
		return err
	}
	orphanChunks := diff(syncedPoints, inVectors)
	if len(orphanChunks) > 0 {
		if err := c.meta.DeleteChunksByPointIDs(ctx, orphanChunks); err != nil {
			return err
		}
		report.OrphanChunks += len(orphanChunks)
		c.logger.Warn("gc removed orphan chunks",
			slog.String("collection_id", collectionID),
			slog.Int("count", len(orphanChunks)))
	}
	return nil
}

// sweepUnknownCollections drops vector points whose collection no
// longer exists in the metadata store. This happens when a collection
// delete crashed between the two stores.
func (c *Collector) sweepUnknownCollections(ctx context.Context, known map[string]bool, report *Report) error {
	all, err := c.vectors.ListPointIDs(ctx, "")
	if err != nil {
		return err
	}
	var strays []string
	for _, pointID := range all {
		payload, ok := c.vectors.GetPayload(pointID)
		if !ok {
			continue
		}
		if !known[payload.CollectionID] {
			strays = append(strays, pointID)
		}
	}
	if len(strays) == 0 {
		return nil
	}
	if err := c.vectors.DeletePoints(ctx, strays); err != nil {
		return err
	}
	report.OrphanVectors += len(strays)
	c.logger.Warn("gc removed vectors of unknown collections", slog.Int("count", len(strays)))
	return nil
}

// finalizeDeletedDocs turns soft deletes into hard deletes: vectors
// first, then the metadata purge for the whole batch in one managed
// transaction, a savepoint per doc so one failed purge rolls back alone
// and the doc is retried next round.
func (c *Collector) finalizeDeletedDocs(ctx context.Context, report *Report) error {
	docs, err := c.meta.ListDeletedDocs(ctx)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	for _, doc := range docs {
		if err := c.vectors.DeleteByDocID(ctx, doc.DocID); err != nil {
			return err
		}
	}
	return c.meta.InTransaction(ctx, func(txn *store.Txn) error {
		for i, doc := range docs {
			err := txn.InSavepoint(ctx, fmt.Sprintf("purge_%d", i), func() error {
				return c.meta.PurgeDocTx(ctx, txn, doc.DocID)
			})
			if err != nil {
				c.logger.Warn("gc purge failed, doc kept for next round",
					slog.String("doc_id", doc.DocID),
					slog.String("error", err.Error()))
				continue
			}
			txn.Record(store.Operation{
				Type:     store.OpDelete,
				Target:   "vectors",
				TargetID: doc.DocID,
			})
			report.DocsFinalized++
			c.logger.Info("gc finalized deleted doc", slog.String("doc_id", doc.DocID))
		}
		return nil
	})
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// diff returns the members of ids that are not in other, preserving
// order.
func diff(ids []string, other map[string]bool) []string {
	var out []string
	for _, id := range ids {
		if !other[id] {
			out = append(out, id)
		}
	}
	return out
}
