// Package service is the typed command surface of the engine. An RPC
// facade (delivered separately) maps its requests onto these methods;
// everything here is transport-agnostic.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ragsync/ragsync/internal/config"
	"github.com/ragsync/ragsync/internal/embed"
	ragerr "github.com/ragsync/ragsync/internal/errors"
	"github.com/ragsync/ragsync/internal/gc"
	"github.com/ragsync/ragsync/internal/id"
	"github.com/ragsync/ragsync/internal/search"
	"github.com/ragsync/ragsync/internal/split"
	"github.com/ragsync/ragsync/internal/store"
	"github.com/ragsync/ragsync/internal/syncer"
	"github.com/ragsync/ragsync/internal/vector"
)

// MaxDocumentBytes bounds a single ingested document. Content is held
// in memory through the whole pipeline, so the cap is deliberate.
const MaxDocumentBytes = 10 << 20

// Service wires the engine components behind one typed API.
type Service struct {
	cfg      *config.Config
	meta     store.MetadataStore
	vectors  vector.Store
	embedder embed.Embedder
	orch     *syncer.Orchestrator
	engine   *search.Engine
	gc       *gc.Collector
	logger   *slog.Logger
}

// New assembles the service from already-started components.
func New(cfg *config.Config, meta store.MetadataStore, vectors vector.Store, embedder embed.Embedder, orch *syncer.Orchestrator, engine *search.Engine, collector *gc.Collector, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		meta:     meta,
		vectors:  vectors,
		embedder: embedder,
		orch:     orch,
		engine:   engine,
		gc:       collector,
		logger:   logger,
	}
}

// CheckDimensions records the embedder's vector dimension on first use
// and fails hard if it ever changes. Callers treat the mismatch as
// fatal (exit code 4).
func (s *Service) CheckDimensions(ctx context.Context) error {
	want := s.embedder.Dimensions()
	recorded, err := s.meta.GetState(ctx, store.StateKeyVectorDimension)
	if err != nil {
		return err
	}
	if recorded == "" {
		return s.meta.SetState(ctx, store.StateKeyVectorDimension, strconv.Itoa(want))
	}
	have, err := strconv.Atoi(recorded)
	if err != nil {
		return ragerr.New(ragerr.CodeStoreCorrupt,
			fmt.Sprintf("recorded vector dimension %q is not a number", recorded), err)
	}
	if have != want {
		return ragerr.New(ragerr.CodeDimensionMismatch,
			fmt.Sprintf("index built with dimension %d, embedder %s declares %d",
				have, s.embedder.ModelName(), want), nil)
	}
	return nil
}

// CreateCollection creates a named collection.
func (s *Service) CreateCollection(ctx context.Context, name, description string) (*store.Collection, error) {
	if name == "" {
		return nil, ragerr.Validation("collection name must not be empty")
	}
	return s.meta.CreateCollection(ctx, name, description)
}

// GetCollection resolves a collection by id, falling back to name.
func (s *Service) GetCollection(ctx context.Context, idOrName string) (*store.Collection, error) {
	if col, err := s.meta.GetCollectionByID(ctx, idOrName); err == nil {
		return col, nil
	}
	return s.meta.GetCollectionByName(ctx, idOrName)
}

// ListCollections pages through collections.
func (s *Service) ListCollections(ctx context.Context, page, limit int, sort, order string) (*store.Page[*store.Collection], error) {
	return s.meta.ListCollections(ctx, page, limit, sort, order)
}

// DeleteCollection cascades the delete through both stores: the
// metadata cascade commits in one managed transaction with the
// vector-side delete on its audit trail, then the vectors go. A crash
// between the two leaves strays that GC's unknown-collection sweep
// removes. Deleting a collection that does not exist is a no-op.
func (s *Service) DeleteCollection(ctx context.Context, collectionID string) error {
	err := s.meta.InTransaction(ctx, func(txn *store.Txn) error {
		if err := s.meta.DeleteCollectionTx(ctx, txn, collectionID); err != nil {
			return err
		}
		txn.Record(store.Operation{Type: store.OpDelete, Target: "vectors", TargetID: collectionID})
		return nil
	})
	if err != nil {
		return err
	}
	return s.vectors.DeleteCollection(ctx, collectionID)
}

// IngestRequest describes one document upload.
type IngestRequest struct {
	// CollectionID empty selects the configured default collection,
	// auto-created on first use.
	CollectionID string
	// Key is the caller's stable identifier within the collection,
	// unique among non-deleted docs. Defaults to Name, then to the
	// content hash.
	Key     string
	Name    string
	MIME    string
	Content []byte
	// Split selects the chunking strategy; zero value uses the
	// configured default.
	Split split.Options
}

// IngestDocument accepts a document for asynchronous ingestion and
// returns its content-addressed id. A duplicate (collection, key) with
// different content is a conflict; identical content is idempotent.
func (s *Service) IngestDocument(ctx context.Context, req IngestRequest) (string, error) {
	if len(req.Content) == 0 {
		return "", ragerr.Validation("document content must not be empty")
	}
	if len(req.Content) > MaxDocumentBytes {
		return "", ragerr.New(ragerr.CodePayloadTooLarge,
			fmt.Sprintf("document is %d bytes, limit %d", len(req.Content), MaxDocumentBytes), nil)
	}

	col, err := s.resolveCollection(ctx, req.CollectionID)
	if err != nil {
		return "", err
	}

	docID := id.MakeDocID(req.Content)
	key := req.Key
	if key == "" {
		key = req.Name
	}
	if key == "" {
		key = docID
	}

	// Same key, different bytes: the caller must delete first.
	if existing, err := s.meta.FindDocByKey(ctx, col.ID, key); err == nil && existing.DocID != docID {
		return "", ragerr.Conflict(
			fmt.Sprintf("key %q already maps to doc %s in collection %s", key, existing.DocID, col.Name))
	}

	opts := req.Split
	if opts.Strategy == "" {
		opts.Strategy = split.Strategy(s.cfg.Ingestion.SplitterDefault)
	}
	if opts.BaseName == "" {
		opts.BaseName = req.Name
	}

	doc := &store.Document{
		DocID:        docID,
		CollectionID: col.ID,
		Key:          key,
		Name:         req.Name,
		MIME:         req.MIME,
		SizeBytes:    int64(len(req.Content)),
		Content:      req.Content,
		Status:       store.DocStatusNew,
	}
	if err := s.orch.Submit(ctx, doc, opts); err != nil {
		return "", err
	}
	s.logger.Info("document accepted",
		slog.String("doc_id", docID),
		slog.String("collection_id", col.ID),
		slog.String("key", key))
	return docID, nil
}

// resolveCollection loads the requested collection, or get-or-creates
// the configured default when none is named.
func (s *Service) resolveCollection(ctx context.Context, collectionID string) (*store.Collection, error) {
	if collectionID != "" {
		return s.meta.GetCollectionByID(ctx, collectionID)
	}
	name := s.cfg.Ingestion.DefaultCollection
	if col, err := s.meta.GetCollectionByName(ctx, name); err == nil {
		return col, nil
	}
	col, err := s.meta.CreateCollection(ctx, name, "auto-created default collection")
	if err != nil {
		// Lost a create race: someone else made it first.
		if ragerr.GetCode(err) == ragerr.CodeConflict {
			return s.meta.GetCollectionByName(ctx, name)
		}
		return nil, err
	}
	return col, nil
}

// ResyncDocument re-runs the pipeline for an existing document.
func (s *Service) ResyncDocument(ctx context.Context, docID string) error {
	return s.orch.Resync(ctx, docID)
}

// DeleteDocument soft-deletes; GC finalizes the vectors, chunks, and
// the row itself later. An in-flight pipeline is cancelled.
func (s *Service) DeleteDocument(ctx context.Context, docID string) error {
	if err := id.ValidateDocID(docID); err != nil {
		return ragerr.Validation(err.Error())
	}
	s.orch.Cancel(docID)
	return s.meta.SoftDeleteDoc(ctx, docID)
}

// Search runs the hybrid query.
func (s *Service) Search(ctx context.Context, req search.Request) (*search.Response, error) {
	return s.engine.Search(ctx, req)
}

// GetSyncStatus returns the document's sync job.
func (s *Service) GetSyncStatus(ctx context.Context, docID string) (*store.SyncJob, error) {
	return s.meta.GetSyncJob(ctx, docID)
}

// SyncHistory returns the transition log for a document's job, oldest
// first.
func (s *Service) SyncHistory(ctx context.Context, docID string) ([]*store.Transition, error) {
	job, err := s.meta.GetSyncJob(ctx, docID)
	if err != nil {
		return nil, err
	}
	return s.meta.ListTransitions(ctx, job.ID)
}

// RunGC triggers one reconciliation round immediately.
func (s *Service) RunGC(ctx context.Context) (*gc.Report, error) {
	return s.gc.RunOnce(ctx)
}

// Stats is the operator-facing engine summary.
type Stats struct {
	Collections int            `json:"collections"`
	Chunks      int            `json:"chunks"`
	Vectors     int            `json:"vectors"`
	Jobs        map[string]int `json:"jobs"`
	Dimensions  int            `json:"dimensions"`
	Model       string         `json:"model"`
}

// GetStats collects counts across both stores.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	cols, err := s.meta.ListAllCollections(ctx)
	if err != nil {
		return nil, err
	}
	var chunks int
	for _, col := range cols {
		ids, err := s.meta.ListPointIDsByCollection(ctx, col.ID)
		if err != nil {
			return nil, err
		}
		chunks += len(ids)
	}

	jobs := make(map[string]int)
	for _, state := range []store.SyncState{
		store.SyncStateNew, store.SyncStateSplitOK, store.SyncStateEmbedOK,
		store.SyncStateSynced, store.SyncStateFailed, store.SyncStateRetrying,
		store.SyncStateDead,
	} {
		list, err := s.meta.ListSyncJobsByStatus(ctx, state)
		if err != nil {
			return nil, err
		}
		if len(list) > 0 {
			jobs[string(state)] = len(list)
		}
	}

	return &Stats{
		Collections: len(cols),
		Chunks:      chunks,
		Vectors:     s.vectors.Count(),
		Jobs:        jobs,
		Dimensions:  s.embedder.Dimensions(),
		Model:       s.embedder.ModelName(),
	}, nil
}
