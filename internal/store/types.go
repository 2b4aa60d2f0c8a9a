// Package store provides durable metadata persistence for collections,
// documents, chunks, and sync jobs, backed by SQLite with an FTS5 mirror
// of chunk text. The metadata store is the source of truth; the vector
// store is reconciled against it.
package store

import (
	"context"
	"time"
)

// DocStatus is the lifecycle status of a document.
type DocStatus string

const (
	DocStatusNew        DocStatus = "NEW"
	DocStatusProcessing DocStatus = "PROCESSING"
	DocStatusCompleted  DocStatus = "COMPLETED"
	DocStatusFailed     DocStatus = "FAILED"
	DocStatusDeleted    DocStatus = "DELETED"
)

// ChunkStatus is the indexing status of a chunk.
type ChunkStatus string

const (
	ChunkStatusNew      ChunkStatus = "NEW"
	ChunkStatusEmbedded ChunkStatus = "EMBEDDED"
	ChunkStatusSynced   ChunkStatus = "SYNCED"
	ChunkStatusFailed   ChunkStatus = "FAILED"
)

// SyncState is the persisted state of a document's sync job.
// The transition table lives in the syncer package; the store only
// persists states and enforces the one-job-per-doc constraint.
type SyncState string

const (
	SyncStateNew      SyncState = "NEW"
	SyncStateSplitOK  SyncState = "SPLIT_OK"
	SyncStateEmbedOK  SyncState = "EMBED_OK"
	SyncStateSynced   SyncState = "SYNCED"
	SyncStateFailed   SyncState = "FAILED"
	SyncStateRetrying SyncState = "RETRYING"
	SyncStateDead     SyncState = "DEAD"
)

// Terminal reports whether the state accepts no further events.
func (s SyncState) Terminal() bool {
	return s == SyncStateSynced || s == SyncStateDead
}

// Collection is a named namespace partitioning docs, chunks, and vectors.
type Collection struct {
	ID          string // UUID
	Name        string // Unique
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Document is an ingested document. DocID is the SHA-256 of Content, so
// identical uploads collide on purpose and the second insert is a no-op.
type Document struct {
	DocID        string // SHA-256 hex of content
	CollectionID string
	Key          string
	Name         string
	MIME         string
	SizeBytes    int64
	Content      []byte
	Status       DocStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Chunk is the smallest unit of retrieval. PointID = "docID#chunkIndex"
// keys both the chunk row and the vector-store point.
type Chunk struct {
	PointID      string
	DocID        string
	CollectionID string
	ChunkIndex   int
	Title        string
	TitleChain   []string // ordered breadcrumb, base name first
	Content      string
	ContentHash  string // SHA-256 of Content
	Status       ChunkStatus
}

// SyncJob tracks a document's path through the sync pipeline.
// At most one job exists per docID.
type SyncJob struct {
	ID            string // UUID
	DocID         string
	Status        SyncState
	Retries       int
	LastAttemptAt *time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Transition is one entry in the append-only per-job audit log.
type Transition struct {
	JobID   string
	From    SyncState
	To      SyncState
	Event   string
	At      time.Time
	Context string
}

// KeywordResult is a single FTS hit, ordered best-first.
type KeywordResult struct {
	PointID string
	Score   float64 // Higher is better
}

// Pagination limits.
const (
	MinPageLimit = 1
	MaxPageLimit = 500
)

// Page is a paginated response envelope.
type Page[T any] struct {
	Data       []T
	Page       int
	Limit      int
	Total      int
	TotalPages int
	HasNext    bool
	HasPrev    bool
}

// NewPage assembles the envelope from a data slice and total count.
func NewPage[T any](data []T, page, limit, total int) *Page[T] {
	totalPages := (total + limit - 1) / limit
	return &Page[T]{
		Data:       data,
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1,
	}
}

// MetadataStore persists all engine metadata.
// Each operation runs in an implicit transaction; multi-step invariants
// (chunk rows + FTS mirror, job row + transition log) are enforced inside
// single transactions by the implementation.
type MetadataStore interface {
	// InTransaction runs fn inside one managed transaction. The Txn
	// handle supports savepoints and records an audit trail of
	// operations whose effects reach outside the database.
	InTransaction(ctx context.Context, fn func(txn *Txn) error) error

	// Collection operations
	CreateCollection(ctx context.Context, name, description string) (*Collection, error)
	GetCollectionByID(ctx context.Context, id string) (*Collection, error)
	GetCollectionByName(ctx context.Context, name string) (*Collection, error)
	ListCollections(ctx context.Context, page, limit int, sort, order string) (*Page[*Collection], error)
	ListAllCollections(ctx context.Context) ([]*Collection, error)
	DeleteCollection(ctx context.Context, id string) error // cascades to docs and chunks
	DeleteCollectionTx(ctx context.Context, txn *Txn, id string) error

	// Document operations
	CreateDoc(ctx context.Context, doc *Document) error // idempotent per docID; a second collection conflicts
	GetDoc(ctx context.Context, docID string) (*Document, error)
	UpdateDocStatus(ctx context.Context, docID string, status DocStatus) error
	SoftDeleteDoc(ctx context.Context, docID string) error
	HardDeleteDoc(ctx context.Context, docID string) error
	// PurgeDoc removes the doc row plus its chunks, FTS rows, and sync
	// job in one transaction. Used by GC delete finalization; the Tx
	// variant joins a caller-managed transaction.
	PurgeDoc(ctx context.Context, docID string) error
	PurgeDocTx(ctx context.Context, txn *Txn, docID string) error
	ListDeletedDocs(ctx context.Context) ([]*Document, error)
	FindDocByKey(ctx context.Context, collectionID, key string) (*Document, error)

	// Chunk operations. AddChunks inserts rows and updates the FTS
	// mirror in one transaction; re-inserting the same pointID replaces.
	AddChunks(ctx context.Context, docID string, chunks []*Chunk) error
	GetChunksByPointIDs(ctx context.Context, pointIDs []string) ([]*Chunk, error)
	GetChunksByDocIDPaginated(ctx context.Context, docID string, page, limit int) (*Page[*Chunk], error)
	ListPointIDsByCollection(ctx context.Context, collectionID string) ([]string, error)
	// ListSyncedPointIDsByCollection narrows the snapshot to chunks in
	// SYNCED status, the only state whose invariant promises a vector.
	ListSyncedPointIDsByCollection(ctx context.Context, collectionID string) ([]string, error)
	MarkChunksSynced(ctx context.Context, docID string) error
	// FinalizeDoc marks the doc COMPLETED and all its chunks SYNCED in
	// one transaction.
	FinalizeDoc(ctx context.Context, docID string) error
	DeleteChunksByDocID(ctx context.Context, docID string) error
	DeleteChunksByCollectionID(ctx context.Context, collectionID string) error
	DeleteChunksByPointIDs(ctx context.Context, pointIDs []string) error

	// FTSSearch runs a keyword query against the chunk mirror,
	// optionally scoped to a collection. Results are best-first.
	FTSSearch(ctx context.Context, query, collectionID string, limit int) ([]*KeywordResult, error)

	// Sync job operations. UpdateJobWithTransition persists the job row
	// and appends the transition log entry in the same transaction.
	UpsertSyncJob(ctx context.Context, job *SyncJob) error
	GetSyncJob(ctx context.Context, docID string) (*SyncJob, error)
	UpdateJobWithTransition(ctx context.Context, job *SyncJob, t *Transition) error
	ListSyncJobsByStatus(ctx context.Context, status SyncState) ([]*SyncJob, error)
	ListTransitions(ctx context.Context, jobID string) ([]*Transition, error)
	CompactTerminalJobs(ctx context.Context, olderThan time.Time) (int, error)

	// State operations (key-value runtime state, e.g. recorded
	// embedding dimension)
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error

	// Lifecycle
	Close() error
}

// State keys.
const (
	// StateKeyVectorDimension records the embedding dimension at first
	// use; any later change is fatal.
	StateKeyVectorDimension = "vector_dimension"
	// StateKeyEmbedderModel records the model that built the index.
	StateKeyEmbedderModel = "embedder_model"
)

// TitleChainSep joins titleChain elements in persisted and payload form.
const TitleChainSep = " > "
