// Package vector provides the vector index for chunk embeddings. It is
// a projection of the metadata store: rebuildable, reconciled by GC, and
// never the source of truth.
package vector

import "context"

// Payload is the metadata carried with every point. TitleChain is the
// serialized breadcrumb ("base > h1 > h2"), ready for display without a
// metadata lookup.
type Payload struct {
	DocID        string
	CollectionID string
	ChunkIndex   int
	Title        string
	TitleChain   string
}

// Point is one embedded chunk. ID is the chunk's pointID.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Result is one search hit, best-first. Score is a similarity in [0,1].
type Result struct {
	PointID string
	Score   float32
	Payload Payload
}

// Store indexes points and answers nearest-neighbor queries.
type Store interface {
	// UpsertBatch inserts or replaces points. All-or-nothing per call:
	// a dimension mismatch rejects the whole batch.
	UpsertBatch(ctx context.Context, points []Point) error

	// Search returns up to k nearest points. An empty collectionID
	// searches every collection.
	Search(ctx context.Context, collectionID string, query []float32, k int) ([]*Result, error)

	// DeletePoints removes points by id. Unknown ids are ignored.
	DeletePoints(ctx context.Context, pointIDs []string) error

	// DeleteByDocID removes every point belonging to the document.
	DeleteByDocID(ctx context.Context, docID string) error

	// DeleteCollection removes every point in the collection.
	DeleteCollection(ctx context.Context, collectionID string) error

	// ListPointIDs returns all live point ids, optionally scoped to a
	// collection. GC uses this as the vector-side snapshot.
	ListPointIDs(ctx context.Context, collectionID string) ([]string, error)

	// GetPayload returns the payload for a point.
	GetPayload(pointID string) (Payload, bool)

	// Count returns the number of live points.
	Count() int

	// Dimensions returns the configured embedding dimension.
	Dimensions() int

	Close() error
}
