package vector

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	ragerr "github.com/ragsync/ragsync/internal/errors"
)

// HNSWStore is an in-process HNSW index with one graph per collection.
// Deletion is lazy: removed points leave orphan nodes in the graph that
// are filtered out of results; a full rebuild compacts them.
type HNSWStore struct {
	mu     sync.RWMutex
	dims   int
	graphs map[string]*collectionGraph // collectionID -> graph

	payloads map[string]Payload // pointID -> payload
	owner    map[string]string  // pointID -> collectionID

	closed bool
}

type collectionGraph struct {
	graph   *hnsw.Graph[uint64]
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64
}

func newCollectionGraph() *collectionGraph {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 20
	g.Ml = 0.25
	return &collectionGraph{
		graph:  g,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}
}

var _ Store = (*HNSWStore)(nil)

// NewHNSWStore creates an empty index for the given embedding dimension.
func NewHNSWStore(dims int) (*HNSWStore, error) {
	if dims < 1 {
		return nil, ragerr.Validation(fmt.Sprintf("vector dimension must be >= 1, got %d", dims))
	}
	return &HNSWStore{
		dims:     dims,
		graphs:   make(map[string]*collectionGraph),
		payloads: make(map[string]Payload),
		owner:    make(map[string]string),
	}, nil
}

// Dimensions returns the configured embedding dimension.
func (s *HNSWStore) Dimensions() int { return s.dims }

// UpsertBatch inserts or replaces points. Dimensions are validated for
// the whole batch before anything is written.
func (s *HNSWStore) UpsertBatch(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ragerr.External(ragerr.CodeVectorStore, "vector store is closed", nil)
	}

	for _, p := range points {
		if len(p.Vector) != s.dims {
			return ragerr.Newf(ragerr.CodeDimensionMismatch,
				"vector dimension mismatch: expected %d, got %d for point %s", s.dims, len(p.Vector), p.ID)
		}
	}

	for _, p := range points {
		colID := p.Payload.CollectionID
		cg, ok := s.graphs[colID]
		if !ok {
			cg = newCollectionGraph()
			s.graphs[colID] = cg
		}

		// Replacing an id orphans the old node rather than deleting it;
		// coder/hnsw misbehaves when the last node is removed.
		if oldKey, exists := cg.idMap[p.ID]; exists {
			delete(cg.keyMap, oldKey)
			delete(cg.idMap, p.ID)
		}

		key := cg.nextKey
		cg.nextKey++

		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		normalizeInPlace(vec)

		cg.graph.Add(hnsw.MakeNode(key, vec))
		cg.idMap[p.ID] = key
		cg.keyMap[key] = p.ID

		s.payloads[p.ID] = p.Payload
		s.owner[p.ID] = colID
	}
	return nil
}

// Search returns up to k nearest points, best-first. With an empty
// collectionID all collections are searched and the results merged.
func (s *HNSWStore) Search(ctx context.Context, collectionID string, query []float32, k int) ([]*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ragerr.External(ragerr.CodeVectorStore, "vector store is closed", nil)
	}
	if len(query) != s.dims {
		return nil, ragerr.Newf(ragerr.CodeDimensionMismatch,
			"query dimension mismatch: expected %d, got %d", s.dims, len(query))
	}
	if k < 1 {
		return nil, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	var targets []*collectionGraph
	if collectionID != "" {
		cg, ok := s.graphs[collectionID]
		if !ok {
			return nil, nil
		}
		targets = []*collectionGraph{cg}
	} else {
		for _, cg := range s.graphs {
			targets = append(targets, cg)
		}
	}

	var results []*Result
	for _, cg := range targets {
		if cg.graph.Len() == 0 {
			continue
		}
		for _, node := range cg.graph.Search(normalized, k) {
			id, live := cg.keyMap[node.Key]
			if !live {
				continue // lazily deleted
			}
			dist := cg.graph.Distance(normalized, node.Value)
			results = append(results, &Result{
				PointID: id,
				Score:   1.0 - dist/2.0,
				Payload: s.payloads[id],
			})
		}
	}

	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// sortResults orders by score descending, then pointID ascending so
// equal scores rank deterministically.
func sortResults(rs []*Result) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Score != rs[j].Score {
			return rs[i].Score > rs[j].Score
		}
		return rs[i].PointID < rs[j].PointID
	})
}

// DeletePoints removes points by id. Unknown ids are ignored.
func (s *HNSWStore) DeletePoints(ctx context.Context, pointIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ragerr.External(ragerr.CodeVectorStore, "vector store is closed", nil)
	}
	for _, id := range pointIDs {
		s.deleteLocked(id)
	}
	return nil
}

// DeleteByDocID removes every point belonging to the document.
func (s *HNSWStore) DeleteByDocID(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ragerr.External(ragerr.CodeVectorStore, "vector store is closed", nil)
	}
	var victims []string
	for id, p := range s.payloads {
		if p.DocID == docID {
			victims = append(victims, id)
		}
	}
	for _, id := range victims {
		s.deleteLocked(id)
	}
	return nil
}

// DeleteCollection drops the collection's whole graph.
func (s *HNSWStore) DeleteCollection(ctx context.Context, collectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ragerr.External(ragerr.CodeVectorStore, "vector store is closed", nil)
	}
	cg, ok := s.graphs[collectionID]
	if !ok {
		return nil
	}
	for id := range cg.idMap {
		delete(s.payloads, id)
		delete(s.owner, id)
	}
	delete(s.graphs, collectionID)
	return nil
}

func (s *HNSWStore) deleteLocked(pointID string) {
	colID, ok := s.owner[pointID]
	if !ok {
		return
	}
	if cg, ok := s.graphs[colID]; ok {
		if key, exists := cg.idMap[pointID]; exists {
			delete(cg.keyMap, key)
			delete(cg.idMap, pointID)
		}
	}
	delete(s.payloads, pointID)
	delete(s.owner, pointID)
}

// ListPointIDs returns all live point ids, optionally scoped.
func (s *HNSWStore) ListPointIDs(ctx context.Context, collectionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ragerr.External(ragerr.CodeVectorStore, "vector store is closed", nil)
	}
	var out []string
	if collectionID != "" {
		if cg, ok := s.graphs[collectionID]; ok {
			for id := range cg.idMap {
				out = append(out, id)
			}
		}
		return out, nil
	}
	for id := range s.owner {
		out = append(out, id)
	}
	return out, nil
}

// GetPayload returns the payload for a live point.
func (s *HNSWStore) GetPayload(pointID string) (Payload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payloads[pointID]
	return p, ok
}

// Count returns the number of live points across all collections.
func (s *HNSWStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.owner)
}

// Close releases the graphs. Further operations error.
func (s *HNSWStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.graphs = nil
	return nil
}

// hnswMeta is the gob-persisted sidecar: payloads, id maps, and config.
type hnswMeta struct {
	Dims     int
	Payloads map[string]Payload
	Owner    map[string]string
	IDMaps   map[string]map[string]uint64
	NextKeys map[string]uint64
}

// Save writes the index to dir atomically (temp files + rename):
// one graph file per collection plus a gob meta sidecar.
func (s *HNSWStore) Save(dir string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ragerr.External(ragerr.CodeVectorStore, "vector store is closed", nil)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ragerr.External(ragerr.CodeVectorStore, fmt.Sprintf("create index dir: %v", err), err)
	}

	meta := hnswMeta{
		Dims:     s.dims,
		Payloads: s.payloads,
		Owner:    s.owner,
		IDMaps:   make(map[string]map[string]uint64, len(s.graphs)),
		NextKeys: make(map[string]uint64, len(s.graphs)),
	}
	for colID, cg := range s.graphs {
		meta.IDMaps[colID] = cg.idMap
		meta.NextKeys[colID] = cg.nextKey
		if err := atomicWrite(graphPath(dir, colID), func(f *os.File) error {
			return cg.graph.Export(f)
		}); err != nil {
			return ragerr.External(ragerr.CodeVectorStore, fmt.Sprintf("export graph %s: %v", colID, err), err)
		}
	}

	if err := atomicWrite(metaPath(dir), func(f *os.File) error {
		return gob.NewEncoder(f).Encode(meta)
	}); err != nil {
		return ragerr.External(ragerr.CodeVectorStore, fmt.Sprintf("write index meta: %v", err), err)
	}
	return nil
}

// LoadHNSWStore restores an index saved by Save. A missing directory or
// meta file yields a fresh empty store with the given dimension.
func LoadHNSWStore(dir string, dims int) (*HNSWStore, error) {
	f, err := os.Open(metaPath(dir))
	if os.IsNotExist(err) {
		return NewHNSWStore(dims)
	}
	if err != nil {
		return nil, ragerr.External(ragerr.CodeVectorStore, fmt.Sprintf("open index meta: %v", err), err)
	}
	defer f.Close()

	var meta hnswMeta
	if err := gob.NewDecoder(f).Decode(&meta); err != nil {
		return nil, ragerr.External(ragerr.CodeVectorStore, fmt.Sprintf("decode index meta: %v", err), err)
	}
	if dims != 0 && meta.Dims != dims {
		return nil, ragerr.Newf(ragerr.CodeDimensionMismatch,
			"persisted index dimension %d does not match configured %d", meta.Dims, dims)
	}

	s, err := NewHNSWStore(meta.Dims)
	if err != nil {
		return nil, err
	}
	s.payloads = meta.Payloads
	s.owner = meta.Owner

	for colID, idMap := range meta.IDMaps {
		cg := newCollectionGraph()
		cg.idMap = idMap
		cg.nextKey = meta.NextKeys[colID]
		for id, key := range idMap {
			cg.keyMap[key] = id
		}

		gf, err := os.Open(graphPath(dir, colID))
		if err != nil {
			return nil, ragerr.External(ragerr.CodeVectorStore, fmt.Sprintf("open graph %s: %v", colID, err), err)
		}
		// Import needs an io.ByteReader.
		importErr := cg.graph.Import(bufio.NewReader(gf))
		gf.Close()
		if importErr != nil {
			return nil, ragerr.External(ragerr.CodeVectorStore, fmt.Sprintf("import graph %s: %v", colID, importErr), importErr)
		}
		s.graphs[colID] = cg
	}
	return s, nil
}

func metaPath(dir string) string { return filepath.Join(dir, "index.meta") }

func graphPath(dir, collectionID string) string {
	return filepath.Join(dir, collectionID+".hnsw")
}

func atomicWrite(path string, write func(*os.File) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// normalizeInPlace scales v to unit length so cosine distance behaves.
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
