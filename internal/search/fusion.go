// Package search provides hybrid retrieval: keyword (FTS5/BM25) and
// vector results queried in parallel and fused with Reciprocal Rank
// Fusion (RRF).
package search

import "sort"

// DefaultRRFConstant is the standard RRF smoothing parameter.
// k=60 is empirically validated across domains.
const DefaultRRFConstant = 60

// FusedResult is a single candidate after RRF fusion. Ranks are
// 1-indexed; 0 means the point was absent from that list.
type FusedResult struct {
	PointID     string
	RRFScore    float64
	KeywordRank int
	VectorRank  int
}

// RRFFusion combines keyword and vector result lists using
// Reciprocal Rank Fusion:
//
//	score(p) = Σ_lists 1 / (k + rank_list(p))
//
// Only lists that actually contain the point contribute, so a point on
// both lists always outscores a point appearing once at the same rank.
type RRFFusion struct {
	K int
}

// NewRRFFusion creates an RRF fusion instance. If k <= 0, defaults to 60.
func NewRRFFusion(k int) *RRFFusion {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	return &RRFFusion{K: k}
}

// Fuse merges two best-first point-id lists.
//
// Results are sorted by: RRFScore (desc) → KeywordRank (asc, absent
// last) → VectorRank (asc, absent last) → PointID (asc).
func (f *RRFFusion) Fuse(keyword, vec []string) []*FusedResult {
	if len(keyword) == 0 && len(vec) == 0 {
		return []*FusedResult{}
	}

	scores := make(map[string]*FusedResult, len(keyword)+len(vec))

	for rank, pid := range keyword {
		r := f.getOrCreate(scores, pid)
		if r.KeywordRank == 0 {
			r.KeywordRank = rank + 1
			r.RRFScore += 1 / float64(f.K+rank+1)
		}
	}
	for rank, pid := range vec {
		r := f.getOrCreate(scores, pid)
		if r.VectorRank == 0 {
			r.VectorRank = rank + 1
			r.RRFScore += 1 / float64(f.K+rank+1)
		}
	}

	results := make([]*FusedResult, 0, len(scores))
	for _, r := range scores {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		return f.compare(results[i], results[j])
	})
	return results
}

func (f *RRFFusion) getOrCreate(m map[string]*FusedResult, id string) *FusedResult {
	if r, ok := m[id]; ok {
		return r
	}
	r := &FusedResult{PointID: id}
	m[id] = r
	return r
}

// compare implements the deterministic ordering. Returns true if a
// should rank before b.
func (f *RRFFusion) compare(a, b *FusedResult) bool {
	if a.RRFScore != b.RRFScore {
		return a.RRFScore > b.RRFScore
	}
	if ra, rb := presentFirst(a.KeywordRank), presentFirst(b.KeywordRank); ra != rb {
		return ra < rb
	}
	if ra, rb := presentFirst(a.VectorRank), presentFirst(b.VectorRank); ra != rb {
		return ra < rb
	}
	return a.PointID < b.PointID
}

// presentFirst maps the absent rank (0) after every present rank.
func presentFirst(rank int) int {
	if rank == 0 {
		return int(^uint(0) >> 1)
	}
	return rank
}
