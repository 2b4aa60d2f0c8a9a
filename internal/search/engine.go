package search

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ragsync/ragsync/internal/config"
	"github.com/ragsync/ragsync/internal/embed"
	ragerr "github.com/ragsync/ragsync/internal/errors"
	"github.com/ragsync/ragsync/internal/store"
	"github.com/ragsync/ragsync/internal/vector"
)

// Request is a hybrid search request. CollectionID empty means all
// collections. Limit and Page fall back to the configured defaults.
type Request struct {
	Query        string
	CollectionID string
	Limit        int
	Page         int
}

// Result is one enriched search hit.
type Result struct {
	PointID      string   `json:"pointId"`
	DocID        string   `json:"docId"`
	CollectionID string   `json:"collectionId"`
	ChunkIndex   int      `json:"chunkIndex"`
	Title        string   `json:"title,omitempty"`
	TitleChain   []string `json:"titleChain,omitempty"`
	Content      string   `json:"content"`
	Score        float64  `json:"score"`
}

// Response carries the fused page. Degraded is set when the vector arm
// was skipped because query embedding failed.
type Response struct {
	Results  []*Result `json:"results"`
	Total    int       `json:"total"`
	Degraded bool      `json:"degraded,omitempty"`
}

// Engine runs both retrieval arms in parallel and fuses the ranked
// lists. It holds no state beyond its dependencies and is safe for
// concurrent use.
type Engine struct {
	cfg      *config.Config
	meta     store.MetadataStore
	vectors  vector.Store
	embedder embed.Embedder
	fusion   *RRFFusion
	logger   *slog.Logger
}

// NewEngine wires a hybrid search engine.
func NewEngine(cfg *config.Config, meta store.MetadataStore, vectors vector.Store, embedder embed.Embedder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		meta:     meta,
		vectors:  vectors,
		embedder: embedder,
		fusion:   NewRRFFusion(cfg.Search.RRFConstant),
		logger:   logger,
	}
}

// Search executes the hybrid query. The keyword arm failing is an
// error; the vector arm failing only degrades the response to
// keyword-only.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ragerr.Validation("search query must not be empty")
	}
	limit, page, err := e.bounds(req)
	if err != nil {
		return nil, err
	}

	// Paginated requests oversample each arm so earlier pages cannot
	// steal hits that fusion would rank into this one.
	sample := limit * page

	ctx, cancel := context.WithTimeout(ctx, e.cfg.SearchTimeout())
	defer cancel()

	var (
		keywordIDs []string
		vectorIDs  []string
		degraded   bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := e.meta.FTSSearch(gctx, query, req.CollectionID, sample)
		if err != nil {
			return err
		}
		keywordIDs = make([]string, len(hits))
		for i, h := range hits {
			keywordIDs[i] = h.PointID
		}
		return nil
	})
	g.Go(func() error {
		ids, err := e.vectorArm(gctx, query, req.CollectionID, sample)
		if err != nil {
			// Keyword-only still answers the query; record and move on.
			degraded = true
			e.logger.Warn("vector arm degraded",
				slog.String("query", query),
				slog.String("error", err.Error()))
			return nil
		}
		vectorIDs = ids
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := e.fusion.Fuse(keywordIDs, vectorIDs)
	pageSlice := slicePage(fused, limit, page)

	results, err := e.enrich(ctx, pageSlice)
	if err != nil {
		return nil, err
	}
	return &Response{
		Results:  results,
		Total:    len(fused),
		Degraded: degraded,
	}, nil
}

// vectorArm embeds the query and searches the vector store.
func (e *Engine) vectorArm(ctx context.Context, query, collectionID string, k int) ([]string, error) {
	qvec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := e.vectors.Search(ctx, collectionID, qvec, k)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.PointID
	}
	return ids, nil
}

// enrich loads chunk rows for the fused page. Points whose chunk row is
// gone (concurrent delete) are dropped rather than returned hollow.
func (e *Engine) enrich(ctx context.Context, fused []*FusedResult) ([]*Result, error) {
	if len(fused) == 0 {
		return []*Result{}, nil
	}

	ids := make([]string, len(fused))
	scores := make(map[string]float64, len(fused))
	for i, f := range fused {
		ids[i] = f.PointID
		scores[f.PointID] = f.RRFScore
	}

	chunks, err := e.meta.GetChunksByPointIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]*Result, 0, len(chunks))
	for _, c := range chunks {
		results = append(results, &Result{
			PointID:      c.PointID,
			DocID:        c.DocID,
			CollectionID: c.CollectionID,
			ChunkIndex:   c.ChunkIndex,
			Title:        c.Title,
			TitleChain:   c.TitleChain,
			Content:      c.Content,
			Score:        scores[c.PointID],
		})
	}
	return results, nil
}

// bounds validates and defaults limit and page.
func (e *Engine) bounds(req Request) (limit, page int, err error) {
	limit = req.Limit
	switch {
	case limit == 0:
		limit = e.cfg.Search.DefaultLimit
	case limit < 0:
		return 0, 0, ragerr.Validation("search limit must be positive")
	case limit > e.cfg.Search.MaxLimit:
		limit = e.cfg.Search.MaxLimit
	}

	page = req.Page
	if page == 0 {
		page = 1
	}
	if page < 1 {
		return 0, 0, ragerr.Validation("search page must be >= 1")
	}
	return limit, page, nil
}

// slicePage cuts the requested page out of the fused list.
func slicePage(fused []*FusedResult, limit, page int) []*FusedResult {
	start := (page - 1) * limit
	if start >= len(fused) {
		return nil
	}
	end := start + limit
	if end > len(fused) {
		end = len(fused)
	}
	return fused[start:end]
}
