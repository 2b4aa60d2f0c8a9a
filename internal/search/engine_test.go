package search

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragsync/ragsync/internal/config"
	"github.com/ragsync/ragsync/internal/embed"
	ragerr "github.com/ragsync/ragsync/internal/errors"
	"github.com/ragsync/ragsync/internal/id"
	"github.com/ragsync/ragsync/internal/store"
	"github.com/ragsync/ragsync/internal/vector"
)

const testDims = 8

type engineFixture struct {
	meta    *store.SQLiteStore
	vectors *vector.HNSWStore
	embed   embed.Embedder
	engine  *Engine
	col     *store.Collection
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	meta, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	vectors, err := vector.NewHNSWStore(testDims)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	col, err := meta.CreateCollection(context.Background(), "docs", "")
	require.NoError(t, err)

	emb := embed.NewStaticEmbedder(testDims)
	cfg := config.Default()
	return &engineFixture{
		meta:    meta,
		vectors: vectors,
		embed:   emb,
		engine:  NewEngine(cfg, meta, vectors, emb, nil),
		col:     col,
	}
}

// seedDoc stores one doc whose chunks are both FTS-indexed and vector
// indexed, the state ingestion leaves behind.
func (f *engineFixture) seedDoc(t *testing.T, colID, key string, contents ...string) string {
	t.Helper()
	ctx := context.Background()

	docID := id.MakeDocID([]byte(key + strings.Join(contents, "\n")))
	require.NoError(t, f.meta.CreateDoc(ctx, &store.Document{
		DocID:        docID,
		CollectionID: colID,
		Key:          key,
		Name:         key,
		SizeBytes:    1,
		Content:      []byte(strings.Join(contents, "\n")),
		Status:       store.DocStatusCompleted,
	}))

	chunks := make([]*store.Chunk, len(contents))
	points := make([]vector.Point, len(contents))
	for i, content := range contents {
		pointID, err := id.MakePointID(docID, i)
		require.NoError(t, err)
		chunks[i] = &store.Chunk{
			PointID:      pointID,
			DocID:        docID,
			CollectionID: colID,
			ChunkIndex:   i,
			Title:        key,
			TitleChain:   []string{key},
			Content:      content,
			ContentHash:  id.HashContent(content),
			Status:       store.ChunkStatusSynced,
		}
		vec, err := f.embed.Embed(ctx, content)
		require.NoError(t, err)
		points[i] = vector.Point{
			ID:     pointID,
			Vector: vec,
			Payload: vector.Payload{
				DocID:        docID,
				CollectionID: colID,
				ChunkIndex:   i,
				Title:        key,
			},
		}
	}
	require.NoError(t, f.meta.AddChunks(ctx, docID, chunks))
	require.NoError(t, f.vectors.UpsertBatch(ctx, points))
	return docID
}

func TestSearch_HybridRanksDoubleHitFirst(t *testing.T) {
	f := newEngineFixture(t)
	docID := f.seedDoc(t, f.col.ID, "propulsion.md",
		"rocket engine nozzle design and thrust curves",
		"garden flowers need regular watering in summer")
	f.seedDoc(t, f.col.ID, "botany.md",
		"flower taxonomy for temperate gardens")

	// The query repeats the first chunk verbatim: both arms rank it
	// first, so fusion must too.
	resp, err := f.engine.Search(context.Background(), Request{
		Query: "rocket engine nozzle design and thrust curves",
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.False(t, resp.Degraded)

	top := resp.Results[0]
	assert.Equal(t, docID+"#0", top.PointID)
	assert.Equal(t, docID, top.DocID)
	assert.Equal(t, f.col.ID, top.CollectionID)
	assert.Equal(t, 0, top.ChunkIndex)
	assert.Equal(t, []string{"propulsion.md"}, top.TitleChain)
	assert.Contains(t, top.Content, "rocket engine")
	assert.Positive(t, top.Score)
}

type brokenEmbedder struct{ embed.Embedder }

func (brokenEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, ragerr.External(ragerr.CodeEmbedProvider, "provider down", nil)
}

func TestSearch_DegradesToKeywordOnly(t *testing.T) {
	f := newEngineFixture(t)
	f.seedDoc(t, f.col.ID, "notes.md", "sqlite write ahead logging explained")

	f.engine = NewEngine(config.Default(), f.meta, f.vectors,
		brokenEmbedder{Embedder: f.embed}, nil)

	resp, err := f.engine.Search(context.Background(), Request{Query: "sqlite logging"})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	require.Len(t, resp.Results, 1)
	assert.Contains(t, resp.Results[0].Content, "sqlite")
}

func TestSearch_CollectionScoping(t *testing.T) {
	f := newEngineFixture(t)
	other, err := f.meta.CreateCollection(context.Background(), "other", "")
	require.NoError(t, err)

	f.seedDoc(t, f.col.ID, "a.md", "the shared keyword zebra appears here")
	otherDoc := f.seedDoc(t, other.ID, "b.md", "the shared keyword zebra appears here too")

	resp, err := f.engine.Search(context.Background(), Request{
		Query:        "zebra",
		CollectionID: other.ID,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, otherDoc, resp.Results[0].DocID)

	// Unscoped sees both.
	resp, err = f.engine.Search(context.Background(), Request{Query: "zebra"})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
}

func TestSearch_DropsPointsWithoutChunkRows(t *testing.T) {
	f := newEngineFixture(t)
	f.seedDoc(t, f.col.ID, "kept.md", "unique marker quasar in the kept chunk")

	// A vector point whose chunk row was deleted out from under it.
	ghostDoc := id.MakeDocID([]byte("ghost"))
	ghostID, err := id.MakePointID(ghostDoc, 0)
	require.NoError(t, err)
	vec, err := f.embed.Embed(context.Background(), "unique marker quasar in the kept chunk")
	require.NoError(t, err)
	require.NoError(t, f.vectors.UpsertBatch(context.Background(), []vector.Point{{
		ID:      ghostID,
		Vector:  vec,
		Payload: vector.Payload{DocID: ghostDoc, CollectionID: f.col.ID},
	}}))

	resp, err := f.engine.Search(context.Background(), Request{Query: "unique marker quasar in the kept chunk"})
	require.NoError(t, err)
	for _, r := range resp.Results {
		assert.NotEqual(t, ghostID, r.PointID)
	}
	// The ghost was still a fused candidate.
	assert.Greater(t, resp.Total, len(resp.Results))
}

func TestSearch_PaginationDoesNotOverlap(t *testing.T) {
	f := newEngineFixture(t)
	contents := make([]string, 7)
	for i := range contents {
		contents[i] = fmt.Sprintf("pagination fodder item %d with shared token walrus", i)
	}
	f.seedDoc(t, f.col.ID, "long.md", contents...)

	ctx := context.Background()
	page1, err := f.engine.Search(ctx, Request{Query: "walrus", Limit: 3, Page: 1})
	require.NoError(t, err)
	page2, err := f.engine.Search(ctx, Request{Query: "walrus", Limit: 3, Page: 2})
	require.NoError(t, err)

	require.Len(t, page1.Results, 3)
	require.NotEmpty(t, page2.Results)
	assert.Equal(t, 7, page1.Total)

	seen := make(map[string]bool)
	for _, r := range page1.Results {
		seen[r.PointID] = true
	}
	for _, r := range page2.Results {
		assert.False(t, seen[r.PointID], "page 2 repeats %s", r.PointID)
	}

	// Past the end: empty results, stable total.
	page9, err := f.engine.Search(ctx, Request{Query: "walrus", Limit: 3, Page: 9})
	require.NoError(t, err)
	assert.Empty(t, page9.Results)
	assert.Equal(t, 7, page9.Total)
}

func TestSearch_InputValidation(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Search(context.Background(), Request{Query: "   "})
	require.Error(t, err)
	assert.Equal(t, ragerr.CodeInvalidInput, ragerr.GetCode(err))

	_, err = f.engine.Search(context.Background(), Request{Query: "ok", Limit: -1})
	require.Error(t, err)

	_, err = f.engine.Search(context.Background(), Request{Query: "ok", Page: -2})
	require.Error(t, err)

	// Oversized limit clamps instead of failing.
	resp, err := f.engine.Search(context.Background(), Request{Query: "ok", Limit: 10_000})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}
