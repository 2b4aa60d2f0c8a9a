package vector

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ragerr "github.com/ragsync/ragsync/internal/errors"
)

func newTestHNSW(t *testing.T, dims int) *HNSWStore {
	t.Helper()
	s, err := NewHNSWStore(dims)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func point(id, docID, colID string, idx int, vec []float32) Point {
	return Point{
		ID:     id,
		Vector: vec,
		Payload: Payload{
			DocID:        docID,
			CollectionID: colID,
			ChunkIndex:   idx,
			Title:        "t",
			TitleChain:   "doc > t",
		},
	}
}

func TestUpsertAndSearch(t *testing.T) {
	s := newTestHNSW(t, 3)
	ctx := context.Background()

	require.NoError(t, s.UpsertBatch(ctx, []Point{
		point("d1#0", "d1", "col", 0, []float32{1, 0, 0}),
		point("d1#1", "d1", "col", 1, []float32{0, 1, 0}),
		point("d2#0", "d2", "col", 0, []float32{0.9, 0.1, 0}),
	}))
	assert.Equal(t, 3, s.Count())

	res, err := s.Search(ctx, "col", []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "d1#0", res[0].PointID)
	assert.Equal(t, "d2#0", res[1].PointID)
	assert.Greater(t, res[0].Score, res[1].Score)
	assert.Equal(t, "d1", res[0].Payload.DocID)
	assert.Equal(t, "doc > t", res[0].Payload.TitleChain)
}

func TestUpsert_ReplacesExisting(t *testing.T) {
	s := newTestHNSW(t, 2)
	ctx := context.Background()

	require.NoError(t, s.UpsertBatch(ctx, []Point{point("p", "d", "c", 0, []float32{1, 0})}))
	require.NoError(t, s.UpsertBatch(ctx, []Point{point("p", "d", "c", 0, []float32{0, 1})}))
	assert.Equal(t, 1, s.Count())

	res, err := s.Search(ctx, "c", []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.InDelta(t, 1.0, float64(res[0].Score), 1e-5)
}

func TestUpsert_DimensionMismatchRejectsBatch(t *testing.T) {
	s := newTestHNSW(t, 3)
	ctx := context.Background()

	err := s.UpsertBatch(ctx, []Point{
		point("a#0", "a", "c", 0, []float32{1, 0, 0}),
		point("a#1", "a", "c", 1, []float32{1, 0}),
	})
	require.Error(t, err)
	assert.Equal(t, ragerr.CodeDimensionMismatch, ragerr.GetCode(err))
	// Nothing from the batch landed.
	assert.Equal(t, 0, s.Count())

	_, err = s.Search(ctx, "c", []float32{1, 0}, 5)
	require.Error(t, err)
	assert.Equal(t, ragerr.CodeDimensionMismatch, ragerr.GetCode(err))
}

func TestSearch_CollectionScoping(t *testing.T) {
	s := newTestHNSW(t, 2)
	ctx := context.Background()

	require.NoError(t, s.UpsertBatch(ctx, []Point{
		point("a#0", "a", "col-a", 0, []float32{1, 0}),
		point("b#0", "b", "col-b", 0, []float32{1, 0}),
	}))

	res, err := s.Search(ctx, "col-a", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "a#0", res[0].PointID)

	// Global search covers both.
	res, err = s.Search(ctx, "", []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, res, 2)

	// Unknown collection: empty, not an error.
	res, err = s.Search(ctx, "ghost", []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestDelete_LazyAndByDoc(t *testing.T) {
	s := newTestHNSW(t, 2)
	ctx := context.Background()

	require.NoError(t, s.UpsertBatch(ctx, []Point{
		point("d1#0", "d1", "c", 0, []float32{1, 0}),
		point("d1#1", "d1", "c", 1, []float32{0, 1}),
		point("d2#0", "d2", "c", 0, []float32{1, 1}),
	}))

	require.NoError(t, s.DeletePoints(ctx, []string{"d1#0", "ghost"}))
	assert.Equal(t, 2, s.Count())
	res, err := s.Search(ctx, "c", []float32{1, 0}, 10)
	require.NoError(t, err)
	for _, r := range res {
		assert.NotEqual(t, "d1#0", r.PointID)
	}

	require.NoError(t, s.DeleteByDocID(ctx, "d1"))
	ids, err := s.ListPointIDs(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"d2#0"}, ids)

	require.NoError(t, s.DeleteCollection(ctx, "c"))
	assert.Equal(t, 0, s.Count())
	require.NoError(t, s.DeleteCollection(ctx, "c")) // idempotent
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := newTestHNSW(t, 2)
	require.NoError(t, s.UpsertBatch(ctx, []Point{
		point("d1#0", "d1", "c", 0, []float32{1, 0}),
		point("d1#1", "d1", "c", 1, []float32{0, 1}),
	}))
	require.NoError(t, s.DeletePoints(ctx, []string{"d1#1"}))
	require.NoError(t, s.Save(dir))

	loaded, err := LoadHNSWStore(dir, 2)
	require.NoError(t, err)
	defer loaded.Close()

	assert.Equal(t, 1, loaded.Count())
	res, err := loaded.Search(ctx, "c", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "d1#0", res[0].PointID)
	assert.Equal(t, "d1", res[0].Payload.DocID)

	// Dimension disagreement with the persisted index is fatal.
	_, err = LoadHNSWStore(dir, 5)
	require.Error(t, err)
	assert.Equal(t, ragerr.CodeDimensionMismatch, ragerr.GetCode(err))
}

func TestLoad_MissingDirIsFreshStore(t *testing.T) {
	s, err := LoadHNSWStore(t.TempDir()+"/nope", 4)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 0, s.Count())
	assert.Equal(t, 4, s.Dimensions())
}

func TestSearch_EmptyStore(t *testing.T) {
	s := newTestHNSW(t, 2)
	res, err := s.Search(context.Background(), "", []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestListPointIDs_Global(t *testing.T) {
	s := newTestHNSW(t, 2)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.UpsertBatch(ctx, []Point{
			point(fmt.Sprintf("d%d#0", i), fmt.Sprintf("d%d", i), fmt.Sprintf("c%d", i%2), 0, []float32{1, 0}),
		}))
	}
	ids, err := s.ListPointIDs(ctx, "")
	require.NoError(t, err)
	assert.Len(t, ids, 3)
}
