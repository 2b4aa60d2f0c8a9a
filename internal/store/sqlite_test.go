package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ragerr "github.com/ragsync/ragsync/internal/errors"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testDoc(collectionID, key string, content []byte) *Document {
	return &Document{
		DocID:        fmt.Sprintf("%064x", content),
		CollectionID: collectionID,
		Key:          key,
		Name:         key,
		MIME:         "text/markdown",
		SizeBytes:    int64(len(content)),
		Content:      content,
		Status:       DocStatusNew,
	}
}

func TestCollections_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	col, err := s.CreateCollection(ctx, "docs", "product docs")
	require.NoError(t, err)
	require.NotEmpty(t, col.ID)

	got, err := s.GetCollectionByID(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, "docs", got.Name)

	got, err = s.GetCollectionByName(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, col.ID, got.ID)

	_, err = s.CreateCollection(ctx, "docs", "")
	require.Error(t, err)
	assert.Equal(t, ragerr.CodeConflict, ragerr.GetCode(err))

	_, err = s.GetCollectionByName(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, ragerr.CodeNotFound, ragerr.GetCode(err))

	require.NoError(t, s.DeleteCollection(ctx, col.ID))
	_, err = s.GetCollectionByID(ctx, col.ID)
	require.Error(t, err)

	// Deleting again is a no-op.
	require.NoError(t, s.DeleteCollection(ctx, col.ID))
}

func TestListCollections_Pagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.CreateCollection(ctx, fmt.Sprintf("col-%d", i), "")
		require.NoError(t, err)
	}

	page, err := s.ListCollections(ctx, 1, 2, "name", "asc")
	require.NoError(t, err)
	assert.Len(t, page.Data, 2)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 3, page.TotalPages)
	assert.True(t, page.HasNext)
	assert.False(t, page.HasPrev)
	assert.Equal(t, "col-0", page.Data[0].Name)

	page, err = s.ListCollections(ctx, 3, 2, "name", "asc")
	require.NoError(t, err)
	assert.Len(t, page.Data, 1)
	assert.False(t, page.HasNext)
	assert.True(t, page.HasPrev)

	_, err = s.ListCollections(ctx, 0, 10, "name", "asc")
	require.Error(t, err)
	_, err = s.ListCollections(ctx, 1, MaxPageLimit+1, "name", "asc")
	require.Error(t, err)
}

func TestDocs_IdempotentCreateAndKeyConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	col, err := s.CreateCollection(ctx, "docs", "")
	require.NoError(t, err)

	doc := testDoc(col.ID, "guide.md", []byte("hello"))
	require.NoError(t, s.CreateDoc(ctx, doc))

	// Same docID again: no-op, no error.
	require.NoError(t, s.CreateDoc(ctx, doc))

	// Different content under the same live key: conflict.
	other := testDoc(col.ID, "guide.md", []byte("different"))
	err = s.CreateDoc(ctx, other)
	require.Error(t, err)
	assert.Equal(t, ragerr.CodeConflict, ragerr.GetCode(err))

	// Soft-deleting the first frees the key.
	require.NoError(t, s.SoftDeleteDoc(ctx, doc.DocID))
	require.NoError(t, s.CreateDoc(ctx, other))

	found, err := s.FindDocByKey(ctx, col.ID, "guide.md")
	require.NoError(t, err)
	assert.Equal(t, other.DocID, found.DocID)

	deleted, err := s.ListDeletedDocs(ctx)
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, doc.DocID, deleted[0].DocID)

	require.NoError(t, s.HardDeleteDoc(ctx, doc.DocID))
	deleted, err = s.ListDeletedDocs(ctx)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestUpdateDocStatus_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateDocStatus(context.Background(), "nope", DocStatusCompleted)
	require.Error(t, err)
	assert.Equal(t, ragerr.CodeNotFound, ragerr.GetCode(err))
}

func seedDocWithChunks(t *testing.T, s *SQLiteStore, colID, key string, texts []string) *Document {
	t.Helper()
	ctx := context.Background()
	doc := testDoc(colID, key, []byte(key))
	require.NoError(t, s.CreateDoc(ctx, doc))

	chunks := make([]*Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = &Chunk{
			PointID:      fmt.Sprintf("%s#%d", doc.DocID, i),
			DocID:        doc.DocID,
			CollectionID: colID,
			ChunkIndex:   i,
			Title:        key,
			TitleChain:   []string{key},
			Content:      text,
			ContentHash:  fmt.Sprintf("%064x", text),
			Status:       ChunkStatusNew,
		}
	}
	require.NoError(t, s.AddChunks(ctx, doc.DocID, chunks))
	return doc
}

func TestChunks_AddGetAndResplitIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	col, err := s.CreateCollection(ctx, "docs", "")
	require.NoError(t, err)

	doc := seedDocWithChunks(t, s, col.ID, "a.md", []string{"alpha text", "beta text"})

	ids, err := s.ListPointIDsByCollection(ctx, col.ID)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	// Re-adding the same chunks (re-split after restart) must not
	// duplicate rows or FTS entries.
	page, _ := s.GetChunksByDocIDPaginated(ctx, doc.DocID, 1, 10)
	require.NoError(t, s.AddChunks(ctx, doc.DocID, page.Data))
	ids, err = s.ListPointIDsByCollection(ctx, col.ID)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	hits, err := s.FTSSearch(ctx, "alpha", col.ID, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, doc.DocID+"#0", hits[0].PointID)

	// Lookup preserves caller order and drops unknown ids.
	got, err := s.GetChunksByPointIDs(ctx, []string{doc.DocID + "#1", "ghost#0", doc.DocID + "#0"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].ChunkIndex)
	assert.Equal(t, 0, got[1].ChunkIndex)
	assert.Equal(t, []string{"a.md"}, got[0].TitleChain)
}

func TestChunks_DeleteCascadesFTS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	col, err := s.CreateCollection(ctx, "docs", "")
	require.NoError(t, err)

	doc := seedDocWithChunks(t, s, col.ID, "a.md", []string{"alpha", "beta"})
	seedDocWithChunks(t, s, col.ID, "b.md", []string{"gamma"})

	require.NoError(t, s.DeleteChunksByDocID(ctx, doc.DocID))
	hits, err := s.FTSSearch(ctx, "alpha", col.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	ids, err := s.ListPointIDsByCollection(ctx, col.ID)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	require.NoError(t, s.DeleteChunksByPointIDs(ctx, ids))
	hits, err = s.FTSSearch(ctx, "gamma", col.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMarkChunksSynced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	col, err := s.CreateCollection(ctx, "docs", "")
	require.NoError(t, err)

	doc := seedDocWithChunks(t, s, col.ID, "a.md", []string{"alpha", "beta"})
	require.NoError(t, s.MarkChunksSynced(ctx, doc.DocID))

	page, err := s.GetChunksByDocIDPaginated(ctx, doc.DocID, 1, 10)
	require.NoError(t, err)
	for _, c := range page.Data {
		assert.Equal(t, ChunkStatusSynced, c.Status)
	}
}

func TestFTSSearch_ScopingAndRanking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	colA, _ := s.CreateCollection(ctx, "a", "")
	colB, _ := s.CreateCollection(ctx, "b", "")

	seedDocWithChunks(t, s, colA.ID, "a.md", []string{"storage engine internals", "query planner"})
	seedDocWithChunks(t, s, colB.ID, "b.md", []string{"storage engine tuning"})

	// Collection scope.
	hits, err := s.FTSSearch(ctx, "storage engine", colA.ID, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	// Global scope.
	hits, err = s.FTSSearch(ctx, "storage engine", "", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	// Best-first ordering: scores are descending.
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}

	// Hostile input never reaches the FTS parser raw.
	_, err = s.FTSSearch(ctx, `"unbalanced ( NEAR *`, "", 10)
	require.NoError(t, err)

	hits, err = s.FTSSearch(ctx, "   ", "", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSyncJobs_UpsertTransitionsAndCompaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &SyncJob{DocID: "doc-1", Status: SyncStateNew}
	require.NoError(t, s.UpsertSyncJob(ctx, job))
	firstID := job.ID
	require.NotEmpty(t, firstID)

	// Upsert for the same doc keeps the original job id.
	again := &SyncJob{DocID: "doc-1", Status: SyncStateSplitOK}
	require.NoError(t, s.UpsertSyncJob(ctx, again))
	assert.Equal(t, firstID, again.ID)

	now := time.Now()
	again.Status = SyncStateSynced
	again.LastAttemptAt = &now
	require.NoError(t, s.UpdateJobWithTransition(ctx, again, &Transition{
		JobID: again.ID,
		From:  SyncStateSplitOK,
		To:    SyncStateSynced,
		Event: "INDEX_OK",
	}))

	got, err := s.GetSyncJob(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, SyncStateSynced, got.Status)
	require.NotNil(t, got.LastAttemptAt)

	trs, err := s.ListTransitions(ctx, again.ID)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, "INDEX_OK", trs[0].Event)

	synced, err := s.ListSyncJobsByStatus(ctx, SyncStateSynced)
	require.NoError(t, err)
	assert.Len(t, synced, 1)

	// Compaction drops old terminal transition logs but keeps the job.
	n, err := s.CompactTerminalJobs(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	trs, err = s.ListTransitions(ctx, again.ID)
	require.NoError(t, err)
	assert.Empty(t, trs)
	_, err = s.GetSyncJob(ctx, "doc-1")
	require.NoError(t, err)
}

func TestEngineState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.GetState(ctx, StateKeyVectorDimension)
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetState(ctx, StateKeyVectorDimension, "768"))
	require.NoError(t, s.SetState(ctx, StateKeyVectorDimension, "768"))

	v, err = s.GetState(ctx, StateKeyVectorDimension)
	require.NoError(t, err)
	assert.Equal(t, "768", v)
}

func TestStore_ClosedRejectsOps(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())
	_, err := s.GetDoc(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, ragerr.CodeStoreQuery, ragerr.GetCode(err))
}

func TestCreateDoc_SecondCollectionConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	home, err := s.CreateCollection(ctx, "home", "")
	require.NoError(t, err)
	other, err := s.CreateCollection(ctx, "other", "")
	require.NoError(t, err)

	doc := testDoc(home.ID, "guide.md", []byte("shared bytes"))
	require.NoError(t, s.CreateDoc(ctx, doc))

	// Content-addressed docs have a single home: the same bytes cannot
	// silently join a second collection.
	elsewhere := testDoc(other.ID, "guide.md", []byte("shared bytes"))
	err = s.CreateDoc(ctx, elsewhere)
	require.Error(t, err)
	assert.Equal(t, ragerr.CodeConflict, ragerr.GetCode(err))

	// The original row is untouched.
	got, err := s.GetDoc(ctx, doc.DocID)
	require.NoError(t, err)
	assert.Equal(t, home.ID, got.CollectionID)
}
