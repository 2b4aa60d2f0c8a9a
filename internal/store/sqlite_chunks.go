package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	ragerr "github.com/ragsync/ragsync/internal/errors"
)

// AddChunks inserts chunk rows and their FTS mirror entries in one
// transaction. Re-inserting an existing pointID replaces the row and the
// mirror entry, so a re-split after restart is idempotent.
func (s *SQLiteStore) AddChunks(ctx context.Context, docID string, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		insChunk, err := tx.PrepareContext(ctx,
			`INSERT INTO chunks (point_id, doc_id, collection_id, chunk_index, title, title_chain, content, content_hash, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(point_id) DO UPDATE SET
				title = excluded.title,
				title_chain = excluded.title_chain,
				content = excluded.content,
				content_hash = excluded.content_hash,
				status = excluded.status`)
		if err != nil {
			return ragerr.Database("prepare chunk insert", err)
		}
		defer insChunk.Close()

		delFTS, err := tx.PrepareContext(ctx, `DELETE FROM chunks_fts WHERE point_id = ?`)
		if err != nil {
			return ragerr.Database("prepare fts delete", err)
		}
		defer delFTS.Close()

		insFTS, err := tx.PrepareContext(ctx,
			`INSERT INTO chunks_fts (point_id, collection_id, title, content) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return ragerr.Database("prepare fts insert", err)
		}
		defer insFTS.Close()

		for _, c := range chunks {
			if c.DocID != docID {
				return ragerr.Validation(fmt.Sprintf("chunk %s does not belong to doc %s", c.PointID, docID))
			}
			chain := strings.Join(c.TitleChain, TitleChainSep)
			if _, err := insChunk.ExecContext(ctx,
				c.PointID, c.DocID, c.CollectionID, c.ChunkIndex,
				c.Title, chain, c.Content, c.ContentHash, string(c.Status)); err != nil {
				return ragerr.Database("insert chunk", err)
			}
			if _, err := delFTS.ExecContext(ctx, c.PointID); err != nil {
				return ragerr.Database("clear fts row", err)
			}
			if _, err := insFTS.ExecContext(ctx, c.PointID, c.CollectionID, c.Title, c.Content); err != nil {
				return ragerr.Database("insert fts row", err)
			}
		}
		return nil
	})
}

func scanChunk(row rowScanner) (*Chunk, error) {
	var c Chunk
	var chain, status string
	err := row.Scan(&c.PointID, &c.DocID, &c.CollectionID, &c.ChunkIndex,
		&c.Title, &chain, &c.Content, &c.ContentHash, &status)
	if err != nil {
		return nil, err
	}
	if chain != "" {
		c.TitleChain = strings.Split(chain, TitleChainSep)
	}
	c.Status = ChunkStatus(status)
	return &c, nil
}

const chunkColumns = `point_id, doc_id, collection_id, chunk_index, title, title_chain, content, content_hash, status`

// GetChunksByPointIDs returns the chunks that exist for the given ids.
// Missing ids are silently dropped; search enrichment tolerates rows the
// GC has not caught up with yet.
func (s *SQLiteStore) GetChunksByPointIDs(ctx context.Context, pointIDs []string) ([]*Chunk, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if len(pointIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(pointIDs)-1) + "?"
	args := make([]any, len(pointIDs))
	for i, id := range pointIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE point_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, ragerr.Database("get chunks", err)
	}
	defer rows.Close()

	byID := make(map[string]*Chunk, len(pointIDs))
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, ragerr.Database("scan chunk", err)
		}
		byID[c.PointID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, ragerr.Database("get chunks", err)
	}

	// Preserve caller order.
	out := make([]*Chunk, 0, len(byID))
	for _, id := range pointIDs {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// GetChunksByDocIDPaginated returns one page of a document's chunks in
// chunk_index order.
func (s *SQLiteStore) GetChunksByDocIDPaginated(ctx context.Context, docID string, page, limit int) (*Page[*Chunk], error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if page < 1 {
		return nil, ragerr.Validation(fmt.Sprintf("page must be >= 1, got %d", page))
	}
	if limit < MinPageLimit || limit > MaxPageLimit {
		return nil, ragerr.Validation(fmt.Sprintf("limit must be in [%d,%d], got %d", MinPageLimit, MaxPageLimit, limit))
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE doc_id = ?`, docID).Scan(&total); err != nil {
		return nil, ragerr.Database("count chunks", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE doc_id = ?
		 ORDER BY chunk_index LIMIT ? OFFSET ?`,
		docID, limit, (page-1)*limit)
	if err != nil {
		return nil, ragerr.Database("list chunks", err)
	}
	defer rows.Close()

	var data []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, ragerr.Database("scan chunk", err)
		}
		data = append(data, c)
	}
	if err := rows.Err(); err != nil {
		return nil, ragerr.Database("list chunks", err)
	}
	return NewPage(data, page, limit, total), nil
}

// ListPointIDsByCollection returns every chunk pointID in the collection.
// GC uses this as the metadata-side snapshot.
func (s *SQLiteStore) ListPointIDsByCollection(ctx context.Context, collectionID string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT point_id FROM chunks WHERE collection_id = ? ORDER BY point_id`, collectionID)
	if err != nil {
		return nil, ragerr.Database("list point ids", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, ragerr.Database("scan point id", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListSyncedPointIDsByCollection returns the pointIDs of chunks in
// SYNCED status. Only SYNCED chunks promise a matching vector point, so
// GC restricts its metadata-side orphan sweep to this set; chunks of
// in-flight or dead-lettered docs keep their rows.
func (s *SQLiteStore) ListSyncedPointIDsByCollection(ctx context.Context, collectionID string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT point_id FROM chunks WHERE collection_id = ? AND status = ? ORDER BY point_id`,
		collectionID, string(ChunkStatusSynced))
	if err != nil {
		return nil, ragerr.Database("list synced point ids", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, ragerr.Database("scan point id", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MarkChunksSynced flips all of a document's chunks to SYNCED.
func (s *SQLiteStore) MarkChunksSynced(ctx context.Context, docID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET status = ? WHERE doc_id = ?`,
		string(ChunkStatusSynced), docID); err != nil {
		return ragerr.Database("mark chunks synced", err)
	}
	return nil
}

// FinalizeDoc marks the doc COMPLETED and its chunks SYNCED in one
// transaction, so a crash can never leave a completed doc with
// half-synced chunks.
func (s *SQLiteStore) FinalizeDoc(ctx context.Context, docID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE docs SET status = ?, updated_at = ? WHERE doc_id = ?`,
			string(DocStatusCompleted), time.Now().UnixMilli(), docID)
		if err != nil {
			return ragerr.Database("finalize doc", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ragerr.NotFound("document", docID)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE chunks SET status = ? WHERE doc_id = ?`,
			string(ChunkStatusSynced), docID); err != nil {
			return ragerr.Database("finalize chunks", err)
		}
		return nil
	})
}

// DeleteChunksByDocID removes a document's chunks and FTS rows in one
// transaction.
func (s *SQLiteStore) DeleteChunksByDocID(ctx context.Context, docID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chunks_fts WHERE point_id IN (SELECT point_id FROM chunks WHERE doc_id = ?)`, docID); err != nil {
			return ragerr.Database("delete fts rows", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE doc_id = ?`, docID); err != nil {
			return ragerr.Database("delete chunks", err)
		}
		return nil
	})
}

// DeleteChunksByCollectionID removes all chunks and FTS rows for a
// collection.
func (s *SQLiteStore) DeleteChunksByCollectionID(ctx context.Context, collectionID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks_fts WHERE collection_id = ?`, collectionID); err != nil {
			return ragerr.Database("delete fts rows", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE collection_id = ?`, collectionID); err != nil {
			return ragerr.Database("delete chunks", err)
		}
		return nil
	})
}

// DeleteChunksByPointIDs removes specific chunks and their FTS rows.
// GC uses this to clear metadata orphans.
func (s *SQLiteStore) DeleteChunksByPointIDs(ctx context.Context, pointIDs []string) error {
	if len(pointIDs) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		placeholders := strings.Repeat("?,", len(pointIDs)-1) + "?"
		args := make([]any, len(pointIDs))
		for i, id := range pointIDs {
			args[i] = id
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chunks_fts WHERE point_id IN (`+placeholders+`)`, args...); err != nil {
			return ragerr.Database("delete fts rows", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chunks WHERE point_id IN (`+placeholders+`)`, args...); err != nil {
			return ragerr.Database("delete chunks", err)
		}
		return nil
	})
}

// FTSSearch runs a keyword query against the FTS5 mirror. The raw query
// is tokenized and rebuilt as a quoted OR expression, so user input never
// reaches the FTS5 query parser directly. Results come back best-first
// (Score = -bm25, higher is better).
func (s *SQLiteStore) FTSSearch(ctx context.Context, query, collectionID string, limit int) ([]*KeywordResult, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	match := buildMatchExpr(query)
	if match == "" {
		return nil, nil
	}
	if limit < 1 {
		limit = 10
	}

	sqlStr := `SELECT point_id, bm25(chunks_fts) FROM chunks_fts WHERE chunks_fts MATCH ?`
	args := []any{match}
	if collectionID != "" {
		sqlStr += ` AND collection_id = ?`
		args = append(args, collectionID)
	}
	sqlStr += ` ORDER BY bm25(chunks_fts) ASC, point_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, ragerr.Database("fts search", err)
	}
	defer rows.Close()

	var out []*KeywordResult
	for rows.Next() {
		var r KeywordResult
		var rank float64
		if err := rows.Scan(&r.PointID, &rank); err != nil {
			return nil, ragerr.Database("scan fts result", err)
		}
		r.Score = -rank
		out = append(out, &r)
	}
	return out, rows.Err()
}

// buildMatchExpr converts free text into a safe FTS5 match expression:
// each token double-quoted, joined with OR. Returns "" when the query
// has no usable tokens.
func buildMatchExpr(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		f = strings.Trim(f, `'()*:^-`)
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}
