package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	ragerr "github.com/ragsync/ragsync/internal/errors"
)

// SQLiteStore implements MetadataStore on SQLite with WAL mode.
// A single writer connection avoids lock contention; FTS5 mirrors chunk
// text inside the same transactions that touch the chunks table.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	txns   *TxnManager
	path   string
	closed bool
}

var _ MetadataStore = (*SQLiteStore)(nil)

// Open opens (or creates) the metadata database at path and applies
// pending migrations. An empty path opens an in-memory database for tests.
func Open(path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, ragerr.New(ragerr.CodeStoreInit, fmt.Sprintf("create data directory: %v", err), err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ragerr.New(ragerr.CodeStoreInit, fmt.Sprintf("open database: %v", err), err)
	}

	// Single connection: one writer, and :memory: databases are
	// per-connection so the pool must not grow.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// modernc.org/sqlite ignores DSN params; set pragmas explicitly.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, ragerr.New(ragerr.CodeStoreInit, fmt.Sprintf("set pragma: %v", err), err)
		}
	}

	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, ragerr.New(ragerr.CodeStoreMigration, fmt.Sprintf("apply migrations: %v", err), err)
	}

	st := &SQLiteStore{db: db, path: path}
	st.txns = NewTxnManager(st)
	return st, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// DB exposes the underlying handle for the transaction manager.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ragerr.New(ragerr.CodeStoreQuery, "store is closed", nil)
	}
	return nil
}

// inTx runs fn inside a transaction, committing on success.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ragerr.New(ragerr.CodeStoreTxn, fmt.Sprintf("begin transaction: %v", err), err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return ragerr.New(ragerr.CodeStoreTxn, fmt.Sprintf("commit transaction: %v", err), err)
	}
	return nil
}

// InTransaction runs fn inside one managed transaction with savepoint
// support, committing on nil and rolling back on error. Multi-step
// callers (collection cascade, delete finalization) use this to span
// several store operations atomically.
func (s *SQLiteStore) InTransaction(ctx context.Context, fn func(txn *Txn) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.txns.ExecuteInTransaction(ctx, fn)
}

// --- Collections ---

// CreateCollection inserts a new collection. Duplicate names conflict.
func (s *SQLiteStore) CreateCollection(ctx context.Context, name, description string) (*Collection, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, ragerr.Validation("collection name must not be empty")
	}

	now := time.Now()
	col := &Collection{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (collection_id, name, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		col.ID, col.Name, col.Description, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ragerr.Conflict(fmt.Sprintf("collection %q already exists", name))
		}
		return nil, ragerr.Database("create collection", err)
	}
	return col, nil
}

// GetCollectionByID returns the collection or a NotFound error.
func (s *SQLiteStore) GetCollectionByID(ctx context.Context, collectionID string) (*Collection, error) {
	return s.getCollection(ctx, `collection_id = ?`, collectionID)
}

// GetCollectionByName returns the collection or a NotFound error.
func (s *SQLiteStore) GetCollectionByName(ctx context.Context, name string) (*Collection, error) {
	return s.getCollection(ctx, `name = ?`, name)
}

func (s *SQLiteStore) getCollection(ctx context.Context, where string, arg any) (*Collection, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT collection_id, name, description, created_at, updated_at
		 FROM collections WHERE `+where, arg)

	var col Collection
	var created, updated int64
	err := row.Scan(&col.ID, &col.Name, &col.Description, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ragerr.NotFound("collection", fmt.Sprint(arg))
	}
	if err != nil {
		return nil, ragerr.Database("get collection", err)
	}
	col.CreatedAt = time.UnixMilli(created)
	col.UpdatedAt = time.UnixMilli(updated)
	return &col, nil
}

// collectionSortColumns whitelists sortable columns.
var collectionSortColumns = map[string]string{
	"name":       "name",
	"created_at": "created_at",
	"updated_at": "updated_at",
}

// ListCollections returns one page of collections.
// page >= 1, 1 <= limit <= 500; sort/order fall back to name asc.
func (s *SQLiteStore) ListCollections(ctx context.Context, page, limit int, sort, order string) (*Page[*Collection], error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if page < 1 {
		return nil, ragerr.Validation(fmt.Sprintf("page must be >= 1, got %d", page))
	}
	if limit < MinPageLimit || limit > MaxPageLimit {
		return nil, ragerr.Validation(fmt.Sprintf("limit must be in [%d,%d], got %d", MinPageLimit, MaxPageLimit, limit))
	}

	col, ok := collectionSortColumns[sort]
	if !ok {
		col = "name"
	}
	dir := "ASC"
	if strings.EqualFold(order, "desc") {
		dir = "DESC"
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collections`).Scan(&total); err != nil {
		return nil, ragerr.Database("count collections", err)
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT collection_id, name, description, created_at, updated_at
			 FROM collections ORDER BY %s %s LIMIT ? OFFSET ?`, col, dir),
		limit, (page-1)*limit)
	if err != nil {
		return nil, ragerr.Database("list collections", err)
	}
	defer rows.Close()

	var data []*Collection
	for rows.Next() {
		var c Collection
		var created, updated int64
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &created, &updated); err != nil {
			return nil, ragerr.Database("scan collection", err)
		}
		c.CreatedAt = time.UnixMilli(created)
		c.UpdatedAt = time.UnixMilli(updated)
		data = append(data, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, ragerr.Database("list collections", err)
	}
	return NewPage(data, page, limit, total), nil
}

// ListAllCollections returns every collection (used by GC).
func (s *SQLiteStore) ListAllCollections(ctx context.Context) ([]*Collection, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT collection_id, name, description, created_at, updated_at FROM collections ORDER BY name`)
	if err != nil {
		return nil, ragerr.Database("list all collections", err)
	}
	defer rows.Close()

	var out []*Collection
	for rows.Next() {
		var c Collection
		var created, updated int64
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &created, &updated); err != nil {
			return nil, ragerr.Database("scan collection", err)
		}
		c.CreatedAt = time.UnixMilli(created)
		c.UpdatedAt = time.UnixMilli(updated)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DeleteCollection removes the collection and cascades to its docs,
// chunks, and FTS mirror rows in one transaction. Idempotent.
func (s *SQLiteStore) DeleteCollection(ctx context.Context, collectionID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return deleteCollectionIn(ctx, tx, collectionID)
	})
}

// DeleteCollectionTx is DeleteCollection inside a caller-managed
// transaction, recording the cascade on the audit trail.
func (s *SQLiteStore) DeleteCollectionTx(ctx context.Context, txn *Txn, collectionID string) error {
	if err := deleteCollectionIn(ctx, txn.Tx(), collectionID); err != nil {
		return err
	}
	txn.Record(Operation{Type: OpDelete, Target: "collections", TargetID: collectionID})
	return nil
}

func deleteCollectionIn(ctx context.Context, tx *sql.Tx, collectionID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks_fts WHERE collection_id = ?`, collectionID); err != nil {
		return ragerr.Database("delete fts rows", err)
	}
	// chunks and docs fall to the FK cascade from collections.
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE collection_id = ?`, collectionID); err != nil {
		return ragerr.Database("delete chunks", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM docs WHERE collection_id = ?`, collectionID); err != nil {
		return ragerr.Database("delete docs", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE collection_id = ?`, collectionID); err != nil {
		return ragerr.Database("delete collection", err)
	}
	return nil
}

// --- Documents ---

// CreateDoc inserts a document row. DocIDs are content-addressed, so a
// doc has a single home: re-inserting the same docID into the same
// collection is an idempotent no-op, while inserting it into a
// different collection is a conflict. A different doc occupying the
// same (collection, key) is also a conflict.
func (s *SQLiteStore) CreateDoc(ctx context.Context, doc *Document) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO docs (doc_id, collection_id, key, name, mime, size_bytes, content, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(doc_id) DO NOTHING`,
		doc.DocID, doc.CollectionID, doc.Key, doc.Name, doc.MIME, doc.SizeBytes,
		doc.Content, string(doc.Status), doc.CreatedAt.UnixMilli(), doc.UpdatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return ragerr.Conflict(fmt.Sprintf("key %q already used in collection", doc.Key))
		}
		return ragerr.Database("create doc", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var home string
		if err := s.db.QueryRowContext(ctx,
			`SELECT collection_id FROM docs WHERE doc_id = ?`, doc.DocID).Scan(&home); err != nil {
			return ragerr.Database("create doc", err)
		}
		if home != doc.CollectionID {
			return ragerr.Conflict(fmt.Sprintf(
				"doc %s already belongs to collection %s; delete it there before ingesting the same content elsewhere",
				doc.DocID, home))
		}
	}
	return nil
}

// GetDoc returns the document or a NotFound error.
func (s *SQLiteStore) GetDoc(ctx context.Context, docID string) (*Document, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT doc_id, collection_id, key, name, mime, size_bytes, content, status, created_at, updated_at
		 FROM docs WHERE doc_id = ?`, docID)
	return scanDoc(row)
}

// FindDocByKey returns the non-deleted document with the given key, or a
// NotFound error.
func (s *SQLiteStore) FindDocByKey(ctx context.Context, collectionID, key string) (*Document, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT doc_id, collection_id, key, name, mime, size_bytes, content, status, created_at, updated_at
		 FROM docs WHERE collection_id = ? AND key = ? AND status != ?`,
		collectionID, key, string(DocStatusDeleted))
	return scanDoc(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDoc(row rowScanner) (*Document, error) {
	var d Document
	var status string
	var created, updated int64
	err := row.Scan(&d.DocID, &d.CollectionID, &d.Key, &d.Name, &d.MIME,
		&d.SizeBytes, &d.Content, &status, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ragerr.NotFound("document", "")
	}
	if err != nil {
		return nil, ragerr.Database("get doc", err)
	}
	d.Status = DocStatus(status)
	d.CreatedAt = time.UnixMilli(created)
	d.UpdatedAt = time.UnixMilli(updated)
	return &d, nil
}

// UpdateDocStatus sets the document status.
func (s *SQLiteStore) UpdateDocStatus(ctx context.Context, docID string, status DocStatus) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE docs SET status = ?, updated_at = ? WHERE doc_id = ?`,
		string(status), time.Now().UnixMilli(), docID)
	if err != nil {
		return ragerr.Database("update doc status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ragerr.NotFound("document", docID)
	}
	return nil
}

// SoftDeleteDoc marks the document deleted; GC finalizes later.
func (s *SQLiteStore) SoftDeleteDoc(ctx context.Context, docID string) error {
	return s.UpdateDocStatus(ctx, docID, DocStatusDeleted)
}

// HardDeleteDoc removes the row entirely.
func (s *SQLiteStore) HardDeleteDoc(ctx context.Context, docID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM docs WHERE doc_id = ?`, docID); err != nil {
		return ragerr.Database("hard delete doc", err)
	}
	return nil
}

// PurgeDoc removes a document's chunks, FTS rows, sync job, transition
// log, and the doc row itself in one transaction. The vector side must
// already be clean; GC calls this as the last step of delete
// finalization.
func (s *SQLiteStore) PurgeDoc(ctx context.Context, docID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return purgeDocIn(ctx, tx, docID)
	})
}

// PurgeDocTx is PurgeDoc inside a caller-managed transaction. GC runs
// one transaction per round with a savepoint per doc, so a single
// failed purge rolls back alone without losing the rest of the batch.
func (s *SQLiteStore) PurgeDocTx(ctx context.Context, txn *Txn, docID string) error {
	if err := purgeDocIn(ctx, txn.Tx(), docID); err != nil {
		return err
	}
	txn.Record(Operation{Type: OpDelete, Target: "docs", TargetID: docID})
	return nil
}

func purgeDocIn(ctx context.Context, tx *sql.Tx, docID string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks_fts WHERE point_id IN (SELECT point_id FROM chunks WHERE doc_id = ?)`, docID); err != nil {
		return ragerr.Database("purge fts rows", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE doc_id = ?`, docID); err != nil {
		return ragerr.Database("purge chunks", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sync_transitions WHERE job_id IN (SELECT sync_job_id FROM sync_jobs WHERE doc_id = ?)`, docID); err != nil {
		return ragerr.Database("purge transitions", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_jobs WHERE doc_id = ?`, docID); err != nil {
		return ragerr.Database("purge sync job", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM docs WHERE doc_id = ?`, docID); err != nil {
		return ragerr.Database("purge doc", err)
	}
	return nil
}

// ListDeletedDocs returns all soft-deleted documents.
func (s *SQLiteStore) ListDeletedDocs(ctx context.Context) ([]*Document, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_id, collection_id, key, name, mime, size_bytes, content, status, created_at, updated_at
		 FROM docs WHERE status = ? ORDER BY updated_at`, string(DocStatusDeleted))
	if err != nil {
		return nil, ragerr.Database("list deleted docs", err)
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		d, err := scanDoc(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// isUniqueViolation detects SQLite unique/constraint failures across
// driver error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
