package store

import (
	"database/sql"
	"fmt"
)

// Migration is one ordered schema change. Down statements exist for
// operator tooling; boot only ever applies Up.
type Migration struct {
	ID   int
	Up   string
	Down string
}

// migrations is the ordered schema history. Append only; never edit an
// applied entry.
var migrations = []Migration{
	{
		ID: 1,
		Up: `
		CREATE TABLE collections (
			collection_id TEXT PRIMARY KEY,
			name          TEXT NOT NULL UNIQUE,
			description   TEXT NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		);

		CREATE TABLE docs (
			doc_id        TEXT PRIMARY KEY,
			collection_id TEXT NOT NULL REFERENCES collections(collection_id) ON DELETE CASCADE,
			key           TEXT NOT NULL DEFAULT '',
			name          TEXT NOT NULL DEFAULT '',
			mime          TEXT NOT NULL DEFAULT '',
			size_bytes    INTEGER NOT NULL DEFAULT 0,
			content       BLOB NOT NULL,
			status        TEXT NOT NULL,
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		);

		-- (collection_id, key) unique among non-deleted docs only.
		CREATE UNIQUE INDEX idx_docs_collection_key
			ON docs(collection_id, key)
			WHERE status != 'DELETED' AND key != '';

		CREATE INDEX idx_docs_status ON docs(status);

		CREATE TABLE chunks (
			point_id      TEXT PRIMARY KEY,
			doc_id        TEXT NOT NULL REFERENCES docs(doc_id) ON DELETE CASCADE,
			collection_id TEXT NOT NULL,
			chunk_index   INTEGER NOT NULL,
			title         TEXT NOT NULL DEFAULT '',
			title_chain   TEXT NOT NULL DEFAULT '',
			content       TEXT NOT NULL,
			content_hash  TEXT NOT NULL,
			status        TEXT NOT NULL,
			UNIQUE(doc_id, chunk_index)
		);

		CREATE INDEX idx_chunks_doc ON chunks(doc_id);
		CREATE INDEX idx_chunks_collection ON chunks(collection_id);
		`,
		Down: `
		DROP TABLE chunks;
		DROP TABLE docs;
		DROP TABLE collections;
		`,
	},
	{
		ID: 2,
		Up: `
		-- FTS5 mirror of chunk text, updated in the same transaction as
		-- the chunks table.
		CREATE VIRTUAL TABLE chunks_fts USING fts5(
			point_id UNINDEXED,
			collection_id UNINDEXED,
			title,
			content,
			tokenize='unicode61'
		);
		`,
		Down: `DROP TABLE chunks_fts;`,
	},
	{
		ID: 3,
		Up: `
		CREATE TABLE sync_jobs (
			sync_job_id     TEXT PRIMARY KEY,
			doc_id          TEXT NOT NULL UNIQUE,
			status          TEXT NOT NULL,
			retries         INTEGER NOT NULL DEFAULT 0,
			last_attempt_at INTEGER,
			last_error      TEXT NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		);

		CREATE INDEX idx_sync_jobs_status ON sync_jobs(status);

		CREATE TABLE sync_transitions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id     TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state   TEXT NOT NULL,
			event      TEXT NOT NULL,
			at         INTEGER NOT NULL,
			context    TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX idx_sync_transitions_job ON sync_transitions(job_id, at);
		`,
		Down: `
		DROP TABLE sync_transitions;
		DROP TABLE sync_jobs;
		`,
	},
	{
		ID: 4,
		Up: `
		CREATE TABLE engine_state (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		`,
		Down: `DROP TABLE engine_state;`,
	},
}

// applyMigrations brings the schema up to date, recording applied ids in
// schema_migrations. Each migration runs in its own transaction.
func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		id         INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := db.Query(`SELECT id FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		applied[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.ID] {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.ID, err)
		}
		if _, err := tx.Exec(m.Up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.ID, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (id, applied_at) VALUES (?, strftime('%s','now'))`, m.ID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.ID, err)
		}
	}
	return nil
}
