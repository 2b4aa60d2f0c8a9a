package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	ragerr "github.com/ragsync/ragsync/internal/errors"
)

// UpsertSyncJob inserts the job or, when a job for the doc already
// exists, updates it in place. One job per docID.
func (s *SQLiteStore) UpsertSyncJob(ctx context.Context, job *SyncJob) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	now := time.Now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_jobs (sync_job_id, doc_id, status, retries, last_attempt_at, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(doc_id) DO UPDATE SET
			status = excluded.status,
			retries = excluded.retries,
			last_attempt_at = excluded.last_attempt_at,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		job.ID, job.DocID, string(job.Status), job.Retries,
		nullableMilli(job.LastAttemptAt), job.LastError,
		job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli())
	if err != nil {
		return ragerr.Database("upsert sync job", err)
	}

	// The insert may have hit the conflict path; read back the surviving
	// job id so the caller logs transitions against the right row.
	var keptID string
	if err := s.db.QueryRowContext(ctx,
		`SELECT sync_job_id FROM sync_jobs WHERE doc_id = ?`, job.DocID).Scan(&keptID); err == nil {
		job.ID = keptID
	}
	return nil
}

// GetSyncJob returns the job for the doc or a NotFound error.
func (s *SQLiteStore) GetSyncJob(ctx context.Context, docID string) (*SyncJob, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT sync_job_id, doc_id, status, retries, last_attempt_at, last_error, created_at, updated_at
		 FROM sync_jobs WHERE doc_id = ?`, docID)
	return scanJob(row)
}

func scanJob(row rowScanner) (*SyncJob, error) {
	var j SyncJob
	var status string
	var lastAttempt sql.NullInt64
	var created, updated int64
	err := row.Scan(&j.ID, &j.DocID, &status, &j.Retries, &lastAttempt, &j.LastError, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ragerr.NotFound("sync job", "")
	}
	if err != nil {
		return nil, ragerr.Database("get sync job", err)
	}
	j.Status = SyncState(status)
	if lastAttempt.Valid {
		t := time.UnixMilli(lastAttempt.Int64)
		j.LastAttemptAt = &t
	}
	j.CreatedAt = time.UnixMilli(created)
	j.UpdatedAt = time.UnixMilli(updated)
	return &j, nil
}

// UpdateJobWithTransition writes the job row and appends the transition
// log entry in one transaction, so the audit log can never disagree with
// the job state after a crash.
func (s *SQLiteStore) UpdateJobWithTransition(ctx context.Context, job *SyncJob, t *Transition) error {
	job.UpdatedAt = time.Now()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sync_jobs SET status = ?, retries = ?, last_attempt_at = ?, last_error = ?, updated_at = ?
			 WHERE sync_job_id = ?`,
			string(job.Status), job.Retries, nullableMilli(job.LastAttemptAt),
			job.LastError, job.UpdatedAt.UnixMilli(), job.ID)
		if err != nil {
			return ragerr.Database("update sync job", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ragerr.NotFound("sync job", job.ID)
		}
		if t != nil {
			if t.At.IsZero() {
				t.At = job.UpdatedAt
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO sync_transitions (job_id, from_state, to_state, event, at, context)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				t.JobID, string(t.From), string(t.To), t.Event, t.At.UnixMilli(), t.Context); err != nil {
				return ragerr.Database("append transition", err)
			}
		}
		return nil
	})
}

// ListSyncJobsByStatus returns all jobs in the given state, oldest first.
// The boot scan uses this to re-arm interrupted work.
func (s *SQLiteStore) ListSyncJobsByStatus(ctx context.Context, status SyncState) ([]*SyncJob, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT sync_job_id, doc_id, status, retries, last_attempt_at, last_error, created_at, updated_at
		 FROM sync_jobs WHERE status = ? ORDER BY updated_at`, string(status))
	if err != nil {
		return nil, ragerr.Database("list sync jobs", err)
	}
	defer rows.Close()

	var out []*SyncJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListTransitions returns a job's transition log in order.
func (s *SQLiteStore) ListTransitions(ctx context.Context, jobID string) ([]*Transition, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, from_state, to_state, event, at, context
		 FROM sync_transitions WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, ragerr.Database("list transitions", err)
	}
	defer rows.Close()

	var out []*Transition
	for rows.Next() {
		var t Transition
		var from, to string
		var at int64
		if err := rows.Scan(&t.JobID, &from, &to, &t.Event, &at, &t.Context); err != nil {
			return nil, ragerr.Database("scan transition", err)
		}
		t.From = SyncState(from)
		t.To = SyncState(to)
		t.At = time.UnixMilli(at)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// CompactTerminalJobs drops the transition logs of jobs that reached a
// terminal state before the cutoff. The job rows stay for status queries.
// Returns the number of jobs compacted.
func (s *SQLiteStore) CompactTerminalJobs(ctx context.Context, olderThan time.Time) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var compacted int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT sync_job_id FROM sync_jobs
			 WHERE status IN (?, ?) AND updated_at < ?`,
			string(SyncStateSynced), string(SyncStateDead), olderThan.UnixMilli())
		if err != nil {
			return ragerr.Database("find terminal jobs", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return ragerr.Database("scan job id", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return ragerr.Database("find terminal jobs", err)
		}

		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `DELETE FROM sync_transitions WHERE job_id = ?`, id)
			if err != nil {
				return ragerr.Database("compact transitions", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				compacted++
			}
		}
		return nil
	})
	return compacted, err
}

// GetState reads a runtime state value; "" when absent.
func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM engine_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", ragerr.Database("get state", err)
	}
	return value, nil
}

// SetState writes a runtime state value.
func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO engine_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return ragerr.Database("set state", err)
	}
	return nil
}

func nullableMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
