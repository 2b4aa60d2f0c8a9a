package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"

	ragerr "github.com/ragsync/ragsync/internal/errors"
)

// OpType labels a recorded operation inside a transaction.
type OpType string

const (
	OpCreate OpType = "CREATE"
	OpUpdate OpType = "UPDATE"
	OpDelete OpType = "DELETE"
)

// Operation is an audit record of one mutation performed inside a
// transaction. RollbackData captures the pre-image for operations whose
// effects reach outside the database (vector-store writes), where SQL
// rollback alone cannot undo them.
type Operation struct {
	Type         OpType
	Target       string // table or external system, e.g. "docs", "vectors"
	TargetID     string
	Data         map[string]any
	RollbackData map[string]any
}

// Txn is one transaction with savepoint-based nesting. Not safe for
// concurrent use; each Txn belongs to one goroutine.
type Txn struct {
	id         string
	tx         *sql.Tx
	mu         sync.Mutex
	ops        []Operation
	savepoints []string
	done       bool
}

// ID returns the transaction id used in logs.
func (t *Txn) ID() string { return t.id }

// Tx exposes the underlying sql.Tx for store operations that need to run
// inside this transaction.
func (t *Txn) Tx() *sql.Tx { return t.tx }

// Record appends an operation to the transaction's audit trail.
func (t *Txn) Record(op Operation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops = append(t.ops, op)
}

// Operations returns the recorded operations in order.
func (t *Txn) Operations() []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Operation, len(t.ops))
	copy(out, t.ops)
	return out
}

// TxnManager begins transactions on the metadata database. Nested scopes
// map to SQLite savepoints.
type TxnManager struct {
	db *sql.DB
}

// NewTxnManager wraps the store's database handle.
func NewTxnManager(s *SQLiteStore) *TxnManager {
	return &TxnManager{db: s.DB()}
}

// Begin starts a top-level transaction.
func (m *TxnManager) Begin(ctx context.Context) (*Txn, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, ragerr.New(ragerr.CodeStoreTxn, fmt.Sprintf("begin transaction: %v", err), err)
	}
	return &Txn{id: uuid.NewString(), tx: tx}, nil
}

// CreateSavepoint opens a named nested scope inside the transaction.
func (t *Txn) CreateSavepoint(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ragerr.New(ragerr.CodeStoreTxn, "transaction already finished", nil)
	}
	if _, err := t.tx.ExecContext(ctx, `SAVEPOINT `+quoteIdent(name)); err != nil {
		return ragerr.New(ragerr.CodeStoreTxn, fmt.Sprintf("create savepoint %s: %v", name, err), err)
	}
	t.savepoints = append(t.savepoints, name)
	return nil
}

// RollbackToSavepoint undoes everything since the named savepoint. The
// savepoint stays open, so the scope can be retried.
func (t *Txn) RollbackToSavepoint(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ragerr.New(ragerr.CodeStoreTxn, "transaction already finished", nil)
	}
	if _, err := t.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT `+quoteIdent(name)); err != nil {
		return ragerr.New(ragerr.CodeStoreTxn, fmt.Sprintf("rollback to savepoint %s: %v", name, err), err)
	}
	return nil
}

// ReleaseSavepoint closes the named savepoint, folding its work into the
// enclosing scope.
func (t *Txn) ReleaseSavepoint(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ragerr.New(ragerr.CodeStoreTxn, "transaction already finished", nil)
	}
	if _, err := t.tx.ExecContext(ctx, `RELEASE SAVEPOINT `+quoteIdent(name)); err != nil {
		return ragerr.New(ragerr.CodeStoreTxn, fmt.Sprintf("release savepoint %s: %v", name, err), err)
	}
	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i] == name {
			t.savepoints = append(t.savepoints[:i], t.savepoints[i+1:]...)
			break
		}
	}
	return nil
}

// Commit commits the transaction.
func (t *Txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ragerr.New(ragerr.CodeStoreTxn, "transaction already finished", nil)
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return ragerr.New(ragerr.CodeStoreTxn, fmt.Sprintf("commit: %v", err), err)
	}
	return nil
}

// Rollback aborts the transaction. Safe to call after Commit; it becomes
// a no-op, so defer tx.Rollback() is the usual pattern.
func (t *Txn) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil {
		return ragerr.New(ragerr.CodeStoreTxn, fmt.Sprintf("rollback: %v", err), err)
	}
	return nil
}

// ExecuteInTransaction runs fn inside a fresh transaction, committing on
// nil and rolling back on error or panic.
func (m *TxnManager) ExecuteInTransaction(ctx context.Context, fn func(txn *Txn) error) error {
	txn, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = txn.Rollback()
			panic(p)
		}
	}()
	if err := fn(txn); err != nil {
		_ = txn.Rollback()
		return err
	}
	return txn.Commit()
}

// InSavepoint runs fn inside a savepoint scope on an open transaction:
// release on nil, rollback-to plus release on error. The error is
// returned either way.
func (t *Txn) InSavepoint(ctx context.Context, name string, fn func() error) error {
	if err := t.CreateSavepoint(ctx, name); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if rbErr := t.RollbackToSavepoint(ctx, name); rbErr != nil {
			return rbErr
		}
		_ = t.ReleaseSavepoint(ctx, name)
		return err
	}
	return t.ReleaseSavepoint(ctx, name)
}

// quoteIdent makes a savepoint name safe to splice into SQL.
func quoteIdent(name string) string {
	safe := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			safe = append(safe, r)
		}
	}
	if len(safe) == 0 {
		safe = []rune("sp")
	}
	return `"` + string(safe) + `"`
}
