package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Tx is a transaction scope over the shared store. All entity reads and
// writes go through a Tx; the zero-cost way to get one for a read-only
// query is Store.View. Nested transactions (TRANSACTION BEGIN inside an
// open transaction) are savepoints on the same underlying connection.
type Tx struct {
	s    *Store
	tx   *sql.Tx
	done bool

	savepoints int

	onCommit   []func()
	onRollback []func()
}

// Begin opens a root transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	return &Tx{s: s, tx: sqlTx}, nil
}

// RunInTransaction opens a transaction, runs fn, and commits it; any error
// from fn (or a panic) rolls the transaction back. The release-on-all-exit-
// paths guarantee the handlers depend on lives here.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// View runs fn in a read-only style transaction that is always rolled
// back, so accidental writes never become visible.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	return fn(tx)
}

// Savepoint opens a nested transaction scope.
func (t *Tx) Savepoint(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.savepoints++
	_, err := t.tx.ExecContext(ctx, fmt.Sprintf("SAVEPOINT sp_%d", t.savepoints))
	if err != nil {
		t.savepoints--
		return wrapDBError("savepoint", err)
	}
	return nil
}

// ReleaseSavepoint commits the innermost savepoint.
func (t *Tx) ReleaseSavepoint(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	if t.savepoints == 0 {
		return ErrNoTransaction
	}
	_, err := t.tx.ExecContext(ctx, fmt.Sprintf("RELEASE SAVEPOINT sp_%d", t.savepoints))
	t.savepoints--
	return wrapDBError("release savepoint", err)
}

// RollbackSavepoint rolls back and discards the innermost savepoint.
func (t *Tx) RollbackSavepoint(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	if t.savepoints == 0 {
		return ErrNoTransaction
	}
	name := fmt.Sprintf("sp_%d", t.savepoints)
	if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return wrapDBError("rollback savepoint", err)
	}
	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	t.savepoints--
	return wrapDBError("release savepoint", err)
}

// Depth reports the number of open savepoints (0 for a plain root
// transaction).
func (t *Tx) Depth() int { return t.savepoints }

// OnCommit registers fn to run after the root transaction commits
// successfully. The notification collector and the statistics cache hang
// off this hook.
func (t *Tx) OnCommit(fn func()) {
	t.onCommit = append(t.onCommit, fn)
}

// OnRollback registers fn to run if the root transaction rolls back.
func (t *Tx) OnRollback(fn func()) {
	t.onRollback = append(t.onRollback, fn)
}

// Commit commits the root transaction and fires the OnCommit hooks in
// registration order.
func (t *Tx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		for _, fn := range t.onRollback {
			fn()
		}
		return wrapDBError("commit", err)
	}
	for _, fn := range t.onCommit {
		fn()
	}
	return nil
}

// Rollback aborts the root transaction (savepoints included) and fires the
// OnRollback hooks.
func (t *Tx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	err := t.tx.Rollback()
	for _, fn := range t.onRollback {
		fn()
	}
	if err != nil && err != sql.ErrTxDone {
		return wrapDBError("rollback", err)
	}
	return nil
}
