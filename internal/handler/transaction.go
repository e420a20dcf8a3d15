package handler

import (
	"context"

	"github.com/pimd/pimd/internal/notify"
	"github.com/pimd/pimd/internal/protocol"
)

// transactionCommand implements TRANSACTION BEGIN/COMMIT/ROLLBACK. BEGIN
// inside an active transaction opens a savepoint; COMMIT/ROLLBACK without
// an active transaction fail with the fixed wire message.
func transactionCommand(ctx context.Context, e *exec, args protocol.List) error {
	tok, err := firstArg(args, "transaction subcommand")
	if err != nil {
		return err
	}
	sub, ok := protocol.StringValue(tok)
	if !ok {
		return badf("invalid transaction subcommand")
	}
	c := e.conn
	switch sub {
	case "BEGIN":
		if c.txn != nil {
			c.txnDepth++
			return c.txn.Savepoint(ctx)
		}
		tx, err := c.Env.Store.Begin(ctx)
		if err != nil {
			return err
		}
		c.txn = tx
		c.collector = notify.NewCollector(c.Sess.ID)
		tx.OnCommit(func() { c.collector.Commit(c.Env.Router) })
		tx.OnRollback(func() { c.collector.Rollback() })
		c.Sess.SetInTransaction(true)
		return nil

	case "COMMIT":
		if c.txn == nil {
			return failf("There is no transaction in progress.")
		}
		if c.txnDepth > 0 {
			c.txnDepth--
			return c.txn.ReleaseSavepoint(ctx)
		}
		err := c.txn.Commit()
		c.txn = nil
		c.collector = nil
		c.Sess.SetInTransaction(false)
		return err

	case "ROLLBACK":
		if c.txn == nil {
			return failf("There is no transaction in progress.")
		}
		if c.txnDepth > 0 {
			c.txnDepth--
			return c.txn.RollbackSavepoint(ctx)
		}
		err := c.txn.Rollback()
		c.txn = nil
		c.collector = nil
		c.Sess.SetInTransaction(false)
		return err

	default:
		return badf("Unknown transaction subcommand %q", sub)
	}
}
