// Package handler implements the command handlers: one handler per
// wire command, dispatched through a single Execute function that owns
// the per-command transaction scope and the notification collector.
package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pimd/pimd/internal/config"
	"github.com/pimd/pimd/internal/notify"
	"github.com/pimd/pimd/internal/obs"
	"github.com/pimd/pimd/internal/protocol"
	"github.com/pimd/pimd/internal/retrieval"
	"github.com/pimd/pimd/internal/scheduler"
	"github.com/pimd/pimd/internal/scope"
	"github.com/pimd/pimd/internal/session"
	"github.com/pimd/pimd/internal/stats"
	"github.com/pimd/pimd/internal/store"
	"github.com/pimd/pimd/internal/streamer"
)

// Error is the handler-level failure: the tagged status plus the message
// written to the wire. CloseSession marks protocol errors that terminate
// the session after the response.
type Error struct {
	Status       protocol.Status
	Message      string
	CloseSession bool
}

func (e *Error) Error() string { return e.Message }

// failf builds a validation/scope error (tagged NO, session continues).
func failf(format string, args ...interface{}) *Error {
	return &Error{Status: protocol.StatusNO, Message: fmt.Sprintf(format, args...)}
}

// badf builds a protocol/logic error (tagged BAD).
func badf(format string, args ...interface{}) *Error {
	return &Error{Status: protocol.StatusBAD, Message: fmt.Sprintf(format, args...)}
}

// Env bundles the process-wide services handlers depend on. Scheduler and
// Telemetry may be nil (tests).
type Env struct {
	Store     *store.Store
	Router    *notify.Router
	Stats     *stats.Cache
	Scheduler *scheduler.Scheduler
	Retrieval *retrieval.Coordinator
	Streamer  *streamer.Streamer
	Config    *config.Config
	Telemetry *obs.Telemetry
	Peers     PeerRegistry
}

// Conn is the per-connection handler state. The server creates one per
// accepted socket; it lives as long as the session.
type Conn struct {
	Env  *Env
	Sess *session.Session

	writeMu sync.Mutex
	enc     *protocol.Encoder

	// Explicit transaction state (TRANSACTION BEGIN spans commands).
	txn       *store.Tx
	collector *notify.Collector
	txnDepth  int
}

// NewConn wires a connection handle around an encoder.
func NewConn(env *Env, sess *session.Session, enc *protocol.Encoder) *Conn {
	return &Conn{Env: env, Sess: sess, enc: enc}
}

// Untagged writes one untagged frame, serialised against concurrent
// notification writes.
func (c *Conn) Untagged(args protocol.List) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.WriteUntagged(args)
}

// Tagged writes the command completion frame.
func (c *Conn) Tagged(tag string, status protocol.Status, text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.WriteTagged(tag, status, text)
}

// WriteContinuation writes the literal-ready continuation frame,
// serialised against concurrent notification writes.
func (c *Conn) WriteContinuation(n int64) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.WriteContinuation(n)
}

// SendNotifications writes one committed batch as untagged NOTIFY frames;
// the router's per-session delivery callback lands here.
func (c *Conn) SendNotifications(batch []*notify.Message) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, m := range batch {
		if err := c.enc.WriteUntagged(encodeNotification(m)); err != nil {
			obs.Logf("handler: notify write to session %d: %v\n", c.Sess.ID, err)
			return
		}
	}
}

// Close rolls back any open explicit transaction and detaches the
// session from the router. The server calls this on disconnect.
func (c *Conn) Close(ctx context.Context) {
	if c.txn != nil {
		c.collector.Rollback()
		_ = c.txn.Rollback()
		c.txn = nil
		c.collector = nil
		c.txnDepth = 0
	}
	c.Env.Router.Unsubscribe(c.Sess.ID)
	if c.Env.Peers != nil {
		c.Env.Peers.UnregisterConn(c)
	}
	// Session-scoped collection references die with the session.
	_ = c.Env.Store.RunInTransaction(ctx, func(tx *store.Tx) error {
		_, err := tx.RemoveSessionReferences(ctx, c.Sess.ID)
		return err
	})
}

// exec is the per-command execution context handed to each handler.
type exec struct {
	conn *Conn
	tag  string

	scopeKind scope.Kind
	hasScope  bool

	tx        *store.Tx
	collector *notify.Collector
}

func (e *exec) env() *Env                 { return e.conn.Env }
func (e *exec) sess() *session.Session   { return e.conn.Sess }
func (e *exec) untagged(l protocol.List) error { return e.conn.Untagged(l) }

// handlerFunc implements one command's semantics inside an open
// transaction.
type handlerFunc func(ctx context.Context, e *exec, args protocol.List) error

// handlers maps command names to their implementations. TRANSACTION is
// dispatched specially because it manipulates the transaction scope
// itself, as are the connection-state commands that need no store access.
var handlers = map[string]handlerFunc{
	"CREATE":         createCollection,
	"MODIFY":         modifyCollection,
	"DELETE":         deleteCollection,
	"COLCOPY":        copyCollection,
	"LIST":           listCollections,
	"X-AKAPPEND":     appendItem,
	"FETCH":          fetchItems,
	"STORE":          storeItem,
	"REMOVE":         removeItems,
	"MOVE":           moveItems,
	"LINK":           linkItems,
	"UNLINK":         unlinkItems,
	"EXPUNGE":        expunge,
	"SEARCH":         search,
	"TAGAPPEND":      tagAppend,
	"TAGFETCH":       tagFetch,
	"TAGSTORE":       tagStore,
	"TAGREMOVE":      tagRemove,
	"RELATIONSTORE":  relationStore,
	"RELATIONREMOVE": relationRemove,
	"RELATIONFETCH":  relationFetch,
	"SELECT":         selectCollection,
	"RESSELECT":      selectResource,
}

// statelessHandlers run without a transaction (pure session/router
// state).
var statelessHandlers = map[string]handlerFunc{
	"LOGIN":      login,
	"LOGOUT":     logout,
	"CAPABILITY": capability,
	"NOTIFY":     notifyCommand,
	"IDLE":       idle,
}

func init() {
	handlers["RETRIEVALDONE"] = retrievalDone
}

// requiresAuth reports whether a command is forbidden before LOGIN.
func requiresAuth(name string) bool {
	switch name {
	case "LOGIN", "LOGOUT", "CAPABILITY":
		return false
	}
	return true
}

// Execute runs one client command to completion: scope splitting, auth
// check, transaction scoping, handler dispatch, and the tagged response.
// The returned error is transport-level only; command failures are
// reported on the wire and return nil.
func Execute(ctx context.Context, c *Conn, cmd *protocol.Command) error {
	start := time.Now()
	name, kind, hasScope, args := splitScope(cmd)
	obs.Logf("handler: %s\n", obs.Fields("session", c.Sess.ID, "tag", cmd.Tag, "cmd", name))

	status := protocol.StatusOK
	defer func() {
		if t := c.Env.Telemetry; t != nil {
			attrs := metric.WithAttributes(
				attribute.String("command", name),
				attribute.String("status", string(status)))
			t.CommandCount.Add(ctx, 1, attrs)
			t.CommandLatency.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, attrs)
		}
	}()

	if c.Sess.State() != session.Authenticated && requiresAuth(name) {
		status = protocol.StatusNO
		return c.Tagged(cmd.Tag, protocol.StatusNO, "Login first")
	}

	e := &exec{conn: c, tag: cmd.Tag, scopeKind: kind, hasScope: hasScope}

	var err error
	switch {
	case name == "TRANSACTION":
		err = transactionCommand(ctx, e, args)
	case statelessHandlers[name] != nil:
		err = statelessHandlers[name](ctx, e, args)
	case handlers[name] != nil:
		err = runInScope(ctx, e, handlers[name], args)
	default:
		err = badf("Unknown command %q", name)
	}

	if err == nil {
		return c.Tagged(cmd.Tag, protocol.StatusOK, name+" completed")
	}
	var herr *Error
	if !errors.As(err, &herr) {
		herr = mapError(err)
	}
	status = herr.Status
	if werr := c.Tagged(cmd.Tag, herr.Status, herr.Message); werr != nil {
		return werr
	}
	if herr.CloseSession {
		return fmt.Errorf("session terminated: %s", herr.Message)
	}
	return nil
}

// runInScope gives the handler a transaction: the connection's explicit
// one when TRANSACTION BEGIN is active (shielded by a savepoint so a
// failed command doesn't poison the surrounding transaction), or an
// implicit per-command transaction otherwise.
func runInScope(ctx context.Context, e *exec, h handlerFunc, args protocol.List) error {
	c := e.conn
	if c.txn != nil {
		e.tx = c.txn
		e.collector = c.collector
		if err := e.tx.Savepoint(ctx); err != nil {
			return err
		}
		if err := h(ctx, e, args); err != nil {
			_ = e.tx.RollbackSavepoint(ctx)
			return err
		}
		return e.tx.ReleaseSavepoint(ctx)
	}

	tx, err := c.Env.Store.Begin(ctx)
	if err != nil {
		return err
	}
	e.tx = tx
	e.collector = notify.NewCollector(c.Sess.ID)
	tx.OnCommit(func() {
		e.collector.Commit(c.Env.Router)
		if t := c.Env.Telemetry; t != nil {
			t.NotifyFanout.Add(context.Background(), 1)
		}
	})
	tx.OnRollback(func() { e.collector.Rollback() })
	if err := h(ctx, e, args); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// splitScope peels a UID/RID/HRID/GID prefix off the command.
func splitScope(cmd *protocol.Command) (name string, kind scope.Kind, hasScope bool, args protocol.List) {
	kind = scope.Uid
	name = cmd.Name
	args = cmd.Args
	switch cmd.Name {
	case "UID", "RID", "HRID", "GID":
		switch cmd.Name {
		case "UID":
			kind = scope.Uid
		case "RID":
			kind = scope.Rid
		case "HRID":
			kind = scope.HierarchicalRid
		case "GID":
			kind = scope.Gid
		}
		hasScope = true
		if len(args) > 0 {
			if n, ok := protocol.StringValue(args[0]); ok {
				name = n
				args = args[1:]
				return
			}
		}
		name = ""
	}
	return
}

// mapError classifies non-handler errors per the error-handling design:
// scope and validation errors are tagged NO, protocol errors are BAD and
// fatal, anything else is a storage error (NO, transaction already
// rolled back).
func mapError(err error) *Error {
	switch {
	case errors.Is(err, scope.ErrRequiresResourceContext),
		errors.Is(err, scope.ErrHridUnsupportedForLinkUnlink),
		errors.Is(err, streamer.ErrSizeMismatch),
		errors.Is(err, streamer.ErrBadPartName),
		errors.Is(err, store.ErrNoTransaction):
		return &Error{Status: protocol.StatusNO, Message: err.Error()}
	case errors.Is(err, protocol.ErrPayloadSizeMismatch):
		return &Error{Status: protocol.StatusNO, Message: "Payload size mismatch"}
	case errors.Is(err, protocol.ErrProtocol), errors.Is(err, protocol.ErrLiteralTimeout):
		return &Error{Status: protocol.StatusBAD, Message: err.Error(), CloseSession: true}
	case store.IsNotFound(err):
		return &Error{Status: protocol.StatusNO, Message: err.Error()}
	default:
		return &Error{Status: protocol.StatusNO, Message: err.Error()}
	}
}

// encodeNotification renders one message as an untagged NOTIFY frame.
func encodeNotification(m *notify.Message) protocol.List {
	out := protocol.List{
		protocol.Atom("NOTIFY"),
		protocol.Atom(m.Kind.String()),
		protocol.Atom(m.Op.String()),
	}
	var ids protocol.List
	for _, e := range m.Entities {
		entity := protocol.List{protocol.Int(e.ID)}
		if e.RemoteID != "" {
			entity = append(entity, protocol.Atom("REMOTEID"), protocol.Str(e.RemoteID))
		}
		if e.RemoteRevision != "" {
			entity = append(entity, protocol.Atom("REMOTEREVISION"), protocol.Str(e.RemoteRevision))
		}
		if e.MimeType != "" {
			entity = append(entity, protocol.Atom("MIMETYPE"), protocol.Str(e.MimeType))
		}
		ids = append(ids, entity)
	}
	out = append(out, ids)
	if m.ParentCollection != 0 {
		out = append(out, protocol.Atom("PARENT"), protocol.Int(m.ParentCollection))
	}
	if m.DestCollection != 0 {
		out = append(out, protocol.Atom("DESTPARENT"), protocol.Int(m.DestCollection))
	}
	if m.Resource != "" {
		out = append(out, protocol.Atom("RESOURCE"), protocol.Str(m.Resource))
	}
	if m.DestResource != "" {
		out = append(out, protocol.Atom("DESTRESOURCE"), protocol.Str(m.DestResource))
	}
	if len(m.ChangedParts) > 0 {
		var parts protocol.List
		for _, p := range sortedKeys(m.ChangedParts) {
			parts = append(parts, protocol.Atom(p))
		}
		out = append(out, protocol.Atom("PARTS"), parts)
	}
	if m.SessionID != 0 {
		out = append(out, protocol.Atom("SESSION"), protocol.Int(m.SessionID))
	}
	return out
}
