// Package session tracks per-connection protocol state: the
// NotAuthenticated/Authenticated lifecycle, the optional resource context
// used by RID-scoped commands, the session's monotonic tag counter, and
// the command-serialization guarantee (a session
// is single-threaded: one handler runs to completion before the next
// begins).
package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pimd/pimd/internal/types"
)

// State is the session's authentication lifecycle state.
type State int

const (
	NotAuthenticated State = iota
	Authenticated
)

// Session is the server-side handle for one client connection.
type Session struct {
	ID int64

	mu           sync.Mutex
	state        State
	resourceName string // non-empty once RESSELECT has run
	resourceID   int64
	currentCol   int64 // SELECT target; 0 = none
	inTxn        bool

	nextTag atomic.Int64

	// Filter and freeze/replay state live in notify.Router, keyed by
	// Session.ID, to keep the router's subscriber table the single
	// source of truth.
}

var sessionCounter atomic.Int64

// New allocates a session with a globally unique id.
func New() *Session {
	return &Session{ID: sessionCounter.Add(1)}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Authenticate transitions NotAuthenticated -> Authenticated (LOGIN).
func (s *Session) Authenticate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Authenticated
}

// SelectResource sets the session's resource context (RESSELECT),
// required for Rid-scoped commands.
func (s *Session) SelectResource(res types.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resourceName = res.Name
	s.resourceID = res.ID
}

// ResourceContext returns the session's selected resource, and whether one
// has been selected at all.
func (s *Session) ResourceContext() (types.Resource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resourceName == "" {
		return types.Resource{}, false
	}
	return types.Resource{ID: s.resourceID, Name: s.resourceName}, true
}

// SelectCollection records the session's current collection (SELECT),
// used as the default scope context for item commands.
func (s *Session) SelectCollection(colID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentCol = colID
}

// CurrentCollection returns the SELECTed collection id (0 = none).
func (s *Session) CurrentCollection() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentCol
}

// InTransaction reports whether a TRANSACTION BEGIN is currently open on
// this session.
func (s *Session) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTxn
}

func (s *Session) SetInTransaction(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTxn = v
}

// contextKey is an unexported type to avoid context key collisions.
type contextKey int

const sessionKey contextKey = iota

// WithSession attaches s to ctx, for handlers that need to read session
// identity deep in the call stack (e.g. the notification collector
// stamping session-id onto a mutation record).
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// FromContext retrieves the session attached by WithSession.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey).(*Session)
	return s, ok
}
