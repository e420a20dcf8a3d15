package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pimd/pimd/internal/handler"
	"github.com/pimd/pimd/internal/obs"
	"github.com/pimd/pimd/internal/protocol"
	"github.com/pimd/pimd/internal/types"
)

// retrievalTimeout bounds how long a fetch waits for a resource agent to
// deliver requested parts.
const retrievalTimeout = 60 * time.Second

// Registry tracks connected resource agents and pending retrieval
// round-trips. It implements both handler.PeerRegistry (registration and
// completion) and retrieval.ResourceClient (outbound requests).
type Registry struct {
	mu      sync.Mutex
	peers   map[string]*handler.Conn
	pending map[string]chan error
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		peers:   make(map[string]*handler.Conn),
		pending: make(map[string]chan error),
	}
}

// RegisterResource binds a resource name to its connection; a reconnect
// replaces the previous binding.
func (r *Registry) RegisterResource(name string, c *handler.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[name] = c
	obs.Logf("server: resource %q connected (session %d)\n", name, c.Sess.ID)
}

// UnregisterConn drops every binding held by a closing connection.
func (r *Registry) UnregisterConn(c *handler.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, conn := range r.peers {
		if conn == c {
			delete(r.peers, name)
		}
	}
}

// RetrievalDone resolves a pending retrieval request.
func (r *Registry) RetrievalDone(resource string, itemID int64, errMsg string) {
	key := pendingKey(resource, itemID)
	r.mu.Lock()
	ch, ok := r.pending[key]
	delete(r.pending, key)
	r.mu.Unlock()
	if !ok {
		return
	}
	if errMsg != "" {
		ch <- fmt.Errorf("%s", errMsg)
	} else {
		ch <- nil
	}
}

func pendingKey(resource string, itemID int64) string {
	return fmt.Sprintf("%s/%d", resource, itemID)
}

// RetrieveParts implements retrieval.ResourceClient: ask the resource
// agent for the named parts and wait until it has stored them (the agent
// writes parts back through normal STORE commands on its own session,
// then signals RETRIEVALDONE). The returned map is empty because the
// bytes land in the part table directly.
func (r *Registry) RetrieveParts(ctx context.Context, res types.Resource, item types.Item, parts []string) (map[string][]byte, error) {
	r.mu.Lock()
	conn, ok := r.peers[res.Name]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("resource %q is not available", res.Name)
	}
	key := pendingKey(res.Name, item.ID)
	ch, inFlight := r.pending[key]
	if !inFlight {
		ch = make(chan error, 1)
		r.pending[key] = ch
	}
	r.mu.Unlock()

	if !inFlight {
		var partList protocol.List
		for _, p := range parts {
			partList = append(partList, protocol.Atom(p))
		}
		frame := protocol.List{
			protocol.Atom("RETRIEVE"),
			protocol.Atom("UID"), protocol.Int(item.ID),
			protocol.Atom("REMOTEID"), protocol.Str(item.RemoteID),
			protocol.Atom("MIMETYPE"), protocol.Str(item.MimeType),
			protocol.Atom("PARTS"), partList,
		}
		if err := conn.Untagged(frame); err != nil {
			r.mu.Lock()
			delete(r.pending, key)
			r.mu.Unlock()
			return nil, fmt.Errorf("request to resource %q: %w", res.Name, err)
		}
	}

	select {
	case err := <-ch:
		if err != nil {
			// Re-arm the channel for any concurrent waiter on the same key.
			select {
			case ch <- err:
			default:
			}
			return nil, err
		}
		select {
		case ch <- nil:
		default:
		}
		return map[string][]byte{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(retrievalTimeout):
		r.mu.Lock()
		delete(r.pending, key)
		r.mu.Unlock()
		return nil, fmt.Errorf("resource %q did not deliver item %d in time", res.Name, item.ID)
	}
}

// SynchronizeCollection implements retrieval.ResourceClient: a
// fire-and-forget sync nudge to the owning resource.
func (r *Registry) SynchronizeCollection(ctx context.Context, res types.Resource, colID int64) error {
	r.mu.Lock()
	conn, ok := r.peers[res.Name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("resource %q is not available", res.Name)
	}
	return conn.Untagged(protocol.List{
		protocol.Atom("SYNC"), protocol.Int(colID),
	})
}
