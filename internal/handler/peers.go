package handler

import (
	"context"

	"github.com/pimd/pimd/internal/protocol"
)

// PeerRegistry is the server-side registry of connected resource agents.
// The retrieval coordinator routes part requests through it; handlers
// only need the registration edge and the completion callback.
type PeerRegistry interface {
	// RegisterResource binds a resource name to its live connection
	// (RESSELECT).
	RegisterResource(name string, c *Conn)
	// UnregisterConn drops every registration for a closing connection.
	UnregisterConn(c *Conn)
	// RetrievalDone completes a pending retrieval request; errMsg is
	// empty on success.
	RetrievalDone(resource string, itemID int64, errMsg string)
}

// retrievalDone implements RETRIEVALDONE, the resource agent's completion
// signal after it stored the requested parts (via normal STORE commands
// on its own session).
//
// Shape: RETRIEVALDONE <item-id> ["error text"]
func retrievalDone(ctx context.Context, e *exec, args protocol.List) error {
	res, ok := e.sess().ResourceContext()
	if !ok {
		return failf("remote-id scope requires resource context")
	}
	tok, err := firstArg(args, "item id")
	if err != nil {
		return err
	}
	p := &params{values: map[string]protocol.Token{"ID": tok}}
	itemID, okID := p.int64("ID")
	if !okID {
		return badf("invalid item id")
	}
	var errMsg string
	if len(args) > 1 {
		errMsg, _ = protocol.StringValue(args[1])
	}
	if e.env().Peers != nil {
		e.env().Peers.RetrievalDone(res.Name, itemID, errMsg)
	}
	return nil
}
