package handler

import (
	"context"

	"github.com/pimd/pimd/internal/protocol"
	"github.com/pimd/pimd/internal/store"
)

// capabilities is the fixed list advertised on CAPABILITY.
var capabilities = []string{"NOTIFY", "2", "SERVERSEARCH", "AKAPPENDSTREAMING", "DIRECTSTREAMING"}

// login authenticates the session. The session name is informational;
// there is no credential check beyond session identification.
func login(ctx context.Context, e *exec, args protocol.List) error {
	if len(args) == 0 {
		return badf("LOGIN requires a session name")
	}
	if _, ok := protocol.StringValue(args[0]); !ok {
		return badf("invalid session name")
	}
	e.sess().Authenticate()
	return nil
}

// logout sends the untagged BYE; the tagged OK follows from Execute and
// the server closes the connection afterwards.
func logout(ctx context.Context, e *exec, args protocol.List) error {
	return e.untagged(protocol.List{protocol.Atom("BYE"), protocol.Atom("Closing"), protocol.Atom("connection")})
}

// capability advertises the server's capability list.
func capability(ctx context.Context, e *exec, args protocol.List) error {
	out := protocol.List{protocol.Atom("CAPABILITY")}
	for _, c := range capabilities {
		out = append(out, protocol.Atom(c))
	}
	return e.untagged(out)
}

// selectResource (RESSELECT) binds the session to a resource context,
// creating the resource row on first contact from its agent.
func selectResource(ctx context.Context, e *exec, args protocol.List) error {
	tok, err := firstArg(args, "resource name")
	if err != nil {
		return err
	}
	name, ok := protocol.StringValue(tok)
	if !ok || name == "" {
		return badf("invalid resource name")
	}
	res, err := e.tx.EnsureResource(ctx, name)
	if err != nil {
		return err
	}
	e.sess().SelectResource(res)
	if e.env().Peers != nil {
		e.env().Peers.RegisterResource(res.Name, e.conn)
	}
	return nil
}

// selectCollection (SELECT) sets the session's current collection, the
// default scope context for item commands. SELECT 0 clears it.
func selectCollection(ctx context.Context, e *exec, args protocol.List) error {
	tok, err := firstArg(args, "collection")
	if err != nil {
		return err
	}
	colID, err := e.resolveCollection(ctx, tok)
	if err != nil {
		return err
	}
	if colID != 0 {
		if _, err := e.tx.CollectionByID(ctx, colID); err != nil {
			if store.IsNotFound(err) {
				return failf("Cannot select unknown collection %d", colID)
			}
			return err
		}
	}
	e.sess().SelectCollection(colID)
	return nil
}
