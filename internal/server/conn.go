package server

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/pimd/pimd/internal/handler"
	"github.com/pimd/pimd/internal/obs"
	"github.com/pimd/pimd/internal/protocol"
	"github.com/pimd/pimd/internal/session"
)

// serveConn runs one session's command loop: frames in, handler
// execution, frames out. The session is single-threaded; notification
// delivery interleaves through the connection's write lock.
func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, nc)
		s.mu.Unlock()
		_ = nc.Close()
	}()

	sess := session.New()
	enc := protocol.NewEncoder(nc)
	conn := handler.NewConn(s.env, sess, enc)
	dec := protocol.NewDecoder(nc, nc, conn.WriteContinuation)

	if s.tel != nil {
		s.tel.ActiveSessions.Add(ctx, 1)
		defer s.tel.ActiveSessions.Add(context.Background(), -1)
	}
	obs.Logf("server: session %d connected from %v\n", sess.ID, nc.RemoteAddr())

	// Greeting.
	if err := conn.Untagged(protocol.List{
		protocol.Atom("OK"), protocol.Atom("pimd"), protocol.Atom("ready"),
	}); err != nil {
		return
	}

	defer conn.Close(context.Background())
	for {
		cmd, err := dec.ReadCommand()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			// A malformed frame aborts the in-flight command with a BAD
			// and terminates the session; transport errors just drop it.
			if errors.Is(err, protocol.ErrProtocol) || errors.Is(err, protocol.ErrLiteralTimeout) {
				_ = conn.Tagged("*", protocol.StatusBAD, err.Error())
			}
			obs.Logf("server: session %d read: %v\n", sess.ID, err)
			return
		}
		if err := handler.Execute(ctx, conn, cmd); err != nil {
			obs.Logf("server: session %d: %v\n", sess.ID, err)
			return
		}
		if cmd.Name == "LOGOUT" {
			return
		}
	}
}
