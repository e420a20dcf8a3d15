package handler

import (
	"context"

	"github.com/pimd/pimd/internal/notify"
	"github.com/pimd/pimd/internal/protocol"
)

// notifyCommand edits the session's subscriber state: filter categories,
// freeze/thaw, record/replayed. The session is registered as a subscriber
// on first use.
//
// Shapes:
//
//	NOTIFY (COLLECTIONS (4 5) ITEMS (1:3) MIMETYPES (...) RESOURCES (...)
//	        TAGS (...) OPERATIONS (ADD REMOVE) IGNORESESSIONS (7))
//	NOTIFY FREEZE | THAW
//	NOTIFY RECORD (1 2 3) | REPLAYED (1 2 3)
func notifyCommand(ctx context.Context, e *exec, args protocol.List) error {
	c := e.conn
	sub, _ := c.Env.Router.Subscriber(c.Sess.ID)
	if sub == nil {
		sub = c.Env.Router.Subscribe(c.Sess.ID, c.SendNotifications)
	}

	if len(args) == 0 {
		return badf("NOTIFY requires arguments")
	}
	if word, ok := protocol.StringValue(args[0]); ok {
		switch word {
		case "FREEZE":
			sub.Freeze()
			return nil
		case "THAW":
			sub.Thaw()
			return nil
		case "RECORD", "REPLAYED":
			if len(args) < 2 {
				return badf("NOTIFY %s requires an id list", word)
			}
			ids, err := notifyIDList(args[1])
			if err != nil {
				return err
			}
			if word == "RECORD" {
				sub.Record(ids)
			} else {
				sub.Replayed(ids)
			}
			return nil
		}
	}

	p, err := optionalParams(args, 0)
	if err != nil {
		return err
	}
	f := sub.Filter()
	if ids, ok := p.idList("COLLECTIONS"); ok {
		for _, id := range ids {
			f.Collections[id] = true
		}
	}
	if ids, ok := p.idList("ITEMS"); ok {
		for _, id := range ids {
			f.Items[id] = true
		}
	}
	if names, ok := p.strList("MIMETYPES"); ok {
		for _, n := range names {
			f.MimeTypes[n] = true
		}
	}
	if names, ok := p.strList("RESOURCES"); ok {
		for _, n := range names {
			f.Resources[n] = true
		}
	}
	if ids, ok := p.idList("TAGS"); ok {
		for _, id := range ids {
			f.Tags[id] = true
		}
	}
	if ops, ok := p.strList("OPERATIONS"); ok {
		for _, name := range ops {
			op, err := parseOperation(name)
			if err != nil {
				return err
			}
			f.Operations[op] = true
		}
	}
	if ids, ok := p.idList("IGNORESESSIONS"); ok {
		for _, id := range ids {
			f.IgnoredSessions[id] = true
		}
	}
	return nil
}

// idle enters long-poll mode: the session subscribes (echo-suppressed by
// default) and receives pushed notification frames until IDLE DONE.
func idle(ctx context.Context, e *exec, args protocol.List) error {
	c := e.conn
	if len(args) > 0 {
		if word, ok := protocol.StringValue(args[0]); ok && word == "DONE" {
			c.Env.Router.Unsubscribe(c.Sess.ID)
			return nil
		}
	}
	sub := c.Env.Router.Subscribe(c.Sess.ID, c.SendNotifications)
	// Suppress the session's own echo.
	sub.Filter().IgnoredSessions[c.Sess.ID] = true
	return nil
}

func notifyIDList(tok protocol.Token) ([]int64, error) {
	p := &params{values: map[string]protocol.Token{"IDS": tok}}
	ids, ok := p.idList("IDS")
	if !ok {
		return nil, badf("expected an id list")
	}
	return ids, nil
}

func parseOperation(name string) (notify.Operation, error) {
	for op := notify.OpAdd; op <= notify.OpUnsubscribe; op++ {
		if op.String() == name {
			return op, nil
		}
	}
	return 0, badf("unknown operation %q", name)
}
