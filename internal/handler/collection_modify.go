package handler

import (
	"context"

	"github.com/pimd/pimd/internal/protocol"
	"github.com/pimd/pimd/internal/store"
)

// modifyCollection implements MODIFY (ModifyCollection/MoveCollection):
// any subset of name, parent, mimetypes, cache policy, enabled,
// sync/display/index, remote-id/revision, referenced, and attributes.
//
// Changing enabled additionally emits Subscribe/Unsubscribe after the
// Modify; changing parent is a Move with its own notification identity.
func modifyCollection(ctx context.Context, e *exec, args protocol.List) error {
	colTok, err := firstArg(args, "collection")
	if err != nil {
		return err
	}
	colID, err := e.resolveCollection(ctx, colTok)
	if err != nil {
		return err
	}
	p, err := optionalParams(args, 1)
	if err != nil {
		return err
	}

	col, err := e.tx.CollectionByID(ctx, colID)
	if err != nil {
		if store.IsNotFound(err) {
			return failf("No such collection")
		}
		return err
	}

	changed := make(map[string]bool)
	var subscribe, unsubscribe, moved bool
	srcParent := col.ParentID

	if name, ok := p.str("NAME"); ok && name != col.Name {
		col.Name = name
		changed["NAME"] = true
	}
	if parent, ok := p.int64("PARENT"); ok && parent != col.ParentID {
		if parent != 0 {
			newParent, err := e.tx.CollectionByID(ctx, parent)
			if err != nil {
				if store.IsNotFound(err) {
					return failf("Invalid parent collection")
				}
				return err
			}
			// Re-parenting into another resource re-homes the subtree.
			if newParent.ResourceID != col.ResourceID {
				subtree, err := e.tx.CollectionSubtree(ctx, col.ID)
				if err != nil {
					return err
				}
				for _, desc := range subtree[1:] {
					desc.ResourceID = newParent.ResourceID
					if err := e.tx.UpdateCollection(ctx, desc); err != nil {
						return err
					}
				}
			}
			col.ResourceID = newParent.ResourceID
		}
		col.ParentID = parent
		moved = true
	}
	if mimeTypes, ok := p.strList("MIMETYPE"); ok {
		col.MimeTypes = mimeTypes
		changed["MIMETYPE"] = true
	}
	if rid, ok := p.str("REMOTEID"); ok && rid != col.RemoteID {
		col.RemoteID = rid
		changed["REMOTEID"] = true
	}
	if rrev, ok := p.str("REMOTEREVISION"); ok && rrev != col.RemoteRevision {
		col.RemoteRevision = rrev
		changed["REMOTEREVISION"] = true
	}
	if enabled, ok := p.boolVal("ENABLED"); ok && enabled != col.Enabled {
		col.Enabled = enabled
		changed["ENABLED"] = true
		if enabled {
			subscribe = true
		} else {
			unsubscribe = true
		}
	}
	if tri, ok := triStateParam(p, "SYNC"); ok && tri != col.SyncPref {
		col.SyncPref = tri
		changed["SYNC"] = true
	}
	if tri, ok := triStateParam(p, "DISPLAY"); ok && tri != col.DisplayPref {
		col.DisplayPref = tri
		changed["DISPLAY"] = true
	}
	if tri, ok := triStateParam(p, "INDEX"); ok && tri != col.IndexPref {
		col.IndexPref = tri
		changed["INDEX"] = true
	}
	if p.has("CACHEPOLICY") {
		if err := parseCachePolicy(&col.CachePolicy, p); err != nil {
			return err
		}
		changed["CACHEPOLICY"] = true
	}
	if attrs := p.attrAssignments(); len(attrs) > 0 {
		if col.Attributes == nil {
			col.Attributes = make(map[string][]byte, len(attrs))
		}
		for k, v := range attrs {
			col.Attributes[k] = v
			changed[k] = true
		}
	}

	// REFERENCED is session-scoped: the reference row is keyed by
	// (session, collection) and dies with the session.
	if referenced, ok := p.boolVal("REFERENCED"); ok {
		var refChanged bool
		if referenced {
			refChanged, err = e.tx.AddCollectionReference(ctx, e.sess().ID, colID)
		} else {
			refChanged, err = e.tx.RemoveCollectionReference(ctx, e.sess().ID, colID)
		}
		if err != nil {
			return err
		}
		if refChanged {
			changed["REFERENCED"] = true
		}
	}

	if len(changed) == 0 && !moved {
		return nil
	}

	if err := e.tx.UpdateCollection(ctx, col); err != nil {
		return err
	}

	resource := e.resourceNameOf(ctx, colID)
	if moved {
		srcResource := resource
		if srcParent != 0 {
			srcResource = e.resourceNameOf(ctx, srcParent)
		}
		e.collector.CollectionMoved(col, srcParent, srcResource, resource)
	}
	if len(changed) > 0 {
		e.collector.CollectionModified(col, resource, sortedKeys(changed)...)
	}
	if unsubscribe {
		e.collector.CollectionUnsubscribed(col, resource)
	}
	if subscribe {
		e.collector.CollectionSubscribed(col, resource)
	}

	if changed["CACHEPOLICY"] || changed["ENABLED"] || changed["SYNC"] {
		env := e.env()
		id := colID
		e.tx.OnCommit(func() {
			if env.Scheduler != nil {
				env.Scheduler.CollectionChanged(context.Background(), id)
			}
		})
	}
	return nil
}
