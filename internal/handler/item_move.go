package handler

import (
	"context"

	"github.com/pimd/pimd/internal/protocol"
	"github.com/pimd/pimd/internal/scope"
	"github.com/pimd/pimd/internal/store"
	"github.com/pimd/pimd/internal/types"
)

// moveItems implements MOVE (MoveItems): re-parent every item in scope
// into the destination collection. Never merges; one Move notification
// per source collection carries that source and the destination parent.
//
// Shape: [UID|RID|GID] MOVE <scope> <dest-collection> [(context-params)]
func moveItems(ctx context.Context, e *exec, args protocol.List) error {
	scopeTok, err := firstArg(args, "item scope")
	if err != nil {
		return err
	}
	if len(args) < 2 {
		return badf("MOVE requires a destination collection")
	}
	p, err := optionalParams(args, 2)
	if err != nil {
		return err
	}
	ids, err := e.resolveItems(ctx, scopeTok, p)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return failf("No items found")
	}
	destID, err := e.resolveCollection(ctx, args[1])
	if err != nil {
		return err
	}
	dest, err := e.tx.CollectionByID(ctx, destID)
	if err != nil {
		if store.IsNotFound(err) {
			return failf("Invalid parent collection")
		}
		return err
	}
	if dest.Virtual {
		return failf("Cannot move items into virtual collection")
	}

	items, err := e.tx.ItemsByIDs(ctx, ids)
	if err != nil {
		return err
	}
	seen := make([]bool, len(items))
	for i, item := range items {
		if !mimeTypeAllowed(dest, item.MimeType) {
			return failf("Collection %d does not accept mimetype %q", dest.ID, item.MimeType)
		}
		if seen[i], err = e.tx.HasFlag(ctx, item.ID, types.FlagSeen); err != nil {
			return err
		}
	}

	if err := e.tx.MoveItems(ctx, ids, destID); err != nil {
		return err
	}

	destResource := e.resourceNameOf(ctx, destID)
	// One Move per source collection, each carrying its own source
	// parent; the common case is a single source.
	bySrc := make(map[int64][]int)
	for i, item := range items {
		bySrc[item.CollectionID] = append(bySrc[item.CollectionID], i)
	}
	env := e.env()
	for srcID, idxs := range bySrc {
		group := make([]types.Item, 0, len(idxs))
		groupSeen := make([]bool, 0, len(idxs))
		for _, i := range idxs {
			moved := items[i]
			moved.CollectionID = destID
			group = append(group, moved)
			groupSeen = append(groupSeen, seen[i])
		}
		srcResource := e.resourceNameOf(ctx, srcID)
		e.collector.ItemsMoved(group, srcID, destID, srcResource, destResource)

		src := srcID
		g := group
		gs := groupSeen
		e.tx.OnCommit(func() { env.Stats.ItemsMoved(src, destID, g, gs) })
	}
	return nil
}

// linkItems implements LINK: link items into a virtual collection.
// Non-existent source items are silently skipped; one Link notification
// carries the actually-linked ids.
func linkItems(ctx context.Context, e *exec, args protocol.List) error {
	return linkUnlink(ctx, e, args, true)
}

// unlinkItems implements UNLINK, symmetric to LINK.
func unlinkItems(ctx context.Context, e *exec, args protocol.List) error {
	return linkUnlink(ctx, e, args, false)
}

// linkUnlink is the shared LINK/UNLINK path. Shape:
//
//	[UID|GID] LINK <virtual-collection> <scope>
//
// HRID scope is rejected: link targets are virtual collections, which a
// resource-rooted chain cannot name.
func linkUnlink(ctx context.Context, e *exec, args protocol.List, link bool) error {
	if e.scopeKind == scope.HierarchicalRid {
		return scope.ErrHridUnsupportedForLinkUnlink
	}
	if len(args) < 2 {
		return badf("LINK requires a collection and an item scope")
	}
	colID, err := e.resolveCollection(ctx, args[0])
	if err != nil {
		return err
	}
	col, err := e.tx.CollectionByID(ctx, colID)
	if err != nil {
		if store.IsNotFound(err) {
			return failf("Invalid parent collection")
		}
		return err
	}
	if !col.Virtual {
		return failf("Can't link items to non-virtual collections")
	}
	p, err := optionalParams(args, 2)
	if err != nil {
		return err
	}
	ids, err := e.resolveItems(ctx, args[1], p)
	if err != nil {
		return err
	}

	var affected []int64
	if link {
		affected, err = e.tx.LinkItems(ctx, colID, ids)
	} else {
		affected, err = e.tx.UnlinkItems(ctx, colID, ids)
	}
	if err != nil {
		return err
	}
	if len(affected) == 0 {
		return nil
	}
	items, err := e.tx.ItemsByIDs(ctx, affected)
	if err != nil {
		return err
	}
	if link {
		e.collector.ItemsLinked(items, colID)
	} else {
		e.collector.ItemsUnlinked(items, colID)
	}
	return e.untagged(protocol.List{
		protocol.Atom("LINKED"), protocol.Int(int64(len(items))),
	})
}
