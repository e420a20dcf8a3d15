package handler

import (
	"context"

	"github.com/pimd/pimd/internal/protocol"
	"github.com/pimd/pimd/internal/store"
	"github.com/pimd/pimd/internal/types"
)

// copyCollection implements COLCOPY: deep-copy a collection subtree
// under a new parent. Copies get fresh ids and empty remote-ids (the
// destination resource has never seen them); every copied collection
// emits an Add, as does every copied item.
//
// Shape: COLCOPY <source-collection> <dest-parent>
func copyCollection(ctx context.Context, e *exec, args protocol.List) error {
	srcTok, err := firstArg(args, "source collection")
	if err != nil {
		return err
	}
	srcID, err := e.resolveCollection(ctx, srcTok)
	if err != nil {
		return err
	}
	if len(args) < 2 {
		return badf("COLCOPY requires a destination parent")
	}
	destParentID, err := e.resolveCollection(ctx, args[1])
	if err != nil {
		return err
	}
	src, err := e.tx.CollectionByID(ctx, srcID)
	if err != nil {
		if store.IsNotFound(err) {
			return failf("No such collection")
		}
		return err
	}
	destParent, err := e.tx.CollectionByID(ctx, destParentID)
	if err != nil {
		if store.IsNotFound(err) {
			return failf("Invalid parent collection")
		}
		return err
	}
	if src.Virtual {
		return failf("Cannot copy virtual collections")
	}

	newRootID, err := e.copyCollectionTree(ctx, src, destParent.ID, destParent.ResourceID)
	if err != nil {
		return err
	}
	return e.untagged(protocol.List{
		protocol.Int(newRootID), protocol.Atom("COLCOPY"),
	})
}

// copyCollectionTree clones one collection (row, attributes, items with
// parts/flags/tags) and recurses into its children.
func (e *exec) copyCollectionTree(ctx context.Context, src types.Collection, destParentID, destResourceID int64) (int64, error) {
	copied := src
	copied.ID = 0
	copied.ParentID = destParentID
	copied.ResourceID = destResourceID
	copied.RemoteID = ""
	copied.RemoteRevision = ""
	if err := e.tx.CreateCollection(ctx, &copied); err != nil {
		return 0, err
	}
	resource := e.resourceNameOf(ctx, copied.ID)
	e.collector.CollectionAdded(copied, resource)

	env := e.env()
	newID := copied.ID
	e.tx.OnCommit(func() {
		if env.Scheduler != nil {
			env.Scheduler.CollectionAdded(newID)
		}
	})

	itemIDs, err := e.tx.ItemsInCollection(ctx, src.ID)
	if err != nil {
		return 0, err
	}
	items, err := e.tx.ItemsByIDs(ctx, itemIDs)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		if err := e.copyItem(ctx, item, copied, resource); err != nil {
			return 0, err
		}
	}

	children, err := e.tx.ChildCollections(ctx, src.ID)
	if err != nil {
		return 0, err
	}
	for _, child := range children {
		if _, err := e.copyCollectionTree(ctx, child, copied.ID, destResourceID); err != nil {
			return 0, err
		}
	}
	return copied.ID, nil
}

func (e *exec) copyItem(ctx context.Context, src types.Item, dest types.Collection, resource string) error {
	copied := src
	copied.ID = 0
	copied.CollectionID = dest.ID
	copied.RemoteID = ""
	copied.RemoteRevision = ""
	copied.Revision = 0
	if err := e.tx.CreateItem(ctx, &copied); err != nil {
		return err
	}
	parts, err := e.tx.PartsForItem(ctx, src.ID)
	if err != nil {
		return err
	}
	for _, part := range parts {
		part.ItemID = copied.ID
		if err := e.tx.UpsertPart(ctx, part); err != nil {
			return err
		}
	}
	flags, err := e.tx.FlagsForItem(ctx, src.ID)
	if err != nil {
		return err
	}
	if len(flags) > 0 {
		if _, err := e.tx.AddItemFlags(ctx, copied.ID, flags); err != nil {
			return err
		}
	}
	tags, err := e.tx.TagsForItem(ctx, src.ID)
	if err != nil {
		return err
	}
	if len(tags) > 0 {
		if _, err := e.tx.AddItemTags(ctx, copied.ID, tags); err != nil {
			return err
		}
	}
	e.collector.ItemAdded(copied, resource)

	env := e.env()
	colID := dest.ID
	size := copied.Size
	seen := hasString(flags, types.FlagSeen)
	e.tx.OnCommit(func() { env.Stats.ItemAdded(colID, size, seen) })
	return nil
}
