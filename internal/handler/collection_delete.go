package handler

import (
	"context"

	"github.com/pimd/pimd/internal/protocol"
	"github.com/pimd/pimd/internal/store"
)

// deleteCollection implements DELETE (DeleteCollection): removes the
// whole subtree bottom-up, cascading to items. One Remove notification
// per deleted collection, in leaf-to-root order.
func deleteCollection(ctx context.Context, e *exec, args protocol.List) error {
	colTok, err := firstArg(args, "collection")
	if err != nil {
		return err
	}
	colID, err := e.resolveCollection(ctx, colTok)
	if err != nil {
		return err
	}
	subtree, err := e.tx.CollectionSubtree(ctx, colID)
	if err != nil {
		if store.IsNotFound(err) {
			return failf("No such collection")
		}
		return err
	}

	env := e.env()
	// Leaf-first so children disappear before their parents.
	for i := len(subtree) - 1; i >= 0; i-- {
		col := subtree[i]
		resource := e.resourceNameOf(ctx, col.ID)

		itemIDs, err := e.tx.ItemsInCollection(ctx, col.ID)
		if err != nil {
			return err
		}
		if len(itemIDs) > 0 && !col.Virtual {
			if err := e.deleteItems(ctx, itemIDs, false); err != nil {
				return err
			}
		}
		if err := e.tx.DeleteCollection(ctx, col.ID); err != nil {
			return err
		}
		e.collector.CollectionRemoved(col, resource)

		id := col.ID
		e.tx.OnCommit(func() {
			env.Stats.Remove(id)
			if env.Scheduler != nil {
				env.Scheduler.CollectionRemoved(id)
			}
		})
	}
	return nil
}
