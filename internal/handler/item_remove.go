package handler

import (
	"context"
	"strconv"

	"github.com/pimd/pimd/internal/protocol"
	"github.com/pimd/pimd/internal/types"
)

// removeItems implements REMOVE (DeleteItem): delete every item in
// scope, with one batched Remove notification per parent collection.
func removeItems(ctx context.Context, e *exec, args protocol.List) error {
	scopeTok, err := firstArg(args, "item scope")
	if err != nil {
		return err
	}
	p, err := optionalParams(args, 1)
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
	return e.deleteItems(ctx, ids, false)
}

// expunge implements EXPUNGE: delete every item flagged \DELETED,
// optionally restricted to one collection, with one Remove notification
// per removed item.
func expunge(ctx context.Context, e *exec, args protocol.List) error {
	var colID int64
	if len(args) > 0 {
		raw, ok := protocol.StringValue(args[0])
		if !ok {
			return badf("invalid collection id")
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return badf("invalid collection id %q", raw)
		}
		colID = n
	}
	ids, err := e.tx.ItemIDsWithFlag(ctx, types.FlagDeleted, colID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return e.deleteItems(ctx, ids, true)
}

// deleteItems is the shared removal path: snapshot the rows for the
// notification and the stats update, then delete.
func (e *exec) deleteItems(ctx context.Context, ids []int64, perItemNotify bool) error {
	items, err := e.tx.ItemsByIDs(ctx, ids)
	if err != nil {
		return err
	}
	type removal struct {
		colID int64
		size  int64
		seen  bool
	}
	removals := make([]removal, 0, len(items))
	for _, item := range items {
		seen, err := e.tx.HasFlag(ctx, item.ID, types.FlagSeen)
		if err != nil {
			return err
		}
		removals = append(removals, removal{colID: item.CollectionID, size: item.Size, seen: seen})
	}

	if err := e.tx.DeleteItems(ctx, ids); err != nil {
		return err
	}

	// Group notifications per parent collection so each carries a correct
	// source parent and resource.
	byCol := make(map[int64][]types.Item)
	for _, item := range items {
		byCol[item.CollectionID] = append(byCol[item.CollectionID], item)
	}
	for colID, group := range byCol {
		resource := e.resourceNameOf(ctx, colID)
		e.collector.ItemsRemoved(group, resource, perItemNotify)
	}

	env := e.env()
	e.tx.OnCommit(func() {
		for _, r := range removals {
			env.Stats.ItemRemoved(r.colID, r.size, r.seen)
		}
	})
	return nil
}
