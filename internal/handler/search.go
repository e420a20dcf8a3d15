package handler

import (
	"context"
	"strings"

	"github.com/pimd/pimd/internal/protocol"
	"github.com/pimd/pimd/internal/store"
	"github.com/pimd/pimd/internal/types"
)

// search implements SEARCH: evaluate a query over the item table and
// either return the matching ids or, with PERSIST, materialise them into
// a persistent virtual search collection whose stored query is
// re-evaluated on demand. Full-text search backends are external
// collaborators; the server-side query covers the identifier fields it
// owns.
//
// Shape:
//
//	SEARCH (QUERY "text" MIMETYPE (...) COLLECTIONS (...) PERSIST "name")
//	SEARCH (RERUN <collection-id>)
func search(ctx context.Context, e *exec, args protocol.List) error {
	p, err := optionalParams(args, 0)
	if err != nil {
		return err
	}
	if colID, ok := p.int64("RERUN"); ok {
		return e.rerunSearch(ctx, colID)
	}
	query, _ := p.str("QUERY")
	mimeTypes, _ := p.strList("MIMETYPE")
	colIDs, _ := p.idList("COLLECTIONS")

	matches, err := e.evaluateSearch(ctx, query, mimeTypes, colIDs)
	if err != nil {
		return err
	}

	persistName, persist := p.str("PERSIST")
	if !persist {
		var ids protocol.List
		for _, item := range matches {
			ids = append(ids, protocol.Int(item.ID))
		}
		return e.untagged(append(protocol.List{protocol.Atom("SEARCH")}, ids...))
	}

	// Persistent search: a virtual collection holding the stored query,
	// populated through the normal link table.
	col := types.Collection{
		Name:    persistName,
		Virtual: true,
		Enabled: true,
	}
	col.CachePolicy.Inherit = true
	if err := e.tx.CreateCollection(ctx, &col); err != nil {
		return err
	}
	if err := e.tx.SaveSearchQuery(ctx, col.ID, query); err != nil {
		return err
	}
	matchIDs := make([]int64, len(matches))
	for i, item := range matches {
		matchIDs[i] = item.ID
	}
	linked, err := e.tx.LinkItems(ctx, col.ID, matchIDs)
	if err != nil {
		return err
	}

	e.collector.CollectionAdded(col, "")
	if len(linked) > 0 {
		items, err := e.tx.ItemsByIDs(ctx, linked)
		if err != nil {
			return err
		}
		e.collector.ItemsLinked(items, col.ID)
	}
	return e.untagged(protocol.List{
		protocol.Int(col.ID), protocol.Atom("SEARCH"),
		protocol.Atom("PERSIST"), protocol.Str(persistName),
		protocol.Atom("COUNT"), protocol.Int(int64(len(linked))),
	})
}

// rerunSearch re-evaluates a persistent search collection against the
// current item table and adjusts the link set, notifying Link/Unlink for
// the delta only.
func (e *exec) rerunSearch(ctx context.Context, colID int64) error {
	col, err := e.tx.CollectionByID(ctx, colID)
	if err != nil {
		if store.IsNotFound(err) {
			return failf("No such collection")
		}
		return err
	}
	if !col.Virtual {
		return failf("Not a search collection")
	}
	query, err := e.tx.SearchQuery(ctx, colID)
	if err != nil {
		if store.IsNotFound(err) {
			return failf("Not a search collection")
		}
		return err
	}
	matches, err := e.evaluateSearch(ctx, query, nil, nil)
	if err != nil {
		return err
	}
	current, err := e.tx.ItemsInCollection(ctx, colID)
	if err != nil {
		return err
	}
	matched := make(map[int64]bool, len(matches))
	var matchIDs []int64
	for _, item := range matches {
		if item.ID == 0 || item.CollectionID == colID {
			continue
		}
		matched[item.ID] = true
		matchIDs = append(matchIDs, item.ID)
	}
	var stale []int64
	for _, id := range current {
		if !matched[id] {
			stale = append(stale, id)
		}
	}
	linked, err := e.tx.LinkItems(ctx, colID, matchIDs)
	if err != nil {
		return err
	}
	unlinked, err := e.tx.UnlinkItems(ctx, colID, stale)
	if err != nil {
		return err
	}
	if len(linked) > 0 {
		items, err := e.tx.ItemsByIDs(ctx, linked)
		if err != nil {
			return err
		}
		e.collector.ItemsLinked(items, colID)
	}
	if len(unlinked) > 0 {
		items, err := e.tx.ItemsByIDs(ctx, unlinked)
		if err != nil {
			return err
		}
		e.collector.ItemsUnlinked(items, colID)
	}
	return e.untagged(protocol.List{
		protocol.Int(colID), protocol.Atom("SEARCH"),
		protocol.Atom("COUNT"), protocol.Int(int64(len(matchIDs))),
	})
}

// evaluateSearch runs the stored-query match: mimetype and collection
// restriction plus substring match on remote-id and gid.
func (e *exec) evaluateSearch(ctx context.Context, query string, mimeTypes []string, colIDs []int64) ([]types.Item, error) {
	var candidates []int64
	if len(colIDs) > 0 {
		for _, colID := range colIDs {
			ids, err := e.tx.ItemsInCollection(ctx, colID)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, ids...)
		}
	} else {
		maxID, err := e.tx.MaxItemID(ctx)
		if err != nil {
			return nil, err
		}
		for id := int64(1); id <= maxID; id++ {
			candidates = append(candidates, id)
		}
	}
	items, err := e.tx.ItemsByIDs(ctx, candidates)
	if err != nil {
		return nil, err
	}
	mimeSet := make(map[string]bool, len(mimeTypes))
	for _, m := range mimeTypes {
		mimeSet[m] = true
	}
	var out []types.Item
	for _, item := range items {
		if len(mimeSet) > 0 && !mimeSet[item.MimeType] {
			continue
		}
		if query != "" &&
			!strings.Contains(item.RemoteID, query) &&
			!strings.Contains(item.GID, query) {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}
