package handler

import (
	"context"

	"github.com/pimd/pimd/internal/protocol"
	"github.com/pimd/pimd/internal/types"
)

// storeItem implements STORE (ModifyItem): any subset of flag edits, tag
// edits, metadata fields, and streamed part replacements, applied to
// every item in scope.
//
// Shape:
//
//	[UID|RID|GID] STORE <scope> (FLAGS (...) +FLAGS (...) -FLAGS (...)
//	              TAGS (...) +TAGS (...) -TAGS (...) SIZE n REMOTEID r
//	              REMOTEREVISION rr GID g DIRTY false) [(part-meta) data]...
func storeItem(ctx context.Context, e *exec, args protocol.List) error {
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

	parts, err := e.collectParts(restArgs(args, 2))
	if err != nil {
		return err
	}

	for _, id := range ids {
		if err := e.storeOneItem(ctx, id, p, parts); err != nil {
			return err
		}
	}
	return nil
}

func (e *exec) storeOneItem(ctx context.Context, id int64, p *params, parts []types.Part) error {
	item, err := e.tx.ItemByID(ctx, id)
	if err != nil {
		return err
	}
	resource := e.resourceNameOf(ctx, item.CollectionID)
	changed := make(map[string]bool)

	// Flag edits. FLAGS replaces; +FLAGS/-FLAGS append/remove and are
	// reported with the precise delta.
	var seenDelta int64
	if flags, ok := p.strList("FLAGS"); ok {
		before, err := e.tx.HasFlag(ctx, id, types.FlagSeen)
		if err != nil {
			return err
		}
		changedFlags, err := e.tx.SetItemFlags(ctx, id, flags)
		if err != nil {
			return err
		}
		if changedFlags {
			changed["FLAGS"] = true
			after := hasString(flags, types.FlagSeen)
			if after && !before {
				seenDelta++
			} else if !after && before {
				seenDelta--
			}
			e.collector.ItemFlagsChanged(item, resource, flags, nil)
		}
	}
	if add, ok := p.strList("+FLAGS"); ok {
		added, err := e.tx.AddItemFlags(ctx, id, add)
		if err != nil {
			return err
		}
		if len(added) > 0 {
			changed["FLAGS"] = true
			if hasString(added, types.FlagSeen) {
				seenDelta++
			}
			e.collector.ItemFlagsChanged(item, resource, added, nil)
		}
	}
	if del, ok := p.strList("-FLAGS"); ok {
		removed, err := e.tx.RemoveItemFlags(ctx, id, del)
		if err != nil {
			return err
		}
		if len(removed) > 0 {
			changed["FLAGS"] = true
			if hasString(removed, types.FlagSeen) {
				seenDelta--
			}
			e.collector.ItemFlagsChanged(item, resource, nil, removed)
		}
	}

	// Tag edits.
	if tags, ok := p.idList("TAGS"); ok {
		changedTags, err := e.tx.SetItemTags(ctx, id, tags)
		if err != nil {
			return err
		}
		if changedTags {
			changed["TAGS"] = true
			e.collector.ItemTagsChanged(item, resource, tags, nil)
		}
	}
	if add, ok := p.idList("+TAGS"); ok {
		added, err := e.tx.AddItemTags(ctx, id, add)
		if err != nil {
			return err
		}
		if len(added) > 0 {
			changed["TAGS"] = true
			e.collector.ItemTagsChanged(item, resource, added, nil)
		}
	}
	if del, ok := p.idList("-TAGS"); ok {
		removed, err := e.tx.RemoveItemTags(ctx, id, del)
		if err != nil {
			return err
		}
		if len(removed) > 0 {
			changed["TAGS"] = true
			e.collector.ItemTagsChanged(item, resource, nil, removed)
		}
	}

	// Metadata fields.
	if rid, ok := p.str("REMOTEID"); ok && rid != item.RemoteID {
		item.RemoteID = rid
		changed["REMOTEID"] = true
	}
	if rrev, ok := p.str("REMOTEREVISION"); ok && rrev != item.RemoteRevision {
		item.RemoteRevision = rrev
		changed["REMOTEREVISION"] = true
	}
	if gid, ok := p.str("GID"); ok && gid != item.GID {
		item.GID = gid
		changed["GID"] = true
	}
	if size, ok := p.int64("SIZE"); ok && size != item.Size {
		item.Size = size
		changed["SIZE"] = true
	}
	if dirty, ok := p.boolVal("DIRTY"); ok {
		item.Dirty = dirty
	}

	// Part replacements.
	declaredSize := item.Size
	for _, part := range parts {
		part.ItemID = id
		if err := e.tx.UpsertPart(ctx, part); err != nil {
			return err
		}
		changed[part.Name] = true
	}
	if len(parts) > 0 {
		sum, err := e.tx.SumPartSizes(ctx, id)
		if err != nil {
			return err
		}
		if sum > declaredSize {
			item.Size = sum
			changed["SIZE"] = true
		}
	}

	if len(changed) == 0 {
		return nil
	}
	item.Revision++
	if err := e.tx.UpdateItem(ctx, item); err != nil {
		return err
	}

	// Metadata/part changes ride a Modify; pure flag/tag edits were
	// already recorded as ModifyFlags/ModifyTags above.
	metaChanged := make(map[string]bool, len(changed))
	for k := range changed {
		if k != "FLAGS" && k != "TAGS" {
			metaChanged[k] = true
		}
	}
	if len(metaChanged) > 0 {
		e.collector.ItemModified(item, resource, sortedKeys(metaChanged)...)
	}

	if seenDelta != 0 {
		colID := item.CollectionID
		delta := seenDelta
		env := e.env()
		e.tx.OnCommit(func() { env.Stats.ItemsSeenChanged(colID, delta) })
	}

	return e.untagged(protocol.List{
		protocol.Int(item.ID), protocol.Atom("STORE"),
		protocol.Atom("REV"), protocol.Int(item.Revision),
	})
}
