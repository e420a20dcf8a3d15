package handler

import (
	"context"

	"github.com/google/uuid"

	"github.com/pimd/pimd/internal/protocol"
	"github.com/pimd/pimd/internal/store"
	"github.com/pimd/pimd/internal/types"
)

// tagAppend implements TAGAPPEND (create-or-merge a tag). Tag gid
// uniqueness is enforced only here, on merge; duplicate gids created
// without MERGE are distinct tags.
//
// Shape:
//
//	TAGAPPEND (GID g TYPE t PARENT p MERGE (GID) REMOTEID rid ATR:<name> v ...)
func tagAppend(ctx context.Context, e *exec, args protocol.List) error {
	p, err := optionalParams(args, 0)
	if err != nil {
		return err
	}
	tag := types.Tag{}
	tag.GID, _ = p.str("GID")
	if tag.GID == "" {
		// A client that omits the gid gets a generated one; tags need a
		// stable global identity for cross-resource sync.
		tag.GID = uuid.NewString()
	}
	tag.Type, _ = p.str("TYPE")
	if tag.Type == "" {
		tag.Type = "PLAIN"
	}
	if parent, ok := p.int64("PARENT"); ok {
		tag.ParentID = parent
	}
	tag.Attributes = p.attrAssignments()
	rid, hasRID := p.str("REMOTEID")

	if p.has("MERGE") {
		existing, err := e.tx.TagIDsByGID(ctx, tag.GID)
		if err != nil {
			return err
		}
		switch len(existing) {
		case 0:
			// fall through to create
		case 1:
			merged, err := e.tx.TagByID(ctx, existing[0])
			if err != nil {
				return err
			}
			if len(tag.Attributes) > 0 {
				if merged.Attributes == nil {
					merged.Attributes = make(map[string][]byte, len(tag.Attributes))
				}
				for k, v := range tag.Attributes {
					merged.Attributes[k] = v
				}
			}
			if err := e.tx.UpdateTag(ctx, merged); err != nil {
				return err
			}
			if err := e.claimTagRemoteID(ctx, merged.ID, rid, hasRID); err != nil {
				return err
			}
			e.collector.TagModified(merged)
			return e.writeTagResponse(ctx, merged)
		default:
			return failf("Multiple merge candidates")
		}
	}

	if err := e.tx.CreateTag(ctx, &tag); err != nil {
		return err
	}
	if err := e.claimTagRemoteID(ctx, tag.ID, rid, hasRID); err != nil {
		return err
	}
	e.collector.TagAdded(tag)
	return e.writeTagResponse(ctx, tag)
}

// claimTagRemoteID records the session resource's remote-id for a tag
// when the session has a resource context and supplied one.
func (e *exec) claimTagRemoteID(ctx context.Context, tagID int64, rid string, hasRID bool) error {
	if !hasRID {
		return nil
	}
	res, ok := e.sess().ResourceContext()
	if !ok {
		return failf("remote-id scope requires resource context")
	}
	return e.tx.SetTagRemoteID(ctx, tagID, res.ID, rid)
}

// tagFetch implements TAGFETCH: stream every tag in the uid set (or all).
func tagFetch(ctx context.Context, e *exec, args protocol.List) error {
	var tags []types.Tag
	if len(args) == 0 {
		all, err := e.tx.AllTags(ctx)
		if err != nil {
			return err
		}
		tags = all
	} else {
		raw, ok := protocol.StringValue(args[0])
		if !ok {
			return badf("expected tag uid set")
		}
		set, err := protocol.ParseSeqSet(raw)
		if err != nil {
			return badf("invalid sequence set: %v", err)
		}
		all, err := e.tx.AllTags(ctx)
		if err != nil {
			return err
		}
		for _, tag := range all {
			if set.Contains(tag.ID) {
				tags = append(tags, tag)
			}
		}
	}
	for _, tag := range tags {
		if err := e.writeTagResponse(ctx, tag); err != nil {
			return err
		}
	}
	return nil
}

// tagStore implements TAGSTORE (ModifyTag). An explicit empty REMOTEID
// unsets the session resource's claim on the tag; when that was the last
// claim, the tag is destroyed (items are untagged and a Remove is
// notified) instead of modified.
//
// Shape: TAGSTORE <tag-id> (TYPE t PARENT p REMOTEID rid ATR:<name> v ...)
func tagStore(ctx context.Context, e *exec, args protocol.List) error {
	tok, err := firstArg(args, "tag id")
	if err != nil {
		return err
	}
	p2 := &params{values: map[string]protocol.Token{"ID": tok}}
	tagID, ok := p2.int64("ID")
	if !ok {
		return badf("invalid tag id")
	}
	p, err := optionalParams(args, 1)
	if err != nil {
		return err
	}
	tag, err := e.tx.TagByID(ctx, tagID)
	if err != nil {
		if store.IsNotFound(err) {
			return failf("No such tag")
		}
		return err
	}
	changed := false
	if typ, ok := p.str("TYPE"); ok && typ != tag.Type {
		tag.Type = typ
		changed = true
	}
	if parent, ok := p.int64("PARENT"); ok && parent != tag.ParentID {
		tag.ParentID = parent
		changed = true
	}
	if attrs := p.attrAssignments(); len(attrs) > 0 {
		if tag.Attributes == nil {
			tag.Attributes = make(map[string][]byte, len(attrs))
		}
		for k, v := range attrs {
			tag.Attributes[k] = v
		}
		changed = true
	}
	if changed {
		if err := e.tx.UpdateTag(ctx, tag); err != nil {
			return err
		}
	}
	if rid, ok := p.str("REMOTEID"); ok {
		res, hasRes := e.sess().ResourceContext()
		if !hasRes {
			return failf("remote-id scope requires resource context")
		}
		if rid == "" {
			remaining, err := e.tx.RemoveTagRemoteID(ctx, tag.ID, res.ID)
			if err != nil {
				return err
			}
			if remaining == 0 {
				// Last claim gone: the tag dies with it.
				return e.destroyTag(ctx, tag)
			}
		} else {
			if err := e.tx.SetTagRemoteID(ctx, tag.ID, res.ID, rid); err != nil {
				return err
			}
		}
		changed = true
	}
	if !changed {
		return nil
	}
	e.collector.TagModified(tag)
	return e.writeTagResponse(ctx, tag)
}

// tagRemove implements TAGREMOVE (DeleteTag). Each deleted tag notifies
// once per resource that still claims it when it is destroyed (carrying
// that resource's remote-id) plus once generically to all clients.
//
// A resource-context session removing only its own claim destroys the
// tag only when it held the last claim; its own claim is dropped first,
// so that resource gets no per-resource notification.
func tagRemove(ctx context.Context, e *exec, args protocol.List) error {
	tok, err := firstArg(args, "tag uid set")
	if err != nil {
		return err
	}
	raw, ok := protocol.StringValue(tok)
	if !ok {
		return badf("expected tag uid set")
	}
	set, err := protocol.ParseSeqSet(raw)
	if err != nil {
		return badf("invalid sequence set: %v", err)
	}
	all, err := e.tx.AllTags(ctx)
	if err != nil {
		return err
	}
	for _, tag := range all {
		if !set.Contains(tag.ID) {
			continue
		}
		if res, hasRes := e.sess().ResourceContext(); hasRes {
			remaining, err := e.tx.RemoveTagRemoteID(ctx, tag.ID, res.ID)
			if err != nil {
				return err
			}
			if remaining > 0 {
				// Another resource still claims the tag; it survives.
				continue
			}
		}
		if err := e.destroyTag(ctx, tag); err != nil {
			return err
		}
	}
	return nil
}

// destroyTag deletes the tag, untagging its items first, and emits the
// item ModifyTags notifications followed by the per-resource plus
// generic Remove notifications.
func (e *exec) destroyTag(ctx context.Context, tag types.Tag) error {
	claims, err := e.tx.TagRemoteIDs(ctx, tag.ID)
	if err != nil {
		return err
	}
	taggedIDs, err := e.tx.ItemsWithTag(ctx, tag.ID)
	if err != nil {
		return err
	}
	tagged, err := e.tx.ItemsByIDs(ctx, taggedIDs)
	if err != nil {
		return err
	}
	if err := e.tx.DeleteTag(ctx, tag.ID); err != nil {
		return err
	}
	for _, it := range tagged {
		resource := e.resourceNameOf(ctx, it.CollectionID)
		e.collector.ItemTagsChanged(it, resource, nil, []int64{tag.ID})
	}
	for _, claim := range claims {
		res, err := e.tx.ResourceByID(ctx, claim.ResourceID)
		if err != nil {
			return err
		}
		e.collector.TagRemoved(tag, res.Name, claim.RemoteID)
	}
	e.collector.TagRemoved(tag, "", "")
	return nil
}

func (e *exec) writeTagResponse(ctx context.Context, tag types.Tag) error {
	out := protocol.List{
		protocol.Int(tag.ID), protocol.Atom("TAGFETCH"),
		protocol.Atom("GID"), protocol.Str(tag.GID),
		protocol.Atom("TYPE"), protocol.Str(tag.Type),
		protocol.Atom("PARENT"), protocol.Int(tag.ParentID),
	}
	if res, ok := e.sess().ResourceContext(); ok {
		if rid, found, err := e.tx.TagRemoteIDForResource(ctx, tag.ID, res.ID); err != nil {
			return err
		} else if found {
			out = append(out, protocol.Atom("REMOTEID"), protocol.Str(rid))
		}
	}
	for _, key := range sortedAttrKeys(tag.Attributes) {
		out = append(out, protocol.Atom(key), protocol.Literal(tag.Attributes[key]))
	}
	return e.untagged(out)
}

func sortedAttrKeys(attrs map[string][]byte) []string {
	set := make(map[string]bool, len(attrs))
	for k := range attrs {
		set[k] = true
	}
	return sortedKeys(set)
}
