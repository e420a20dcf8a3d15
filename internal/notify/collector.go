package notify

import (
	"github.com/pimd/pimd/internal/types"
)

// Sink receives committed notification batches. *Router implements it;
// tests substitute their own.
type Sink interface {
	Deliver(batch []*Message)
}

// Collector accumulates mutation records within one transaction and
// coalesces them per the rules in the component design: consecutive
// Modify on the same entity merge their changed-parts sets, Add+Modify
// collapses into the Add, Add+Remove cancels both. Move/Link/Unlink never
// coalesce with Modify.
//
// A Collector belongs to a single transaction and is not safe for
// concurrent use; sessions each run one command at a time, so this never
// comes up in practice.
type Collector struct {
	sessionID int64
	pending   []*Message
}

// NewCollector creates a collector stamping sessionID onto every record.
func NewCollector(sessionID int64) *Collector {
	return &Collector{sessionID: sessionID}
}

// Pending exposes the accumulated batch (for tests and the commit path).
func (c *Collector) Pending() []*Message { return c.pending }

// Commit hands the batch to sink as one indivisible group and resets the
// collector. An empty batch produces no Deliver call.
func (c *Collector) Commit(sink Sink) {
	if len(c.pending) == 0 {
		return
	}
	batch := c.pending
	c.pending = nil
	sink.Deliver(batch)
}

// Rollback discards everything recorded in this transaction.
func (c *Collector) Rollback() {
	c.pending = nil
}

func itemEntity(it types.Item) Entity {
	return Entity{ID: it.ID, RemoteID: it.RemoteID, RemoteRevision: it.RemoteRevision, MimeType: it.MimeType}
}

func itemEntities(items []types.Item) []Entity {
	out := make([]Entity, len(items))
	for i, it := range items {
		out[i] = itemEntity(it)
	}
	return out
}

// ItemAdded records an ItemChange.Add.
func (c *Collector) ItemAdded(it types.Item, resource string) {
	c.record(&Message{
		Kind:             EntityItem,
		Op:               OpAdd,
		Entities:         []Entity{itemEntity(it)},
		SessionID:        c.sessionID,
		ParentCollection: it.CollectionID,
		Resource:         resource,
	})
}

// ItemModified records an ItemChange.Modify with the observed changed
// parts.
func (c *Collector) ItemModified(it types.Item, resource string, changedParts ...string) {
	c.record(&Message{
		Kind:             EntityItem,
		Op:               OpModify,
		Entities:         []Entity{itemEntity(it)},
		SessionID:        c.sessionID,
		ParentCollection: it.CollectionID,
		Resource:         resource,
		ChangedParts:     changedPartNames(changedParts...),
	})
}

// ItemFlagsChanged records an ItemChange.ModifyFlags.
func (c *Collector) ItemFlagsChanged(it types.Item, resource string, added, removed []string) {
	c.record(&Message{
		Kind:             EntityItem,
		Op:               OpModifyFlags,
		Entities:         []Entity{itemEntity(it)},
		SessionID:        c.sessionID,
		ParentCollection: it.CollectionID,
		Resource:         resource,
		ChangedParts:     changedPartNames("FLAGS"),
		AddedFlags:       added,
		RemovedFlags:     removed,
	})
}

// ItemTagsChanged records an ItemChange.ModifyTags.
func (c *Collector) ItemTagsChanged(it types.Item, resource string, added, removed []int64) {
	c.record(&Message{
		Kind:             EntityItem,
		Op:               OpModifyTags,
		Entities:         []Entity{itemEntity(it)},
		SessionID:        c.sessionID,
		ParentCollection: it.CollectionID,
		Resource:         resource,
		ChangedParts:     changedPartNames("TAGS"),
		AddedTags:        added,
		RemovedTags:      removed,
	})
}

// ItemRelationsChanged records an ItemChange.ModifyRelations for both
// endpoints of an edge.
func (c *Collector) ItemRelationsChanged(items []types.Item, resource string) {
	c.record(&Message{
		Kind:         EntityItem,
		Op:           OpModifyRelations,
		Entities:     itemEntities(items),
		SessionID:    c.sessionID,
		Resource:     resource,
		ChangedParts: changedPartNames("RELATIONS"),
	})
}

// ItemsMoved records a single ItemChange.Move for the whole batch,
// carrying source and destination parents.
func (c *Collector) ItemsMoved(items []types.Item, srcCol, destCol int64, srcResource, destResource string) {
	c.record(&Message{
		Kind:             EntityItem,
		Op:               OpMove,
		Entities:         itemEntities(items),
		SessionID:        c.sessionID,
		ParentCollection: srcCol,
		DestCollection:   destCol,
		Resource:         srcResource,
		DestResource:     destResource,
	})
}

// ItemsRemoved records one ItemChange.Remove per item (Expunge's strict
// per-item expectation) when perItem is true, or a single batch message
// otherwise.
func (c *Collector) ItemsRemoved(items []types.Item, resource string, perItem bool) {
	if perItem {
		for _, it := range items {
			c.record(&Message{
				Kind:             EntityItem,
				Op:               OpRemove,
				Entities:         []Entity{itemEntity(it)},
				SessionID:        c.sessionID,
				ParentCollection: it.CollectionID,
				Resource:         resource,
			})
		}
		return
	}
	if len(items) == 0 {
		return
	}
	c.record(&Message{
		Kind:             EntityItem,
		Op:               OpRemove,
		Entities:         itemEntities(items),
		SessionID:        c.sessionID,
		ParentCollection: items[0].CollectionID,
		Resource:         resource,
	})
}

// ItemsLinked records one ItemChange.Link for the whole batch.
func (c *Collector) ItemsLinked(items []types.Item, colID int64) {
	c.record(&Message{
		Kind:             EntityItem,
		Op:               OpLink,
		Entities:         itemEntities(items),
		SessionID:        c.sessionID,
		ParentCollection: colID,
	})
}

// ItemsUnlinked records one ItemChange.Unlink for the whole batch.
func (c *Collector) ItemsUnlinked(items []types.Item, colID int64) {
	c.record(&Message{
		Kind:             EntityItem,
		Op:               OpUnlink,
		Entities:         itemEntities(items),
		SessionID:        c.sessionID,
		ParentCollection: colID,
	})
}

func collectionEntity(col types.Collection) Entity {
	return Entity{ID: col.ID, RemoteID: col.RemoteID, RemoteRevision: col.RemoteRevision}
}

// CollectionAdded records a CollectionChange.Add.
func (c *Collector) CollectionAdded(col types.Collection, resource string) {
	c.record(&Message{
		Kind:             EntityCollection,
		Op:               OpAdd,
		Entities:         []Entity{collectionEntity(col)},
		SessionID:        c.sessionID,
		ParentCollection: col.ParentID,
		Resource:         resource,
	})
}

// CollectionModified records a CollectionChange.Modify with the observed
// changed parts.
func (c *Collector) CollectionModified(col types.Collection, resource string, changedParts ...string) {
	c.record(&Message{
		Kind:             EntityCollection,
		Op:               OpModify,
		Entities:         []Entity{collectionEntity(col)},
		SessionID:        c.sessionID,
		ParentCollection: col.ParentID,
		Resource:         resource,
		ChangedParts:     changedPartNames(changedParts...),
	})
}

// CollectionMoved records a CollectionChange.Move.
func (c *Collector) CollectionMoved(col types.Collection, srcParent int64, srcResource, destResource string) {
	c.record(&Message{
		Kind:             EntityCollection,
		Op:               OpMove,
		Entities:         []Entity{collectionEntity(col)},
		SessionID:        c.sessionID,
		ParentCollection: srcParent,
		DestCollection:   col.ParentID,
		Resource:         srcResource,
		DestResource:     destResource,
	})
}

// CollectionRemoved records a CollectionChange.Remove.
func (c *Collector) CollectionRemoved(col types.Collection, resource string) {
	c.record(&Message{
		Kind:             EntityCollection,
		Op:               OpRemove,
		Entities:         []Entity{collectionEntity(col)},
		SessionID:        c.sessionID,
		ParentCollection: col.ParentID,
		Resource:         resource,
	})
}

// CollectionSubscribed records a CollectionChange.Subscribe (enabled
// false -> true).
func (c *Collector) CollectionSubscribed(col types.Collection, resource string) {
	c.record(&Message{
		Kind:             EntityCollection,
		Op:               OpSubscribe,
		Entities:         []Entity{collectionEntity(col)},
		SessionID:        c.sessionID,
		ParentCollection: col.ParentID,
		Resource:         resource,
	})
}

// CollectionUnsubscribed records a CollectionChange.Unsubscribe (enabled
// true -> false).
func (c *Collector) CollectionUnsubscribed(col types.Collection, resource string) {
	c.record(&Message{
		Kind:             EntityCollection,
		Op:               OpUnsubscribe,
		Entities:         []Entity{collectionEntity(col)},
		SessionID:        c.sessionID,
		ParentCollection: col.ParentID,
		Resource:         resource,
	})
}

// TagAdded records a TagChange.Add.
func (c *Collector) TagAdded(tag types.Tag) {
	c.record(&Message{
		Kind:      EntityTag,
		Op:        OpAdd,
		Entities:  []Entity{{ID: tag.ID, RemoteID: tag.GID}},
		SessionID: c.sessionID,
	})
}

// TagModified records a TagChange.Modify.
func (c *Collector) TagModified(tag types.Tag) {
	c.record(&Message{
		Kind:      EntityTag,
		Op:        OpModify,
		Entities:  []Entity{{ID: tag.ID, RemoteID: tag.GID}},
		SessionID: c.sessionID,
	})
}

// TagRemoved records a TagChange.Remove. resource and rid are set on the
// per-resource copies (each resource that claimed the tag is told its own
// remote-id); the generic all-clients copy leaves them empty.
func (c *Collector) TagRemoved(tag types.Tag, resource, rid string) {
	c.record(&Message{
		Kind:      EntityTag,
		Op:        OpRemove,
		Entities:  []Entity{{ID: tag.ID, RemoteID: rid}},
		SessionID: c.sessionID,
		Resource:  resource,
	})
}

// RelationAdded records a RelationChange.Add.
func (c *Collector) RelationAdded(rel types.Relation) {
	c.record(&Message{
		Kind:      EntityRelation,
		Op:        OpAdd,
		Entities:  []Entity{{ID: rel.LeftItemID}, {ID: rel.RightItemID}},
		SessionID: c.sessionID,
	})
}

// RelationRemoved records a RelationChange.Remove.
func (c *Collector) RelationRemoved(rel types.Relation) {
	c.record(&Message{
		Kind:      EntityRelation,
		Op:        OpRemove,
		Entities:  []Entity{{ID: rel.LeftItemID}, {ID: rel.RightItemID}},
		SessionID: c.sessionID,
	})
}

// record appends msg, applying the coalescing rules against the current
// pending tail.
func (c *Collector) record(msg *Message) {
	if len(msg.Entities) == 1 {
		if c.coalesce(msg) {
			return
		}
	}
	c.pending = append(c.pending, msg)
}

// coalesce tries to fold a single-entity msg into an earlier pending
// record for the same entity. Reports whether msg was absorbed (or
// cancelled an earlier Add).
func (c *Collector) coalesce(msg *Message) bool {
	id := msg.Entities[0].ID
	for i := len(c.pending) - 1; i >= 0; i-- {
		prev := c.pending[i]
		if prev.Kind != msg.Kind || len(prev.Entities) != 1 || prev.Entities[0].ID != id {
			continue
		}
		switch prev.Op {
		case OpAdd:
			switch msg.Op {
			case OpModify, OpModifyFlags, OpModifyTags, OpModifyRelations:
				// Add followed by Modify collapses to the Add with the
				// post-modify entity state.
				prev.Entities[0] = msg.Entities[0]
				return true
			case OpRemove:
				// Add followed by Remove cancels both.
				c.pending = append(c.pending[:i], c.pending[i+1:]...)
				return true
			}
			return false
		case OpModify:
			if msg.Op == OpModify {
				prev.addChangedParts(msg.ChangedParts)
				prev.Entities[0] = msg.Entities[0]
				return true
			}
			return false
		case OpModifyFlags:
			if msg.Op == OpModifyFlags {
				prev.AddedFlags = mergeStrings(prev.AddedFlags, msg.AddedFlags)
				prev.RemovedFlags = mergeStrings(prev.RemovedFlags, msg.RemovedFlags)
				return true
			}
			return false
		default:
			// Move/Link/Unlink/Remove never coalesce with what follows.
			return false
		}
	}
	return false
}

func mergeStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := append([]string(nil), a...)
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
