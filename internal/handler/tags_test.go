package handler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pimd/pimd/internal/notify"
	"github.com/pimd/pimd/internal/protocol"
	"github.com/pimd/pimd/internal/store"
)

// seedClaim records a resource's remote-id claim on a tag directly in
// the store.
func (h *harness) seedClaim(tagID int64, resource, rid string) {
	h.t.Helper()
	err := h.store.RunInTransaction(h.ctx, func(tx *store.Tx) error {
		res, err := tx.EnsureResource(h.ctx, resource)
		if err != nil {
			return err
		}
		return tx.SetTagRemoteID(h.ctx, tagID, res.ID, rid)
	})
	require.NoError(h.t, err)
}

func TestTagAppendCreatesAndMergesByGID(t *testing.T) {
	h := newHarness(t)

	out := h.run("TAGAPPEND", protocol.List{
		protocol.Atom("GID"), protocol.Str("todo"),
		protocol.Atom("TYPE"), protocol.Str("PLAIN"),
	})
	require.Contains(t, out, "OK")
	require.Contains(t, out, "TAGFETCH")
	require.Equal(t, notify.OpAdd, h.lastBatch()[0].Op)

	// Merging onto the same gid updates the one existing tag.
	h.batches = nil
	out = h.run("TAGAPPEND", protocol.List{
		protocol.Atom("GID"), protocol.Str("todo"),
		protocol.Atom("TYPE"), protocol.Str("PLAIN"),
		protocol.Atom("MERGE"), protocol.List{protocol.Atom("GID")},
		protocol.Atom("ATR:NOTE"), protocol.Literal("hello"),
	})
	require.Contains(t, out, "OK")
	require.Equal(t, notify.OpModify, h.lastBatch()[0].Op)

	// Without MERGE, a duplicate gid is a distinct tag.
	h.run("TAGAPPEND", protocol.List{
		protocol.Atom("GID"), protocol.Str("todo"),
	})

	err := h.store.View(h.ctx, func(tx *store.Tx) error {
		ids, err := tx.TagIDsByGID(h.ctx, "todo")
		require.NoError(t, err)
		require.Len(t, ids, 2)
		merged, err := tx.TagByID(h.ctx, ids[0])
		require.NoError(t, err)
		require.Equal(t, []byte("hello"), merged.Attributes["ATR:NOTE"])
		return nil
	})
	require.NoError(t, err)
}

func TestTagFetchReturnsTags(t *testing.T) {
	h := newHarness(t)
	h.run("TAGAPPEND", protocol.List{protocol.Atom("GID"), protocol.Str("a")})
	h.run("TAGAPPEND", protocol.List{protocol.Atom("GID"), protocol.Str("b")})
	h.out.Reset()

	out := h.run("TAGFETCH", protocol.Atom("1:2"))
	require.Contains(t, out, `"a"`)
	require.Contains(t, out, `"b"`)
	require.Contains(t, out, "TAGFETCH")

	h.out.Reset()
	out = h.run("TAGFETCH", protocol.Atom("2"))
	require.NotContains(t, out, `"a"`)
	require.Contains(t, out, `"b"`)
}

func TestTagStoreUpdatesFieldsAndClaimsRemoteID(t *testing.T) {
	h := newHarness(t)
	h.run("TAGAPPEND", protocol.List{protocol.Atom("GID"), protocol.Str("todo")})
	h.run("RESSELECT", protocol.Atom("res0"))
	h.batches = nil

	out := h.run("TAGSTORE", protocol.Int(1), protocol.List{
		protocol.Atom("TYPE"), protocol.Str("LABEL"),
		protocol.Atom("REMOTEID"), protocol.Str("rid-0"),
		protocol.Atom("ATR:NOTE"), protocol.Literal("n"),
	})
	require.Contains(t, out, "OK")
	require.Equal(t, notify.OpModify, h.lastBatch()[0].Op)

	err := h.store.View(h.ctx, func(tx *store.Tx) error {
		tag, err := tx.TagByID(h.ctx, 1)
		require.NoError(t, err)
		require.Equal(t, "LABEL", tag.Type)
		res, err := tx.ResourceByName(h.ctx, "res0")
		require.NoError(t, err)
		rid, found, err := tx.TagRemoteIDForResource(h.ctx, 1, res.ID)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "rid-0", rid)
		return nil
	})
	require.NoError(t, err)
}

func TestTagStoreUnsetLastRemoteIDDestroysTag(t *testing.T) {
	h := newHarness(t)
	col := h.seedCollection("Inbox", "inbox", false)
	item := h.seedItem(col.ID, "a")

	h.run("TAGAPPEND", protocol.List{protocol.Atom("GID"), protocol.Str("todo")})
	err := h.store.RunInTransaction(h.ctx, func(tx *store.Tx) error {
		_, err := tx.AddItemTags(h.ctx, item.ID, []int64{1})
		return err
	})
	require.NoError(t, err)
	h.seedClaim(1, "res0", "rid-0")

	h.run("RESSELECT", protocol.Atom("res0"))
	h.batches = nil

	out := h.run("TAGSTORE", protocol.Int(1), protocol.List{
		protocol.Atom("REMOTEID"), protocol.Str(""),
	})
	require.Contains(t, out, "OK")

	// The last claim is gone, so the tag is destroyed: the item loses
	// the tag, then the Remove is notified.
	err = h.store.View(h.ctx, func(tx *store.Tx) error {
		if _, err := tx.TagByID(h.ctx, 1); !store.IsNotFound(err) {
			t.Errorf("tag should be destroyed, got %v", err)
		}
		tags, err := tx.TagsForItem(h.ctx, item.ID)
		require.NoError(t, err)
		require.Empty(t, tags)
		return nil
	})
	require.NoError(t, err)

	batch := h.lastBatch()
	require.Len(t, batch, 2)
	require.Equal(t, notify.OpModifyTags, batch[0].Op)
	require.Equal(t, item.ID, batch[0].Entities[0].ID)
	require.Equal(t, []int64{1}, batch[0].RemovedTags)
	require.Equal(t, notify.EntityTag, batch[1].Kind)
	require.Equal(t, notify.OpRemove, batch[1].Op)
}

func TestTagStoreUnsetKeepsTagWhileClaimsRemain(t *testing.T) {
	h := newHarness(t)
	h.run("TAGAPPEND", protocol.List{protocol.Atom("GID"), protocol.Str("todo")})
	h.seedClaim(1, "res_a", "rid-a")
	h.seedClaim(1, "res_b", "rid-b")

	h.run("RESSELECT", protocol.Atom("res_a"))
	h.batches = nil

	out := h.run("TAGSTORE", protocol.Int(1), protocol.List{
		protocol.Atom("REMOTEID"), protocol.Str(""),
	})
	require.Contains(t, out, "OK")
	require.Equal(t, notify.OpModify, h.lastBatch()[0].Op)

	err := h.store.View(h.ctx, func(tx *store.Tx) error {
		tag, err := tx.TagByID(h.ctx, 1)
		require.NoError(t, err)
		require.Equal(t, "todo", tag.GID)
		claims, err := tx.TagRemoteIDs(h.ctx, 1)
		require.NoError(t, err)
		require.Len(t, claims, 1)
		require.Equal(t, "rid-b", claims[0].RemoteID)
		return nil
	})
	require.NoError(t, err)
}

func TestTagStoreRemoteIDRequiresResourceContext(t *testing.T) {
	h := newHarness(t)
	h.run("TAGAPPEND", protocol.List{protocol.Atom("GID"), protocol.Str("todo")})

	out := h.run("TAGSTORE", protocol.Int(1), protocol.List{
		protocol.Atom("REMOTEID"), protocol.Str(""),
	})
	require.Contains(t, out, "NO")
	require.Contains(t, out, "remote-id scope requires resource context")
}

func TestRelationStoreFetchRemove(t *testing.T) {
	h := newHarness(t)
	col := h.seedCollection("Inbox", "inbox", false)
	left := h.seedItem(col.ID, "l")
	right := h.seedItem(col.ID, "r")

	out := h.run("RELATIONSTORE", protocol.List{
		protocol.Atom("LEFT"), protocol.Int(left.ID),
		protocol.Atom("RIGHT"), protocol.Int(right.ID),
		protocol.Atom("TYPE"), protocol.Str("GENERIC"),
	})
	require.Contains(t, out, "OK")
	batch := h.lastBatch()
	require.Len(t, batch, 2)
	require.Equal(t, notify.EntityRelation, batch[0].Kind)
	require.Equal(t, notify.OpAdd, batch[0].Op)
	require.Equal(t, notify.OpModifyRelations, batch[1].Op)

	// Storing the same edge again is silent.
	h.batches = nil
	h.run("RELATIONSTORE", protocol.List{
		protocol.Atom("LEFT"), protocol.Int(left.ID),
		protocol.Atom("RIGHT"), protocol.Int(right.ID),
		protocol.Atom("TYPE"), protocol.Str("GENERIC"),
	})
	require.Empty(t, h.batches)

	h.out.Reset()
	out = h.run("RELATIONFETCH", protocol.List{
		protocol.Atom("SIDE"), protocol.Int(left.ID),
	})
	require.Contains(t, out, "RELATIONFETCH")
	require.Contains(t, out, "GENERIC")

	h.batches = nil
	out = h.run("RELATIONREMOVE", protocol.List{
		protocol.Atom("LEFT"), protocol.Int(left.ID),
		protocol.Atom("RIGHT"), protocol.Int(right.ID),
	})
	require.Contains(t, out, "OK")
	batch = h.lastBatch()
	require.Equal(t, notify.OpRemove, batch[0].Op)
	require.Equal(t, notify.EntityRelation, batch[0].Kind)

	err := h.store.View(h.ctx, func(tx *store.Tx) error {
		rels, err := tx.RelationsForItem(h.ctx, left.ID)
		require.NoError(t, err)
		require.Empty(t, rels)
		return nil
	})
	require.NoError(t, err)
}
