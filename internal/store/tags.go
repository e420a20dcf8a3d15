package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pimd/pimd/internal/types"
)

func (t *Tx) scanTag(ctx context.Context, row interface{ Scan(...interface{}) error }) (types.Tag, error) {
	var tag types.Tag
	var typeID int64
	var attrs []byte
	if err := row.Scan(&tag.ID, &tag.GID, &typeID, &tag.ParentID, &attrs); err != nil {
		return types.Tag{}, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &tag.Attributes); err != nil {
			return types.Tag{}, err
		}
	}
	var err error
	if tag.Type, err = t.TagTypeName(ctx, typeID); err != nil {
		return types.Tag{}, err
	}
	return tag, nil
}

// TagByID fetches a single tag.
func (t *Tx) TagByID(ctx context.Context, id int64) (types.Tag, error) {
	row := t.tx.QueryRowContext(ctx,
		"SELECT id, gid, type_id, parent_id, attributes FROM tags WHERE id = ?", id)
	tag, err := t.scanTag(ctx, row)
	if err != nil {
		return types.Tag{}, wrapDBErrorf(err, "tag %d", id)
	}
	return tag, nil
}

// TagIDsByGID resolves a tag gid to every tag carrying it. Duplicate gids
// are legal outside merge.
func (t *Tx) TagIDsByGID(ctx context.Context, gid string) ([]int64, error) {
	stmt, args := Select("tags", "id").Where("gid = ?", gid).OrderBy("id").SQL()
	return t.queryIDs(ctx, stmt, args)
}

// CreateTag inserts a tag row, assigning tag.ID.
func (t *Tx) CreateTag(ctx context.Context, tag *types.Tag) error {
	typeID, err := t.TagTypeID(ctx, tag.Type)
	if err != nil {
		return err
	}
	attrs, err := encodeAttributes(tag.Attributes)
	if err != nil {
		return wrapDBError("create tag", err)
	}
	res, err := t.tx.ExecContext(ctx,
		"INSERT INTO tags (gid, type_id, parent_id, attributes) VALUES (?, ?, ?, ?)",
		tag.GID, typeID, tag.ParentID, attrs)
	if err != nil {
		return wrapDBErrorf(err, "create tag %q", tag.GID)
	}
	if tag.ID, err = res.LastInsertId(); err != nil {
		return wrapDBError("create tag", err)
	}
	return nil
}

// UpdateTag writes back every mutable field of tag.
func (t *Tx) UpdateTag(ctx context.Context, tag types.Tag) error {
	typeID, err := t.TagTypeID(ctx, tag.Type)
	if err != nil {
		return err
	}
	attrs, err := encodeAttributes(tag.Attributes)
	if err != nil {
		return wrapDBError("update tag", err)
	}
	_, err = t.tx.ExecContext(ctx,
		"UPDATE tags SET gid = ?, type_id = ?, parent_id = ?, attributes = ? WHERE id = ?",
		tag.GID, typeID, tag.ParentID, attrs, tag.ID)
	return wrapDBErrorf(err, "update tag %d", tag.ID)
}

// DeleteTag removes a tag, its item links, and its remote-id relations.
func (t *Tx) DeleteTag(ctx context.Context, id int64) error {
	for _, stmt := range []string{
		"DELETE FROM item_tags WHERE tag_id = ?",
		"DELETE FROM tag_remote_ids WHERE tag_id = ?",
		"DELETE FROM tags WHERE id = ?",
	} {
		if _, err := t.tx.ExecContext(ctx, stmt, id); err != nil {
			return wrapDBErrorf(err, "delete tag %d", id)
		}
	}
	return nil
}

// AllTags lists every tag, ordered by id.
func (t *Tx) AllTags(ctx context.Context) ([]types.Tag, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT id, gid, type_id, parent_id, attributes FROM tags ORDER BY id")
	if err != nil {
		return nil, wrapDBError("all tags", err)
	}
	defer rows.Close()
	type rawTag struct {
		tag    types.Tag
		typeID int64
	}
	var raw []rawTag
	for rows.Next() {
		var r rawTag
		var attrs []byte
		if err := rows.Scan(&r.tag.ID, &r.tag.GID, &r.typeID, &r.tag.ParentID, &attrs); err != nil {
			return nil, wrapDBError("scan tag", err)
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &r.tag.Attributes); err != nil {
				return nil, wrapDBError("decode tag attributes", err)
			}
		}
		raw = append(raw, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("all tags", err)
	}
	out := make([]types.Tag, 0, len(raw))
	for _, r := range raw {
		name, err := t.TagTypeName(ctx, r.typeID)
		if err != nil {
			return nil, err
		}
		r.tag.Type = name
		out = append(out, r.tag)
	}
	return out, nil
}

// TagsForItem lists the tag ids on itemID.
func (t *Tx) TagsForItem(ctx context.Context, itemID int64) ([]int64, error) {
	stmt, args := Select("item_tags", "tag_id").
		Where("item_id = ?", itemID).
		OrderBy("tag_id").SQL()
	return t.queryIDs(ctx, stmt, args)
}

// AddItemTags attaches tags to an item, returning the tag ids actually
// added.
func (t *Tx) AddItemTags(ctx context.Context, itemID int64, tagIDs []int64) ([]int64, error) {
	var added []int64
	for _, tagID := range tagIDs {
		res, err := t.tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO item_tags (item_id, tag_id) VALUES (?, ?)", itemID, tagID)
		if err != nil {
			return nil, wrapDBErrorf(err, "tag item %d", itemID)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			added = append(added, tagID)
		}
	}
	return added, nil
}

// RemoveItemTags detaches tags from an item, returning the tag ids
// actually removed.
func (t *Tx) RemoveItemTags(ctx context.Context, itemID int64, tagIDs []int64) ([]int64, error) {
	var removed []int64
	for _, tagID := range tagIDs {
		res, err := t.tx.ExecContext(ctx,
			"DELETE FROM item_tags WHERE item_id = ? AND tag_id = ?", itemID, tagID)
		if err != nil {
			return nil, wrapDBErrorf(err, "untag item %d", itemID)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			removed = append(removed, tagID)
		}
	}
	return removed, nil
}

// SetItemTags replaces an item's tag set wholesale, reporting whether
// anything changed.
func (t *Tx) SetItemTags(ctx context.Context, itemID int64, tagIDs []int64) (bool, error) {
	current, err := t.TagsForItem(ctx, itemID)
	if err != nil {
		return false, err
	}
	if equalIDSets(current, tagIDs) {
		return false, nil
	}
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM item_tags WHERE item_id = ?", itemID); err != nil {
		return false, wrapDBErrorf(err, "reset tags of %d", itemID)
	}
	if _, err := t.AddItemTags(ctx, itemID, tagIDs); err != nil {
		return false, err
	}
	return true, nil
}

// TagRemoteIDs lists the per-resource remote-id relations of tagID.
func (t *Tx) TagRemoteIDs(ctx context.Context, tagID int64) ([]types.TagRemoteID, error) {
	stmt, args := Select("tag_remote_ids", "tag_id, resource_id, remote_id").
		Where("tag_id = ?", tagID).
		OrderBy("resource_id").SQL()
	rows, err := t.tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, wrapDBErrorf(err, "remote ids of tag %d", tagID)
	}
	defer rows.Close()
	var out []types.TagRemoteID
	for rows.Next() {
		var r types.TagRemoteID
		if err := rows.Scan(&r.TagID, &r.ResourceID, &r.RemoteID); err != nil {
			return nil, wrapDBError("scan tag remote id", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetTagRemoteID records (or updates) a resource's remote-id claim on a
// tag.
func (t *Tx) SetTagRemoteID(ctx context.Context, tagID, resourceID int64, rid string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO tag_remote_ids (tag_id, resource_id, remote_id) VALUES (?, ?, ?)
		 ON CONFLICT(tag_id, resource_id) DO UPDATE SET remote_id = excluded.remote_id`,
		tagID, resourceID, rid)
	return wrapDBErrorf(err, "set remote id of tag %d", tagID)
}

// RemoveTagRemoteID drops a resource's claim on a tag and returns the
// number of claims remaining. A tag whose last claim disappears is
// eligible for destruction.
func (t *Tx) RemoveTagRemoteID(ctx context.Context, tagID, resourceID int64) (int64, error) {
	if _, err := t.tx.ExecContext(ctx,
		"DELETE FROM tag_remote_ids WHERE tag_id = ? AND resource_id = ?",
		tagID, resourceID); err != nil {
		return 0, wrapDBErrorf(err, "remove remote id of tag %d", tagID)
	}
	var n int64
	err := t.tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tag_remote_ids WHERE tag_id = ?", tagID).Scan(&n)
	if err != nil {
		return 0, wrapDBErrorf(err, "remaining claims of tag %d", tagID)
	}
	return n, nil
}

// TagRemoteIDForResource fetches the remote-id a given resource uses for
// tagID, if any.
func (t *Tx) TagRemoteIDForResource(ctx context.Context, tagID, resourceID int64) (string, bool, error) {
	var rid string
	err := t.tx.QueryRowContext(ctx,
		"SELECT remote_id FROM tag_remote_ids WHERE tag_id = ? AND resource_id = ?",
		tagID, resourceID).Scan(&rid)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapDBErrorf(err, "remote id of tag %d", tagID)
	}
	return rid, true, nil
}

func equalIDSets(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[int64]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	for _, id := range b {
		if !set[id] {
			return false
		}
	}
	return true
}
