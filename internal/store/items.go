package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pimd/pimd/internal/types"
)

const itemColumns = `i.id, i.collection_id, i.mimetype_id, i.remote_id, i.remote_revision,
	i.gid, i.size, i.datetime, i.mtime, i.revision, i.dirty`

// timeLayout is the canonical stored form for item timestamps (UTC).
const timeLayout = "2006-01-02 15:04:05"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func (t *Tx) scanItem(ctx context.Context, row interface{ Scan(...interface{}) error }) (types.Item, error) {
	var it types.Item
	var mimeID int64
	var dt, mt string
	err := row.Scan(&it.ID, &it.CollectionID, &mimeID, &it.RemoteID, &it.RemoteRevision,
		&it.GID, &it.Size, &dt, &mt, &it.Revision, &it.Dirty)
	if err != nil {
		return types.Item{}, err
	}
	it.Datetime = parseTime(dt)
	it.MTime = parseTime(mt)
	if it.MimeType, err = t.MimeTypeName(ctx, mimeID); err != nil {
		return types.Item{}, err
	}
	return it, nil
}

// ItemByID fetches a single item.
func (t *Tx) ItemByID(ctx context.Context, id int64) (types.Item, error) {
	row := t.tx.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM items i WHERE i.id = ?", id)
	it, err := t.scanItem(ctx, row)
	if err != nil {
		return types.Item{}, wrapDBErrorf(err, "item %d", id)
	}
	return it, nil
}

// ItemsByIDs fetches the given items in id order; missing ids are skipped.
func (t *Tx) ItemsByIDs(ctx context.Context, ids []int64) ([]types.Item, error) {
	stmt, args := Select("items i", itemColumns).
		WhereIn("i.id", ids).
		OrderBy("i.id").SQL()
	return t.queryItems(ctx, stmt, args)
}

// CreateItem inserts an item row, assigning it.ID. Datetime defaults to
// the current server time when unset.
func (t *Tx) CreateItem(ctx context.Context, it *types.Item) error {
	mimeID, err := t.MimeTypeID(ctx, it.MimeType)
	if err != nil {
		return err
	}
	if it.Datetime.IsZero() {
		it.Datetime = time.Now().UTC()
	}
	if it.MTime.IsZero() {
		it.MTime = it.Datetime
	}
	res, err := t.tx.ExecContext(ctx, `INSERT INTO items
		(collection_id, mimetype_id, remote_id, remote_revision, gid, size, datetime, mtime, revision, dirty)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.CollectionID, mimeID, it.RemoteID, it.RemoteRevision, it.GID, it.Size,
		formatTime(it.Datetime), formatTime(it.MTime), it.Revision, it.Dirty)
	if err != nil {
		return wrapDBError("create item", err)
	}
	if it.ID, err = res.LastInsertId(); err != nil {
		return wrapDBError("create item", err)
	}
	return nil
}

// UpdateItem writes back every mutable field of it and touches mtime.
func (t *Tx) UpdateItem(ctx context.Context, it types.Item) error {
	mimeID, err := t.MimeTypeID(ctx, it.MimeType)
	if err != nil {
		return err
	}
	it.MTime = time.Now().UTC()
	_, err = t.tx.ExecContext(ctx, `UPDATE items SET
		collection_id = ?, mimetype_id = ?, remote_id = ?, remote_revision = ?, gid = ?,
		size = ?, datetime = ?, mtime = ?, revision = ?, dirty = ?
		WHERE id = ?`,
		it.CollectionID, mimeID, it.RemoteID, it.RemoteRevision, it.GID,
		it.Size, formatTime(it.Datetime), formatTime(it.MTime), it.Revision, it.Dirty,
		it.ID)
	return wrapDBErrorf(err, "update item %d", it.ID)
}

// BumpItemRevision increments the revision counter of every given item;
// each observable modification goes through here.
func (t *Tx) BumpItemRevision(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if _, err := t.tx.ExecContext(ctx,
			"UPDATE items SET revision = revision + 1, mtime = ? WHERE id = ?",
			formatTime(time.Now()), id); err != nil {
			return wrapDBErrorf(err, "bump revision of %d", id)
		}
	}
	return nil
}

// MoveItems re-parents the given items into destCol.
func (t *Tx) MoveItems(ctx context.Context, ids []int64, destCol int64) error {
	for _, id := range ids {
		if _, err := t.tx.ExecContext(ctx,
			"UPDATE items SET collection_id = ?, revision = revision + 1, mtime = ? WHERE id = ?",
			destCol, formatTime(time.Now()), id); err != nil {
			return wrapDBErrorf(err, "move item %d", id)
		}
	}
	return nil
}

// DeleteItems removes items and all their dependent rows (parts, flags,
// tags, links, relations).
func (t *Tx) DeleteItems(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		for _, stmt := range []string{
			"DELETE FROM parts WHERE item_id = ?",
			"DELETE FROM item_flags WHERE item_id = ?",
			"DELETE FROM item_tags WHERE item_id = ?",
			"DELETE FROM item_links WHERE item_id = ?",
			"DELETE FROM relations WHERE left_item_id = ? OR right_item_id = ?",
			"DELETE FROM items WHERE id = ?",
		} {
			var err error
			if stmt == "DELETE FROM relations WHERE left_item_id = ? OR right_item_id = ?" {
				_, err = t.tx.ExecContext(ctx, stmt, id, id)
			} else {
				_, err = t.tx.ExecContext(ctx, stmt, id)
			}
			if err != nil {
				return wrapDBErrorf(err, "delete item %d", id)
			}
		}
	}
	return nil
}

// MaxItemID returns the highest assigned item id, for enumerating
// open-ended UID sets.
func (t *Tx) MaxItemID(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := t.tx.QueryRowContext(ctx, "SELECT MAX(id) FROM items").Scan(&max)
	if err != nil {
		return 0, wrapDBError("max item id", err)
	}
	return max.Int64, nil
}

// ItemIDByRemoteID resolves an item remote-id inside a resource. Remote
// ids are only unique per resource, so the resource context is mandatory.
func (t *Tx) ItemIDByRemoteID(ctx context.Context, resourceID int64, rid string) (int64, bool, error) {
	stmt, args := Select("items i", "i.id").
		Join("JOIN collections c ON c.id = i.collection_id").
		Where("c.resource_id = ?", resourceID).
		Where("i.remote_id = ?", rid).
		Limit(1).SQL()
	var id int64
	err := t.tx.QueryRowContext(ctx, stmt, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapDBErrorf(err, "item rid %q", rid)
	}
	return id, true, nil
}

// ItemIDsByGID resolves a gid to every item carrying it (gids are not
// unique).
func (t *Tx) ItemIDsByGID(ctx context.Context, gid string) ([]int64, error) {
	stmt, args := Select("items i", "i.id").
		Where("i.gid = ?", gid).
		OrderBy("i.id").SQL()
	return t.queryIDs(ctx, stmt, args)
}

// ItemsInCollection lists the ids of every item contained in colID: the
// items parented there plus, for virtual collections, the linked ones.
func (t *Tx) ItemsInCollection(ctx context.Context, colID int64) ([]int64, error) {
	stmt := `SELECT id FROM items WHERE collection_id = ?
		UNION SELECT item_id FROM item_links WHERE collection_id = ?
		ORDER BY 1`
	return t.queryIDs(ctx, stmt, []interface{}{colID, colID})
}

// ItemsWithTag lists the ids of every item carrying tagID.
func (t *Tx) ItemsWithTag(ctx context.Context, tagID int64) ([]int64, error) {
	stmt, args := Select("item_tags", "item_id").
		Where("tag_id = ?", tagID).
		OrderBy("item_id").SQL()
	return t.queryIDs(ctx, stmt, args)
}

// MergeCandidates finds the existing items in colID whose mimetype
// matches and whose remote-id or gid (per the flags) matches the given
// values. This drives CreateItem's merge modes.
func (t *Tx) MergeCandidates(ctx context.Context, colID int64, mimeType string, byRID, byGID bool, rid, gid string) ([]types.Item, error) {
	mimeID, err := t.MimeTypeID(ctx, mimeType)
	if err != nil {
		return nil, err
	}
	q := Select("items i", itemColumns).
		Where("i.collection_id = ?", colID).
		Where("i.mimetype_id = ?", mimeID).
		OrderBy("i.id")
	if byRID {
		q.Where("i.remote_id = ?", rid)
	}
	if byGID {
		// GID merge also accepts a unique RID match with an empty gid;
		// the handler backfills the gid in that case.
		q.Where("(i.gid = ? OR (i.gid = '' AND i.remote_id = ?))", gid, rid)
	}
	stmt, args := q.SQL()
	return t.queryItems(ctx, stmt, args)
}

// LinkItems inserts link rows for every item into the virtual collection
// colID, returning the ids actually linked (already-linked and missing
// items are skipped).
func (t *Tx) LinkItems(ctx context.Context, colID int64, ids []int64) ([]int64, error) {
	var linked []int64
	for _, id := range ids {
		var exists int64
		err := t.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM items WHERE id = ?", id).Scan(&exists)
		if err != nil {
			return nil, wrapDBErrorf(err, "link item %d", id)
		}
		if exists == 0 {
			continue
		}
		res, err := t.tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO item_links (item_id, collection_id) VALUES (?, ?)", id, colID)
		if err != nil {
			return nil, wrapDBErrorf(err, "link item %d", id)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			linked = append(linked, id)
		}
	}
	return linked, nil
}

// UnlinkItems removes link rows, returning the ids actually unlinked.
func (t *Tx) UnlinkItems(ctx context.Context, colID int64, ids []int64) ([]int64, error) {
	var unlinked []int64
	for _, id := range ids {
		res, err := t.tx.ExecContext(ctx,
			"DELETE FROM item_links WHERE item_id = ? AND collection_id = ?", id, colID)
		if err != nil {
			return nil, wrapDBErrorf(err, "unlink item %d", id)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			unlinked = append(unlinked, id)
		}
	}
	return unlinked, nil
}

// ItemLinked reports whether itemID is linked into the virtual collection
// colID.
func (t *Tx) ItemLinked(ctx context.Context, colID, itemID int64) (bool, error) {
	var n int64
	err := t.tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM item_links WHERE item_id = ? AND collection_id = ?",
		itemID, colID).Scan(&n)
	if err != nil {
		return false, wrapDBErrorf(err, "link of %d", itemID)
	}
	return n > 0, nil
}

// ItemIDsWithFlag lists every item carrying the named flag, optionally
// restricted to one collection (0 = everywhere). Expunge uses this with
// \DELETED.
func (t *Tx) ItemIDsWithFlag(ctx context.Context, flagName string, colID int64) ([]int64, error) {
	q := Select("item_flags f", "f.item_id").
		Join("JOIN flags fl ON fl.id = f.flag_id").
		Where("fl.name = ?", flagName).
		OrderBy("f.item_id")
	if colID != 0 {
		q.Join("JOIN items i ON i.id = f.item_id").Where("i.collection_id = ?", colID)
	}
	stmt, args := q.SQL()
	return t.queryIDs(ctx, stmt, args)
}

// FlagsForItem lists the flag names on itemID, sorted.
func (t *Tx) FlagsForItem(ctx context.Context, itemID int64) ([]string, error) {
	stmt, args := Select("item_flags f", "fl.name").
		Join("JOIN flags fl ON fl.id = f.flag_id").
		Where("f.item_id = ?", itemID).
		OrderBy("fl.name").SQL()
	rows, err := t.tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, wrapDBErrorf(err, "flags of %d", itemID)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrapDBError("scan flag", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// AddItemFlags attaches flags to an item, returning the names that were
// actually added (duplicates are silent).
func (t *Tx) AddItemFlags(ctx context.Context, itemID int64, names []string) ([]string, error) {
	var added []string
	for _, name := range names {
		fid, err := t.FlagID(ctx, name)
		if err != nil {
			return nil, err
		}
		res, err := t.tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO item_flags (item_id, flag_id) VALUES (?, ?)", itemID, fid)
		if err != nil {
			return nil, wrapDBErrorf(err, "add flag %q", name)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			added = append(added, name)
		}
	}
	return added, nil
}

// RemoveItemFlags detaches flags from an item, returning the names that
// were actually removed.
func (t *Tx) RemoveItemFlags(ctx context.Context, itemID int64, names []string) ([]string, error) {
	var removed []string
	for _, name := range names {
		fid, err := t.FlagID(ctx, name)
		if err != nil {
			return nil, err
		}
		res, err := t.tx.ExecContext(ctx,
			"DELETE FROM item_flags WHERE item_id = ? AND flag_id = ?", itemID, fid)
		if err != nil {
			return nil, wrapDBErrorf(err, "remove flag %q", name)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			removed = append(removed, name)
		}
	}
	return removed, nil
}

// SetItemFlags replaces an item's flag set wholesale, reporting whether
// anything changed.
func (t *Tx) SetItemFlags(ctx context.Context, itemID int64, names []string) (bool, error) {
	current, err := t.FlagsForItem(ctx, itemID)
	if err != nil {
		return false, err
	}
	if equalStringSets(current, names) {
		return false, nil
	}
	if _, err := t.tx.ExecContext(ctx,
		"DELETE FROM item_flags WHERE item_id = ?", itemID); err != nil {
		return false, wrapDBErrorf(err, "reset flags of %d", itemID)
	}
	if _, err := t.AddItemFlags(ctx, itemID, names); err != nil {
		return false, err
	}
	return true, nil
}

// HasFlag reports whether itemID carries the named flag.
func (t *Tx) HasFlag(ctx context.Context, itemID int64, name string) (bool, error) {
	stmt, args := Select("item_flags f", "COUNT(*)").
		Join("JOIN flags fl ON fl.id = f.flag_id").
		Where("f.item_id = ?", itemID).
		Where("fl.name = ?", name).SQL()
	var n int64
	if err := t.tx.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return false, wrapDBErrorf(err, "flag %q of %d", name, itemID)
	}
	return n > 0, nil
}

func (t *Tx) queryIDs(ctx context.Context, stmt string, args []interface{}) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, wrapDBError("query ids", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDBError("scan id", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (t *Tx) queryItems(ctx context.Context, stmt string, args []interface{}) ([]types.Item, error) {
	rows, err := t.tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, wrapDBError("query items", err)
	}
	defer rows.Close()
	type rawItem struct {
		it     types.Item
		mimeID int64
	}
	var raw []rawItem
	for rows.Next() {
		var r rawItem
		var dt, mt string
		if err := rows.Scan(&r.it.ID, &r.it.CollectionID, &r.mimeID, &r.it.RemoteID,
			&r.it.RemoteRevision, &r.it.GID, &r.it.Size, &dt, &mt,
			&r.it.Revision, &r.it.Dirty); err != nil {
			return nil, wrapDBError("scan item", err)
		}
		r.it.Datetime = parseTime(dt)
		r.it.MTime = parseTime(mt)
		raw = append(raw, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("query items", err)
	}
	// Resolve mimetype names after the rows are closed; MimeTypeName may
	// issue its own query on the shared connection.
	out := make([]types.Item, 0, len(raw))
	for _, r := range raw {
		name, err := t.MimeTypeName(ctx, r.mimeID)
		if err != nil {
			return nil, err
		}
		r.it.MimeType = name
		out = append(out, r.it)
	}
	return out, nil
}

func equalStringSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}
