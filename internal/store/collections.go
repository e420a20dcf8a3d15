package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/pimd/pimd/internal/types"
)

const collectionColumns = `id, parent_id, name, resource_id, remote_id, remote_revision,
	enabled, sync_pref, display_pref, index_pref, virtual,
	cache_inherit, cache_interval, cache_timeout, cache_sync_on_demand, cache_local_parts,
	attributes`

func scanCollection(row interface{ Scan(...interface{}) error }) (types.Collection, error) {
	var c types.Collection
	var localParts string
	var attrs []byte
	err := row.Scan(&c.ID, &c.ParentID, &c.Name, &c.ResourceID, &c.RemoteID, &c.RemoteRevision,
		&c.Enabled, &c.SyncPref, &c.DisplayPref, &c.IndexPref, &c.Virtual,
		&c.CachePolicy.Inherit, &c.CachePolicy.CheckInterval, &c.CachePolicy.CacheTimeout,
		&c.CachePolicy.SyncOnDemand, &localParts, &attrs)
	if err != nil {
		return types.Collection{}, err
	}
	if localParts != "" {
		c.CachePolicy.LocalParts = strings.Split(localParts, " ")
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &c.Attributes); err != nil {
			return types.Collection{}, err
		}
	}
	return c, nil
}

func encodeAttributes(attrs map[string][]byte) ([]byte, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	return json.Marshal(attrs)
}

// CollectionByID fetches a collection, consulting the identity cache
// first. The returned value includes its allowed child mimetype names.
func (t *Tx) CollectionByID(ctx context.Context, id int64) (types.Collection, error) {
	if c, ok := t.s.cachedCollectionByID(id); ok {
		return c, nil
	}
	row := t.tx.QueryRowContext(ctx,
		"SELECT "+collectionColumns+" FROM collections WHERE id = ?", id)
	c, err := scanCollection(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return types.Collection{}, wrapDBErrorf(err, "collection %d", id)
		}
		return types.Collection{}, wrapDBErrorf(err, "collection %d", id)
	}
	if c.MimeTypes, err = t.collectionMimeTypes(ctx, id); err != nil {
		return types.Collection{}, err
	}
	t.s.cacheCollection(c)
	return c, nil
}

// CreateCollection inserts a collection row and its mimetype links,
// assigning c.ID.
func (t *Tx) CreateCollection(ctx context.Context, c *types.Collection) error {
	attrs, err := encodeAttributes(c.Attributes)
	if err != nil {
		return wrapDBError("create collection", err)
	}
	res, err := t.tx.ExecContext(ctx, `INSERT INTO collections
		(parent_id, name, resource_id, remote_id, remote_revision,
		 enabled, sync_pref, display_pref, index_pref, virtual,
		 cache_inherit, cache_interval, cache_timeout, cache_sync_on_demand, cache_local_parts,
		 attributes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ParentID, c.Name, c.ResourceID, c.RemoteID, c.RemoteRevision,
		c.Enabled, c.SyncPref, c.DisplayPref, c.IndexPref, c.Virtual,
		c.CachePolicy.Inherit, c.CachePolicy.CheckInterval, c.CachePolicy.CacheTimeout,
		c.CachePolicy.SyncOnDemand, strings.Join(c.CachePolicy.LocalParts, " "),
		attrs)
	if err != nil {
		return wrapDBErrorf(err, "create collection %q", c.Name)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return wrapDBError("create collection", err)
	}
	return t.setCollectionMimeTypes(ctx, c.ID, c.MimeTypes)
}

// UpdateCollection writes back every mutable field of c and refreshes the
// mimetype links.
func (t *Tx) UpdateCollection(ctx context.Context, c types.Collection) error {
	attrs, err := encodeAttributes(c.Attributes)
	if err != nil {
		return wrapDBError("update collection", err)
	}
	_, err = t.tx.ExecContext(ctx, `UPDATE collections SET
		parent_id = ?, name = ?, resource_id = ?, remote_id = ?, remote_revision = ?,
		enabled = ?, sync_pref = ?, display_pref = ?, index_pref = ?, virtual = ?,
		cache_inherit = ?, cache_interval = ?, cache_timeout = ?, cache_sync_on_demand = ?,
		cache_local_parts = ?, attributes = ?
		WHERE id = ?`,
		c.ParentID, c.Name, c.ResourceID, c.RemoteID, c.RemoteRevision,
		c.Enabled, c.SyncPref, c.DisplayPref, c.IndexPref, c.Virtual,
		c.CachePolicy.Inherit, c.CachePolicy.CheckInterval, c.CachePolicy.CacheTimeout,
		c.CachePolicy.SyncOnDemand, strings.Join(c.CachePolicy.LocalParts, " "),
		attrs, c.ID)
	if err != nil {
		return wrapDBErrorf(err, "update collection %d", c.ID)
	}
	if err := t.setCollectionMimeTypes(ctx, c.ID, c.MimeTypes); err != nil {
		return err
	}
	t.s.invalidateCollection(c.ID)
	return nil
}

// DeleteCollection removes a single collection row and its bookkeeping
// (mimetype links, references, link rows, search query). Items are the
// caller's responsibility; the delete-collection handler walks the subtree
// bottom-up and removes items first.
func (t *Tx) DeleteCollection(ctx context.Context, id int64) error {
	for _, stmt := range []string{
		"DELETE FROM collection_mimetypes WHERE collection_id = ?",
		"DELETE FROM collection_references WHERE collection_id = ?",
		"DELETE FROM item_links WHERE collection_id = ?",
		"DELETE FROM search_collections WHERE collection_id = ?",
		"DELETE FROM collections WHERE id = ?",
	} {
		if _, err := t.tx.ExecContext(ctx, stmt, id); err != nil {
			return wrapDBErrorf(err, "delete collection %d", id)
		}
	}
	t.s.invalidateCollection(id)
	return nil
}

// ChildCollections lists the immediate children of parentID, ordered by
// id.
func (t *Tx) ChildCollections(ctx context.Context, parentID int64) ([]types.Collection, error) {
	stmt, args := Select("collections", collectionColumns).
		Where("parent_id = ?", parentID).
		OrderBy("id").SQL()
	rows, err := t.tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, wrapDBErrorf(err, "children of %d", parentID)
	}
	defer rows.Close()
	var out []types.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, wrapDBError("scan collection", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("children", err)
	}
	for i := range out {
		if out[i].MimeTypes, err = t.collectionMimeTypes(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CollectionSubtree returns rootID's subtree in breadth-first order,
// including the root itself.
func (t *Tx) CollectionSubtree(ctx context.Context, rootID int64) ([]types.Collection, error) {
	root, err := t.CollectionByID(ctx, rootID)
	if err != nil {
		return nil, err
	}
	out := []types.Collection{root}
	for i := 0; i < len(out); i++ {
		children, err := t.ChildCollections(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out = append(out, children...)
	}
	return out, nil
}

// AncestorChain returns up to depth ancestors of id, nearest first. A
// negative depth means all the way to the root.
func (t *Tx) AncestorChain(ctx context.Context, id int64, depth int) ([]types.Collection, error) {
	var out []types.Collection
	current := id
	for depth != 0 {
		c, err := t.CollectionByID(ctx, current)
		if err != nil {
			return nil, err
		}
		if c.ParentID == 0 {
			break
		}
		parent, err := t.CollectionByID(ctx, c.ParentID)
		if err != nil {
			return nil, err
		}
		out = append(out, parent)
		current = parent.ID
		if depth > 0 {
			depth--
		}
	}
	return out, nil
}

// ResourceRootCollectionID finds the top-level collection owned by a
// resource (parent 0).
func (t *Tx) ResourceRootCollectionID(ctx context.Context, resourceID int64) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx,
		"SELECT id FROM collections WHERE parent_id = 0 AND resource_id = ? ORDER BY id LIMIT 1",
		resourceID).Scan(&id)
	if err != nil {
		return 0, wrapDBErrorf(err, "root collection of resource %d", resourceID)
	}
	return id, nil
}

// ChildCollectionByRemoteID finds a child of parentID with the given
// remote-id inside the given resource.
func (t *Tx) ChildCollectionByRemoteID(ctx context.Context, parentID, resourceID int64, rid string) (int64, bool, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx,
		"SELECT id FROM collections WHERE parent_id = ? AND resource_id = ? AND remote_id = ?",
		parentID, resourceID, rid).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapDBErrorf(err, "child rid %q", rid)
	}
	return id, true, nil
}

// CollectionIDByRemoteID resolves a collection remote-id inside a
// resource, for RID-scoped collection commands.
func (t *Tx) CollectionIDByRemoteID(ctx context.Context, resourceID int64, rid string) (int64, bool, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx,
		"SELECT id FROM collections WHERE resource_id = ? AND remote_id = ?",
		resourceID, rid).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapDBErrorf(err, "collection rid %q", rid)
	}
	return id, true, nil
}

// MaxCollectionID returns the highest assigned collection id, for
// enumerating open-ended UID sets over collections.
func (t *Tx) MaxCollectionID(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := t.tx.QueryRowContext(ctx, "SELECT MAX(id) FROM collections").Scan(&max)
	if err != nil {
		return 0, wrapDBError("max collection id", err)
	}
	return max.Int64, nil
}

// AllCollections lists every collection, ordered by id. Used by the stats
// cache prefetch and the interval scheduler's init scan.
func (t *Tx) AllCollections(ctx context.Context) ([]types.Collection, error) {
	stmt, args := Select("collections", collectionColumns).OrderBy("id").SQL()
	rows, err := t.tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, wrapDBError("all collections", err)
	}
	defer rows.Close()
	var out []types.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, wrapDBError("scan collection", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *Tx) collectionMimeTypes(ctx context.Context, id int64) ([]string, error) {
	stmt, args := Select("collection_mimetypes cm", "m.name").
		Join("JOIN mimetypes m ON m.id = cm.mimetype_id").
		Where("cm.collection_id = ?", id).
		OrderBy("m.name").SQL()
	rows, err := t.tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, wrapDBErrorf(err, "mimetypes of collection %d", id)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrapDBError("scan mimetype", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (t *Tx) setCollectionMimeTypes(ctx context.Context, id int64, names []string) error {
	if _, err := t.tx.ExecContext(ctx,
		"DELETE FROM collection_mimetypes WHERE collection_id = ?", id); err != nil {
		return wrapDBErrorf(err, "reset mimetypes of %d", id)
	}
	for _, name := range names {
		mtID, err := t.MimeTypeID(ctx, name)
		if err != nil {
			return err
		}
		if _, err := t.tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO collection_mimetypes (collection_id, mimetype_id) VALUES (?, ?)",
			id, mtID); err != nil {
			return wrapDBErrorf(err, "link mimetype %q", name)
		}
	}
	t.s.invalidateCollection(id)
	return nil
}

// AddCollectionReference marks colID referenced by sessionID; reports
// whether the reference is new.
func (t *Tx) AddCollectionReference(ctx context.Context, sessionID, colID int64) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO collection_references (session_id, collection_id) VALUES (?, ?)",
		sessionID, colID)
	if err != nil {
		return false, wrapDBErrorf(err, "reference collection %d", colID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapDBError("reference collection", err)
	}
	return n > 0, nil
}

// RemoveCollectionReference drops sessionID's reference on colID; reports
// whether one existed.
func (t *Tx) RemoveCollectionReference(ctx context.Context, sessionID, colID int64) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		"DELETE FROM collection_references WHERE session_id = ? AND collection_id = ?",
		sessionID, colID)
	if err != nil {
		return false, wrapDBErrorf(err, "unreference collection %d", colID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapDBError("unreference collection", err)
	}
	return n > 0, nil
}

// CollectionReferenced reports whether any session currently references
// colID ("globally referenced").
func (t *Tx) CollectionReferenced(ctx context.Context, colID int64) (bool, error) {
	var n int64
	err := t.tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM collection_references WHERE collection_id = ?", colID).Scan(&n)
	if err != nil {
		return false, wrapDBErrorf(err, "references of %d", colID)
	}
	return n > 0, nil
}

// RemoveSessionReferences drops every reference held by sessionID and
// returns the collection ids that lost a reference. Called when a session
// disconnects.
func (t *Tx) RemoveSessionReferences(ctx context.Context, sessionID int64) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT collection_id FROM collection_references WHERE session_id = ?", sessionID)
	if err != nil {
		return nil, wrapDBErrorf(err, "references of session %d", sessionID)
	}
	var cols []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, wrapDBError("scan reference", err)
		}
		cols = append(cols, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, wrapDBError("references", err)
	}
	rows.Close()
	if _, err := t.tx.ExecContext(ctx,
		"DELETE FROM collection_references WHERE session_id = ?", sessionID); err != nil {
		return nil, wrapDBErrorf(err, "drop references of session %d", sessionID)
	}
	return cols, nil
}

// CollectionStats computes the exact (count, unread, size) aggregate over
// the items whose parent is colID. The statistics cache uses this for
// cold loads and recomputation fallbacks.
func (t *Tx) CollectionStats(ctx context.Context, colID int64) (types.Stats, error) {
	var st types.Stats
	err := t.tx.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(size), 0) FROM items WHERE collection_id = ?",
		colID).Scan(&st.Count, &st.Size)
	if err != nil {
		return types.Stats{}, wrapDBErrorf(err, "stats of %d", colID)
	}
	stmt, args := Select("items i", "COUNT(*)").
		Where("i.collection_id = ?", colID).
		Where(`NOT EXISTS (SELECT 1 FROM item_flags f
			JOIN flags fl ON fl.id = f.flag_id
			WHERE f.item_id = i.id AND fl.name = ?)`, types.FlagSeen).SQL()
	if err := t.tx.QueryRowContext(ctx, stmt, args...).Scan(&st.Unread); err != nil {
		return types.Stats{}, wrapDBErrorf(err, "unread of %d", colID)
	}
	return st, nil
}

// SaveSearchQuery persists the stored query behind a persistent search
// collection.
func (t *Tx) SaveSearchQuery(ctx context.Context, colID int64, query string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO search_collections (collection_id, query_text) VALUES (?, ?)
		 ON CONFLICT(collection_id) DO UPDATE SET query_text = excluded.query_text`,
		colID, query)
	return wrapDBErrorf(err, "save search query for %d", colID)
}

// SearchQuery fetches the stored query of a persistent search collection.
func (t *Tx) SearchQuery(ctx context.Context, colID int64) (string, error) {
	var q string
	err := t.tx.QueryRowContext(ctx,
		"SELECT query_text FROM search_collections WHERE collection_id = ?", colID).Scan(&q)
	if err != nil {
		return "", wrapDBErrorf(err, "search query of %d", colID)
	}
	return q, nil
}
