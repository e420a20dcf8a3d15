package store

import (
	"context"

	"github.com/pimd/pimd/internal/types"
)

// CreateRelation inserts a relation edge; inserting the same
// (left, right, type) twice is silent.
func (t *Tx) CreateRelation(ctx context.Context, r types.Relation) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO relations (left_item_id, right_item_id, type_id, remote_id)
		 VALUES (?, ?, ?, ?)`,
		r.LeftItemID, r.RightItemID, r.TypeID, r.RemoteID)
	if err != nil {
		return false, wrapDBErrorf(err, "create relation %d->%d", r.LeftItemID, r.RightItemID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapDBError("create relation", err)
	}
	return n > 0, nil
}

// DeleteRelations removes relations matching left/right/type; a zero
// field is a wildcard. Returns the removed edges so the handler can
// notify per edge.
func (t *Tx) DeleteRelations(ctx context.Context, left, right, typeID int64) ([]types.Relation, error) {
	q := Select("relations", "left_item_id, right_item_id, type_id, remote_id")
	if left != 0 {
		q.Where("left_item_id = ?", left)
	}
	if right != 0 {
		q.Where("right_item_id = ?", right)
	}
	if typeID != 0 {
		q.Where("type_id = ?", typeID)
	}
	stmt, args := q.SQL()
	matched, err := t.queryRelations(ctx, stmt, args)
	if err != nil {
		return nil, err
	}
	for _, r := range matched {
		if _, err := t.tx.ExecContext(ctx,
			"DELETE FROM relations WHERE left_item_id = ? AND right_item_id = ? AND type_id = ?",
			r.LeftItemID, r.RightItemID, r.TypeID); err != nil {
			return nil, wrapDBErrorf(err, "delete relation %d->%d", r.LeftItemID, r.RightItemID)
		}
	}
	return matched, nil
}

// RelationsMatching lists relations matching left/right/type; a zero
// field is a wildcard. RELATIONFETCH goes through here.
func (t *Tx) RelationsMatching(ctx context.Context, left, right, typeID int64) ([]types.Relation, error) {
	q := Select("relations", "left_item_id, right_item_id, type_id, remote_id").
		OrderBy("left_item_id").OrderBy("right_item_id")
	if left != 0 {
		q.Where("left_item_id = ?", left)
	}
	if right != 0 {
		q.Where("right_item_id = ?", right)
	}
	if typeID != 0 {
		q.Where("type_id = ?", typeID)
	}
	stmt, args := q.SQL()
	return t.queryRelations(ctx, stmt, args)
}

// RelationsForItem lists every relation touching itemID from either side.
func (t *Tx) RelationsForItem(ctx context.Context, itemID int64) ([]types.Relation, error) {
	stmt, args := Select("relations", "left_item_id, right_item_id, type_id, remote_id").
		Where("(left_item_id = ? OR right_item_id = ?)", itemID, itemID).
		OrderBy("left_item_id").OrderBy("right_item_id").SQL()
	return t.queryRelations(ctx, stmt, args)
}

func (t *Tx) queryRelations(ctx context.Context, stmt string, args []interface{}) ([]types.Relation, error) {
	rows, err := t.tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, wrapDBError("query relations", err)
	}
	defer rows.Close()
	var out []types.Relation
	for rows.Next() {
		var r types.Relation
		if err := rows.Scan(&r.LeftItemID, &r.RightItemID, &r.TypeID, &r.RemoteID); err != nil {
			return nil, wrapDBError("scan relation", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
