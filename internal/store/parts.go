package store

import (
	"context"
	"database/sql"

	"github.com/pimd/pimd/internal/types"
)

// PartsForItem lists every part of itemID, ordered by name. Data for
// external parts is whatever the retrieval layer last stored (possibly
// nil).
func (t *Tx) PartsForItem(ctx context.Context, itemID int64) ([]types.Part, error) {
	stmt, args := Select("parts", "item_id, name, data, external_ref, storage, version, datasize").
		Where("item_id = ?", itemID).
		OrderBy("name").SQL()
	rows, err := t.tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, wrapDBErrorf(err, "parts of %d", itemID)
	}
	defer rows.Close()
	var out []types.Part
	for rows.Next() {
		var p types.Part
		if err := rows.Scan(&p.ItemID, &p.Name, &p.Data, &p.ExternalRef,
			&p.Storage, &p.Version, &p.DataSize); err != nil {
			return nil, wrapDBError("scan part", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PartByName fetches a single named part of an item.
func (t *Tx) PartByName(ctx context.Context, itemID int64, name string) (types.Part, bool, error) {
	var p types.Part
	err := t.tx.QueryRowContext(ctx,
		`SELECT item_id, name, data, external_ref, storage, version, datasize
		 FROM parts WHERE item_id = ? AND name = ?`, itemID, name).
		Scan(&p.ItemID, &p.Name, &p.Data, &p.ExternalRef, &p.Storage, &p.Version, &p.DataSize)
	if err == sql.ErrNoRows {
		return types.Part{}, false, nil
	}
	if err != nil {
		return types.Part{}, false, wrapDBErrorf(err, "part %q of %d", name, itemID)
	}
	return p, true, nil
}

// UpsertPart inserts or replaces a part row.
func (t *Tx) UpsertPart(ctx context.Context, p types.Part) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO parts (item_id, name, data, external_ref, storage, version, datasize)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(item_id, name) DO UPDATE SET
		   data = excluded.data, external_ref = excluded.external_ref,
		   storage = excluded.storage, version = excluded.version,
		   datasize = excluded.datasize`,
		p.ItemID, p.Name, p.Data, p.ExternalRef, p.Storage, p.Version, p.DataSize)
	return wrapDBErrorf(err, "upsert part %q of %d", p.Name, p.ItemID)
}

// DeletePart removes a single named part.
func (t *Tx) DeletePart(ctx context.Context, itemID int64, name string) error {
	_, err := t.tx.ExecContext(ctx,
		"DELETE FROM parts WHERE item_id = ? AND name = ?", itemID, name)
	return wrapDBErrorf(err, "delete part %q of %d", name, itemID)
}

// SumPartSizes returns the summed datasize of an item's payload parts,
// used by the size-raise rule (summed part sizes above the declared item
// size raise the item size).
func (t *Tx) SumPartSizes(ctx context.Context, itemID int64) (int64, error) {
	var sum sql.NullInt64
	err := t.tx.QueryRowContext(ctx,
		"SELECT SUM(datasize) FROM parts WHERE item_id = ? AND name LIKE 'PLD:%'",
		itemID).Scan(&sum)
	if err != nil {
		return 0, wrapDBErrorf(err, "part sizes of %d", itemID)
	}
	return sum.Int64, nil
}

// MissingParts reports which of the requested payload part names have no
// locally cached bytes for itemID (no row, or an external row whose data
// was never fetched). The retrieval coordinator fetches exactly these.
func (t *Tx) MissingParts(ctx context.Context, itemID int64, names []string) ([]string, error) {
	var missing []string
	for _, name := range names {
		p, ok, err := t.PartByName(ctx, itemID, name)
		if err != nil {
			return nil, err
		}
		if !ok || (p.Storage == types.StorageExternal && p.Data == nil) {
			missing = append(missing, name)
		}
	}
	return missing, nil
}
