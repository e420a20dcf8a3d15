package handler

import (
	"context"

	"github.com/pimd/pimd/internal/protocol"
	"github.com/pimd/pimd/internal/types"
)

// relationStore implements RELATIONSTORE (create a relation edge).
//
// Shape: RELATIONSTORE (LEFT l RIGHT r TYPE t REMOTEID rid)
func relationStore(ctx context.Context, e *exec, args protocol.List) error {
	p, err := optionalParams(args, 0)
	if err != nil {
		return err
	}
	rel, err := e.relationFromParams(ctx, p, true)
	if err != nil {
		return err
	}
	created, err := e.tx.CreateRelation(ctx, rel)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	e.collector.RelationAdded(rel)
	// Both endpoints observe a relations change.
	items, err := e.tx.ItemsByIDs(ctx, []int64{rel.LeftItemID, rel.RightItemID})
	if err != nil {
		return err
	}
	e.collector.ItemRelationsChanged(items, "")
	return nil
}

// relationRemove implements RELATIONREMOVE. Zero LEFT/RIGHT/TYPE act as
// wildcards.
func relationRemove(ctx context.Context, e *exec, args protocol.List) error {
	p, err := optionalParams(args, 0)
	if err != nil {
		return err
	}
	rel, err := e.relationFromParams(ctx, p, false)
	if err != nil {
		return err
	}
	removed, err := e.tx.DeleteRelations(ctx, rel.LeftItemID, rel.RightItemID, rel.TypeID)
	if err != nil {
		return err
	}
	for _, r := range removed {
		e.collector.RelationRemoved(r)
		items, err := e.tx.ItemsByIDs(ctx, []int64{r.LeftItemID, r.RightItemID})
		if err != nil {
			return err
		}
		e.collector.ItemRelationsChanged(items, "")
	}
	return nil
}

// relationFetch implements RELATIONFETCH: list edges matching the
// LEFT/RIGHT/TYPE restriction (or a SIDE item matching either endpoint).
func relationFetch(ctx context.Context, e *exec, args protocol.List) error {
	p, err := optionalParams(args, 0)
	if err != nil {
		return err
	}
	var rels []types.Relation
	if side, ok := p.int64("SIDE"); ok {
		rels, err = e.tx.RelationsForItem(ctx, side)
	} else {
		rel, perr := e.relationFromParams(ctx, p, false)
		if perr != nil {
			return perr
		}
		rels, err = e.tx.RelationsMatching(ctx, rel.LeftItemID, rel.RightItemID, rel.TypeID)
	}
	if err != nil {
		return err
	}
	for _, rel := range rels {
		typeName, err := e.tx.RelationTypeName(ctx, rel.TypeID)
		if err != nil {
			return err
		}
		out := protocol.List{
			protocol.Atom("RELATIONFETCH"),
			protocol.Atom("LEFT"), protocol.Int(rel.LeftItemID),
			protocol.Atom("RIGHT"), protocol.Int(rel.RightItemID),
			protocol.Atom("TYPE"), protocol.Str(typeName),
		}
		if rel.RemoteID != "" {
			out = append(out, protocol.Atom("REMOTEID"), protocol.Str(rel.RemoteID))
		}
		if err := e.untagged(out); err != nil {
			return err
		}
	}
	return nil
}

// relationFromParams decodes the shared LEFT/RIGHT/TYPE/REMOTEID shape.
// With required set, LEFT, RIGHT, and TYPE must all be present.
func (e *exec) relationFromParams(ctx context.Context, p *params, required bool) (types.Relation, error) {
	var rel types.Relation
	left, hasLeft := p.int64("LEFT")
	right, hasRight := p.int64("RIGHT")
	typeName, hasType := p.str("TYPE")
	if required && (!hasLeft || !hasRight || !hasType) {
		return rel, badf("RELATIONSTORE requires LEFT, RIGHT and TYPE")
	}
	rel.LeftItemID = left
	rel.RightItemID = right
	if hasType && typeName != "" {
		typeID, err := e.tx.RelationTypeID(ctx, typeName)
		if err != nil {
			return rel, err
		}
		rel.TypeID = typeID
	}
	rel.RemoteID, _ = p.str("REMOTEID")
	return rel, nil
}
