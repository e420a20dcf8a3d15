package handler

import (
	"context"

	"github.com/pimd/pimd/internal/protocol"
	"github.com/pimd/pimd/internal/store"
	"github.com/pimd/pimd/internal/types"
)

// createCollection implements CREATE (CreateCollection).
//
// Shape:
//
//	CREATE <name> <parent> (MIMETYPE (...) REMOTEID r REMOTEREVISION rr
//	       VIRTUAL ENABLED true SYNC TRUE DISPLAY UNDEFINED INDEX FALSE
//	       CACHEPOLICY (INHERIT false INTERVAL 20 CACHETIMEOUT 60
//	                    SYNCONDEMAND LOCALPARTS (PLD:DATA))
//	       ATR:<name> <value> ...)
func createCollection(ctx context.Context, e *exec, args protocol.List) error {
	nameTok, err := firstArg(args, "collection name")
	if err != nil {
		return err
	}
	name, ok := protocol.StringValue(nameTok)
	if !ok || name == "" {
		return badf("invalid collection name")
	}
	if len(args) < 2 {
		return badf("CREATE requires a parent collection")
	}
	parentID, err := e.resolveCollection(ctx, args[1])
	if err != nil {
		return err
	}
	p, err := optionalParams(args, 2)
	if err != nil {
		return err
	}

	col := types.Collection{
		ParentID: parentID,
		Name:     name,
		Enabled:  true,
	}
	col.CachePolicy.Inherit = true

	if parentID != 0 {
		parent, err := e.tx.CollectionByID(ctx, parentID)
		if err != nil {
			if store.IsNotFound(err) {
				return failf("Invalid parent collection")
			}
			return err
		}
		col.ResourceID = parent.ResourceID
	} else {
		// Top-level collections belong to the session's resource.
		res, ok := e.sess().ResourceContext()
		if !ok {
			return failf("Cannot create top-level collection without resource context")
		}
		col.ResourceID = res.ID
	}

	applyCollectionParams(&col, p)
	if err := parseCachePolicy(&col.CachePolicy, p); err != nil {
		return err
	}
	col.Attributes = p.attrAssignments()

	if err := e.tx.CreateCollection(ctx, &col); err != nil {
		return err
	}

	resource := e.resourceNameOf(ctx, col.ID)
	e.collector.CollectionAdded(col, resource)

	env := e.env()
	colID := col.ID
	e.tx.OnCommit(func() {
		if env.Scheduler != nil {
			env.Scheduler.CollectionAdded(colID)
		}
	})

	return e.untagged(protocol.List{
		protocol.Int(col.ID), protocol.Atom("CREATE"),
		protocol.Atom("NAME"), protocol.Str(col.Name),
		protocol.Atom("PARENT"), protocol.Int(col.ParentID),
	})
}

// applyCollectionParams copies the simple field params onto col.
func applyCollectionParams(col *types.Collection, p *params) {
	if mimeTypes, ok := p.strList("MIMETYPE"); ok {
		col.MimeTypes = mimeTypes
	}
	if rid, ok := p.str("REMOTEID"); ok {
		col.RemoteID = rid
	}
	if rrev, ok := p.str("REMOTEREVISION"); ok {
		col.RemoteRevision = rrev
	}
	if p.has("VIRTUAL") {
		col.Virtual = true
	}
	if enabled, ok := p.boolVal("ENABLED"); ok {
		col.Enabled = enabled
	}
	if tri, ok := triStateParam(p, "SYNC"); ok {
		col.SyncPref = tri
	}
	if tri, ok := triStateParam(p, "DISPLAY"); ok {
		col.DisplayPref = tri
	}
	if tri, ok := triStateParam(p, "INDEX"); ok {
		col.IndexPref = tri
	}
}

func triStateParam(p *params, key string) (types.TriState, bool) {
	s, ok := p.str(key)
	if !ok {
		return types.TriUndefined, false
	}
	switch s {
	case "TRUE", "true":
		return types.TriTrue, true
	case "FALSE", "false":
		return types.TriFalse, true
	case "UNDEFINED", "DEFAULT":
		return types.TriUndefined, true
	}
	return types.TriUndefined, false
}

// parseCachePolicy decodes the nested CACHEPOLICY list.
func parseCachePolicy(cp *types.CachePolicy, p *params) error {
	tok, ok := p.token("CACHEPOLICY")
	if !ok || tok == nil {
		return nil
	}
	list, okList := tok.(protocol.List)
	if !okList {
		return badf("CACHEPOLICY must be a list")
	}
	nested, err := parseParams(list)
	if err != nil {
		return err
	}
	if v, ok := nested.boolVal("INHERIT"); ok {
		cp.Inherit = v
	}
	if n, ok := nested.int64("INTERVAL"); ok {
		cp.CheckInterval = int(n)
	}
	if n, ok := nested.int64("CACHETIMEOUT"); ok {
		cp.CacheTimeout = int(n)
	}
	if nested.has("SYNCONDEMAND") {
		cp.SyncOnDemand = true
	}
	if parts, ok := nested.strList("LOCALPARTS"); ok {
		cp.LocalParts = parts
	}
	return nil
}
