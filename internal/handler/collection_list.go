package handler

import (
	"context"

	"github.com/pimd/pimd/internal/protocol"
	"github.com/pimd/pimd/internal/store"
	"github.com/pimd/pimd/internal/types"
)

// listCollections implements LIST (FetchCollections): three depths, the
// mimetype/resource/enabled/pref filters, ancestor inclusion, and the
// scaffold rule for intermediate nodes whose descendants match a
// mimetype filter the intermediate itself fails.
//
// Shape:
//
//	LIST <base> BASE|PARENT|ALL (MIMETYPE (...) RESOURCE "r" ENABLED true
//	     SYNC TRUE DISPLAY TRUE INDEX TRUE ANCESTORS n)
func listCollections(ctx context.Context, e *exec, args protocol.List) error {
	baseTok, err := firstArg(args, "base collection")
	if err != nil {
		return err
	}
	baseID, err := e.resolveCollection(ctx, baseTok)
	if err != nil {
		return err
	}
	depth := "BASE"
	if len(args) > 1 {
		if d, ok := protocol.StringValue(args[1]); ok {
			depth = d
		}
	}
	p, err := optionalParams(args, 2)
	if err != nil {
		return err
	}
	f, err := e.buildListFilter(ctx, p)
	if err != nil {
		return err
	}
	ancestorDepth := 0
	if n, ok := p.int64("ANCESTORS"); ok {
		ancestorDepth = int(n)
	}

	var candidates []types.Collection
	switch depth {
	case "BASE":
		base, err := e.tx.CollectionByID(ctx, baseID)
		if err != nil {
			if store.IsNotFound(err) {
				return failf("No such collection")
			}
			return err
		}
		candidates = []types.Collection{base}
	case "PARENT":
		candidates, err = e.tx.ChildCollections(ctx, baseID)
		if err != nil {
			return err
		}
	case "ALL":
		if baseID == 0 {
			candidates, err = e.tx.AllCollections(ctx)
		} else {
			candidates, err = e.tx.CollectionSubtree(ctx, baseID)
		}
		if err != nil {
			return err
		}
	default:
		return badf("unknown list depth %q", depth)
	}

	matched := make(map[int64]bool)
	byID := make(map[int64]types.Collection, len(candidates))
	for _, col := range candidates {
		byID[col.ID] = col
		ok, err := e.matchListFilter(ctx, col, f)
		if err != nil {
			return err
		}
		if ok {
			matched[col.ID] = true
		}
	}

	// Scaffold rule: a non-matching intermediate whose descendant matches
	// is included without content metadata so clients can rebuild the
	// tree.
	scaffold := make(map[int64]bool)
	for id := range matched {
		parent := byID[id].ParentID
		for parent != 0 {
			col, ok := byID[parent]
			if !ok || matched[parent] || scaffold[parent] {
				break
			}
			scaffold[parent] = true
			parent = col.ParentID
		}
	}

	for _, col := range candidates {
		switch {
		case matched[col.ID]:
			if err := e.writeCollectionResponse(ctx, col, false, ancestorDepth); err != nil {
				return err
			}
		case scaffold[col.ID]:
			if err := e.writeCollectionResponse(ctx, col, true, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// listFilter holds the resolved LIST filter inputs.
type listFilter struct {
	mimeTypes  map[string]bool
	resourceID int64
	enabled    *bool
	sync       *types.TriState
	display    *types.TriState
	index      *types.TriState
}

func (e *exec) buildListFilter(ctx context.Context, p *params) (*listFilter, error) {
	f := &listFilter{}
	if mimeTypes, ok := p.strList("MIMETYPE"); ok {
		f.mimeTypes = make(map[string]bool, len(mimeTypes))
		for _, m := range mimeTypes {
			f.mimeTypes[m] = true
		}
	}
	if name, ok := p.str("RESOURCE"); ok {
		res, err := e.tx.ResourceByName(ctx, name)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, failf("Unknown resource %q", name)
			}
			return nil, err
		}
		f.resourceID = res.ID
	}
	if enabled, ok := p.boolVal("ENABLED"); ok {
		f.enabled = &enabled
	}
	if tri, ok := triStateParam(p, "SYNC"); ok {
		f.sync = &tri
	}
	if tri, ok := triStateParam(p, "DISPLAY"); ok {
		f.display = &tri
	}
	if tri, ok := triStateParam(p, "INDEX"); ok {
		f.index = &tri
	}
	return f, nil
}

func (e *exec) matchListFilter(ctx context.Context, col types.Collection, f *listFilter) (bool, error) {
	if f.resourceID != 0 && col.ResourceID != f.resourceID {
		return false, nil
	}
	if f.enabled != nil && col.Enabled != *f.enabled {
		return false, nil
	}
	if f.sync != nil && col.SyncPref != *f.sync {
		return false, nil
	}
	if f.display != nil && col.DisplayPref != *f.display {
		return false, nil
	}
	if f.index != nil && col.IndexPref != *f.index {
		return false, nil
	}
	if len(f.mimeTypes) > 0 {
		ok := false
		for _, m := range col.MimeTypes {
			if f.mimeTypes[m] {
				ok = true
				break
			}
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// writeCollectionResponse emits one untagged LIST frame. Scaffold rows
// carry only identity and hierarchy, no content metadata.
func (e *exec) writeCollectionResponse(ctx context.Context, col types.Collection, scaffoldOnly bool, ancestorDepth int) error {
	out := protocol.List{
		protocol.Int(col.ID), protocol.Atom("LIST"),
		protocol.Atom("NAME"), protocol.Str(col.Name),
		protocol.Atom("PARENT"), protocol.Int(col.ParentID),
	}
	if scaffoldOnly {
		out = append(out, protocol.Atom("SCAFFOLD"))
		return e.untagged(out)
	}
	if col.RemoteID != "" {
		out = append(out, protocol.Atom("REMOTEID"), protocol.Str(col.RemoteID))
	}
	if col.RemoteRevision != "" {
		out = append(out, protocol.Atom("REMOTEREVISION"), protocol.Str(col.RemoteRevision))
	}
	var mimeList protocol.List
	for _, m := range col.MimeTypes {
		mimeList = append(mimeList, protocol.Str(m))
	}
	out = append(out, protocol.Atom("MIMETYPE"), mimeList)
	out = append(out, protocol.Atom("ENABLED"), boolAtom(col.Enabled))
	out = append(out, protocol.Atom("SYNC"), protocol.Atom(col.SyncPref.String()))
	out = append(out, protocol.Atom("DISPLAY"), protocol.Atom(col.DisplayPref.String()))
	out = append(out, protocol.Atom("INDEX"), protocol.Atom(col.IndexPref.String()))
	if col.Virtual {
		out = append(out, protocol.Atom("VIRTUAL"))
	}
	referenced, err := e.tx.CollectionReferenced(ctx, col.ID)
	if err != nil {
		return err
	}
	if referenced {
		out = append(out, protocol.Atom("REFERENCED"))
	}
	cp := protocol.List{
		protocol.Atom("INHERIT"), boolAtom(col.CachePolicy.Inherit),
		protocol.Atom("INTERVAL"), protocol.Int(int64(col.CachePolicy.CheckInterval)),
		protocol.Atom("CACHETIMEOUT"), protocol.Int(int64(col.CachePolicy.CacheTimeout)),
	}
	if col.CachePolicy.SyncOnDemand {
		cp = append(cp, protocol.Atom("SYNCONDEMAND"))
	}
	if len(col.CachePolicy.LocalParts) > 0 {
		var lp protocol.List
		for _, part := range col.CachePolicy.LocalParts {
			lp = append(lp, protocol.Atom(part))
		}
		cp = append(cp, protocol.Atom("LOCALPARTS"), lp)
	}
	out = append(out, protocol.Atom("CACHEPOLICY"), cp)

	st, err := e.env().Stats.Get(ctx, col.ID)
	if err == nil {
		out = append(out, protocol.Atom("STATS"), protocol.List{
			protocol.Int(st.Count), protocol.Int(st.Unread), protocol.Int(st.Size),
		})
	}

	if ancestorDepth != 0 {
		chain, err := e.tx.AncestorChain(ctx, col.ID, ancestorDepth)
		if err != nil {
			return err
		}
		var ancestors protocol.List
		for _, a := range chain {
			ancestors = append(ancestors, protocol.List{
				protocol.Int(a.ID), protocol.Str(a.RemoteID),
			})
		}
		out = append(out, protocol.Atom("ANCESTORS"), ancestors)
	}
	return e.untagged(out)
}

func boolAtom(b bool) protocol.Atom {
	if b {
		return protocol.Atom("TRUE")
	}
	return protocol.Atom("FALSE")
}
