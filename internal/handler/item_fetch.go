package handler

import (
	"context"

	"github.com/pimd/pimd/internal/protocol"
	"github.com/pimd/pimd/internal/types"
)

// fetchItems implements FETCH: resolve the scope, optionally pull missing
// payload parts through the retrieval coordinator, and stream one
// untagged response per item.
//
// Shape:
//
//	[UID|RID|GID] FETCH <scope> (PARTS (PLD:DATA ATR:x) FULLPAYLOAD ALLATTR
//	              ANCESTORS n CACHEONLY IGNOREERRORS CHANGEDSINCE "ts"
//	              EXTERNALPAYLOAD CHECKCACHEDPARTSONLY)
func fetchItems(ctx context.Context, e *exec, args protocol.List) error {
	scopeTok, err := firstArg(args, "item scope")
	if err != nil {
		return err
	}
	p, err := optionalParams(args, 1)
	if err != nil {
		return err
	}
	ids, err := e.resolveItems(ctx, scopeTok, p)
	if err != nil {
		return err
	}

	wantParts, _ := p.strList("PARTS")
	fullPayload := p.has("FULLPAYLOAD")
	allAttr := p.has("ALLATTR")
	cacheOnly := p.has("CACHEONLY") || p.has("CHECKCACHEDPARTSONLY")
	ignoreErrors := p.has("IGNOREERRORS")
	ancestorDepth := 0
	if n, ok := p.int64("ANCESTORS"); ok {
		ancestorDepth = int(n)
	}
	var changedSince types.Item // zero time when unset
	if raw, ok := p.str("CHANGEDSINCE"); ok {
		ts, err := protocol.ParseDateTime(raw)
		if err != nil {
			return badf("%v", err)
		}
		changedSince.MTime = ts
	}

	items, err := e.tx.ItemsByIDs(ctx, ids)
	if err != nil {
		return err
	}
	for _, item := range items {
		if !changedSince.MTime.IsZero() && item.MTime.Before(changedSince.MTime) {
			continue
		}
		stored, err := e.tx.PartsForItem(ctx, item.ID)
		if err != nil {
			return err
		}
		selected := selectParts(stored, wantParts, fullPayload, allAttr)

		if !cacheOnly && e.env().Retrieval != nil {
			var payloadNames []string
			for _, part := range selected {
				if part.Namespace() == types.NamespacePayload {
					payloadNames = append(payloadNames, part.Name)
				}
			}
			if fullPayload {
				payloadNames = append(payloadNames, "PLD:RFC822")
				payloadNames = dedupeStrings(payloadNames)
			}
			if len(payloadNames) > 0 {
				omit, err := e.env().Retrieval.RetrieveParts(ctx, item.ID, payloadNames, ignoreErrors)
				if err != nil {
					return failf("%v", err)
				}
				if omit {
					continue
				}
				// Re-read: the retrieval landed fresh bytes in the part
				// table.
				if stored, err = e.tx.PartsForItem(ctx, item.ID); err != nil {
					return err
				}
				selected = selectParts(stored, wantParts, fullPayload, allAttr)
			}
		}

		if err := e.writeFetchResponse(ctx, item, selected, ancestorDepth); err != nil {
			return err
		}
	}
	return nil
}

// selectParts filters an item's stored parts per the fetch options.
func selectParts(stored []types.Part, want []string, fullPayload, allAttr bool) []types.Part {
	if len(want) == 0 && !fullPayload && !allAttr {
		return nil
	}
	wanted := make(map[string]bool, len(want))
	for _, w := range want {
		wanted[w] = true
	}
	var out []types.Part
	for _, part := range stored {
		switch {
		case wanted[part.Name]:
			out = append(out, part)
		case fullPayload && part.Namespace() == types.NamespacePayload:
			out = append(out, part)
		case allAttr && part.Namespace() == types.NamespaceAttribute:
			out = append(out, part)
		}
	}
	return out
}

// writeFetchResponse emits the untagged per-item frame: metadata, flags,
// tags, the ancestor chain, then each part through the streamer.
func (e *exec) writeFetchResponse(ctx context.Context, item types.Item, parts []types.Part, ancestorDepth int) error {
	flags, err := e.tx.FlagsForItem(ctx, item.ID)
	if err != nil {
		return err
	}
	tags, err := e.tx.TagsForItem(ctx, item.ID)
	if err != nil {
		return err
	}

	meta := protocol.List{
		protocol.Int(item.ID), protocol.Atom("FETCH"),
		protocol.Atom("MIMETYPE"), protocol.Str(item.MimeType),
		protocol.Atom("COLLECTIONID"), protocol.Int(item.CollectionID),
		protocol.Atom("SIZE"), protocol.Int(item.Size),
		protocol.Atom("REV"), protocol.Int(item.Revision),
	}
	if item.RemoteID != "" {
		meta = append(meta, protocol.Atom("REMOTEID"), protocol.Str(item.RemoteID))
	}
	if item.RemoteRevision != "" {
		meta = append(meta, protocol.Atom("REMOTEREVISION"), protocol.Str(item.RemoteRevision))
	}
	if item.GID != "" {
		meta = append(meta, protocol.Atom("GID"), protocol.Str(item.GID))
	}
	if !item.Datetime.IsZero() {
		meta = append(meta, protocol.Atom("DATETIME"), protocol.Str(protocol.FormatDateTime(item.Datetime)))
	}
	if !item.MTime.IsZero() {
		meta = append(meta, protocol.Atom("MTIME"), protocol.Str(protocol.FormatDateTime(item.MTime)))
	}
	var flagList protocol.List
	for _, f := range flags {
		flagList = append(flagList, protocol.Atom(f))
	}
	meta = append(meta, protocol.Atom("FLAGS"), flagList)
	var tagList protocol.List
	for _, tagID := range tags {
		tagList = append(tagList, protocol.Int(tagID))
	}
	meta = append(meta, protocol.Atom("TAGS"), tagList)

	if ancestorDepth != 0 {
		chain, err := e.tx.AncestorChain(ctx, item.CollectionID, ancestorDepth)
		if err != nil {
			return err
		}
		var ancestors protocol.List
		for _, a := range chain {
			ancestors = append(ancestors, protocol.List{
				protocol.Int(a.ID), protocol.Str(a.RemoteID),
			})
		}
		meta = append(meta, protocol.Atom("ANCESTORS"), ancestors)
	}

	if err := e.untagged(meta); err != nil {
		return err
	}
	for _, part := range parts {
		e.conn.writeMu.Lock()
		err := e.env().Streamer.Send(e.conn.enc, part)
		e.conn.writeMu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
