package handler

import (
	"context"

	"github.com/pimd/pimd/internal/protocol"
	"github.com/pimd/pimd/internal/store"
	"github.com/pimd/pimd/internal/streamer"
	"github.com/pimd/pimd/internal/types"
)

// appendItem implements X-AKAPPEND (CreateItem, including the RID/GID
// merge modes).
//
// Shape:
//
//	X-AKAPPEND <collection> (MIMETYPE m REMOTEID r REMOTEREVISION rr GID g
//	            SIZE n DATETIME "dd-MMM-yyyy hh:mm:ss +0000" FLAGS (...)
//	            TAGS (...) MERGE (RID GID SILENT)) [(part-meta) part-data]...
func appendItem(ctx context.Context, e *exec, args protocol.List) error {
	colTok, err := firstArg(args, "target collection")
	if err != nil {
		return err
	}
	colID, err := e.resolveCollection(ctx, colTok)
	if err != nil {
		return err
	}
	p, err := optionalParams(args, 1)
	if err != nil {
		return err
	}

	col, err := e.tx.CollectionByID(ctx, colID)
	if err != nil {
		if store.IsNotFound(err) {
			return failf("Invalid parent collection")
		}
		return err
	}

	mimeType, ok := p.str("MIMETYPE")
	if !ok || mimeType == "" {
		return badf("X-AKAPPEND requires MIMETYPE")
	}

	mergeModes, _ := p.strList("MERGE")
	var mergeRID, mergeGID, mergeLink bool
	for _, m := range mergeModes {
		switch m {
		case "RID":
			mergeRID = true
		case "GID":
			mergeGID = true
		case "LINK":
			mergeLink = true
		case "SILENT":
			// accepted; response stays minimal either way
		default:
			return badf("unknown merge mode %q", m)
		}
	}

	if col.Virtual && !mergeLink {
		return failf("Cannot append item into virtual collection")
	}
	if !col.Virtual && !mimeTypeAllowed(col, mimeType) {
		return failf("Collection %d does not accept mimetype %q", col.ID, mimeType)
	}

	item := types.Item{
		CollectionID: colID,
		MimeType:     mimeType,
	}
	item.RemoteID, _ = p.str("REMOTEID")
	item.RemoteRevision, _ = p.str("REMOTEREVISION")
	item.GID, _ = p.str("GID")
	item.Size, _ = p.int64("SIZE")
	if raw, ok := p.str("DATETIME"); ok {
		dt, err := protocol.ParseDateTime(raw)
		if err != nil {
			return badf("%v", err)
		}
		item.Datetime = dt
	}
	flags, _ := p.strList("FLAGS")
	tagIDs, _ := p.idList("TAGS")

	parts, err := e.collectParts(restArgs(args, 2))
	if err != nil {
		return err
	}

	if mergeRID || mergeGID {
		candidates, err := e.tx.MergeCandidates(ctx, colID, mimeType, mergeRID, mergeGID,
			item.RemoteID, item.GID)
		if err != nil {
			return err
		}
		switch len(candidates) {
		case 0:
			// fall through to plain create
		case 1:
			return e.mergeItem(ctx, candidates[0], item, flags, tagIDs, parts, col)
		default:
			return failf("Multiple merge candidates")
		}
	}

	return e.createItem(ctx, item, flags, tagIDs, parts, col)
}

// createItem performs the plain-create path: one item row, its parts,
// flag/tag links, a single Add notification, and the stats update.
func (e *exec) createItem(ctx context.Context, item types.Item, flags []string, tagIDs []int64, parts []types.Part, col types.Collection) error {
	if err := e.tx.CreateItem(ctx, &item); err != nil {
		return err
	}
	var partSum int64
	for _, part := range parts {
		part.ItemID = item.ID
		if part.Storage == types.StorageExternal && part.ExternalRef == "" {
			part.ExternalRef = streamer.ExternalRef(item.ID, part.Name, part.Version)
		}
		if err := e.tx.UpsertPart(ctx, part); err != nil {
			return err
		}
		if part.Namespace() == types.NamespacePayload {
			partSum += part.DataSize
		}
	}
	// Summed part sizes above the declared item size raise the item size;
	// a smaller sum leaves the declared size in place.
	if partSum > item.Size {
		item.Size = partSum
		if err := e.tx.UpdateItem(ctx, item); err != nil {
			return err
		}
	}
	if len(flags) > 0 {
		if _, err := e.tx.AddItemFlags(ctx, item.ID, flags); err != nil {
			return err
		}
	}
	if len(tagIDs) > 0 {
		if _, err := e.tx.AddItemTags(ctx, item.ID, tagIDs); err != nil {
			return err
		}
	}

	resource := e.resourceNameOf(ctx, col.ID)
	e.collector.ItemAdded(item, resource)

	seen := hasString(flags, types.FlagSeen)
	size := item.Size
	colID := col.ID
	env := e.env()
	e.tx.OnCommit(func() { env.Stats.ItemAdded(colID, size, seen) })

	return e.untagged(protocol.List{protocol.Atom("UIDNEXT"), protocol.Int(item.ID)})
}

// mergeItem updates the single existing candidate in place: changed
// parts replace, flags and tags append, the revision bumps, and the
// observed changed-parts set rides the Modify notification.
func (e *exec) mergeItem(ctx context.Context, existing types.Item, incoming types.Item, flags []string, tagIDs []int64, parts []types.Part, col types.Collection) error {
	changed := make(map[string]bool)

	if incoming.RemoteID != "" && incoming.RemoteID != existing.RemoteID {
		existing.RemoteID = incoming.RemoteID
		changed["REMOTEID"] = true
	}
	if incoming.RemoteRevision != "" && incoming.RemoteRevision != existing.RemoteRevision {
		existing.RemoteRevision = incoming.RemoteRevision
		changed["REMOTEREVISION"] = true
	}
	// GID-merge into an empty-GID RID match backfills the gid.
	if incoming.GID != "" && existing.GID == "" {
		existing.GID = incoming.GID
		changed["GID"] = true
	}

	var partSum int64
	for _, part := range parts {
		part.ItemID = existing.ID
		if part.Storage == types.StorageExternal && part.ExternalRef == "" {
			part.ExternalRef = streamer.ExternalRef(existing.ID, part.Name, part.Version)
		}
		if err := e.tx.UpsertPart(ctx, part); err != nil {
			return err
		}
		changed[part.Name] = true
	}
	var err error
	if partSum, err = e.tx.SumPartSizes(ctx, existing.ID); err != nil {
		return err
	}
	newSize := existing.Size
	if incoming.Size > newSize {
		newSize = incoming.Size
	}
	if partSum > newSize {
		newSize = partSum
	}
	if newSize != existing.Size {
		existing.Size = newSize
		changed["SIZE"] = true
	}

	var flagsAdded []string
	if len(flags) > 0 {
		if flagsAdded, err = e.tx.AddItemFlags(ctx, existing.ID, flags); err != nil {
			return err
		}
		if len(flagsAdded) > 0 {
			changed["FLAGS"] = true
		}
	}
	if len(tagIDs) > 0 {
		added, err := e.tx.AddItemTags(ctx, existing.ID, tagIDs)
		if err != nil {
			return err
		}
		if len(added) > 0 {
			changed["TAGS"] = true
		}
	}

	existing.Revision++
	if err := e.tx.UpdateItem(ctx, existing); err != nil {
		return err
	}

	resource := e.resourceNameOf(ctx, col.ID)
	e.collector.ItemModified(existing, resource, sortedKeys(changed)...)

	if hasString(flagsAdded, types.FlagSeen) {
		colID := col.ID
		env := e.env()
		e.tx.OnCommit(func() { env.Stats.ItemsSeenChanged(colID, 1) })
	}

	return e.untagged(protocol.List{protocol.Atom("UIDNEXT"), protocol.Int(existing.ID)})
}

// collectParts consumes the alternating (part-meta) part-data tail of an
// append/store command.
func (e *exec) collectParts(rest protocol.List) ([]types.Part, error) {
	var out []types.Part
	for i := 0; i+1 < len(rest); i += 2 {
		meta, ok := rest[i].(protocol.List)
		if !ok {
			return nil, badf("expected part metadata list, got %s", rest[i].String())
		}
		spec, err := streamer.ParseSpec(meta)
		if err != nil {
			return nil, err
		}
		part, err := e.env().Streamer.Receive(0, spec, rest[i+1])
		if err != nil {
			return nil, err
		}
		out = append(out, part)
	}
	if len(rest)%2 != 0 {
		return nil, badf("part metadata without data")
	}
	return out, nil
}

func mimeTypeAllowed(col types.Collection, mimeType string) bool {
	// An empty allowed set is treated as unrestricted; resources that
	// care populate it explicitly.
	if len(col.MimeTypes) == 0 {
		return true
	}
	for _, m := range col.MimeTypes {
		if m == mimeType {
			return true
		}
	}
	return false
}

func hasString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
