package store

import (
	"testing"
)

const fixtureYAML = `
resources:
  - name: akonadi_fake_resource_0
    collections:
      - name: Inbox
        remote_id: inbox
        mime_types: [message/rfc822, application/octet-stream]
        items:
          - remote_id: A
            gid: A
            mime_type: message/rfc822
            size: 10
            flags: ['\SEEN']
            parts:
              PLD:DATA: "0123456789"
          - remote_id: B
            mime_type: message/rfc822
            size: 5
        children:
          - name: Archive
            remote_id: archive
      - name: Search
        virtual: true
tags:
  - gid: important
    type: PLAIN
`

func TestSeedApply(t *testing.T) {
	st, ctx := setupTestDB(t)
	seed, err := ParseSeed([]byte(fixtureYAML))
	if err != nil {
		t.Fatalf("ParseSeed: %v", err)
	}
	if err := seed.Apply(ctx, st); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	err = st.View(ctx, func(tx *Tx) error {
		res, err := tx.ResourceByName(ctx, "akonadi_fake_resource_0")
		if err != nil {
			return err
		}
		root, err := tx.ResourceRootCollectionID(ctx, res.ID)
		if err != nil {
			return err
		}
		inbox, err := tx.CollectionByID(ctx, root)
		if err != nil {
			return err
		}
		if inbox.Name != "Inbox" || len(inbox.MimeTypes) != 2 {
			t.Errorf("inbox = %+v", inbox)
		}
		children, err := tx.ChildCollections(ctx, inbox.ID)
		if err != nil {
			return err
		}
		if len(children) != 1 || children[0].Name != "Archive" {
			t.Errorf("children = %+v", children)
		}
		items, err := tx.ItemsInCollection(ctx, inbox.ID)
		if err != nil {
			return err
		}
		if len(items) != 2 {
			t.Errorf("items = %v", items)
		}
		stats, err := tx.CollectionStats(ctx, inbox.ID)
		if err != nil {
			return err
		}
		if stats.Count != 2 || stats.Unread != 1 || stats.Size != 15 {
			t.Errorf("stats = %+v", stats)
		}
		id, found, err := tx.ItemIDByRemoteID(ctx, res.ID, "A")
		if err != nil || !found {
			t.Fatalf("rid lookup: found=%v err=%v", found, err)
		}
		part, ok, err := tx.PartByName(ctx, id, "PLD:DATA")
		if err != nil || !ok || string(part.Data) != "0123456789" {
			t.Errorf("part = %+v ok=%v err=%v", part, ok, err)
		}
		tags, err := tx.AllTags(ctx)
		if err != nil {
			return err
		}
		if len(tags) != 1 || tags[0].GID != "important" {
			t.Errorf("tags = %+v", tags)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}
