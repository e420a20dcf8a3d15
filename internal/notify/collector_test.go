package notify

import (
	"testing"

	"github.com/pimd/pimd/internal/types"
)

type captureSink struct {
	batches [][]*Message
}

func (s *captureSink) Deliver(batch []*Message) {
	s.batches = append(s.batches, batch)
}

func testItem(id int64) types.Item {
	return types.Item{ID: id, CollectionID: 4, MimeType: "message/rfc822", RemoteID: "R-1"}
}

func TestCommitDeliversOnce(t *testing.T) {
	c := NewCollector(7)
	sink := &captureSink{}
	c.ItemAdded(testItem(1), "res0")
	c.ItemAdded(testItem(2), "res0")
	c.Commit(sink)
	if len(sink.batches) != 1 {
		t.Fatalf("expected one batch, got %d", len(sink.batches))
	}
	if len(sink.batches[0]) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(sink.batches[0]))
	}
	// A second commit has nothing left.
	c.Commit(sink)
	if len(sink.batches) != 1 {
		t.Fatalf("empty commit must not deliver, got %d batches", len(sink.batches))
	}
}

func TestRollbackDiscards(t *testing.T) {
	c := NewCollector(7)
	sink := &captureSink{}
	c.ItemAdded(testItem(1), "res0")
	c.Rollback()
	c.Commit(sink)
	if len(sink.batches) != 0 {
		t.Fatalf("rollback must discard everything, got %d batches", len(sink.batches))
	}
}

func TestConsecutiveModifyMergesChangedParts(t *testing.T) {
	c := NewCollector(7)
	it := testItem(1)
	c.ItemModified(it, "res0", "PLD:DATA")
	c.ItemModified(it, "res0", "FLAGS", "SIZE")
	pending := c.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected coalesced single Modify, got %d", len(pending))
	}
	m := pending[0]
	if m.Op != OpModify {
		t.Fatalf("op = %v", m.Op)
	}
	for _, part := range []string{"PLD:DATA", "FLAGS", "SIZE"} {
		if !m.ChangedParts[part] {
			t.Errorf("changed part %s missing: %v", part, m.ChangedParts)
		}
	}
}

func TestAddThenModifyCollapsesToAdd(t *testing.T) {
	c := NewCollector(7)
	it := testItem(1)
	c.ItemAdded(it, "res0")
	it.RemoteRevision = "v2"
	c.ItemModified(it, "res0", "REMOTEREVISION")
	pending := c.Pending()
	if len(pending) != 1 || pending[0].Op != OpAdd {
		t.Fatalf("expected single Add, got %+v", pending)
	}
	if pending[0].Entities[0].RemoteRevision != "v2" {
		t.Errorf("Add should carry post-modify state, got %+v", pending[0].Entities[0])
	}
}

func TestAddThenRemoveCancels(t *testing.T) {
	c := NewCollector(7)
	it := testItem(1)
	c.ItemAdded(it, "res0")
	c.ItemsRemoved([]types.Item{it}, "res0", true)
	if pending := c.Pending(); len(pending) != 0 {
		t.Fatalf("Add+Remove should cancel, got %+v", pending)
	}
}

func TestMoveNeverCoalesces(t *testing.T) {
	c := NewCollector(7)
	it := testItem(1)
	c.ItemsMoved([]types.Item{it}, 4, 5, "res0", "res0")
	c.ItemModified(it, "res0", "FLAGS")
	if pending := c.Pending(); len(pending) != 2 {
		t.Fatalf("Move must not absorb Modify, got %d messages", len(pending))
	}
}

func TestModifyFlagsMergesDeltas(t *testing.T) {
	c := NewCollector(7)
	it := testItem(1)
	c.ItemFlagsChanged(it, "res0", []string{`\SEEN`}, nil)
	c.ItemFlagsChanged(it, "res0", []string{"$CUSTOM"}, nil)
	pending := c.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected merged ModifyFlags, got %d", len(pending))
	}
	if len(pending[0].AddedFlags) != 2 {
		t.Errorf("added flags = %v", pending[0].AddedFlags)
	}
}

func TestExpungeStylePerItemRemoves(t *testing.T) {
	c := NewCollector(7)
	items := []types.Item{testItem(1), testItem(2), testItem(3)}
	c.ItemsRemoved(items, "res0", true)
	pending := c.Pending()
	if len(pending) != 3 {
		t.Fatalf("expected one Remove per item, got %d", len(pending))
	}
	for i, m := range pending {
		if m.Op != OpRemove || len(m.Entities) != 1 || m.Entities[0].ID != items[i].ID {
			t.Errorf("message %d = %+v", i, m)
		}
	}
}
