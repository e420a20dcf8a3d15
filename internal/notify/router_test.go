package notify

import (
	"testing"

	"github.com/pimd/pimd/internal/types"
)

func deliverItemAdd(r *Router, sessionID, itemID, colID int64, mime string) {
	c := NewCollector(sessionID)
	c.ItemAdded(types.Item{ID: itemID, CollectionID: colID, MimeType: mime}, "res0")
	c.Commit(r)
}

func TestEmptyFilterMonitorsEverything(t *testing.T) {
	r := NewRouter()
	var got [][]*Message
	r.Subscribe(1, func(batch []*Message) { got = append(got, batch) })

	deliverItemAdd(r, 9, 100, 4, "message/rfc822")
	if len(got) != 1 || len(got[0]) != 1 {
		t.Fatalf("expected one delivered batch, got %v", got)
	}
}

func TestEchoSuppression(t *testing.T) {
	r := NewRouter()
	var got [][]*Message
	sub := r.Subscribe(1, func(batch []*Message) { got = append(got, batch) })
	sub.Filter().IgnoredSessions[1] = true

	deliverItemAdd(r, 1, 100, 4, "message/rfc822") // own session
	deliverItemAdd(r, 2, 101, 4, "message/rfc822") // someone else
	if len(got) != 1 || got[0][0].SessionID != 2 {
		t.Fatalf("echo suppression failed: %v", got)
	}
}

func TestAllNonEmptyCategoriesMustMatch(t *testing.T) {
	r := NewRouter()
	var got [][]*Message
	sub := r.Subscribe(1, func(batch []*Message) { got = append(got, batch) })
	f := sub.Filter()
	f.Collections[4] = true
	f.MimeTypes["message/rfc822"] = true

	deliverItemAdd(r, 9, 1, 4, "message/rfc822")  // both match
	deliverItemAdd(r, 9, 2, 4, "text/calendar")   // mimetype fails
	deliverItemAdd(r, 9, 3, 5, "message/rfc822")  // collection fails
	if len(got) != 1 || got[0][0].Entities[0].ID != 1 {
		t.Fatalf("conjunction filter failed: %v", got)
	}
}

func TestOperationFilter(t *testing.T) {
	r := NewRouter()
	var got [][]*Message
	sub := r.Subscribe(1, func(batch []*Message) { got = append(got, batch) })
	sub.Filter().Operations[OpRemove] = true

	c := NewCollector(9)
	item := types.Item{ID: 1, CollectionID: 4, MimeType: "message/rfc822"}
	c.ItemsRemoved([]types.Item{item}, "res0", true)
	c.Commit(r)
	deliverItemAdd(r, 9, 2, 4, "message/rfc822")

	if len(got) != 1 || got[0][0].Op != OpRemove {
		t.Fatalf("operation filter failed: %v", got)
	}
}

func TestFreezeBuffersAndThawDrains(t *testing.T) {
	r := NewRouter()
	var got [][]*Message
	sub := r.Subscribe(1, func(batch []*Message) { got = append(got, batch) })

	sub.Freeze()
	deliverItemAdd(r, 9, 1, 4, "m")
	deliverItemAdd(r, 9, 2, 4, "m")
	if len(got) != 0 {
		t.Fatalf("frozen subscriber must not receive, got %v", got)
	}
	sub.Thaw()
	if len(got) != 1 || len(got[0]) != 2 {
		t.Fatalf("thaw must drain in order, got %v", got)
	}
	if got[0][0].Entities[0].ID != 1 || got[0][1].Entities[0].ID != 2 {
		t.Fatalf("commit order lost: %v", got[0])
	}
}

func TestRecordSurvivesDisconnectAndReplays(t *testing.T) {
	r := NewRouter()
	var first [][]*Message
	sub := r.Subscribe(1, func(batch []*Message) { first = append(first, batch) })
	sub.Record([]int64{100})
	sub.Freeze()

	deliverItemAdd(r, 9, 100, 4, "m") // recorded
	deliverItemAdd(r, 9, 200, 4, "m") // not recorded

	r.Unsubscribe(1)

	var second [][]*Message
	sub2 := r.Subscribe(1, func(batch []*Message) { second = append(second, batch) })
	if sub2 != sub {
		t.Fatalf("reconnect should reuse recorded subscriber state")
	}
	sub2.Thaw()
	if len(second) != 1 || len(second[0]) != 1 || second[0][0].Entities[0].ID != 100 {
		t.Fatalf("replay mismatch: %v", second)
	}
}

func TestReplayedDropsFromBufferAndRecording(t *testing.T) {
	r := NewRouter()
	sub := r.Subscribe(1, nil) // detached-style subscriber buffers
	sub.Record([]int64{100, 200})

	deliverItemAdd(r, 9, 100, 4, "m")
	deliverItemAdd(r, 9, 200, 4, "m")

	sub.Replayed([]int64{100})

	sub.mu.Lock()
	bufLen := len(sub.buffer)
	_, stillRecording := sub.recording[100]
	sub.mu.Unlock()
	if bufLen != 1 {
		t.Fatalf("buffer should drop acknowledged ids, got %d", bufLen)
	}
	if stillRecording {
		t.Fatalf("recording should drop acknowledged ids")
	}
}

func TestUnsubscribeWithoutRecordingForgets(t *testing.T) {
	r := NewRouter()
	r.Subscribe(1, nil)
	r.Unsubscribe(1)
	if _, ok := r.Subscriber(1); ok {
		t.Fatalf("subscriber without recorded ids should be dropped")
	}
}
