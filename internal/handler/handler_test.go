package handler

import (
	"bytes"
	"context"
	"math"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pimd/pimd/internal/notify"
	"github.com/pimd/pimd/internal/protocol"
	"github.com/pimd/pimd/internal/session"
	"github.com/pimd/pimd/internal/stats"
	"github.com/pimd/pimd/internal/store"
	"github.com/pimd/pimd/internal/streamer"
	"github.com/pimd/pimd/internal/types"
)

type testStatsLoader struct{ store *store.Store }

func (l testStatsLoader) LoadStats(ctx context.Context, colID int64) (types.Stats, error) {
	var st types.Stats
	err := l.store.View(ctx, func(tx *store.Tx) error {
		var err error
		st, err = tx.CollectionStats(ctx, colID)
		return err
	})
	return st, err
}

func (l testStatsLoader) LoadAllStats(ctx context.Context) (map[int64]types.Stats, error) {
	return map[int64]types.Stats{}, nil
}

// harness bundles one authenticated test session plus a second session
// subscribed to all notifications.
type harness struct {
	t       *testing.T
	ctx     context.Context
	env     *Env
	store   *store.Store
	conn    *Conn
	out     *bytes.Buffer
	batches [][]*notify.Message
	tagSeq  int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	env := &Env{
		Store:    st,
		Router:   notify.NewRouter(),
		Stats:    stats.New(stats.OnDemand, testStatsLoader{store: st}),
		Streamer: streamer.New(math.MaxInt64),
	}
	h := &harness{t: t, ctx: ctx, env: env, store: st}
	env.Router.Subscribe(9999, func(batch []*notify.Message) {
		h.batches = append(h.batches, batch)
	})

	h.out = &bytes.Buffer{}
	sess := session.New()
	h.conn = NewConn(env, sess, protocol.NewEncoder(h.out))
	h.run("LOGIN", protocol.Atom("test-session"))
	h.out.Reset()
	return h
}

// run executes one command and returns the raw wire output it produced.
func (h *harness) run(name string, args ...protocol.Token) string {
	h.t.Helper()
	h.tagSeq++
	cmd := &protocol.Command{
		Tag:  "T" + strconv.Itoa(h.tagSeq),
		Name: name,
		Args: protocol.List(args),
	}
	start := h.out.Len()
	require.NoError(h.t, Execute(h.ctx, h.conn, cmd))
	return h.out.String()[start:]
}

// seedCollection creates a resource-owned collection directly in the
// store.
func (h *harness) seedCollection(name, rid string, virtual bool, mimeTypes ...string) types.Collection {
	h.t.Helper()
	var col types.Collection
	err := h.store.RunInTransaction(h.ctx, func(tx *store.Tx) error {
		res, err := tx.EnsureResource(h.ctx, "akonadi_fake_resource_0")
		if err != nil {
			return err
		}
		col = types.Collection{
			Name:       name,
			ResourceID: res.ID,
			RemoteID:   rid,
			MimeTypes:  mimeTypes,
			Virtual:    virtual,
			Enabled:    true,
		}
		col.CachePolicy.Inherit = true
		return tx.CreateCollection(h.ctx, &col)
	})
	require.NoError(h.t, err)
	return col
}

func (h *harness) seedItem(colID int64, rid string) types.Item {
	h.t.Helper()
	var item types.Item
	err := h.store.RunInTransaction(h.ctx, func(tx *store.Tx) error {
		item = types.Item{
			CollectionID: colID,
			MimeType:     "application/octet-stream",
			RemoteID:     rid,
		}
		return tx.CreateItem(h.ctx, &item)
	})
	require.NoError(h.t, err)
	return item
}

func (h *harness) lastBatch() []*notify.Message {
	h.t.Helper()
	require.NotEmpty(h.t, h.batches, "expected a notification batch")
	return h.batches[len(h.batches)-1]
}

func partMeta(name string, size int64) protocol.List {
	return protocol.List{
		protocol.Atom("NAME"), protocol.Atom(name),
		protocol.Atom("SIZE"), protocol.Int(size),
		protocol.Atom("VERSION"), protocol.Int(0),
	}
}

func TestAppendSingleStreamedPart(t *testing.T) {
	h := newHarness(t)
	col := h.seedCollection("Inbox", "inbox", false, "application/octet-stream")

	out := h.run("X-AKAPPEND",
		protocol.Int(col.ID),
		protocol.List{
			protocol.Atom("MIMETYPE"), protocol.Str("application/octet-stream"),
			protocol.Atom("REMOTEID"), protocol.Str("TEST-1"),
			protocol.Atom("GID"), protocol.Str("TEST-1"),
			protocol.Atom("SIZE"), protocol.Int(10),
			protocol.Atom("DATETIME"), protocol.Str("12-May-2014 14:46:00 +0000"),
		},
		partMeta("PLD:DATA", 10),
		protocol.Literal("0123456789"),
	)
	require.Contains(t, out, "OK")

	// Round-trip: the stored item carries exactly the streamed part.
	err := h.store.View(h.ctx, func(tx *store.Tx) error {
		id, found, err := tx.ItemIDByRemoteID(h.ctx, col.ResourceID, "TEST-1")
		require.NoError(t, err)
		require.True(t, found)
		part, ok, err := tx.PartByName(h.ctx, id, "PLD:DATA")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "0123456789", string(part.Data))
		item, err := tx.ItemByID(h.ctx, id)
		require.NoError(t, err)
		require.Equal(t, int64(10), item.Size)
		require.Equal(t, "12-May-2014 14:46:00 +0000", protocol.FormatDateTime(item.Datetime))
		return nil
	})
	require.NoError(t, err)

	batch := h.lastBatch()
	require.Len(t, batch, 1)
	msg := batch[0]
	require.Equal(t, notify.EntityItem, msg.Kind)
	require.Equal(t, notify.OpAdd, msg.Op)
	require.Equal(t, col.ID, msg.ParentCollection)
	require.Equal(t, "akonadi_fake_resource_0", msg.Resource)
	require.Equal(t, "TEST-1", msg.Entities[0].RemoteID)
	require.Equal(t, "application/octet-stream", msg.Entities[0].MimeType)
}

func TestAppendPartSmallerThanDeclaredItemSize(t *testing.T) {
	h := newHarness(t)
	col := h.seedCollection("Inbox", "inbox", false)

	out := h.run("X-AKAPPEND",
		protocol.Int(col.ID),
		protocol.List{
			protocol.Atom("MIMETYPE"), protocol.Str("application/octet-stream"),
			protocol.Atom("REMOTEID"), protocol.Str("TEST-2"),
			protocol.Atom("SIZE"), protocol.Int(10),
		},
		partMeta("PLD:DATA", 5),
		protocol.Literal("12345"),
	)
	require.Contains(t, out, "OK")

	// Summed part size (5) below the declared item size (10) leaves the
	// declared size in place.
	err := h.store.View(h.ctx, func(tx *store.Tx) error {
		id, found, err := tx.ItemIDByRemoteID(h.ctx, col.ResourceID, "TEST-2")
		require.NoError(t, err)
		require.True(t, found)
		item, err := tx.ItemByID(h.ctx, id)
		require.NoError(t, err)
		require.Equal(t, int64(10), item.Size)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, h.batches)
}

func TestAppendIncompletePartDataIsAtomic(t *testing.T) {
	h := newHarness(t)
	col := h.seedCollection("Inbox", "inbox", false)

	out := h.run("X-AKAPPEND",
		protocol.Int(col.ID),
		protocol.List{
			protocol.Atom("MIMETYPE"), protocol.Str("application/octet-stream"),
			protocol.Atom("REMOTEID"), protocol.Str("TEST-3"),
		},
		partMeta("PLD:DATA", 5),
		protocol.Literal("123"),
	)
	require.Contains(t, out, "NO")
	require.Contains(t, out, "Payload size mismatch")

	// No row, no part, no notification.
	err := h.store.View(h.ctx, func(tx *store.Tx) error {
		_, found, err := tx.ItemIDByRemoteID(h.ctx, col.ResourceID, "TEST-3")
		require.NoError(t, err)
		require.False(t, found)
		max, err := tx.MaxItemID(h.ctx)
		require.NoError(t, err)
		require.Zero(t, max)
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, h.batches)
}

func TestAppendIntoVirtualCollectionRejected(t *testing.T) {
	h := newHarness(t)
	col := h.seedCollection("Search", "", true)

	out := h.run("X-AKAPPEND",
		protocol.Int(col.ID),
		protocol.List{
			protocol.Atom("MIMETYPE"), protocol.Str("application/octet-stream"),
		},
	)
	require.Contains(t, out, "NO")
	require.Contains(t, out, "Cannot append item into virtual collection")
}

func TestAppendUnknownParentRejected(t *testing.T) {
	h := newHarness(t)
	out := h.run("X-AKAPPEND",
		protocol.Int(12345),
		protocol.List{
			protocol.Atom("MIMETYPE"), protocol.Str("application/octet-stream"),
		},
	)
	require.Contains(t, out, "NO")
	require.Contains(t, out, "Invalid parent collection")
}

func TestMergeIdempotence(t *testing.T) {
	h := newHarness(t)
	col := h.seedCollection("Inbox", "inbox", false)

	appendOnce := func() string {
		return h.run("X-AKAPPEND",
			protocol.Int(col.ID),
			protocol.List{
				protocol.Atom("MIMETYPE"), protocol.Str("application/octet-stream"),
				protocol.Atom("REMOTEID"), protocol.Str("M-1"),
				protocol.Atom("MERGE"), protocol.List{protocol.Atom("RID")},
			},
			partMeta("PLD:DATA", 3),
			protocol.Literal("abc"),
		)
	}
	require.Contains(t, appendOnce(), "OK")
	require.Contains(t, appendOnce(), "OK")

	err := h.store.View(h.ctx, func(tx *store.Tx) error {
		max, err := tx.MaxItemID(h.ctx)
		require.NoError(t, err)
		require.Equal(t, int64(1), max, "merge must not create a second row")
		return nil
	})
	require.NoError(t, err)

	require.Len(t, h.batches, 2)
	require.Equal(t, notify.OpAdd, h.batches[0][0].Op)
	require.Equal(t, notify.OpModify, h.batches[1][0].Op)
}

func TestMergeMultipleCandidatesFails(t *testing.T) {
	h := newHarness(t)
	col := h.seedCollection("Inbox", "inbox", false)
	err := h.store.RunInTransaction(h.ctx, func(tx *store.Tx) error {
		for i := 0; i < 2; i++ {
			item := types.Item{
				CollectionID: col.ID,
				MimeType:     "application/octet-stream",
				RemoteID:     "DUP",
			}
			if err := tx.CreateItem(h.ctx, &item); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	out := h.run("X-AKAPPEND",
		protocol.Int(col.ID),
		protocol.List{
			protocol.Atom("MIMETYPE"), protocol.Str("application/octet-stream"),
			protocol.Atom("REMOTEID"), protocol.Str("DUP"),
			protocol.Atom("MERGE"), protocol.List{protocol.Atom("RID")},
		},
	)
	require.Contains(t, out, "NO")
	require.Contains(t, out, "Multiple merge candidates")
}

func TestGIDMergeBackfillsEmptyGID(t *testing.T) {
	h := newHarness(t)
	col := h.seedCollection("Inbox", "inbox", false)
	seeded := h.seedItem(col.ID, "R-1") // empty gid

	out := h.run("X-AKAPPEND",
		protocol.Int(col.ID),
		protocol.List{
			protocol.Atom("MIMETYPE"), protocol.Str("application/octet-stream"),
			protocol.Atom("REMOTEID"), protocol.Str("R-1"),
			protocol.Atom("GID"), protocol.Str("G-1"),
			protocol.Atom("MERGE"), protocol.List{protocol.Atom("GID")},
		},
	)
	require.Contains(t, out, "OK")

	err := h.store.View(h.ctx, func(tx *store.Tx) error {
		item, err := tx.ItemByID(h.ctx, seeded.ID)
		require.NoError(t, err)
		require.Equal(t, "G-1", item.GID, "gid must be backfilled")
		return nil
	})
	require.NoError(t, err)
}

func TestLinkItemsIntoVirtualCollection(t *testing.T) {
	h := newHarness(t)
	src := h.seedCollection("Inbox", "inbox", false)
	virtual := h.seedCollection("Search", "", true)
	var ids []int64
	for _, rid := range []string{"a", "b", "c"} {
		ids = append(ids, h.seedItem(src.ID, rid).ID)
	}

	out := h.run("LINK",
		protocol.Int(virtual.ID),
		protocol.Atom("1:3"),
	)
	require.Contains(t, out, "OK")

	err := h.store.View(h.ctx, func(tx *store.Tx) error {
		for _, id := range ids {
			linked, err := tx.ItemLinked(h.ctx, virtual.ID, id)
			require.NoError(t, err)
			require.True(t, linked, "item %d should be linked", id)
		}
		return nil
	})
	require.NoError(t, err)

	batch := h.lastBatch()
	require.Len(t, batch, 1)
	require.Equal(t, notify.OpLink, batch[0].Op)
	require.ElementsMatch(t, ids, batch[0].EntityIDs())
}

func TestLinkRejectsNonVirtualTarget(t *testing.T) {
	h := newHarness(t)
	src := h.seedCollection("Inbox", "inbox", false)
	h.seedItem(src.ID, "a")

	out := h.run("LINK", protocol.Int(src.ID), protocol.Atom("1"))
	require.Contains(t, out, "NO")
	require.Contains(t, out, "non-virtual")
}

func TestLinkSkipsMissingItems(t *testing.T) {
	h := newHarness(t)
	src := h.seedCollection("Inbox", "inbox", false)
	virtual := h.seedCollection("Search", "", true)
	item := h.seedItem(src.ID, "a")

	out := h.run("LINK", protocol.Int(virtual.ID), protocol.Atom("1,100:110"))
	require.Contains(t, out, "OK")

	batch := h.lastBatch()
	require.Equal(t, []int64{item.ID}, batch[0].EntityIDs())
}

func TestHridScopeRejectedForLink(t *testing.T) {
	h := newHarness(t)
	h.run("RESSELECT", protocol.Atom("akonadi_fake_resource_0"))
	out := h.run("HRID", protocol.Atom("LINK"),
		protocol.List{protocol.Str("x")}, protocol.List{protocol.Str("y")})
	require.Contains(t, out, "NO")
	require.Contains(t, out, "hierarchical-rid scope not supported for link/unlink")
}

func TestMoveItemsSingleNotification(t *testing.T) {
	h := newHarness(t)
	src := h.seedCollection("Inbox", "inbox", false)
	dest := h.seedCollection("Archive", "archive", false)
	a := h.seedItem(src.ID, "a")
	b := h.seedItem(src.ID, "b")

	out := h.run("MOVE", protocol.Atom("1:2"), protocol.Int(dest.ID))
	require.Contains(t, out, "OK")

	err := h.store.View(h.ctx, func(tx *store.Tx) error {
		for _, id := range []int64{a.ID, b.ID} {
			item, err := tx.ItemByID(h.ctx, id)
			require.NoError(t, err)
			require.Equal(t, dest.ID, item.CollectionID)
		}
		return nil
	})
	require.NoError(t, err)

	batch := h.lastBatch()
	require.Len(t, batch, 1)
	msg := batch[0]
	require.Equal(t, notify.OpMove, msg.Op)
	require.Equal(t, src.ID, msg.ParentCollection)
	require.Equal(t, dest.ID, msg.DestCollection)
	require.ElementsMatch(t, []int64{a.ID, b.ID}, msg.EntityIDs())
}

func TestExpungeEmitsOneRemovePerItem(t *testing.T) {
	h := newHarness(t)
	col := h.seedCollection("Inbox", "inbox", false)
	a := h.seedItem(col.ID, "a")
	b := h.seedItem(col.ID, "b")
	h.seedItem(col.ID, "keep")
	err := h.store.RunInTransaction(h.ctx, func(tx *store.Tx) error {
		for _, id := range []int64{a.ID, b.ID} {
			if _, err := tx.AddItemFlags(h.ctx, id, []string{types.FlagDeleted}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	out := h.run("EXPUNGE")
	require.Contains(t, out, "OK")

	batch := h.lastBatch()
	require.Len(t, batch, 2, "strictly one Remove per expunged item")
	for _, msg := range batch {
		require.Equal(t, notify.OpRemove, msg.Op)
		require.Len(t, msg.Entities, 1)
	}

	err = h.store.View(h.ctx, func(tx *store.Tx) error {
		remaining, err := tx.ItemsInCollection(h.ctx, col.ID)
		require.NoError(t, err)
		require.Len(t, remaining, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestModifyCollectionDisableEmitsModifyThenUnsubscribe(t *testing.T) {
	h := newHarness(t)
	col := h.seedCollection("Inbox", "inbox", false)

	out := h.run("MODIFY",
		protocol.Int(col.ID),
		protocol.List{protocol.Atom("ENABLED"), protocol.Atom("false")},
	)
	require.Contains(t, out, "OK")

	batch := h.lastBatch()
	require.Len(t, batch, 2)
	require.Equal(t, notify.OpModify, batch[0].Op)
	require.True(t, batch[0].ChangedParts["ENABLED"])
	require.Equal(t, notify.OpUnsubscribe, batch[1].Op)
	require.Equal(t, batch[0].Entities[0].ID, batch[1].Entities[0].ID)

	// Re-enabling emits Modify then Subscribe.
	h.batches = nil
	h.run("MODIFY", protocol.Int(col.ID),
		protocol.List{protocol.Atom("ENABLED"), protocol.Atom("true")})
	batch = h.lastBatch()
	require.Len(t, batch, 2)
	require.Equal(t, notify.OpSubscribe, batch[1].Op)
}

func TestTransactionCommitWithoutBeginFails(t *testing.T) {
	h := newHarness(t)
	out := h.run("TRANSACTION", protocol.Atom("COMMIT"))
	require.Contains(t, out, "NO")
	require.Contains(t, out, "There is no transaction in progress.")

	out = h.run("TRANSACTION", protocol.Atom("ROLLBACK"))
	require.Contains(t, out, "NO")
}

func TestTransactionBatchesNotificationsUntilCommit(t *testing.T) {
	h := newHarness(t)
	col := h.seedCollection("Inbox", "inbox", false)

	h.run("TRANSACTION", protocol.Atom("BEGIN"))
	h.run("X-AKAPPEND", protocol.Int(col.ID), protocol.List{
		protocol.Atom("MIMETYPE"), protocol.Str("application/octet-stream"),
		protocol.Atom("REMOTEID"), protocol.Str("t1"),
	})
	h.run("X-AKAPPEND", protocol.Int(col.ID), protocol.List{
		protocol.Atom("MIMETYPE"), protocol.Str("application/octet-stream"),
		protocol.Atom("REMOTEID"), protocol.Str("t2"),
	})
	require.Empty(t, h.batches, "nothing delivered before commit")

	h.run("TRANSACTION", protocol.Atom("COMMIT"))
	require.Len(t, h.batches, 1, "one indivisible batch per transaction")
	require.Len(t, h.batches[0], 2)
}

func TestTransactionRollbackDeliversNothing(t *testing.T) {
	h := newHarness(t)
	col := h.seedCollection("Inbox", "inbox", false)

	h.run("TRANSACTION", protocol.Atom("BEGIN"))
	h.run("X-AKAPPEND", protocol.Int(col.ID), protocol.List{
		protocol.Atom("MIMETYPE"), protocol.Str("application/octet-stream"),
		protocol.Atom("REMOTEID"), protocol.Str("t1"),
	})
	h.run("TRANSACTION", protocol.Atom("ROLLBACK"))

	require.Empty(t, h.batches)
	err := h.store.View(h.ctx, func(tx *store.Tx) error {
		max, err := tx.MaxItemID(h.ctx)
		require.NoError(t, err)
		require.Zero(t, max)
		return nil
	})
	require.NoError(t, err)
}

func TestRidScopeRequiresResourceContext(t *testing.T) {
	h := newHarness(t)
	out := h.run("RID", protocol.Atom("FETCH"), protocol.Str("some-rid"),
		protocol.List{})
	require.Contains(t, out, "NO")
	require.Contains(t, out, "remote-id scope requires resource context")
}

func TestStatisticsIdentityAfterCommits(t *testing.T) {
	h := newHarness(t)
	col := h.seedCollection("Inbox", "inbox", false)

	// Warm the cache, then mutate through handlers only.
	_, err := h.env.Stats.Get(h.ctx, col.ID)
	require.NoError(t, err)

	h.run("X-AKAPPEND", protocol.Int(col.ID), protocol.List{
		protocol.Atom("MIMETYPE"), protocol.Str("application/octet-stream"),
		protocol.Atom("REMOTEID"), protocol.Str("s1"),
		protocol.Atom("SIZE"), protocol.Int(10),
	})
	h.run("X-AKAPPEND", protocol.Int(col.ID), protocol.List{
		protocol.Atom("MIMETYPE"), protocol.Str("application/octet-stream"),
		protocol.Atom("REMOTEID"), protocol.Str("s2"),
		protocol.Atom("SIZE"), protocol.Int(20),
		protocol.Atom("FLAGS"), protocol.List{protocol.Atom(types.FlagSeen)},
	})

	cached, err := h.env.Stats.Get(h.ctx, col.ID)
	require.NoError(t, err)

	var exact types.Stats
	err = h.store.View(h.ctx, func(tx *store.Tx) error {
		var err error
		exact, err = tx.CollectionStats(h.ctx, col.ID)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, exact, cached, "incremental cache must equal the exact aggregate")
	require.Equal(t, int64(2), cached.Count)
	require.Equal(t, int64(1), cached.Unread)
	require.Equal(t, int64(30), cached.Size)
}

func TestFetchRoundTripsPartsAndFlags(t *testing.T) {
	h := newHarness(t)
	col := h.seedCollection("Inbox", "inbox", false)
	h.run("X-AKAPPEND", protocol.Int(col.ID),
		protocol.List{
			protocol.Atom("MIMETYPE"), protocol.Str("application/octet-stream"),
			protocol.Atom("REMOTEID"), protocol.Str("f1"),
			protocol.Atom("FLAGS"), protocol.List{protocol.Atom(`\SEEN`)},
		},
		partMeta("PLD:DATA", 4),
		protocol.Literal("wxyz"),
	)
	h.out.Reset()

	out := h.run("FETCH", protocol.Atom("1"),
		protocol.List{protocol.Atom("PARTS"),
			protocol.List{protocol.Atom("PLD:DATA")}})
	require.Contains(t, out, "FETCH")
	require.Contains(t, out, `\SEEN`)
	require.Contains(t, out, "wxyz")
	require.Contains(t, out, "{4}")
}

func TestStoreFlagsDelta(t *testing.T) {
	h := newHarness(t)
	col := h.seedCollection("Inbox", "inbox", false)
	item := h.seedItem(col.ID, "a")

	out := h.run("STORE", protocol.Atom("1"),
		protocol.List{protocol.Atom("+FLAGS"),
			protocol.List{protocol.Atom(`\SEEN`)}})
	require.Contains(t, out, "OK")

	err := h.store.View(h.ctx, func(tx *store.Tx) error {
		seen, err := tx.HasFlag(h.ctx, item.ID, types.FlagSeen)
		require.NoError(t, err)
		require.True(t, seen)
		got, err := tx.ItemByID(h.ctx, item.ID)
		require.NoError(t, err)
		require.Equal(t, int64(1), got.Revision, "observable change bumps revision")
		return nil
	})
	require.NoError(t, err)

	batch := h.lastBatch()
	require.Equal(t, notify.OpModifyFlags, batch[0].Op)
	require.Equal(t, []string{`\SEEN`}, batch[0].AddedFlags)
}

func TestDeleteTagNotifiesPerResourceAndGeneric(t *testing.T) {
	h := newHarness(t)
	h.seedCollection("Inbox", "inbox", false)

	// A client session creates the tag; two resources claim it.
	h.run("TAGAPPEND", protocol.List{
		protocol.Atom("GID"), protocol.Str("todo"),
		protocol.Atom("TYPE"), protocol.Str("PLAIN"),
	})
	err := h.store.RunInTransaction(h.ctx, func(tx *store.Tx) error {
		for _, name := range []string{"res_a", "res_b"} {
			res, err := tx.EnsureResource(h.ctx, name)
			if err != nil {
				return err
			}
			if err := tx.SetTagRemoteID(h.ctx, 1, res.ID, "rid-"+name); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	h.batches = nil

	out := h.run("TAGREMOVE", protocol.Atom("1"))
	require.Contains(t, out, "OK")

	batch := h.lastBatch()
	require.Len(t, batch, 3, "one per claiming resource plus the generic form")
	resources := map[string]string{}
	for _, msg := range batch {
		require.Equal(t, notify.EntityTag, msg.Kind)
		require.Equal(t, notify.OpRemove, msg.Op)
		resources[msg.Resource] = msg.Entities[0].RemoteID
	}
	require.Equal(t, "rid-res_a", resources["res_a"])
	require.Equal(t, "rid-res_b", resources["res_b"])
	require.Contains(t, resources, "")
}

func TestListScaffoldsIntermediateNodes(t *testing.T) {
	h := newHarness(t)
	root := h.seedCollection("Root", "root", false, "message/rfc822")
	var mid, leaf types.Collection
	err := h.store.RunInTransaction(h.ctx, func(tx *store.Tx) error {
		mid = types.Collection{
			ParentID: root.ID, Name: "Mid", ResourceID: root.ResourceID,
			MimeTypes: []string{"inode/directory"}, Enabled: true,
		}
		mid.CachePolicy.Inherit = true
		if err := tx.CreateCollection(h.ctx, &mid); err != nil {
			return err
		}
		leaf = types.Collection{
			ParentID: mid.ID, Name: "Leaf", ResourceID: root.ResourceID,
			MimeTypes: []string{"message/rfc822"}, Enabled: true,
		}
		leaf.CachePolicy.Inherit = true
		return tx.CreateCollection(h.ctx, &leaf)
	})
	require.NoError(t, err)

	out := h.run("LIST", protocol.Int(root.ID), protocol.Atom("ALL"),
		protocol.List{protocol.Atom("MIMETYPE"),
			protocol.List{protocol.Str("message/rfc822")}})
	require.Contains(t, out, "Leaf")
	require.Contains(t, out, "Mid")
	require.Contains(t, out, "SCAFFOLD")
}

func TestUnknownCommandIsBad(t *testing.T) {
	h := newHarness(t)
	out := h.run("FROBNICATE")
	require.Contains(t, out, "BAD")
}

func TestCommandsRequireLogin(t *testing.T) {
	h := newHarness(t)
	// Fresh, unauthenticated connection.
	out := &bytes.Buffer{}
	conn := NewConn(h.env, session.New(), protocol.NewEncoder(out))
	cmd := &protocol.Command{Tag: "T1", Name: "FETCH", Args: protocol.List{protocol.Atom("1")}}
	require.NoError(t, Execute(h.ctx, conn, cmd))
	require.Contains(t, out.String(), "NO")
	require.Contains(t, out.String(), "Login first")
}
