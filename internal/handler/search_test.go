package handler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pimd/pimd/internal/notify"
	"github.com/pimd/pimd/internal/protocol"
	"github.com/pimd/pimd/internal/store"
)

func TestSearchReturnsMatchingIDs(t *testing.T) {
	h := newHarness(t)
	col := h.seedCollection("Inbox", "inbox", false)
	h.seedItem(col.ID, "report-2014")
	h.seedItem(col.ID, "invoice-2014")
	h.seedItem(col.ID, "report-2015")

	out := h.run("SEARCH", protocol.List{
		protocol.Atom("QUERY"), protocol.Str("report"),
	})
	require.Contains(t, out, "SEARCH")
	require.Contains(t, out, "OK")
	require.Contains(t, out, "1")
	require.Contains(t, out, "3")
	require.NotContains(t, out, "* SEARCH 2")
}

func TestPersistentSearchMaterialisesAndReruns(t *testing.T) {
	h := newHarness(t)
	col := h.seedCollection("Inbox", "inbox", false)
	h.seedItem(col.ID, "report-1")

	out := h.run("SEARCH", protocol.List{
		protocol.Atom("QUERY"), protocol.Str("report"),
		protocol.Atom("PERSIST"), protocol.Str("reports"),
	})
	require.Contains(t, out, "OK")
	require.Contains(t, out, "PERSIST")

	// The search collection is virtual and holds the match via a link.
	var searchCol int64
	err := h.store.View(h.ctx, func(tx *store.Tx) error {
		cols, err := tx.AllCollections(h.ctx)
		require.NoError(t, err)
		for _, c := range cols {
			if c.Name == "reports" {
				require.True(t, c.Virtual)
				searchCol = c.ID
			}
		}
		require.NotZero(t, searchCol)
		members, err := tx.ItemsInCollection(h.ctx, searchCol)
		require.NoError(t, err)
		require.Len(t, members, 1)
		query, err := tx.SearchQuery(h.ctx, searchCol)
		require.NoError(t, err)
		require.Equal(t, "report", query)
		return nil
	})
	require.NoError(t, err)

	// New matching items join on the next re-evaluation, with a Link
	// notification for the delta only.
	h.seedItem(col.ID, "report-2")
	h.batches = nil
	out = h.run("SEARCH", protocol.List{
		protocol.Atom("RERUN"), protocol.Int(searchCol),
	})
	require.Contains(t, out, "OK")

	err = h.store.View(h.ctx, func(tx *store.Tx) error {
		members, err := tx.ItemsInCollection(h.ctx, searchCol)
		require.NoError(t, err)
		require.Len(t, members, 2)
		return nil
	})
	require.NoError(t, err)

	batch := h.lastBatch()
	require.Len(t, batch, 1)
	require.Equal(t, notify.OpLink, batch[0].Op)
	require.Len(t, batch[0].Entities, 1, "only the new match links")
}
