package retrieval

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pimd/pimd/internal/store"
	"github.com/pimd/pimd/internal/types"
)

type fakeClient struct {
	mu       sync.Mutex
	calls    int32
	delay    time.Duration
	fail     bool
	failures int32 // transient failures before success
	synced   []int64
}

func (c *fakeClient) RetrieveParts(ctx context.Context, res types.Resource, item types.Item, parts []string) (map[string][]byte, error) {
	atomic.AddInt32(&c.calls, 1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.fail {
		return nil, errors.New("resource exploded")
	}
	if n := atomic.LoadInt32(&c.failures); n > 0 {
		atomic.AddInt32(&c.failures, -1)
		return nil, errors.New("transient")
	}
	out := make(map[string][]byte, len(parts))
	for _, p := range parts {
		out[p] = []byte("payload-for-" + p)
	}
	return out, nil
}

func (c *fakeClient) SynchronizeCollection(ctx context.Context, res types.Resource, colID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.synced = append(c.synced, colID)
	return nil
}

func setupRetrieval(t *testing.T) (*store.Store, types.Item, context.Context) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	var item types.Item
	err = st.RunInTransaction(ctx, func(tx *store.Tx) error {
		res, err := tx.EnsureResource(ctx, "res0")
		if err != nil {
			return err
		}
		col := types.Collection{Name: "Inbox", ResourceID: res.ID, Enabled: true}
		col.CachePolicy.Inherit = true
		if err := tx.CreateCollection(ctx, &col); err != nil {
			return err
		}
		item = types.Item{CollectionID: col.ID, MimeType: "message/rfc822", RemoteID: "R-1"}
		return tx.CreateItem(ctx, &item)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return st, item, ctx
}

func TestRetrieveStoresMissingParts(t *testing.T) {
	st, item, ctx := setupRetrieval(t)
	client := &fakeClient{}
	c := New(st, client)

	omit, err := c.RetrieveParts(ctx, item.ID, []string{"PLD:DATA"}, false)
	if err != nil {
		t.Fatalf("RetrieveParts: %v", err)
	}
	if omit {
		t.Fatalf("unexpected omit")
	}
	err = st.View(ctx, func(tx *store.Tx) error {
		p, ok, err := tx.PartByName(ctx, item.ID, "PLD:DATA")
		if err != nil {
			return err
		}
		if !ok || string(p.Data) != "payload-for-PLD:DATA" {
			t.Errorf("part = %+v ok=%v", p, ok)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestRetrieveNoopWhenPartsPresent(t *testing.T) {
	st, item, ctx := setupRetrieval(t)
	err := st.RunInTransaction(ctx, func(tx *store.Tx) error {
		return tx.UpsertPart(ctx, types.Part{
			ItemID: item.ID, Name: "PLD:DATA", Data: []byte("cached"), DataSize: 6,
		})
	})
	if err != nil {
		t.Fatalf("seed part: %v", err)
	}
	client := &fakeClient{}
	c := New(st, client)
	if _, err := c.RetrieveParts(ctx, item.ID, []string{"PLD:DATA"}, false); err != nil {
		t.Fatalf("RetrieveParts: %v", err)
	}
	if n := atomic.LoadInt32(&client.calls); n != 0 {
		t.Fatalf("no resource round-trip expected, got %d", n)
	}
}

func TestConcurrentRequestsDeduplicate(t *testing.T) {
	st, item, ctx := setupRetrieval(t)
	client := &fakeClient{delay: 50 * time.Millisecond}
	c := New(st, client)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := c.RetrieveParts(ctx, item.ID, []string{"PLD:DATA"}, false)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n := atomic.LoadInt32(&client.calls); n != 1 {
		t.Fatalf("expected a single in-flight retrieval, got %d", n)
	}
}

func TestRetryOnTransientFailure(t *testing.T) {
	st, item, ctx := setupRetrieval(t)
	client := &fakeClient{failures: 2}
	c := New(st, client)

	if _, err := c.RetrieveParts(ctx, item.ID, []string{"PLD:DATA"}, false); err != nil {
		t.Fatalf("RetrieveParts should retry past transient failures: %v", err)
	}
	if n := atomic.LoadInt32(&client.calls); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestErrorMessageNamesCollectionAndResource(t *testing.T) {
	st, item, ctx := setupRetrieval(t)
	client := &fakeClient{fail: true}
	c := New(st, client)

	_, err := c.RetrieveParts(ctx, item.ID, []string{"PLD:DATA"}, false)
	if err == nil {
		t.Fatalf("expected failure")
	}
	want := fmt.Sprintf("collection %d", item.CollectionID)
	if !strings.Contains(err.Error(), want) || !strings.Contains(err.Error(), "resource exploded") {
		t.Fatalf("error should name the collection and the cause: %v", err)
	}

	omit, err := c.RetrieveParts(ctx, item.ID, []string{"PLD:DATA"}, true)
	if err != nil || !omit {
		t.Fatalf("ignoreErrors should omit silently: omit=%v err=%v", omit, err)
	}
}

func TestSyncCollectionAsksOwningResource(t *testing.T) {
	st, item, ctx := setupRetrieval(t)
	client := &fakeClient{}
	c := New(st, client)
	c.SyncCollection(ctx, item.CollectionID)
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.synced) != 1 || client.synced[0] != item.CollectionID {
		t.Fatalf("synced = %v", client.synced)
	}
}
