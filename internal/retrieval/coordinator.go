// Package retrieval implements the on-demand payload retrieval
// coordinator: fetching missing payload bytes from the owning
// resource, deduplicating concurrent requests for the same (item, parts)
// key so at most one retrieval is in flight per key.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/pimd/pimd/internal/obs"
	"github.com/pimd/pimd/internal/store"
	"github.com/pimd/pimd/internal/types"
)

// ResourceClient talks to a resource peer over the wire protocol. The
// concrete client lives in the server wiring; tests substitute fakes.
type ResourceClient interface {
	// RetrieveParts asks the resource for the named payload parts of an
	// item, returning part name -> bytes.
	RetrieveParts(ctx context.Context, resource types.Resource, item types.Item, parts []string) (map[string][]byte, error)
	// SynchronizeCollection asks the resource to run a sync pass over a
	// collection (the interval scheduler's expiry action).
	SynchronizeCollection(ctx context.Context, resource types.Resource, colID int64) error
}

// Coordinator is the process-wide retrieval handle.
type Coordinator struct {
	store  *store.Store
	client ResourceClient

	// group deduplicates in-flight retrievals by (item, parts) key;
	// concurrent waiters attach to the existing request.
	group singleflight.Group
}

// New creates a coordinator.
func New(st *store.Store, client ResourceClient) *Coordinator {
	return &Coordinator{store: st, client: client}
}

func requestKey(itemID int64, parts []string) string {
	sorted := append([]string(nil), parts...)
	sort.Strings(sorted)
	return fmt.Sprintf("%d:%s", itemID, strings.Join(sorted, ","))
}

// RetrieveParts ensures the named payload parts of itemID are present in
// the part table, fetching the missing ones from the owning resource.
// With ignoreErrors the caller is told to omit the item instead of
// failing the fetch.
func (c *Coordinator) RetrieveParts(ctx context.Context, itemID int64, parts []string, ignoreErrors bool) (omit bool, err error) {
	var missing []string
	var item types.Item
	var col types.Collection
	err = c.store.View(ctx, func(tx *store.Tx) error {
		var err error
		if item, err = tx.ItemByID(ctx, itemID); err != nil {
			return err
		}
		if col, err = tx.CollectionByID(ctx, item.CollectionID); err != nil {
			return err
		}
		missing, err = tx.MissingParts(ctx, itemID, parts)
		return err
	})
	if err != nil {
		return false, err
	}
	if len(missing) == 0 {
		return false, nil
	}

	key := requestKey(itemID, missing)
	_, err, _ = c.group.Do(key, func() (interface{}, error) {
		return nil, c.retrieve(ctx, col, item, missing)
	})
	if err != nil {
		if ignoreErrors {
			obs.Logf("retrieval: ignoring failure for item %d: %v\n", itemID, err)
			return true, nil
		}
		return false, fmt.Errorf(
			"failed to retrieve parts for item %d in collection %d from resource %d: %v",
			itemID, col.ID, col.ResourceID, err)
	}
	return false, nil
}

// retrieve performs the actual resource round-trip with bounded retries
// for transient failures, then lands the bytes in the part table before
// any waiter proceeds.
func (c *Coordinator) retrieve(ctx context.Context, col types.Collection, item types.Item, parts []string) error {
	var res types.Resource
	if err := c.store.View(ctx, func(tx *store.Tx) error {
		var err error
		res, err = tx.ResourceByID(ctx, col.ResourceID)
		return err
	}); err != nil {
		return err
	}

	var fetched map[string][]byte
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(200*time.Millisecond)), 3), ctx)
	err := backoff.Retry(func() error {
		var err error
		fetched, err = c.client.RetrieveParts(ctx, res, item, parts)
		return err
	}, policy)
	if err != nil {
		return err
	}

	return c.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		for name, data := range fetched {
			p, ok, err := tx.PartByName(ctx, item.ID, name)
			if err != nil {
				return err
			}
			if !ok {
				p = types.Part{ItemID: item.ID, Name: name, DataSize: int64(len(data))}
			}
			p.Data = data
			p.DataSize = int64(len(data))
			if err := tx.UpsertPart(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// SyncCollection asks the owning resource to synchronise colID; the
// interval scheduler calls this on expiry.
func (c *Coordinator) SyncCollection(ctx context.Context, colID int64) {
	var col types.Collection
	var res types.Resource
	err := c.store.View(ctx, func(tx *store.Tx) error {
		var err error
		if col, err = tx.CollectionByID(ctx, colID); err != nil {
			return err
		}
		res, err = tx.ResourceByID(ctx, col.ResourceID)
		return err
	})
	if err != nil {
		obs.Errorf("retrieval: sync collection %d: %v\n", colID, err)
		return
	}
	if err := c.client.SynchronizeCollection(ctx, res, colID); err != nil {
		obs.Errorf("retrieval: sync collection %d via %s: %v\n", colID, res.Name, err)
	}
}
