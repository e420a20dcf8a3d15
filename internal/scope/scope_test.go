package scope

import (
	"context"
	"errors"
	"testing"

	"github.com/pimd/pimd/internal/protocol"
	"github.com/pimd/pimd/internal/session"
	"github.com/pimd/pimd/internal/types"
)

// fakeBackend is an in-memory scope backend.
type fakeBackend struct {
	maxItemID int64
	byRID     map[string]int64 // rid -> item id (single resource)
	byGID     map[string][]int64
	// collection tree: parent id -> rid -> child id
	children map[int64]map[string]int64
	rootID   int64
	members  map[int64][]int64 // collection id -> item ids
	tagged   map[int64][]int64 // tag id -> item ids
}

func (f *fakeBackend) MaxItemID(ctx context.Context) (int64, error) { return f.maxItemID, nil }

func (f *fakeBackend) ItemIDByRemoteID(ctx context.Context, resourceID int64, rid string) (int64, bool, error) {
	id, ok := f.byRID[rid]
	return id, ok, nil
}

func (f *fakeBackend) ItemIDsByGID(ctx context.Context, gid string) ([]int64, error) {
	return f.byGID[gid], nil
}

func (f *fakeBackend) ResourceRootCollectionID(ctx context.Context, resourceID int64) (int64, error) {
	return f.rootID, nil
}

func (f *fakeBackend) ChildCollectionByRemoteID(ctx context.Context, parentID, resourceID int64, rid string) (int64, bool, error) {
	id, ok := f.children[parentID][rid]
	return id, ok, nil
}

func (f *fakeBackend) ItemsInCollection(ctx context.Context, collectionID int64) ([]int64, error) {
	return f.members[collectionID], nil
}

func (f *fakeBackend) ItemsWithTag(ctx context.Context, tagID int64) ([]int64, error) {
	return f.tagged[tagID], nil
}

func resourceSession(t *testing.T) *session.Session {
	t.Helper()
	s := session.New()
	s.Authenticate()
	s.SelectResource(types.Resource{ID: 1, Name: "res0"})
	return s
}

func TestUidScopeEnumerates(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{maxItemID: 5}
	set, err := protocol.ParseSeqSet("1:3,5")
	if err != nil {
		t.Fatalf("ParseSeqSet: %v", err)
	}
	ids, err := Resolve(ctx, Scope{Kind: Uid, SeqSet: set}, session.New(), Context{}, backend)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []int64{1, 2, 3, 5}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestRidScopeNeedsResourceContext(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{byRID: map[string]int64{"r1": 7}}

	_, err := Resolve(ctx, Scope{Kind: Rid, RIDs: []string{"r1"}}, session.New(), Context{}, backend)
	if !errors.Is(err, ErrRequiresResourceContext) {
		t.Fatalf("expected resource-context error, got %v", err)
	}

	ids, err := Resolve(ctx, Scope{Kind: Rid, RIDs: []string{"r1", "missing"}},
		resourceSession(t), Context{}, backend)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(ids) != 1 || ids[0] != 7 {
		t.Fatalf("ids = %v", ids)
	}
}

func TestGidScopeMultiMatch(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{byGID: map[string][]int64{"g": {3, 4}}}
	ids, err := Resolve(ctx, Scope{Kind: Gid, GIDs: []string{"g", "g"}}, session.New(), Context{}, backend)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("gid multi-match should dedupe across inputs: %v", ids)
	}
}

func TestHridWalksFromResourceRoot(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{
		rootID: 1,
		children: map[int64]map[string]int64{
			1: {"inbox": 2},
			2: {"archive": 3},
		},
	}
	// Chain is target-to-root: archive under inbox.
	ids, err := Resolve(ctx, Scope{Kind: HierarchicalRid, HridChain: []string{"archive", "inbox"}},
		resourceSession(t), Context{}, backend)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(ids) != 1 || ids[0] != 3 {
		t.Fatalf("ids = %v, want [3]", ids)
	}

	// A broken chain resolves to nothing rather than an error.
	ids, err = Resolve(ctx, Scope{Kind: HierarchicalRid, HridChain: []string{"nope", "inbox"}},
		resourceSession(t), Context{}, backend)
	if err != nil || len(ids) != 0 {
		t.Fatalf("broken chain: ids=%v err=%v", ids, err)
	}
}

func TestScopeContextRestricts(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{
		maxItemID: 10,
		members:   map[int64][]int64{4: {1, 2, 3}},
		tagged:    map[int64][]int64{9: {2, 3, 4}},
	}
	set, _ := protocol.ParseSeqSet("1:10")

	ids, err := Resolve(ctx, Scope{Kind: Uid, SeqSet: set}, session.New(),
		Context{CollectionID: 4}, backend)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("collection restriction failed: %v", ids)
	}

	ids, err = Resolve(ctx, Scope{Kind: Uid, SeqSet: set}, session.New(),
		Context{CollectionID: 4, TagID: 9}, backend)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 3 {
		t.Fatalf("combined restriction failed: %v", ids)
	}
}
