// Package scope resolves the four addressing modes (UID/RID/HRID/GID)
// into concrete entity ids, given a session's
// resource context and an optional restricting ScopeContext.
package scope

import (
	"context"
	"errors"
	"fmt"

	"github.com/pimd/pimd/internal/protocol"
	"github.com/pimd/pimd/internal/session"
	"github.com/pimd/pimd/internal/types"
)

// Kind identifies one of the four scope addressing modes.
type Kind int

const (
	Uid Kind = iota
	Rid
	HierarchicalRid
	Gid
)

func (k Kind) String() string {
	switch k {
	case Uid:
		return "UID"
	case Rid:
		return "RID"
	case HierarchicalRid:
		return "HRID"
	case Gid:
		return "GID"
	default:
		return "?"
	}
}

// Scope is one resolvable address.
type Scope struct {
	Kind      Kind
	SeqSet    protocol.SeqSet // Uid
	RIDs      []string        // Rid
	HridChain []string        // HierarchicalRid: target-to-root order
	GIDs      []string        // Gid
}

// Context restricts resolution to items inside a collection and/or
// carrying a tag; either field may be zero to mean "unrestricted".
type Context struct {
	CollectionID int64
	TagID        int64
}

// ErrRequiresResourceContext is returned for Rid/HierarchicalRid scopes
// issued on a session with no selected resource.
var ErrRequiresResourceContext = errors.New("remote-id scope requires resource context")

// ErrHridUnsupportedForLinkUnlink is the defined rejection for HRID scope
// on LinkItems/UnlinkItems: HRID addresses a single resource-rooted
// chain, which doesn't name a virtual-collection target the way
// Link/Unlink need.
var ErrHridUnsupportedForLinkUnlink = errors.New("hierarchical-rid scope not supported for link/unlink")

// Backend is the subset of the entity store the resolver needs. It is
// satisfied by *store.Tx.
type Backend interface {
	MaxItemID(ctx context.Context) (int64, error)
	ItemIDByRemoteID(ctx context.Context, resourceID int64, rid string) (int64, bool, error)
	ItemIDsByGID(ctx context.Context, gid string) ([]int64, error)
	ResourceRootCollectionID(ctx context.Context, resourceID int64) (int64, error)
	ChildCollectionByRemoteID(ctx context.Context, parentID int64, resourceID int64, rid string) (int64, bool, error)
	ItemsInCollection(ctx context.Context, collectionID int64) ([]int64, error)
	ItemsWithTag(ctx context.Context, tagID int64) ([]int64, error)
}

// Resolve produces the ordered, de-duplicated set of item ids addressed by
// s, restricted by sctx if non-zero.
func Resolve(ctx context.Context, s Scope, sess *session.Session, sctx Context, backend Backend) ([]int64, error) {
	ids, err := resolveKind(ctx, s, sess, backend)
	if err != nil {
		return nil, err
	}
	if sctx.CollectionID == 0 && sctx.TagID == 0 {
		return ids, nil
	}
	return restrict(ctx, ids, sctx, backend)
}

func resolveKind(ctx context.Context, s Scope, sess *session.Session, backend Backend) ([]int64, error) {
	switch s.Kind {
	case Uid:
		maxID, err := backend.MaxItemID(ctx)
		if err != nil {
			return nil, err
		}
		return s.SeqSet.Enumerate(maxID), nil

	case Rid:
		res, ok := sess.ResourceContext()
		if !ok {
			return nil, ErrRequiresResourceContext
		}
		var ids []int64
		seen := make(map[int64]bool)
		for _, rid := range s.RIDs {
			id, found, err := backend.ItemIDByRemoteID(ctx, res.ID, rid)
			if err != nil {
				return nil, err
			}
			if found && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		return ids, nil

	case HierarchicalRid:
		res, ok := sess.ResourceContext()
		if !ok {
			return nil, ErrRequiresResourceContext
		}
		return resolveHrid(ctx, s.HridChain, res, backend)

	case Gid:
		var ids []int64
		seen := make(map[int64]bool)
		for _, gid := range s.GIDs {
			found, err := backend.ItemIDsByGID(ctx, gid)
			if err != nil {
				return nil, err
			}
			for _, id := range found {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
		return ids, nil

	default:
		return nil, fmt.Errorf("scope: unknown kind %d", s.Kind)
	}
}

// resolveHrid walks parent links starting at the resource root, consuming
// the chain from its root end (the chain is given target-to-root, so we
// walk it in reverse) and returns the id of the collection reached after
// consuming the whole chain.
func resolveHrid(ctx context.Context, chain []string, res types.Resource, backend Backend) ([]int64, error) {
	if len(chain) == 0 {
		return nil, nil
	}
	current, err := backend.ResourceRootCollectionID(ctx, res.ID)
	if err != nil {
		return nil, err
	}
	for i := len(chain) - 1; i >= 0; i-- {
		next, found, err := backend.ChildCollectionByRemoteID(ctx, current, res.ID, chain[i])
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		current = next
	}
	return []int64{current}, nil
}

func restrict(ctx context.Context, ids []int64, sctx Context, backend Backend) ([]int64, error) {
	allowed := make(map[int64]bool)
	first := true
	intersect := func(set []int64) {
		next := make(map[int64]bool, len(set))
		for _, id := range set {
			if !first && !allowed[id] {
				continue
			}
			next[id] = true
		}
		allowed = next
		first = false
	}
	if sctx.CollectionID != 0 {
		members, err := backend.ItemsInCollection(ctx, sctx.CollectionID)
		if err != nil {
			return nil, err
		}
		intersect(members)
	}
	if sctx.TagID != 0 {
		members, err := backend.ItemsWithTag(ctx, sctx.TagID)
		if err != nil {
			return nil, err
		}
		intersect(members)
	}
	var out []int64
	for _, id := range ids {
		if allowed[id] {
			out = append(out, id)
		}
	}
	return out, nil
}
