package handler

import (
	"context"
	"sort"
	"strconv"

	"github.com/pimd/pimd/internal/protocol"
	"github.com/pimd/pimd/internal/scope"
)

// params is a parsed parenthesised key/value list. Flag-style keys
// (present without a value) map to nil.
type params struct {
	order  []string
	values map[string]protocol.Token
}

// knownValueKeys lists the parameter keys that always take a value; any
// other key inside a parameter list is treated as a bare flag.
var knownValueKeys = map[string]bool{
	"NAME": true, "REMOTEID": true, "REMOTEREVISION": true, "GID": true,
	"MIMETYPE": true, "PARENT": true, "FLAGS": true, "TAGS": true,
	"SIZE": true, "MTIME": true, "DATETIME": true, "CACHEPOLICY": true,
	"ENABLED": true, "SYNC": true, "DISPLAY": true, "INDEX": true,
	"REFERENCED": true, "ANCESTORS": true, "CHANGEDSINCE": true,
	"PARTS": true, "MERGE": true, "QUERY": true, "PERSIST": true,
	"COLLECTION": true, "TAG": true, "LEFT": true, "RIGHT": true,
	"TYPE": true, "SIDE": true, "RESOURCE": true, "OPERATIONS": true,
	"COLLECTIONS": true, "ITEMS": true, "MIMETYPES": true,
	"RESOURCES": true, "IGNORESESSIONS": true, "DEPTH": true,
	"+FLAGS": true, "-FLAGS": true, "+TAGS": true, "-TAGS": true,
	"DIRTY": true, "INHERIT": true, "INTERVAL": true,
	"CACHETIMEOUT": true, "LOCALPARTS": true, "RERUN": true,
}

func isValueKey(key string) bool {
	if knownValueKeys[key] {
		return true
	}
	// ATR:<name> and PLD:<name> attribute assignments carry values.
	return len(key) > 4 && (key[:4] == "ATR:" || key[:4] == "PLD:")
}

// parseParams decodes a key/value parameter list.
func parseParams(list protocol.List) (*params, error) {
	p := &params{values: make(map[string]protocol.Token)}
	for i := 0; i < len(list); i++ {
		key, ok := protocol.StringValue(list[i])
		if !ok {
			return nil, badf("expected parameter key, got %s", list[i].String())
		}
		if isValueKey(key) {
			i++
			if i >= len(list) {
				return nil, badf("parameter %s without value", key)
			}
			p.values[key] = list[i]
		} else {
			p.values[key] = nil
		}
		p.order = append(p.order, key)
	}
	return p, nil
}

func (p *params) has(key string) bool {
	_, ok := p.values[key]
	return ok
}

func (p *params) token(key string) (protocol.Token, bool) {
	t, ok := p.values[key]
	return t, ok
}

func (p *params) str(key string) (string, bool) {
	t, ok := p.values[key]
	if !ok || t == nil {
		return "", false
	}
	s, ok := protocol.StringValue(t)
	return s, ok
}

func (p *params) int64(key string) (int64, bool) {
	s, ok := p.str(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (p *params) boolVal(key string) (bool, bool) {
	s, ok := p.str(key)
	if !ok {
		return false, false
	}
	switch s {
	case "TRUE", "true", "1":
		return true, true
	case "FALSE", "false", "0":
		return false, true
	}
	return false, false
}

// strList reads a key whose value is a list of strings (FLAGS, MIMETYPE
// sets, ...). A single bare string is accepted as a one-element list.
func (p *params) strList(key string) ([]string, bool) {
	t, ok := p.values[key]
	if !ok || t == nil {
		return nil, false
	}
	if l, ok := t.(protocol.List); ok {
		out := make([]string, 0, len(l))
		for _, item := range l {
			s, ok := protocol.StringValue(item)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	s, ok := protocol.StringValue(t)
	if !ok {
		return nil, false
	}
	return []string{s}, true
}

// idList reads a key whose value is a list of decimal ids.
func (p *params) idList(key string) ([]int64, bool) {
	strs, ok := p.strList(key)
	if !ok {
		return nil, false
	}
	out := make([]int64, 0, len(strs))
	for _, s := range strs {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}

// attrAssignments extracts ATR:<name> (and PLD:<name>) attribute values
// from the parameter list into a map keyed by name.
func (p *params) attrAssignments() map[string][]byte {
	out := make(map[string][]byte)
	for key, t := range p.values {
		if len(key) <= 4 || (key[:4] != "ATR:" && key[:4] != "PLD:") {
			continue
		}
		switch v := t.(type) {
		case protocol.Literal:
			out[key] = append([]byte(nil), v...)
		case protocol.Atom:
			out[key] = []byte(v)
		case protocol.QuotedString:
			out[key] = []byte(v)
		}
	}
	return out
}

// parseItemScope builds a scope.Scope from the first command argument
// according to the active scope kind.
func parseItemScope(kind scope.Kind, tok protocol.Token) (scope.Scope, error) {
	s := scope.Scope{Kind: kind}
	switch kind {
	case scope.Uid:
		raw, ok := protocol.StringValue(tok)
		if !ok {
			return s, badf("expected sequence set")
		}
		set, err := protocol.ParseSeqSet(raw)
		if err != nil {
			return s, badf("invalid sequence set: %v", err)
		}
		s.SeqSet = set
	case scope.Rid:
		vals, err := scopeStrings(tok)
		if err != nil {
			return s, err
		}
		s.RIDs = vals
	case scope.HierarchicalRid:
		vals, err := scopeStrings(tok)
		if err != nil {
			return s, err
		}
		s.HridChain = vals
	case scope.Gid:
		vals, err := scopeStrings(tok)
		if err != nil {
			return s, err
		}
		s.GIDs = vals
	}
	return s, nil
}

func scopeStrings(tok protocol.Token) ([]string, error) {
	if l, ok := tok.(protocol.List); ok {
		out := make([]string, 0, len(l))
		for _, item := range l {
			s, ok := protocol.StringValue(item)
			if !ok {
				return nil, badf("expected string in scope list")
			}
			out = append(out, s)
		}
		return out, nil
	}
	s, ok := protocol.StringValue(tok)
	if !ok {
		return nil, badf("expected scope value")
	}
	return []string{s}, nil
}

// resolveItems resolves the command's leading scope argument to item
// ids, applying the session's SELECTed collection as the default scope
// context plus any COLLECTION/TAG context parameters.
func (e *exec) resolveItems(ctx context.Context, tok protocol.Token, p *params) ([]int64, error) {
	s, err := parseItemScope(e.scopeKind, tok)
	if err != nil {
		return nil, err
	}
	sctx := scope.Context{CollectionID: e.sess().CurrentCollection()}
	if p != nil {
		if col, ok := p.int64("COLLECTION"); ok {
			sctx.CollectionID = col
		}
		if tag, ok := p.int64("TAG"); ok {
			sctx.TagID = tag
		}
	}
	return scope.Resolve(ctx, s, e.sess(), sctx, e.tx)
}

// resolveCollection resolves a collection reference: a plain id under
// Uid scope, a remote-id within the session's resource under Rid scope,
// or a hierarchical-rid chain under HierarchicalRid scope.
func (e *exec) resolveCollection(ctx context.Context, tok protocol.Token) (int64, error) {
	switch e.scopeKind {
	case scope.Uid:
		raw, ok := protocol.StringValue(tok)
		if !ok {
			return 0, badf("expected collection id")
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, badf("invalid collection id %q", raw)
		}
		return id, nil
	case scope.Rid:
		res, ok := e.sess().ResourceContext()
		if !ok {
			return 0, scope.ErrRequiresResourceContext
		}
		rid, okStr := protocol.StringValue(tok)
		if !okStr {
			return 0, badf("expected collection remote id")
		}
		id, found, err := e.tx.CollectionIDByRemoteID(ctx, res.ID, rid)
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, failf("Invalid parent collection")
		}
		return id, nil
	case scope.HierarchicalRid:
		res, ok := e.sess().ResourceContext()
		if !ok {
			return 0, scope.ErrRequiresResourceContext
		}
		chain, err := scopeStrings(tok)
		if err != nil {
			return 0, err
		}
		current, err := e.tx.ResourceRootCollectionID(ctx, res.ID)
		if err != nil {
			return 0, err
		}
		for i := len(chain) - 1; i >= 0; i-- {
			next, found, err := e.tx.ChildCollectionByRemoteID(ctx, current, res.ID, chain[i])
			if err != nil {
				return 0, err
			}
			if !found {
				return 0, failf("Invalid parent collection")
			}
			current = next
		}
		return current, nil
	default:
		return 0, failf("collection scope does not support %s addressing", e.scopeKind)
	}
}

// resourceNameOf resolves the owning resource name of a collection for
// notification stamping ("" when the collection has no resource).
func (e *exec) resourceNameOf(ctx context.Context, colID int64) string {
	col, err := e.tx.CollectionByID(ctx, colID)
	if err != nil || col.ResourceID == 0 {
		return ""
	}
	res, err := e.tx.ResourceByID(ctx, col.ResourceID)
	if err != nil {
		return ""
	}
	return res.Name
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// restArgs returns args[from:] or nil when the list is shorter.
func restArgs(args protocol.List, from int) protocol.List {
	if from >= len(args) {
		return nil
	}
	return args[from:]
}

// firstArg returns args[0] or an error.
func firstArg(args protocol.List, what string) (protocol.Token, error) {
	if len(args) == 0 {
		return nil, badf("missing %s", what)
	}
	return args[0], nil
}

// optionalParams parses args[idx] as a parameter list when present.
func optionalParams(args protocol.List, idx int) (*params, error) {
	if idx >= len(args) {
		return &params{values: make(map[string]protocol.Token)}, nil
	}
	l, ok := args[idx].(protocol.List)
	if !ok {
		return nil, badf("expected parameter list, got %s", args[idx].String())
	}
	return parseParams(l)
}
