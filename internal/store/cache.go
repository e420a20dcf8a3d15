package store

import "github.com/pimd/pimd/internal/types"

// cachedCollection is a snapshot of a collection row plus its resolved
// mimetype names, kept in the identity cache. Snapshots are copied on the
// way out so callers can't mutate the cache.
type cachedCollection struct {
	coll types.Collection
}

func (s *Store) cachedCollectionByID(id int64) (types.Collection, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	c, ok := s.collCache[id]
	if !ok {
		return types.Collection{}, false
	}
	out := c.coll
	out.MimeTypes = append([]string(nil), c.coll.MimeTypes...)
	if c.coll.Attributes != nil {
		out.Attributes = make(map[string][]byte, len(c.coll.Attributes))
		for k, v := range c.coll.Attributes {
			out.Attributes[k] = v
		}
	}
	return out, true
}

func (s *Store) cacheCollection(c types.Collection) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.collCache[c.ID] = &cachedCollection{coll: c}
}

// invalidateCollection drops a collection from the identity cache; every
// collection write path calls this.
func (s *Store) invalidateCollection(id int64) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	delete(s.collCache, id)
}

func (s *Store) cachedMimeTypeID(name string) (int64, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	id, ok := s.mimeByName[name]
	return id, ok
}

func (s *Store) cachedMimeTypeName(id int64) (string, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	name, ok := s.mimeByID[id]
	return name, ok
}

func (s *Store) cacheMimeType(id int64, name string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.mimeByName[name] = id
	s.mimeByID[id] = name
}

func (s *Store) cachedTagTypeID(name string) (int64, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	id, ok := s.tagTypeByName[name]
	return id, ok
}

func (s *Store) cacheTagType(id int64, name string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.tagTypeByName[name] = id
}
