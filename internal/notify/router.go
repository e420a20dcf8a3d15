package notify

import (
	"sync"
)

// Filter is a session's notification filter: the union of its monitored
// categories plus the sessions it ignores. An empty category matches
// everything; a notification is delivered iff every non-empty category
// matches and the originating session is not ignored.
type Filter struct {
	Items           map[int64]bool
	Collections     map[int64]bool
	MimeTypes       map[string]bool
	Resources       map[string]bool
	Tags            map[int64]bool
	Operations      map[Operation]bool
	IgnoredSessions map[int64]bool
}

// NewFilter returns an empty (monitor-everything) filter.
func NewFilter() *Filter {
	return &Filter{
		Items:           make(map[int64]bool),
		Collections:     make(map[int64]bool),
		MimeTypes:       make(map[string]bool),
		Resources:       make(map[string]bool),
		Tags:            make(map[int64]bool),
		Operations:      make(map[Operation]bool),
		IgnoredSessions: make(map[int64]bool),
	}
}

// Matches applies the all-non-empty-categories-must-match rule.
func (f *Filter) Matches(m *Message) bool {
	if f.IgnoredSessions[m.SessionID] {
		return false
	}
	if len(f.Operations) > 0 && !f.Operations[m.Op] {
		return false
	}
	if len(f.Items) > 0 {
		if m.Kind != EntityItem || !anyEntityIn(m, f.Items) {
			return false
		}
	}
	if len(f.Collections) > 0 && !f.matchesCollections(m) {
		return false
	}
	if len(f.MimeTypes) > 0 && !f.matchesMimeTypes(m) {
		return false
	}
	if len(f.Resources) > 0 {
		if !f.Resources[m.Resource] && !(m.DestResource != "" && f.Resources[m.DestResource]) {
			return false
		}
	}
	if len(f.Tags) > 0 && !f.matchesTags(m) {
		return false
	}
	return true
}

// matchesCollections checks source parent, destination parent, and (for
// collection messages) the affected collection ids themselves.
func (f *Filter) matchesCollections(m *Message) bool {
	if f.Collections[m.ParentCollection] || (m.DestCollection != 0 && f.Collections[m.DestCollection]) {
		return true
	}
	if m.Kind == EntityCollection {
		for _, e := range m.Entities {
			if f.Collections[e.ID] {
				return true
			}
		}
	}
	return false
}

// matchesMimeTypes checks each affected item's mimetype.
func (f *Filter) matchesMimeTypes(m *Message) bool {
	for _, e := range m.Entities {
		if e.MimeType != "" && f.MimeTypes[e.MimeType] {
			return true
		}
	}
	return false
}

// matchesTags checks tag-message entity ids and the added/removed tag
// sets of item ModifyTags messages.
func (f *Filter) matchesTags(m *Message) bool {
	if m.Kind == EntityTag {
		for _, e := range m.Entities {
			if f.Tags[e.ID] {
				return true
			}
		}
		return false
	}
	for _, id := range m.AddedTags {
		if f.Tags[id] {
			return true
		}
	}
	for _, id := range m.RemovedTags {
		if f.Tags[id] {
			return true
		}
	}
	return false
}

func anyEntityIn(m *Message, set map[int64]bool) bool {
	for _, e := range m.Entities {
		if set[e.ID] {
			return true
		}
	}
	return false
}

// Subscriber is the router-side state of one idle session: its filter,
// freeze/record/replay state, and the delivery callback into the
// session's outbound frame channel.
type Subscriber struct {
	mu sync.Mutex

	sessionID int64
	filter    *Filter

	frozen bool
	buffer []*Message

	// recording holds entity ids the server retains for replay; buffered
	// notifications for these ids survive disconnect.
	recording map[int64]bool

	send func(batch []*Message) // nil while disconnected
}

// Filter returns the subscriber's filter for editing under Router locks;
// edits take effect on the next delivery.
func (s *Subscriber) Filter() *Filter { return s.filter }

// Freeze transitions active -> frozen: notifications buffer instead of
// being written.
func (s *Subscriber) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true
}

// Thaw transitions frozen -> active and drains the buffer in original
// commit order.
func (s *Subscriber) Thaw() {
	s.mu.Lock()
	buffered := s.buffer
	s.buffer = nil
	s.frozen = false
	send := s.send
	s.mu.Unlock()
	if send != nil && len(buffered) > 0 {
		send(buffered)
	}
}

// Record adds entity ids to the retained-for-replay set.
func (s *Subscriber) Record(ids []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.recording[id] = true
	}
}

// Replayed acknowledges entity ids: buffered notifications for them are
// dropped and they leave the recording set.
func (s *Subscriber) Replayed(ids []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acked := make(map[int64]bool, len(ids))
	for _, id := range ids {
		acked[id] = true
		delete(s.recording, id)
	}
	kept := s.buffer[:0]
	for _, m := range s.buffer {
		drop := false
		for _, e := range m.Entities {
			if acked[e.ID] {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, m)
		}
	}
	s.buffer = kept
}

// deliver routes one committed batch through the filter and the
// freeze/buffer state. The filtered batch is sent as one indivisible
// group.
func (s *Subscriber) deliver(batch []*Message) {
	s.mu.Lock()
	var matched []*Message
	for _, m := range batch {
		if s.filter.Matches(m) {
			matched = append(matched, m)
		}
	}
	if len(matched) == 0 {
		s.mu.Unlock()
		return
	}
	if s.frozen || s.send == nil {
		s.buffer = append(s.buffer, matched...)
		s.mu.Unlock()
		return
	}
	send := s.send
	s.mu.Unlock()
	send(matched)
}

// detach marks the subscriber disconnected, keeping only buffered
// notifications whose entities are in the recording set.
func (s *Subscriber) detach() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.send = nil
	kept := s.buffer[:0]
	for _, m := range s.buffer {
		keep := false
		for _, e := range m.Entities {
			if s.recording[e.ID] {
				keep = true
				break
			}
		}
		if keep {
			kept = append(kept, m)
		}
	}
	s.buffer = kept
	// Worth keeping around only if something is recorded.
	return len(s.recording) > 0
}

// attach reconnects the subscriber and replays retained notifications in
// original commit order.
func (s *Subscriber) attach(send func([]*Message)) {
	s.mu.Lock()
	s.send = send
	retained := s.buffer
	s.buffer = nil
	frozen := s.frozen
	s.mu.Unlock()
	if !frozen && send != nil && len(retained) > 0 {
		send(retained)
	} else if frozen && len(retained) > 0 {
		s.mu.Lock()
		s.buffer = append(retained, s.buffer...)
		s.mu.Unlock()
	}
}

// Router is the process-wide notification fan-out. The subscriber
// table is read-mostly: dispatch takes the read lock, subscribe and
// filter edits the write lock. A separate dispatch mutex serialises
// batches so notifications from a transaction that committed first reach
// every subscriber first.
type Router struct {
	mu   sync.RWMutex
	subs map[int64]*Subscriber

	dispatchMu sync.Mutex
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{subs: make(map[int64]*Subscriber)}
}

// Subscribe registers (or re-attaches) sessionID as an idle subscriber
// with the given delivery callback. Reconnecting to a session id with
// recorded notifications replays them.
func (r *Router) Subscribe(sessionID int64, send func(batch []*Message)) *Subscriber {
	r.mu.Lock()
	sub, ok := r.subs[sessionID]
	if !ok {
		sub = &Subscriber{
			sessionID: sessionID,
			filter:    NewFilter(),
			recording: make(map[int64]bool),
		}
		r.subs[sessionID] = sub
	}
	r.mu.Unlock()
	sub.attach(send)
	return sub
}

// Unsubscribe detaches a session. Its subscriber state survives only if
// it holds recorded entity ids awaiting replay.
func (r *Router) Unsubscribe(sessionID int64) {
	r.mu.Lock()
	sub, ok := r.subs[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	keep := sub.detach()
	if !keep {
		delete(r.subs, sessionID)
	}
	r.mu.Unlock()
}

// Subscriber returns the live subscriber for a session, if any.
func (r *Router) Subscriber(sessionID int64) (*Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[sessionID]
	return sub, ok
}

// Deliver implements Sink: fan one committed batch out to every
// subscriber. Batches are serialised in commit order.
func (r *Router) Deliver(batch []*Message) {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()
	r.mu.RLock()
	subs := make([]*Subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()
	for _, sub := range subs {
		sub.deliver(batch)
	}
}
