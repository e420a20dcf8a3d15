// Package scheduler implements the per-collection periodic sync timer
// heap. Each eligible collection has a next-scheduled-time; when the
// timer fires the scheduler hands the expired collection to the retrieval
// coordinator and re-inserts it one interval out.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/pimd/pimd/internal/obs"
)

// reAddWindow is how long a removed collection's slot is remembered, so
// re-adding shortly after a removal does not reset its clock.
const reAddWindow = 30 * time.Second

// Source supplies scheduling inputs from the entity store.
type Source interface {
	// SyncIntervals lists every sync-eligible collection and its
	// effective check interval.
	SyncIntervals(ctx context.Context) (map[int64]time.Duration, error)
	// SyncInterval reads one collection; eligible is false when the
	// collection should not be scheduled at all.
	SyncInterval(ctx context.Context, colID int64) (d time.Duration, eligible bool, err error)
}

// SyncFunc is invoked for each expired collection (the retrieval
// coordinator's sync entry point).
type SyncFunc func(ctx context.Context, colID int64)

type entry struct {
	colID    int64
	due      time.Time
	interval time.Duration
	index    int // heap index, -1 when removed
}

type timerHeap []*entry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler is the process-wide interval scheduler handle.
type Scheduler struct {
	source      Source
	sync        SyncFunc
	minInterval time.Duration
	defInterval time.Duration

	mu      sync.Mutex
	heap    timerHeap
	entries map[int64]*entry
	removed map[int64]removedSlot
	wake    chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

type removedSlot struct {
	at  time.Time
	due time.Time
}

// Options tunes the scheduler.
type Options struct {
	// MinimumInterval clamps every effective check interval from below
	// (default 5 minutes).
	MinimumInterval time.Duration
	// DefaultInterval is used for collections with an inherited policy
	// and for collectionAdded before the policy is known.
	DefaultInterval time.Duration
}

// New builds a scheduler; call Run to load eligible collections and start
// the timer loop, and Shutdown to stop it.
func New(source Source, syncFn SyncFunc, opts Options) *Scheduler {
	if opts.MinimumInterval <= 0 {
		opts.MinimumInterval = 5 * time.Minute
	}
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = opts.MinimumInterval
	}
	return &Scheduler{
		source:      source,
		sync:        syncFn,
		minInterval: opts.MinimumInterval,
		defInterval: opts.DefaultInterval,
		entries:     make(map[int64]*entry),
		removed:     make(map[int64]removedSlot),
		wake:        make(chan struct{}, 1),
	}
}

// clamp applies the minimum-interval rule.
func (s *Scheduler) clamp(d time.Duration) time.Duration {
	if d < s.minInterval {
		return s.minInterval
	}
	return d
}

// Run performs the initial load and starts the timer loop. It returns
// once the loop is running.
func (s *Scheduler) Run(ctx context.Context) error {
	intervals, err := s.source.SyncIntervals(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	s.mu.Lock()
	for colID, d := range intervals {
		d = s.clamp(d)
		e := &entry{colID: colID, due: now.Add(d), interval: d}
		s.entries[colID] = e
		heap.Push(&s.heap, e)
	}
	s.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx)
	return nil
}

// Shutdown stops the timer loop and waits for it to exit.
func (s *Scheduler) Shutdown() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		s.mu.Lock()
		var wait time.Duration
		if len(s.heap) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(s.heap[0].due)
		}
		s.mu.Unlock()
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}
		s.fireExpired(ctx)
	}
}

func (s *Scheduler) fireExpired(ctx context.Context) {
	now := time.Now()
	var expired []*entry
	s.mu.Lock()
	for len(s.heap) > 0 && !s.heap[0].due.After(now) {
		e := heap.Pop(&s.heap).(*entry)
		expired = append(expired, e)
	}
	// Re-insert at now + interval before syncing, so a slow sync can't
	// starve the heap.
	for _, e := range expired {
		e.due = now.Add(e.interval)
		heap.Push(&s.heap, e)
	}
	s.mu.Unlock()
	for _, e := range expired {
		obs.Logf("scheduler: sync collection %d\n", e.colID)
		s.sync(ctx, e.colID)
	}
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// CollectionAdded inserts a collection with the default interval. When
// the collection was removed within the re-add window, its prior
// next-scheduled-time is reused rather than resetting the clock.
func (s *Scheduler) CollectionAdded(colID int64) {
	d := s.clamp(s.defInterval)
	due := time.Now().Add(d)
	s.mu.Lock()
	if _, ok := s.entries[colID]; ok {
		s.mu.Unlock()
		return
	}
	if slot, ok := s.removed[colID]; ok && time.Since(slot.at) < reAddWindow {
		due = slot.due
		delete(s.removed, colID)
	}
	e := &entry{colID: colID, due: due, interval: d}
	s.entries[colID] = e
	heap.Push(&s.heap, e)
	s.mu.Unlock()
	s.kick()
}

// CollectionRemoved drops a collection's entry; other entries and the
// running timer are untouched.
func (s *Scheduler) CollectionRemoved(colID int64) {
	s.mu.Lock()
	e, ok := s.entries[colID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.entries, colID)
	s.removed[colID] = removedSlot{at: time.Now(), due: e.due}
	if e.index >= 0 {
		heap.Remove(&s.heap, e.index)
	}
	s.mu.Unlock()
}

// CollectionChanged re-reads the collection's interval; when it changed,
// the entry is rescheduled at previous-time + (new - old), preserving the
// already-elapsed portion.
func (s *Scheduler) CollectionChanged(ctx context.Context, colID int64) {
	d, eligible, err := s.source.SyncInterval(ctx, colID)
	if err != nil {
		obs.Errorf("scheduler: read interval of %d: %v\n", colID, err)
		return
	}
	s.mu.Lock()
	e, ok := s.entries[colID]
	switch {
	case !eligible && ok:
		delete(s.entries, colID)
		if e.index >= 0 {
			heap.Remove(&s.heap, e.index)
		}
		s.mu.Unlock()
		return
	case !eligible:
		s.mu.Unlock()
		return
	case !ok:
		d = s.clamp(d)
		e = &entry{colID: colID, due: time.Now().Add(d), interval: d}
		s.entries[colID] = e
		heap.Push(&s.heap, e)
		s.mu.Unlock()
		s.kick()
		return
	}
	d = s.clamp(d)
	if d != e.interval {
		e.due = e.due.Add(d - e.interval)
		e.interval = d
		heap.Fix(&s.heap, e.index)
	}
	s.mu.Unlock()
	s.kick()
}

// NextScheduledTime exposes a collection's next due time (zero when not
// scheduled). Tests assert the clamp and reschedule rules through this.
func (s *Scheduler) NextScheduledTime(colID int64) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[colID]; ok {
		return e.due
	}
	return time.Time{}
}
