// Package queue buffers admitted events and assembles delivery batches.
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/pulsekit/pulse/pkg/event"
)

// Drop reasons reported through OnDrop.
const (
	// ReasonOverflow marks an older event evicted to make room.
	ReasonOverflow = "overflow"
	// ReasonFull marks an incoming event rejected because everything
	// already queued outranks it.
	ReasonFull = "queue_full"
	// ReasonStale marks an event that aged out before delivery.
	ReasonStale = "stale"
)

// Entry is a queued event together with its enqueue time. The enqueue
// time survives requeueing so staleness is measured from first admission.
type Entry struct {
	Event      event.Event
	EnqueuedAt time.Time
}

// Queue is a bounded priority buffer. When full, it evicts the oldest
// event of the lowest priority tier present, unless that tier outranks
// the incoming event, in which case the incoming event is rejected.
type Queue struct {
	mu       sync.Mutex
	items    []Entry
	capacity int

	// OnDrop receives every event the queue discards, with the reason.
	OnDrop func(event.Event, string)

	now func() time.Time
}

// NewQueue creates a queue holding at most capacity events.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 500
	}
	return &Queue{
		items:    make([]Entry, 0, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

// Enqueue adds ev, applying the overflow policy when full. It reports
// whether the event was accepted.
func (q *Queue) Enqueue(ev event.Event) bool {
	return q.insert(Entry{Event: ev, EnqueuedAt: q.now()})
}

// Restore puts drained entries back, preserving their original enqueue
// times. Returns how many were accepted.
func (q *Queue) Restore(entries []Entry) int {
	accepted := 0
	for _, e := range entries {
		if q.insert(e) {
			accepted++
		}
	}
	return accepted
}

func (q *Queue) insert(e Entry) bool {
	q.mu.Lock()
	var victim *Entry
	accepted := true
	if len(q.items) >= q.capacity {
		idx := q.victimLocked(e.Event.Priority())
		if idx < 0 {
			accepted = false
		} else {
			v := q.items[idx]
			victim = &v
			q.items = append(q.items[:idx], q.items[idx+1:]...)
		}
	}
	if accepted {
		q.items = append(q.items, e)
	}
	q.mu.Unlock()

	if victim != nil && q.OnDrop != nil {
		q.OnDrop(victim.Event, ReasonOverflow)
	}
	if !accepted && q.OnDrop != nil {
		q.OnDrop(e.Event, ReasonFull)
	}
	return accepted
}

// victimLocked picks the eviction candidate: the oldest entry within the
// lowest priority tier present. Returns -1 when that tier outranks the
// incoming priority, meaning the incoming event loses instead.
func (q *Queue) victimLocked(incoming event.Priority) int {
	idx := -1
	for i, it := range q.items {
		if idx == -1 {
			idx = i
			continue
		}
		p, cur := it.Event.Priority(), q.items[idx].Event.Priority()
		if p < cur || (p == cur && it.EnqueuedAt.Before(q.items[idx].EnqueuedAt)) {
			idx = i
		}
	}
	if idx >= 0 && q.items[idx].Event.Priority() > incoming {
		return -1
	}
	return idx
}

// Drain removes and returns up to max entries, highest priority first,
// FIFO within a tier.
func (q *Queue) Drain(max int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 || len(q.items) == 0 {
		return nil
	}

	sort.SliceStable(q.items, func(i, j int) bool {
		pi, pj := q.items[i].Event.Priority(), q.items[j].Event.Priority()
		if pi != pj {
			return pi > pj
		}
		return q.items[i].EnqueuedAt.Before(q.items[j].EnqueuedAt)
	})

	n := min(max, len(q.items))
	out := make([]Entry, n)
	copy(out, q.items[:n])
	rest := make([]Entry, len(q.items)-n)
	copy(rest, q.items[n:])
	q.items = rest
	return out
}

// PurgeStale removes entries older than maxAge and returns them.
func (q *Queue) PurgeStale(maxAge time.Duration) []event.Event {
	if maxAge <= 0 {
		return nil
	}
	q.mu.Lock()
	now := q.now()
	var stale []event.Event
	kept := q.items[:0]
	for _, e := range q.items {
		if now.Sub(e.EnqueuedAt) > maxAge {
			stale = append(stale, e.Event)
			continue
		}
		kept = append(kept, e)
	}
	q.items = kept
	q.mu.Unlock()

	if q.OnDrop != nil {
		for _, ev := range stale {
			q.OnDrop(ev, ReasonStale)
		}
	}
	return stale
}

// Clear discards all queued entries and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = q.items[:0]
	return n
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return q.capacity
}
