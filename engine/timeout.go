package engine

import (
	"container/heap"
	"sync"
	"time"
)

// TimeoutCache is the earliest-expiry index the idle-connection reaper
// extracts from. It maps a connection id to an absolute
// expiry and supports O(log n) extraction of the earliest expirer.
//
// Built directly on the standard library's container/heap rather than a
// third-party priority queue or timing wheel: the heap interface is tiny
// and this is the only place in the runtime that needs one.
type TimeoutCache struct {
	mu      sync.Mutex
	entries map[int64]*timeoutEntry // id -> live entry (expiry is authoritative here)
	heap    entryHeap               // may contain stale entries; lazily discarded on pop
	seq     int64                   // insertion order, for tie-breaks
}

type timeoutEntry struct {
	id     int64
	expiry time.Time
	seq    int64
	index  int // position in the heap slice, maintained by heap.Interface
}

// NewTimeoutCache returns an empty cache.
func NewTimeoutCache() *TimeoutCache {
	return &TimeoutCache{entries: make(map[int64]*timeoutEntry)}
}

// Renew sets id's expiry to now+idleTimeout, inserting it if absent.
func (c *TimeoutCache) Renew(id int64, idleTimeout time.Duration) {
	c.Update(id, time.Now().Add(idleTimeout))
}

// Update overrides id's expiry, inserting it if absent. Ties at the same
// expiry are broken by the order of the Update/Renew calls that set them.
func (c *TimeoutCache) Update(id int64, expiry time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	if e, ok := c.entries[id]; ok {
		// Bump seq on every update, not just on first insert: any heap
		// slot left over from a previous Update now carries a stale seq
		// and Extract's lazy-delete check discards it, even though its
		// expiry might sort earlier than the current one.
		e.expiry = expiry
		e.seq = c.seq
		heap.Push(&c.heap, &timeoutEntry{id: id, expiry: expiry, seq: c.seq})
		return
	}
	e := &timeoutEntry{id: id, expiry: expiry, seq: c.seq}
	c.entries[id] = e
	heap.Push(&c.heap, &timeoutEntry{id: id, expiry: expiry, seq: c.seq})
}

// Clear removes id entirely. It is a no-op if id is not present.
func (c *TimeoutCache) Clear(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Extract pops and returns one id whose expiry is <= now, or ok=false if
// none qualifies. Every live id appears at most once across calls: once
// extracted, it is gone until a subsequent Renew/Update.
func (c *TimeoutCache) Extract(now time.Time) (id int64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.heap.Len() > 0 {
		top := c.heap[0]
		live, present := c.entries[top.id]
		if !present || live.seq != top.seq {
			// Stale: either cleared or superseded by a later Update.
			heap.Pop(&c.heap)
			continue
		}
		if top.expiry.After(now) {
			return 0, false
		}
		heap.Pop(&c.heap)
		delete(c.entries, top.id)
		return top.id, true
	}
	return 0, false
}

// Len reports how many distinct ids are currently tracked.
func (c *TimeoutCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// entryHeap is a min-heap ordered by (expiry, seq).
type entryHeap []*timeoutEntry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].expiry.Equal(h[j].expiry) {
		return h[i].seq < h[j].seq
	}
	return h[i].expiry.Before(h[j].expiry)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *entryHeap) Push(x any) {
	e := x.(*timeoutEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
