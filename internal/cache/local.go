// Package cache provides the tiered cache used in front of the blob store.
package cache

import (
	"container/heap"
	"sync"
	"time"
)

// hitCreditMs is how much eviction age one hit buys back.
const hitCreditMs = 60_000

// Local is a bounded in-process cache for one tenant.
//
// On overflow it evicts the entry with the highest score
// age_ms - hits*60000. Because every entry ages at the same rate, that is the
// entry with the smallest insertedAt_ms + hits*60000, which is time-invariant
// and can be kept in a min-heap. Entries past their TTL are reclaimed first,
// through a second heap ordered by deadline, so a live entry is never evicted
// while an expired one still holds a slot.
type Local struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[string]*entry
	queue      evictionQueue
	deadlines  deadlineQueue
	seq        uint64
	now        func() time.Time
}

type entry struct {
	key        string
	value      []byte
	insertedAt time.Time
	ttl        time.Duration
	hits       int64
	seq        uint64
	index      int
	dlIndex    int // position in deadlines, -1 without a TTL
}

func (e *entry) rank() int64 {
	return e.insertedAt.UnixMilli() + e.hits*hitCreditMs
}

func (e *entry) deadline() time.Time {
	return e.insertedAt.Add(e.ttl)
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && !now.Before(e.deadline())
}

// NewLocal creates a local tier holding at most maxEntries entries.
func NewLocal(maxEntries int, now func() time.Time) *Local {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if now == nil {
		now = time.Now
	}
	return &Local{
		maxEntries: maxEntries,
		entries:    make(map[string]*entry),
		now:        now,
	}
}

// Get returns the value for key and counts a hit. Expired entries are
// removed on access.
func (c *Local) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(c.now()) {
		c.remove(e)
		return nil, false
	}
	e.hits++
	heap.Fix(&c.queue, e.index)
	return e.value, true
}

// Set stores value under key. When the cache is full it evicts one entry and
// returns its key.
func (c *Local) Set(key string, value []byte, ttl time.Duration) (evicted string, didEvict bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[key]; ok {
		c.untrackDeadline(e)
		e.value = value
		e.ttl = ttl
		e.insertedAt = now
		c.seq++
		e.seq = c.seq
		heap.Fix(&c.queue, e.index)
		c.trackDeadline(e)
		return "", false
	}

	if len(c.entries) >= c.maxEntries {
		c.purgeExpired(now)
	}
	if len(c.entries) >= c.maxEntries {
		victim := c.queue[0]
		c.remove(victim)
		evicted, didEvict = victim.key, true
	}

	c.seq++
	e := &entry{key: key, value: value, insertedAt: now, ttl: ttl, seq: c.seq, dlIndex: -1}
	c.entries[key] = e
	heap.Push(&c.queue, e)
	c.trackDeadline(e)
	return evicted, didEvict
}

// purgeExpired drops every entry whose deadline has passed.
func (c *Local) purgeExpired(now time.Time) {
	for len(c.deadlines) > 0 && c.deadlines[0].expired(now) {
		c.remove(c.deadlines[0])
	}
}

func (c *Local) trackDeadline(e *entry) {
	if e.ttl > 0 {
		heap.Push(&c.deadlines, e)
	}
}

func (c *Local) untrackDeadline(e *entry) {
	if e.dlIndex >= 0 {
		heap.Remove(&c.deadlines, e.dlIndex)
	}
}

// Delete removes key if present.
func (c *Local) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.remove(e)
	}
}

// Len returns the number of entries, expired ones included until accessed.
func (c *Local) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Cap returns the configured capacity.
func (c *Local) Cap() int {
	return c.maxEntries
}

func (c *Local) remove(e *entry) {
	heap.Remove(&c.queue, e.index)
	c.untrackDeadline(e)
	delete(c.entries, e.key)
}

// evictionQueue is a min-heap on (rank, seq).
type evictionQueue []*entry

func (q evictionQueue) Len() int { return len(q) }

func (q evictionQueue) Less(i, j int) bool {
	ri, rj := q[i].rank(), q[j].rank()
	if ri != rj {
		return ri < rj
	}
	return q[i].seq < q[j].seq
}

func (q evictionQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *evictionQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *evictionQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// deadlineQueue is a min-heap on expiry deadline, holding only TTL entries.
type deadlineQueue []*entry

func (q deadlineQueue) Len() int { return len(q) }

func (q deadlineQueue) Less(i, j int) bool {
	return q[i].deadline().Before(q[j].deadline())
}

func (q deadlineQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].dlIndex = i
	q[j].dlIndex = j
}

func (q *deadlineQueue) Push(x any) {
	e := x.(*entry)
	e.dlIndex = len(*q)
	*q = append(*q, e)
}

func (q *deadlineQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.dlIndex = -1
	*q = old[:n-1]
	return e
}
