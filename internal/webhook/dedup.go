package webhook

import (
	"container/list"
	"sync"
	"time"
)

// dedupSet remembers recently processed event IDs. Membership expires after
// the window; when the set hits its size cap the oldest entry is evicted.
// Expired entries are trimmed opportunistically on insert, so memory stays
// bounded without a background goroutine.
type dedupSet struct {
	mu      sync.Mutex
	window  time.Duration
	maxSize int
	entries map[string]*list.Element
	order   *list.List // front = oldest
	now     func() time.Time
}

type dedupEntry struct {
	id   string
	seen time.Time
}

func newDedupSet(window time.Duration, maxSize int) *dedupSet {
	if window <= 0 {
		window = 15 * time.Minute
	}
	if maxSize < 1 {
		maxSize = 10_000
	}
	return &dedupSet{
		window:  window,
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// seen records id and reports whether it was already present within the
// window.
func (d *dedupSet) seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.trim(now)

	if _, ok := d.entries[id]; ok {
		return true
	}

	for len(d.entries) >= d.maxSize {
		d.evictOldest()
	}
	d.entries[id] = d.order.PushBack(&dedupEntry{id: id, seen: now})
	return false
}

func (d *dedupSet) trim(now time.Time) {
	cutoff := now.Add(-d.window)
	for e := d.order.Front(); e != nil; {
		entry := e.Value.(*dedupEntry)
		if entry.seen.After(cutoff) {
			break
		}
		next := e.Next()
		d.order.Remove(e)
		delete(d.entries, entry.id)
		e = next
	}
}

func (d *dedupSet) evictOldest() {
	e := d.order.Front()
	if e == nil {
		return
	}
	entry := e.Value.(*dedupEntry)
	d.order.Remove(e)
	delete(d.entries, entry.id)
}

func (d *dedupSet) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
