// Package dedup keeps a bounded, time-windowed record of message IDs that
// have already been processed so flooded copies are not re-forwarded.
package dedup

import (
	"sync"
	"time"

	"github.com/golang-collections/collections/queue"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	// DefaultWindow is how long an ID is remembered.
	DefaultWindow = 5 * time.Minute
	// DefaultMaxEntries bounds the number of remembered IDs.
	DefaultMaxEntries = 4096
)

// Entry is one remembered message ID.
type Entry struct {
	MessageID   string
	FirstSeenAt time.Time
}

// Backing persists seen IDs across restarts. storage.Store implements it.
type Backing interface {
	InsertSeenID(messageID string, receivedAt int64) error
	RecentSeenIDs(since int64, limit int) ([]string, []int64, error)
	PruneOldEntries(cutoffTimestamp int64) (int64, error)
}

// Options configures a Cache.
type Options struct {
	Window     time.Duration
	MaxEntries int
	Backing    Backing
	Now        func() time.Time
}

// Cache is safe for concurrent use. Observe is the only way an ID enters
// the cache, so check and insert are one atomic step.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	order   *queue.Queue
	window  time.Duration
	max     int
	backing Backing
	now     func() time.Time

	restored int
}

// New creates a cache, applying defaults for unset options. With a Backing
// it first loads the IDs persisted within the window, so restored entries
// precede anything observed later.
func New(opts Options) *Cache {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Cache{
		seen:    make(map[string]time.Time, opts.MaxEntries),
		order:   queue.New(),
		window:  opts.Window,
		max:     opts.MaxEntries,
		backing: opts.Backing,
		now:     opts.Now,
	}
	if c.backing != nil {
		n, err := c.warm()
		if err != nil {
			jww.WARN.Printf("[dedup] restoring seen IDs failed: %v", err)
		}
		c.restored = n
	}
	return c
}

// Restored returns how many persisted IDs New loaded.
func (c *Cache) Restored() int {
	return c.restored
}

// Observe records id and reports whether this is its first observation
// within the window. A false return means the message must be dropped.
func (c *Cache) Observe(id string) bool {
	c.mu.Lock()
	now := c.now()
	c.expireLocked(now)
	if _, ok := c.seen[id]; ok {
		c.mu.Unlock()
		return false
	}
	c.insertLocked(Entry{MessageID: id, FirstSeenAt: now})
	c.mu.Unlock()

	if c.backing != nil {
		if err := c.backing.InsertSeenID(id, now.UnixMilli()); err != nil {
			jww.WARN.Printf("[dedup] persist seen id %q: %v", id, err)
		}
	}
	return true
}

// Contains reports whether id is currently remembered.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(c.now())
	_, ok := c.seen[id]
	return ok
}

// Len returns the number of remembered IDs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// warm loads IDs persisted within the window, oldest first. It must run
// before the first Observe to keep the queue in insertion order.
func (c *Cache) warm() (int, error) {
	now := c.now()
	ids, seenAt, err := c.backing.RecentSeenIDs(now.Add(-c.window).UnixMilli(), c.max)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	loaded := 0
	for i, id := range ids {
		if _, ok := c.seen[id]; ok {
			continue
		}
		c.insertLocked(Entry{MessageID: id, FirstSeenAt: time.UnixMilli(seenAt[i])})
		loaded++
	}
	return loaded, nil
}

// Prune expires old entries in memory and in the backing store.
func (c *Cache) Prune() (int, error) {
	c.mu.Lock()
	now := c.now()
	before := len(c.seen)
	c.expireLocked(now)
	removed := before - len(c.seen)
	c.mu.Unlock()

	if c.backing != nil {
		if _, err := c.backing.PruneOldEntries(now.Add(-c.window).UnixMilli()); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (c *Cache) insertLocked(e Entry) {
	c.seen[e.MessageID] = e.FirstSeenAt
	c.order.Enqueue(e)
	for len(c.seen) > c.max {
		c.evictOldestLocked()
	}
}

// expireLocked drops entries older than the window. Entries are queued in
// insertion order, so the scan stops at the first entry still in the window.
func (c *Cache) expireLocked(now time.Time) {
	cutoff := now.Add(-c.window)
	for c.order.Len() > 0 {
		oldest := c.order.Peek().(Entry)
		if oldest.FirstSeenAt.After(cutoff) {
			return
		}
		c.evictOldestLocked()
	}
}

func (c *Cache) evictOldestLocked() {
	if c.order.Len() == 0 {
		return
	}
	oldest := c.order.Dequeue().(Entry)
	if seenAt, ok := c.seen[oldest.MessageID]; ok && seenAt.Equal(oldest.FirstSeenAt) {
		delete(c.seen, oldest.MessageID)
	}
}
