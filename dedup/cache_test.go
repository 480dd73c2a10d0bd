package dedup

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func TestObserveIsFirstSeenOnly(t *testing.T) {
	c := New(Options{})
	assert.True(t, c.Observe("a"))
	assert.False(t, c.Observe("a"))
	assert.True(t, c.Observe("b"))
	assert.True(t, c.Contains("a"))
	assert.Equal(t, 2, c.Len())
}

func TestEntriesExpireAfterWindow(t *testing.T) {
	clock := newClock()
	c := New(Options{Window: time.Minute, Now: clock.Now})

	require.True(t, c.Observe("old"))
	clock.Advance(30 * time.Second)
	require.True(t, c.Observe("newer"))
	clock.Advance(31 * time.Second)

	assert.False(t, c.Contains("old"))
	assert.True(t, c.Contains("newer"))
	assert.True(t, c.Observe("old"), "expired id is observable again")
}

func TestOldestEvictedPastMaxEntries(t *testing.T) {
	clock := newClock()
	c := New(Options{MaxEntries: 3, Now: clock.Now})

	for i := 0; i < 5; i++ {
		require.True(t, c.Observe(fmt.Sprintf("id-%d", i)))
		clock.Advance(time.Second)
	}

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Contains("id-0"))
	assert.False(t, c.Contains("id-1"))
	assert.True(t, c.Contains("id-2"))
	assert.True(t, c.Contains("id-4"))
}

func TestConcurrentObserveAdmitsOnce(t *testing.T) {
	c := New(Options{})
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Observe("same-id") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted.Load())
}

type memBacking struct {
	mu     sync.Mutex
	ids    []string
	times  []int64
	pruned []int64
}

func (m *memBacking) InsertSeenID(id string, at int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, id)
	m.times = append(m.times, at)
	return nil
}

func (m *memBacking) RecentSeenIDs(since int64, limit int) ([]string, []int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	var times []int64
	for i, at := range m.times {
		if at >= since && len(ids) < limit {
			ids = append(ids, m.ids[i])
			times = append(times, at)
		}
	}
	return ids, times, nil
}

func (m *memBacking) PruneOldEntries(cutoff int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned = append(m.pruned, cutoff)
	return 0, nil
}

func TestWarmRestoresPersistedIDs(t *testing.T) {
	clock := newClock()
	backing := &memBacking{}

	first := New(Options{Window: time.Minute, Backing: backing, Now: clock.Now})
	require.True(t, first.Observe("persisted"))
	clock.Advance(10 * time.Second)

	restarted := New(Options{Window: time.Minute, Backing: backing, Now: clock.Now})
	assert.Equal(t, 1, restarted.Restored())
	assert.False(t, restarted.Observe("persisted"))
}

func TestRestoredIDsExpireBeforeLaterObservations(t *testing.T) {
	clock := newClock()
	backing := &memBacking{}

	first := New(Options{Window: time.Minute, Backing: backing, Now: clock.Now})
	require.True(t, first.Observe("old"))
	clock.Advance(50 * time.Second)

	restarted := New(Options{Window: time.Minute, Backing: backing, Now: clock.Now})
	require.Equal(t, 1, restarted.Restored())
	require.True(t, restarted.Observe("fresh"))

	clock.Advance(15 * time.Second)
	assert.True(t, restarted.Observe("old"), "restored ID should have left the window")
	assert.False(t, restarted.Observe("fresh"))
	assert.Equal(t, 2, restarted.Len())
}

func TestPruneTrimsBacking(t *testing.T) {
	clock := newClock()
	backing := &memBacking{}
	c := New(Options{Window: time.Minute, Backing: backing, Now: clock.Now})

	require.True(t, c.Observe("a"))
	clock.Advance(2 * time.Minute)

	removed, err := c.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	require.Len(t, backing.pruned, 1)
	assert.Equal(t, clock.Now().Add(-time.Minute).UnixMilli(), backing.pruned[0])
}
