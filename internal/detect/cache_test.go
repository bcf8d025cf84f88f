package detect

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
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

func TestNewCache_Defaults(t *testing.T) {
	cache := NewCache(0, 0)
	assert.Equal(t, DefaultCacheTTL, cache.TTL())
	assert.Equal(t, DefaultCacheEntries, cache.Capacity())
	assert.Len(t, cache.shards, maxShards)
}

func TestNewCache_FewerShardsThanEntries(t *testing.T) {
	cache := NewCache(time.Minute, 3)
	assert.Len(t, cache.shards, 3)
	assert.Equal(t, 3, cache.Capacity())
}

func TestCache_SetAndGet(t *testing.T) {
	cache := NewCache(5*time.Minute, 100)
	clock := newFakeClock()
	cache.SetClock(clock.Now)

	cache.Set("/src/app", "work")

	e, ok := cache.Get("/src/app")
	require.True(t, ok)
	assert.Equal(t, "/src/app", e.Root)
	assert.Equal(t, "work", e.FragmentID)
	assert.Equal(t, clock.Now(), e.Timestamp)
}

func TestCache_GetNonExistent(t *testing.T) {
	cache := NewCache(5*time.Minute, 100)

	_, ok := cache.Get("/nonexistent/path")
	assert.False(t, ok)
}

func TestCache_ExpiredEntry(t *testing.T) {
	cache := NewCache(5*time.Minute, 100)
	clock := newFakeClock()
	cache.SetClock(clock.Now)

	cache.Set("/src/app", "work")

	clock.Advance(5*time.Minute - time.Second)
	_, ok := cache.Get("/src/app")
	assert.True(t, ok, "entry should be fresh just before the TTL")

	clock.Advance(time.Second)
	_, ok = cache.Get("/src/app")
	assert.False(t, ok, "entry should be stale at the TTL")
	assert.Equal(t, 0, cache.Len(), "stale entry should be removed on read")
}

func TestCache_Invalidate(t *testing.T) {
	cache := NewCache(5*time.Minute, 100)

	cache.Set("/src/app", "work")
	cache.Invalidate("/src/app")

	_, ok := cache.Get("/src/app")
	assert.False(t, ok)
}

func TestCache_InvalidateFragment(t *testing.T) {
	cache := NewCache(5*time.Minute, 100)

	cache.Set("/src/a", "work")
	cache.Set("/src/b", "work")
	cache.Set("/src/c", "personal")

	assert.Equal(t, 2, cache.InvalidateFragment("work"))

	_, ok := cache.Get("/src/a")
	assert.False(t, ok)
	_, ok = cache.Get("/src/b")
	assert.False(t, ok)
	e, ok := cache.Get("/src/c")
	require.True(t, ok)
	assert.Equal(t, "personal", e.FragmentID)
}

func TestCache_Purge(t *testing.T) {
	cache := NewCache(5*time.Minute, 100)
	for i := 0; i < 10; i++ {
		cache.Set(fmt.Sprintf("/src/project-%d", i), "work")
	}
	require.Equal(t, 10, cache.Len())

	cache.Purge()

	assert.Equal(t, 0, cache.Len())
}

func TestCache_SetAtSkipsAfterInvalidation(t *testing.T) {
	cache := NewCache(5*time.Minute, 100)

	gen := cache.Generation()
	assert.True(t, cache.SetAt(gen, "/src/a", "work"))

	for name, invalidate := range map[string]func(){
		"purge":    cache.Purge,
		"fragment": func() { cache.InvalidateFragment("other") },
		"root":     func() { cache.Invalidate("/src/other") },
	} {
		t.Run(name, func(t *testing.T) {
			gen := cache.Generation()
			invalidate()
			assert.False(t, cache.SetAt(gen, "/src/b", "work"))
			_, ok := cache.Get("/src/b")
			assert.False(t, ok)

			assert.True(t, cache.SetAt(cache.Generation(), "/src/b", "work"))
			cache.Invalidate("/src/b")
		})
	}
}

func TestCache_LRUEviction(t *testing.T) {
	// A single shard gives exact LRU order.
	cache := NewCache(5*time.Minute, 1)

	cache.Set("/src/old", "work")
	cache.Set("/src/new", "personal")

	_, ok := cache.Get("/src/old")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = cache.Get("/src/new")
	assert.True(t, ok)
}

func TestCache_Bounded(t *testing.T) {
	cache := NewCache(5*time.Minute, 20)

	for i := 0; i < 500; i++ {
		cache.Set(fmt.Sprintf("/src/project-%d", i), "work")
	}

	assert.LessOrEqual(t, cache.Len(), 20)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	cache := NewCache(5*time.Minute, 100)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				root := fmt.Sprintf("/src/project-%d", (id+j)%25)
				switch j % 4 {
				case 0:
					cache.Set(root, "work")
				case 1:
					cache.Get(root)
				case 2:
					cache.InvalidateFragment("other")
				default:
					cache.Invalidate(root)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, cache.Len(), 100)
}

func TestCache_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "detect.json")
	clock := newFakeClock()

	cache := NewCache(5*time.Minute, 100)
	cache.SetClock(clock.Now)
	cache.Set("/src/a", "work")
	cache.Set("/src/b", "personal")
	require.NoError(t, cache.Save(path))

	restored := NewCache(5*time.Minute, 100)
	restored.SetClock(clock.Now)
	n, err := restored.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	e, ok := restored.Get("/src/a")
	require.True(t, ok)
	assert.Equal(t, "work", e.FragmentID)
	assert.Equal(t, "/src/a", e.Root)
	assert.True(t, e.Timestamp.Equal(clock.Now()))
}

func TestCache_LoadSkipsStaleEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detect.json")
	clock := newFakeClock()

	cache := NewCache(5*time.Minute, 100)
	cache.SetClock(clock.Now)
	cache.Set("/src/a", "work")
	require.NoError(t, cache.Save(path))

	clock.Advance(10 * time.Minute)
	restored := NewCache(5*time.Minute, 100)
	restored.SetClock(clock.Now)
	n, err := restored.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, restored.Len())
}

func TestCache_LoadMissingFile(t *testing.T) {
	cache := NewCache(5*time.Minute, 100)

	n, err := cache.Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCache_LoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detect.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	cache := NewCache(5*time.Minute, 100)
	cache.Set("/src/a", "work")

	n, err := cache.Load(path)
	assert.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, cache.Len(), "corrupt data leaves an empty cache")

	// The cache keeps working afterwards.
	cache.Set("/src/b", "work")
	_, ok := cache.Get("/src/b")
	assert.True(t, ok)
}
