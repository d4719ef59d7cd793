package baseline

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// defaultCacheEntries bounds the per-run baseline cache. One entry per
// record and backend is plenty for batch runs.
const defaultCacheEntries = 4096

// Cache memoizes resolved baselines within a run; the history walk is
// the expensive part. Strictly performance-only: keys embed the
// record's last_synced_at, so once a record syncs again its old entry
// can never be read back and a cold cache is always correct.
type Cache struct {
	c *ristretto.Cache[string, *Baseline]
}

// NewCache creates a baseline cache holding up to maxEntries entries.
func NewCache(maxEntries int64) (*Cache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, *Baseline]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// Get retrieves a cached baseline. Entries are shared; callers must
// treat them as read-only.
func (c *Cache) Get(key string) (*Baseline, bool) {
	if c == nil {
		return nil, false
	}
	return c.c.Get(key)
}

// Set stores a baseline under the key.
func (c *Cache) Set(key string, b *Baseline) {
	if c == nil {
		return
	}
	c.c.Set(key, b, 1)
}

// Wait flushes pending writes. Tests call it; production reads treat
// the cache as best-effort.
func (c *Cache) Wait() {
	if c != nil {
		c.c.Wait()
	}
}

// Close releases the cache's resources.
func (c *Cache) Close() {
	if c != nil {
		c.c.Close()
	}
}

func cacheKey(recordID string, syncedAt time.Time) string {
	return recordID + "@" + syncedAt.UTC().Format(time.RFC3339Nano)
}
