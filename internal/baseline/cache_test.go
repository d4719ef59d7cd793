package baseline

import (
	"testing"
	"time"

	"github.com/weftlabs/weft/internal/types"
)

func TestCacheRoundTrip(t *testing.T) {
	c, err := NewCache(16)
	if err != nil {
		t.Fatalf("NewCache() = %v", err)
	}
	defer c.Close()

	key := cacheKey("wv-1", time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	b := &Baseline{Fields: &types.Snapshot{Title: "cached"}, Origin: OriginLocalHistory}

	if _, ok := c.Get(key); ok {
		t.Fatal("Get() hit on empty cache")
	}
	c.Set(key, b)
	c.Wait()

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("Get() missed after Set")
	}
	if got.Fields.Title != "cached" {
		t.Errorf("cached baseline Title = %q", got.Fields.Title)
	}
}

func TestCacheKeyEmbedsSyncTime(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	k1 := cacheKey("wv-1", at)
	k2 := cacheKey("wv-1", at.Add(time.Second))
	if k1 == k2 {
		t.Error("cache keys collide across sync times")
	}
	if k1 != cacheKey("wv-1", at.In(time.FixedZone("X", 3600))) {
		t.Error("cache key depends on time zone representation")
	}
}

func TestNilCacheIsInert(t *testing.T) {
	var c *Cache
	c.Set("k", &Baseline{})
	if _, ok := c.Get("k"); ok {
		t.Error("nil cache returned a hit")
	}
	c.Wait()
	c.Close()
}
