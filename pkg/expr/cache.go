package expr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/polyquery/polyquery/internal/build"
	"github.com/polyquery/polyquery/pkg/cache"
)

const DefaultCacheSize = 1024

var formulaCacheCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "formula_cache_total",
	Help:      "The total number of formula lookups in the compiled formula cache, by outcome.",
}, []string{"outcome"})

// Cache maps formula text to its compiled Program. Entries are evicted in
// LRU order once the cache holds more than its configured size. Concurrent
// misses on the same text share a single compilation.
type Cache struct {
	lru   *cache.InMemoryLRUCache[*Program]
	group singleflight.Group
}

func NewCache(size int64) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &Cache{
		lru: cache.NewInMemoryLRUCache(cache.WithMaxCacheSize[*Program](size)),
	}
}

// Get returns the compiled program for text, compiling it on first use.
// Syntax errors are not cached.
func (c *Cache) Get(text string) (*Program, error) {
	if p, ok := c.lru.Get(text); ok {
		formulaCacheCounter.WithLabelValues("hit").Inc()
		return p, nil
	}

	v, err, shared := c.group.Do(text, func() (interface{}, error) {
		if p, ok := c.lru.Get(text); ok {
			return p, nil
		}
		p, err := Compile(text)
		if err != nil {
			return nil, err
		}
		c.lru.Set(text, p, cache.NoExpiration)
		return p, nil
	})
	if shared {
		formulaCacheCounter.WithLabelValues("shared").Inc()
	} else {
		formulaCacheCounter.WithLabelValues("miss").Inc()
	}
	if err != nil {
		return nil, err
	}
	return v.(*Program), nil
}

func (c *Cache) Stop() {
	c.lru.Stop()
}
