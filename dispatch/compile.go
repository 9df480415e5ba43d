package dispatch

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/halfline/oscpeer/pattern"
)

// patternCache memoizes compiled patterns by their source text, so two
// handlers registered on the same address pattern (or the same pattern
// registered, removed, and re-registered) don't recompile it. A
// singleflight.Group collapses concurrent first-use compiles of the same
// pattern string into a single pattern.Compile call.
type patternCache struct {
	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]*pattern.Pattern
}

func newPatternCache() *patternCache {
	return &patternCache{cache: map[string]*pattern.Pattern{}}
}

func (c *patternCache) compile(src string) (*pattern.Pattern, error) {
	c.mu.RLock()
	if p, ok := c.cache[src]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do(src, func() (any, error) {
		c.mu.RLock()
		if p, ok := c.cache[src]; ok {
			c.mu.RUnlock()
			return p, nil
		}
		c.mu.RUnlock()

		p, err := pattern.Compile(src)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[src] = p
		c.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*pattern.Pattern), nil
}
