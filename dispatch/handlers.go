package dispatch

import (
	"container/list"
	"sync"

	"github.com/halfline/oscpeer"
	"github.com/halfline/oscpeer/pattern"
	"github.com/halfline/oscpeer/validate"
)

// Handler is invoked synchronously by the dispatcher for each message that
// matches its registered pattern.
type Handler func(msg *osc.Message)

// entry is one registered (pattern, handler) pair.
type entry struct {
	pattern   string
	compiled  *pattern.Pattern
	handler   Handler
	validator validate.Validator
	seq       uint64 // global registration order, for invocation ordering
}

// handlerTable is the mapping from address pattern (exact string) to the
// set of handler entries registered for it, plus a single default-handler
// slot. All mutation and lookup is serialized by mu; cache invalidation
// happens inside the same critical section as the mutation that requires
// it, per spec.md §4.2.
type handlerTable struct {
	mu       sync.Mutex
	byPat    map[string][]*entry
	def      *entry
	nextSeq  uint64
	patterns *patternCache
	cache    *matchCache
}

// newHandlerTable builds a handlerTable whose match cache holds at most
// matchCacheSize addresses (0 means unbounded, the default).
func newHandlerTable(matchCacheSize int) *handlerTable {
	return &handlerTable{
		byPat:    map[string][]*entry{},
		patterns: newPatternCache(),
		cache:    newMatchCache(matchCacheSize),
	}
}

// add registers a handler on pat. Multiple handlers may share a pattern;
// the caller decides whether to enforce uniqueness.
func (t *handlerTable) add(pat string, h Handler, v validate.Validator) error {
	compiled, err := t.patterns.compile(pat)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSeq++
	e := &entry{pattern: pat, compiled: compiled, handler: h, validator: v, seq: t.nextSeq}
	t.byPat[pat] = append(t.byPat[pat], e)
	t.cache.invalidate()
	return nil
}

// addDefault sets the single default handler slot, replacing any prior one.
func (t *handlerTable) addDefault(h Handler, v validate.Validator) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSeq++
	t.def = &entry{pattern: "", handler: h, validator: v, seq: t.nextSeq}
	t.cache.invalidate()
}

// remove removes all handlers registered for the exact pattern string pat.
// Removing an absent pattern is a no-op.
func (t *handlerTable) remove(pat string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byPat[pat]; !ok {
		return
	}
	delete(t.byPat, pat)
	t.cache.invalidate()
}

// matches returns every entry whose pattern matches addr, sorted by
// registration order, falling back to the default handler (if any) when
// nothing matches. The match cache only ever memoizes the raw pattern-match
// result, so default-handler substitution is applied identically on a
// cache hit or miss.
//
// The byPat scan and the cache generation are both read inside the same
// t.mu critical section, and the scan's result is only ever written back
// with that generation attached (see matchCache.put). If add/remove runs
// between this goroutine's unlock and its cache.put, its invalidate() has
// already bumped the generation, so the stale put is rejected instead of
// silently resurrecting a pre-mutation result.
func (t *handlerTable) matches(addr string) []*entry {
	found, ok := t.cache.get(addr)
	if !ok {
		t.mu.Lock()
		gen := t.cache.currentGeneration()
		for _, entries := range t.byPat {
			for _, e := range entries {
				if e.compiled.MatchString(addr) {
					found = append(found, e)
				}
			}
		}
		t.mu.Unlock()

		sortBySeq(found)
		t.cache.put(addr, found, gen)
	}

	if len(found) == 0 {
		t.mu.Lock()
		def := t.def
		t.mu.Unlock()
		if def != nil {
			return []*entry{def}
		}
	}
	return found
}

func sortBySeq(entries []*entry) {
	// Insertion sort: handler counts per address are small, and this keeps
	// the sort stable and allocation-free.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].seq > entries[j].seq; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

// matchCache memoizes address -> matching entries. It is a pure
// memoization layer: behavior must be identical whether or not it is
// consulted, which is why handlerTable.matches always falls back to a full
// scan on a miss and never special-cases an empty cache.
//
// Invalidation does not clear byAddr outright; it bumps generation. A put
// only commits if the generation it was computed under is still current,
// so a scan racing a concurrent add/remove loses instead of resurrecting a
// stale result (see handlerTable.matches). maxSize bounds the cache with
// plain LRU eviction when positive (spec.md §4.3); 0 leaves it unbounded.
type matchCache struct {
	mu         sync.Mutex
	generation uint64
	maxSize    int
	byAddr     map[string]*cacheElem
	order      *list.List // non-nil only when maxSize > 0; front = most recent
}

type cacheElem struct {
	addr       string
	entries    []*entry
	generation uint64
	elem       *list.Element
}

func newMatchCache(maxSize int) *matchCache {
	c := &matchCache{byAddr: map[string]*cacheElem{}, maxSize: maxSize}
	if maxSize > 0 {
		c.order = list.New()
	}
	return c
}

// currentGeneration returns the cache's generation as of the call. A
// caller computing a fresh match set must capture this under the same
// t.mu critical section as the scan it's about to perform, so that a
// concurrent invalidate() is guaranteed to be reflected here or not at
// all, never torn.
func (c *matchCache) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *matchCache) get(addr string) ([]*entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byAddr[addr]
	if !ok || e.generation != c.generation {
		return nil, false
	}
	if c.order != nil {
		c.order.MoveToFront(e.elem)
	}
	return e.entries, true
}

// put stores entries for addr under generation, the cache generation in
// effect when entries was computed. If the cache has since been
// invalidated, generation no longer matches c.generation and the write is
// discarded: a stale result must never overwrite the effect of a
// mutation that happened after it was computed.
func (c *matchCache) put(addr string, entries []*entry, generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation {
		return
	}
	if existing, ok := c.byAddr[addr]; ok {
		existing.entries = entries
		existing.generation = generation
		if c.order != nil {
			c.order.MoveToFront(existing.elem)
		}
		return
	}
	e := &cacheElem{addr: addr, entries: entries, generation: generation}
	if c.order != nil {
		e.elem = c.order.PushFront(e)
	}
	c.byAddr[addr] = e
	if c.maxSize > 0 && len(c.byAddr) > c.maxSize {
		if back := c.order.Back(); back != nil {
			oldest := back.Value.(*cacheElem)
			c.order.Remove(back)
			delete(c.byAddr, oldest.addr)
		}
	}
}

func (c *matchCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
}
