package store

import (
	"container/list"
	"runtime"
	"sync"
	"weak"
)

// Entry is the single live instance of one cached entity. Everyone who
// looks up the same uuid while the entry is reachable receives the same
// *Entry.
type Entry[T any] struct {
	key string
	mu  sync.RWMutex
	val T
}

// Key returns the uuid the entry is cached under.
func (e *Entry[T]) Key() string { return e.key }

// Load returns a copy of the current value.
func (e *Entry[T]) Load() T {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.val
}

func (e *Entry[T]) set(v T) {
	e.mu.Lock()
	e.val = v
	e.mu.Unlock()
}

// Cache is an identity cache keyed by uuid.
//
// The index holds weak pointers only: an entry stays reachable while some
// caller holds it, or while it is among the capacity most recently used
// entries (the LRU floor, held strongly). Anything else may be collected
// and is then rehydrated from the table on the next lookup. Evict and Purge
// drop entries explicitly.
type Cache[T any] struct {
	mu       sync.Mutex
	capacity int
	index    map[string]weak.Pointer[Entry[T]]
	lru      *list.List // of *Entry[T], front is most recent
	elems    map[string]*list.Element

	hits, misses uint64
}

// NewCache creates a cache that keeps at most capacity entries strongly
// reachable. A capacity of 0 keeps only entries held by callers.
func NewCache[T any](capacity int) *Cache[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Cache[T]{
		capacity: capacity,
		index:    make(map[string]weak.Pointer[Entry[T]]),
		lru:      list.New(),
		elems:    make(map[string]*list.Element),
	}
}

// Lookup returns the live entry for key, if any.
func (c *Cache[T]) Lookup(key string) (*Entry[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.liveLocked(key)
	if e == nil {
		c.misses++
		return nil, false
	}
	c.hits++
	c.touchLocked(e)
	return e, true
}

// Insert caches v under key unless a live entry already exists, in which
// case the existing entry wins and is returned unchanged. Used when
// rehydrating from the table.
func (c *Cache[T]) Insert(key string, v T) *Entry[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.liveLocked(key); e != nil {
		c.touchLocked(e)
		return e
	}
	return c.addLocked(key, v)
}

// Put stores v under key, updating the live entry in place if there is one.
func (c *Cache[T]) Put(key string, v T) *Entry[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.liveLocked(key); e != nil {
		e.set(v)
		c.touchLocked(e)
		return e
	}
	return c.addLocked(key, v)
}

// Evict removes key. Holders of the old entry keep it, but later lookups
// rehydrate a fresh one.
func (c *Cache[T]) Evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(key)
}

// EvictFunc removes every live entry whose value matches.
func (c *Cache[T]) EvictFunc(match func(T) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.index {
		if e := c.liveLocked(key); e != nil && match(e.Load()) {
			c.evictLocked(key)
		}
	}
}

// Purge drops every entry.
func (c *Cache[T]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.index)
	clear(c.elems)
	c.lru.Init()
}

// Len returns the number of entries still reachable.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, wp := range c.index {
		if wp.Value() != nil {
			n++
		}
	}
	return n
}

// Stats returns the lookup hit and miss counts.
func (c *Cache[T]) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *Cache[T]) liveLocked(key string) *Entry[T] {
	wp, ok := c.index[key]
	if !ok {
		return nil
	}
	e := wp.Value()
	if e == nil {
		delete(c.index, key)
	}
	return e
}

type cleanupArg[T any] struct {
	key string
	wp  weak.Pointer[Entry[T]]
}

func (c *Cache[T]) addLocked(key string, v T) *Entry[T] {
	e := &Entry[T]{key: key, val: v}
	wp := weak.Make(e)
	c.index[key] = wp
	runtime.AddCleanup(e, c.forget, cleanupArg[T]{key: key, wp: wp})
	c.touchLocked(e)
	return e
}

// forget drops the index slot of a collected entry unless it was replaced.
func (c *Cache[T]) forget(arg cleanupArg[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index[arg.key] == arg.wp {
		delete(c.index, arg.key)
	}
}

func (c *Cache[T]) touchLocked(e *Entry[T]) {
	if c.capacity == 0 {
		return
	}
	if el, ok := c.elems[e.key]; ok && el.Value.(*Entry[T]) == e {
		c.lru.MoveToFront(el)
		return
	}
	if el, ok := c.elems[e.key]; ok {
		c.lru.Remove(el)
	}
	c.elems[e.key] = c.lru.PushFront(e)
	for c.lru.Len() > c.capacity {
		back := c.lru.Back()
		old := back.Value.(*Entry[T])
		c.lru.Remove(back)
		if c.elems[old.key] == back {
			delete(c.elems, old.key)
		}
	}
}

func (c *Cache[T]) evictLocked(key string) {
	delete(c.index, key)
	if el, ok := c.elems[key]; ok {
		c.lru.Remove(el)
		delete(c.elems, key)
	}
}
