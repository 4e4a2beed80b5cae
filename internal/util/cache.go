package util

import (
	"container/list"
	"sync"
)

type (
	// TagCache is an LRU cache whose entries carry an invalidation tag.
	// Invalidate removes every entry sharing a tag, so a workflow edit can
	// drop all of that workflow's cached definitions at once
	TagCache[T any] struct {
		cache   map[string]*list.Element
		tags    map[string]Set[string]
		lru     *list.List
		maxSize int
		mu      sync.RWMutex
	}

	// Constructor produces a value for a missing cache key
	Constructor[T any] func() (T, error)

	cacheEntry[T any] struct {
		value T
		key   string
		tag   string
	}
)

// NewTagCache creates a tag-invalidated LRU cache with the given capacity
func NewTagCache[T any](maxSize int) *TagCache[T] {
	return &TagCache[T]{
		cache:   map[string]*list.Element{},
		tags:    map[string]Set[string]{},
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// Get returns the cached value for key, calling create on a miss and storing
// the result under the given tag. Errors from create are returned without
// populating the cache
func (c *TagCache[T]) Get(
	key, tag string, create Constructor[T],
) (T, error) {
	c.mu.RLock()
	elem, ok := c.cache[key]
	c.mu.RUnlock()

	if ok {
		c.mu.Lock()
		c.lru.MoveToFront(elem)
		c.mu.Unlock()
		return elem.Value.(*cacheEntry[T]).value, nil
	}

	value, err := create()
	if err != nil {
		var zero T
		return zero, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*cacheEntry[T]).value, nil
	}

	entry := &cacheEntry[T]{key: key, tag: tag, value: value}
	elem = c.lru.PushFront(entry)
	c.cache[key] = elem

	keys, ok := c.tags[tag]
	if !ok {
		keys = Set[string]{}
		c.tags[tag] = keys
	}
	keys.Add(key)

	if c.lru.Len() > c.maxSize {
		c.evictLast()
	}

	return value, nil
}

// Invalidate removes all entries stored under the given tag
func (c *TagCache[T]) Invalidate(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, ok := c.tags[tag]
	if !ok {
		return
	}
	for key := range keys {
		if elem, ok := c.cache[key]; ok {
			c.lru.Remove(elem)
			delete(c.cache, key)
		}
	}
	delete(c.tags, tag)
}

// Len returns the number of cached entries
func (c *TagCache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lru.Len()
}

func (c *TagCache[T]) evictLast() {
	back := c.lru.Back()
	if back == nil {
		return
	}
	c.lru.Remove(back)
	entry := back.Value.(*cacheEntry[T])
	delete(c.cache, entry.key)
	if keys, ok := c.tags[entry.tag]; ok {
		keys.Remove(entry.key)
		if keys.IsEmpty() {
			delete(c.tags, entry.tag)
		}
	}
}
