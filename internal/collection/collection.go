// Package collection provides an ordered container indexed by key.
package collection

import (
	"slices"
	"sync"
)

// Collection holds values indexed by a key and kept sorted by a comparator.
// It is safe for concurrent use.
type Collection[T any] struct {
	mu      sync.RWMutex
	key     func(T) string
	compare func(a, b T) int
	order   []T
	index   map[string]int
}

// New creates a collection. A nil compare keeps insertion order.
func New[T any](key func(T) string, compare func(a, b T) int) *Collection[T] {
	return &Collection[T]{
		key:     key,
		compare: compare,
		index:   make(map[string]int),
	}
}

// Add inserts values, replacing any existing value with the same key.
// Each value is placed by binary search; values that compare equal keep
// their insertion order.
func (c *Collection[T]) Add(values ...T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, v := range values {
		c.addLocked(v)
	}
}

func (c *Collection[T]) addLocked(v T) {
	k := c.key(v)
	if i, ok := c.index[k]; ok {
		if c.compare == nil || c.compare(c.order[i], v) == 0 {
			c.order[i] = v
			return
		}
		c.order = slices.Delete(c.order, i, i+1)
		delete(c.index, k)
		c.reindexFrom(i)
	}

	i := len(c.order)
	if c.compare != nil {
		i = c.upperBound(v)
	}
	c.order = slices.Insert(c.order, i, v)
	c.reindexFrom(i)
}

// upperBound returns the index just past every value that does not sort
// after v.
func (c *Collection[T]) upperBound(v T) int {
	i, _ := slices.BinarySearchFunc(c.order, v, func(e, target T) int {
		if c.compare(e, target) <= 0 {
			return -1
		}
		return 1
	})
	return i
}

// Get returns the value stored under key.
func (c *Collection[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.index[key]
	if !ok {
		var zero T
		return zero, false
	}
	return c.order[i], true
}

// Has reports whether key is present.
func (c *Collection[T]) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.index[key]
	return ok
}

// Remove deletes the values with the given keys.
func (c *Collection[T]) Remove(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[k] = true
	}
	c.order = slices.DeleteFunc(c.order, func(v T) bool {
		return drop[c.key(v)]
	})
	c.reindexLocked()
}

// Reset replaces the contents, sorting them once.
func (c *Collection[T]) Reset(values ...T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order = make([]T, 0, len(values))
	c.index = make(map[string]int, len(values))
	for _, v := range values {
		k := c.key(v)
		if i, ok := c.index[k]; ok {
			c.order[i] = v
			continue
		}
		c.index[k] = len(c.order)
		c.order = append(c.order, v)
	}
	if c.compare != nil {
		slices.SortStableFunc(c.order, c.compare)
		c.reindexFrom(0)
	}
}

// Len returns the number of values.
func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// All returns a copy of the values in collection order.
func (c *Collection[T]) All() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.order)
}

// Filter returns the values matching keep, in collection order.
func (c *Collection[T]) Filter(keep func(T) bool) []T {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []T
	for _, v := range c.order {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

func (c *Collection[T]) reindexLocked() {
	clear(c.index)
	c.reindexFrom(0)
}

func (c *Collection[T]) reindexFrom(start int) {
	for i := start; i < len(c.order); i++ {
		c.index[c.key(c.order[i])] = i
	}
}
