// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package lru provides a fixed-capacity map with least-recently-used eviction.
package lru

import (
	"container/list"
	"iter"
)

type entry[K comparable, V any] struct {
	key   K
	value V
}

// Cache is a fixed-capacity map that evicts the least recently used entry
// when a new key is inserted at capacity. Get and Set count as use; Has,
// Delete and Entries do not. Cache is not safe for concurrent use; callers
// serialize access.
type Cache[K comparable, V any] struct {
	capacity int
	ll       *list.List // front is most recently used
	items    map[K]*list.Element
	onEvict  func(K, V)
}

// New creates a Cache holding at most capacity entries. A capacity below one
// is treated as one. onEvict, if non-nil, is called synchronously for the
// entry displaced by an insertion, before the new entry is admitted. It is
// not called for Delete or Clear.
func New[K comparable, V any](capacity int, onEvict func(K, V)) *Cache[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache[K, V]{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[K]*list.Element, capacity),
		onEvict:  onEvict,
	}
}

// Get returns the value stored under key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(*entry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Has reports whether key is present without refreshing its recency.
func (c *Cache[K, V]) Has(key K) bool {
	_, ok := c.items[key]
	return ok
}

// Set stores value under key and marks it most recently used. Overwriting an
// existing key never evicts; inserting a new key at capacity evicts the least
// recently used entry first.
func (c *Cache[K, V]) Set(key K, value V) {
	if el, ok := c.items[key]; ok {
		el.Value.(*entry[K, V]).value = value
		c.ll.MoveToFront(el)
		return
	}
	if c.ll.Len() >= c.capacity {
		c.evictOldest()
	}
	c.items[key] = c.ll.PushFront(&entry[K, V]{key: key, value: value})
}

// Delete removes key and reports whether it was present. The eviction
// callback is not invoked.
func (c *Cache[K, V]) Delete(key K) bool {
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.ll.Remove(el)
	delete(c.items, key)
	return true
}

// Entries iterates from least to most recently used without refreshing
// recency. Mutating the cache during iteration is undefined; collect the
// pairs first when deleting.
func (c *Cache[K, V]) Entries() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for el := c.ll.Back(); el != nil; el = el.Prev() {
			ent := el.Value.(*entry[K, V])
			if !yield(ent.key, ent.value) {
				return
			}
		}
	}
}

// Len returns the number of entries currently stored.
func (c *Cache[K, V]) Len() int {
	return c.ll.Len()
}

// Clear removes every entry without invoking the eviction callback.
func (c *Cache[K, V]) Clear() {
	c.ll.Init()
	clear(c.items)
}

func (c *Cache[K, V]) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	ent := el.Value.(*entry[K, V])
	c.ll.Remove(el)
	delete(c.items, ent.key)
	if c.onEvict != nil {
		c.onEvict(ent.key, ent.value)
	}
}
