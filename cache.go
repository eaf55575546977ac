// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pragzip

import "container/list"

// lruCache maps compressed bit offsets to decoded chunks with
// least-recently-used eviction. All operations are O(1); callers provide
// their own locking. Evicted chunks remain valid for any holder of a
// reference, so the current chunk being delivered never needs pinning.
type lruCache struct {
	capacity int
	order    *list.List // front = most recently used; values are *Chunk
	entries  map[int64]*list.Element
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[int64]*list.Element, capacity),
	}
}

func (c *lruCache) get(startBit int64) *Chunk {
	el, ok := c.entries[startBit]
	if !ok {
		return nil
	}
	c.order.MoveToFront(el)
	return el.Value.(*Chunk)
}

func (c *lruCache) put(chunk *Chunk) {
	if el, ok := c.entries[chunk.StartBit]; ok {
		el.Value = chunk
		c.order.MoveToFront(el)
		return
	}
	for len(c.entries) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*Chunk).StartBit)
	}
	c.entries[chunk.StartBit] = c.order.PushFront(chunk)
}

func (c *lruCache) len() int { return len(c.entries) }
