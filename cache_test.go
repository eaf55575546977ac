// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pragzip

import "testing"

func TestLRUCacheEviction(t *testing.T) {
	c := newLRUCache(3)
	for _, off := range []int64{10, 20, 30} {
		c.put(&Chunk{StartBit: off})
	}
	if c.len() != 3 {
		t.Fatalf("len %v, want 3", c.len())
	}
	// Touch 10 so that 20 is the eviction victim.
	if c.get(10) == nil {
		t.Fatal("missing entry 10")
	}
	c.put(&Chunk{StartBit: 40})
	if c.get(20) != nil {
		t.Fatal("expected 20 to be evicted")
	}
	for _, off := range []int64{10, 30, 40} {
		if c.get(off) == nil {
			t.Fatalf("missing entry %v", off)
		}
	}
}

func TestLRUCacheReplace(t *testing.T) {
	c := newLRUCache(2)
	a := &Chunk{StartBit: 10}
	b := &Chunk{StartBit: 10, EOF: true}
	c.put(a)
	c.put(b)
	if c.len() != 1 {
		t.Fatalf("len %v after replacing an entry, want 1", c.len())
	}
	if got := c.get(10); got != b {
		t.Fatal("replacement did not take")
	}
}

func TestLRUCacheMiss(t *testing.T) {
	c := newLRUCache(2)
	if c.get(99) != nil {
		t.Fatal("hit on empty cache")
	}
}
