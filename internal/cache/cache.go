// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cache provides the insertion-ordered row cache a source keeps
// for its view. The cache is not safe for concurrent use; all mutation
// and iteration happen on the owning source's loop.
package cache

import (
	"container/list"

	"github.com/juju/feedmux/core/changefeed"
)

// Cache is an ordered mapping from primary key to row. Updating an
// existing key keeps its position; new keys append. Iteration is stable
// while no mutator runs.
type Cache struct {
	keyField string
	order    *list.List
	index    map[any]*list.Element
}

// New returns an empty cache keyed by the given primary key field.
func New(keyField string) *Cache {
	return &Cache{
		keyField: keyField,
		order:    list.New(),
		index:    make(map[any]*list.Element),
	}
}

// KeyField returns the primary key field name rows are keyed by.
func (c *Cache) KeyField() string {
	return c.keyField
}

// Set stores the row under its primary key. An existing entry is
// overwritten in place, preserving its insertion position.
func (c *Cache) Set(row changefeed.Row) {
	key := row[c.keyField]
	if elem, ok := c.index[key]; ok {
		elem.Value = row
		return
	}
	c.index[key] = c.order.PushBack(row)
}

// Delete removes the entry with the given primary key, reporting
// whether it was present.
func (c *Cache) Delete(key any) bool {
	elem, ok := c.index[key]
	if !ok {
		return false
	}
	c.order.Remove(elem)
	delete(c.index, key)
	return true
}

// Get returns the row stored under the given primary key.
func (c *Cache) Get(key any) (changefeed.Row, bool) {
	elem, ok := c.index[key]
	if !ok {
		return nil, false
	}
	return elem.Value.(changefeed.Row), true
}

// Has reports whether a row is stored under the given primary key.
func (c *Cache) Has(key any) bool {
	_, ok := c.index[key]
	return ok
}

// Size returns the number of rows in the cache.
func (c *Cache) Size() int {
	return len(c.index)
}

// Iterate calls fn for every row in insertion order, stopping early if
// fn returns false. The cache must not be mutated during iteration.
func (c *Cache) Iterate(fn func(changefeed.Row) bool) {
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		if !fn(elem.Value.(changefeed.Row)) {
			return
		}
	}
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.order.Init()
	c.index = make(map[any]*list.Element)
}
