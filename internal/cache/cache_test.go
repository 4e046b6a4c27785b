// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cache_test

import (
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/feedmux/core/changefeed"
	"github.com/juju/feedmux/internal/cache"
)

type cacheSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&cacheSuite{})

func (s *cacheSuite) TestSetAndGet(c *gc.C) {
	ch := cache.New("id")
	c.Check(ch.KeyField(), gc.Equals, "id")
	c.Check(ch.Size(), gc.Equals, 0)

	ch.Set(changefeed.Row{"id": "a", "n": int64(1)})
	c.Check(ch.Size(), gc.Equals, 1)
	c.Check(ch.Has("a"), jc.IsTrue)

	row, ok := ch.Get("a")
	c.Assert(ok, jc.IsTrue)
	c.Check(row, jc.DeepEquals, changefeed.Row{"id": "a", "n": int64(1)})

	_, ok = ch.Get("b")
	c.Check(ok, jc.IsFalse)
}

func (s *cacheSuite) TestUpdatePreservesPosition(c *gc.C) {
	ch := cache.New("id")
	ch.Set(changefeed.Row{"id": "a"})
	ch.Set(changefeed.Row{"id": "b"})
	ch.Set(changefeed.Row{"id": "c"})

	// Updating a keeps it first; it does not move to the back.
	ch.Set(changefeed.Row{"id": "a", "n": int64(2)})

	c.Check(keysInOrder(ch), jc.DeepEquals, []any{"a", "b", "c"})
	row, ok := ch.Get("a")
	c.Assert(ok, jc.IsTrue)
	c.Check(row["n"], gc.Equals, int64(2))
}

func (s *cacheSuite) TestDelete(c *gc.C) {
	ch := cache.New("id")
	ch.Set(changefeed.Row{"id": "a"})
	ch.Set(changefeed.Row{"id": "b"})

	c.Check(ch.Delete("a"), jc.IsTrue)
	c.Check(ch.Delete("a"), jc.IsFalse)
	c.Check(ch.Size(), gc.Equals, 1)
	c.Check(keysInOrder(ch), jc.DeepEquals, []any{"b"})
}

func (s *cacheSuite) TestReinsertAfterDeleteAppends(c *gc.C) {
	ch := cache.New("id")
	ch.Set(changefeed.Row{"id": "a"})
	ch.Set(changefeed.Row{"id": "b"})
	ch.Delete("a")
	ch.Set(changefeed.Row{"id": "a"})

	c.Check(keysInOrder(ch), jc.DeepEquals, []any{"b", "a"})
}

func (s *cacheSuite) TestIterateStopsEarly(c *gc.C) {
	ch := cache.New("id")
	ch.Set(changefeed.Row{"id": "a"})
	ch.Set(changefeed.Row{"id": "b"})
	ch.Set(changefeed.Row{"id": "c"})

	var seen []any
	ch.Iterate(func(row changefeed.Row) bool {
		seen = append(seen, row["id"])
		return len(seen) < 2
	})
	c.Check(seen, jc.DeepEquals, []any{"a", "b"})
}

func (s *cacheSuite) TestClear(c *gc.C) {
	ch := cache.New("id")
	ch.Set(changefeed.Row{"id": "a"})
	ch.Set(changefeed.Row{"id": "b"})
	ch.Clear()

	c.Check(ch.Size(), gc.Equals, 0)
	c.Check(ch.Has("a"), jc.IsFalse)
	c.Check(keysInOrder(ch), gc.HasLen, 0)
}

func keysInOrder(ch *cache.Cache) []any {
	var keys []any
	ch.Iterate(func(row changefeed.Row) bool {
		keys = append(keys, row[ch.KeyField()])
		return true
	})
	return keys
}
