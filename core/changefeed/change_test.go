// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package changefeed_test

import (
	"github.com/juju/collections/set"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/feedmux/core/changefeed"
)

type changeSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&changeSuite{})

func (s *changeSuite) TestChangeTypeString(c *gc.C) {
	c.Check(changefeed.Insert.String(), gc.Equals, "insert")
	c.Check(changefeed.Update.String(), gc.Equals, "update")
	c.Check(changefeed.Delete.String(), gc.Equals, "delete")
	c.Check(changefeed.All.String(), gc.Equals, "unknown")
}

func (s *changeSuite) TestChangeTypeFlags(c *gc.C) {
	c.Check(changefeed.All&changefeed.Insert, gc.Not(gc.Equals), changefeed.ChangeType(0))
	c.Check(changefeed.All&changefeed.Update, gc.Not(gc.Equals), changefeed.ChangeType(0))
	c.Check(changefeed.All&changefeed.Delete, gc.Not(gc.Equals), changefeed.ChangeType(0))
	c.Check(changefeed.Insert&changefeed.Delete, gc.Equals, changefeed.ChangeType(0))
}

func (s *changeSuite) TestRowCopy(c *gc.C) {
	row := changefeed.Row{"id": "a", "n": int64(1)}
	dup := row.Copy()
	dup["n"] = int64(2)
	c.Check(row["n"], gc.Equals, int64(1))
	c.Check(dup, jc.DeepEquals, changefeed.Row{"id": "a", "n": int64(2)})
}

func (s *changeSuite) TestRowProject(c *gc.C) {
	row := changefeed.Row{"id": "a", "n": int64(1), "note": nil}
	got := row.Project(set.NewStrings("id", "note", "absent"))
	c.Check(got, jc.DeepEquals, changefeed.Row{"id": "a", "note": nil})
}
