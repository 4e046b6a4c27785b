// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package expr_test

import (
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/feedmux/core/changefeed"
	"github.com/juju/feedmux/core/schema"
	"github.com/juju/feedmux/internal/expr"
)

type exprSuite struct {
	testing.IsolationSuite

	view *schema.View
}

var _ = gc.Suite(&exprSuite{})

func (s *exprSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)

	status := schema.NewEnumType("status", []string{"pending", "active", "done"})
	view, err := schema.NewView("orders", "id", []schema.Field{
		{Name: "id", Type: schema.UUID},
		{Name: "status", Type: schema.Enum, Enum: status},
		{Name: "count", Type: schema.Int},
		{Name: "score", Type: schema.Float},
		{Name: "name", Type: schema.String},
	})
	c.Assert(err, jc.ErrorIsNil)
	s.view = view
}

func (s *exprSuite) compile(c *gc.C, tree map[string]any) *expr.Predicate {
	p, err := expr.Compile(tree, s.view)
	c.Assert(err, jc.ErrorIsNil)
	return p
}

func (s *exprSuite) TestCompileEmpty(c *gc.C) {
	_, err := expr.Compile(map[string]any{}, s.view)
	c.Check(err, gc.ErrorMatches, "empty predicate not valid")
}

func (s *exprSuite) TestCompileUnknownOperator(c *gc.C) {
	_, err := expr.Compile(map[string]any{
		"count": map[string]any{"_like": "x"},
	}, s.view)
	c.Check(err, gc.ErrorMatches, `operator "_like" on field "count" not valid`)
}

func (s *exprSuite) TestEquality(c *gc.C) {
	p := s.compile(c, map[string]any{"name": map[string]any{"_eq": "alice"}})
	c.Check(p.Evaluate(changefeed.Row{"name": "alice"}), jc.IsTrue)
	c.Check(p.Evaluate(changefeed.Row{"name": "bob"}), jc.IsFalse)
	c.Check(p.Evaluate(changefeed.Row{"name": nil}), jc.IsFalse)
	c.Check(p.Evaluate(changefeed.Row{}), jc.IsFalse)
}

func (s *exprSuite) TestNumericCrossTypeEquality(c *gc.C) {
	// Literals arrive as untyped ints from the client, rows carry int64.
	p := s.compile(c, map[string]any{"count": map[string]any{"_eq": 3}})
	c.Check(p.Evaluate(changefeed.Row{"count": int64(3)}), jc.IsTrue)
	c.Check(p.Evaluate(changefeed.Row{"count": int64(4)}), jc.IsFalse)
	c.Check(p.Evaluate(changefeed.Row{"count": float64(3)}), jc.IsTrue)
}

func (s *exprSuite) TestOrdering(c *gc.C) {
	p := s.compile(c, map[string]any{"score": map[string]any{"_gt": 1.5}})
	c.Check(p.Evaluate(changefeed.Row{"score": 2.0}), jc.IsTrue)
	c.Check(p.Evaluate(changefeed.Row{"score": 1.5}), jc.IsFalse)
	c.Check(p.Evaluate(changefeed.Row{"score": 1.0}), jc.IsFalse)

	p = s.compile(c, map[string]any{"score": map[string]any{"_lte": 1.5}})
	c.Check(p.Evaluate(changefeed.Row{"score": 1.5}), jc.IsTrue)
	c.Check(p.Evaluate(changefeed.Row{"score": 2.0}), jc.IsFalse)
}

func (s *exprSuite) TestOrderingAgainstNullIsFalse(c *gc.C) {
	p := s.compile(c, map[string]any{"score": map[string]any{"_gt": 1.5}})
	c.Check(p.Evaluate(changefeed.Row{"score": nil}), jc.IsFalse)
	c.Check(p.Evaluate(changefeed.Row{}), jc.IsFalse)

	p = s.compile(c, map[string]any{"score": map[string]any{"_lt": 1.5}})
	c.Check(p.Evaluate(changefeed.Row{"score": nil}), jc.IsFalse)
}

func (s *exprSuite) TestLexicographicOrdering(c *gc.C) {
	p := s.compile(c, map[string]any{"name": map[string]any{"_lt": "m"}})
	c.Check(p.Evaluate(changefeed.Row{"name": "alice"}), jc.IsTrue)
	c.Check(p.Evaluate(changefeed.Row{"name": "zoe"}), jc.IsFalse)
}

func (s *exprSuite) TestIsNull(c *gc.C) {
	p := s.compile(c, map[string]any{"name": map[string]any{"_is_null": true}})
	c.Check(p.Evaluate(changefeed.Row{"name": nil}), jc.IsTrue)
	// An absent field is null too.
	c.Check(p.Evaluate(changefeed.Row{}), jc.IsTrue)
	c.Check(p.Evaluate(changefeed.Row{"name": "alice"}), jc.IsFalse)

	p = s.compile(c, map[string]any{"name": map[string]any{"_is_null": false}})
	c.Check(p.Evaluate(changefeed.Row{"name": "alice"}), jc.IsTrue)
	c.Check(p.Evaluate(changefeed.Row{}), jc.IsFalse)
}

func (s *exprSuite) TestIsNullRequiresBool(c *gc.C) {
	_, err := expr.Compile(map[string]any{
		"name": map[string]any{"_is_null": "yes"},
	}, s.view)
	c.Check(err, gc.ErrorMatches, `_is_null argument yes on field "name" not valid`)
}

func (s *exprSuite) TestMembership(c *gc.C) {
	p := s.compile(c, map[string]any{"name": map[string]any{"_in": []any{"alice", "bob"}}})
	c.Check(p.Evaluate(changefeed.Row{"name": "alice"}), jc.IsTrue)
	c.Check(p.Evaluate(changefeed.Row{"name": "carol"}), jc.IsFalse)

	p = s.compile(c, map[string]any{"name": map[string]any{"_nin": []any{"alice", "bob"}}})
	c.Check(p.Evaluate(changefeed.Row{"name": "alice"}), jc.IsFalse)
	c.Check(p.Evaluate(changefeed.Row{"name": "carol"}), jc.IsTrue)
}

func (s *exprSuite) TestMembershipRequiresSequence(c *gc.C) {
	_, err := expr.Compile(map[string]any{
		"name": map[string]any{"_in": "alice"},
	}, s.view)
	c.Check(err, gc.ErrorMatches, `_in argument alice on field "name": sequence expected not valid`)
}

func (s *exprSuite) TestEnumLiteralsResolveToOrdinals(c *gc.C) {
	// Parsed rows carry enum ordinals, never the string values.
	p := s.compile(c, map[string]any{"status": map[string]any{"_eq": "active"}})
	c.Check(p.Evaluate(changefeed.Row{"status": 1}), jc.IsTrue)
	c.Check(p.Evaluate(changefeed.Row{"status": 0}), jc.IsFalse)
}

func (s *exprSuite) TestEnumOrdinalOrdering(c *gc.C) {
	p := s.compile(c, map[string]any{"status": map[string]any{"_gte": "active"}})
	c.Check(p.Evaluate(changefeed.Row{"status": 0}), jc.IsFalse) // pending
	c.Check(p.Evaluate(changefeed.Row{"status": 1}), jc.IsTrue)  // active
	c.Check(p.Evaluate(changefeed.Row{"status": 2}), jc.IsTrue)  // done
}

func (s *exprSuite) TestUnknownEnumLiteral(c *gc.C) {
	// A literal outside the enum can never match: equality is constant
	// false, inequality constant true.
	p := s.compile(c, map[string]any{"status": map[string]any{"_eq": "cancelled"}})
	c.Check(p.Evaluate(changefeed.Row{"status": 0}), jc.IsFalse)
	c.Check(p.Evaluate(changefeed.Row{"status": 2}), jc.IsFalse)

	p = s.compile(c, map[string]any{"status": map[string]any{"_neq": "cancelled"}})
	c.Check(p.Evaluate(changefeed.Row{"status": 0}), jc.IsTrue)
}

func (s *exprSuite) TestUnknownEnumLiteralDroppedFromMembership(c *gc.C) {
	p := s.compile(c, map[string]any{
		"status": map[string]any{"_in": []any{"active", "cancelled"}},
	})
	c.Check(p.Evaluate(changefeed.Row{"status": 1}), jc.IsTrue)
	c.Check(p.Evaluate(changefeed.Row{"status": 0}), jc.IsFalse)
}

func (s *exprSuite) TestLogicalCombinators(c *gc.C) {
	p := s.compile(c, map[string]any{
		"_or": []any{
			map[string]any{"name": map[string]any{"_eq": "alice"}},
			map[string]any{"count": map[string]any{"_gt": 10}},
		},
	})
	c.Check(p.Evaluate(changefeed.Row{"name": "alice", "count": int64(1)}), jc.IsTrue)
	c.Check(p.Evaluate(changefeed.Row{"name": "bob", "count": int64(11)}), jc.IsTrue)
	c.Check(p.Evaluate(changefeed.Row{"name": "bob", "count": int64(1)}), jc.IsFalse)

	p = s.compile(c, map[string]any{
		"_not": map[string]any{"name": map[string]any{"_eq": "alice"}},
	})
	c.Check(p.Evaluate(changefeed.Row{"name": "alice"}), jc.IsFalse)
	c.Check(p.Evaluate(changefeed.Row{"name": "bob"}), jc.IsTrue)
}

func (s *exprSuite) TestSiblingsAreConjoined(c *gc.C) {
	// Two fields in one map, and two operators on one field, all AND.
	p := s.compile(c, map[string]any{
		"name":  map[string]any{"_eq": "alice"},
		"count": map[string]any{"_gte": 1, "_lte": 5},
	})
	c.Check(p.Evaluate(changefeed.Row{"name": "alice", "count": int64(3)}), jc.IsTrue)
	c.Check(p.Evaluate(changefeed.Row{"name": "alice", "count": int64(9)}), jc.IsFalse)
	c.Check(p.Evaluate(changefeed.Row{"name": "bob", "count": int64(3)}), jc.IsFalse)
}

func (s *exprSuite) TestFields(c *gc.C) {
	p := s.compile(c, map[string]any{
		"_or": []any{
			map[string]any{"name": map[string]any{"_eq": "alice"}},
			map[string]any{
				"_not": map[string]any{"count": map[string]any{"_gt": 10}},
			},
		},
		"score": map[string]any{"_is_null": false},
	})
	c.Check(p.Fields().SortedValues(), jc.DeepEquals, []string{"count", "name", "score"})
}

func (s *exprSuite) TestStringRendering(c *gc.C) {
	p := s.compile(c, map[string]any{"count": map[string]any{"_gt": 10}})
	c.Check(p.String(), gc.Equals, "count > 10")
}
