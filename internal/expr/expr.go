// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package expr compiles structured predicate trees into boolean
// evaluators over rows. A tree is a nesting of logical combinators and
// field comparison maps:
//
//	{"_and": [node, ...]} | {"_or": [node, ...]} | {"_not": node} |
//	{field: {op: literal, ...}, ...}
//
// where op is one of _eq, _neq, _gt, _lt, _gte, _lte, _in, _nin and
// _is_null. Siblings at the same level, multiple fields in one map and
// multiple operators on one field are all joined by logical AND.
//
// Compilation is a one-shot interpretation: enum literals are resolved
// to their declared ordinals up front so that per-event evaluation is a
// map lookup and an integer compare, never a string scan.
package expr

import (
	"fmt"
	"sort"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/feedmux/core/changefeed"
	"github.com/juju/feedmux/core/schema"
)

// Predicate is a compiled expression: a pure evaluator over rows, the
// set of fields the expression reads, and a diagnostic rendering of the
// source tree.
type Predicate struct {
	root   node
	fields set.Strings
	source string
}

// Evaluate reports whether the row satisfies the predicate.
func (p *Predicate) Evaluate(row changefeed.Row) bool {
	return p.root.eval(row)
}

// Fields returns the set of field names the predicate reads anywhere in
// its tree. Callers use it to skip re-evaluation when an update touched
// no relevant field.
func (p *Predicate) Fields() set.Strings {
	return p.fields
}

// String returns a diagnostic rendering of the compiled expression.
func (p *Predicate) String() string {
	return p.source
}

// Compile builds a predicate from the given tree against a view
// definition. Compilation fails on an empty tree, an unknown operator,
// or a non-sequence argument to _in/_nin.
func Compile(tree map[string]any, view *schema.View) (*Predicate, error) {
	if len(tree) == 0 {
		return nil, errors.NotValidf("empty predicate")
	}
	fields := set.NewStrings()
	root, err := compileNode(tree, view, fields)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Predicate{
		root:   root,
		fields: fields,
		source: root.String(),
	}, nil
}

type node interface {
	eval(changefeed.Row) bool
	String() string
}

// compileNode compiles one level of the tree, joining siblings with AND.
func compileNode(tree map[string]any, view *schema.View, fields set.Strings) (node, error) {
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var children []node
	for _, key := range keys {
		value := tree[key]
		switch key {
		case "_and", "_or":
			parts, err := asSlice(value)
			if err != nil {
				return nil, errors.NotValidf("%s argument %v", key, value)
			}
			var sub []node
			for _, part := range parts {
				m, err := asMap(part)
				if err != nil {
					return nil, errors.NotValidf("%s member %v", key, part)
				}
				n, err := compileNode(m, view, fields)
				if err != nil {
					return nil, errors.Trace(err)
				}
				sub = append(sub, n)
			}
			if key == "_and" {
				children = append(children, andNode(sub))
			} else {
				children = append(children, orNode(sub))
			}
		case "_not":
			m, err := asMap(value)
			if err != nil {
				return nil, errors.NotValidf("_not argument %v", value)
			}
			n, err := compileNode(m, view, fields)
			if err != nil {
				return nil, errors.Trace(err)
			}
			children = append(children, notNode{child: n})
		default:
			cmps, err := asMap(value)
			if err != nil {
				return nil, errors.NotValidf("comparison map for field %q", key)
			}
			ops := make([]string, 0, len(cmps))
			for op := range cmps {
				ops = append(ops, op)
			}
			sort.Strings(ops)
			for _, op := range ops {
				n, err := compileComparison(key, op, cmps[op], view)
				if err != nil {
					return nil, errors.Trace(err)
				}
				fields.Add(key)
				children = append(children, n)
			}
		}
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return andNode(children), nil
}

type comparisonOp int

const (
	opEq comparisonOp = iota
	opNeq
	opGt
	opGte
	opLt
	opLte
	opIn
	opNin
	opIsNull
)

var comparisonOps = map[string]comparisonOp{
	"_eq":      opEq,
	"_neq":     opNeq,
	"_gt":      opGt,
	"_gte":     opGte,
	"_lt":      opLt,
	"_lte":     opLte,
	"_in":      opIn,
	"_nin":     opNin,
	"_is_null": opIsNull,
}

var opSymbols = map[comparisonOp]string{
	opEq:  "==",
	opNeq: "!=",
	opGt:  ">",
	opGte: ">=",
	opLt:  "<",
	opLte: "<=",
}

func compileComparison(field, opName string, literal any, view *schema.View) (node, error) {
	op, ok := comparisonOps[opName]
	if !ok {
		return nil, errors.NotValidf("operator %q on field %q", opName, field)
	}

	var enum *schema.EnumType
	if def, ok := view.Field(field); ok && def.Type == schema.Enum {
		enum = def.Enum
	}

	switch op {
	case opIsNull:
		want, ok := literal.(bool)
		if !ok {
			return nil, errors.NotValidf("_is_null argument %v on field %q", literal, field)
		}
		return &nullNode{field: field, wantNull: want}, nil

	case opIn, opNin:
		members, err := asSlice(literal)
		if err != nil {
			return nil, errors.NotValidf("%s argument %v on field %q: sequence expected", opName, literal, field)
		}
		resolved := make([]any, 0, len(members))
		for _, m := range members {
			v, known := resolveLiteral(m, enum)
			if !known {
				// A literal outside the enum can never match a row
				// value; it contributes nothing to membership.
				continue
			}
			resolved = append(resolved, v)
		}
		return &membershipNode{
			field:   field,
			members: resolved,
			source:  fmt.Sprintf("%v", members),
			negate:  op == opNin,
		}, nil

	default:
		resolved, known := resolveLiteral(literal, enum)
		if !known {
			// An enum literal outside the declared values: equality
			// cannot match, ordinal comparison is defined as false.
			result := op == opNeq
			return &constNode{
				value:  result,
				source: fmt.Sprintf("%s %s %v", field, opSymbols[op], literal),
			}, nil
		}
		return &comparisonNode{
			field:   field,
			op:      op,
			literal: resolved,
			source:  fmt.Sprintf("%v", literal),
		}, nil
	}
}

// resolveLiteral maps an enum literal to its declared ordinal. For
// non-enum fields the literal passes through untouched. The second
// return is false only for an enum literal outside the declared values.
func resolveLiteral(literal any, enum *schema.EnumType) (any, bool) {
	if enum == nil || literal == nil {
		return literal, true
	}
	s, ok := literal.(string)
	if !ok {
		return literal, false
	}
	ordinal, ok := enum.Ordinal(s)
	if !ok {
		return nil, false
	}
	return ordinal, true
}

type andNode []node

func (n andNode) eval(row changefeed.Row) bool {
	for _, child := range n {
		if !child.eval(row) {
			return false
		}
	}
	return true
}

func (n andNode) String() string {
	return joinNodes(n, " AND ")
}

type orNode []node

func (n orNode) eval(row changefeed.Row) bool {
	for _, child := range n {
		if child.eval(row) {
			return true
		}
	}
	return false
}

func (n orNode) String() string {
	return joinNodes(n, " OR ")
}

func joinNodes(nodes []node, sep string) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = n.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

type notNode struct {
	child node
}

func (n notNode) eval(row changefeed.Row) bool {
	return !n.child.eval(row)
}

func (n notNode) String() string {
	return "NOT " + n.child.String()
}

type nullNode struct {
	field    string
	wantNull bool
}

func (n *nullNode) eval(row changefeed.Row) bool {
	// An absent field and a present-but-null field are both null.
	return (row[n.field] == nil) == n.wantNull
}

func (n *nullNode) String() string {
	if n.wantNull {
		return n.field + " IS NULL"
	}
	return n.field + " IS NOT NULL"
}

type membershipNode struct {
	field   string
	members []any
	source  string
	negate  bool
}

func (n *membershipNode) eval(row changefeed.Row) bool {
	value := row[n.field]
	for _, m := range n.members {
		if equalValues(value, m) {
			return !n.negate
		}
	}
	return n.negate
}

func (n *membershipNode) String() string {
	if n.negate {
		return fmt.Sprintf("%s NOT IN %s", n.field, n.source)
	}
	return fmt.Sprintf("%s IN %s", n.field, n.source)
}

type comparisonNode struct {
	field   string
	op      comparisonOp
	literal any
	source  string
}

func (n *comparisonNode) eval(row changefeed.Row) bool {
	value := row[n.field]
	switch n.op {
	case opEq:
		return equalValues(value, n.literal)
	case opNeq:
		return !equalValues(value, n.literal)
	}

	// Ordering comparisons: null never orders against anything.
	if value == nil || n.literal == nil {
		return false
	}
	c, ok := compareValues(value, n.literal)
	if !ok {
		return false
	}
	switch n.op {
	case opGt:
		return c > 0
	case opGte:
		return c >= 0
	case opLt:
		return c < 0
	case opLte:
		return c <= 0
	}
	return false
}

func (n *comparisonNode) String() string {
	return fmt.Sprintf("%s %s %v", n.field, opSymbols[n.op], n.literal)
}

type constNode struct {
	value  bool
	source string
}

func (n *constNode) eval(changefeed.Row) bool {
	return n.value
}

func (n *constNode) String() string {
	return n.source
}

func asMap(v any) (map[string]any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errors.NotValidf("mapping expected, got %T", v)
	}
	return m, nil
}

func asSlice(v any) ([]any, error) {
	switch s := v.(type) {
	case []any:
		return s, nil
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, nil
	}
	return nil, errors.NotValidf("sequence expected, got %T", v)
}
