// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package schema holds the view definitions the server exposes: the
// fields of each upstream view, their declared data types and the enum
// types used for ordinal comparisons.
package schema

import (
	"github.com/juju/errors"
)

// DataType is the internal type a declared upstream column maps to.
type DataType int

const (
	// Bool is a boolean column.
	Bool DataType = iota
	// Int is a signed integer of 32 bits or fewer.
	Int
	// Float is an IEEE-754 double precision column.
	Float
	// BigInt is a 64-bit (or wider) integer, kept as its original
	// string to preserve precision.
	BigInt
	// String is a textual column.
	String
	// UUID is a uuid column, kept as a string.
	UUID
	// Timestamp is a timestamp or timestamptz column, kept as a string.
	Timestamp
	// Date is a date column, kept as a string.
	Date
	// Time is a time-of-day column, kept as a string.
	Time
	// JSON is a json or jsonb column, kept as a string.
	JSON
	// Enum is a column whose values are drawn from a declared, ordered
	// enumeration. Parsed values are the 0-based ordinal index.
	Enum
)

// dataTypes maps the upstream's declared column types to internal ones.
var dataTypes = map[string]DataType{
	"bool":        Bool,
	"int2":        Int,
	"int4":        Int,
	"int8":        BigInt,
	"float4":      Float,
	"float8":      Float,
	"numeric":     Float,
	"uuid":        UUID,
	"text":        String,
	"varchar":     String,
	"date":        Date,
	"time":        Time,
	"timestamp":   Timestamp,
	"timestamptz": Timestamp,
	"json":        JSON,
	"jsonb":       JSON,
}

// ParseDataType maps a declared upstream column type to its internal
// data type. An unknown declared type is a configuration error.
func ParseDataType(declared string) (DataType, error) {
	t, ok := dataTypes[declared]
	if !ok {
		return 0, errors.NotValidf("declared data type %q", declared)
	}
	return t, nil
}

// EnumType is an ordered enumeration. The declared ordering of Values
// defines ordinal comparison semantics.
type EnumType struct {
	Name   string
	Values []string

	ordinals map[string]int
}

// NewEnumType builds an enum type with its ordinal lookup table.
func NewEnumType(name string, values []string) *EnumType {
	ordinals := make(map[string]int, len(values))
	for i, v := range values {
		ordinals[v] = i
	}
	return &EnumType{
		Name:     name,
		Values:   values,
		ordinals: ordinals,
	}
}

// Ordinal returns the 0-based index of the given value in the declared
// ordering, and whether the value is a member of the enum at all.
func (e *EnumType) Ordinal(value string) (int, bool) {
	i, ok := e.ordinals[value]
	return i, ok
}

// Field is one declared column of a view.
type Field struct {
	Name string
	Type DataType
	// Enum is set when Type is Enum.
	Enum *EnumType
}

// View describes one upstream view the server can expose: its name, the
// primary key field and the declared fields in declaration order.
type View struct {
	Name       string
	PrimaryKey string
	Fields     []Field

	byName map[string]Field
}

// NewView builds a view definition. The primary key must be one of the
// declared fields.
func NewView(name, primaryKey string, fields []Field) (*View, error) {
	byName := make(map[string]Field, len(fields))
	for _, f := range fields {
		if _, ok := byName[f.Name]; ok {
			return nil, errors.NotValidf("duplicate field %q in view %q", f.Name, name)
		}
		byName[f.Name] = f
	}
	if _, ok := byName[primaryKey]; !ok {
		return nil, errors.NotValidf("primary key %q not declared in view %q", primaryKey, name)
	}
	return &View{
		Name:       name,
		PrimaryKey: primaryKey,
		Fields:     fields,
		byName:     byName,
	}, nil
}

// Field returns the declared field with the given name.
func (v *View) Field(name string) (Field, bool) {
	f, ok := v.byName[name]
	return f, ok
}

// Columns returns the projection order used on the wire: the primary
// key first, then the non-key fields in declaration order.
func (v *View) Columns() []string {
	cols := make([]string, 0, len(v.Fields))
	cols = append(cols, v.PrimaryKey)
	for _, f := range v.Fields {
		if f.Name == v.PrimaryKey {
			continue
		}
		cols = append(cols, f.Name)
	}
	return cols
}

// Schema is the set of views the server exposes, keyed by view name.
type Schema struct {
	Views map[string]*View
}

// View returns the named view definition.
func (s *Schema) View(name string) (*View, error) {
	v, ok := s.Views[name]
	if !ok {
		return nil, errors.NotFoundf("view %q", name)
	}
	return v, nil
}
