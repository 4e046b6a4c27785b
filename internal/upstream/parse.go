// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upstream

import (
	"math"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/juju/feedmux/core/changefeed"
	"github.com/juju/feedmux/core/schema"
)

const (
	// ErrMalformedLine is returned for lines that cannot be decoded.
	// Such lines are dropped with a warning; the stream continues.
	ErrMalformedLine = errors.ConstError("malformed changefeed line")

	// nullLiteral is the wire representation of a null column value.
	nullLiteral = `\N`

	opTagUpsert = "upsert"
	opTagDelete = "delete"
)

// ParseLine decodes one changefeed line for the given view. Column
// order on the wire is timestamp, op tag, primary key, then non-key
// columns in declaration order. An empty line returns (nil, nil).
// Undecodable lines return ErrMalformedLine. An enum value outside its
// declared members is data corruption and returns a distinct, fatal
// error.
func ParseLine(line string, view *schema.View) (*Change, error) {
	if line == "" {
		return nil, nil
	}
	parts := strings.Split(line, "\t")
	if len(parts) < 2 {
		return nil, errors.Annotatef(ErrMalformedLine, "%d fields", len(parts))
	}

	timestamp, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return nil, errors.Annotatef(ErrMalformedLine, "timestamp %q", parts[0])
	}

	var op Op
	switch parts[1] {
	case opTagUpsert:
		op = Upsert
	case opTagDelete:
		op = Delete
	default:
		return nil, errors.Annotatef(ErrMalformedLine, "op tag %q", parts[1])
	}

	// Extra trailing fields are ignored; missing trailing fields are
	// absent from the row.
	row := make(changefeed.Row)
	values := parts[2:]
	for i, name := range view.Columns() {
		if i >= len(values) {
			break
		}
		if values[i] == nullLiteral {
			row[name] = nil
			continue
		}
		field, ok := view.Field(name)
		if !ok {
			continue
		}
		value, err := parseValue(values[i], field)
		if err != nil {
			return nil, errors.Trace(err)
		}
		row[name] = value
	}

	return &Change{
		Op:        op,
		Timestamp: timestamp,
		Row:       row,
	}, nil
}

// parseValue decodes one column value according to its declared type.
func parseValue(text string, field schema.Field) (any, error) {
	switch field.Type {
	case schema.Bool:
		return text == "t" || text == "true", nil
	case schema.Int:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, errors.Annotatef(ErrMalformedLine, "integer %q for field %q", text, field.Name)
		}
		return n, nil
	case schema.Float:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			// Propagated, matching parse semantics for corrupt floats.
			return math.NaN(), nil
		}
		return f, nil
	case schema.Enum:
		ordinal, ok := field.Enum.Ordinal(text)
		if !ok {
			// Not a recoverable decode failure: the upstream is
			// emitting values outside the declared enum.
			return nil, errors.Errorf(
				"value %q for field %q is not a member of enum %q",
				text, field.Name, field.Enum.Name)
		}
		return ordinal, nil
	}
	// BigInt keeps the original string to preserve precision; string,
	// uuid, timestamp, date, time and json kinds stay textual.
	return text, nil
}
