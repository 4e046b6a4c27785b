// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package upstream speaks the upstream database's changefeed protocol:
// it generates the streaming subscription query for a view, parses the
// tab-delimited wire format into row changes, and provides the
// pg-wire-protocol driver that carries the stream.
package upstream

import (
	"github.com/juju/feedmux/core/changefeed"
)

// Op is the kind of row change carried by one changefeed line.
type Op int

const (
	// Upsert is an insert-or-update of the row identified by the
	// primary key.
	Upsert Op = iota
	// Delete removes the row identified by the primary key.
	Delete
)

// String is used for logging and diagnostics.
func (o Op) String() string {
	if o == Delete {
		return "delete"
	}
	return "upsert"
}

// Change is one decoded changefeed line.
type Change struct {
	// Op is the change kind.
	Op Op
	// Timestamp is the upstream's monotonic stamp for this change.
	Timestamp uint64
	// Row holds the decoded column values. Fields beyond the primary
	// key are only meaningful for upserts.
	Row changefeed.Row
}
