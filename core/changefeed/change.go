// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package changefeed

import (
	"github.com/juju/collections/set"
)

// ChangeType represents the type of change delivered to a subscriber.
// The changes are bit flags so that they can be combined.
type ChangeType int

const (
	// Insert represents a row that became visible to the subscriber,
	// either because it was created upstream or because it entered the
	// subscriber's filtered region.
	Insert ChangeType = 1 << iota
	// Update represents a change to a row that was already visible.
	Update
	// Delete represents a row that is no longer visible to the
	// subscriber, either because it was deleted upstream or because it
	// left the subscriber's filtered region.
	Delete
	// All represents any change to the view of interest.
	All = Insert | Update | Delete
)

// String is used for logging and diagnostics.
func (t ChangeType) String() string {
	switch t {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	}
	return "unknown"
}

// Row is an unordered mapping from field name to a scalar value. A nil
// value represents an explicit null, which is distinct from the field
// being absent from the map.
type Row map[string]any

// Copy returns a shallow copy of the row. Values are scalars, so a
// shallow copy is a full copy.
func (r Row) Copy() Row {
	c := make(Row, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// Project returns a copy of the row restricted to the given fields.
// Fields absent from the row stay absent from the projection.
func (r Row) Project(fields set.Strings) Row {
	c := make(Row, fields.Size())
	for k := range fields {
		if v, ok := r[k]; ok {
			c[k] = v
		}
	}
	return c
}

// Event represents one row-level change flowing from a source to its
// subscribers.
type Event struct {
	// Type is the kind of change (insert, update, delete).
	Type ChangeType
	// Timestamp is the upstream's monotonic stamp for the change.
	// Synthetic snapshot inserts carry the source's timestamp at the
	// time the subscriber attached.
	Timestamp uint64
	// Row is the payload. On Insert it is the full row; on Update it is
	// the full row unless the subscriber requested delta payloads; on
	// Delete it carries at least the primary key.
	Row Row
	// Fields names the fields that are meaningful in the payload: all
	// keys on Insert, the primary key plus changed fields on Update,
	// and the primary key only on Delete.
	Fields set.Strings
}

// Subscription is a live stream of change events. The channel is closed
// when the subscription terminates; Done is closed at the same time and
// can be selected on without consuming events.
type Subscription interface {
	// Changes returns the channel events are delivered on.
	Changes() <-chan Event

	// Done is closed when no further events will be delivered.
	Done() <-chan struct{}

	// Unsubscribe terminates the subscription. It is safe to call more
	// than once, and pending undelivered events are discarded.
	Unsubscribe()
}
