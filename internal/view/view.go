// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package view layers a single subscriber's stateful filter over a
// source subscription. A view tracks which primary keys are currently
// inside its predicate-defined region and rewrites the raw
// insert/update/delete stream into one with synthetic enter/leave
// transitions, optionally compressing payloads to deltas.
package view

import (
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/juju/feedmux/core/changefeed"
	"github.com/juju/feedmux/internal/expr"
)

// ErrSourceClosed is the terminal error of a view whose underlying
// source terminated.
const ErrSourceClosed = errors.ConstError("source terminated")

// Logger represents the logging methods called by this package.
type Logger interface {
	Errorf(message string, args ...any)
	Debugf(message string, args ...any)
	Tracef(message string, args ...any)
	IsTraceEnabled() bool
}

// Filter pairs the predicate governing entry into the view with the one
// governing exit. A nil Unmatch means exit is the logical negation of
// entry; distinct predicates give hysteresis.
type Filter struct {
	Match   *expr.Predicate
	Unmatch *expr.Predicate

	fields set.Strings
}

// NewFilter builds a filter. Match must be non-nil.
func NewFilter(match, unmatch *expr.Predicate) (*Filter, error) {
	if match == nil {
		return nil, errors.NotValidf("nil match predicate")
	}
	fields := set.NewStrings(match.Fields().Values()...)
	if unmatch != nil {
		fields = fields.Union(unmatch.Fields())
	}
	return &Filter{
		Match:   match,
		Unmatch: unmatch,
		fields:  fields,
	}, nil
}

// Fields returns every field either predicate reads. Updates touching
// none of these cannot change a visible row's membership.
func (f *Filter) Fields() set.Strings {
	return f.fields
}

// ViewConfig holds the dependencies of a View.
type ViewConfig struct {
	// Subscription is the source stream the view consumes. The view
	// takes ownership: it unsubscribes when it terminates.
	Subscription changefeed.Subscription
	// PrimaryKey is the view's primary key field name.
	PrimaryKey string
	// Filter is optional; a nil filter passes every event through.
	Filter *Filter
	// Delta selects compact payloads: changed fields plus primary key
	// on updates, primary key only on deletes.
	Delta  bool
	Logger Logger
}

// Validate checks the configuration for completeness.
func (c ViewConfig) Validate() error {
	if c.Subscription == nil {
		return errors.NotValidf("nil Subscription")
	}
	if c.PrimaryKey == "" {
		return errors.NotValidf("empty PrimaryKey")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// View is a per-subscriber filtered projection of a source. It is
// itself a changefeed.Subscription, so transports consume filtered and
// unfiltered streams uniformly.
type View struct {
	tomb   tomb.Tomb
	config ViewConfig

	// visible maps each currently visible primary key to the last full
	// row seen for it, which non-delta delete payloads are shaped from.
	visible map[any]changefeed.Row

	out  chan changefeed.Event
	done chan struct{}
}

// New creates a view over the given source subscription and starts
// processing.
func New(config ViewConfig) (*View, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	v := &View{
		config:  config,
		visible: make(map[any]changefeed.Row),
		out:     make(chan changefeed.Event),
		done:    make(chan struct{}),
	}
	v.tomb.Go(v.loop)
	return v, nil
}

// Changes is part of the changefeed.Subscription interface.
func (v *View) Changes() <-chan changefeed.Event {
	return v.out
}

// Done is part of the changefeed.Subscription interface.
func (v *View) Done() <-chan struct{} {
	return v.done
}

// Unsubscribe is part of the changefeed.Subscription interface.
func (v *View) Unsubscribe() {
	v.tomb.Kill(nil)
}

// Kill is part of the worker.Worker interface.
func (v *View) Kill() {
	v.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (v *View) Wait() error {
	return v.tomb.Wait()
}

func (v *View) loop() error {
	defer func() {
		v.config.Subscription.Unsubscribe()
		v.visible = nil
		close(v.done)
	}()

	for {
		select {
		case <-v.tomb.Dying():
			return tomb.ErrDying

		case <-v.config.Subscription.Done():
			return ErrSourceClosed

		case event, ok := <-v.config.Subscription.Changes():
			if !ok {
				return ErrSourceClosed
			}
			out, emit := v.process(event)
			if !emit {
				continue
			}
			select {
			case v.out <- out:
			case <-v.tomb.Dying():
				return tomb.ErrDying
			case <-v.config.Subscription.Done():
				return ErrSourceClosed
			}
		}
	}
}

// process applies the filter state machine to one incoming event,
// returning the event to emit, if any.
func (v *View) process(event changefeed.Event) (changefeed.Event, bool) {
	key := event.Row[v.config.PrimaryKey]

	if v.config.Filter == nil {
		switch event.Type {
		case changefeed.Delete:
			prior, was := v.visible[key]
			delete(v.visible, key)
			return v.shapeDelete(key, prior, event.Timestamp), was
		default:
			v.visible[key] = event.Row
			return v.shape(event), true
		}
	}

	prior, was := v.visible[key]

	if event.Type == changefeed.Delete {
		if !was {
			return event, false
		}
		delete(v.visible, key)
		return v.shapeDelete(key, prior, event.Timestamp), true
	}

	will := v.willBeVisible(event, was)
	switch {
	case !was && will:
		// Entering the region: the subscriber has no prior state for
		// the key, so the synthetic insert always carries the full row.
		v.visible[key] = event.Row
		return changefeed.Event{
			Type:      changefeed.Insert,
			Timestamp: event.Timestamp,
			Row:       event.Row,
			Fields:    rowFields(event.Row),
		}, true

	case was && !will:
		delete(v.visible, key)
		return v.shapeDelete(key, prior, event.Timestamp), true

	case was && will:
		v.visible[key] = event.Row
		return v.shape(event), true
	}
	return event, false
}

// willBeVisible decides membership after the event, applying hysteresis
// and skipping evaluation when an update touched no field either
// predicate reads.
func (v *View) willBeVisible(event changefeed.Event, was bool) bool {
	filter := v.config.Filter
	if event.Type == changefeed.Update && was &&
		event.Fields.Intersection(filter.Fields()).IsEmpty() {
		return true
	}
	if !was {
		return v.safeEval(filter.Match, event.Row)
	}
	if filter.Unmatch != nil {
		return !v.safeEval(filter.Unmatch, event.Row)
	}
	return v.safeEval(filter.Match, event.Row)
}

// safeEval guards predicate evaluation: a panicking predicate is logged
// and treated as false rather than tearing the stream down.
func (v *View) safeEval(p *expr.Predicate, row changefeed.Row) (result bool) {
	defer func() {
		if r := recover(); r != nil {
			v.config.Logger.Errorf("predicate %q failed on row: %v", p, r)
			result = false
		}
	}()
	return p.Evaluate(row)
}

// shape applies delta compression to a passthrough event.
func (v *View) shape(event changefeed.Event) changefeed.Event {
	if !v.config.Delta {
		return event
	}
	switch event.Type {
	case changefeed.Update:
		event.Row = event.Row.Project(event.Fields)
	case changefeed.Delete:
		key := event.Row[v.config.PrimaryKey]
		event.Row = changefeed.Row{v.config.PrimaryKey: key}
	}
	return event
}

// shapeDelete builds the delete emitted when a key stops being visible:
// primary key only in delta mode, the last-known row otherwise.
func (v *View) shapeDelete(key any, prior changefeed.Row, timestamp uint64) changefeed.Event {
	row := changefeed.Row{v.config.PrimaryKey: key}
	if !v.config.Delta && prior != nil {
		row = prior
	}
	return changefeed.Event{
		Type:      changefeed.Delete,
		Timestamp: timestamp,
		Row:       row,
		Fields:    set.NewStrings(v.config.PrimaryKey),
	}
}

func rowFields(row changefeed.Row) set.Strings {
	fields := set.NewStrings()
	for name := range row {
		fields.Add(name)
	}
	return fields
}
