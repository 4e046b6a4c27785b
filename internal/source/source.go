// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package source implements the per-view owner of one upstream
// changefeed subscription. A source maintains the current row set for
// its view, stamps and broadcasts change events to any number of
// attached subscribers, and hands each new subscriber a consistent
// snapshot before its live events.
//
// All cache mutation, timestamp tracking and fan-out happen on the
// source's own loop; attach requests are executed inline between line
// applications, which is what makes the snapshot-then-live handoff
// atomic without locks.
package source

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/juju/feedmux/core/changefeed"
	"github.com/juju/feedmux/core/schema"
	"github.com/juju/feedmux/internal/cache"
	"github.com/juju/feedmux/internal/upstream"
)

const (
	// ErrDisposed is returned from Attach once the source has been
	// disposed. The caller should request a fresh source from the
	// registry.
	ErrDisposed = errors.ConstError("source disposed")

	// defaultDisposeDelay is how long a source lingers with no
	// subscribers before disposing of itself. Clients frequently detach
	// and re-attach in quick succession on reconnects, so teardown is
	// deferred rather than immediate.
	defaultDisposeDelay = 250 * time.Millisecond
)

// Logger represents the logging methods called by this package.
type Logger interface {
	Errorf(message string, args ...any)
	Warningf(message string, args ...any)
	Infof(message string, args ...any)
	Debugf(message string, args ...any)
	Tracef(message string, args ...any)
	IsTraceEnabled() bool
}

// MetricsCollector represents the metrics methods called by this
// package.
type MetricsCollector interface {
	SourcesInc()
	SourcesDec()
	SubscribersInc(view string)
	SubscribersDec(view string)
	EventsInc(view, op string)
	QueueAdd(view string, delta float64)
}

// SourceConfig holds the dependencies of a Source.
type SourceConfig struct {
	View    *schema.View
	Driver  upstream.Driver
	Clock   clock.Clock
	Logger  Logger
	Metrics MetricsCollector

	// DisposeDelay overrides the deferred-disposal delay; zero selects
	// the default.
	DisposeDelay time.Duration

	// OnDispose, if set, is called exactly once as the source's loop
	// exits, however it terminates.
	OnDispose func()
}

// Validate checks the configuration for completeness.
func (c SourceConfig) Validate() error {
	if c.View == nil {
		return errors.NotValidf("nil View")
	}
	if c.Driver == nil {
		return errors.NotValidf("nil Driver")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if c.Metrics == nil {
		return errors.NotValidf("nil Metrics")
	}
	return nil
}

// Source owns exactly one upstream subscription for one view. It is a
// worker: a fatal upstream condition (disconnect, enum corruption,
// timestamp regression) kills it with an error, while idle disposal
// terminates it cleanly.
type Source struct {
	tomb   tomb.Tomb
	config SourceConfig

	cache  *cache.Cache
	latest uint64

	subs     map[uint64]*subscriber
	nextSub  uint64
	attachCh chan attachRequest
	detachCh chan uint64

	disposeDelay time.Duration

	// Report-only shadows of loop state.
	reportLatest    atomic.Uint64
	reportSubs      atomic.Int64
	reportCacheSize atomic.Int64
}

type attachRequest struct {
	withSnapshot bool
	reply        chan *subscriber
}

// New creates a source and begins consuming the view's changefeed.
// Startup connection failures surface through Attach (and Wait).
func New(config SourceConfig) (*Source, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Source{
		config:       config,
		cache:        cache.New(config.View.PrimaryKey),
		subs:         make(map[uint64]*subscriber),
		attachCh:     make(chan attachRequest),
		detachCh:     make(chan uint64),
		disposeDelay: config.DisposeDelay,
	}
	if s.disposeDelay <= 0 {
		s.disposeDelay = defaultDisposeDelay
	}
	s.tomb.Go(s.loop)
	return s, nil
}

// PrimaryKeyField returns the view's primary key field name.
func (s *Source) PrimaryKeyField() string {
	return s.config.View.PrimaryKey
}

// View returns the view definition this source serves.
func (s *Source) View() *schema.View {
	return s.config.View
}

// Attach admits one subscriber with the snapshot-then-live handoff:
// every row current at attach time is delivered as a synthetic insert,
// followed by all later live events in order.
func (s *Source) Attach() (changefeed.Subscription, error) {
	return s.attach(true)
}

// AttachLive admits one subscriber without the snapshot: only events
// that occur after attach are delivered. Triggers use this mode so that
// pre-existing rows do not fire webhooks.
func (s *Source) AttachLive() (changefeed.Subscription, error) {
	return s.attach(false)
}

func (s *Source) attach(withSnapshot bool) (changefeed.Subscription, error) {
	req := attachRequest{
		withSnapshot: withSnapshot,
		reply:        make(chan *subscriber),
	}
	select {
	case s.attachCh <- req:
		return <-req.reply, nil
	case <-s.tomb.Dying():
		return nil, s.deadErr()
	}
}

// deadErr waits out the loop and reports why attaching is impossible:
// the loop's own error if it failed, ErrDisposed after a clean
// disposal.
func (s *Source) deadErr() error {
	if err := s.tomb.Wait(); err != nil {
		return errors.Trace(err)
	}
	return ErrDisposed
}

// Alive reports whether the source can still accept subscribers.
func (s *Source) Alive() bool {
	return s.tomb.Alive()
}

// Kill is part of the worker.Worker interface.
func (s *Source) Kill() {
	s.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Source) Wait() error {
	return s.tomb.Wait()
}

// Report provides introspection of the source for the engine report.
func (s *Source) Report() map[string]any {
	return map[string]any{
		"view":             s.config.View.Name,
		"latest-timestamp": s.reportLatest.Load(),
		"subscribers":      s.reportSubs.Load(),
		"cache-size":       s.reportCacheSize.Load(),
	}
}

func (s *Source) loop() error {
	view := s.config.View
	s.config.Metrics.SourcesInc()
	defer func() {
		for _, sub := range s.subs {
			sub.close()
			s.config.Metrics.SubscribersDec(view.Name)
		}
		s.subs = nil
		s.cache.Clear()
		s.config.Metrics.SourcesDec()
		if s.config.OnDispose != nil {
			s.config.OnDispose()
		}
	}()

	ctx := s.tomb.Context(context.Background())
	feed, err := s.config.Driver.Subscribe(ctx, upstream.SubscribeQuery(view))
	if err != nil {
		return errors.Annotatef(err, "opening changefeed for view %q", view.Name)
	}
	defer func() { _ = feed.Close() }()

	s.config.Logger.Debugf("source for view %q started", view.Name)

	// The source starts with no subscribers at all; if none attaches
	// within the delay it disposes of itself just as it would after the
	// last one departs.
	idle := s.config.Clock.NewTimer(s.disposeDelay)
	defer func() {
		if idle != nil {
			idle.Stop()
		}
	}()

	for {
		var idleCh <-chan time.Time
		if idle != nil {
			idleCh = idle.Chan()
		}

		select {
		case <-s.tomb.Dying():
			return tomb.ErrDying

		case <-feed.Done():
			return errors.Annotatef(feed.Err(), "changefeed for view %q terminated", view.Name)

		case line, ok := <-feed.Lines():
			if !ok {
				return errors.Errorf("changefeed for view %q closed its line channel", view.Name)
			}
			if err := s.apply(line); err != nil {
				return errors.Trace(err)
			}

		case req := <-s.attachCh:
			if idle != nil {
				idle.Stop()
				idle = nil
			}
			s.handleAttach(req)

		case id := <-s.detachCh:
			s.handleDetach(id)
			if len(s.subs) == 0 {
				idle = s.config.Clock.NewTimer(s.disposeDelay)
			}

		case <-idleCh:
			idle = nil
			if len(s.subs) == 0 {
				s.config.Logger.Debugf("source for view %q idle, disposing", view.Name)
				return nil
			}
		}
	}
}

// apply decodes and applies one changefeed line: update the cache,
// advance the timestamp, broadcast the resulting event. Local anomalies
// are logged and skipped; anything that breaks the cache-vs-upstream
// invariant is returned as a fatal error.
func (s *Source) apply(line string) error {
	view := s.config.View

	change, err := upstream.ParseLine(line, view)
	if err != nil {
		if errors.Is(err, upstream.ErrMalformedLine) {
			s.config.Logger.Warningf("dropping line for view %q: %v", view.Name, err)
			return nil
		}
		return errors.Annotatef(err, "view %q", view.Name)
	}
	if change == nil {
		return nil
	}

	if change.Timestamp < s.latest {
		return errors.Errorf(
			"changefeed for view %q went back in time: timestamp %d after %d",
			view.Name, change.Timestamp, s.latest)
	}

	key := change.Row[view.PrimaryKey]
	if key == nil {
		s.config.Logger.Warningf("dropping change without primary key for view %q", view.Name)
		return nil
	}

	var event changefeed.Event
	switch change.Op {
	case upstream.Delete:
		if !s.cache.Delete(key) {
			s.config.Logger.Warningf("delete for unknown key %v on view %q", key, view.Name)
			s.advance(change.Timestamp)
			return nil
		}
		event = changefeed.Event{
			Type:   changefeed.Delete,
			Row:    changefeed.Row{view.PrimaryKey: key},
			Fields: set.NewStrings(view.PrimaryKey),
		}

	case upstream.Upsert:
		if prior, ok := s.cache.Get(key); ok {
			fields := set.NewStrings(view.PrimaryKey)
			for name, value := range change.Row {
				if old, had := prior[name]; !had || old != value {
					fields.Add(name)
				}
			}
			s.cache.Set(change.Row)
			event = changefeed.Event{
				Type:   changefeed.Update,
				Row:    change.Row,
				Fields: fields,
			}
		} else {
			s.cache.Set(change.Row)
			event = changefeed.Event{
				Type:   changefeed.Insert,
				Row:    change.Row,
				Fields: rowFields(change.Row),
			}
		}
	}

	s.advance(change.Timestamp)
	event.Timestamp = change.Timestamp

	if s.config.Logger.IsTraceEnabled() {
		s.config.Logger.Tracef("view %q: %s %v at %d", view.Name, event.Type, key, event.Timestamp)
	}
	s.config.Metrics.EventsInc(view.Name, event.Type.String())

	for _, sub := range s.subs {
		sub.push(event)
	}
	return nil
}

func (s *Source) advance(timestamp uint64) {
	s.latest = timestamp
	s.reportLatest.Store(timestamp)
	s.reportCacheSize.Store(int64(s.cache.Size()))
}

// handleAttach runs inline on the loop: it reads the current timestamp
// as the subscriber's cutoff, installs the subscriber so it buffers
// every later event, and synthesizes the snapshot inserts. No upstream
// line can interleave, so the delivered sequence is a prefix of the
// global event order.
func (s *Source) handleAttach(req attachRequest) {
	s.nextSub++
	sub := newSubscriber(s.nextSub, s)
	s.subs[sub.id] = sub
	s.tomb.Go(func() error {
		sub.pump()
		return nil
	})

	if req.withSnapshot {
		cutoff := s.latest
		s.cache.Iterate(func(row changefeed.Row) bool {
			sub.push(changefeed.Event{
				Type:      changefeed.Insert,
				Timestamp: cutoff,
				Row:       row,
				Fields:    rowFields(row),
			})
			return true
		})
	}

	s.config.Metrics.SubscribersInc(s.config.View.Name)
	s.reportSubs.Store(int64(len(s.subs)))
	req.reply <- sub
}

func (s *Source) handleDetach(id uint64) {
	sub, ok := s.subs[id]
	if !ok {
		return
	}
	delete(s.subs, id)
	sub.close()
	s.config.Metrics.SubscribersDec(s.config.View.Name)
	s.reportSubs.Store(int64(len(s.subs)))
}

// detach asks the loop to drop the subscriber. Safe to call at any
// point in the source's life, including while it is dying.
func (s *Source) detach(id uint64) {
	select {
	case s.detachCh <- id:
	case <-s.tomb.Dying():
	}
}

func rowFields(row changefeed.Row) set.Strings {
	fields := set.NewStrings()
	for name := range row {
		fields.Add(name)
	}
	return fields
}
