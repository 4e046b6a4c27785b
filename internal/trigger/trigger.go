// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package trigger manages named triggers: long-lived filtered views
// whose enter/leave transitions invoke an HTTP webhook. Trigger views
// attach without a snapshot, so only rows that transition after
// registration fire webhooks, never pre-existing ones.
package trigger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/feedmux/core/changefeed"
	"github.com/juju/feedmux/core/schema"
	"github.com/juju/feedmux/internal/expr"
	"github.com/juju/feedmux/internal/view"
)

// Logger represents the logging methods called by this package.
type Logger interface {
	Errorf(message string, args ...any)
	Infof(message string, args ...any)
	Debugf(message string, args ...any)
	Tracef(message string, args ...any)
	IsTraceEnabled() bool
}

// MetricsCollector represents the metrics methods called by this
// package.
type MetricsCollector interface {
	TriggersInc(view string)
	TriggersDec(view string)
	WebhooksInc(view, result string)
}

// Source is the slice of a changefeed source a trigger needs.
type Source interface {
	// AttachLive admits a subscriber that receives only events
	// occurring after attach, with no snapshot.
	AttachLive() (changefeed.Subscription, error)
	// View returns the view definition the source serves.
	View() *schema.View
}

// SourceGetter resolves view names to live sources.
type SourceGetter interface {
	GetSource(viewName string) (Source, error)
}

// TriggerArgs is a caller-supplied trigger definition. Fire governs
// entry into the trigger's region; Clear, if given, governs exit,
// otherwise exit is the negation of Fire.
type TriggerArgs struct {
	Name    string
	Webhook string
	Fire    map[string]any
	Clear   map[string]any
}

// Trigger is a registered trigger. Names are unique per view, not
// globally.
type Trigger struct {
	Name    string
	View    string
	Webhook string
	// Fire and Clear are diagnostic renderings of the compiled
	// predicates.
	Fire  string
	Clear string

	watch *view.View
}

// EngineConfig holds the dependencies of an Engine.
type EngineConfig struct {
	Sources SourceGetter
	Poster  Poster
	Clock   clock.Clock
	Logger  Logger
	Metrics MetricsCollector
}

// Validate checks the configuration for completeness.
func (c EngineConfig) Validate() error {
	if c.Sources == nil {
		return errors.NotValidf("nil Sources")
	}
	if c.Poster == nil {
		return errors.NotValidf("nil Poster")
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

// Engine manages the triggers of every view. It is a worker; killing it
// tears every trigger view down.
type Engine struct {
	catacomb catacomb.Catacomb
	config   EngineConfig

	mu       sync.Mutex
	triggers map[string]map[string]*Trigger

	dispatchers sync.WaitGroup
}

// NewEngine creates a trigger engine.
func NewEngine(config EngineConfig) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	e := &Engine{
		config:   config,
		triggers: make(map[string]map[string]*Trigger),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &e.catacomb,
		Work: e.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return e, nil
}

// Kill is part of the worker.Worker interface.
func (e *Engine) Kill() {
	e.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (e *Engine) Wait() error {
	return e.catacomb.Wait()
}

func (e *Engine) loop() error {
	defer func() {
		e.mu.Lock()
		for _, perView := range e.triggers {
			for _, t := range perView {
				t.watch.Kill()
			}
		}
		e.triggers = nil
		e.mu.Unlock()
		e.dispatchers.Wait()
	}()

	<-e.catacomb.Dying()
	return e.catacomb.ErrDying()
}

// CreateTrigger registers a trigger on the named view. The name must be
// unused on that view and both predicates must compile; failures leave
// no subscription behind.
func (e *Engine) CreateTrigger(viewName string, args TriggerArgs) (*Trigger, error) {
	if args.Name == "" {
		return nil, errors.NotValidf("empty trigger name")
	}
	if args.Webhook == "" {
		return nil, errors.NotValidf("empty webhook for trigger %q", args.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.triggers == nil {
		return nil, errors.New("trigger engine is shutting down")
	}
	if _, ok := e.triggers[viewName][args.Name]; ok {
		return nil, errors.AlreadyExistsf("trigger %q on view %q", args.Name, viewName)
	}

	src, err := e.config.Sources.GetSource(viewName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	def := src.View()

	fire, err := expr.Compile(args.Fire, def)
	if err != nil {
		return nil, errors.Annotatef(err, "fire predicate for trigger %q", args.Name)
	}
	var clear *expr.Predicate
	if args.Clear != nil {
		if clear, err = expr.Compile(args.Clear, def); err != nil {
			return nil, errors.Annotatef(err, "clear predicate for trigger %q", args.Name)
		}
	}
	filter, err := view.NewFilter(fire, clear)
	if err != nil {
		return nil, errors.Trace(err)
	}

	sub, err := src.AttachLive()
	if err != nil {
		return nil, errors.Trace(err)
	}
	watch, err := view.New(view.ViewConfig{
		Subscription: sub,
		PrimaryKey:   def.PrimaryKey,
		Filter:       filter,
		Logger:       e.config.Logger,
	})
	if err != nil {
		sub.Unsubscribe()
		return nil, errors.Trace(err)
	}

	t := &Trigger{
		Name:    args.Name,
		View:    viewName,
		Webhook: args.Webhook,
		Fire:    fire.String(),
		watch:   watch,
	}
	if clear != nil {
		t.Clear = clear.String()
	}

	if e.triggers[viewName] == nil {
		e.triggers[viewName] = make(map[string]*Trigger)
	}
	e.triggers[viewName][args.Name] = t

	e.dispatchers.Add(1)
	go e.dispatch(t)

	e.config.Metrics.TriggersInc(viewName)
	e.config.Logger.Infof("trigger %q created on view %q: fire %s", t.Name, viewName, t.Fire)
	return t, nil
}

// DeleteTrigger removes the named trigger, tears its view down and
// returns the prior definition.
func (e *Engine) DeleteTrigger(viewName, name string) (*Trigger, error) {
	e.mu.Lock()
	t, ok := e.triggers[viewName][name]
	if ok {
		delete(e.triggers[viewName], name)
		if len(e.triggers[viewName]) == 0 {
			delete(e.triggers, viewName)
		}
	}
	e.mu.Unlock()

	if !ok {
		return nil, errors.NotFoundf("trigger %q on view %q", name, viewName)
	}
	t.watch.Kill()
	e.config.Metrics.TriggersDec(viewName)
	return t, nil
}

// GetTrigger returns the named trigger.
func (e *Engine) GetTrigger(viewName, name string) (*Trigger, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.triggers[viewName][name]
	if !ok {
		return nil, errors.NotFoundf("trigger %q on view %q", name, viewName)
	}
	return t, nil
}

// ListTriggers returns all triggers on the named view, sorted by name.
func (e *Engine) ListTriggers(viewName string) []*Trigger {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Trigger, 0, len(e.triggers[viewName]))
	for _, t := range e.triggers[viewName] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// dispatch forwards one trigger's enter/leave transitions to its
// webhook until the trigger or the engine terminates.
func (e *Engine) dispatch(t *Trigger) {
	defer e.dispatchers.Done()
	for {
		select {
		case <-e.catacomb.Dying():
			return
		case <-t.watch.Done():
			return
		case event, ok := <-t.watch.Changes():
			if !ok {
				return
			}
			switch event.Type {
			case changefeed.Insert:
				e.post(t, EventMatch, event.Row)
			case changefeed.Delete:
				e.post(t, EventUnmatch, event.Row)
			}
		}
	}
}

// post delivers one webhook, fire and forget: failures are logged and
// discarded with no retry.
func (e *Engine) post(t *Trigger, eventType string, row changefeed.Row) {
	payload := Payload{
		EventType:   eventType,
		TriggerName: t.Name,
		Timestamp:   e.config.Clock.Now().UTC().Format(time.RFC3339),
		Data:        row,
	}
	ctx := e.catacomb.Context(context.Background())
	if err := e.config.Poster.Post(ctx, t.Webhook, payload); err != nil {
		e.config.Logger.Errorf("posting webhook for trigger %q on view %q: %v", t.Name, t.View, err)
		e.config.Metrics.WebhooksInc(t.View, "error")
		return
	}
	if e.config.Logger.IsTraceEnabled() {
		e.config.Logger.Tracef("trigger %q on view %q posted %s", t.Name, t.View, eventType)
	}
	e.config.Metrics.WebhooksInc(t.View, "ok")
}
