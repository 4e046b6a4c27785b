// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package feedserver composes the streaming data plane: it owns the
// source registry and the trigger engine, exposes the subscribe and
// trigger operations consumed by the transport layer, and coordinates
// orderly teardown. Any source dying of a fatal upstream condition
// brings the whole server down; the process treats that as
// non-recoverable.
package feedserver

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/feedmux/core/changefeed"
	coreschema "github.com/juju/feedmux/core/schema"
	"github.com/juju/feedmux/internal/expr"
	"github.com/juju/feedmux/internal/source"
	"github.com/juju/feedmux/internal/trigger"
	"github.com/juju/feedmux/internal/upstream"
	"github.com/juju/feedmux/internal/view"
)

// attachAttempts bounds the retry when an attach races a source's
// deferred disposal; the registry then supplies a fresh source.
const attachAttempts = 3

// Logger represents the logging methods called by this package and its
// children.
type Logger interface {
	Errorf(message string, args ...any)
	Warningf(message string, args ...any)
	Infof(message string, args ...any)
	Debugf(message string, args ...any)
	Tracef(message string, args ...any)
	IsTraceEnabled() bool
}

// Config holds the dependencies of a Server.
type Config struct {
	Schema *coreschema.Schema
	Driver upstream.Driver
	Clock  clock.Clock
	Logger Logger

	SourceMetrics  source.MetricsCollector
	TriggerMetrics trigger.MetricsCollector

	// Poster delivers trigger webhooks; nil selects the plain HTTP
	// poster.
	Poster trigger.Poster

	// DisposeDelay tunes how long an idle source lingers before
	// disposal; zero selects the source default.
	DisposeDelay time.Duration
}

// Validate checks the configuration for completeness.
func (c Config) Validate() error {
	if c.Schema == nil {
		return errors.NotValidf("nil Schema")
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
	if c.SourceMetrics == nil {
		return errors.NotValidf("nil SourceMetrics")
	}
	if c.TriggerMetrics == nil {
		return errors.NotValidf("nil TriggerMetrics")
	}
	return nil
}

// Server is the worker at the top of the data plane.
type Server struct {
	catacomb catacomb.Catacomb
	config   Config

	registry *source.Registry
	engine   *trigger.Engine
}

// NewServer creates and starts a server.
func NewServer(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	poster := config.Poster
	if poster == nil {
		poster = trigger.NewHTTPPoster()
	}

	s := &Server{config: config}

	registry, err := source.NewRegistry(source.RegistryConfig{
		Schema:       config.Schema,
		Driver:       config.Driver,
		Clock:        config.Clock,
		Logger:       config.Logger,
		Metrics:      config.SourceMetrics,
		DisposeDelay: config.DisposeDelay,
		Add: func(w worker.Worker) error {
			return s.catacomb.Add(w)
		},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.registry = registry

	engine, err := trigger.NewEngine(trigger.EngineConfig{
		Sources: sourceGetter{registry: registry},
		Poster:  poster,
		Clock:   config.Clock,
		Logger:  config.Logger,
		Metrics: config.TriggerMetrics,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.engine = engine

	if err := catacomb.Invoke(catacomb.Plan{
		Site: &s.catacomb,
		Work: s.loop,
		Init: []worker.Worker{engine},
	}); err != nil {
		engine.Kill()
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Subscribe opens a stream on the named view. A nil where passes every
// event; otherwise the predicate tree is compiled against the view's
// definition and the stream carries synthetic enter/leave transitions.
// Delta selects compact payloads. Predicate compile failures are
// returned synchronously and leave no subscription behind.
func (s *Server) Subscribe(viewName string, where map[string]any, delta bool) (changefeed.Subscription, error) {
	for attempt := 0; ; attempt++ {
		src, err := s.registry.GetSource(viewName)
		if err != nil {
			return nil, errors.Trace(err)
		}

		var filter *view.Filter
		if where != nil {
			pred, err := expr.Compile(where, src.View())
			if err != nil {
				return nil, errors.Annotatef(err, "predicate for view %q", viewName)
			}
			if filter, err = view.NewFilter(pred, nil); err != nil {
				return nil, errors.Trace(err)
			}
		}

		sub, err := src.Attach()
		if err != nil {
			if errors.Is(err, source.ErrDisposed) && attempt < attachAttempts {
				continue
			}
			return nil, errors.Trace(err)
		}

		v, err := view.New(view.ViewConfig{
			Subscription: sub,
			PrimaryKey:   src.PrimaryKeyField(),
			Filter:       filter,
			Delta:        delta,
			Logger:       s.config.Logger,
		})
		if err != nil {
			sub.Unsubscribe()
			return nil, errors.Trace(err)
		}
		return v, nil
	}
}

// CreateTrigger registers a webhook trigger on the named view.
func (s *Server) CreateTrigger(viewName string, args trigger.TriggerArgs) (*trigger.Trigger, error) {
	t, err := s.engine.CreateTrigger(viewName, args)
	return t, errors.Trace(err)
}

// DeleteTrigger removes the named trigger and returns its prior
// definition.
func (s *Server) DeleteTrigger(viewName, name string) (*trigger.Trigger, error) {
	t, err := s.engine.DeleteTrigger(viewName, name)
	return t, errors.Trace(err)
}

// GetTrigger returns the named trigger.
func (s *Server) GetTrigger(viewName, name string) (*trigger.Trigger, error) {
	t, err := s.engine.GetTrigger(viewName, name)
	return t, errors.Trace(err)
}

// ListTriggers returns all triggers on the named view.
func (s *Server) ListTriggers(viewName string) []*trigger.Trigger {
	return s.engine.ListTriggers(viewName)
}

// Report provides introspection of the server's live sources.
func (s *Server) Report() map[string]any {
	return map[string]any{
		"sources": s.registry.Report(),
	}
}

// Kill is part of the worker.Worker interface.
func (s *Server) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Server) Wait() error {
	return s.catacomb.Wait()
}

func (s *Server) loop() error {
	<-s.catacomb.Dying()
	return s.catacomb.ErrDying()
}

// sourceGetter adapts the registry to the trigger engine's narrower
// view of a source.
type sourceGetter struct {
	registry *source.Registry
}

// GetSource is part of the trigger.SourceGetter interface.
func (g sourceGetter) GetSource(name string) (trigger.Source, error) {
	src, err := g.registry.GetSource(name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return src, nil
}
