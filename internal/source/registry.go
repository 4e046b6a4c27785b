// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package source

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"

	"github.com/juju/feedmux/core/schema"
	"github.com/juju/feedmux/internal/upstream"
)

// RegistryConfig holds the dependencies of a Registry.
type RegistryConfig struct {
	Schema  *schema.Schema
	Driver  upstream.Driver
	Clock   clock.Clock
	Logger  Logger
	Metrics MetricsCollector

	// DisposeDelay is passed through to each source; zero selects the
	// source default.
	DisposeDelay time.Duration

	// Add, if set, is handed every newly created source so an owning
	// worker can supervise it. A source dying with an error then brings
	// the owner down, which is how fatal upstream conditions reach the
	// process level.
	Add func(worker.Worker) error
}

// Validate checks the configuration for completeness.
func (c RegistryConfig) Validate() error {
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
	if c.Metrics == nil {
		return errors.NotValidf("nil Metrics")
	}
	return nil
}

// Registry is the process-wide mapping from view name to its source.
// Sources are created on first demand and remove themselves when they
// dispose after their last subscriber departs.
type Registry struct {
	config RegistryConfig

	mu      sync.Mutex
	sources map[string]*Source
}

// NewRegistry creates an empty registry over the given schema.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Registry{
		config:  config,
		sources: make(map[string]*Source),
	}, nil
}

// GetSource returns the live source for the named view, creating one if
// none exists or the cached one has been disposed.
func (r *Registry) GetSource(viewName string) (*Source, error) {
	view, err := r.config.Schema.View(viewName)
	if err != nil {
		return nil, errors.Trace(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if src, ok := r.sources[viewName]; ok && src.Alive() {
		return src, nil
	}

	var src *Source
	src, err = New(SourceConfig{
		View:         view,
		Driver:       r.config.Driver,
		Clock:        r.config.Clock,
		Logger:       r.config.Logger,
		Metrics:      r.config.Metrics,
		DisposeDelay: r.config.DisposeDelay,
		OnDispose: func() {
			r.remove(viewName, src)
		},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if r.config.Add != nil {
		if err := r.config.Add(src); err != nil {
			src.Kill()
			return nil, errors.Trace(err)
		}
	}
	r.sources[viewName] = src
	return src, nil
}

// remove drops the entry for the named view if it still refers to the
// given source. A replacement source created after disposal must not be
// clobbered by the old one's teardown.
func (r *Registry) remove(viewName string, src *Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sources[viewName] == src {
		delete(r.sources, viewName)
	}
}

// Report provides introspection of all live sources.
func (r *Registry) Report() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	report := make(map[string]any, len(r.sources))
	for name, src := range r.sources {
		report[name] = src.Report()
	}
	return report
}
