// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package source_test

import (
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4"
	gc "gopkg.in/check.v1"

	"github.com/juju/feedmux/core/schema"
	"github.com/juju/feedmux/internal/source"
)

type registrySuite struct {
	testing.IsolationSuite

	schema *schema.Schema
	driver *fakeDriver
	clock  *testclock.Clock
}

var _ = gc.Suite(&registrySuite{})

func (s *registrySuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)

	view, err := schema.NewView("orders", "id", []schema.Field{
		{Name: "id", Type: schema.String},
	})
	c.Assert(err, jc.ErrorIsNil)
	s.schema = &schema.Schema{Views: map[string]*schema.View{"orders": view}}
	s.driver = newFakeDriver()
	s.clock = testclock.NewClock(time.Now())
}

func (s *registrySuite) newRegistry(c *gc.C, add func(worker.Worker) error) *source.Registry {
	r, err := source.NewRegistry(source.RegistryConfig{
		Schema:  s.schema,
		Driver:  s.driver,
		Clock:   s.clock,
		Logger:  loggo.GetLogger("test"),
		Metrics: source.NewMetrics(),
		Add:     add,
	})
	c.Assert(err, jc.ErrorIsNil)
	return r
}

func (s *registrySuite) TestValidate(c *gc.C) {
	_, err := source.NewRegistry(source.RegistryConfig{})
	c.Check(err, gc.ErrorMatches, "nil Schema not valid")
}

func (s *registrySuite) TestUnknownView(c *gc.C) {
	r := s.newRegistry(c, nil)
	_, err := r.GetSource("payments")
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *registrySuite) TestSourceIsShared(c *gc.C) {
	r := s.newRegistry(c, nil)

	first, err := r.GetSource("orders")
	c.Assert(err, jc.ErrorIsNil)
	defer waitDead(c, first)

	second, err := r.GetSource("orders")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(second, gc.Equals, first)
}

func (s *registrySuite) TestAddCallbackSeesSource(c *gc.C) {
	var added []worker.Worker
	r := s.newRegistry(c, func(w worker.Worker) error {
		added = append(added, w)
		return nil
	})

	src, err := r.GetSource("orders")
	c.Assert(err, jc.ErrorIsNil)
	defer waitDead(c, src)

	c.Assert(added, gc.HasLen, 1)
	c.Check(added[0], gc.Equals, src)
}

func (s *registrySuite) TestAddCallbackFailureKillsSource(c *gc.C) {
	r := s.newRegistry(c, func(worker.Worker) error {
		return errors.New("owner is dying")
	})

	_, err := r.GetSource("orders")
	c.Check(err, gc.ErrorMatches, "owner is dying")
	c.Check(r.Report(), gc.HasLen, 0)
}

func (s *registrySuite) TestDisposedSourceIsReplaced(c *gc.C) {
	r := s.newRegistry(c, nil)

	first, err := r.GetSource("orders")
	c.Assert(err, jc.ErrorIsNil)

	sub, err := first.Attach()
	c.Assert(err, jc.ErrorIsNil)
	sub.Unsubscribe()
	err = s.clock.WaitAdvance(250*time.Millisecond, longWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(waitErr(c, first), jc.ErrorIsNil)

	second, err := r.GetSource("orders")
	c.Assert(err, jc.ErrorIsNil)
	defer waitDead(c, second)
	c.Check(second, gc.Not(gc.Equals), first)
	c.Check(second.Alive(), jc.IsTrue)
}

func (s *registrySuite) TestDisposalRemovesRegistryEntry(c *gc.C) {
	r := s.newRegistry(c, nil)

	src, err := r.GetSource("orders")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(r.Report(), gc.HasLen, 1)

	src.Kill()
	c.Check(waitErr(c, src), jc.ErrorIsNil)

	// Disposal runs the removal callback; poll until it lands.
	deadline := time.Now().Add(longWait)
	for len(r.Report()) > 0 && time.Now().Before(deadline) {
		time.Sleep(shortWait)
	}
	c.Check(r.Report(), gc.HasLen, 0)
}

func (s *registrySuite) TestReport(c *gc.C) {
	r := s.newRegistry(c, nil)
	src, err := r.GetSource("orders")
	c.Assert(err, jc.ErrorIsNil)
	defer waitDead(c, src)

	report := r.Report()
	c.Assert(report, gc.HasLen, 1)
	c.Check(report["orders"], gc.NotNil)
}
