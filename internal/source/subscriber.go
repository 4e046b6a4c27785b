// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package source

import (
	"sync"

	"github.com/juju/collections/deque"

	"github.com/juju/feedmux/core/changefeed"
)

// subscriber bridges the push-driven source loop to a pull-style
// consumer. The loop appends events to an unbounded queue and never
// blocks; a per-subscriber pump drains the queue into the delivery
// channel. A slow consumer therefore delays nobody but itself, at the
// price of queue growth, which is surfaced through the queue-depth
// gauge.
type subscriber struct {
	id     uint64
	source *Source

	out  chan changefeed.Event
	quit chan struct{}
	done chan struct{}

	mu      sync.Mutex
	pending *deque.Deque
	closed  bool
	signal  chan struct{}

	unsubOnce sync.Once
	closeOnce sync.Once
}

func newSubscriber(id uint64, source *Source) *subscriber {
	return &subscriber{
		id:      id,
		source:  source,
		out:     make(chan changefeed.Event),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		pending: deque.New(),
		signal:  make(chan struct{}, 1),
	}
}

// Changes is part of the changefeed.Subscription interface.
func (s *subscriber) Changes() <-chan changefeed.Event {
	return s.out
}

// Done is part of the changefeed.Subscription interface.
func (s *subscriber) Done() <-chan struct{} {
	return s.done
}

// Unsubscribe is part of the changefeed.Subscription interface. Pending
// undelivered events are discarded.
func (s *subscriber) Unsubscribe() {
	s.unsubOnce.Do(func() {
		s.source.detach(s.id)
	})
	s.close()
}

// push queues an event for delivery. Only the source loop calls this.
func (s *subscriber) push(event changefeed.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending.PushBack(event)
	s.mu.Unlock()

	s.source.config.Metrics.QueueAdd(s.source.config.View.Name, 1)

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// pump drains the pending queue into the delivery channel until the
// subscriber is closed.
func (s *subscriber) pump() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case <-s.signal:
		}
		for {
			s.mu.Lock()
			item, ok := s.pending.PopFront()
			s.mu.Unlock()
			if !ok {
				break
			}
			s.source.config.Metrics.QueueAdd(s.source.config.View.Name, -1)
			select {
			case s.out <- item.(changefeed.Event):
			case <-s.quit:
				return
			}
		}
	}
}

// close makes the subscriber terminal. Idempotent; called from the
// source loop on detach and teardown, and from Unsubscribe.
func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		discarded := s.pending.Len()
		s.pending = deque.New()
		s.mu.Unlock()
		if discarded > 0 {
			s.source.config.Metrics.QueueAdd(s.source.config.View.Name, -float64(discarded))
		}
		close(s.quit)
	})
}
