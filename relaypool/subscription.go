package relaypool

import (
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/askexperts/expertlib/queue"
)

// Subscription is a multiplexed live subscription across several relays.
// Events arrive on Events exactly once per event id, regardless of how many
// relays delivered them. An unbounded queue sits between the relay readers
// and the consumer, so a slow consumer never stalls relay traffic.
type Subscription struct {
	// Events carries deduplicated matching events. Consumers must select
	// on Done alongside it; the channel itself is never closed so that
	// concurrent relay readers can never race a close.
	Events <-chan *nostr.Event

	events chan *nostr.Event
	buf    *queue.ConcurrentQueue

	mu     sync.Mutex
	seen   map[string]struct{}
	closed bool

	closeOnce sync.Once
	quit      chan struct{}
	cancels   []func()
}

func newSubscription(buffer int) *Subscription {
	events := make(chan *nostr.Event, buffer)
	s := &Subscription{
		Events: events,
		events: events,
		buf:    queue.NewConcurrentQueue(buffer),
		seen:   make(map[string]struct{}),
		quit:   make(chan struct{}),
	}
	s.buf.Start()
	go s.pump()
	return s
}

// pump moves buffered events onto the typed consumer channel.
func (s *Subscription) pump() {
	for {
		select {
		case item := <-s.buf.ChanOut():
			select {
			case s.events <- item.(*nostr.Event):
			case <-s.quit:
				return
			}
		case <-s.quit:
			return
		}
	}
}

// ingest delivers an event to the subscriber unless it was already seen.
func (s *Subscription) ingest(ev *nostr.Event) {
	if ev == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seen[ev.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[ev.ID] = struct{}{}
	s.mu.Unlock()

	select {
	case s.buf.ChanIn() <- ev:
	case <-s.quit:
	}
}

// onClose registers a cleanup hook invoked exactly once at Close. If the
// subscription is already closed the hook runs immediately.
func (s *Subscription) onClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.cancels = append(s.cancels, fn)
	s.mu.Unlock()
}

// Close terminates the subscription and releases the per-relay resources
// backing it. Safe to call multiple times.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.buf.Stop()

		s.mu.Lock()
		s.closed = true
		cancels := s.cancels
		s.cancels = nil
		s.mu.Unlock()

		for _, cancel := range cancels {
			cancel()
		}
	})
}

// Done is closed when the subscription has been closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.quit
}
