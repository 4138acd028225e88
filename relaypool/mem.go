package relaypool

import (
	"context"
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// MemPool is an in-process relay fabric implementing Pool. Every relay URL
// names an independent store-and-forward node, so relay independence and
// partial-failure behavior can be exercised without a network. Individual
// relays can be taken offline with SetOffline.
type MemPool struct {
	mu     sync.Mutex
	relays map[string]*memRelay
}

type memRelay struct {
	offline bool
	stored  []*nostr.Event
	subs    map[*memSub]struct{}
}

type memSub struct {
	filters nostr.Filters
	sub     *Subscription
}

// NewMemPool creates an empty fabric. Relays spring into existence on first
// reference.
func NewMemPool() *MemPool {
	return &MemPool{relays: make(map[string]*memRelay)}
}

func (m *MemPool) relay(url string) *memRelay {
	r, ok := m.relays[url]
	if !ok {
		r = &memRelay{subs: make(map[*memSub]struct{})}
		m.relays[url] = r
	}
	return r
}

// SetOffline marks a relay as unreachable. Offline relays reject publishes,
// queries and subscriptions until brought back.
func (m *MemPool) SetOffline(url string, offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relay(url).offline = offline
}

// Publish implements Pool.
func (m *MemPool) Publish(_ context.Context, ev *nostr.Event,
	relays []string) []string {

	m.mu.Lock()
	var succeeded []string
	var deliveries []func()
	for _, url := range relays {
		r := m.relay(url)
		if r.offline {
			continue
		}
		r.stored = append(r.stored, ev)
		succeeded = append(succeeded, url)
		for ms := range r.subs {
			if !matchesAny(ms.filters, ev) {
				continue
			}
			ms := ms
			deliveries = append(deliveries, func() {
				ms.sub.ingest(ev)
			})
		}
	}
	m.mu.Unlock()

	// Deliver outside the lock; ingest can block on a full subscriber.
	for _, deliver := range deliveries {
		go deliver()
	}
	return succeeded
}

// Subscribe implements Pool.
func (m *MemPool) Subscribe(_ context.Context, filters nostr.Filters,
	relays []string) (*Subscription, error) {

	sub := newSubscription(subscriptionBuffer)

	m.mu.Lock()
	var backlog []*nostr.Event
	for _, url := range relays {
		r := m.relay(url)
		if r.offline {
			continue
		}
		ms := &memSub{filters: filters, sub: sub}
		r.subs[ms] = struct{}{}
		sub.onClose(func() {
			m.mu.Lock()
			delete(r.subs, ms)
			m.mu.Unlock()
		})
		for _, ev := range r.stored {
			if matchesAny(filters, ev) {
				backlog = append(backlog, ev)
			}
		}
	}
	m.mu.Unlock()

	go func() {
		for _, ev := range backlog {
			sub.ingest(ev)
		}
	}()
	return sub, nil
}

// Query implements Pool.
func (m *MemPool) Query(_ context.Context, filter nostr.Filter,
	relays []string) ([]*nostr.Event, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{})
	var out []*nostr.Event
	for _, url := range relays {
		r := m.relay(url)
		if r.offline {
			continue
		}
		for _, ev := range r.stored {
			if !filter.Matches(ev) {
				continue
			}
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// WaitFor implements Pool.
func (m *MemPool) WaitFor(ctx context.Context, filter nostr.Filter,
	relays []string) (*nostr.Event, error) {

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultWaitTimeout)
		defer cancel()
	}

	sub, err := m.Subscribe(ctx, nostr.Filters{filter}, relays)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	for {
		select {
		case ev := <-sub.Events:
			if filter.Matches(ev) {
				return ev, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close implements Pool.
func (m *MemPool) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.relays {
		for ms := range r.subs {
			delete(r.subs, ms)
		}
	}
}

func matchesAny(filters nostr.Filters, ev *nostr.Event) bool {
	for _, f := range filters {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}
