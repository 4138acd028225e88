package relaypool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

const (
	// DefaultPublishTimeout bounds a single publish fan-out.
	DefaultPublishTimeout = 5 * time.Second

	// DefaultQueryTimeout bounds a point-in-time query.
	DefaultQueryTimeout = 5 * time.Second

	// DefaultWaitTimeout bounds WaitFor when the caller's context has no
	// deadline of its own.
	DefaultWaitTimeout = 30 * time.Second

	// subscriptionBuffer is the per-subscription channel capacity. It
	// carries the backpressure for reply streams.
	subscriptionBuffer = 64
)

// managedRelay is a reference-counted relay connection. The connection is
// dialed on first use and closed when the last reference is released.
type managedRelay struct {
	relay *nostr.Relay
	refs  int
}

// RelayPool multiplexes relay connections across concurrent sessions within
// a process. It implements Pool.
type RelayPool struct {
	mu     sync.Mutex
	relays map[string]*managedRelay
	closed bool
}

// NewRelayPool creates an empty pool. Connections are dialed lazily.
func NewRelayPool() *RelayPool {
	return &RelayPool{
		relays: make(map[string]*managedRelay),
	}
}

// acquire returns a connected relay, dialing it if needed, and takes a
// reference on it.
func (p *RelayPool) acquire(ctx context.Context, url string) (*nostr.Relay, error) {
	p.mu.Lock()
	if mr, ok := p.relays[url]; ok {
		mr.refs++
		p.mu.Unlock()
		return mr.relay, nil
	}
	p.mu.Unlock()

	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		relay.Close()
		return nil, context.Canceled
	}
	// Another caller may have connected concurrently; prefer the existing
	// connection.
	if mr, ok := p.relays[url]; ok {
		relay.Close()
		mr.refs++
		return mr.relay, nil
	}
	p.relays[url] = &managedRelay{relay: relay, refs: 1}
	return relay, nil
}

// release drops a reference, closing the connection when none remain.
func (p *RelayPool) release(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mr, ok := p.relays[url]
	if !ok {
		return
	}
	mr.refs--
	if mr.refs <= 0 {
		mr.relay.Close()
		delete(p.relays, url)
	}
}

// Publish implements Pool. Per-relay failures are absorbed and logged.
func (p *RelayPool) Publish(ctx context.Context, ev *nostr.Event,
	relays []string) []string {

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultPublishTimeout)
		defer cancel()
	}

	var (
		mu        sync.Mutex
		succeeded []string
		wg        sync.WaitGroup
	)
	for _, url := range relays {
		url := url
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay, err := p.acquire(ctx, url)
			if err != nil {
				log.Debugf("publish: connect %s: %v", url, err)
				return
			}
			defer p.release(url)

			if err := relay.Publish(ctx, *ev); err != nil {
				log.Debugf("publish: %s rejected %s: %v",
					url, ev.ID, err)
				return
			}
			mu.Lock()
			succeeded = append(succeeded, url)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(succeeded) == 0 {
		log.Warnf("publish: event %s reached zero of %d relays",
			ev.ID, len(relays))
		metricPublishEmpty.Inc()
	} else if len(succeeded) < len(relays) {
		log.Debugf("publish: event %s reached %d of %d relays",
			ev.ID, len(succeeded), len(relays))
	}
	return succeeded
}

// Subscribe implements Pool.
func (p *RelayPool) Subscribe(ctx context.Context, filters nostr.Filters,
	relays []string) (*Subscription, error) {

	sub := newSubscription(subscriptionBuffer)

	for _, url := range relays {
		url := url
		go func() {
			relay, err := p.acquire(ctx, url)
			if err != nil {
				log.Debugf("subscribe: connect %s: %v", url, err)
				return
			}

			rsub, err := relay.Subscribe(ctx, filters)
			if err != nil {
				log.Debugf("subscribe: %s: %v", url, err)
				p.release(url)
				return
			}
			sub.onClose(func() {
				rsub.Unsub()
				p.release(url)
			})

			for {
				select {
				case ev, ok := <-rsub.Events:
					if !ok {
						return
					}
					sub.ingest(ev)
				case <-sub.Done():
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	return sub, nil
}

// Query implements Pool.
func (p *RelayPool) Query(ctx context.Context, filter nostr.Filter,
	relays []string) ([]*nostr.Event, error) {

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultQueryTimeout)
		defer cancel()
	}

	var (
		mu     sync.Mutex
		merged []*nostr.Event
		seen   = make(map[string]struct{})
		wg     sync.WaitGroup
	)
	for _, url := range relays {
		url := url
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay, err := p.acquire(ctx, url)
			if err != nil {
				log.Debugf("query: connect %s: %v", url, err)
				return
			}
			defer p.release(url)

			evs, err := relay.QuerySync(ctx, filter)
			if err != nil {
				log.Debugf("query: %s: %v", url, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, ev := range evs {
				if _, dup := seen[ev.ID]; dup {
					continue
				}
				seen[ev.ID] = struct{}{}
				merged = append(merged, ev)
			}
		}()
	}
	wg.Wait()

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].CreatedAt > merged[j].CreatedAt
	})
	return merged, nil
}

// WaitFor implements Pool.
func (p *RelayPool) WaitFor(ctx context.Context, filter nostr.Filter,
	relays []string) (*nostr.Event, error) {

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultWaitTimeout)
		defer cancel()
	}

	sub, err := p.Subscribe(ctx, nostr.Filters{filter}, relays)
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
func (p *RelayPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for url, mr := range p.relays {
		mr.relay.Close()
		delete(p.relays, url)
	}
}
