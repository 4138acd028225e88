package relaypool

import (
	"context"
	"errors"

	"github.com/nbd-wtf/go-nostr"
)

// ErrPublishFailed is returned when an event could not be delivered to any
// of the requested relays.
var ErrPublishFailed = errors.New("relaypool: publish succeeded on zero relays")

// Pool abstracts the pub/sub substrate. Publication is best-effort and
// per-relay independent; subscribers are deduplicated by event id across
// relays. The production implementation is RelayPool; MemPool provides an
// in-process fabric.
type Pool interface {
	// Publish fans the event out to the given relays, waiting until the
	// context deadline at most, and returns the set of relays that
	// acknowledged it. An empty set is not an error here; callers that
	// require delivery must inspect the result.
	Publish(ctx context.Context, ev *nostr.Event, relays []string) []string

	// Subscribe opens a live subscription on every relay. Events are
	// delivered on the subscription channel exactly once per id.
	Subscribe(ctx context.Context, filters nostr.Filters,
		relays []string) (*Subscription, error)

	// Query performs a point-in-time query, merging and deduplicating
	// results from all relays, sorted by creation time descending.
	Query(ctx context.Context, filter nostr.Filter,
		relays []string) ([]*nostr.Event, error)

	// WaitFor returns the first event matching the filter, or an error
	// when the context expires first.
	WaitFor(ctx context.Context, filter nostr.Filter,
		relays []string) (*nostr.Event, error)

	// Close releases every relay connection held by the pool. It is
	// idempotent.
	Close()
}
