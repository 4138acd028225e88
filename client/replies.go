package client

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/askexperts/expertlib/protocol"
	"github.com/askexperts/expertlib/relaypool"
)

// ErrReplyTimeout is returned when the inter-chunk inactivity timeout
// elapses before the stream terminates.
var ErrReplyTimeout = errors.New("client: reply stream timed out")

// Replies is the lazy, finite stream of answer chunks for one prompt.
// Chunks surface in monotonically increasing index order; duplicates are
// dropped (first wins) and out-of-order arrivals are buffered. The stream
// ends with io.EOF after the terminal chunk.
type Replies struct {
	// AmountPaid is what was actually paid for this answer, in sats.
	AmountPaid uint64

	promptID   string
	promptPriv string

	sub    *relaypool.Subscription
	cancel context.CancelFunc

	backlog []*protocol.ReplyPayload
	pending map[int]*protocol.ReplyPayload
	next    int
	ended   bool

	firstWait time.Duration
	nextGap   time.Duration
}

// Next blocks until the next in-order chunk, the terminal marker (after
// which it returns io.EOF), an inactivity timeout, or ctx cancellation.
func (r *Replies) Next(ctx context.Context) (*protocol.ReplyPayload, error) {
	if r.ended {
		return nil, io.EOF
	}

	wait := r.nextGap
	if r.next == 0 {
		wait = r.firstWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		// Serve buffered chunks first.
		if chunk := r.take(); chunk != nil {
			return r.deliver(chunk)
		}

		var payload *protocol.ReplyPayload
		if len(r.backlog) > 0 {
			payload = r.backlog[0]
			r.backlog = r.backlog[1:]
		} else {
			select {
			case ev := <-r.sub.Events:
				if ev.Kind != protocol.KindQuote {
					reply, err := protocol.ParseReply(ev, r.promptPriv)
					if err != nil || reply.PromptID != r.promptID {
						continue
					}
					payload = &reply.Payload
					break
				}
				// A second quote for an already-quoted prompt
				// is dropped.
				metricDuplicateQuotes.Inc()
				continue
			case <-timer.C:
				r.Close()
				return nil, ErrReplyTimeout
			case <-ctx.Done():
				r.Close()
				return nil, ctx.Err()
			}
		}
		if payload == nil {
			continue
		}

		// First event per index wins.
		if payload.Index < r.next {
			continue
		}
		if _, dup := r.pending[payload.Index]; dup {
			continue
		}
		r.pending[payload.Index] = payload
	}
}

// take pops the next in-order chunk from the reorder buffer, if present.
func (r *Replies) take() *protocol.ReplyPayload {
	chunk, ok := r.pending[r.next]
	if !ok {
		return nil
	}
	delete(r.pending, r.next)
	return chunk
}

func (r *Replies) deliver(chunk *protocol.ReplyPayload) (*protocol.ReplyPayload, error) {
	r.next++
	if chunk.Done || chunk.Error != "" {
		r.ended = true
		r.Close()
	}
	if chunk.Error != "" {
		return chunk, errors.New("client: expert reported: " + chunk.Error)
	}
	return chunk, nil
}

// Collect drains the stream and concatenates the chunk contents.
func (r *Replies) Collect(ctx context.Context) (string, error) {
	var out string
	for {
		chunk, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out += chunk.Content
		if chunk.Done {
			return out, nil
		}
	}
}

// Close releases the stream's subscription. Idempotent; pending chunks are
// discarded.
func (r *Replies) Close() {
	r.sub.Close()
	r.cancel()
}
