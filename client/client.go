package client

import (
	"context"
	"errors"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/askexperts/expertlib/payments"
	"github.com/askexperts/expertlib/protocol"
	"github.com/askexperts/expertlib/relaypool"
)

const (
	// DefaultBidWindow is how long bids are collected after the first one
	// arrives.
	DefaultBidWindow = 5 * time.Second

	// DefaultBidDeadline is the hard cap on a bid collection when no bid
	// ever arrives.
	DefaultBidDeadline = 30 * time.Second

	// DefaultQuoteTimeout bounds prompt publication to quote arrival.
	DefaultQuoteTimeout = 30 * time.Second

	// DefaultFirstReplyTimeout bounds proof publication to the first
	// reply chunk.
	DefaultFirstReplyTimeout = time.Minute

	// DefaultReplyGap bounds the gap between consecutive reply chunks.
	DefaultReplyGap = 30 * time.Second
)

var (
	// ErrQuoteRejected is returned when the caller's OnQuote declines.
	ErrQuoteRejected = errors.New("client: quote rejected")

	// ErrNoInvoice is returned when a quote carries no payable invoice.
	ErrNoInvoice = errors.New("client: quote has no lightning invoice")

	// ErrQuoteTimeout is returned when no quote arrives in time.
	ErrQuoteTimeout = errors.New("client: timed out waiting for quote")
)

// PaymentError wraps a failed payment so batch callers can report it
// per-expert.
type PaymentError struct {
	Err error
}

func (e *PaymentError) Error() string {
	return "client: payment failed: " + e.Err.Error()
}

func (e *PaymentError) Unwrap() error { return e.Err }

// Config parameterizes a Client. Pool is required; Payments is required
// unless every AskExpert call supplies its own OnPay.
type Config struct {
	Pool     relaypool.Pool
	Payments *payments.Coordinator

	BidWindow         time.Duration
	BidDeadline       time.Duration
	QuoteTimeout      time.Duration
	FirstReplyTimeout time.Duration
	ReplyGap          time.Duration
}

// Client drives the client side of the five-phase protocol. A single Client
// may run many concurrent sessions; each session owns its own ephemeral
// keys.
type Client struct {
	cfg Config
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Client, error) {
	if cfg.Pool == nil {
		return nil, errors.New("client: relay pool required")
	}
	if cfg.BidWindow <= 0 {
		cfg.BidWindow = DefaultBidWindow
	}
	if cfg.BidDeadline <= 0 {
		cfg.BidDeadline = DefaultBidDeadline
	}
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = DefaultQuoteTimeout
	}
	if cfg.FirstReplyTimeout <= 0 {
		cfg.FirstReplyTimeout = DefaultFirstReplyTimeout
	}
	if cfg.ReplyGap <= 0 {
		cfg.ReplyGap = DefaultReplyGap
	}
	return &Client{cfg: cfg}, nil
}

// FindExpertsParams describe a discovery session.
type FindExpertsParams struct {
	Summary  string
	Hashtags []string
	Formats  []protocol.Format
	Methods  []protocol.Method
	Stream   bool

	// Relays is the discovery relay set. Required.
	Relays []string

	// MaxBids, when positive, stops collection early.
	MaxBids int

	// BidWindow and Deadline override the client defaults.
	BidWindow time.Duration
	Deadline  time.Duration
}

// FindExperts publishes an ask under a fresh session key and collects bids
// until the window closes. Zero bids is an empty result, not an error. The
// session key never outlives this call.
func (c *Client) FindExperts(ctx context.Context,
	p FindExpertsParams) ([]*protocol.Bid, error) {

	sessionPriv, sessionPub, err := protocol.GenerateKey()
	if err != nil {
		return nil, err
	}

	methods := p.Methods
	if len(methods) == 0 {
		methods = []protocol.Method{protocol.MethodLightning}
	}
	askEv, err := protocol.BuildAsk(sessionPriv, &protocol.Ask{
		Summary:  p.Summary,
		Hashtags: p.Hashtags,
		Formats:  p.Formats,
		Methods:  methods,
		Stream:   p.Stream,
		Relays:   p.Relays,
	})
	if err != nil {
		return nil, err
	}

	bidWindow := p.BidWindow
	if bidWindow <= 0 {
		bidWindow = c.cfg.BidWindow
	}
	deadline := p.Deadline
	if deadline <= 0 {
		deadline = c.cfg.BidDeadline
	}

	subCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	sub, err := c.cfg.Pool.Subscribe(subCtx, nostr.Filters{{
		Kinds: []int{protocol.KindBid},
		Tags: nostr.TagMap{
			"p": []string{sessionPub},
			"e": []string{askEv.ID},
		},
	}}, p.Relays)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	if acked := c.cfg.Pool.Publish(ctx, askEv, p.Relays); len(acked) == 0 {
		return nil, relaypool.ErrPublishFailed
	}

	var (
		bids   []*protocol.Bid
		seen   = make(map[string]struct{})
		window <-chan time.Time
	)
	for {
		select {
		case ev := <-sub.Events:
			bid, err := protocol.ParseBid(ev, sessionPriv)
			if err != nil {
				// Undecryptable or forged bids are dropped.
				continue
			}
			key := bid.ExpertPubkey + "/" + bid.ID
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			bids = append(bids, bid)

			if p.MaxBids > 0 && len(bids) >= p.MaxBids {
				return bids, nil
			}
			if window == nil {
				window = time.After(bidWindow)
			}
		case <-window:
			return bids, nil
		case <-subCtx.Done():
			if ctx.Err() != nil {
				return bids, ctx.Err()
			}
			return bids, nil
		}
	}
}

// FetchExperts queries relays for the newest profile of each pubkey.
func (c *Client) FetchExperts(ctx context.Context, pubkeys []string,
	relays []string) ([]*protocol.Profile, error) {

	evs, err := c.cfg.Pool.Query(ctx, nostr.Filter{
		Kinds:   []int{protocol.KindExpertProfile},
		Authors: pubkeys,
	}, relays)
	if err != nil {
		return nil, err
	}

	// Results are sorted newest first; keep the first per author.
	newest := make(map[string]struct{})
	var profiles []*protocol.Profile
	for _, ev := range evs {
		if !protocol.ValidateEvent(ev) {
			continue
		}
		if _, dup := newest[ev.PubKey]; dup {
			continue
		}
		profile, err := protocol.ParseProfile(ev)
		if err != nil {
			continue
		}
		newest[ev.PubKey] = struct{}{}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}
