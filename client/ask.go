package client

import (
	"context"
	"errors"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/askexperts/expertlib/protocol"
	"github.com/askexperts/expertlib/relaypool"
)

// AskExpertParams describe one paid question to one expert.
type AskExpertParams struct {
	// Bid supplies the expert pubkey and prompt relays from discovery.
	// Alternatively set ExpertPubkey and PromptRelays directly (e.g. from
	// a fetched profile).
	Bid          *protocol.Bid
	ExpertPubkey string
	PromptRelays []string

	// Payload is the question in its chosen format.
	Payload protocol.PromptPayload

	// OnQuote decides whether to pay a quote. Nil accepts every quote.
	OnQuote func(ctx context.Context, quote *protocol.Quote) (bool, error)

	// OnPay settles the chosen invoice and returns the preimage hex. Nil
	// uses the client's payment coordinator.
	OnPay func(ctx context.Context,
		invoice *protocol.Invoice) (string, error)

	// Timeout overrides. Zero values fall back to the client defaults.
	QuoteTimeout      time.Duration
	FirstReplyTimeout time.Duration
	ReplyGap          time.Duration
}

func (p *AskExpertParams) expert() (pubkey string, relays []string) {
	if p.Bid != nil {
		return p.Bid.ExpertPubkey, p.Bid.Payload.PromptRelays
	}
	return p.ExpertPubkey, p.PromptRelays
}

// AskExpert runs phases 3-5 against a single expert: prompt, quote, payment
// proof, and the reply stream. The returned Replies must be closed by the
// caller. The prompt key never outlives the reply stream.
func (c *Client) AskExpert(ctx context.Context,
	p AskExpertParams) (*Replies, error) {

	expertPub, promptRelays := p.expert()
	if expertPub == "" || len(promptRelays) == 0 {
		return nil, errors.New("client: expert pubkey and prompt " +
			"relays required")
	}

	promptPriv, promptPub, err := protocol.GenerateKey()
	if err != nil {
		return nil, err
	}
	promptEv, err := protocol.BuildPrompt(promptPriv, expertPub, &p.Payload)
	if err != nil {
		return nil, err
	}

	// One subscription covers the quote and all replies: everything the
	// expert sends us referencing the prompt.
	streamCtx, cancel := context.WithCancel(ctx)
	sub, err := c.cfg.Pool.Subscribe(streamCtx, nostr.Filters{{
		Kinds:   []int{protocol.KindQuote, protocol.KindReply},
		Authors: []string{expertPub},
		Tags: nostr.TagMap{
			"e": []string{promptEv.ID},
			"p": []string{promptPub},
		},
	}}, promptRelays)
	if err != nil {
		cancel()
		return nil, err
	}
	cleanup := func() {
		sub.Close()
		cancel()
	}

	if acked := c.cfg.Pool.Publish(ctx, promptEv, promptRelays); len(acked) == 0 {
		cleanup()
		return nil, relaypool.ErrPublishFailed
	}

	quote, replyBacklog, err := c.awaitQuote(
		ctx, sub, promptPriv, promptEv.ID, p.QuoteTimeout,
	)
	if err != nil {
		cleanup()
		return nil, err
	}

	accept := true
	if p.OnQuote != nil {
		accept, err = p.OnQuote(ctx, quote)
		if err != nil {
			cleanup()
			return nil, err
		}
	}
	if !accept {
		// No proof is sent; the expert's awaiting-proof phase times
		// out on its side.
		cleanup()
		return nil, ErrQuoteRejected
	}

	invoice := pickInvoice(quote)
	if invoice == nil {
		cleanup()
		return nil, ErrNoInvoice
	}

	preimage, err := c.pay(ctx, p, invoice)
	if err != nil {
		cleanup()
		return nil, &PaymentError{Err: err}
	}

	proofEv, err := protocol.BuildProof(promptPriv, expertPub, promptEv.ID,
		&protocol.ProofPayload{
			Method:   protocol.MethodLightning,
			Preimage: preimage,
		})
	if err != nil {
		cleanup()
		return nil, err
	}
	if acked := c.cfg.Pool.Publish(ctx, proofEv, promptRelays); len(acked) == 0 {
		cleanup()
		return nil, relaypool.ErrPublishFailed
	}

	firstTimeout := p.FirstReplyTimeout
	if firstTimeout <= 0 {
		firstTimeout = c.cfg.FirstReplyTimeout
	}
	replyGap := p.ReplyGap
	if replyGap <= 0 {
		replyGap = c.cfg.ReplyGap
	}

	replies := &Replies{
		AmountPaid: invoice.Amount,
		promptID:   promptEv.ID,
		promptPriv: promptPriv,
		sub:        sub,
		cancel:     cancel,
		backlog:    replyBacklog,
		pending:    make(map[int]*protocol.ReplyPayload),
		nextGap:    replyGap,
		firstWait:  firstTimeout,
	}
	return replies, nil
}

// awaitQuote waits for the first quote for the prompt. Only the first quote
// per (expert, prompt) is honored; later ones are dropped with a metric.
// Reply events arriving before the quote was processed are returned as
// backlog so the stream does not lose them.
func (c *Client) awaitQuote(ctx context.Context, sub *relaypool.Subscription,
	promptPriv, promptID string,
	timeout time.Duration) (*protocol.Quote, []*protocol.ReplyPayload, error) {

	if timeout <= 0 {
		timeout = c.cfg.QuoteTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var backlog []*protocol.ReplyPayload
	for {
		select {
		case ev := <-sub.Events:
			switch ev.Kind {
			case protocol.KindQuote:
				quote, err := protocol.ParseQuote(ev, promptPriv)
				if err != nil || quote.PromptID != promptID {
					continue
				}
				return quote, backlog, nil
			case protocol.KindReply:
				reply, err := protocol.ParseReply(ev, promptPriv)
				if err != nil || reply.PromptID != promptID {
					continue
				}
				backlog = append(backlog, &reply.Payload)
			}
		case <-timer.C:
			return nil, nil, ErrQuoteTimeout
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

func pickInvoice(quote *protocol.Quote) *protocol.Invoice {
	for i := range quote.Payload.Invoices {
		inv := &quote.Payload.Invoices[i]
		if inv.Method == protocol.MethodLightning && inv.Invoice != "" {
			return inv
		}
	}
	return nil
}

func (c *Client) pay(ctx context.Context, p AskExpertParams,
	invoice *protocol.Invoice) (string, error) {

	if p.OnPay != nil {
		return p.OnPay(ctx, invoice)
	}
	if c.cfg.Payments == nil {
		return "", errors.New("client: no payment coordinator and no " +
			"OnPay callback")
	}
	preimage, err := c.cfg.Payments.PayInvoice(ctx, invoice.Invoice)
	if err != nil {
		return "", err
	}
	return preimage.String(), nil
}
