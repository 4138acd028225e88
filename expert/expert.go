package expert

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/nbd-wtf/go-nostr"

	"github.com/askexperts/expertlib/payments"
	"github.com/askexperts/expertlib/protocol"
	"github.com/askexperts/expertlib/relaypool"
)

const (
	// DefaultProfileInterval is how often the profile (including any
	// dynamic pricing string) is recomputed. Republish happens only on
	// change.
	DefaultProfileInterval = time.Minute

	// DefaultProofTimeout bounds how long a quoted prompt may wait for a
	// payment proof.
	DefaultProofTimeout = time.Minute

	// DefaultInvoiceExpiry is the expiry requested for quote invoices.
	DefaultInvoiceExpiry = 10 * time.Minute

	// DefaultPhaseRetention is how long a finished prompt's phase entry
	// is kept around for inspection and duplicate suppression before it
	// is evicted.
	DefaultPhaseRetention = 5 * time.Minute
)

// Phase is the expert-side state of one prompt.
type Phase string

const (
	PhaseReceived         Phase = "received"
	PhaseQuoted           Phase = "quoted"
	PhaseAwaitingProof    Phase = "awaiting_proof"
	PhaseVerifyingPayment Phase = "verifying_payment"
	PhaseAnswering        Phase = "answering"
	PhaseDone             Phase = "done"
	PhaseError            Phase = "error"
	PhaseTimeout          Phase = "timeout"
)

// Config parameterizes an Expert.
type Config struct {
	// PrivKey is the expert's stable identity key.
	PrivKey string

	Pool     relaypool.Pool
	Payments *payments.Coordinator

	// Callbacks is the pluggable answer generator. Nil means RefuseAll.
	Callbacks Callbacks

	// Profile is published at start and republished on change. Its
	// PromptRelays name where the expert listens for prompts.
	Profile protocol.Profile

	// DiscoveryRelays are watched for asks matching the profile's
	// hashtags.
	DiscoveryRelays []string

	// PricingOracle, when set, recomputes the profile's pricing string
	// on the profile interval.
	PricingOracle func(ctx context.Context) (string, error)

	// ProfileTicker overrides the republish ticker, for tests.
	ProfileTicker ticker.Ticker

	ProfileInterval time.Duration
	ProofTimeout    time.Duration
	InvoiceExpiry   time.Duration

	// PhaseRetention overrides DefaultPhaseRetention.
	PhaseRetention time.Duration
}

// Expert is a long-running server-side protocol instance. Per-prompt errors
// are logged and absorbed; the runtime keeps serving new asks and prompts
// until stopped.
type Expert struct {
	started uint32
	stopped uint32

	cfg    Config
	pubkey string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	phases  map[string]Phase
	lastPub *nostr.Event
}

// New validates cfg and builds an Expert.
func New(cfg Config) (*Expert, error) {
	if cfg.PrivKey == "" {
		return nil, errors.New("expert: private key required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("expert: relay pool required")
	}
	if cfg.Payments == nil {
		return nil, errors.New("expert: payment coordinator required")
	}
	if cfg.Callbacks == nil {
		cfg.Callbacks = RefuseAll{}
	}
	if cfg.ProfileInterval <= 0 {
		cfg.ProfileInterval = DefaultProfileInterval
	}
	if cfg.ProofTimeout <= 0 {
		cfg.ProofTimeout = DefaultProofTimeout
	}
	if cfg.InvoiceExpiry <= 0 {
		cfg.InvoiceExpiry = DefaultInvoiceExpiry
	}
	if cfg.PhaseRetention <= 0 {
		cfg.PhaseRetention = DefaultPhaseRetention
	}
	if cfg.ProfileTicker == nil {
		cfg.ProfileTicker = ticker.New(cfg.ProfileInterval)
	}
	pubkey, err := nostr.GetPublicKey(cfg.PrivKey)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Expert{
		cfg:    cfg,
		pubkey: pubkey,
		ctx:    ctx,
		cancel: cancel,
		phases: make(map[string]Phase),
	}, nil
}

// Pubkey returns the expert's stable public key.
func (x *Expert) Pubkey() string {
	return x.pubkey
}

// PromptIDs lists the prompts this expert has seen, in no particular order.
func (x *Expert) PromptIDs() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	ids := make([]string, 0, len(x.phases))
	for id := range x.phases {
		ids = append(ids, id)
	}
	return ids
}

// PromptPhase reports the state of a prompt this expert has seen.
func (x *Expert) PromptPhase(promptID string) (Phase, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	phase, ok := x.phases[promptID]
	return phase, ok
}

func (x *Expert) setPhase(promptID string, phase Phase) {
	x.mu.Lock()
	x.phases[promptID] = phase
	x.mu.Unlock()
	log.Debugf("expert %s: prompt %s -> %s", x.pubkey[:8], promptID, phase)

	switch phase {
	case PhaseDone, PhaseError, PhaseTimeout:
		x.evictPhaseLater(promptID)
	}
}

// evictPhaseLater drops a prompt's phase entry after the retention window
// so the table does not grow for the life of the expert. The entry stays
// long enough to keep suppressing duplicate deliveries.
func (x *Expert) evictPhaseLater(promptID string) {
	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		select {
		case <-time.After(x.cfg.PhaseRetention):
		case <-x.ctx.Done():
			return
		}
		x.mu.Lock()
		delete(x.phases, promptID)
		x.mu.Unlock()
	}()
}

// Start publishes the profile and begins serving asks and prompts. It
// returns after the subscriptions are established.
func (x *Expert) Start() error {
	if !atomic.CompareAndSwapUint32(&x.started, 0, 1) {
		return nil
	}
	log.Infof("Expert %s starting", x.pubkey)

	if err := x.publishProfile(x.ctx); err != nil {
		return err
	}

	since := nostr.Now()
	askSub, err := x.cfg.Pool.Subscribe(x.ctx, nostr.Filters{{
		Kinds: []int{protocol.KindAsk},
		Tags:  nostr.TagMap{"t": x.cfg.Profile.Hashtags},
		Since: &since,
	}}, x.cfg.DiscoveryRelays)
	if err != nil {
		return err
	}
	promptSub, err := x.cfg.Pool.Subscribe(x.ctx, nostr.Filters{{
		Kinds: []int{protocol.KindPrompt},
		Tags:  nostr.TagMap{"p": []string{x.pubkey}},
		Since: &since,
	}}, x.cfg.Profile.PromptRelays)
	if err != nil {
		askSub.Close()
		return err
	}

	x.wg.Add(3)
	go x.askLoop(askSub)
	go x.promptLoop(promptSub)
	go x.profileLoop()

	return nil
}

// Stop winds the expert down. Idempotent.
func (x *Expert) Stop() error {
	if !atomic.CompareAndSwapUint32(&x.stopped, 0, 1) {
		return nil
	}
	x.cancel()
	x.cfg.ProfileTicker.Stop()
	x.wg.Wait()
	log.Infof("Expert %s stopped", x.pubkey)
	return nil
}

// buildProfile assembles the current profile, consulting the pricing oracle
// when configured.
func (x *Expert) buildProfile(ctx context.Context) protocol.Profile {
	profile := x.cfg.Profile
	if x.cfg.PricingOracle != nil {
		pricing, err := x.cfg.PricingOracle(ctx)
		if err != nil {
			log.Warnf("pricing oracle: %v", err)
		} else {
			profile.Pricing = pricing
		}
	}
	return profile
}

func (x *Expert) publishProfile(ctx context.Context) error {
	profile := x.buildProfile(ctx)
	ev, err := protocol.BuildProfile(x.cfg.PrivKey, &profile)
	if err != nil {
		return err
	}

	x.mu.Lock()
	last := x.lastPub
	x.mu.Unlock()
	if last != nil && last.Content == ev.Content &&
		sameTags(last.Tags, ev.Tags) {
		return nil
	}

	relays := append([]string{}, x.cfg.DiscoveryRelays...)
	relays = append(relays, x.cfg.Profile.PromptRelays...)
	if acked := x.cfg.Pool.Publish(ctx, ev, relays); len(acked) == 0 {
		return relaypool.ErrPublishFailed
	}

	x.mu.Lock()
	x.lastPub = ev
	x.mu.Unlock()
	return nil
}

func sameTags(a, b nostr.Tags) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				return false
			}
		}
	}
	return true
}

func (x *Expert) profileLoop() {
	defer x.wg.Done()
	x.cfg.ProfileTicker.Resume()

	for {
		select {
		case <-x.cfg.ProfileTicker.Ticks():
			if err := x.publishProfile(x.ctx); err != nil {
				log.Warnf("profile republish: %v", err)
			}
		case <-x.ctx.Done():
			return
		}
	}
}

func (x *Expert) askLoop(sub *relaypool.Subscription) {
	defer x.wg.Done()
	defer sub.Close()

	for {
		select {
		case ev := <-sub.Events:
			x.handleAsk(ev)
		case <-x.ctx.Done():
			return
		}
	}
}

func (x *Expert) handleAsk(ev *nostr.Event) {
	if !protocol.ValidateEvent(ev) {
		return
	}
	ask, err := protocol.ParseAsk(ev)
	if err != nil {
		return
	}
	metricAsksSeen.Inc()

	offer, err := x.cfg.Callbacks.OnAsk(x.ctx, ask)
	if err != nil {
		if !errors.Is(err, ErrRefused) {
			log.Warnf("onAsk for %s: %v", ask.ID, err)
		}
		return
	}
	if offer == nil {
		return
	}

	bidEv, err := protocol.BuildBid(x.cfg.PrivKey, ask.SessionPub, ask.ID,
		&protocol.BidPayload{
			Offer:        offer.Offer,
			PromptRelays: x.cfg.Profile.PromptRelays,
			Formats:      x.cfg.Profile.Formats,
			Methods:      x.cfg.Profile.Methods,
			Stream:       x.cfg.Profile.Stream,
		})
	if err != nil {
		log.Errorf("build bid for %s: %v", ask.ID, err)
		return
	}

	// Bids go back on the ask's stated discovery relays.
	relays := ask.Relays
	if len(relays) == 0 {
		relays = x.cfg.DiscoveryRelays
	}
	if acked := x.cfg.Pool.Publish(x.ctx, bidEv, relays); len(acked) > 0 {
		metricBidsSent.Inc()
	}
}

func (x *Expert) promptLoop(sub *relaypool.Subscription) {
	defer x.wg.Done()
	defer sub.Close()

	for {
		select {
		case ev := <-sub.Events:
			x.mu.Lock()
			_, dup := x.phases[ev.ID]
			if !dup {
				x.phases[ev.ID] = PhaseReceived
			}
			x.mu.Unlock()
			if dup {
				continue
			}
			x.wg.Add(1)
			go func() {
				defer x.wg.Done()
				x.servePrompt(ev)
			}()
		case <-x.ctx.Done():
			return
		}
	}
}

// servePrompt runs the full server-side state machine for a single prompt.
func (x *Expert) servePrompt(ev *nostr.Event) {
	if !protocol.ValidateEvent(ev) {
		x.evictPhaseLater(ev.ID)
		return
	}
	prompt, err := protocol.ParsePrompt(ev, x.cfg.PrivKey)
	if err != nil {
		// Undecryptable or malformed prompts are dropped silently.
		x.evictPhaseLater(ev.ID)
		return
	}

	price, err := x.cfg.Callbacks.OnPromptPrice(x.ctx, prompt)
	if err != nil || price == nil {
		if err != nil && !errors.Is(err, ErrRefused) {
			log.Warnf("onPromptPrice for %s: %v", prompt.ID, err)
		}
		x.setPhase(prompt.ID, PhaseError)
		return
	}

	invoice, err := x.cfg.Payments.MakeInvoice(
		x.ctx, price.AmountSats, price.Description, x.cfg.InvoiceExpiry,
	)
	if err != nil {
		log.Errorf("make invoice for %s: %v", prompt.ID, err)
		x.setPhase(prompt.ID, PhaseError)
		return
	}

	// Open the proof subscription before the quote goes out so the proof
	// cannot race past us.
	proofCtx, cancelProof := context.WithTimeout(x.ctx, x.cfg.ProofTimeout)
	defer cancelProof()
	proofFilter := nostr.Filter{
		Kinds:   []int{protocol.KindProof},
		Authors: []string{prompt.PromptPub},
		Tags: nostr.TagMap{
			"e": []string{prompt.ID},
			"p": []string{x.pubkey},
		},
	}
	proofSub, err := x.cfg.Pool.Subscribe(
		proofCtx, nostr.Filters{proofFilter}, x.cfg.Profile.PromptRelays,
	)
	if err != nil {
		x.setPhase(prompt.ID, PhaseError)
		return
	}
	defer proofSub.Close()

	quoteEv, err := protocol.BuildQuote(x.cfg.PrivKey, prompt.PromptPub,
		prompt.ID, &protocol.QuotePayload{
			Invoices: []protocol.Invoice{*invoice},
		})
	if err != nil {
		x.setPhase(prompt.ID, PhaseError)
		return
	}
	if acked := x.cfg.Pool.Publish(x.ctx, quoteEv, x.cfg.Profile.PromptRelays); len(acked) == 0 {
		log.Warnf("quote for %s reached no relays", prompt.ID)
		x.setPhase(prompt.ID, PhaseError)
		return
	}
	x.setPhase(prompt.ID, PhaseQuoted)
	x.setPhase(prompt.ID, PhaseAwaitingProof)

	var proof *protocol.Proof
	for proof == nil {
		select {
		case proofEv := <-proofSub.Events:
			p, err := protocol.ParseProof(proofEv, x.cfg.PrivKey)
			if err != nil || p.PromptID != prompt.ID {
				continue
			}
			proof = p
		case <-proofCtx.Done():
			x.setPhase(prompt.ID, PhaseTimeout)
			return
		}
	}

	x.setPhase(prompt.ID, PhaseVerifyingPayment)
	if proof.Payload.Method != protocol.MethodLightning {
		log.Warnf("prompt %s: unsupported proof method %q",
			prompt.ID, proof.Payload.Method)
		x.setPhase(prompt.ID, PhaseError)
		return
	}
	err = x.cfg.Payments.VerifyPayment(
		x.ctx, invoice.PaymentHash, proof.Payload.Preimage,
	)
	if err != nil {
		if errors.Is(err, payments.ErrPreimageMismatch) {
			log.Warnf("prompt %s: invalid proof", prompt.ID)
			metricInvalidProofs.Inc()
		} else {
			log.Warnf("prompt %s: payment verification: %v",
				prompt.ID, err)
		}
		x.setPhase(prompt.ID, PhaseError)
		return
	}

	// Payment confirmed: only now may the answer generator run.
	x.setPhase(prompt.ID, PhaseAnswering)
	stream, err := x.cfg.Callbacks.OnPromptPaid(x.ctx, prompt)
	if err != nil {
		x.sendReply(prompt, &protocol.ReplyPayload{
			Index: 0, Error: "answer generation failed",
		})
		x.setPhase(prompt.ID, PhaseError)
		return
	}
	x.streamReplies(prompt, stream)
}

// streamReplies serializes an answer stream into reply events with
// contiguous indices and exactly one terminal chunk.
func (x *Expert) streamReplies(prompt *protocol.Prompt, stream AnswerStream) {
	index := 0
	terminal := false
	for !terminal {
		chunk, err := stream.Next(x.ctx)
		switch {
		case errors.Is(err, io.EOF):
			if index == 0 {
				x.sendReply(prompt, &protocol.ReplyPayload{
					Index: 0, Done: true,
				})
			} else if !terminal {
				// The stream ended without a terminal chunk;
				// close the sequence explicitly.
				x.sendReply(prompt, &protocol.ReplyPayload{
					Index: index, Done: true,
				})
			}
			x.setPhase(prompt.ID, PhaseDone)
			return
		case err != nil:
			x.sendReply(prompt, &protocol.ReplyPayload{
				Index: index, Error: "answer stream failed",
			})
			x.setPhase(prompt.ID, PhaseError)
			return
		}

		if !x.sendReply(prompt, &protocol.ReplyPayload{
			Index:   index,
			Done:    chunk.Done,
			Format:  prompt.Payload.Format,
			Content: chunk.Content,
		}) {
			x.setPhase(prompt.ID, PhaseError)
			return
		}
		terminal = chunk.Done
		index++
	}
	x.setPhase(prompt.ID, PhaseDone)
}

func (x *Expert) sendReply(prompt *protocol.Prompt,
	payload *protocol.ReplyPayload) bool {

	ev, err := protocol.BuildReply(
		x.cfg.PrivKey, prompt.PromptPub, prompt.ID, payload,
	)
	if err != nil {
		log.Errorf("build reply %d for %s: %v",
			payload.Index, prompt.ID, err)
		return false
	}
	acked := x.cfg.Pool.Publish(x.ctx, ev, x.cfg.Profile.PromptRelays)
	if len(acked) == 0 {
		log.Warnf("reply %d for %s reached no relays",
			payload.Index, prompt.ID)
		return false
	}
	metricRepliesSent.Inc()
	return true
}
