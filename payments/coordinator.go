package payments

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"
	"golang.org/x/sync/semaphore"

	"github.com/askexperts/expertlib/protocol"
)

const (
	// DefaultMaxInFlight caps concurrent outgoing payments per
	// coordinator instance. The cap is global, not per-expert.
	DefaultMaxInFlight = 5

	// DefaultSettleRetries bounds how often an unsettled-invoice lookup
	// is retried before the proof is rejected.
	DefaultSettleRetries = 3

	// DefaultSettleBackoff is the delay between settle lookups.
	DefaultSettleBackoff = time.Second
)

// Config parameterizes a Coordinator. Wallet is required; everything else
// has defaults.
type Config struct {
	Wallet Wallet

	// Net selects invoice encoding parameters. Defaults to mainnet.
	Net *chaincfg.Params

	// MaxInFlight caps concurrent PayInvoice calls. Excess callers wait
	// in FIFO order.
	MaxInFlight int64

	SettleRetries int
	SettleBackoff time.Duration
}

// Coordinator ties invoice issuance, payment dispatch, and settlement
// verification together. A single instance is shared by every expert backed
// by the same wallet; the in-flight semaphore is its mutex.
type Coordinator struct {
	cfg Config
	sem *semaphore.Weighted
}

// NewCoordinator validates cfg and applies defaults.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.SettleRetries <= 0 {
		cfg.SettleRetries = DefaultSettleRetries
	}
	if cfg.SettleBackoff <= 0 {
		cfg.SettleBackoff = DefaultSettleBackoff
	}
	if cfg.Net == nil {
		cfg.Net = &chaincfg.MainNetParams
	}
	return &Coordinator{
		cfg: cfg,
		sem: semaphore.NewWeighted(cfg.MaxInFlight),
	}
}

// MakeInvoice creates a lightning invoice for amountSats and returns it as a
// protocol invoice entry ready to embed in a quote.
func (c *Coordinator) MakeInvoice(ctx context.Context, amountSats uint64,
	description string, expiry time.Duration) (*protocol.Invoice, error) {

	if expiry <= 0 {
		expiry = DefaultInvoiceExpiry
	}
	invoice, hash, err := c.cfg.Wallet.MakeInvoice(
		ctx, int64(amountSats)*1000, description, expiry,
	)
	if err != nil {
		return nil, err
	}
	return &protocol.Invoice{
		Method:      protocol.MethodLightning,
		Unit:        "sat",
		Amount:      amountSats,
		Invoice:     invoice,
		PaymentHash: hash.String(),
	}, nil
}

// PayInvoice pays the invoice through the wallet, subject to the global
// in-flight cap. Waiters are admitted in FIFO order. Cancelling the context
// while queued aborts the wait; once the payment is dispatched it runs to
// completion.
func (c *Coordinator) PayInvoice(ctx context.Context,
	invoice string) (lntypes.Preimage, error) {

	metricPayQueued.Inc()
	if err := c.sem.Acquire(ctx, 1); err != nil {
		metricPayQueued.Dec()
		return lntypes.Preimage{}, err
	}
	metricPayQueued.Dec()
	metricPayInFlight.Inc()
	defer func() {
		metricPayInFlight.Dec()
		c.sem.Release(1)
	}()

	// The payment itself is not cancellable: it is handed to the wallet
	// with a detached context so an abandoned session still records the
	// outcome.
	preimage, err := c.cfg.Wallet.PayInvoice(context.WithoutCancel(ctx), invoice)
	if err != nil {
		log.Errorf("payment failed: %v", err)
		return lntypes.Preimage{}, err
	}
	log.Debugf("paid invoice, preimage %v", preimage)
	return preimage, nil
}

// VerifyPayment checks a payment proof. hash(preimage) must equal the
// payment hash (checked locally, before any wallet traffic) and the wallet
// must report the invoice settled. Unsettled and transient lookup failures
// are retried within the configured budget; everything else is fatal.
func (c *Coordinator) VerifyPayment(ctx context.Context, paymentHash string,
	preimageHex string) error {

	hash, err := lntypes.MakeHashFromStr(paymentHash)
	if err != nil {
		return &ParseError{Err: err}
	}
	preimage, err := lntypes.MakePreimageFromStr(preimageHex)
	if err != nil {
		return ErrPreimageMismatch
	}
	if !preimage.Matches(hash) {
		return ErrPreimageMismatch
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.SettleRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.SettleBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		rec, err := c.cfg.Wallet.LookupInvoice(ctx, hash)
		switch {
		case err == nil && rec.Settled():
			return nil
		case err == nil:
			lastErr = ErrInvoiceUnsettled
		case IsTransient(err):
			lastErr = err
		default:
			return err
		}
	}
	return lastErr
}

// VerifyPaymentForInvoice is VerifyPayment for callers that hold the invoice
// string rather than the payment hash.
func (c *Coordinator) VerifyPaymentForInvoice(ctx context.Context,
	invoice, preimageHex string) error {

	decoded, err := DecodeInvoice(invoice, c.cfg.Net)
	if err != nil {
		return err
	}
	return c.VerifyPayment(ctx, decoded.PaymentHash.String(), preimageHex)
}

// Net exposes the invoice network parameters for callers that decode quotes.
func (c *Coordinator) Net() *chaincfg.Params {
	return c.cfg.Net
}
