package payments

import (
	"context"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
)

// DefaultInvoiceExpiry is applied when the caller does not specify one.
const DefaultInvoiceExpiry = 10 * time.Minute

// InvoiceRecord is a wallet's view of one of its own invoices.
type InvoiceRecord struct {
	Invoice     string
	PaymentHash lntypes.Hash
	AmountMsat  int64

	// SettledAt is zero until the invoice settles.
	SettledAt time.Time
}

// Settled reports whether the wallet has observed settlement.
func (r *InvoiceRecord) Settled() bool {
	return !r.SettledAt.IsZero()
}

// Wallet is the external Lightning bridge the coordinator depends on. The
// expected production implementation speaks Nostr Wallet Connect (see
// NWCWallet); tests use MockWallet.
type Wallet interface {
	// MakeInvoice creates an invoice for amountMsat with the given
	// description.
	MakeInvoice(ctx context.Context, amountMsat int64, description string,
		expiry time.Duration) (invoice string, hash lntypes.Hash, err error)

	// PayInvoice pays the invoice and returns the preimage. Transient
	// failures are reported as *NetworkError.
	PayInvoice(ctx context.Context, invoice string) (lntypes.Preimage, error)

	// LookupInvoice returns the wallet's record of an invoice it issued,
	// or ErrInvoiceNotFound.
	LookupInvoice(ctx context.Context,
		hash lntypes.Hash) (*InvoiceRecord, error)
}
