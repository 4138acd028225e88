package payments

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

// MockWallet is an in-memory Wallet issuing real BOLT11 invoices signed with
// a throwaway node key. A single instance can back both sides of a test
// session: the payer marks the payee's invoice settled, exactly like two
// accounts at one custodian.
type MockWallet struct {
	// PayStarted, when non-nil, receives the invoice string as soon as a
	// PayInvoice call begins executing. Used to observe concurrency.
	PayStarted chan string

	// PayRelease, when non-nil, gates every PayInvoice; each call
	// consumes one token before completing.
	PayRelease chan struct{}

	// PayErr, when set, fails every PayInvoice with this error.
	PayErr error

	// AutoSettle controls whether PayInvoice marks the invoice settled.
	// Defaults to true in NewMockWallet.
	AutoSettle bool

	mu       sync.Mutex
	net      *chaincfg.Params
	nodeKey  *btcec.PrivateKey
	invoices map[lntypes.Hash]*mockInvoice
}

type mockInvoice struct {
	rec      InvoiceRecord
	preimage lntypes.Preimage
}

// NewMockWallet creates a wallet on the given network (regtest when nil).
func NewMockWallet(net *chaincfg.Params) (*MockWallet, error) {
	if net == nil {
		net = &chaincfg.RegressionNetParams
	}
	nodeKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &MockWallet{
		AutoSettle: true,
		net:        net,
		nodeKey:    nodeKey,
		invoices:   make(map[lntypes.Hash]*mockInvoice),
	}, nil
}

// Net returns the network the wallet encodes invoices for.
func (m *MockWallet) Net() *chaincfg.Params {
	return m.net
}

// MakeInvoice implements Wallet.
func (m *MockWallet) MakeInvoice(_ context.Context, amountMsat int64,
	description string, expiry time.Duration) (string, lntypes.Hash, error) {

	var preimageBytes [lntypes.PreimageSize]byte
	if _, err := rand.Read(preimageBytes[:]); err != nil {
		return "", lntypes.Hash{}, err
	}
	preimage := lntypes.Preimage(preimageBytes)
	hash := preimage.Hash()

	inv, err := zpay32.NewInvoice(
		m.net, [32]byte(hash), time.Now(),
		zpay32.Description(description),
		zpay32.Amount(lnwire.MilliSatoshi(amountMsat)),
		zpay32.Expiry(expiry),
	)
	if err != nil {
		return "", lntypes.Hash{}, err
	}
	encoded, err := inv.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return ecdsa.SignCompact(
				m.nodeKey, chainhash.HashB(msg), true,
			)
		},
	})
	if err != nil {
		return "", lntypes.Hash{}, err
	}

	m.mu.Lock()
	m.invoices[hash] = &mockInvoice{
		rec: InvoiceRecord{
			Invoice:     encoded,
			PaymentHash: hash,
			AmountMsat:  amountMsat,
		},
		preimage: preimage,
	}
	m.mu.Unlock()

	return encoded, hash, nil
}

// PayInvoice implements Wallet.
func (m *MockWallet) PayInvoice(ctx context.Context,
	invoice string) (lntypes.Preimage, error) {

	if m.PayStarted != nil {
		m.PayStarted <- invoice
	}
	if m.PayRelease != nil {
		select {
		case <-m.PayRelease:
		case <-ctx.Done():
			return lntypes.Preimage{}, &NetworkError{Err: ctx.Err()}
		}
	}
	if m.PayErr != nil {
		return lntypes.Preimage{}, m.PayErr
	}

	decoded, err := DecodeInvoice(invoice, m.net)
	if err != nil {
		return lntypes.Preimage{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.invoices[decoded.PaymentHash]
	if !ok {
		return lntypes.Preimage{}, &NetworkError{
			Err: fmt.Errorf("no route for %v", decoded.PaymentHash),
		}
	}
	if m.AutoSettle && !entry.rec.Settled() {
		entry.rec.SettledAt = time.Now()
	}
	return entry.preimage, nil
}

// LookupInvoice implements Wallet.
func (m *MockWallet) LookupInvoice(_ context.Context,
	hash lntypes.Hash) (*InvoiceRecord, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.invoices[hash]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	rec := entry.rec
	return &rec, nil
}

// Settle marks an invoice settled out of band.
func (m *MockWallet) Settle(hash lntypes.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.invoices[hash]
	if !ok {
		return ErrInvoiceNotFound
	}
	if !entry.rec.Settled() {
		entry.rec.SettledAt = time.Now()
	}
	return nil
}

// Preimage exposes the preimage for a hash, for tests that publish proofs
// without paying.
func (m *MockWallet) Preimage(hash lntypes.Hash) (lntypes.Preimage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.invoices[hash]
	if !ok {
		return lntypes.Preimage{}, ErrInvoiceNotFound
	}
	return entry.preimage, nil
}
