package payments

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T, wallet *MockWallet,
	maxInFlight int64) *Coordinator {

	t.Helper()
	return NewCoordinator(Config{
		Wallet:        wallet,
		Net:           wallet.Net(),
		MaxInFlight:   maxInFlight,
		SettleRetries: 3,
		SettleBackoff: 10 * time.Millisecond,
	})
}

func TestMakeInvoiceDecodes(t *testing.T) {
	wallet, err := NewMockWallet(nil)
	require.NoError(t, err)
	coord := newTestCoordinator(t, wallet, 1)

	inv, err := coord.MakeInvoice(
		context.Background(), 50, "expert answer", time.Minute,
	)
	require.NoError(t, err)
	require.EqualValues(t, 50, inv.Amount)

	decoded, err := DecodeInvoice(inv.Invoice, wallet.Net())
	require.NoError(t, err)
	require.Equal(t, inv.PaymentHash, decoded.PaymentHash.String())
	require.EqualValues(t, 50_000, decoded.AmountMsat)
	require.Equal(t, "expert answer", decoded.Description)
}

func TestDecodeInvoiceRejectsGarbage(t *testing.T) {
	_, err := DecodeInvoice("notaninvoice", &chaincfg.RegressionNetParams)
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestVerifyPayment(t *testing.T) {
	wallet, err := NewMockWallet(nil)
	require.NoError(t, err)
	coord := newTestCoordinator(t, wallet, 1)
	ctx := context.Background()

	inv, err := coord.MakeInvoice(ctx, 21, "q", time.Minute)
	require.NoError(t, err)
	hash, err := lntypes.MakeHashFromStr(inv.PaymentHash)
	require.NoError(t, err)
	preimage, err := wallet.Preimage(hash)
	require.NoError(t, err)

	// Preimage mismatch fails before any wallet lookup.
	var wrong lntypes.Preimage
	wrong[0] = 0xff
	err = coord.VerifyPayment(ctx, inv.PaymentHash, wrong.String())
	require.ErrorIs(t, err, ErrPreimageMismatch)

	// Correct preimage but unsettled invoice fails after the grace
	// window.
	wallet.AutoSettle = false
	err = coord.VerifyPayment(ctx, inv.PaymentHash, preimage.String())
	require.ErrorIs(t, err, ErrInvoiceUnsettled)

	// Settles during the retry window: verification succeeds.
	go func() {
		time.Sleep(15 * time.Millisecond)
		_ = wallet.Settle(hash)
	}()
	err = coord.VerifyPayment(ctx, inv.PaymentHash, preimage.String())
	require.NoError(t, err)

	// Unknown hash is fatal immediately.
	var unknownPre lntypes.Preimage
	unknownPre[3] = 0x7a
	unknownHash := unknownPre.Hash()
	err = coord.VerifyPayment(ctx, unknownHash.String(), unknownPre.String())
	require.ErrorIs(t, err, ErrInvoiceNotFound)
}

// TestPayInvoiceConcurrencyCap issues 5 concurrent payments against a cap of
// 2 and asserts the cap is never exceeded and queued payments dispatch in
// FIFO arrival order.
func TestPayInvoiceConcurrencyCap(t *testing.T) {
	wallet, err := NewMockWallet(nil)
	require.NoError(t, err)
	wallet.PayStarted = make(chan string, 5)
	wallet.PayRelease = make(chan struct{})

	coord := newTestCoordinator(t, wallet, 2)
	ctx := context.Background()

	const total = 5
	invoices := make([]string, total)
	for i := range invoices {
		inv, err := coord.MakeInvoice(ctx, 10, "concurrent", time.Minute)
		require.NoError(t, err)
		invoices[i] = inv.Invoice
	}

	var (
		wg   sync.WaitGroup
		errs = make([]error, total)
	)
	for i := 0; i < total; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = coord.PayInvoice(ctx, invoices[i])
		}()
		// Stagger arrivals so the FIFO order of the waiters is
		// deterministic.
		time.Sleep(20 * time.Millisecond)
	}

	started := func() string {
		select {
		case inv := <-wallet.PayStarted:
			return inv
		case <-time.After(5 * time.Second):
			t.Fatal("payment did not start")
			return ""
		}
	}
	noStart := func() {
		select {
		case inv := <-wallet.PayStarted:
			t.Fatalf("payment started above cap: %s", inv)
		case <-time.After(100 * time.Millisecond):
		}
	}

	// Exactly two in flight initially.
	first, second := started(), started()
	require.ElementsMatch(t, []string{invoices[0], invoices[1]},
		[]string{first, second})
	noStart()

	// Releasing one slot admits exactly the next waiter, in order.
	for i := 2; i < total; i++ {
		wallet.PayRelease <- struct{}{}
		require.Equal(t, invoices[i], started())
		noStart()
	}

	// Drain the remaining in-flight payments.
	for i := 0; i < 2; i++ {
		wallet.PayRelease <- struct{}{}
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "payment %d", i)
	}
}

func TestPayInvoiceQueuedCancel(t *testing.T) {
	wallet, err := NewMockWallet(nil)
	require.NoError(t, err)
	wallet.PayRelease = make(chan struct{})

	coord := newTestCoordinator(t, wallet, 1)

	inv1, err := coord.MakeInvoice(context.Background(), 10, "a", time.Minute)
	require.NoError(t, err)
	inv2, err := coord.MakeInvoice(context.Background(), 10, "b", time.Minute)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := coord.PayInvoice(context.Background(), inv1.Invoice)
		done <- err
	}()

	// Second payment waits in the queue; cancelling its context aborts
	// the wait without touching the wallet.
	ctx, cancel := context.WithCancel(context.Background())
	queued := make(chan error, 1)
	go func() {
		_, err := coord.PayInvoice(ctx, inv2.Invoice)
		queued <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-queued, context.Canceled)

	wallet.PayRelease <- struct{}{}
	require.NoError(t, <-done)
}
