package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"

	"github.com/askexperts/expertlib/relaypool"
)

// Nostr Wallet Connect event kinds.
const (
	kindNWCRequest  = 23194
	kindNWCResponse = 23195
)

// defaultNWCTimeout bounds a single wallet round trip.
const defaultNWCTimeout = 30 * time.Second

// WalletConnectParams are the parsed parts of a nostr+walletconnect:// URL.
type WalletConnectParams struct {
	WalletPubkey string
	Secret       string
	Relays       []string
}

// ParseWalletConnectURL parses a wallet connect pairing URL of the form
// nostr+walletconnect://<wallet-pubkey>?relay=<url>&secret=<hex>.
func ParseWalletConnectURL(raw string) (*WalletConnectParams, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("payments: wallet connect url: %w", err)
	}
	if u.Scheme != "nostr+walletconnect" {
		return nil, fmt.Errorf("payments: unexpected scheme %q", u.Scheme)
	}
	pubkey := u.Host
	if pubkey == "" {
		// Some producers emit the pubkey as an opaque path.
		pubkey = strings.TrimPrefix(u.Opaque, "//")
	}
	q := u.Query()
	p := &WalletConnectParams{
		WalletPubkey: pubkey,
		Secret:       q.Get("secret"),
		Relays:       q["relay"],
	}
	if p.WalletPubkey == "" || p.Secret == "" || len(p.Relays) == 0 {
		return nil, errors.New("payments: wallet connect url missing " +
			"pubkey, secret or relay")
	}
	return p, nil
}

// NWCWallet implements Wallet over the Nostr Wallet Connect protocol: each
// call is an encrypted request event published to the wallet service's
// relays, answered by an encrypted response event.
type NWCWallet struct {
	params    *WalletConnectParams
	clientPub string
	pool      relaypool.Pool
	timeout   time.Duration
}

// NewNWCWallet builds a wallet from a pairing URL, reusing the given relay
// pool for its traffic.
func NewNWCWallet(connectURL string, pool relaypool.Pool) (*NWCWallet, error) {
	params, err := ParseWalletConnectURL(connectURL)
	if err != nil {
		return nil, err
	}
	clientPub, err := nostr.GetPublicKey(params.Secret)
	if err != nil {
		return nil, fmt.Errorf("payments: wallet connect secret: %w", err)
	}
	return &NWCWallet{
		params:    params,
		clientPub: clientPub,
		pool:      pool,
		timeout:   defaultNWCTimeout,
	}, nil
}

type nwcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type nwcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type nwcResponse struct {
	ResultType string          `json:"result_type"`
	Error      *nwcError       `json:"error"`
	Result     json.RawMessage `json:"result"`
}

// roundTrip publishes one request and waits for its response.
func (w *NWCWallet) roundTrip(ctx context.Context, method string,
	params interface{}, result interface{}) error {

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	rawParams, err := json.Marshal(params)
	if err != nil {
		return err
	}
	body, err := json.Marshal(nwcRequest{Method: method, Params: rawParams})
	if err != nil {
		return err
	}

	shared, err := nip04.ComputeSharedSecret(w.params.WalletPubkey,
		w.params.Secret)
	if err != nil {
		return fmt.Errorf("payments: nwc shared secret: %w", err)
	}
	ct, err := nip04.Encrypt(string(body), shared)
	if err != nil {
		return fmt.Errorf("payments: nwc encrypt: %w", err)
	}

	req := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      kindNWCRequest,
		Tags: nostr.Tags{
			nostr.Tag{"p", w.params.WalletPubkey},
		},
		Content: ct,
	}
	if err := req.Sign(w.params.Secret); err != nil {
		return err
	}

	// Open the response subscription before publishing so the answer
	// cannot slip past us.
	filter := nostr.Filter{
		Kinds:   []int{kindNWCResponse},
		Authors: []string{w.params.WalletPubkey},
		Tags: nostr.TagMap{
			"e": []string{req.ID},
			"p": []string{w.clientPub},
		},
	}
	sub, err := w.pool.Subscribe(ctx, nostr.Filters{filter}, w.params.Relays)
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer sub.Close()

	if acked := w.pool.Publish(ctx, req, w.params.Relays); len(acked) == 0 {
		return &NetworkError{Err: relaypool.ErrPublishFailed}
	}

	var respEv *nostr.Event
	select {
	case respEv = <-sub.Events:
	case <-ctx.Done():
		return &NetworkError{Err: ctx.Err()}
	}

	plain, err := nip04.Decrypt(respEv.Content, shared)
	if err != nil {
		return &NetworkError{Err: err}
	}
	var resp nwcResponse
	if err := json.Unmarshal([]byte(plain), &resp); err != nil {
		return &NetworkError{Err: err}
	}
	if resp.Error != nil {
		return nwcErrorToGo(resp.Error)
	}
	if result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return &NetworkError{Err: err}
		}
	}
	return nil
}

func nwcErrorToGo(e *nwcError) error {
	switch e.Code {
	case "NOT_FOUND":
		return ErrInvoiceNotFound
	case "RATE_LIMITED", "INTERNAL", "UNAVAILABLE":
		return &NetworkError{Err: fmt.Errorf("%s: %s", e.Code, e.Message)}
	default:
		return fmt.Errorf("payments: nwc %s: %s", e.Code, e.Message)
	}
}

// MakeInvoice implements Wallet.
func (w *NWCWallet) MakeInvoice(ctx context.Context, amountMsat int64,
	description string, expiry time.Duration) (string, lntypes.Hash, error) {

	var result struct {
		Invoice     string `json:"invoice"`
		PaymentHash string `json:"payment_hash"`
	}
	err := w.roundTrip(ctx, "make_invoice", map[string]interface{}{
		"amount":      amountMsat,
		"description": description,
		"expiry":      int64(expiry / time.Second),
	}, &result)
	if err != nil {
		return "", lntypes.Hash{}, err
	}
	hash, err := lntypes.MakeHashFromStr(result.PaymentHash)
	if err != nil {
		return "", lntypes.Hash{}, &NetworkError{Err: err}
	}
	return result.Invoice, hash, nil
}

// PayInvoice implements Wallet.
func (w *NWCWallet) PayInvoice(ctx context.Context,
	invoice string) (lntypes.Preimage, error) {

	var result struct {
		Preimage string `json:"preimage"`
	}
	err := w.roundTrip(ctx, "pay_invoice", map[string]interface{}{
		"invoice": invoice,
	}, &result)
	if err != nil {
		return lntypes.Preimage{}, err
	}
	preimage, err := lntypes.MakePreimageFromStr(result.Preimage)
	if err != nil {
		return lntypes.Preimage{}, &NetworkError{Err: err}
	}
	return preimage, nil
}

// LookupInvoice implements Wallet.
func (w *NWCWallet) LookupInvoice(ctx context.Context,
	hash lntypes.Hash) (*InvoiceRecord, error) {

	var result struct {
		Invoice   string `json:"invoice"`
		Amount    int64  `json:"amount"`
		SettledAt int64  `json:"settled_at"`
	}
	err := w.roundTrip(ctx, "lookup_invoice", map[string]interface{}{
		"payment_hash": hash.String(),
	}, &result)
	if err != nil {
		return nil, err
	}
	rec := &InvoiceRecord{
		Invoice:     result.Invoice,
		PaymentHash: hash,
		AmountMsat:  result.Amount,
	}
	if result.SettledAt > 0 {
		rec.SettledAt = time.Unix(result.SettledAt, 0)
	}
	return rec, nil
}
