package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/stretchr/testify/require"

	"github.com/askexperts/expertlib/relaypool"
)

// fakeNWCService answers wallet connect requests on a MemPool, delegating to
// a MockWallet.
func fakeNWCService(t *testing.T, ctx context.Context, pool relaypool.Pool,
	servicePriv string, wallet *MockWallet) {

	t.Helper()
	servicePub, err := nostr.GetPublicKey(servicePriv)
	require.NoError(t, err)

	sub, err := pool.Subscribe(ctx, nostr.Filters{{
		Kinds: []int{kindNWCRequest},
		Tags:  nostr.TagMap{"p": []string{servicePub}},
	}}, []string{"wss://nwc"})
	require.NoError(t, err)

	go func() {
		defer sub.Close()
		for {
			var ev *nostr.Event
			select {
			case ev = <-sub.Events:
			case <-ctx.Done():
				return
			}

			shared, err := nip04.ComputeSharedSecret(ev.PubKey, servicePriv)
			require.NoError(t, err)
			plain, err := nip04.Decrypt(ev.Content, shared)
			require.NoError(t, err)

			var req nwcRequest
			require.NoError(t, json.Unmarshal([]byte(plain), &req))

			resp := nwcResponse{ResultType: req.Method}
			switch req.Method {
			case "make_invoice":
				var params struct {
					Amount      int64  `json:"amount"`
					Description string `json:"description"`
					Expiry      int64  `json:"expiry"`
				}
				require.NoError(t, json.Unmarshal(req.Params, &params))
				invoice, hash, err := wallet.MakeInvoice(
					ctx, params.Amount, params.Description,
					time.Duration(params.Expiry)*time.Second,
				)
				require.NoError(t, err)
				resp.Result, _ = json.Marshal(map[string]interface{}{
					"invoice":      invoice,
					"payment_hash": hash.String(),
				})

			case "pay_invoice":
				var params struct {
					Invoice string `json:"invoice"`
				}
				require.NoError(t, json.Unmarshal(req.Params, &params))
				preimage, err := wallet.PayInvoice(ctx, params.Invoice)
				if err != nil {
					resp.Error = &nwcError{
						Code: "INTERNAL", Message: err.Error(),
					}
					break
				}
				resp.Result, _ = json.Marshal(map[string]interface{}{
					"preimage": preimage.String(),
				})

			case "lookup_invoice":
				var params struct {
					PaymentHash string `json:"payment_hash"`
				}
				require.NoError(t, json.Unmarshal(req.Params, &params))
				hash, err := lntypes.MakeHashFromStr(params.PaymentHash)
				require.NoError(t, err)
				rec, err := wallet.LookupInvoice(ctx, hash)
				if err != nil {
					resp.Error = &nwcError{Code: "NOT_FOUND"}
					break
				}
				var settledAt int64
				if rec.Settled() {
					settledAt = rec.SettledAt.Unix()
				}
				resp.Result, _ = json.Marshal(map[string]interface{}{
					"invoice":    rec.Invoice,
					"amount":     rec.AmountMsat,
					"settled_at": settledAt,
				})

			default:
				// Unknown methods are ignored per protocol
				// evolution rules.
				continue
			}

			body, err := json.Marshal(resp)
			require.NoError(t, err)
			ct, err := nip04.Encrypt(string(body), shared)
			require.NoError(t, err)

			out := &nostr.Event{
				CreatedAt: nostr.Now(),
				Kind:      kindNWCResponse,
				Tags: nostr.Tags{
					nostr.Tag{"p", ev.PubKey},
					nostr.Tag{"e", ev.ID},
				},
				Content: ct,
			}
			require.NoError(t, out.Sign(servicePriv))
			pool.Publish(ctx, out, []string{"wss://nwc"})
		}
	}()
}

func TestNWCWalletRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool := relaypool.NewMemPool()
	backing, err := NewMockWallet(nil)
	require.NoError(t, err)

	servicePriv := nostr.GeneratePrivateKey()
	servicePub, err := nostr.GetPublicKey(servicePriv)
	require.NoError(t, err)
	fakeNWCService(t, ctx, pool, servicePriv, backing)

	secret := nostr.GeneratePrivateKey()
	connectURL := fmt.Sprintf(
		"nostr+walletconnect://%s?relay=%s&secret=%s",
		servicePub, "wss://nwc", secret,
	)
	wallet, err := NewNWCWallet(connectURL, pool)
	require.NoError(t, err)

	invoice, hash, err := wallet.MakeInvoice(ctx, 50_000, "over nwc", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, invoice)

	// Not yet settled.
	rec, err := wallet.LookupInvoice(ctx, hash)
	require.NoError(t, err)
	require.False(t, rec.Settled())

	preimage, err := wallet.PayInvoice(ctx, invoice)
	require.NoError(t, err)
	require.True(t, preimage.Matches(hash))

	rec, err = wallet.LookupInvoice(ctx, hash)
	require.NoError(t, err)
	require.True(t, rec.Settled())

	// Unknown invoice lookups map to ErrInvoiceNotFound.
	var missing lntypes.Hash
	missing[0] = 1
	_, err = wallet.LookupInvoice(ctx, missing)
	require.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestParseWalletConnectURL(t *testing.T) {
	p, err := ParseWalletConnectURL(
		"nostr+walletconnect://ab12?relay=wss%3A%2F%2Fr.one&relay=wss%3A%2F%2Fr.two&secret=cd34",
	)
	require.NoError(t, err)
	require.Equal(t, "ab12", p.WalletPubkey)
	require.Equal(t, "cd34", p.Secret)
	require.Equal(t, []string{"wss://r.one", "wss://r.two"}, p.Relays)

	_, err = ParseWalletConnectURL("https://example.com")
	require.Error(t, err)

	_, err = ParseWalletConnectURL("nostr+walletconnect://ab12?secret=cd34")
	require.Error(t, err)
}
