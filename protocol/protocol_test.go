package protocol

import (
	"encoding/hex"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func TestCreateValidateEvent(t *testing.T) {
	priv, pub, err := GenerateKey()
	require.NoError(t, err)

	ev, err := CreateEvent(KindAsk, "hello", nostr.Tags{
		nostr.Tag{TagHashtag, "bitcoin"},
	}, priv)
	require.NoError(t, err)
	require.Equal(t, pub, ev.PubKey)
	require.True(t, ValidateEvent(ev))

	// Any single mutation must invalidate the event.
	mutated := *ev
	mutated.Content = "hello!"
	require.False(t, ValidateEvent(&mutated))

	mutated = *ev
	mutated.Kind = KindBid
	require.False(t, ValidateEvent(&mutated))

	mutated = *ev
	mutated.CreatedAt++
	require.False(t, ValidateEvent(&mutated))

	mutated = *ev
	idBytes, err := hex.DecodeString(mutated.ID)
	require.NoError(t, err)
	idBytes[0] ^= 0x01
	mutated.ID = hex.EncodeToString(idBytes)
	require.False(t, ValidateEvent(&mutated))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alicePriv, alicePub, err := GenerateKey()
	require.NoError(t, err)
	bobPriv, bobPub, err := GenerateKey()
	require.NoError(t, err)
	malloryPriv, _, err := GenerateKey()
	require.NoError(t, err)

	ct, err := Encrypt("secret question", bobPub, alicePriv)
	require.NoError(t, err)

	pt, err := Decrypt(ct, alicePub, bobPriv)
	require.NoError(t, err)
	require.Equal(t, "secret question", pt)

	// A third party cannot open the payload.
	_, err = Decrypt(ct, alicePub, malloryPriv)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestAskRoundTrip(t *testing.T) {
	sessionPriv, sessionPub, err := GenerateKey()
	require.NoError(t, err)

	ask := &Ask{
		Summary:  "Tell me about lightning",
		Hashtags: []string{"bitcoin", "lightning"},
		Formats:  []Format{FormatText, FormatOpenAI},
		Methods:  []Method{MethodLightning},
		Stream:   true,
		Relays:   []string{"wss://relay.one", "wss://relay.two"},
	}
	ev, err := BuildAsk(sessionPriv, ask)
	require.NoError(t, err)
	require.True(t, ValidateEvent(ev))

	parsed, err := ParseAsk(ev)
	require.NoError(t, err)
	require.Equal(t, sessionPub, parsed.SessionPub)
	require.Equal(t, ask.Summary, parsed.Summary)
	require.Equal(t, ask.Hashtags, parsed.Hashtags)
	require.Equal(t, ask.Formats, parsed.Formats)
	require.Equal(t, ask.Methods, parsed.Methods)
	require.Equal(t, ask.Relays, parsed.Relays)
	require.True(t, parsed.Stream)
}

func TestBidHidesExpertIdentity(t *testing.T) {
	sessionPriv, sessionPub, err := GenerateKey()
	require.NoError(t, err)
	expertPriv, expertPub, err := GenerateKey()
	require.NoError(t, err)

	payload := &BidPayload{
		Offer:        "I can help",
		PromptRelays: []string{"wss://prompts.example"},
		Formats:      []Format{FormatText},
		Methods:      []Method{MethodLightning},
	}
	ev, err := BuildBid(expertPriv, sessionPub, "ask-id-1", payload)
	require.NoError(t, err)
	require.True(t, ValidateEvent(ev))

	// The outer envelope must not leak the expert's stable key.
	require.NotEqual(t, expertPub, ev.PubKey)
	require.NotContains(t, ev.Content, expertPub)

	bid, err := ParseBid(ev, sessionPriv)
	require.NoError(t, err)
	require.Equal(t, expertPub, bid.ExpertPubkey)
	require.Equal(t, "ask-id-1", bid.AskID)
	require.Equal(t, payload.Offer, bid.Payload.Offer)
	require.Equal(t, payload.PromptRelays, bid.Payload.PromptRelays)

	// Only the session key holder can open the bid.
	otherPriv, _, err := GenerateKey()
	require.NoError(t, err)
	_, err = ParseBid(ev, otherPriv)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestPromptQuoteProofReplyChain(t *testing.T) {
	promptPriv, promptPub, err := GenerateKey()
	require.NoError(t, err)
	expertPriv, _, err := GenerateKey()
	require.NoError(t, err)

	promptEv, err := BuildPrompt(promptPriv, mustPub(t, expertPriv),
		&PromptPayload{Format: FormatText, Text: "how do channels close?"})
	require.NoError(t, err)

	prompt, err := ParsePrompt(promptEv, expertPriv)
	require.NoError(t, err)
	require.Equal(t, promptPub, prompt.PromptPub)
	require.Equal(t, "how do channels close?", prompt.Payload.Text)

	quoteEv, err := BuildQuote(expertPriv, promptPub, prompt.ID,
		&QuotePayload{Invoices: []Invoice{{
			Method:      MethodLightning,
			Unit:        "sat",
			Amount:      50,
			Invoice:     "lnbc500n1...",
			PaymentHash: "00aa",
		}}})
	require.NoError(t, err)

	quote, err := ParseQuote(quoteEv, promptPriv)
	require.NoError(t, err)
	require.Equal(t, prompt.ID, quote.PromptID)
	require.Len(t, quote.Payload.Invoices, 1)
	require.EqualValues(t, 50, quote.Payload.Invoices[0].Amount)

	proofEv, err := BuildProof(promptPriv, mustPub(t, expertPriv),
		prompt.ID, &ProofPayload{Method: MethodLightning, Preimage: "beef"})
	require.NoError(t, err)

	proof, err := ParseProof(proofEv, expertPriv)
	require.NoError(t, err)
	require.Equal(t, prompt.ID, proof.PromptID)
	require.Equal(t, "beef", proof.Payload.Preimage)

	replyEv, err := BuildReply(expertPriv, promptPub, prompt.ID,
		&ReplyPayload{Index: 0, Done: true, Content: "cooperatively"})
	require.NoError(t, err)

	reply, err := ParseReply(replyEv, promptPriv)
	require.NoError(t, err)
	require.Equal(t, prompt.ID, reply.PromptID)
	require.True(t, reply.Payload.Done)
	require.Equal(t, "cooperatively", reply.Payload.Content)
}

func TestProfileRoundTrip(t *testing.T) {
	expertPriv, expertPub, err := GenerateKey()
	require.NoError(t, err)

	profile := &Profile{
		Name:         "ln-helper",
		Description:  "lightning questions answered",
		Pricing:      "10 sats/1k tokens",
		Hashtags:     []string{"lightning"},
		PromptRelays: []string{"wss://prompts.example"},
		Formats:      []Format{FormatOpenAI},
		Methods:      []Method{MethodLightning},
		Stream:       true,
	}
	ev, err := BuildProfile(expertPriv, profile)
	require.NoError(t, err)

	parsed, err := ParseProfile(ev)
	require.NoError(t, err)
	require.Equal(t, expertPub, parsed.Pubkey)
	require.Equal(t, profile.Name, parsed.Name)
	require.Equal(t, profile.Pricing, parsed.Pricing)
	require.Equal(t, profile.Hashtags, parsed.Hashtags)
	require.Equal(t, profile.PromptRelays, parsed.PromptRelays)
	require.True(t, parsed.Stream)
}

func mustPub(t *testing.T, priv string) string {
	t.Helper()
	pub, err := nostr.GetPublicKey(priv)
	require.NoError(t, err)
	return pub
}
